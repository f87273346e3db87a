// Package configstore implements the on-disk pairing-record and BUID
// collaborator: a per-UDID "<UDID>.plist" file plus a shared
// "SystemConfiguration.plist" holding the host's BUID, both encoded
// with internal/wire/plist. configstore is the only package that knows
// the on-disk plist layout.
//
// The BUID is a 36-character uppercase hex-and-dash UUID (dashes at
// 8/13/18/23), persisted under the "SystemBUID" key the first time it
// is read; every later GetSystemBUID call returns the same value.
package configstore

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/arwn/go-muxd/internal/interfaces"
	"github.com/arwn/go-muxd/internal/wire/plist"
)

const (
	systemConfigFile = "SystemConfiguration.plist"
	buidKey          = "SystemBUID"
	hostIDKey        = "HostID"
)

// Store is a file-backed interfaces.ConfigStore rooted at Dir, holding
// one "<UDID>.plist" per paired device plus
// "SystemConfiguration.plist". It never requires a specific path; the
// embedding CLI chooses Dir (cmd/muxd defaults it per-OS).
type Store struct {
	mu  sync.Mutex
	Dir string
}

// New creates a Store rooted at dir, creating the directory if absent.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("configstore: create %s: %w", dir, err)
	}
	return &Store{Dir: dir}, nil
}

func (s *Store) systemConfigPath() string {
	return filepath.Join(s.Dir, systemConfigFile)
}

func (s *Store) recordPath(udid string) string {
	return filepath.Join(s.Dir, udid+".plist")
}

// GetSystemBUID returns the host's BUID, lazily generating and
// persisting one if absent.
func (s *Store) GetSystemBUID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDict(s.systemConfigPath())
	if err != nil {
		return "", err
	}
	if doc == nil {
		doc = map[string]any{}
	}
	if v, ok := doc[buidKey].(string); ok && v != "" {
		return v, nil
	}

	buid := generateBUID()
	doc[buidKey] = buid
	if err := s.writeDict(s.systemConfigPath(), doc); err != nil {
		return "", err
	}
	return buid, nil
}

// generateBUID produces a 36-character uppercase hex-and-dash UUID by
// upper-casing google/uuid's random v4 string form, which already has
// the dashes at 8, 13, 18 and 23.
func generateBUID() string {
	return strings.ToUpper(uuid.New().String())
}

// HasDeviceRecord reports whether a pair record exists for udid.
func (s *Store) HasDeviceRecord(udid string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.recordPath(udid))
	return err == nil
}

// GetDeviceRecord returns the raw plist bytes of udid's pair record.
func (s *Store) GetDeviceRecord(udid string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.recordPath(udid))
	if err != nil {
		return nil, fmt.Errorf("configstore: no pair record for %s: %w", udid, err)
	}
	return data, nil
}

// SetDeviceRecord writes udid's pair record verbatim (SAVEPAIRRECORD
// already validated the bundle id before calling this; the record's
// contents are not checked).
func (s *Store) SetDeviceRecord(udid string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.recordPath(udid), data, 0o644); err != nil {
		return fmt.Errorf("configstore: save pair record for %s: %w", udid, err)
	}
	return nil
}

// RemoveDeviceRecord deletes udid's pair record, if any.
func (s *Store) RemoveDeviceRecord(udid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.recordPath(udid))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("configstore: delete pair record for %s: %w", udid, err)
	}
	return nil
}

// GetDeviceRecordHostID returns the HostID field stored in udid's pair
// record.
func (s *Store) GetDeviceRecordHostID(udid string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, err := s.readDict(s.recordPath(udid))
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", fmt.Errorf("configstore: no pair record for %s", udid)
	}
	v, _ := doc[hostIDKey].(string)
	return v, nil
}

// readDict loads a plist dict from path, returning (nil, nil) if the
// file does not exist.
func (s *Store) readDict(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("configstore: read %s: %w", path, err)
	}
	var doc map[string]any
	if err := plist.Decode(data, &doc); err != nil {
		return nil, fmt.Errorf("configstore: decode %s: %w", path, err)
	}
	return doc, nil
}

func (s *Store) writeDict(path string, doc map[string]any) error {
	format := plist.FormatBinary
	if existing, err := os.ReadFile(path); err == nil && !plist.IsBinary(existing) {
		format = plist.FormatXML
	}
	data, err := plist.Encode(doc, format)
	if err != nil {
		return fmt.Errorf("configstore: encode %s: %w", path, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("configstore: write %s: %w", path, err)
	}
	return nil
}

var _ interfaces.ConfigStore = (*Store)(nil)
