// Command muxd is the go-muxd daemon entrypoint: it wires the real USB
// transport, file-backed config store, auto-accept preflight, and the
// event dispatcher together behind a cobra CLI.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	muxd "github.com/arwn/go-muxd"
	"github.com/arwn/go-muxd/internal/config"
	"github.com/arwn/go-muxd/internal/configstore"
	"github.com/arwn/go-muxd/internal/device"
	"github.com/arwn/go-muxd/internal/logging"
	"github.com/arwn/go-muxd/internal/preflight"
	"github.com/arwn/go-muxd/internal/reactor"
	transportgousb "github.com/arwn/go-muxd/internal/transport/gousb"
)

var (
	// Version is the release version, injected via -ldflags at build time.
	Version = "dev"

	configPath string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "muxd",
		Short: "go-muxd multiplexes local TCP clients over a single USB mux connection to an attached device",
		Long: `muxd terminates Apple's mux protocol on the host side: it accepts local
TCP clients on a loopback socket, lets them list attached devices and open
virtual connections to a device port, and forwards bytes in both directions
over the device's USB bulk endpoints.`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file (optional)")
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the muxd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
			return nil
		},
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logConfig := logging.DefaultConfig()
	switch cfg.LogLevel {
	case "debug":
		logConfig.Level = logging.LevelDebug
	case "warn":
		logConfig.Level = logging.LevelWarn
	case "error":
		logConfig.Level = logging.LevelError
	default:
		logConfig.Level = logging.LevelInfo
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	store, err := configstore.New(cfg.PairRecordDir)
	if err != nil {
		return err
	}

	transport := transportgousb.New()
	defer transport.Shutdown()

	pf := preflight.NewAutoAccept(time.Duration(cfg.PreflightDelayMS) * time.Millisecond)

	observer := muxd.NewMetricsObserver(muxd.NewMetrics())

	manager := device.NewManager(transport, pf, logger.WithComponent("device"), observer, cfg.USBMTU, cfg.USBMRU)

	listener, err := net.Listen("tcp", cfg.SocketAddr)
	if err != nil {
		return fmt.Errorf("muxd: listen on %s: %w", cfg.SocketAddr, err)
	}
	logger.Info("listening", "addr", cfg.SocketAddr)

	r := reactor.New(listener, manager, store, transport, logger.WithComponent("reactor"), observer)
	r.IncludeHiddenDefault = cfg.IncludeHiddenDevices
	r.ResolvePort = resolvePortFunc(transport)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	return r.Run(ctx)
}

// resolvePortFunc adapts ADDDEVICE/REMOVEDEVICE's numeric USB location
// to the gousb transport's "bus:address" port name by scanning its
// current enumeration.
func resolvePortFunc(transport *transportgousb.Transport) func(location uint32) (string, error) {
	return func(location uint32) (string, error) {
		ports, err := transport.Enumerate()
		if err != nil {
			return "", err
		}
		for _, p := range ports {
			if p.Location == location {
				return p.Name, nil
			}
		}
		return "", fmt.Errorf("muxd: no USB port at location %s", strconv.FormatUint(uint64(location), 16))
	}
}
