package gousb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPortNameRoundTrip(t *testing.T) {
	name := portName(2, 5)
	assert.Equal(t, "2:5", name)

	bus, addr, err := parsePortName(name)
	require.NoError(t, err)
	assert.Equal(t, 2, bus)
	assert.Equal(t, 5, addr)
}

func TestParsePortNameRejectsMalformed(t *testing.T) {
	_, _, err := parsePortName("not-a-port")
	assert.Error(t, err)

	_, _, err = parsePortName("bus:five")
	assert.Error(t, err)
}

func TestLocationPacksBusAddressPort(t *testing.T) {
	loc := location(1, 2, 3)
	assert.Equal(t, uint32(1)<<24|uint32(2)<<16|uint32(3), loc)
}
