package muxd

import "github.com/arwn/go-muxd/internal/constants"

// Re-export constants for public API
const (
	USBMRU                        = constants.USBMRU
	USBMTU                        = constants.USBMTU
	DeviceMRU                     = constants.DeviceMRU
	InboundBufferCapacity         = constants.InboundBufferCapacity
	OutboundBufferCapacity        = constants.OutboundBufferCapacity
	MaxVirtualConnections         = constants.MaxVirtualConnections
	ClientInboundBufferCapacity   = constants.ClientInboundBufferCapacity
	ClientOutboundInitialCapacity = constants.ClientOutboundInitialCapacity
	ClientSocketBufferSize        = constants.ClientSocketBufferSize
	AckTimeout                    = constants.AckTimeout
	DefaultPollInterval           = constants.DefaultPollInterval
)
