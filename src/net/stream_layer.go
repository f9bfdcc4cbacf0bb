package net

import (
	"net"
)

// StreamLayer is used with the IngestServer to provide the low level stream
// abstraction.
type StreamLayer interface {
	net.Listener

	// AdvertiseAddr returns the publicly-reachable address of the stream
	AdvertiseAddr() string
}
