// Package net implements the producer side of the aggregation server.
//
// Producers are telemetry sources that open a plain TCP connection to the
// ingest address and stream line-delimited messages, with no handshake. The
// IngestServer accepts those connections on a StreamLayer and handles each one
// in a dedicated goroutine: bytes read from the socket are fed to a
// framer.Framer and every completed line is handed to the Merger.
//
// The Merger owns the set of live producers and forwards each line, as soon
// as it is complete, to the sinks subscribed to it. It does not buffer,
// reorder or deduplicate. Lines from one producer reach the sinks in the
// order the producer sent them; lines from different producers are
// interleaved in arrival order.
//
// Any error on a producer connection, including a line exceeding the
// configured maximum, closes that connection and removes it from the Merger.
// It never affects other producers.
package net
