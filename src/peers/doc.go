// Package peers maintains the per-peer state derived from the heartbeat feed.
//
// A Reconciler consumes raw feed messages one at a time. Each HeartBeat
// creates or overwrites the Record of its peer. The only derived field is
// TSLBlock, the time the peer's tipset was last seen to change:
//
//   - on the first heartbeat of a peer it is unknown (the zero time), since a
//     first sighting says nothing about when the peer last moved
//   - when the canonical tipset equals the stored one it is carried forward
//   - when it differs it is set to the time the message was processed
//
// Timestamps carried in the messages themselves are never used. Records are
// never removed; a peer that stops sending keeps its last Record.
package peers
