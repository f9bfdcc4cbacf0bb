// Package fanout delivers the merged line stream to every live subscriber.
//
// Each subscriber gets a bounded send queue and a dedicated sender goroutine.
// Publish never blocks: a line is offered to every queue and dropped for a
// subscriber whose queue is full, so one slow dashboard cannot stall the
// producers or the other subscribers. A subscriber whose write fails or times
// out is removed, the others are unaffected.
//
// Subscribers only see lines published after they registered. Nothing is
// replayed on connect.
package fanout
