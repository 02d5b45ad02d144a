// Package protocol implements the liveness state machine of one gateway session.
//
// Step is a pure function from (State, Event) to (State, []Effect). It owns no
// timers, sockets or goroutines: the caller feeds it transport and timer events
// and carries out the effects it returns. This keeps every transition testable
// without a network.
//
// Phases:
//
//	Disconnected -> Connecting -> AwaitingHello -> Identifying|Resuming -> Ready
//
// and back to Disconnected on any transport close.
package protocol
