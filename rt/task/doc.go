// Package task provides the runtime wrapper around a periodic real-time task.
//
// # Design highlights
//
//   - Descriptor: immutable scheduling attributes (id, timing, priority, quota, binary name).
//   - Task: a Descriptor bound to a binary image and an execution Host, with a small
//     lifecycle state machine.
//   - Host: the external execution primitive. Exec runs one activation; stopping is
//     context cancellation.
//   - Recorder: receives runtime events (start, activation, deadline miss, error, exit) from
//     the task's own goroutine.
//
// # Lifecycle
//
//	idle/stopped --Start--> running
//	running --Pause--> paused --Resume--> running
//	running/paused --Stop--> stopped
//	any --Destroy--> destroyed
//
// Transitions not listed are no-ops and report false.
//
// Control is cooperative. Stop cancels the loop context and returns a channel that is closed
// once the loop has exited; nothing guarantees the host returns promptly. Callers that need
// teardown confirmation must wait on that channel with their own deadline.
//
// # Timing
//
// The first activation happens Offset after Start; subsequent activations are aligned to
// first+K*Period. Missed ticks are never caught up: after a long activation, the next tick
// is the first aligned tick strictly in the future. Paused tasks keep their schedule but
// skip activations.
//
// An activation that takes longer than CriticalTime (when > 0) is a deadline miss.
package task
