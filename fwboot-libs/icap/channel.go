package icap

import "context"

// Channel moves configuration words between the CPU and the ICAP. Words
// passed to Send are queued until TriggerAndWait drains them into the port.
type Channel interface {
	// Abort cancels any operation in flight and reports whether the port
	// still flags failure afterwards.
	Abort(ctx context.Context) (failed bool)
	Send(word uint16)
	// TriggerAndWait drains queued words into the port and waits for it to
	// finish. It reports the port's failure flag.
	TriggerAndWait(ctx context.Context) (failed bool)
	// Recv returns the next word read back from the port.
	Recv(ctx context.Context) (word uint16, ok bool)
}
