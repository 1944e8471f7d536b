// Package driver defines the snapshot driver interfaces the scheduler
// (package backup) and demultiplexer (package restore) poll against, plus
// the buffer type handed back and forth between them.
//
// The source models each driver as a C struct of function pointers with a
// shared "base" header; here each driver direction is its own small
// interface and dispatch is ordinary Go interface satisfaction.
package driver

import "context"

// Status is the result of one polling step against a driver.
type Status int

const (
	// StatusOK means the call produced data (buf is filled).
	StatusOK Status = iota
	// StatusReady marks a lifecycle transition: init finished, prepare
	// finished, or similar. No data was produced this call.
	StatusReady
	// StatusProcessing means "call me again, no data yet" — the driver is
	// doing work on a helper goroutine and has not blocked.
	StatusProcessing
	// StatusBusy is like StatusProcessing but specifically reports
	// contention (e.g. a buffer is still taken); callers retry with the
	// same backoff budget as StatusProcessing.
	StatusBusy
	// StatusDone means this driver will produce nothing further.
	StatusDone
	// StatusError means the call failed; the caller inspects the returned
	// error for an *ierrors.Error.
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusReady:
		return "ready"
	case StatusProcessing:
		return "processing"
	case StatusBusy:
		return "busy"
	case StatusDone:
		return "done"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Buffer is the data buffer passed to BackupDriver.GetData and
// RestoreDriver.SendData. Bytes is preallocated by the scheduler's block
// writer (§4.5) and sized to the stream's block size; Filled is how much of
// it the driver actually used.
type Buffer struct {
	Bytes   []byte
	TableNo uint32
	Last    bool
	Filled  int
}

// Payload returns the portion of Bytes actually filled by the driver.
func (b *Buffer) Payload() []byte {
	return b.Bytes[:b.Filled]
}

// BackupDriver is one snapshot's data-producing half, polled cooperatively
// by backup.Scheduler. No method may block indefinitely; anything that
// would block must run on a driver-owned helper goroutine while GetData
// returns StatusProcessing/StatusBusy.
type BackupDriver interface {
	// Name identifies the driver in diagnostics and driver-error wrapping.
	Name() string

	// InitSize estimates bytes to be produced during the initial bulk
	// phase. Returning (0, false) means "unknown"; such drivers are
	// admitted immediately rather than queued behind the admission
	// heuristic (§4.5 phase 1).
	InitSize() (size uint64, known bool)

	// Begin acquires resources and opens the source, sized to blockSize.
	Begin(ctx context.Context, blockSize int) error

	// Prelock starts preparations for the validity point without blocking;
	// it may launch background work (e.g. a locking goroutine) and return
	// immediately.
	Prelock(ctx context.Context) (Status, error)

	// GetData performs one polling step, either filling buf or reporting a
	// state transition.
	GetData(ctx context.Context, buf *Buffer) (Status, error)

	// Lock creates the validity point now; the driver must already be
	// prepared (Prelock returned StatusReady).
	Lock(ctx context.Context) error

	// Unlock releases locks taken by Lock/Prelock; after this call only
	// final data remains to be produced.
	Unlock(ctx context.Context) error

	// End shuts the driver down after it reported StatusDone.
	End(ctx context.Context) error

	// Cancel shuts the driver down early. Errors are swallowed by callers
	// per the best-effort cancellation policy.
	Cancel(ctx context.Context) error
}

// RestoreDriver is one snapshot's data-consuming half, polled by
// restore.Demux.
type RestoreDriver interface {
	// Name identifies the driver in diagnostics.
	Name() string

	// Begin acquires resources and opens the destination.
	Begin(ctx context.Context) error

	// SendData delivers one chunk's payload for the named table. buf.Last
	// marks the final call for that table; the driver may still receive
	// trailing zero-length cleanup calls afterward.
	SendData(ctx context.Context, buf *Buffer) (Status, error)

	// End shuts the driver down after the data-chunks section is fully
	// consumed.
	End(ctx context.Context) error

	// Cancel shuts the driver down early.
	Cancel(ctx context.Context) error
}
