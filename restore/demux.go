// Package restore implements the demultiplexer that replays an image's
// data-chunks section against a set of driver.RestoreDriver instances,
// routing each chunk by snapshot number.
package restore

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/polarsignals/imgbackup/driver"
	"github.com/polarsignals/imgbackup/ierrors"
	"github.com/polarsignals/imgbackup/image"
)

const component = "restore"

// maxConsecutiveErrors is the per-driver error threshold (spec.md §4.6):
// more than 3 errors in a row on the same buffer is fatal.
const maxConsecutiveErrors = 3

// maxConsecutiveBusy is the per-driver busy/processing threshold beyond
// which the driver is considered deadlocked.
const maxConsecutiveBusy = 7

type driverState struct {
	d            driver.RestoreDriver
	errStreak    int
	busyStreak   int
	sawLast      bool
	present      bool // true once the catalogue confirmed this snapshot exists
}

// Demux routes data chunks from an image.Reader to the matching
// driver.RestoreDriver by snapshot number.
type Demux struct {
	logger  log.Logger
	drivers map[uint16]*driverState
}

// NewDemux builds a demultiplexer over drivers, keyed by snapshot number.
// knownSnapshots is the set of snapshot numbers present in the catalogue;
// chunks for any other snapshot number are skipped with a debug trace
// rather than treated as fatal (spec.md §4.6 "allows partial-read tools").
func NewDemux(logger log.Logger, drivers map[uint16]driver.RestoreDriver, knownSnapshots map[uint16]bool) *Demux {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	states := make(map[uint16]*driverState, len(drivers))
	for sn, d := range drivers {
		states[sn] = &driverState{d: d, present: knownSnapshots[sn]}
	}
	return &Demux{logger: logger, drivers: states}
}

// Run replays every data chunk from r until the end-of-data marker, then
// calls End on every driver and returns a combined diagnostic if any
// driver's End failed.
func (dm *Demux) Run(ctx context.Context, r *image.Reader) error {
	for _, st := range dm.drivers {
		if err := st.d.Begin(ctx); err != nil {
			return ierrors.Wrap(ierrors.DriverError, st.d.Name(), err)
		}
	}

	for {
		chunk, ok, err := r.ReadDataChunk()
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := dm.route(ctx, chunk); err != nil {
			return err
		}
	}

	return dm.endAll(ctx)
}

func (dm *Demux) route(ctx context.Context, chunk image.DataChunk) error {
	st, ok := dm.drivers[chunk.SnapshotNo]
	if !ok || !st.present {
		level.Debug(dm.logger).Log("msg", "skipping chunk for unknown snapshot", "snapshot_no", chunk.SnapshotNo)
		return nil
	}

	buf := &driver.Buffer{
		Bytes:   chunk.Payload,
		TableNo: chunk.TableNo,
		Last:    chunk.Flags&image.FlagLastChunk != 0,
		Filled:  len(chunk.Payload),
	}

	for {
		status, err := st.d.SendData(ctx, buf)
		if err != nil {
			st.errStreak++
			if st.errStreak > maxConsecutiveErrors {
				return ierrors.Wrap(ierrors.DriverError, st.d.Name(),
					fmt.Errorf("more than %d consecutive errors: %w", maxConsecutiveErrors, err))
			}
			continue
		}
		switch status {
		case driver.StatusOK, driver.StatusDone:
			st.errStreak = 0
			st.busyStreak = 0
			if buf.Last {
				st.sawLast = true
			}
			return nil
		case driver.StatusProcessing, driver.StatusBusy:
			st.busyStreak++
			if st.busyStreak > maxConsecutiveBusy {
				return ierrors.New(ierrors.DriverError, st.d.Name(),
					fmt.Sprintf("driver appears deadlocked: more than %d consecutive busy/processing results", maxConsecutiveBusy))
			}
			continue
		case driver.StatusError:
			st.errStreak++
			if st.errStreak > maxConsecutiveErrors {
				return ierrors.New(ierrors.DriverError, st.d.Name(),
					fmt.Sprintf("more than %d consecutive error results", maxConsecutiveErrors))
			}
			continue
		default:
			return nil
		}
	}
}

func (dm *Demux) endAll(ctx context.Context) error {
	var failed []string
	for _, st := range dm.drivers {
		if err := st.d.End(ctx); err != nil {
			level.Error(dm.logger).Log("msg", "restore driver failed to end cleanly", "driver", st.d.Name(), "err", err)
			failed = append(failed, st.d.Name())
		}
	}
	if len(failed) > 0 {
		return ierrors.New(ierrors.DriverError, component,
			fmt.Sprintf("drivers failed to end cleanly: %s", strings.Join(failed, ", ")))
	}
	return nil
}

// Cancel issues Cancel to every driver; errors are swallowed (best-effort),
// matching the backup side's cancellation policy.
func (dm *Demux) Cancel(ctx context.Context) {
	for _, st := range dm.drivers {
		_ = st.d.Cancel(ctx)
	}
}
