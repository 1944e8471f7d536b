// Package backup implements the single-threaded cooperative scheduler that
// drives a set of driver.BackupDriver instances through their lifecycle and
// writes their output into an image.Writer.
//
// The source runs this loop on one thread with function-pointer dispatch per
// driver; here the loop is an ordinary Go for-loop polling interface values,
// and a driver's own helper goroutines (if any) are its business alone.
package backup

import (
	"context"
	"sort"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/polarsignals/imgbackup/driver"
	"github.com/polarsignals/imgbackup/ierrors"
	"github.com/polarsignals/imgbackup/image"
)

const component = "backup"

// maxBufferRetries bounds how many times the scheduler retries a block
// writer that reports no-resources before declaring the driver failed
// (spec.md §4.5 "Block allocation").
const maxBufferRetries = 3

// state is a driver's position in the lifecycle state machine from spec.md
// §4.5.
type state int

const (
	stateInactive state = iota
	stateInit
	stateWaiting
	statePreparing
	stateReady
	stateFinishing
	stateDone
	stateShutDown
	stateCancelled
	stateError
)

// driverSlot is the scheduler's bookkeeping for one admitted driver.
type driverSlot struct {
	d          driver.BackupDriver
	st         state
	startPos   uint64 // accumulated byte offset where this driver was admitted
	bytesIn    uint64 // reported by the driver
	bytesOut   uint64 // written into the stream
	snapshotNo uint16
	bw         *blockWriter
}

func (s *driverSlot) pos() uint64 { return s.startPos + s.bytesIn }

// blockWriter is the trivial one-buffer-at-a-time allocator each driver
// slot owns (spec.md §4.5 "Model").
type blockWriter struct {
	buf   driver.Buffer
	taken bool
}

func newBlockWriter(blockSize int) *blockWriter {
	return &blockWriter{buf: driver.Buffer{Bytes: make([]byte, blockSize)}}
}

func (bw *blockWriter) getBuf() (*driver.Buffer, error) {
	if bw.taken {
		return nil, ierrors.New(ierrors.OutOfResources, component, "block buffer already taken")
	}
	bw.taken = true
	bw.buf.Filled = 0
	bw.buf.Last = false
	return &bw.buf, nil
}

func (bw *blockWriter) release() { bw.taken = false }

// Metrics holds the prometheus instrumentation the scheduler publishes,
// grounded on the teacher's promauto-in-constructor convention (see
// table.go's newTable).
type Metrics struct {
	bytesWritten prometheus.Counter
	chunksWritten prometheus.Counter
	driverErrors  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	return &Metrics{
		bytesWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "imgbackup_backup_bytes_written_total",
			Help: "Total bytes written into the data-chunks section.",
		}),
		chunksWritten: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "imgbackup_backup_chunks_written_total",
			Help: "Total data chunks written.",
		}),
		driverErrors: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "imgbackup_backup_driver_errors_total",
			Help: "Driver errors observed, by driver name.",
		}, []string{"driver"}),
	}
}

// Scheduler drives a fixed set of backup drivers, one snapshot each, through
// admission, init, prepare, the validity-point window and finish, writing
// their data chunks into w.
type Scheduler struct {
	logger    log.Logger
	metrics   *Metrics
	w         *image.Writer
	blockSize int

	locker Locker

	slots     []*driverSlot
	inactive  []int // indices into slots, admission-pending
	initLeft  uint64
}

// Locker is the collaborator that blocks and unblocks external commits
// around the validity-point window (spec.md §4.5 phase 4 (a)/(f)).
type Locker interface {
	BlockCommits(ctx context.Context) error
	UnblockCommits(ctx context.Context) error
	// ReplicationPosition records the current replication log position at
	// the validity point.
	ReplicationPosition(ctx context.Context) (string, error)
}

// NoopLocker is a Locker that does nothing, for drivers/backends with no
// external commit stream to block.
type NoopLocker struct{}

func (NoopLocker) BlockCommits(context.Context) error                  { return nil }
func (NoopLocker) UnblockCommits(context.Context) error                { return nil }
func (NoopLocker) ReplicationPosition(context.Context) (string, error) { return "", nil }

// NewScheduler builds a scheduler over the given drivers, each bound to the
// snapshot number the catalogue already assigned it.
func NewScheduler(logger log.Logger, reg prometheus.Registerer, w *image.Writer, blockSize int, locker Locker, drivers map[uint16]driver.BackupDriver) *Scheduler {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if locker == nil {
		locker = NoopLocker{}
	}
	s := &Scheduler{
		logger:    logger,
		metrics:   newMetrics(reg),
		w:         w,
		blockSize: blockSize,
		locker:    locker,
	}

	snapshotNos := make([]uint16, 0, len(drivers))
	for sn := range drivers {
		snapshotNos = append(snapshotNos, sn)
	}
	sort.Slice(snapshotNos, func(i, j int) bool { return snapshotNos[i] < snapshotNos[j] })

	for _, sn := range snapshotNos {
		s.slots = append(s.slots, &driverSlot{
			d:          drivers[sn],
			st:         stateInactive,
			snapshotNo: sn,
			bw:         newBlockWriter(blockSize),
		})
	}
	return s
}

// Run executes the full backup lifecycle: admission, init, prepare, the
// validity-point window, finish, writing data chunks and the end-of-data
// marker into w. It does not write the preamble/header/catalogue/metadata
// sections; the caller (imgbackup.Context) is responsible for those,
// matching the package boundary in SPEC_FULL.md §4.8.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.admitInitial(ctx); err != nil {
		return err
	}
	if err := s.pollInit(ctx); err != nil {
		return s.fail(ctx, err)
	}
	if err := s.prepare(ctx); err != nil {
		return s.fail(ctx, err)
	}
	if err := s.createValidityPoint(ctx); err != nil {
		return s.fail(ctx, err)
	}
	if err := s.finish(ctx); err != nil {
		return s.fail(ctx, err)
	}
	return s.w.WriteEndOfData()
}

// admitInitial places drivers with known nonzero InitSize into the inactive
// queue and admits unknown-size drivers immediately (spec.md §4.5 phase 1).
func (s *Scheduler) admitInitial(ctx context.Context) error {
	var pos uint64
	var knownTotal uint64
	var knownCount int

	for i, slot := range s.slots {
		size, known := slot.d.InitSize()
		if !known {
			if err := s.admit(ctx, i, pos); err != nil {
				return err
			}
			continue
		}
		knownTotal += size
		knownCount++
		s.inactive = append(s.inactive, i)
	}
	if knownCount > 0 {
		s.initLeft = knownTotal / uint64(knownCount)
	}
	// Largest-InitSize-first promotion order (spec.md §4.5 phase 1).
	sort.Slice(s.inactive, func(a, b int) bool {
		sizeA, _ := s.slots[s.inactive[a]].d.InitSize()
		sizeB, _ := s.slots[s.inactive[b]].d.InitSize()
		return sizeA > sizeB
	})
	if len(s.inactive) > 0 {
		first := s.inactive[0]
		s.inactive = s.inactive[1:]
		if err := s.admit(ctx, first, pos); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) admit(ctx context.Context, idx int, pos uint64) error {
	slot := s.slots[idx]
	if err := slot.d.Begin(ctx, s.blockSize); err != nil {
		return ierrors.Wrap(ierrors.DriverError, slot.d.Name(), err)
	}
	slot.startPos = pos
	slot.st = stateInit
	level.Debug(s.logger).Log("msg", "driver admitted", "driver", slot.d.Name(), "snapshot_no", slot.snapshotNo)
	return nil
}

// maxInactiveInitSize caps how much estimated bulk data a newly promoted
// driver may still owe before it is promoted (spec.md §4.5 phase 1: "when
// init_left <= max_inactive_init_size, one inactive driver is promoted").
const maxInactiveInitSize = 0

func (s *Scheduler) maybePromote(ctx context.Context) error {
	if len(s.inactive) == 0 {
		return nil
	}
	if s.initLeft > maxInactiveInitSize {
		return nil
	}
	idx := s.inactive[0]
	s.inactive = s.inactive[1:]
	return s.admit(ctx, idx, s.pos())
}

func (s *Scheduler) pos() uint64 {
	var total uint64
	for _, slot := range s.slots {
		if slot.st != stateInactive {
			total += slot.bytesOut
		}
	}
	return total
}

// pollInit round-robins get_data on every admitted driver until every
// driver has transitioned out of INIT (spec.md §4.5 phase 2).
func (s *Scheduler) pollInit(ctx context.Context) error {
	for {
		initCount := 0
		for i, slot := range s.slots {
			if slot.st != stateInit {
				continue
			}
			initCount++
			if err := s.pollOne(ctx, i); err != nil {
				return err
			}
		}
		if err := s.maybePromote(ctx); err != nil {
			return err
		}
		if initCount == 0 && len(s.inactive) == 0 {
			return nil
		}
		if initCount == 0 {
			// No admitted driver is still in INIT: admit the next inactive one.
			idx := s.inactive[0]
			s.inactive = s.inactive[1:]
			if err := s.admit(ctx, idx, s.pos()); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ierrors.Wrap(ierrors.ConcurrencyError, component, ctx.Err())
		default:
		}
	}
}

func (s *Scheduler) pollOne(ctx context.Context, idx int) error {
	slot := s.slots[idx]
	buf, err := s.acquireBuffer(slot)
	if err != nil {
		return err
	}
	status, err := slot.d.GetData(ctx, buf)
	if err != nil {
		s.metrics.driverErrors.WithLabelValues(slot.d.Name()).Inc()
		return ierrors.Wrap(ierrors.DriverError, slot.d.Name(), err)
	}
	switch status {
	case driver.StatusOK:
		if err := s.emit(slot, buf); err != nil {
			return err
		}
	case driver.StatusReady:
		switch slot.st {
		case stateInit:
			slot.st = stateWaiting
		case statePreparing:
			slot.st = stateReady
		}
	case driver.StatusProcessing, driver.StatusBusy:
		// call again next cycle
	case driver.StatusDone:
		slot.st = stateDone
	case driver.StatusError:
		return ierrors.New(ierrors.DriverError, slot.d.Name(), "driver reported error status")
	}
	slot.bw.release()
	return nil
}

func (s *Scheduler) acquireBuffer(slot *driverSlot) (*driver.Buffer, error) {
	var err error
	for attempt := 0; attempt < maxBufferRetries; attempt++ {
		var buf *driver.Buffer
		buf, err = slot.bw.getBuf()
		if err == nil {
			return buf, nil
		}
	}
	return nil, ierrors.Wrap(ierrors.OutOfResources, slot.d.Name(), err)
}

func (s *Scheduler) emit(slot *driverSlot, buf *driver.Buffer) error {
	payload := append([]byte(nil), buf.Payload()...)
	flags := image.DataChunkFlags(0)
	if buf.Last {
		flags = image.FlagLastChunk
	}
	if err := s.w.WriteDataChunk(image.DataChunk{
		SnapshotNo: slot.snapshotNo,
		TableNo:    buf.TableNo,
		Flags:      flags,
		Payload:    payload,
	}); err != nil {
		return ierrors.Wrap(ierrors.IOError, component, err)
	}
	slot.bytesIn += uint64(buf.Filled)
	slot.bytesOut += uint64(len(payload))
	s.metrics.bytesWritten.Add(float64(len(payload)))
	s.metrics.chunksWritten.Inc()
	return nil
}

// prepare calls Prelock on every driver (spec.md §4.5 phase 3).
func (s *Scheduler) prepare(ctx context.Context) error {
	for _, slot := range s.slots {
		status, err := slot.d.Prelock(ctx)
		if err != nil {
			return ierrors.Wrap(ierrors.DriverError, slot.d.Name(), err)
		}
		switch status {
		case driver.StatusReady:
			slot.st = stateReady
		default:
			slot.st = statePreparing
		}
	}
	for {
		allReady := true
		for i, slot := range s.slots {
			if slot.st == stateReady {
				continue
			}
			allReady = false
			if err := s.pollOne(ctx, i); err != nil {
				return err
			}
		}
		if allReady {
			return nil
		}
		select {
		case <-ctx.Done():
			return ierrors.Wrap(ierrors.ConcurrencyError, component, ctx.Err())
		default:
		}
	}
}

// createValidityPoint executes spec.md §4.5 phase 4: block commits, record
// the replication position, lock every driver, capture the timestamp,
// unlock every driver, unblock commits.
func (s *Scheduler) createValidityPoint(ctx context.Context) (err error) {
	if err = s.locker.BlockCommits(ctx); err != nil {
		return ierrors.Wrap(ierrors.ConcurrencyError, component, err)
	}
	defer func() {
		if unblockErr := s.locker.UnblockCommits(ctx); unblockErr != nil && err == nil {
			err = ierrors.Wrap(ierrors.ConcurrencyError, component, unblockErr)
		}
	}()

	if _, err = s.locker.ReplicationPosition(ctx); err != nil {
		return ierrors.Wrap(ierrors.ConcurrencyError, component, err)
	}

	for _, slot := range s.slots {
		if lockErr := slot.d.Lock(ctx); lockErr != nil {
			return ierrors.Wrap(ierrors.DriverError, slot.d.Name(), lockErr)
		}
	}

	validityPoint := time.Now()
	level.Info(s.logger).Log("msg", "validity point created", "at", validityPoint)

	for _, slot := range s.slots {
		if unlockErr := slot.d.Unlock(ctx); unlockErr != nil {
			return ierrors.Wrap(ierrors.DriverError, slot.d.Name(), unlockErr)
		}
		slot.st = stateFinishing
	}
	return nil
}

// finish polls until every driver reports DONE (spec.md §4.5 phase 5).
func (s *Scheduler) finish(ctx context.Context) error {
	for {
		remaining := 0
		for i, slot := range s.slots {
			if slot.st == stateDone || slot.st == stateShutDown {
				continue
			}
			remaining++
			if err := s.pollOne(ctx, i); err != nil {
				return err
			}
		}
		if remaining == 0 {
			break
		}
		select {
		case <-ctx.Done():
			return ierrors.Wrap(ierrors.ConcurrencyError, component, ctx.Err())
		default:
		}
	}
	for _, slot := range s.slots {
		if err := slot.d.End(ctx); err != nil {
			return ierrors.Wrap(ierrors.DriverError, slot.d.Name(), err)
		}
		slot.st = stateShutDown
	}
	return nil
}

func (s *Scheduler) fail(ctx context.Context, cause error) error {
	level.Error(s.logger).Log("msg", "backup failed, cancelling drivers", "err", cause)
	s.CancelBackup(ctx)
	return cause
}

// CancelBackup issues Cancel to each live driver and marks it cancelled;
// repeat calls are idempotent. Errors during cancellation are swallowed
// (spec.md §4.5 "Cancellation").
func (s *Scheduler) CancelBackup(ctx context.Context) {
	for _, slot := range s.slots {
		if slot.st == stateCancelled || slot.st == stateShutDown {
			continue
		}
		_ = slot.d.Cancel(ctx)
		slot.st = stateCancelled
	}
}

// Summary returns the per-snapshot counters accumulated so far, suitable
// for image.Writer.WriteSummary.
func (s *Scheduler) Summary() map[uint16]image.DriverCounters {
	out := make(map[uint16]image.DriverCounters, len(s.slots))
	for _, slot := range s.slots {
		out[slot.snapshotNo] = image.DriverCounters{BytesOut: slot.bytesOut, Rows: 0}
	}
	return out
}
