// Package imgbackup ties the catalogue, stream-level serializer, scheduler
// and restore demultiplexer together into the two operations a caller
// actually wants: Backup and Restore. It is the root package; everything
// else lives in subpackages grouped by concern, mirroring the teacher's
// top-level ColumnStore/DB split from multi-package internals.
package imgbackup

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/polarsignals/imgbackup/backup"
	"github.com/polarsignals/imgbackup/catalog"
	"github.com/polarsignals/imgbackup/driver"
	"github.com/polarsignals/imgbackup/ierrors"
	"github.com/polarsignals/imgbackup/image"
	"github.com/polarsignals/imgbackup/restore"
	"github.com/polarsignals/imgbackup/streamfile"
)

const component = "imgbackup"

// runRegistry is the single global "a backup/restore is in progress" guard
// (spec.md §5 "Shared resources", §9 "Global is-a-backup-running boolean +
// process mutex" → "encapsulate in a single-instance registry that returns
// a guard value").
type runRegistry struct {
	mu      sync.Mutex
	running bool
}

var globalRunRegistry runRegistry

func (r *runRegistry) acquire() (release func(), err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil, ierrors.New(ierrors.PolicyError, component, "another backup or restore operation is already in progress")
	}
	r.running = true
	return func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}, nil
}

// Context is the backup/restore orchestrator. It owns no state beyond its
// logger, metrics registerer and options; every operation is independent
// given the single run-lock.
type Context struct {
	logger log.Logger
	reg    prometheus.Registerer
	opts   contextOptions
}

type contextOptions struct {
	blockSize  int
	secureDirs []string
	locker     backup.Locker
	remote     *RemoteSink
}

// ContextOption configures a Context at construction time.
type ContextOption func(*contextOptions)

// WithBlockSize overrides the stream block size (default 1 MiB).
func WithBlockSize(n int) ContextOption {
	return func(o *contextOptions) { o.blockSize = n }
}

// WithSecurePathPrefixes restricts where Backup may write images: the first
// of dirs becomes streamfile.Options.SecurePathPrefix for the output file.
// Further entries are not consulted, and Restore does not check its path.
func WithSecurePathPrefixes(dirs ...string) ContextOption {
	return func(o *contextOptions) { o.secureDirs = dirs }
}

// WithLocker overrides the commit-blocking collaborator used during the
// validity-point window; defaults to backup.NoopLocker.
func WithLocker(l backup.Locker) ContextOption {
	return func(o *contextOptions) { o.locker = l }
}

// WithRemoteSink configures an optional object-store mirror for finished
// images.
func WithRemoteSink(r *RemoteSink) ContextOption {
	return func(o *contextOptions) { o.remote = r }
}

// NewContext builds a Context. reg may be nil (a private registry is used).
func NewContext(logger log.Logger, reg prometheus.Registerer, opts ...ContextOption) *Context {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	o := contextOptions{blockSize: 1 << 20}
	for _, opt := range opts {
		opt(&o)
	}
	return &Context{logger: logger, reg: reg, opts: o}
}

func (c *Context) securePrefix() string {
	if len(c.opts.secureDirs) == 0 {
		return ""
	}
	return c.opts.secureDirs[0]
}

// Backup populates a fresh catalogue via populate, then drives drivers
// (keyed by the snapshot number the catalogue assigned them) through the
// scheduler, writing a complete image to path.
func (c *Context) Backup(ctx context.Context, path string, populate func(*catalog.Catalog) error, drivers map[uint16]driver.BackupDriver) (err error) {
	release, err := globalRunRegistry.acquire()
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	level.Info(c.logger).Log("msg", "backup starting", "path", path)

	cat := catalog.New()
	if populate != nil {
		if err := populate(cat); err != nil {
			return ierrors.Wrap(ierrors.LogicError, component, err)
		}
	}

	sf, err := streamfile.OpenWrite(path, streamfile.Options{
		SecurePathPrefix:   c.securePrefix(),
		EstimatedBlockSize: c.opts.blockSize,
	})
	if err != nil {
		return err
	}

	abort := true
	defer func() {
		if abort {
			_ = sf.Close(true)
		}
	}()

	w := image.NewWriter(sf)
	if err := w.WritePreamble(); err != nil {
		return err
	}

	header := catalog.Header{
		FormatVersion: streamfile.CurrentVersion,
		StartTime:     start,
	}

	sched := backup.NewScheduler(c.logger, c.reg, w, c.opts.blockSize, c.opts.locker, drivers)

	defer func() {
		if err != nil {
			sched.CancelBackup(context.Background())
		}
	}()

	if err = w.WriteHeader(header, cat.Snapshots()); err != nil {
		return err
	}
	if err = w.WriteCatalogue(cat); err != nil {
		return err
	}
	if err = w.WriteMetadata(nil); err != nil {
		return err
	}

	if err = sched.Run(ctx); err != nil {
		return err
	}

	end := time.Now()
	header.ValidityPoint = end
	header.EndTime = end
	if err = w.WriteSummary(image.Summary{
		StartTime: start,
		EndTime:   end,
		Counters:  sched.Summary(),
	}); err != nil {
		return err
	}

	abort = false
	if err = sf.Close(false); err != nil {
		return err
	}

	level.Info(c.logger).Log("msg", "backup complete", "path", path, "duration", time.Since(start))

	if c.opts.remote != nil {
		r, openErr := os.Open(path)
		if openErr == nil {
			defer r.Close()
			if _, uploadErr := c.opts.remote.Upload(ctx, r, nil); uploadErr != nil {
				level.Error(c.logger).Log("msg", "remote upload failed", "err", uploadErr)
			}
		}
	}
	return nil
}

// Restore replays path's data-chunks section against drivers (keyed by
// snapshot number) and calls recreate for every catalogue item before data
// replay begins, so the caller can materialize schema before rows land.
func (c *Context) Restore(ctx context.Context, path string, drivers map[uint16]driver.RestoreDriver, recreate func(catalog.Item) error) error {
	release, err := globalRunRegistry.acquire()
	if err != nil {
		return err
	}
	defer release()

	level.Info(c.logger).Log("msg", "restore starting", "path", path)

	sr, err := streamfile.OpenRead(path)
	if err != nil {
		return err
	}
	defer sr.Close()

	r := image.NewReader(sr)
	if err := r.ReadPreamble(); err != nil {
		return err
	}
	_, snapshots, err := r.ReadHeader()
	if err != nil {
		return err
	}
	cat, err := r.ReadCatalogue(snapshots)
	if err != nil {
		return err
	}

	if recreate != nil {
		for _, it := range cat.ImageOrder() {
			if err := recreate(it); err != nil {
				return ierrors.Wrap(ierrors.LogicError, component, err)
			}
		}
	}

	if _, err := r.ReadMetaData(); err != nil {
		return err
	}

	known := make(map[uint16]bool, len(snapshots))
	for i := range snapshots {
		known[uint16(i+1)] = true
	}

	dmux := restore.NewDemux(c.logger, drivers, known)
	if err := dmux.Run(ctx, r); err != nil {
		dmux.Cancel(context.Background())
		return err
	}

	if _, err := r.ReadSummary(); err != nil {
		return err
	}

	level.Info(c.logger).Log("msg", "restore complete", "path", path)
	return nil
}

