package orchestrator

import (
	"archive/zip"
	"context"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"

	"github.com/recordflow/recordflow/internal/config"
	"github.com/recordflow/recordflow/internal/content"
	"github.com/recordflow/recordflow/internal/input"
	"github.com/recordflow/recordflow/internal/loader"
	"github.com/recordflow/recordflow/internal/monitor"
)

// workUnit is one input source consumed by exactly one loader: a file, or
// an archive entry opened on demand.
type workUnit struct {
	recordPath string
	basename   string
	filePath   string                        // file-bound units
	open       func() (io.ReadCloser, error) // stream-bound units
}

// Orchestrator discovers work units under the configured input path and
// dispatches one loader per unit through the monitor's worker pool.
type Orchestrator struct {
	cfg   *config.Config
	mon   *monitor.Monitor
	jobID string

	failedUnits atomic.Uint64
}

func New(cfg *config.Config, mon *monitor.Monitor) *Orchestrator {
	return &Orchestrator{cfg: cfg, mon: mon, jobID: uuid.NewString()}
}

// JobID identifies this run in logs and completion notifications.
func (o *Orchestrator) JobID() string {
	return o.jobID
}

// Run ingests everything under the input path. Record-fatal unit failures
// are counted and reported at the end; a Monitor halt aborts dispatch and
// surfaces the originating cause.
func (o *Orchestrator) Run(ctx context.Context) (monitor.Summary, error) {
	units, err := o.discover()
	if err != nil {
		return o.mon.Snapshot(), err
	}
	dec, err := input.DecoderFor(o.cfg.InputEncoding)
	if err != nil {
		return o.mon.Snapshot(), err
	}
	log.WithFields(log.Fields{"job": o.jobID, "units": len(units)}).Info("starting ingestion")

	pool := o.mon.Pool()
	g, gctx := errgroup.WithContext(ctx)
dispatch:
	for _, u := range units {
		select {
		case <-o.mon.Halted():
			break dispatch
		case <-gctx.Done():
			break dispatch
		default:
		}
		if err := pool.Acquire(gctx); err != nil {
			break dispatch
		}
		// a halt may have landed while blocked on the pool; the permit we
		// just took could be the one a halting loader released
		select {
		case <-o.mon.Halted():
			pool.Release()
			break dispatch
		default:
		}
		u := u
		g.Go(func() error {
			defer pool.Release()
			if err := o.runUnit(gctx, u, dec); err != nil {
				o.failedUnits.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	summary := o.mon.Snapshot()
	if cause := o.mon.HaltCause(); cause != nil {
		return summary, errors.Wrap(cause, "job halted")
	}
	if failed := o.failedUnits.Load(); failed > 0 {
		return summary, errors.Errorf("%d work units failed", failed)
	}
	return summary, nil
}

// runUnit wires one loader to its work unit and executes it.
func (o *Orchestrator) runUnit(ctx context.Context, u workUnit, dec *encoding.Decoder) error {
	factory, err := content.NewFactory(ctx, o.cfg)
	if err != nil {
		// cannot even reach the store: the whole job is doomed
		o.mon.Halt(err)
		return err
	}
	l := loader.New(o.cfg, o.mon, factory)
	l.SetFileBasename(u.basename)
	l.SetRecordPath(u.recordPath)

	if u.open != nil {
		rc, err := u.open()
		if err != nil {
			_ = factory.Close()
			o.mon.Cleanup(u.basename, u.recordPath)
			return errors.Wrapf(err, "opening %s", u.recordPath)
		}
		if err := l.SetInput(rc, dec); err != nil {
			_ = rc.Close()
			_ = factory.Close()
			o.mon.Cleanup(u.basename, u.recordPath)
			return err
		}
	} else {
		if err := l.SetInputFile(u.filePath, dec); err != nil {
			_ = factory.Close()
			o.mon.Cleanup(u.basename, u.recordPath)
			return err
		}
	}
	return l.Execute(ctx)
}

// discover expands the input path into work units: a single file, the
// matching files under a directory, or the entries of a zip archive.
func (o *Orchestrator) discover() ([]workUnit, error) {
	info, err := os.Stat(o.cfg.InputPath)
	if err != nil {
		return nil, errors.Wrapf(err, "stat %s", o.cfg.InputPath)
	}
	if !info.IsDir() {
		return o.expandFile(o.cfg.InputPath)
	}

	var units []workUnit
	walkErr := filepath.WalkDir(o.cfg.InputPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if o.cfg.InputPattern != "" {
			ok, err := filepath.Match(o.cfg.InputPattern, d.Name())
			if err != nil {
				return errors.Wrapf(err, "bad input pattern %q", o.cfg.InputPattern)
			}
			if !ok {
				return nil
			}
		}
		expanded, err := o.expandFile(path)
		if err != nil {
			return err
		}
		units = append(units, expanded...)
		return nil
	})
	if walkErr != nil {
		return nil, errors.Wrapf(walkErr, "walking %s", o.cfg.InputPath)
	}
	return units, nil
}

func (o *Orchestrator) expandFile(path string) ([]workUnit, error) {
	if strings.EqualFold(filepath.Ext(path), ".zip") {
		return o.expandZip(path)
	}
	return []workUnit{{
		recordPath: path,
		basename:   filepath.Base(path),
		filePath:   path,
	}}, nil
}

// expandZip turns each archive entry into a stream-bound work unit. The
// archive handle stays open until the monitor has seen cleanup for every
// entry.
func (o *Orchestrator) expandZip(path string) ([]workUnit, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening archive %s", path)
	}
	basename := filepath.Base(path)
	release := func() {
		if err := zr.Close(); err != nil {
			log.WithError(err).WithField("archive", path).Warn("closing archive")
		}
	}

	var units []workUnit
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		o.mon.Track(basename, f.Name, release)
		units = append(units, workUnit{
			recordPath: f.Name,
			basename:   basename,
			open:       f.Open,
		})
	}
	if len(units) == 0 {
		release()
	}
	return units, nil
}
