package ingestfn

import (
	"context"
	"path"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/recordflow/recordflow/internal/config"
	"github.com/recordflow/recordflow/internal/content"
	"github.com/recordflow/recordflow/internal/input"
	"github.com/recordflow/recordflow/internal/loader"
	"github.com/recordflow/recordflow/internal/monitor"
)

// GCSEvent is the payload of a GCS object-finalize event.
type GCSEvent struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// Function ingests a single GCS object per invocation: the event's object
// becomes one work unit, processed by one loader against the configured
// content store.
type Function struct {
	cfg     *config.Config
	storage *storage.Client
}

// NewFunction reads configuration from RECORDFLOW_* environment variables
// and opens the source-bucket client.
func NewFunction(ctx context.Context) (*Function, error) {
	cfg, err := config.Load("", nil)
	if err != nil {
		return nil, err
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "creating storage client")
	}
	log.WithField("connection", cfg.ConnectionURI).Info("ingest function initialized")
	return &Function{cfg: cfg, storage: client}, nil
}

// Process streams the event's object through a loader. Returning an error
// marks the invocation failed so the platform can retry it.
func (f *Function) Process(ctx context.Context, e GCSEvent) error {
	rc, err := f.storage.Bucket(e.Bucket).Object(e.Name).NewReader(ctx)
	if err != nil {
		return errors.Wrapf(err, "reading gs://%s/%s", e.Bucket, e.Name)
	}

	dec, err := input.DecoderFor(f.cfg.InputEncoding)
	if err != nil {
		_ = rc.Close()
		return err
	}
	factory, err := content.NewFactory(ctx, f.cfg)
	if err != nil {
		_ = rc.Close()
		return err
	}

	mon := monitor.New(1, false)
	l := loader.New(f.cfg, mon, factory)
	l.SetFileBasename(path.Base(e.Name))
	l.SetRecordPath(e.Name)
	if err := l.SetInput(rc, dec); err != nil {
		_ = rc.Close()
		_ = factory.Close()
		return err
	}

	if err := l.Execute(ctx); err != nil {
		return err
	}
	if cause := mon.HaltCause(); cause != nil {
		return cause
	}
	s := mon.Snapshot()
	log.WithFields(log.Fields{
		"object":    e.Name,
		"records":   s.Records,
		"committed": s.Committed,
		"skipped":   s.Skipped,
	}).Info("object ingested")
	return nil
}
