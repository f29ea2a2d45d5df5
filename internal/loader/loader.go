package loader

import (
	"context"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding"

	"github.com/recordflow/recordflow/internal/config"
	"github.com/recordflow/recordflow/internal/content"
	"github.com/recordflow/recordflow/internal/input"
	"github.com/recordflow/recordflow/internal/monitor"
	"github.com/recordflow/recordflow/internal/util"
)

// ReaderFunc builds the record-discovery strategy for a bound input.
type ReaderFunc func(cfg *config.Config, r io.Reader, path string, dec *encoding.Decoder) (input.Reader, error)

type inputState int

const (
	inputUnbound inputState = iota
	inputStreamBound
	inputFileBound
)

// Loader executes the record lifecycle for one work unit: bind input,
// derive each record's URI, apply resume and existing-document policy,
// commit or skip, account to the Monitor, and release every per-record and
// per-unit resource on all exit paths. One Loader per work unit; never
// shared between workers.
type Loader struct {
	cfg     *config.Config
	mon     *monitor.Monitor
	factory content.Factory
	// newReader is the injected discovery strategy; defaults to the
	// config-selected driver.
	newReader ReaderFunc

	state     inputState
	in        io.ReadCloser
	inputPath string
	decoder   *encoding.Decoder

	fileBasename        string
	currentFileBasename string
	entryPath           string
	currentRecordPath   string

	event      *monitor.TimedEvent
	curContent content.Content
	currentURI string

	closed bool
}

var backslashRuns = regexp.MustCompile(`\\+`)

// New builds a Loader for one work unit. The factory must be exclusive to
// this loader; it is closed when the loader finishes.
func New(cfg *config.Config, mon *monitor.Monitor, factory content.Factory) *Loader {
	return &Loader{
		cfg:       cfg,
		mon:       mon,
		factory:   factory,
		newReader: input.NewReader,
	}
}

// SetReaderFunc overrides the record-discovery strategy.
func (l *Loader) SetReaderFunc(fn ReaderFunc) {
	l.newReader = fn
}

// SetInput binds an open stream. dec may be nil for UTF-8 input.
func (l *Loader) SetInput(r io.Reader, dec *encoding.Decoder) error {
	if r == nil {
		return errors.New("nil input stream")
	}
	if l.state != inputUnbound {
		return errors.New("input already bound")
	}
	if rc, ok := r.(io.ReadCloser); ok {
		l.in = rc
	} else {
		l.in = io.NopCloser(r)
	}
	l.decoder = dec
	l.state = inputStreamBound
	return nil
}

// SetInputFile binds a file by path. Opening is deferred until Execute.
func (l *Loader) SetInputFile(path string, dec *encoding.Decoder) error {
	if path == "" {
		return errors.New("empty input file path")
	}
	if l.state != inputUnbound {
		return errors.New("input already bound")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrapf(err, "resolving %s", path)
	}
	l.inputPath = abs
	l.decoder = dec
	l.state = inputFileBound
	return nil
}

// SetFileBasename records the originating file name used for URI
// derivation, and passes it to the content factory when filename
// collections are enabled.
func (l *Loader) SetFileBasename(name string) {
	l.fileBasename = name
	if name == "" {
		return
	}
	l.currentFileBasename = util.StripExtension(name)
	log.WithField("basename", name).Debug("using file basename")
	if l.cfg.UseFilenameCollection {
		l.factory.SetFileBasename(name)
	}
}

// SetRecordPath records the work unit's entry path, normalized and
// escaped per config.
func (l *Loader) SetRecordPath(path string) {
	l.entryPath = path
	p := path
	if l.cfg.InputNormalizePaths {
		p = backslashRuns.ReplaceAllString(p, "/")
	}
	if l.cfg.UseFilenameIds {
		// percent-escape as an RFC 3986 path component, no scheme or host
		p = (&url.URL{Path: p}).EscapedPath()
	}
	l.currentRecordPath = p
}

// Execute is the sole entry point. Job-fatal conditions are absorbed into
// a Monitor halt and yield a nil return; record-fatal errors are logged
// with the best-known context and returned. All resources are released on
// every exit path.
func (l *Loader) Execute(ctx context.Context) (err error) {
	defer l.cleanup()
	defer func() {
		if r := recover(); r != nil {
			// null-state violations, exhausted memory and the like are
			// job-fatal: halt everyone, surface nothing here
			l.mon.Halt(errors.Errorf("unrecoverable loader failure: %v", r))
			err = nil
		}
	}()

	err = l.run(ctx)
	if err == nil {
		return nil
	}
	var fatal *Fatal
	if errors.As(err, &fatal) {
		l.mon.Halt(fatal.Err)
		return nil
	}
	at := l.currentURI
	if at == "" {
		at = l.currentRecordPath
	}
	log.WithError(err).WithField("at", at).Warn("error while processing")
	return err
}

func (l *Loader) run(ctx context.Context) error {
	switch l.state {
	case inputUnbound:
		return Fatalf("caller must set input")
	case inputFileBound:
		log.WithField("path", l.inputPath).Debug("processing")
		f, err := os.Open(l.inputPath)
		if err != nil {
			return errors.Wrapf(err, "opening %s", l.inputPath)
		}
		l.in = f
		l.state = inputStreamBound
	}

	l.event = monitor.NewTimedEvent()
	rd, err := l.newReader(l.cfg, l.in, l.currentRecordPath, l.decoder)
	if err != nil {
		return err
	}
	defer rd.Close()

	for {
		select {
		case <-l.mon.Halted():
			// start nothing further; cleanup still runs
			return nil
		default:
		}
		rec, err := rd.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := l.processRecord(ctx, rec); err != nil {
			return err
		}
	}
}

// processRecord walks one record from discovered to committed or skipped.
func (l *Loader) processRecord(ctx context.Context, rec *input.Record) error {
	l.event = monitor.NewTimedEvent()
	if rec.Path != "" {
		l.SetRecordPath(rec.Path)
	}

	rawID := rec.ID
	if l.cfg.UseFilenameIds {
		rawID = l.currentRecordPath
	}

	uri, err := l.ComposeURI(rawID)
	if err != nil {
		return err
	}

	if l.checkStartID(rawID) {
		// resume scan mismatch: never bound content, so no URI is
		// attributed to the accounting event
		l.updateMonitor("", int64(len(rec.Body)))
		return nil
	}

	l.currentURI = uri
	format := rec.Format
	if format == "" {
		format = l.cfg.Format
	}
	c, err := l.factory.NewContent(uri, rec.Body, format)
	if err != nil {
		return err
	}
	l.curContent = c

	skip, err := l.checkExistingURI(ctx, uri)
	if err != nil {
		return err
	}
	if !skip {
		if err := l.insert(ctx); err != nil {
			return err
		}
	}
	l.updateMonitor(uri, int64(len(rec.Body)))
	l.cleanupRecord()
	return nil
}

// ComposeURI derives the destination URI for a raw record id. It is
// deterministic and side-effect-free.
func (l *Loader) ComposeURI(id string) (string, error) {
	cleanID := strings.TrimSpace(id)
	if prefix := l.cfg.InputStripPrefix; prefix != "" {
		cleanID = strings.Replace(cleanID, prefix, "", 1)
	}
	if cleanID == "" {
		return "", errors.New("id may not be empty")
	}

	// the configured uri prefix always ends in '/'; the basename joins
	// with exactly one more
	var sb strings.Builder
	sb.WriteString(l.cfg.URIPrefix)
	if l.currentFileBasename != "" && !l.cfg.UseFilenameIds {
		sb.WriteString(l.currentFileBasename)
	}
	if base := sb.String(); base != "" && base[len(base)-1] != '/' {
		sb.WriteString("/")
	}
	sb.WriteString(cleanID)
	sb.WriteString(l.cfg.URISuffix)
	return sb.String(), nil
}

// checkStartID reports whether the record should be skipped because a
// resume scan is still looking for its start id. Finding the start id
// clears it job-wide, exactly once, and widens the worker pool.
func (l *Loader) checkStartID(id string) bool {
	startID := l.cfg.GetStartID()
	if startID == "" {
		return false
	}
	if id != startID {
		l.mon.IncrementSkipped("id " + id + " != " + startID)
		return true
	}
	log.WithField("id", id).Info("found start id")
	if l.cfg.ClearStartIDIfMatch(id) {
		// exactly one loader wins the clear and widens the pool
		l.mon.ResetWorkerPool()
	}
	return false
}

// checkExistingURI enforces the existing-document policy. It reports
// whether the record should be skipped, or fails when overwrites are
// configured as errors.
func (l *Loader) checkExistingURI(ctx context.Context, uri string) (bool, error) {
	if !l.cfg.SkipExisting && !l.cfg.ErrorExisting {
		return false, nil
	}
	exists, err := l.curContent.CheckDocumentURI(ctx, uri)
	if err != nil {
		return false, err
	}
	log.WithFields(log.Fields{"uri": uri, "exists": exists}).Debug("checked for uri")
	if !exists {
		return false, nil
	}
	if l.cfg.ErrorExisting {
		return false, errors.Errorf("cannot overwrite existing document: %s", uri)
	}
	l.mon.IncrementSkipped("existing uri " + uri)
	return true, nil
}

func (l *Loader) insert(ctx context.Context) error {
	log.WithField("uri", l.currentURI).Debug("inserting")
	return l.curContent.Insert(ctx)
}

// updateMonitor accounts one record outcome. Skipped records are counted
// too.
func (l *Loader) updateMonitor(uri string, length int64) {
	l.event.Increment(length)
	l.mon.Add(uri, l.event)
}

func (l *Loader) cleanupRecord() {
	if l.curContent != nil {
		l.curContent.Close()
	}
	l.curContent = nil
	l.currentURI = ""
}

// Close releases the loader's resources. Execute already does this on
// every exit path; Close exists for callers that bind input but never
// execute. Safe to call any number of times.
func (l *Loader) Close() {
	l.cleanup()
}

// cleanup releases everything the loader holds. Idempotent: normal exit
// and any later defensive call see it run once.
func (l *Loader) cleanup() {
	if l.closed {
		return
	}
	l.closed = true
	l.cleanupRecord()
	if l.fileBasename != "" && l.entryPath != "" {
		l.mon.Cleanup(l.fileBasename, l.entryPath)
	}
	if l.in != nil {
		if err := l.in.Close(); err != nil {
			log.WithError(err).Debug("closing input")
		}
		l.in = nil
	}
	if l.factory != nil {
		if err := l.factory.Close(); err != nil {
			log.WithError(err).Debug("closing content factory")
		}
	}
}
