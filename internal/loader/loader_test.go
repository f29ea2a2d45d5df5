package loader

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding"

	"github.com/recordflow/recordflow/internal/config"
	"github.com/recordflow/recordflow/internal/content"
	"github.com/recordflow/recordflow/internal/input"
	"github.com/recordflow/recordflow/internal/monitor"
)

// sliceReader feeds a fixed set of records to the loader.
type sliceReader struct {
	recs []*input.Record
	i    int
}

func (s *sliceReader) Next() (*input.Record, error) {
	if s.i >= len(s.recs) {
		return nil, io.EOF
	}
	rec := s.recs[s.i]
	s.i++
	return rec, nil
}

func (s *sliceReader) Close() error { return nil }

func readerOf(recs ...*input.Record) ReaderFunc {
	return func(*config.Config, io.Reader, string, *encoding.Decoder) (input.Reader, error) {
		return &sliceReader{recs: recs}, nil
	}
}

func rec(id string) *input.Record {
	return &input.Record{ID: id, Body: []byte("<doc>" + id + "</doc>"), Format: config.FormatXML}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{ConnectionURI: "mem://", Threads: 1}
	require.NoError(t, cfg.Setup())
	return cfg
}

func newTestLoader(t *testing.T, cfg *config.Config, mon *monitor.Monitor, store *content.Store, fn ReaderFunc) *Loader {
	t.Helper()
	l := New(cfg, mon, content.NewMemoryFactory(store))
	l.SetReaderFunc(fn)
	require.NoError(t, l.SetInput(strings.NewReader("unused"), nil))
	return l
}

func TestComposeURI(t *testing.T) {
	tests := []struct {
		name     string
		prefix   string
		suffix   string
		strip    string
		basename string
		id       string
		want     string
	}{
		{"bare id", "", "", "", "", "42", "42"},
		{"prefix and suffix", "/docs/", ".xml", "", "", "42", "/docs/42.xml"},
		{"basename joins with one slash", "/docs/", ".xml", "", "batch.xml", "42", "/docs/batch/42.xml"},
		{"id is trimmed", "", "", "", "", "  42  ", "42"},
		{"strip prefix removes first occurrence", "", "", "rec-", "", "rec-42", "42"},
		{"strip prefix only once", "", "", "x", "", "xaxb", "axb"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.URIPrefix = tc.prefix
			cfg.URISuffix = tc.suffix
			cfg.InputStripPrefix = tc.strip
			l := New(cfg, monitor.New(1, false), content.NewMemoryFactory(content.NewStore()))
			if tc.basename != "" {
				l.SetFileBasename(tc.basename)
			}
			got, err := l.ComposeURI(tc.id)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestComposeURIProperties(t *testing.T) {
	cfg := testConfig(t)
	cfg.URIPrefix = "/load/"
	cfg.URISuffix = ".xml"
	l := New(cfg, monitor.New(1, false), content.NewMemoryFactory(content.NewStore()))
	l.SetFileBasename("unit.zip")

	for _, id := range []string{"a", "deep/id", "7", "with space"} {
		uri, err := l.ComposeURI(id)
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(uri, ".xml"), "uri %q must end with the suffix", uri)
		assert.True(t, strings.HasPrefix(uri, "/load/unit/"), "uri %q joins basename and id with one slash", uri)
		assert.NotContains(t, uri, "unit//")
	}
}

func TestComposeURIRejectsEmptyIDs(t *testing.T) {
	cfg := testConfig(t)
	cfg.InputStripPrefix = "rec-"
	l := New(cfg, monitor.New(1, false), content.NewMemoryFactory(content.NewStore()))

	for _, id := range []string{"", "   ", "rec-"} {
		_, err := l.ComposeURI(id)
		assert.Error(t, err, "ComposeURI(%q)", id)
	}
}

func TestExecuteCommitsRecords(t *testing.T) {
	cfg := testConfig(t)
	cfg.URISuffix = ".xml"
	store := content.NewStore()
	mon := monitor.New(1, false)

	l := newTestLoader(t, cfg, mon, store, readerOf(rec("a"), rec("b")))
	require.NoError(t, l.Execute(context.Background()))

	assert.Equal(t, 2, store.Len())
	_, ok := store.Get("a.xml")
	assert.True(t, ok)
	s := mon.Snapshot()
	assert.Equal(t, uint64(2), s.Records)
	assert.Equal(t, uint64(2), s.Committed)
	assert.Equal(t, uint64(0), s.Skipped)
}

func TestResumeSemantics(t *testing.T) {
	// given a start id P and records [a, P, b, c]: only a is skipped, P
	// clears the resume point exactly once, b and c process normally
	cfg := testConfig(t)
	cfg.StartID = "P"
	require.NoError(t, cfg.Setup())
	store := content.NewStore()
	mon := monitor.New(4, true)

	l := newTestLoader(t, cfg, mon, store, readerOf(rec("a"), rec("P"), rec("b"), rec("c")))
	require.NoError(t, l.Execute(context.Background()))

	assert.Equal(t, "", cfg.GetStartID(), "resume point must be cleared job-wide")
	assert.False(t, cfg.ClearStartIDIfMatch("P"), "clear must be single-shot")

	assert.Equal(t, 3, store.Len())
	_, ok := store.Get("a")
	assert.False(t, ok, "pre-match record must not be committed")
	for _, uri := range []string{"P", "b", "c"} {
		_, ok := store.Get(uri)
		assert.True(t, ok, "expected %s committed", uri)
	}

	s := mon.Snapshot()
	assert.Equal(t, uint64(4), s.Records, "skipped records are counted too")
	assert.Equal(t, uint64(1), s.Skipped)
	assert.Equal(t, uint64(3), s.Committed)
}

func TestResumeWidensPool(t *testing.T) {
	cfg := testConfig(t)
	cfg.StartID = "P"
	require.NoError(t, cfg.Setup())
	mon := monitor.New(2, true)

	l := newTestLoader(t, cfg, mon, content.NewStore(), readerOf(rec("P")))
	require.NoError(t, l.Execute(context.Background()))

	ctx := context.Background()
	require.NoError(t, mon.Pool().Acquire(ctx))
	require.NoError(t, mon.Pool().Acquire(ctx), "pool must be back at full width")
}

func TestSkipExisting(t *testing.T) {
	cfg := testConfig(t)
	cfg.SkipExisting = true
	store := content.NewStore()
	store.Put("dup", []byte("already here"))
	mon := monitor.New(1, false)

	l := newTestLoader(t, cfg, mon, store, readerOf(rec("dup"), rec("fresh")))
	require.NoError(t, l.Execute(context.Background()))

	body, _ := store.Get("dup")
	assert.Equal(t, []byte("already here"), body, "existing document must not be overwritten")
	_, ok := store.Get("fresh")
	assert.True(t, ok)

	s := mon.Snapshot()
	assert.Equal(t, uint64(2), s.Records)
	assert.Equal(t, uint64(1), s.Skipped)
}

func TestErrorExisting(t *testing.T) {
	cfg := testConfig(t)
	cfg.ErrorExisting = true
	cfg.URIPrefix = "/d/"
	store := content.NewStore()
	store.Put("/d/dup", []byte("already here"))

	l := newTestLoader(t, cfg, monitor.New(1, false), store, readerOf(rec("dup")))
	err := l.Execute(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/d/dup", "the error must name the offending uri")
}

func TestHaltedJobProcessesNoFurtherRecords(t *testing.T) {
	cfg := testConfig(t)
	store := content.NewStore()
	mon := monitor.New(1, false)
	mon.Halt(errors.New("job-fatal condition"))

	l := newTestLoader(t, cfg, mon, store, readerOf(rec("a"), rec("b")))
	require.NoError(t, l.Execute(context.Background()))

	assert.Equal(t, 0, store.Len(), "no record may commit once the job is halted")
	assert.Equal(t, uint64(0), mon.Snapshot().Records)
}

func TestUnboundInputHaltsJob(t *testing.T) {
	cfg := testConfig(t)
	mon := monitor.New(1, false)
	l := New(cfg, mon, content.NewMemoryFactory(content.NewStore()))

	err := l.Execute(context.Background())
	assert.NoError(t, err, "job-fatal conditions are absorbed, not returned")
	assert.NotNil(t, mon.HaltCause())
}

func TestMissingInputFileIsRecordFatal(t *testing.T) {
	cfg := testConfig(t)
	mon := monitor.New(1, false)
	l := New(cfg, mon, content.NewMemoryFactory(content.NewStore()))
	require.NoError(t, l.SetInputFile("/does/not/exist", nil))

	err := l.Execute(context.Background())
	assert.Error(t, err, "file-open failures surface to the caller")
	assert.Nil(t, mon.HaltCause(), "a record-fatal error must not halt the job")
}

func TestRebindingInputFails(t *testing.T) {
	cfg := testConfig(t)
	l := New(cfg, monitor.New(1, false), content.NewMemoryFactory(content.NewStore()))
	require.NoError(t, l.SetInput(strings.NewReader(""), nil))
	assert.Error(t, l.SetInput(strings.NewReader(""), nil))
	assert.Error(t, l.SetInputFile("/tmp/x", nil))
	l.Close()
}

func TestCleanupIdempotence(t *testing.T) {
	cfg := testConfig(t)
	store := content.NewStore()
	mon := monitor.New(1, false)

	l := newTestLoader(t, cfg, mon, store, readerOf(rec("a")))
	require.NoError(t, l.Execute(context.Background()))
	before := mon.Snapshot()

	// a defensive second cleanup must not panic or re-report accounting
	l.Close()
	l.Close()
	after := mon.Snapshot()
	assert.Equal(t, before.Records, after.Records)
	assert.Equal(t, before.Skipped, after.Skipped)
}

func TestConcurrentLoadersAccountExactly(t *testing.T) {
	const loaders = 8
	const perLoader = 50
	cfg := testConfig(t)
	store := content.NewStore()
	mon := monitor.New(loaders, false)

	var wg sync.WaitGroup
	for w := 0; w < loaders; w++ {
		recs := make([]*input.Record, 0, perLoader)
		for i := 0; i < perLoader; i++ {
			recs = append(recs, rec(fmt.Sprintf("w%d-r%d", w, i)))
		}
		l := newTestLoader(t, cfg, mon, store, readerOf(recs...))
		wg.Add(1)
		go func(l *Loader) {
			defer wg.Done()
			assert.NoError(t, l.Execute(context.Background()))
		}(l)
	}
	wg.Wait()

	s := mon.Snapshot()
	assert.Equal(t, uint64(loaders*perLoader), s.Records)
	assert.Equal(t, uint64(0), s.Skipped)
	assert.Equal(t, loaders*perLoader, store.Len())
}

func TestFilenameIDsDeriveFromRecordPath(t *testing.T) {
	cfg := testConfig(t)
	cfg.UseFilenameIds = true
	cfg.InputNormalizePaths = true
	store := content.NewStore()
	mon := monitor.New(1, false)

	l := newTestLoader(t, cfg, mon, store, readerOf(&input.Record{
		ID:   "ignored",
		Path: `dir\\sub\file one.xml`,
		Body: []byte("<doc/>"),
	}))
	l.SetFileBasename("batch.zip")
	require.NoError(t, l.Execute(context.Background()))

	// backslash runs coalesce to '/', the path is escaped as an RFC 3986
	// path component, and the basename stays out of filename-derived uris
	_, ok := store.Get("dir/sub/file%20one.xml")
	assert.True(t, ok, "stored uris: %v", store.Len())
}
