package orchestrator

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordflow/recordflow/internal/config"
	"github.com/recordflow/recordflow/internal/monitor"
)

func dirConfig(t *testing.T, inputPath string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		InputPath:     inputPath,
		InputDriver:   config.DriverDocument,
		ConnectionURI: "mem://",
		Format:        config.FormatText,
		Threads:       2,
	}
	require.NoError(t, cfg.Setup())
	return cfg
}

func TestRunIngestsDirectory(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"one.txt", "two.txt", "three.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("payload "+name), 0o600))
	}

	cfg := dirConfig(t, dir)
	mon := monitor.New(cfg.Threads, false)
	orch := New(cfg, mon)

	summary, err := orch.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), summary.Records)
	assert.Equal(t, uint64(3), summary.Committed)
	assert.Equal(t, uint64(0), summary.Skipped)
	assert.NotEmpty(t, orch.JobID())
}

func TestRunIngestsDirectoryWithPattern(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "keep.txt"), []byte("keep"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "drop.dat"), []byte("drop"), 0o600))

	cfg := dirConfig(t, dir)
	cfg.InputPattern = "*.txt"
	mon := monitor.New(cfg.Threads, false)

	summary, err := New(cfg, mon).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), summary.Records)
}

func TestRunIngestsZipArchive(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "batch.zip")
	writeZip(t, archivePath, map[string]string{
		"entries/a.txt": "alpha",
		"entries/b.txt": "beta",
	})

	cfg := dirConfig(t, archivePath)
	mon := monitor.New(cfg.Threads, false)

	summary, err := New(cfg, mon).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(2), summary.Records)
	assert.Equal(t, uint64(2), summary.Committed)
}

func TestRunReportsFailedUnits(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "doc.txt"), []byte("x"), 0o600))

	cfg := dirConfig(t, dir)
	cfg.InputDriver = config.Driver("bogus")
	mon := monitor.New(cfg.Threads, false)

	_, err := New(cfg, mon).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "work units failed")
	assert.Nil(t, mon.HaltCause(), "a record-fatal unit must not halt the job")
}

func TestHaltStopsDispatchWhileBlockedOnPool(t *testing.T) {
	// the dispatcher spends most of its life blocked inside Acquire; a halt
	// arriving there must not let the freed permit dispatch another unit
	dir := t.TempDir()
	for _, name := range []string{"one.txt", "two.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o600))
	}

	cfg := dirConfig(t, dir)
	cfg.Threads = 1
	mon := monitor.New(1, false)
	// hold the only permit so Run blocks before dispatching anything
	require.NoError(t, mon.Pool().Acquire(context.Background()))

	var summary monitor.Summary
	var err error
	done := make(chan struct{})
	go func() {
		defer close(done)
		summary, err = New(cfg, mon).Run(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	mon.Halt(errors.New("job-fatal condition"))
	mon.Pool().Release()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatcher did not stop after halt")
	}
	require.Error(t, err)
	assert.Contains(t, err.Error(), "job halted")
	assert.Equal(t, uint64(0), summary.Records, "no unit may be dispatched after a halt")
}

func TestRunMissingInput(t *testing.T) {
	cfg := dirConfig(t, "/does/not/exist")
	mon := monitor.New(cfg.Threads, false)
	_, err := New(cfg, mon).Run(context.Background())
	assert.Error(t, err)
}

func writeZip(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}
