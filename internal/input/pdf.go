package input

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pkg/errors"

	"github.com/recordflow/recordflow/internal/config"
)

// pdfReader yields one binary record per page of a PDF work unit. pdfcpu
// operates on files, so the input is staged in a temp directory, split
// into single-page files and read back page by page.
type pdfReader struct {
	tempDir   string
	stem      string
	pageCount int
	page      int
}

func newPDFReader(r io.Reader, path string) (*pdfReader, error) {
	tempDir, err := os.MkdirTemp("", "recordflow-pdf-*")
	if err != nil {
		return nil, errors.Wrap(err, "creating temp dir")
	}
	p := &pdfReader{tempDir: tempDir}

	source := filepath.Join(tempDir, "source.pdf")
	if err := stageFile(source, r); err != nil {
		p.cleanup()
		return nil, err
	}

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	optimized := filepath.Join(tempDir, "optimized.pdf")
	if err := api.OptimizeFile(source, optimized, conf); err != nil {
		p.cleanup()
		return nil, errors.Wrapf(err, "optimizing %s", path)
	}
	pageCount, err := api.PageCountFile(optimized)
	if err != nil {
		p.cleanup()
		return nil, errors.Wrapf(err, "counting pages of %s", path)
	}
	if err := api.SplitFile(optimized, tempDir, 1, nil); err != nil {
		p.cleanup()
		return nil, errors.Wrapf(err, "splitting %s", path)
	}

	p.stem = strings.TrimSuffix(optimized, filepath.Ext(optimized))
	p.pageCount = pageCount
	return p, nil
}

func stageFile(dest string, r io.Reader) error {
	f, err := os.Create(dest)
	if err != nil {
		return errors.Wrap(err, "staging pdf")
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return errors.Wrap(err, "staging pdf")
	}
	return nil
}

func (p *pdfReader) Next() (*Record, error) {
	if p.page >= p.pageCount {
		return nil, io.EOF
	}
	p.page++
	pagePath := fmt.Sprintf("%s_%d.pdf", p.stem, p.page)
	body, err := os.ReadFile(pagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "reading page %d", p.page)
	}
	return &Record{ID: strconv.Itoa(p.page), Body: body, Format: config.FormatBinary}, nil
}

func (p *pdfReader) Close() error {
	p.cleanup()
	return nil
}

func (p *pdfReader) cleanup() {
	if p.tempDir != "" {
		os.RemoveAll(p.tempDir)
		p.tempDir = ""
	}
}
