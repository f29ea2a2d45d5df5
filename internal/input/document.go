package input

import (
	"io"

	"golang.org/x/text/encoding"

	"github.com/recordflow/recordflow/internal/config"
	"github.com/recordflow/recordflow/internal/util"
)

// documentReader treats the whole work unit as a single record, identified
// by its record path.
type documentReader struct {
	cfg  *config.Config
	r    io.Reader
	path string
	dec  *encoding.Decoder
	done bool
}

func newDocumentReader(cfg *config.Config, r io.Reader, path string, dec *encoding.Decoder) *documentReader {
	return &documentReader{cfg: cfg, r: r, path: path, dec: dec}
}

func (d *documentReader) Next() (*Record, error) {
	if d.done {
		return nil, io.EOF
	}
	d.done = true

	var body []byte
	if d.cfg.Format == config.FormatBinary {
		drained, err := util.Drain(d.r)
		if err != nil {
			return nil, err
		}
		body = drained
	} else {
		// text and markup go through the declared charset decoder
		text, err := util.DrainString(d.r, d.dec)
		if err != nil {
			return nil, err
		}
		body = []byte(text)
	}
	return &Record{ID: d.path, Body: body, Format: d.cfg.Format}, nil
}

func (d *documentReader) Close() error {
	return nil
}
