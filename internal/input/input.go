package input

import (
	"io"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/ianaindex"

	"github.com/recordflow/recordflow/internal/config"
)

// Record is one logical document discovered in a work unit.
type Record struct {
	// ID is the raw identifier as found in the input. May be empty when
	// the input carries none; the loader rejects empty ids.
	ID string
	// Path is the record's own path, when it differs from the work
	// unit's. Empty for the bundled drivers.
	Path   string
	Body   []byte
	Format config.Format
}

// Reader produces the records of one work unit. Next returns io.EOF once
// the input is exhausted.
type Reader interface {
	Next() (*Record, error)
	Close() error
}

// NewReader builds the record reader selected by the config's input
// driver. path is the work unit's record path, used by drivers that derive
// ids from it; dec is the work unit's declared charset decoder (nil for
// UTF-8).
func NewReader(cfg *config.Config, r io.Reader, path string, dec *encoding.Decoder) (Reader, error) {
	switch cfg.InputDriver {
	case config.DriverDocument:
		return newDocumentReader(cfg, r, path, dec), nil
	case config.DriverDelimited:
		return newDelimitedReader(cfg, r, dec), nil
	case config.DriverXML:
		return newXMLReader(cfg, r, dec), nil
	case config.DriverPDF:
		return newPDFReader(r, path)
	default:
		return nil, errors.Errorf("unknown input driver %q", cfg.InputDriver)
	}
}

// DecoderFor resolves an IANA charset name to a decoder. The empty string
// and UTF-8 need no decoding and yield nil.
func DecoderFor(name string) (*encoding.Decoder, error) {
	if name == "" || name == "utf-8" || name == "UTF-8" {
		return nil, nil
	}
	enc, err := ianaindex.IANA.Encoding(name)
	if err != nil || enc == nil {
		return nil, errors.Errorf("unknown charset %q", name)
	}
	return enc.NewDecoder(), nil
}
