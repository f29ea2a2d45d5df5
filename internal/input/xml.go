package input

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"

	"github.com/recordflow/recordflow/internal/config"
)

// xmlReader splits an aggregate XML document into records, one per
// occurrence of the configured record element. The record id comes from
// the id attribute on the record element, or failing that from the text of
// the first child element with the id name. Record bodies are copied
// verbatim from the input, so entities, namespace prefixes, comments and
// CDATA framing survive intact.
type xmlReader struct {
	cfg *config.Config
	src *captureReader
	dec *xml.Decoder
}

func newXMLReader(cfg *config.Config, r io.Reader, dec *encoding.Decoder) *xmlReader {
	if dec != nil {
		r = transform.NewReader(r, dec)
	}
	src := &captureReader{r: r}
	d := xml.NewDecoder(src)
	// aggregate files in the wild rarely declare their entities
	d.Strict = false
	return &xmlReader{cfg: cfg, src: src, dec: d}
}

func (x *xmlReader) Next() (*Record, error) {
	for {
		// InputOffset is the end of the previous token, which is where the
		// next token's raw bytes begin
		start := x.dec.InputOffset()
		tok, err := x.dec.Token()
		if err == io.EOF {
			return nil, io.EOF
		}
		if err != nil {
			return nil, errors.Wrap(err, "reading xml input")
		}
		if se, ok := tok.(xml.StartElement); ok && se.Name.Local == x.cfg.RecordName {
			return x.readRecord(se, start)
		}
		x.src.discard(x.dec.InputOffset())
	}
}

// readRecord scans to the end of the element tree rooted at start,
// extracting the record id along the way, and returns the element's raw
// bytes as the record body.
func (x *xmlReader) readRecord(start xml.StartElement, from int64) (*Record, error) {
	var idText strings.Builder
	id := attrValue(start, x.cfg.RecordIDName)

	depth := 1
	inID := false
	for depth > 0 {
		tok, err := x.dec.Token()
		if err != nil {
			return nil, errors.Wrapf(err, "unterminated record element %s", start.Name.Local)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			depth++
			if id == "" && depth == 2 && t.Name.Local == x.cfg.RecordIDName {
				inID = true
			}
		case xml.EndElement:
			depth--
			inID = false
		case xml.CharData:
			if inID {
				idText.Write(t)
			}
		}
	}

	body := x.src.take(from, x.dec.InputOffset())
	if id == "" {
		id = strings.TrimSpace(idText.String())
	}
	return &Record{ID: id, Body: body, Format: config.FormatXML}, nil
}

func (x *xmlReader) Close() error {
	return nil
}

func attrValue(se xml.StartElement, name string) string {
	for _, a := range se.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// captureReader retains the raw bytes it has handed to the xml decoder so
// record bodies can be sliced out by decoder offset. Bytes before the
// current record are discarded as tokens are consumed, bounding retention
// to one record plus the decoder's read-ahead.
type captureReader struct {
	r    io.Reader
	buf  []byte
	base int64 // absolute offset of buf[0]
}

func (c *captureReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.buf = append(c.buf, p[:n]...)
	return n, err
}

// take copies the bytes in [from, to) and discards everything before to.
func (c *captureReader) take(from, to int64) []byte {
	out := make([]byte, to-from)
	copy(out, c.buf[from-c.base:to-c.base])
	c.discard(to)
	return out
}

func (c *captureReader) discard(upto int64) {
	if upto <= c.base {
		return
	}
	n := upto - c.base
	if n > int64(len(c.buf)) {
		n = int64(len(c.buf))
	}
	c.buf = c.buf[n:]
	c.base += n
}
