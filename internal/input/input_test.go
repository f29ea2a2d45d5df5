package input

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/recordflow/recordflow/internal/config"
)

func drainRecords(t *testing.T, r Reader) []*Record {
	t.Helper()
	var recs []*Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return recs
		}
		require.NoError(t, err)
		recs = append(recs, rec)
	}
}

func TestDecoderFor(t *testing.T) {
	dec, err := DecoderFor("")
	require.NoError(t, err)
	assert.Nil(t, dec)

	dec, err = DecoderFor("utf-8")
	require.NoError(t, err)
	assert.Nil(t, dec)

	dec, err = DecoderFor("ISO-8859-1")
	require.NoError(t, err)
	require.NotNil(t, dec)
	got, err := dec.Bytes([]byte{0xE9})
	require.NoError(t, err)
	assert.Equal(t, "é", string(got))

	_, err = DecoderFor("not-a-charset")
	assert.Error(t, err)
}

func TestDocumentReader(t *testing.T) {
	cfg := &config.Config{Format: config.FormatText}
	r := newDocumentReader(cfg, strings.NewReader("whole payload"), "/in/a.txt", nil)

	recs := drainRecords(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, "/in/a.txt", recs[0].ID)
	assert.Equal(t, "whole payload", string(recs[0].Body))
	assert.Equal(t, config.FormatText, recs[0].Format)
}

func TestDocumentReaderBinary(t *testing.T) {
	cfg := &config.Config{Format: config.FormatBinary}
	payload := []byte{0x00, 0xFF, 0x10}
	r := newDocumentReader(cfg, bytes.NewReader(payload), "/in/a.bin", nil)

	recs := drainRecords(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, payload, recs[0].Body)
	assert.Equal(t, config.FormatBinary, recs[0].Format)
}

func TestDelimitedReader(t *testing.T) {
	cfg := &config.Config{Delimiter: "\t", IDField: 0}
	in := "id-1\tAlpha\n\nid-2\tBeta\n"
	r := newDelimitedReader(cfg, strings.NewReader(in), nil)

	recs := drainRecords(t, r)
	require.Len(t, recs, 2)
	assert.Equal(t, "id-1", recs[0].ID)
	assert.Equal(t, "id-1\tAlpha", string(recs[0].Body))
	assert.Equal(t, "id-2", recs[1].ID)
	assert.Equal(t, config.FormatText, recs[0].Format)
}

func TestDelimitedReaderIDFieldOutOfRange(t *testing.T) {
	cfg := &config.Config{Delimiter: ",", IDField: 5}
	r := newDelimitedReader(cfg, strings.NewReader("only,two\n"), nil)

	recs := drainRecords(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, "", recs[0].ID, "missing id fields leave the id empty for the loader to reject")
}

func TestXMLReader(t *testing.T) {
	cfg := &config.Config{RecordName: "record", RecordIDName: "id"}
	in := `<batch>
  <record id="r1"><title>First &amp; foremost</title></record>
  <record><id>r2</id><title>Second</title></record>
</batch>`
	r := newXMLReader(cfg, strings.NewReader(in), nil)

	recs := drainRecords(t, r)
	require.Len(t, recs, 2)

	assert.Equal(t, "r1", recs[0].ID)
	assert.Equal(t, config.FormatXML, recs[0].Format)
	body := string(recs[0].Body)
	assert.True(t, strings.HasPrefix(body, `<record id="r1">`), "body: %s", body)
	assert.Contains(t, body, "First &amp; foremost")
	assert.True(t, strings.HasSuffix(body, "</record>"))

	assert.Equal(t, "r2", recs[1].ID, "id falls back to the child element text")
	assert.Contains(t, string(recs[1].Body), "<id>r2</id>")
}

func TestXMLReaderCopiesBodiesVerbatim(t *testing.T) {
	cfg := &config.Config{RecordName: "record", RecordIDName: "id"}
	raw := `<record id="r1"><m:title>A &amp; B</m:title><!-- keep --><text><![CDATA[1 < 2]]></text></record>`
	in := "<batch xmlns:m=\"urn:meta\">\n  " + raw + "\n</batch>"
	r := newXMLReader(cfg, strings.NewReader(in), nil)

	recs := drainRecords(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, "r1", recs[0].ID)
	// namespace prefixes, entities, comments and CDATA framing all survive
	assert.Equal(t, raw, string(recs[0].Body))
}

func TestXMLReaderNoRecords(t *testing.T) {
	cfg := &config.Config{RecordName: "record", RecordIDName: "id"}
	r := newXMLReader(cfg, strings.NewReader("<batch><other/></batch>"), nil)
	assert.Empty(t, drainRecords(t, r))
}

func TestNewReaderUnknownDriver(t *testing.T) {
	cfg := &config.Config{InputDriver: config.Driver("bogus")}
	_, err := NewReader(cfg, strings.NewReader(""), "", nil)
	assert.Error(t, err)
}
