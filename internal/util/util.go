package util

import (
	"io"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/text/encoding"
	"golang.org/x/text/transform"
)

// readChunkSize is the buffer size used when draining streams.
const readChunkSize = 32 * 1024

// Join concatenates items with delim between them. An empty slice yields "".
func Join(items []string, delim string) string {
	var sb strings.Builder
	for i, item := range items {
		if i > 0 {
			sb.WriteString(delim)
		}
		sb.WriteString(item)
	}
	return sb.String()
}

// EscapeXML escapes the XML markup characters in s. The ampersand is
// replaced first so already-escaped entities are not double-escaped.
func EscapeXML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// StringToBoolean interprets s as a boolean. A nil s yields def. The empty
// string, "0", "f", "false", "n" and "no" (letter forms case-insensitive)
// are false; everything else is true.
func StringToBoolean(s *string, def bool) bool {
	if s == nil {
		return def
	}
	switch *s {
	case "", "0":
		return false
	}
	switch strings.ToLower(*s) {
	case "f", "false", "n", "no":
		return false
	}
	return true
}

// RootCause walks err's cause chain to its root and returns it.
func RootCause(err error) error {
	for err != nil {
		next := errors.Unwrap(err)
		if next == nil {
			// pre-Unwrap wrappers
			if causer, ok := err.(interface{ Cause() error }); ok && causer.Cause() != nil {
				err = causer.Cause()
				continue
			}
			return err
		}
		err = next
	}
	return err
}

// Drain reads r to exhaustion and returns the accumulated bytes.
func Drain(r io.Reader) ([]byte, error) {
	if r == nil {
		return nil, errors.New("nil input stream")
	}
	var out []byte
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, errors.WithStack(err)
		}
	}
}

// DrainString reads r to exhaustion through dec and returns the decoded
// text. A nil dec reads the stream as UTF-8.
func DrainString(r io.Reader, dec *encoding.Decoder) (string, error) {
	if r == nil {
		return "", errors.New("nil input stream")
	}
	if dec != nil {
		r = transform.NewReader(r, dec)
	}
	var sb strings.Builder
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		sb.Write(buf[:n])
		if err == io.EOF {
			return sb.String(), nil
		}
		if err != nil {
			return sb.String(), errors.WithStack(err)
		}
	}
}

// StripExtension returns name without its final extension. Names shorter
// than three characters, or with no '.' past the first character, are
// returned unchanged.
func StripExtension(name string) string {
	if len(name) < 3 {
		return name
	}
	i := strings.LastIndexByte(name, '.')
	if i < 1 {
		return name
	}
	return name[:i]
}
