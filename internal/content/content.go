package content

import (
	"context"
	"net/url"

	"github.com/pkg/errors"

	"github.com/recordflow/recordflow/internal/config"
)

// ErrExists reports an insert that lost to an already-present document.
var ErrExists = errors.New("document already exists")

// Content is one record staged against the store. It lives from just
// before the skip/commit decision until the loader's record cleanup.
type Content interface {
	// CheckDocumentURI reports whether a document already exists at uri.
	CheckDocumentURI(ctx context.Context, uri string) (bool, error)
	// Insert commits the staged record to the store.
	Insert(ctx context.Context) error
	// Close releases any staged state. Safe to call more than once.
	Close()
}

// Factory manufactures Content handles against one store connection. A
// factory belongs to a single loader and is closed exactly once when the
// loader finishes, whatever the outcome.
type Factory interface {
	// SetFileBasename tags subsequent documents with the originating
	// file's name. Only called when filename collections are enabled.
	SetFileBasename(name string)
	NewContent(uri string, body []byte, format config.Format) (Content, error)
	Close() error
}

// NewFactory opens a store connection for one loader, chosen by the
// connection URI scheme: gs, firestore or mem.
func NewFactory(ctx context.Context, cfg *config.Config) (Factory, error) {
	u, err := url.Parse(cfg.ConnectionURI)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing connection uri %s", cfg.ConnectionURI)
	}
	switch u.Scheme {
	case "gs":
		return newGCSFactory(ctx, u)
	case "firestore":
		return newFirestoreFactory(ctx, u)
	case "mem":
		return newMemoryFactory(defaultStore), nil
	default:
		return nil, errors.Errorf("unsupported connection uri scheme %q", u.Scheme)
	}
}
