package content

import (
	"context"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/recordflow/recordflow/internal/config"
)

// firestoreFactory writes documents into one collection, one document per
// record. The connection URI is firestore://project/collection.
type firestoreFactory struct {
	client     *firestore.Client
	collection string
	basename   string
}

func newFirestoreFactory(ctx context.Context, u *url.URL) (*firestoreFactory, error) {
	collection := strings.Trim(u.Path, "/")
	if u.Host == "" || collection == "" {
		return nil, errors.Errorf("connection uri %s must name a project and collection", u)
	}
	client, err := firestore.NewClient(ctx, u.Host)
	if err != nil {
		return nil, errors.Wrap(err, "creating firestore client")
	}
	return &firestoreFactory{client: client, collection: collection}, nil
}

func (f *firestoreFactory) SetFileBasename(name string) {
	f.basename = name
}

func (f *firestoreFactory) NewContent(uri string, body []byte, format config.Format) (Content, error) {
	return &firestoreContent{factory: f, uri: uri, body: body, format: format}, nil
}

func (f *firestoreFactory) Close() error {
	return f.client.Close()
}

type firestoreContent struct {
	factory *firestoreFactory
	uri     string
	body    []byte
	format  config.Format
}

// docRef maps a document URI onto a Firestore document id. Slashes would
// otherwise be read as subcollection separators.
func (f *firestoreFactory) docRef(uri string) *firestore.DocumentRef {
	return f.client.Collection(f.collection).Doc(url.PathEscape(uri))
}

func (c *firestoreContent) CheckDocumentURI(ctx context.Context, uri string) (bool, error) {
	_, err := c.factory.docRef(uri).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking %s", uri)
	}
	return true, nil
}

func (c *firestoreContent) Insert(ctx context.Context) error {
	doc := map[string]interface{}{
		"uri":      c.uri,
		"content":  c.body,
		"format":   string(c.format),
		"loadedAt": time.Now(),
	}
	if c.factory.basename != "" {
		doc["collection"] = c.factory.basename
	}
	_, err := c.factory.docRef(c.uri).Create(ctx, doc)
	if status.Code(err) == codes.AlreadyExists {
		return errors.Wrap(ErrExists, c.uri)
	}
	if err != nil {
		return errors.Wrapf(err, "inserting %s", c.uri)
	}
	return nil
}

func (c *firestoreContent) Close() {
	c.body = nil
}
