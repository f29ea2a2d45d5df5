package content

import (
	"context"
	"net/url"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"google.golang.org/api/googleapi"

	"github.com/recordflow/recordflow/internal/config"
)

// gcsFactory writes documents as objects in one bucket, under an optional
// object prefix taken from the connection URI path.
type gcsFactory struct {
	client   *storage.Client
	bucket   *storage.BucketHandle
	prefix   string
	basename string
}

func newGCSFactory(ctx context.Context, u *url.URL) (*gcsFactory, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "creating storage client")
	}
	prefix := strings.TrimPrefix(u.Path, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &gcsFactory{
		client: client,
		bucket: client.Bucket(u.Host),
		prefix: prefix,
	}, nil
}

func (f *gcsFactory) SetFileBasename(name string) {
	f.basename = name
}

func (f *gcsFactory) NewContent(uri string, body []byte, format config.Format) (Content, error) {
	return &gcsContent{
		factory: f,
		object:  f.prefix + uri,
		body:    body,
		format:  format,
	}, nil
}

func (f *gcsFactory) Close() error {
	return f.client.Close()
}

type gcsContent struct {
	factory *gcsFactory
	object  string
	body    []byte
	format  config.Format
}

func (c *gcsContent) CheckDocumentURI(ctx context.Context, uri string) (bool, error) {
	_, err := c.factory.bucket.Object(c.factory.prefix + uri).Attrs(ctx)
	if err == storage.ErrObjectNotExist {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking %s", uri)
	}
	return true, nil
}

// Insert writes the object only if it does not already exist, retrying
// transient failures. A precondition failure means we lost a race to
// another writer and surfaces as ErrExists.
func (c *gcsContent) Insert(ctx context.Context) error {
	err := retry.Do(
		func() error { return c.write(ctx) },
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.RetryIf(func(err error) bool { return !errors.Is(err, ErrExists) }),
		retry.LastErrorOnly(true),
	)
	return err
}

func (c *gcsContent) write(ctx context.Context) error {
	obj := c.factory.bucket.Object(c.object).If(storage.Conditions{DoesNotExist: true})
	w := obj.NewWriter(ctx)
	w.ContentType = contentType(c.format)
	if c.factory.basename != "" {
		w.Metadata = map[string]string{"collection": c.factory.basename}
	}
	if _, err := w.Write(c.body); err != nil {
		_ = w.Close()
		return classifyGCSError(err, c.object)
	}
	if err := w.Close(); err != nil {
		return classifyGCSError(err, c.object)
	}
	return nil
}

func (c *gcsContent) Close() {
	c.body = nil
}

func classifyGCSError(err error, object string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) && gerr.Code == 412 {
		return errors.Wrap(ErrExists, object)
	}
	return errors.Wrapf(err, "writing %s", object)
}

func contentType(format config.Format) string {
	switch format {
	case config.FormatXML:
		return "application/xml"
	case config.FormatText:
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
