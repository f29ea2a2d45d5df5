package content

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/recordflow/recordflow/internal/config"
)

// Store is an in-process document store. It backs the mem:// connection
// scheme for dry runs and gives tests a store with real existence and
// insert-once semantics.
type Store struct {
	mu   sync.RWMutex
	docs map[string][]byte
}

func NewStore() *Store {
	return &Store{docs: make(map[string][]byte)}
}

// defaultStore serves every mem:// factory in the process, so concurrent
// loaders in a dry run still share one view of the store.
var defaultStore = NewStore()

func (s *Store) exists(uri string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.docs[uri]
	return ok
}

func (s *Store) insert(uri string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[uri]; ok {
		return errors.Wrap(ErrExists, uri)
	}
	s.docs[uri] = body
	return nil
}

// Get returns the stored document body, if any.
func (s *Store) Get(uri string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	body, ok := s.docs[uri]
	return body, ok
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Put stores a document unconditionally. Intended for test setup.
func (s *Store) Put(uri string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[uri] = body
}

type memoryFactory struct {
	store    *Store
	basename string
}

// NewMemoryFactory returns a factory over the given in-process store.
func NewMemoryFactory(store *Store) Factory {
	return newMemoryFactory(store)
}

func newMemoryFactory(store *Store) *memoryFactory {
	return &memoryFactory{store: store}
}

func (f *memoryFactory) SetFileBasename(name string) {
	f.basename = name
}

func (f *memoryFactory) NewContent(uri string, body []byte, format config.Format) (Content, error) {
	return &memoryContent{store: f.store, uri: uri, body: body}, nil
}

func (f *memoryFactory) Close() error {
	return nil
}

type memoryContent struct {
	store *Store
	uri   string
	body  []byte
}

func (c *memoryContent) CheckDocumentURI(_ context.Context, uri string) (bool, error) {
	return c.store.exists(uri), nil
}

func (c *memoryContent) Insert(_ context.Context) error {
	return c.store.insert(c.uri, c.body)
}

func (c *memoryContent) Close() {
	c.body = nil
}
