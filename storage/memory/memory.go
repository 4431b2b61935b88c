// Package memory implements storage.Backend in memory; intended for
// tests and local development.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/quorumgrid/keel/storage"
)

// Store keeps objects in a map guarded by an RWMutex. ETags rotate on
// every write so conditional semantics behave like a remote versioned
// store.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry

	sortedKeys []string
	keysDirty  bool
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns a ready to use in-memory store.
func New() *Store {
	return &Store{
		objs:      make(map[string]*objectEntry),
		keysDirty: true,
	}
}

// Close satisfies storage.Backend but requires no action here.
func (s *Store) Close() error { return nil }

// Get returns a copy of the object stored at key.
func (s *Store) Get(_ context.Context, key string) (storage.GetResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.objs[key]
	if !ok {
		return storage.GetResult{}, storage.ErrNotFound
	}
	payload := append([]byte(nil), entry.payload...)
	return storage.GetResult{
		Reader: io.NopCloser(bytes.NewReader(payload)),
		Info:   entry.info(key),
	}, nil
}

// Put writes an object, enforcing CAS when opts.ExpectedETag is set
// and creation-only semantics when opts.IfNotExists is set.
func (s *Store) Put(_ context.Context, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("memory: read body for %q: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, exists := s.objs[key]
	switch {
	case opts.ExpectedETag != "":
		if !exists {
			return nil, storage.ErrNotFound
		}
		if entry.etag != opts.ExpectedETag {
			return nil, storage.ErrCASMismatch
		}
	case opts.IfNotExists:
		if exists {
			return nil, storage.ErrCASMismatch
		}
	}
	next := &objectEntry{
		payload:     payload,
		etag:        xid.New().String(),
		contentType: opts.ContentType,
		updated:     time.Now().UTC(),
	}
	if next.contentType == "" {
		next.contentType = storage.ContentTypeOctetStream
	}
	if !exists {
		s.keysDirty = true
	}
	s.objs[key] = next
	return next.info(key), nil
}

// Delete removes the object at key, respecting the expected ETag when
// present.
func (s *Store) Delete(_ context.Context, key string, opts storage.DeleteOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.objs[key]
	if !ok {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && entry.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	s.keysDirty = true
	return nil
}

// List enumerates objects under opts.Prefix in ascending lexical
// order.
func (s *Store) List(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.keysDirty {
		s.sortedKeys = s.sortedKeys[:0]
		for key := range s.objs {
			s.sortedKeys = append(s.sortedKeys, key)
		}
		sort.Strings(s.sortedKeys)
		s.keysDirty = false
	}

	result := &storage.ListResult{}
	for _, key := range s.sortedKeys {
		if opts.Prefix != "" && !strings.HasPrefix(key, opts.Prefix) {
			continue
		}
		if opts.StartAfter != "" && key <= opts.StartAfter {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, *s.objs[key].info(key))
	}
	return result, nil
}

func (e *objectEntry) info(key string) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         e.etag,
		Size:         int64(len(e.payload)),
		LastModified: e.updated,
		ContentType:  e.contentType,
	}
}
