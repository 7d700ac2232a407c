// Package archive seals audit trail segments into content-addressed storage
// so a trail can outlive the kernel's in-memory retention bound.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNotFound is returned when no object exists for a digest.
var ErrNotFound = errors.New("archive: object not found")

const digestPrefix = "sha256:"

// Store is a content-addressed blob store keyed by "sha256:<hex>" digests.
type Store interface {
	// Put persists data and returns its digest. Storing the same bytes twice
	// is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
	Delete(ctx context.Context, digest string) error
}

// Digest returns the content address of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return digestPrefix + hex.EncodeToString(sum[:])
}

// parseDigest validates a digest and returns its hex part.
func parseDigest(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok {
		return "", fmt.Errorf("archive: invalid digest format %q", digest)
	}
	b, err := hex.DecodeString(raw)
	if err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("archive: invalid digest hex %q", digest)
	}
	return raw, nil
}

// objectKey is the key shared by every backend.
func objectKey(prefix, digest string) (string, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return "", err
	}
	return prefix + raw + ".blob", nil
}

// FileStore keeps blobs as files under a directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: archive directory is shared with operators
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("archive: ensure dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(digest string) (string, error) {
	key, err := objectKey("", digest)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, key), nil
}

func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	digest := Digest(data)
	path, err := s.path(digest)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	tmp := path + ".tmp"
	//nolint:gosec // G306: blobs are readable by operators
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("archive: write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("archive: commit blob: %w", err)
	}
	return digest, nil
}

func (s *FileStore) Get(_ context.Context, digest string) ([]byte, error) {
	path, err := s.path(digest)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(path) //nolint:gosec // path built from validated hex
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("archive: read blob: %w", err)
	}
	return data, nil
}

func (s *FileStore) Exists(_ context.Context, digest string) (bool, error) {
	path, err := s.path(digest)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, err = os.Stat(path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, fmt.Errorf("archive: stat blob: %w", err)
	}
}

func (s *FileStore) Delete(_ context.Context, digest string) error {
	path, err := s.path(digest)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("archive: delete blob: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte) (string, error) {
	digest := Digest(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[digest]; !ok {
		s.blobs[digest] = append([]byte(nil), data...)
	}
	return digest, nil
}

func (s *MemoryStore) Get(_ context.Context, digest string) ([]byte, error) {
	if _, err := parseDigest(digest); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Exists(_ context.Context, digest string) (bool, error) {
	if _, err := parseDigest(digest); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blobs[digest]
	return ok, nil
}

func (s *MemoryStore) Delete(_ context.Context, digest string) error {
	if _, err := parseDigest(digest); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, digest)
	return nil
}
