package blob

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/civicdocs/backend/pkg/logger"
)

var ErrNotFound = errors.New("blob not found")

// Store is the key-value byte interface the document store delegates
// raw persistence to. Keys are content fingerprints.
type Store interface {
	Put(key string, data []byte) error
	Get(key string) ([]byte, error)
}

// FileStore keeps blobs on the local filesystem, sharded by the first
// two characters of the key.
type FileStore struct {
	root string
}

func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}

	logger.Info("Blob store initialized", zap.String("root", root))

	return &FileStore{root: root}, nil
}

func (s *FileStore) Put(key string, data []byte) error {
	dir := filepath.Join(s.root, shard(key))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create blob dir: %w", err)
	}

	path := filepath.Join(dir, key)
	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write blob: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to finalize blob: %w", err)
	}

	return nil
}

func (s *FileStore) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, shard(key), key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}

	return data, nil
}

func shard(key string) string {
	if len(key) < 2 {
		return "00"
	}
	return key[:2]
}
