package asset

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
)

// DirStore keeps assets on the local filesystem under a two-level hex
// shard: <root>/ab/cd/abcd... Writes go to a temp file in the same
// directory and rename into place, so readers never observe a partial
// blob and concurrent puts of the same id are harmless.
type DirStore struct {
	root string
	log  *zap.Logger
}

func NewDirStore(root string, log *zap.Logger) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("asset dir: %w", err)
	}
	return &DirStore{root: root, log: log}, nil
}

func (s *DirStore) path(id string) string {
	return filepath.Join(s.root, id[0:2], id[2:4], id)
}

func (s *DirStore) Put(ctx context.Context, data []byte) (string, error) {
	id := Hash(data)
	dst := s.path(id)
	if _, err := os.Stat(dst); err == nil {
		return id, nil
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("asset shard: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+id+".*")
	if err != nil {
		return "", fmt.Errorf("asset temp: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return "", fmt.Errorf("asset write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("asset close: %w", err)
	}
	if err := os.Rename(name, dst); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("asset rename: %w", err)
	}
	s.log.Debug("asset stored", zap.String("id", id), zap.Int("bytes", len(data)))
	return id, nil
}

func (s *DirStore) Get(_ context.Context, id string) ([]byte, error) {
	if !ValidID(id) {
		return nil, ErrMissing
	}
	data, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, fmt.Errorf("asset read: %w", err)
	}
	return data, nil
}

func (s *DirStore) Exists(_ context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	_, err := os.Stat(s.path(id))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *DirStore) Unreferenced(_ context.Context, referenced map[string]bool) ([]string, error) {
	var out []string
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		id := d.Name()
		if ValidID(id) && !referenced[id] {
			out = append(out, id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("asset walk: %w", err)
	}
	return out, nil
}
