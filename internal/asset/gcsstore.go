package asset

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
)

// GCSStore keeps assets in a Google Cloud Storage bucket under
// <prefix><id> objects (no separator is added after the prefix).
type GCSStore struct {
	bucket *storage.BucketHandle
	prefix string
	log    *zap.Logger
}

func NewGCSStore(ctx context.Context, bucket, prefix string, log *zap.Logger) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSStore{bucket: client.Bucket(bucket), prefix: prefix, log: log}, nil
}

func (s *GCSStore) object(id string) *storage.ObjectHandle {
	return s.bucket.Object(s.prefix + id)
}

func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	id := Hash(data)
	// DoesNotExist makes concurrent puts of the same id race safely: the
	// loser gets a precondition failure for identical bytes.
	w := s.object(id).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("gcs write %s: %w", id, err)
	}
	if err := w.Close(); err != nil {
		if strings.Contains(err.Error(), "conditionNotMet") || strings.Contains(err.Error(), "Error 412") {
			return id, nil
		}
		return "", fmt.Errorf("gcs close %s: %w", id, err)
	}
	return id, nil
}

func (s *GCSStore) Get(ctx context.Context, id string) ([]byte, error) {
	if !ValidID(id) {
		return nil, ErrMissing
	}
	r, err := s.object(id).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, ErrMissing
	}
	if err != nil {
		return nil, fmt.Errorf("gcs get %s: %w", id, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("gcs read %s: %w", id, err)
	}
	return data, nil
}

func (s *GCSStore) Exists(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	_, err := s.object(id).Attrs(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("gcs attrs %s: %w", id, err)
	}
	return true, nil
}

func (s *GCSStore) Unreferenced(ctx context.Context, referenced map[string]bool) ([]string, error) {
	var out []string
	it := s.bucket.Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("gcs list: %w", err)
		}
		id := strings.TrimPrefix(attrs.Name, s.prefix)
		if ValidID(id) && !referenced[id] {
			out = append(out, id)
		}
	}
	return out, nil
}
