package asset

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"
)

// S3Store keeps assets in an S3-compatible bucket under a flat
// <prefix><id> key space (no separator is added after the prefix). S3 puts are already atomic, so no temp
// object dance is needed.
type S3Store struct {
	client *s3.Client
	bucket string
	prefix string
	log    *zap.Logger
}

func NewS3Store(ctx context.Context, bucket, prefix, endpoint string, log *zap.Logger) (*S3Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("s3 config: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
			o.UsePathStyle = true
		}
	})
	return &S3Store{client: client, bucket: bucket, prefix: prefix, log: log}, nil
}

func (s *S3Store) key(id string) string {
	return s.prefix + id
}

func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	id := Hash(data)
	key := s.key(id)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put %s: %w", id, err)
	}
	return id, nil
}

func (s *S3Store) Get(ctx context.Context, id string) ([]byte, error) {
	if !ValidID(id) {
		return nil, ErrMissing
	}
	key := s.key(id)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("s3 get %s: %w", id, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 read %s: %w", id, err)
	}
	return data, nil
}

func (s *S3Store) Exists(ctx context.Context, id string) (bool, error) {
	if !ValidID(id) {
		return false, nil
	}
	key := s.key(id)
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("s3 head %s: %w", id, err)
	}
	return true, nil
}

func (s *S3Store) Unreferenced(ctx context.Context, referenced map[string]bool) ([]string, error) {
	var out []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: &s.bucket,
		Prefix: &s.prefix,
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list: %w", err)
		}
		for _, obj := range page.Contents {
			id := strings.TrimPrefix(*obj.Key, s.prefix)
			if ValidID(id) && !referenced[id] {
				out = append(out, id)
			}
		}
	}
	return out, nil
}
