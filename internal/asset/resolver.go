package asset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spadina/server/internal/metrics"
	"go.uber.org/zap"
)

// PullClient asks the peer swarm for a blob. The federation layer
// implements it; tests substitute fakes.
type PullClient interface {
	// Pull broadcasts a want for id and returns the first hash-valid
	// blob, or an error when no peer answers within the deadline.
	Pull(ctx context.Context, id string) ([]byte, error)
}

// Resolver fetches assets, falling back to the swarm on a local miss.
// Remote blobs are validated against their id and inserted into the
// local store before being returned.
type Resolver struct {
	Store    Store
	Swarm    PullClient
	Attempts int
	Timeout  time.Duration
	Log      *zap.Logger
}

func NewResolver(store Store, swarm PullClient, log *zap.Logger) *Resolver {
	return &Resolver{Store: store, Swarm: swarm, Attempts: 3, Timeout: 10 * time.Second, Log: log}
}

// Resolve returns the bytes for id from the local store or the swarm.
// After the retry window it fails with ErrUnresolved; realm loads
// surface that as a corrupt load.
func (r *Resolver) Resolve(ctx context.Context, id string) ([]byte, error) {
	data, err := r.Store.Get(ctx, id)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, ErrMissing) {
		return nil, err
	}
	if r.Swarm == nil {
		return nil, fmt.Errorf("%w: %s (no peers)", ErrUnresolved, id)
	}

	for attempt := 1; attempt <= r.Attempts; attempt++ {
		pullCtx, cancel := context.WithTimeout(ctx, r.Timeout)
		data, err = r.Swarm.Pull(pullCtx, id)
		cancel()
		if err == nil {
			if err := CheckID(id, data); err != nil {
				r.Log.Warn("swarm returned mismatched blob",
					zap.String("id", id), zap.Int("attempt", attempt))
				continue
			}
			if _, err := r.Store.Put(ctx, data); err != nil {
				return nil, fmt.Errorf("cache pulled asset: %w", err)
			}
			metrics.AssetPulls.WithLabelValues("hit").Inc()
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.Log.Debug("swarm pull failed",
			zap.String("id", id), zap.Int("attempt", attempt), zap.Error(err))
	}
	metrics.AssetPulls.WithLabelValues("unresolved").Inc()
	return nil, fmt.Errorf("%w: %s", ErrUnresolved, id)
}
