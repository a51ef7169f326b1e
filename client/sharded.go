package client

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

var errNoTargets = errors.New("no shard targets given")

// ShardedClient fans every call out to the whole shard group in parallel.
// Tensor-parallel shards hold identical scheduling state, so responses are
// identical across shards for forward passes; the first shard's answer is
// returned. Warmup is the exception: the group capacity is the minimum of
// the per-shard hints.
type ShardedClient struct {
	clients []*Client
}

// ConnectSharded dials every shard in the group. All dials must succeed.
func ConnectSharded(targets []string) (*ShardedClient, error) {
	if len(targets) == 0 {
		return nil, wrapErr("connect", errNoTargets)
	}
	clients := make([]*Client, len(targets))
	for i, target := range targets {
		c, err := Connect(target)
		if err != nil {
			for _, open := range clients[:i] {
				_ = open.Close()
			}
			return nil, err
		}
		clients[i] = c
	}
	logrus.Infof("connected to %d shard(s)", len(clients))
	return &ShardedClient{clients: clients}, nil
}

// each runs fn against every shard concurrently and fails on the first error.
func (s *ShardedClient) each(ctx context.Context, fn func(ctx context.Context, i int, c *Client) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, c := range s.clients {
		i, c := i, c
		g.Go(func() error {
			return fn(ctx, i, c)
		})
	}
	return g.Wait()
}

func (s *ShardedClient) ClearCache(ctx context.Context, batchID *uint64) error {
	return s.each(ctx, func(ctx context.Context, _ int, c *Client) error {
		return c.ClearCache(ctx, batchID)
	})
}

func (s *ShardedClient) Info(ctx context.Context) (*InfoResponse, error) {
	return s.clients[0].Info(ctx)
}

func (s *ShardedClient) Warmup(ctx context.Context, req *WarmupRequest) (CapacityHint, error) {
	hints := make([]CapacityHint, len(s.clients))
	err := s.each(ctx, func(ctx context.Context, i int, c *Client) error {
		hint, err := c.Warmup(ctx, req)
		if err != nil {
			return err
		}
		hints[i] = hint
		return nil
	})
	if err != nil {
		return NoHint(), err
	}
	return mergeHints(hints), nil
}

// mergeHints reduces per-shard capacity hints to the group capacity: the
// minimum of the hints. A single shard without automatic sizing downgrades
// the whole group.
func mergeHints(hints []CapacityHint) CapacityHint {
	minHint, ok := hints[0].Value()
	if !ok {
		return NoHint()
	}
	for _, hint := range hints[1:] {
		v, ok := hint.Value()
		if !ok {
			return NoHint()
		}
		if v < minHint {
			minHint = v
		}
	}
	return Hint(minHint)
}

func (s *ShardedClient) Prefill(ctx context.Context, batch *Batch) ([]*Generation, *CachedBatch, error) {
	gens := make([][]*Generation, len(s.clients))
	cached := make([]*CachedBatch, len(s.clients))
	err := s.each(ctx, func(ctx context.Context, i int, c *Client) error {
		g, cb, err := c.Prefill(ctx, batch)
		if err != nil {
			return err
		}
		gens[i], cached[i] = g, cb
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return gens[0], cached[0], nil
}

func (s *ShardedClient) Decode(ctx context.Context, batches []*CachedBatch) ([]*Generation, *CachedBatch, error) {
	gens := make([][]*Generation, len(s.clients))
	cached := make([]*CachedBatch, len(s.clients))
	err := s.each(ctx, func(ctx context.Context, i int, c *Client) error {
		g, cb, err := c.Decode(ctx, batches)
		if err != nil {
			return err
		}
		gens[i], cached[i] = g, cb
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return gens[0], cached[0], nil
}

func (s *ShardedClient) FilterBatch(ctx context.Context, batchID uint64, keepRequestIDs []uint64) (*CachedBatch, error) {
	cached := make([]*CachedBatch, len(s.clients))
	err := s.each(ctx, func(ctx context.Context, i int, c *Client) error {
		cb, err := c.FilterBatch(ctx, batchID, keepRequestIDs)
		if err != nil {
			return err
		}
		cached[i] = cb
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cached[0], nil
}

func (s *ShardedClient) Close() error {
	var firstErr error
	for _, c := range s.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
