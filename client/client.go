// Package client implements the link to the model-execution shards.
//
// A Client talks to a single shard over gRPC; a ShardedClient (sharded.go)
// fans every call out to the full shard group. The scheduling core consumes
// the ShardClient interface so tests can substitute a synchronous stub.
package client

import (
	"context"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const servicePrefix = "/generate.v3.TextGenerationService/"

// ShardClient is the call surface the scheduling core depends on.
type ShardClient interface {
	// ClearCache drops the shard-side cache for one batch, or the whole
	// cache when batchID is nil.
	ClearCache(ctx context.Context, batchID *uint64) error
	// Info fetches static shard metadata.
	Info(ctx context.Context) (*InfoResponse, error)
	// Warmup probes the model's real capacity.
	Warmup(ctx context.Context, req *WarmupRequest) (CapacityHint, error)
	// Prefill runs the first forward pass over a fresh batch.
	Prefill(ctx context.Context, batch *Batch) ([]*Generation, *CachedBatch, error)
	// Decode advances every request in the given cached batches by one
	// step (1+speculate tokens), concatenating the batches shard-side.
	Decode(ctx context.Context, batches []*CachedBatch) ([]*Generation, *CachedBatch, error)
	// FilterBatch shrinks a cached batch to the given request ids,
	// freeing shard-side state of everything else.
	FilterBatch(ctx context.Context, batchID uint64, keepRequestIDs []uint64) (*CachedBatch, error)
	Close() error
}

// Client is the connection to a single shard.
type Client struct {
	conn   *grpc.ClientConn
	target string
}

// Connect dials one shard. The target accepts the usual gRPC forms,
// including unix:// sockets, which is how co-located shards are reached.
// Dialing is lazy; the first call surfaces connection failures.
func Connect(target string) (*Client, error) {
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(jsonCodec{})),
	)
	if err != nil {
		return nil, wrapErr("connect", err)
	}
	logrus.Debugf("shard client connected to %s", target)
	return &Client{conn: conn, target: target}, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp any) error {
	return wrapErr(method, c.conn.Invoke(ctx, servicePrefix+method, req, resp))
}

func (c *Client) ClearCache(ctx context.Context, batchID *uint64) error {
	return c.invoke(ctx, "ClearCache", &clearCacheRequest{BatchID: batchID}, &emptyResponse{})
}

func (c *Client) Info(ctx context.Context) (*InfoResponse, error) {
	var resp InfoResponse
	if err := c.invoke(ctx, "Info", &emptyResponse{}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Warmup(ctx context.Context, req *WarmupRequest) (CapacityHint, error) {
	var resp warmupResponse
	if err := c.invoke(ctx, "Warmup", req, &resp); err != nil {
		return NoHint(), err
	}
	if resp.MaxSupportedBatchTotalTokens == nil {
		return NoHint(), nil
	}
	return Hint(*resp.MaxSupportedBatchTotalTokens), nil
}

func (c *Client) Prefill(ctx context.Context, batch *Batch) ([]*Generation, *CachedBatch, error) {
	var resp forwardResponse
	if err := c.invoke(ctx, "Prefill", &prefillRequest{Batch: batch}, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Generations, resp.Batch, nil
}

func (c *Client) Decode(ctx context.Context, batches []*CachedBatch) ([]*Generation, *CachedBatch, error) {
	var resp forwardResponse
	if err := c.invoke(ctx, "Decode", &decodeRequest{Batches: batches}, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Generations, resp.Batch, nil
}

func (c *Client) FilterBatch(ctx context.Context, batchID uint64, keepRequestIDs []uint64) (*CachedBatch, error) {
	var resp CachedBatch
	req := &filterBatchRequest{BatchID: batchID, KeepRequestIDs: keepRequestIDs}
	if err := c.invoke(ctx, "FilterBatch", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
