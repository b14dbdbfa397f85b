package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agentstation/gestalt/pipeline"
)

// Retrievals is one example cache shared by several retrievers. Each
// wrapped retriever owns a namespace, so the same query asked for two
// output kinds is stored twice. Concurrent misses on one key collapse into
// a single call to the inner retriever. Errors are not cached.
type Retrievals struct {
	lru   *LRU[[]string]
	group singleflight.Group
}

// NewRetrievals caches up to size results for ttl.
func NewRetrievals(size int, ttl time.Duration) *Retrievals {
	return &Retrievals{lru: NewLRU[[]string](size, ttl)}
}

// Wrap returns inner memoized under namespace.
func (r *Retrievals) Wrap(namespace string, inner pipeline.Retriever) pipeline.Retriever {
	return pipeline.RetrieverFunc(func(ctx context.Context, query string, adaptive bool) ([]string, error) {
		return r.retrieve(ctx, namespace, inner, query, adaptive)
	})
}

// Stats returns cache statistics.
func (r *Retrievals) Stats() Stats { return r.lru.Stats() }

func (r *Retrievals) retrieve(ctx context.Context, namespace string, inner pipeline.Retriever, query string, adaptive bool) ([]string, error) {
	key := retrievalKey(namespace, query, adaptive)
	if examples, ok := r.lru.Get(key); ok {
		return slices.Clone(examples), nil
	}

	ch := r.group.DoChan(key, func() (any, error) {
		// A flight that finished between the miss above and this call
		// has already stored its result.
		if examples, ok := r.lru.peek(key); ok {
			return examples, nil
		}
		// Waiters share this call, so one caller's cancellation must not
		// fail the others.
		examples, err := inner.Retrieve(context.WithoutCancel(ctx), query, adaptive)
		if err != nil {
			return nil, err
		}
		examples = slices.Clone(examples)
		r.lru.Set(key, examples)
		return examples, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return slices.Clone(res.Val.([]string)), nil
	}
}

func retrievalKey(namespace, query string, adaptive bool) string {
	h := sha256.New()
	h.Write([]byte(namespace))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatBool(adaptive)))
	h.Write([]byte{0})
	h.Write([]byte(query))
	return hex.EncodeToString(h.Sum(nil))
}
