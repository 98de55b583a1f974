/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package batcher coalesces many single-item API calls issued within a
// short window into fewer, larger calls against the underlying cloud API.
// A caller that invokes Batcher.Add repeatedly from independent goroutines
// never needs to know its request was combined with others; it gets back
// its own Result once the executor that actually called the API returns.
package batcher

import (
	"context"
	"sync"
	"time"

	"github.com/mitchellh/hashstructure/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"
)

// Result is what a caller of Batcher.Add receives once its request has been
// executed as part of some batch.
type Result[O any] struct {
	Output *O
	Err    error
}

// BatchExecutor runs a single batch of inputs and returns exactly one Result
// per input, in the same order.
type BatchExecutor[I, O any] func(ctx context.Context, inputs []*I) []Result[O]

// RequestHasher buckets requests that can be combined into the same batch.
// Requests that hash to the same value are executed together.
type RequestHasher[I any] func(ctx context.Context, input *I) uint64

// DefaultHasher hashes the full request body, so only byte-identical
// requests are combined.
func DefaultHasher[I any](ctx context.Context, input *I) uint64 {
	hash, err := hashstructure.Hash(input, hashstructure.FormatV2, &hashstructure.HashOptions{SlicesAsSets: true})
	if err != nil {
		log.FromContext(ctx).Error(err, "failed hashing batch request")
	}
	return hash
}

// OneBucketHasher combines every request into a single bucket regardless of
// its contents, useful when the executor itself aggregates heterogeneous
// inputs (e.g. TerminateInstances, which just unions instance ids).
func OneBucketHasher[I any](_ context.Context, _ *I) uint64 {
	return 0
}

// Options configures a Batcher.
type Options[I, O any] struct {
	// Name identifies the batcher in logs and metrics.
	Name string
	// IdleTimeout is how long a bucket waits for more requests after the
	// last one arrived before executing.
	IdleTimeout time.Duration
	// MaxTimeout is the longest a request waits before its bucket is
	// force-flushed, even if requests are still trickling in.
	MaxTimeout time.Duration
	// MaxItems is the largest number of requests combined into one batch.
	MaxItems int
	// RequestHasher assigns a request to a bucket.
	RequestHasher RequestHasher[I]
	// BatchExecutor executes one full bucket.
	BatchExecutor BatchExecutor[I, O]
}

type request[I, O any] struct {
	input  *I
	respCh chan Result[O]
}

type bucket[I, O any] struct {
	mu       sync.Mutex
	requests []*request[I, O]
	timer    *time.Timer
	deadline *time.Timer
}

// Batcher combines concurrent single-item requests into batches executed by
// Options.BatchExecutor, keyed by Options.RequestHasher.
type Batcher[I, O any] struct {
	ctx     context.Context
	options Options[I, O]

	mu      sync.Mutex
	buckets map[uint64]*bucket[I, O]
}

// NewBatcher constructs a Batcher bound to ctx, the context every batch
// execution runs under. Cancelling ctx does not stop pending flush timers;
// each Add call stops waiting only when its own context is done.
func NewBatcher[I, O any](ctx context.Context, options Options[I, O]) *Batcher[I, O] {
	return &Batcher[I, O]{
		ctx:     ctx,
		options: options,
		buckets: map[uint64]*bucket[I, O]{},
	}
}

// Add enqueues input into its bucket and blocks until that bucket has been
// executed, returning this request's own Result.
func (b *Batcher[I, O]) Add(ctx context.Context, input *I) Result[O] {
	key := b.options.RequestHasher(ctx, input)
	req := &request[I, O]{input: input, respCh: make(chan Result[O], 1)}

	b.mu.Lock()
	bkt, ok := b.buckets[key]
	if !ok {
		bkt = &bucket[I, O]{}
		b.buckets[key] = bkt
	}
	b.mu.Unlock()

	flush := false
	bkt.mu.Lock()
	bkt.requests = append(bkt.requests, req)
	if bkt.timer != nil {
		bkt.timer.Stop()
	}
	if len(bkt.requests) >= b.options.MaxItems {
		flush = true
	} else {
		bkt.timer = time.AfterFunc(b.options.IdleTimeout, func() { b.flush(key) })
		if bkt.deadline == nil {
			bkt.deadline = time.AfterFunc(b.options.MaxTimeout, func() { b.flush(key) })
		}
	}
	bkt.mu.Unlock()

	if flush {
		b.flush(key)
	}

	select {
	case result := <-req.respCh:
		return result
	case <-ctx.Done():
		return Result[O]{Err: ctx.Err()}
	}
}

func (b *Batcher[I, O]) flush(key uint64) {
	b.mu.Lock()
	bkt, ok := b.buckets[key]
	if ok {
		delete(b.buckets, key)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	bkt.mu.Lock()
	if bkt.timer != nil {
		bkt.timer.Stop()
	}
	if bkt.deadline != nil {
		bkt.deadline.Stop()
	}
	requests := bkt.requests
	bkt.requests = nil
	bkt.mu.Unlock()

	if len(requests) == 0 {
		return
	}

	inputs := make([]*I, len(requests))
	for i, req := range requests {
		inputs[i] = req.input
	}

	start := time.Now()
	results := b.options.BatchExecutor(b.ctx, inputs)
	BatchWindowDuration.WithLabelValues(b.options.Name).Observe(time.Since(start).Seconds())
	BatchSize.WithLabelValues(b.options.Name).Observe(float64(len(inputs)))

	for i, req := range requests {
		if i < len(results) {
			req.respCh <- results[i]
		} else {
			req.respCh <- Result[O]{Err: context.Canceled}
		}
	}
}
