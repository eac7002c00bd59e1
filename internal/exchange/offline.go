package exchange

import (
	"context"
	"errors"
	"fmt"

	"github.com/hanpama/graphcache/internal/cache"
	"github.com/hanpama/graphcache/internal/storage"
)

type queuedMutation struct {
	op         *operation
	layer      int
	optimistic map[string]struct{}
}

// enqueue keeps a mutation that could not reach the origin. Its optimistic
// layer stays in place until the mutation is replayed.
func (e *Exchange) enqueue(ctx context.Context, op *operation, layer int, optimistic cache.WriteResult) (*Result, error) {
	e.mu.Lock()
	e.queued = append(e.queued, queuedMutation{op: op, layer: layer, optimistic: optimistic.Dependencies})
	list := e.serializeQueue()
	e.mu.Unlock()

	if err := e.queue.WriteMetadata(ctx, list); err != nil {
		return nil, fmt.Errorf("exchange: persist offline queue: %w", err)
	}
	res := &Result{Queued: true, Stale: true}
	if len(optimistic.Dependencies) > 0 {
		read := e.store.Query(op.request, optimistic.Data, nil, layer)
		res.Data, res.Partial = read.Data, read.Partial
	}
	return res, nil
}

func (e *Exchange) serializeQueue() []storage.SerializedRequest {
	out := make([]storage.SerializedRequest, len(e.queued))
	for i, q := range e.queued {
		out[i] = storage.SerializedRequest{
			Query:         q.op.network.Query,
			OperationName: q.op.network.OperationName,
			Variables:     q.op.network.Variables,
		}
	}
	return out
}

// Restore loads the mutations an earlier process queued and applies their
// optimistic results again.
func (e *Exchange) Restore(ctx context.Context) error {
	if e.queue == nil {
		return nil
	}
	list, err := e.queue.ReadMetadata(ctx)
	if err != nil {
		return fmt.Errorf("exchange: read offline queue: %w", err)
	}
	var restored []queuedMutation
	for _, sr := range list {
		op, err := prepare(Request{Query: sr.Query, OperationName: sr.OperationName, Variables: sr.Variables})
		if err != nil {
			e.logger.Warn("dropping queued mutation", "operation", sr.OperationName, "error", err)
			continue
		}
		layer := e.nextLayer()
		w := e.store.WriteOptimistic(op.request, layer)
		if len(w.Dependencies) == 0 {
			e.store.Noop(layer, false)
		}
		restored = append(restored, queuedMutation{op: op, layer: layer, optimistic: w.Dependencies})
	}
	e.mu.Lock()
	e.queued = append(restored, e.queued...)
	e.mu.Unlock()
	return nil
}

// Replay forwards queued mutations in order. Replay stops at the first
// mutation that still cannot reach the origin; it and the ones after it
// stay queued. Mutations the origin rejects are dropped and their errors
// joined into the returned error.
func (e *Exchange) Replay(ctx context.Context) error {
	if e.queue == nil {
		return nil
	}
	if e.forward == nil {
		return ErrNoForwarder
	}
	e.mu.Lock()
	pending := e.queued
	e.queued = nil
	e.mu.Unlock()

	var remaining []queuedMutation
	var errs []error
	for i, q := range pending {
		resp, err := e.forward.Forward(ctx, q.op.network)
		if errors.Is(err, ErrUnreachable) {
			remaining = pending[i:]
			break
		}
		if err != nil {
			e.store.Noop(q.layer, false)
			e.reexecute(ctx, q.optimistic, q.op.key)
			errs = append(errs, fmt.Errorf("%s: %w", q.op.name, err))
			continue
		}
		e.write(ctx, q.op, q.layer, resp, q.optimistic)
	}

	e.mu.Lock()
	e.queued = append(remaining, e.queued...)
	list := e.serializeQueue()
	e.mu.Unlock()
	if err := e.queue.WriteMetadata(ctx, list); err != nil {
		errs = append(errs, fmt.Errorf("exchange: persist offline queue: %w", err))
	}
	return errors.Join(errs...)
}

// Queued returns the number of mutations waiting for the origin.
func (e *Exchange) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queued)
}
