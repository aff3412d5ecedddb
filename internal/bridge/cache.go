package bridge

import (
	"context"
	"sync"
	"time"
)

// cacheTimeout bounds one device cache write.
const cacheTimeout = 5 * time.Second

// cacheOp is one queued write to the registry cache.
type cacheOp struct {
	what     string
	deviceID string
	apply    func(ctx context.Context) error
}

// cacheQueue hands cache writes to a single writer in the order the
// dispatch loop queued them, so a put and a later delete for the same
// device always land in that order.
type cacheQueue struct {
	mu      sync.Mutex
	pending []cacheOp
	closed  bool
	wake    chan struct{}
}

func newCacheQueue() *cacheQueue {
	return &cacheQueue{wake: make(chan struct{}, 1)}
}

// push queues op. It reports false once the queue is closed.
func (q *cacheQueue) push(op cacheOp) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.pending = append(q.pending, op)
	q.mu.Unlock()
	q.signal()
	return true
}

// next blocks until an op is queued. After close it returns what is left
// and then false.
func (q *cacheQueue) next() (cacheOp, bool) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			op := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return op, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return cacheOp{}, false
		}
		<-q.wake
	}
}

func (q *cacheQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.signal()
}

func (q *cacheQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// runCache is the single cache writer.
func (r *Router) runCache() {
	defer r.cacheWG.Done()
	for {
		op, ok := r.cache.next()
		if !ok {
			return
		}
		r.safely("cache "+op.what, func() {
			ctx, cancel := r.ioContext(cacheTimeout)
			defer cancel()
			if err := op.apply(ctx); err != nil {
				r.logWarn("device cache write failed", "op", op.what, "device_id", op.deviceID, "error", err)
			}
		})
	}
}

func (r *Router) queueCache(op cacheOp) {
	if r.opts.Cache == nil {
		return
	}
	if !r.cache.push(op) {
		r.logWarn("device cache closed, dropping write", "op", op.what, "device_id", op.deviceID)
	}
}

func (r *Router) cachePut(rec DeviceRecord) {
	r.queueCache(cacheOp{what: "put", deviceID: rec.DeviceID, apply: func(ctx context.Context) error {
		return r.opts.Cache.Put(ctx, r.bridge, rec)
	}})
}

func (r *Router) cacheDelete(deviceID string) {
	r.queueCache(cacheOp{what: "delete", deviceID: deviceID, apply: func(ctx context.Context) error {
		return r.opts.Cache.Delete(ctx, r.bridge, deviceID)
	}})
}

func (r *Router) cacheReplace(records []DeviceRecord) {
	r.queueCache(cacheOp{what: "replace", apply: func(ctx context.Context) error {
		return r.opts.Cache.Replace(ctx, r.bridge, records)
	}})
}
