package ingest

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/valyala/bytebufferpool"

	"threadrelay/pkg/telemetry"
)

// ErrQueueFull is returned by TryEnqueue when the queue is at capacity.
// The HTTP layer answers 503 so the platform redelivers later.
var ErrQueueFull = errors.New("intake queue full")

// maxPooledBuffer controls the largest buffer returned to the pool.
// Larger payload buffers are dropped so the pool cannot pin huge arrays.
var maxPooledBuffer = 256 * 1024 // 256 KiB

var itemPool = sync.Pool{New: func() any { return &Item{} }}

// Item wraps one raw payload and owns its pooled buffer. Consumers MUST
// call Done() exactly once after processing.
type Item struct {
	Payload []byte

	buf  *bytebufferpool.ByteBuffer
	once sync.Once
}

// Done releases pooled resources back to the pool.
func (it *Item) Done() {
	it.once.Do(func() {
		if it.buf != nil {
			if cap(it.buf.B) <= maxPooledBuffer {
				bytebufferpool.Put(it.buf)
			}
			it.buf = nil
		}
		it.Payload = nil
		itemPool.Put(it)
	})
}

// Queue is the bounded in-memory buffer between the events endpoint and
// the pipeline workers. Producers copy payloads into pooled buffers so the
// HTTP layer can ack and reuse its own.
type Queue struct {
	ch       chan *Item
	capacity int
	dropped  uint64
}

// NewQueue creates a bounded Queue of the given capacity (>0).
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{ch: make(chan *Item, capacity), capacity: capacity}
}

// TryEnqueue copies payload into a pooled buffer and enqueues it without
// blocking; returns ErrQueueFull when at capacity.
func (q *Queue) TryEnqueue(payload []byte) error {
	it := itemPool.Get().(*Item)
	var bb *bytebufferpool.ByteBuffer
	if len(payload) > 0 {
		bb = bytebufferpool.Get()
		bb.B = append(bb.B[:0], payload...)
		it.Payload = bb.B[:len(payload)]
	}
	it.buf = bb
	it.once = sync.Once{}

	select {
	case q.ch <- it:
		telemetry.IntakeDepth.Set(float64(len(q.ch)))
		return nil
	default:
		it.Done()
		atomic.AddUint64(&q.dropped, 1)
		return ErrQueueFull
	}
}

// Out exposes items for consumers (do not close).
func (q *Queue) Out() <-chan *Item { return q.ch }

// CloseAndDrain closes the queue and releases any remaining items.
func (q *Queue) CloseAndDrain() {
	close(q.ch)
	for it := range q.ch {
		it.Done()
	}
	telemetry.IntakeDepth.Set(0)
}

// Len returns the current number of queued items.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return q.capacity }

// Dropped returns how many payloads were rejected because of a full queue.
func (q *Queue) Dropped() uint64 { return atomic.LoadUint64(&q.dropped) }
