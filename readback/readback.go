// Package readback copies GPU buffer contents back to host memory through a
// single staging buffer.
//
// Reads are executed strictly one at a time in the order they were issued.
// The staging buffer is a shared host-visible resource and a second map on
// it must never overlap the first.
package readback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
	"unsafe"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/shaderlab/internal/logging"
)

// DefaultCapacity is the staging buffer size used when no option is given.
const DefaultCapacity = 128 << 20

// copyAlignment is the offset and size granularity of buffer copies and maps.
const copyAlignment = 4

// defaultPollInterval is the sleep between completion polls.
const defaultPollInterval = 200 * time.Microsecond

// Errors returned by Transfer.Wait.
var (
	// ErrStagingBufferTooSmall is returned when the aligned span of a read
	// exceeds the staging buffer capacity. It is a configuration error.
	ErrStagingBufferTooSmall = errors.New("readback: staging buffer too small")

	// ErrDestinationTooSmall is returned when dst cannot hold dstOffset+size bytes.
	ErrDestinationTooSmall = errors.New("readback: destination buffer too small")

	// ErrDisposed is returned for reads issued after Dispose.
	ErrDisposed = errors.New("readback: pipeline disposed")
)

// Device is the subset of hal.Device used for readback.
type Device interface {
	CreateBuffer(desc *hal.BufferDescriptor) (hal.Buffer, error)
	DestroyBuffer(buffer hal.Buffer)
	MapBuffer(buffer hal.Buffer, offset, size uint64) (hal.BufferMapping, error)
	UnmapBuffer(buffer hal.Buffer) error
	CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error)
	FreeCommandBuffer(cmdBuffer hal.CommandBuffer)
}

// Queue is the subset of hal.Queue used for readback.
type Queue interface {
	Submit(commandBuffers []hal.CommandBuffer) (uint64, error)
	PollCompleted() uint64
}

// Option configures a Pipeline.
type Option func(*options)

type options struct {
	capacity uint64
	poll     time.Duration
}

// WithCapacity sets the staging buffer size in bytes. Values are rounded up
// to a multiple of 4; zero keeps the default.
func WithCapacity(n uint64) Option {
	return func(o *options) {
		if n > 0 {
			o.capacity = alignUp(n)
		}
	}
}

// WithPollInterval sets how long the worker sleeps between checks for GPU
// completion.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.poll = d
		}
	}
}

// Pipeline serializes device-to-host copies through one staging buffer.
//
// Read may be called from any goroutine. Transfers execute on a single
// worker goroutine in FIFO order.
type Pipeline struct {
	device   Device
	queue    Queue
	staging  hal.Buffer
	capacity uint64
	poll     time.Duration

	mu       sync.Mutex
	pending  []*Transfer
	disposed bool

	wake    chan struct{}
	stopped chan struct{}
}

// New allocates the staging buffer and starts the worker.
func New(device Device, queue Queue, opts ...Option) (*Pipeline, error) {
	o := options{capacity: DefaultCapacity, poll: defaultPollInterval}
	for _, opt := range opts {
		opt(&o)
	}

	staging, err := device.CreateBuffer(&hal.BufferDescriptor{
		Label: "readback_staging",
		Size:  o.capacity,
		Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return nil, fmt.Errorf("readback: create staging buffer: %w", err)
	}

	p := &Pipeline{
		device:   device,
		queue:    queue,
		staging:  staging,
		capacity: o.capacity,
		poll:     o.poll,
		wake:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}
	go p.run()

	logging.For("readback").Debug("staging buffer ready", "capacity", o.capacity)
	return p, nil
}

// Capacity returns the staging buffer size in bytes.
func (p *Pipeline) Capacity() uint64 { return p.capacity }

// Read queues a copy of size bytes from src at srcOffset into dst at
// dstOffset. A nil dst is allocated with dstOffset+size bytes, which must
// not exceed Capacity.
//
// The returned transfer starts only after every earlier transfer has
// resolved. Once started it runs to completion. Requests that can never
// succeed are rejected without being queued.
func (p *Pipeline) Read(src hal.Buffer, dst []byte, size, srcOffset, dstOffset uint64) *Transfer {
	if err := p.check(dst == nil, size, srcOffset, dstOffset); err != nil {
		t := &Transfer{size: size, done: make(chan struct{})}
		t.finish(nil, err)
		return t
	}
	if dst == nil {
		dst = make([]byte, dstOffset+size)
	}
	t := &Transfer{
		src:       src,
		dst:       dst,
		size:      size,
		srcOffset: srcOffset,
		dstOffset: dstOffset,
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		t.finish(nil, ErrDisposed)
		return t
	}
	p.pending = append(p.pending, t)
	p.mu.Unlock()

	p.signal()
	return t
}

// check validates a request before anything is allocated or queued.
func (p *Pipeline) check(allocate bool, size, srcOffset, dstOffset uint64) error {
	if size > math.MaxUint64-dstOffset {
		return fmt.Errorf("%w: offset %d plus size %d overflows", ErrDestinationTooSmall, dstOffset, size)
	}
	if allocate && dstOffset+size > p.capacity {
		return fmt.Errorf("%w: cannot allocate %d bytes, capacity %d",
			ErrStagingBufferTooSmall, dstOffset+size, p.capacity)
	}
	if size == 0 {
		return nil
	}
	if size > p.capacity || srcOffset > math.MaxUint64-size-copyAlignment {
		return fmt.Errorf("%w: %d bytes at offset %d requested, capacity %d",
			ErrStagingBufferTooSmall, size, srcOffset, p.capacity)
	}
	if _, span := alignedSpan(srcOffset, size); span > p.capacity {
		return fmt.Errorf("%w: %d bytes requested, capacity %d",
			ErrStagingBufferTooSmall, span, p.capacity)
	}
	return nil
}

// Pending returns the number of transfers not yet started.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Dispose lets queued transfers finish, stops the worker and releases the
// staging buffer. Reads issued afterwards fail with ErrDisposed. Calling
// Dispose more than once is safe.
func (p *Pipeline) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		<-p.stopped
		return
	}
	p.disposed = true
	p.mu.Unlock()

	p.signal()
	<-p.stopped
	p.device.DestroyBuffer(p.staging)
	logging.For("readback").Debug("staging buffer released")
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pipeline) run() {
	defer close(p.stopped)
	for {
		p.mu.Lock()
		if len(p.pending) == 0 {
			disposed := p.disposed
			p.mu.Unlock()
			if disposed {
				return
			}
			<-p.wake
			continue
		}
		t := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.mu.Unlock()

		data, err := p.execute(t)
		if err != nil {
			logging.For("readback").Warn("transfer failed", "size", t.size, "error", err)
		}
		t.finish(data, err)
	}
}

func (p *Pipeline) execute(t *Transfer) ([]byte, error) {
	if uint64(len(t.dst)) < t.dstOffset+t.size {
		return nil, fmt.Errorf("%w: need %d bytes, have %d",
			ErrDestinationTooSmall, t.dstOffset+t.size, len(t.dst))
	}
	if t.size == 0 {
		return t.dst, nil
	}

	start, span := alignedSpan(t.srcOffset, t.size)
	if span > p.capacity {
		return nil, fmt.Errorf("%w: %d bytes requested, capacity %d",
			ErrStagingBufferTooSmall, span, p.capacity)
	}

	encoder, err := p.device.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "readback_encoder"})
	if err != nil {
		return nil, fmt.Errorf("readback: create command encoder: %w", err)
	}
	defer encoder.Destroy()
	if err := encoder.BeginEncoding("readback_copy"); err != nil {
		return nil, fmt.Errorf("readback: begin encoding: %w", err)
	}
	encoder.CopyBufferToBuffer(t.src, p.staging, []hal.BufferCopy{{
		SrcOffset: start,
		DstOffset: 0,
		Size:      span,
	}})
	cmd, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("readback: end encoding: %w", err)
	}
	defer p.device.FreeCommandBuffer(cmd)

	index, err := p.queue.Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		return nil, fmt.Errorf("readback: submit: %w", err)
	}
	p.awaitSubmission(index)

	mapping, err := p.device.MapBuffer(p.staging, 0, span)
	if err != nil {
		return nil, fmt.Errorf("readback: map staging buffer: %w", err)
	}
	mapped := unsafe.Slice((*byte)(mapping.Ptr), span)
	head := t.srcOffset - start
	copy(t.dst[t.dstOffset:t.dstOffset+t.size], mapped[head:head+t.size])
	if err := p.device.UnmapBuffer(p.staging); err != nil {
		return nil, fmt.Errorf("readback: unmap staging buffer: %w", err)
	}
	return t.dst, nil
}

// awaitSubmission blocks until the queue reports index as completed.
// In-flight GPU work is never abandoned, so there is no cancellation here.
func (p *Pipeline) awaitSubmission(index uint64) {
	for p.queue.PollCompleted() < index {
		time.Sleep(p.poll)
	}
}

// alignedSpan returns the 4-byte aligned range covering [offset, offset+size).
func alignedSpan(offset, size uint64) (start, span uint64) {
	start = offset &^ (copyAlignment - 1)
	end := alignUp(offset + size)
	return start, end - start
}

func alignUp(n uint64) uint64 {
	return (n + copyAlignment - 1) &^ (copyAlignment - 1)
}

// Transfer is a queued device-to-host copy.
type Transfer struct {
	src       hal.Buffer
	dst       []byte
	size      uint64
	srcOffset uint64
	dstOffset uint64

	done   chan struct{}
	result []byte
	err    error
}

// Done is closed once the transfer has resolved.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Wait blocks until the transfer resolves or ctx is done and returns the
// destination buffer. Cancelling ctx abandons the wait, not the copy.
func (t *Transfer) Wait(ctx context.Context) ([]byte, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Size returns the requested byte count.
func (t *Transfer) Size() uint64 { return t.size }

func (t *Transfer) finish(data []byte, err error) {
	t.result = data
	t.err = err
	close(t.done)
}
