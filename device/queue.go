package device

import (
	"image"
	"sync"

	"github.com/gogpu/wgpu/hal"
)

// Queue serializes access to a hal queue so the frame loop and the readback
// worker can submit from different goroutines.
type Queue struct {
	hal.Queue
	mu sync.Mutex
}

// NewQueue wraps q.
func NewQueue(q hal.Queue) *Queue {
	return &Queue{Queue: q}
}

// Submit submits command buffers and returns their submission index.
func (q *Queue) Submit(commandBuffers []hal.CommandBuffer) (uint64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Queue.Submit(commandBuffers)
}

// PollCompleted returns the highest completed submission index.
func (q *Queue) PollCompleted() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Queue.PollCompleted()
}

// WriteBuffer writes data into buffer at offset.
func (q *Queue) WriteBuffer(buffer hal.Buffer, offset uint64, data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Queue.WriteBuffer(buffer, offset, data)
}

// WriteTexture writes data into a texture region.
func (q *Queue) WriteTexture(dst *hal.ImageCopyTexture, data []byte, layout *hal.ImageDataLayout, size *hal.Extent3D) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Queue.WriteTexture(dst, data, layout, size)
}

// Present presents an acquired surface texture.
func (q *Queue) Present(surface hal.Surface, texture hal.SurfaceTexture, damageRects []image.Rectangle) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.Queue.Present(surface, texture, damageRects)
}
