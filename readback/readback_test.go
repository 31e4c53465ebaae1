package readback

import (
	"bytes"
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
)

// copyDevice is a noop device whose encoders perform buffer copies for real,
// using the noop backend's in-memory buffers.
type copyDevice struct {
	*noop.Device

	mu      sync.Mutex
	regions []hal.BufferCopy
	onCopy  func(n int)
}

func (d *copyDevice) CreateCommandEncoder(desc *hal.CommandEncoderDescriptor) (hal.CommandEncoder, error) {
	enc, err := d.Device.CreateCommandEncoder(desc)
	if err != nil {
		return nil, err
	}
	return &copyEncoder{CommandEncoder: enc, dev: d}, nil
}

type copyEncoder struct {
	hal.CommandEncoder
	dev *copyDevice
}

func (e *copyEncoder) CopyBufferToBuffer(src, dst hal.Buffer, regions []hal.BufferCopy) {
	for _, r := range regions {
		e.dev.mu.Lock()
		e.dev.regions = append(e.dev.regions, r)
		n := len(e.dev.regions)
		hook := e.dev.onCopy
		e.dev.mu.Unlock()
		if hook != nil {
			hook(n)
		}

		s, err := e.dev.MapBuffer(src, r.SrcOffset, r.Size)
		if err != nil {
			panic(err)
		}
		d, err := e.dev.MapBuffer(dst, r.DstOffset, r.Size)
		if err != nil {
			panic(err)
		}
		copy(unsafe.Slice((*byte)(d.Ptr), r.Size), unsafe.Slice((*byte)(s.Ptr), r.Size))
	}
}

func (d *copyDevice) copies() []hal.BufferCopy {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]hal.BufferCopy(nil), d.regions...)
}

// newSource creates a 64-byte buffer holding 0..63.
func newSource(t *testing.T, dev *copyDevice, q *noop.Queue) hal.Buffer {
	t.Helper()
	src, err := dev.CreateBuffer(&hal.BufferDescriptor{Label: "src", Size: 64})
	if err != nil {
		t.Fatal(err)
	}
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	if err := q.WriteBuffer(src, 0, data); err != nil {
		t.Fatal(err)
	}
	return src
}

func newPipeline(t *testing.T, opts ...Option) (*Pipeline, *copyDevice, hal.Buffer) {
	t.Helper()
	dev := &copyDevice{Device: &noop.Device{}}
	q := &noop.Queue{}
	opts = append([]Option{WithCapacity(256), WithPollInterval(time.Microsecond)}, opts...)
	p, err := New(dev, q, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(p.Dispose)
	return p, dev, newSource(t, dev, q)
}

func wait(t *testing.T, tr *Transfer) ([]byte, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return tr.Wait(ctx)
}

func TestReadSubRanges(t *testing.T) {
	p, dev, src := newPipeline(t)

	tests := []struct {
		name      string
		dst       []byte
		size      uint64
		srcOffset uint64
		dstOffset uint64
		want      []byte
		region    hal.BufferCopy
	}{
		{
			name:   "aligned",
			size:   8,
			want:   []byte{0, 1, 2, 3, 4, 5, 6, 7},
			region: hal.BufferCopy{SrcOffset: 0, Size: 8},
		},
		{
			name:      "unaligned offset and size",
			size:      5,
			srcOffset: 3,
			want:      []byte{3, 4, 5, 6, 7},
			region:    hal.BufferCopy{SrcOffset: 0, Size: 8},
		},
		{
			name:      "destination offset",
			dst:       []byte{9, 9, 9, 9, 9, 9, 0, 0, 0, 0},
			size:      4,
			srcOffset: 8,
			dstOffset: 6,
			want:      []byte{9, 9, 9, 9, 9, 9, 8, 9, 10, 11},
			region:    hal.BufferCopy{SrcOffset: 8, Size: 4},
		},
		{
			name:      "tail of buffer",
			size:      2,
			srcOffset: 61,
			want:      []byte{61, 62},
			region:    hal.BufferCopy{SrcOffset: 60, Size: 4},
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := wait(t, p.Read(src, tt.dst, tt.size, tt.srcOffset, tt.dstOffset))
			if err != nil {
				t.Fatalf("Wait: %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
			if r := dev.copies()[i]; r != tt.region {
				t.Errorf("copy region = %+v, want %+v", r, tt.region)
			}
		})
	}
}

func TestReadErrors(t *testing.T) {
	p, dev, src := newPipeline(t, WithCapacity(16))

	if _, err := wait(t, p.Read(src, nil, 16, 0, 0)); err != nil {
		t.Errorf("read of exactly capacity failed: %v", err)
	}
	if _, err := wait(t, p.Read(src, nil, 16, 2, 0)); !errors.Is(err, ErrStagingBufferTooSmall) {
		t.Errorf("padded read err = %v, want ErrStagingBufferTooSmall", err)
	}
	if _, err := wait(t, p.Read(src, make([]byte, 4), 4, 0, 1)); !errors.Is(err, ErrDestinationTooSmall) {
		t.Errorf("short destination err = %v, want ErrDestinationTooSmall", err)
	}

	// Requests that can never fit are rejected before anything is allocated.
	rejected := []struct {
		name                       string
		dst                        []byte
		size, srcOffset, dstOffset uint64
		want                       error
	}{
		{"huge size", nil, 1 << 50, 0, 0, ErrStagingBufferTooSmall},
		{"huge allocation offset", nil, 4, 0, 1 << 50, ErrStagingBufferTooSmall},
		{"source offset overflows", nil, 8, math.MaxUint64 - 2, 0, ErrStagingBufferTooSmall},
		{"destination offset overflows", make([]byte, 4), 8, 0, math.MaxUint64 - 2, ErrDestinationTooSmall},
	}
	for _, tt := range rejected {
		var err error
		func() {
			defer func() {
				if r := recover(); r != nil {
					t.Fatalf("%s: Read panicked: %v", tt.name, r)
				}
			}()
			_, err = wait(t, p.Read(src, tt.dst, tt.size, tt.srcOffset, tt.dstOffset))
		}()
		if !errors.Is(err, tt.want) {
			t.Errorf("%s: err = %v, want %v", tt.name, err, tt.want)
		}
	}
	if n := len(dev.copies()); n != 1 {
		t.Errorf("device copies = %d, want only the first read", n)
	}
	// A failed read does not poison the queue.
	got, err := wait(t, p.Read(src, nil, 4, 4, 0))
	if err != nil || !bytes.Equal(got, []byte{4, 5, 6, 7}) {
		t.Errorf("read after failures = %v, %v", got, err)
	}
}

func TestReadsAreFIFO(t *testing.T) {
	p, dev, src := newPipeline(t)

	var first atomic.Pointer[Transfer]
	release := make(chan struct{})
	var overlapped atomic.Bool
	dev.mu.Lock()
	dev.onCopy = func(n int) {
		switch n {
		case 1:
			<-release
		case 2:
			select {
			case <-first.Load().Done():
			default:
				overlapped.Store(true)
			}
		}
	}
	dev.mu.Unlock()

	r1 := p.Read(src, nil, 16, 0, 0)
	first.Store(r1)
	r2 := p.Read(src, nil, 16, 8, 0)

	select {
	case <-r2.Done():
		t.Fatal("second read resolved while the first was blocked")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)

	if _, err := wait(t, r2); err != nil {
		t.Fatal(err)
	}
	select {
	case <-r1.Done():
	default:
		t.Fatal("first read unresolved after second")
	}
	if overlapped.Load() {
		t.Error("second read began its copy before the first resolved")
	}
}

func TestWaitHonorsContext(t *testing.T) {
	p, dev, src := newPipeline(t)
	release := make(chan struct{})
	dev.mu.Lock()
	dev.onCopy = func(int) { <-release }
	dev.mu.Unlock()

	tr := p.Read(src, nil, 4, 0, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait err = %v, want context.Canceled", err)
	}
	close(release)
	// The copy still completes.
	if _, err := wait(t, tr); err != nil {
		t.Errorf("transfer failed after abandoned wait: %v", err)
	}
}

func TestDisposeDrainsThenRejects(t *testing.T) {
	dev := &copyDevice{Device: &noop.Device{}}
	q := &noop.Queue{}
	p, err := New(dev, q, WithCapacity(64), WithPollInterval(time.Microsecond))
	if err != nil {
		t.Fatal(err)
	}
	src := newSource(t, dev, q)

	queued := []*Transfer{
		p.Read(src, nil, 4, 0, 0),
		p.Read(src, nil, 4, 4, 0),
		p.Read(src, nil, 4, 8, 0),
	}
	p.Dispose()
	for i, tr := range queued {
		if _, err := wait(t, tr); err != nil {
			t.Errorf("queued read %d: %v", i, err)
		}
	}
	if _, err := wait(t, p.Read(src, nil, 4, 0, 0)); !errors.Is(err, ErrDisposed) {
		t.Errorf("read after dispose err = %v, want ErrDisposed", err)
	}
	p.Dispose()
}

func TestAlignedSpan(t *testing.T) {
	tests := []struct {
		offset, size uint64
		start, span  uint64
	}{
		{0, 4, 0, 4},
		{0, 5, 0, 8},
		{3, 1, 0, 4},
		{3, 2, 0, 8},
		{5, 7, 4, 8},
		{8, 0, 8, 0},
	}
	for _, tt := range tests {
		start, span := alignedSpan(tt.offset, tt.size)
		if start != tt.start || span != tt.span {
			t.Errorf("alignedSpan(%d, %d) = %d, %d; want %d, %d",
				tt.offset, tt.size, start, span, tt.start, tt.span)
		}
	}
}
