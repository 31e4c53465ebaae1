// Package texture loads images for the shader's sampled texture channels.
//
// Images come from http(s) URLs, file:// URIs or plain paths. PNG, JPEG
// and GIF are decoded by the standard library; BMP, TIFF and WebP by
// golang.org/x/image. Every image is converted to tightly packed RGBA and
// optionally downscaled so the longest side fits a limit.
package texture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	// Decoders registered with image.Decode.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/gogpu/shaderlab/internal/logging"
)

// Fetch errors.
var (
	// ErrUnsupportedScheme is returned for URIs other than http, https, file
	// and plain paths.
	ErrUnsupportedScheme = errors.New("texture: unsupported URI scheme")

	// ErrTooLarge is returned when the encoded image exceeds the size limit.
	ErrTooLarge = errors.New("texture: image exceeds size limit")

	// ErrBadStatus is returned for non-2xx HTTP responses.
	ErrBadStatus = errors.New("texture: unexpected HTTP status")
)

// Defaults.
const (
	DefaultMaxBytes     = 32 << 20
	DefaultMaxDimension = 4096
	DefaultTimeout      = 30 * time.Second
)

// Loader fetches decoded images by URI.
type Loader interface {
	Fetch(ctx context.Context, uri string) (*image.RGBA, error)
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient sets the client used for http(s) URIs.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithMaxBytes limits the encoded size of a fetched image.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// WithMaxDimension downscales images whose longest side exceeds n. Zero
// disables downscaling.
func WithMaxDimension(n int) Option {
	return func(f *Fetcher) { f.maxDim = n }
}

// Fetcher implements Loader for http(s), file:// and plain paths.
//
// Fetcher is safe for concurrent use.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
	maxDim   int
}

var _ Loader = (*Fetcher)(nil)

// NewFetcher creates a Fetcher with default limits.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: DefaultTimeout},
		maxBytes: DefaultMaxBytes,
		maxDim:   DefaultMaxDimension,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch loads and decodes the image at uri.
func (f *Fetcher) Fetch(ctx context.Context, uri string) (*image.RGBA, error) {
	data, err := f.read(ctx, uri)
	if err != nil {
		return nil, err
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("texture: decode %s: %w", uri, err)
	}
	out := ToRGBA(img, f.maxDim)
	logging.For("texture").Debug("fetched", "uri", uri, "format", format,
		"width", out.Bounds().Dx(), "height", out.Bounds().Dy())
	return out, nil
}

func (f *Fetcher) read(ctx context.Context, uri string) ([]byte, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("texture: parse %q: %w", uri, err)
	}
	switch u.Scheme {
	case "http", "https":
		return f.readHTTP(ctx, u.String())
	case "file":
		return f.readFile(u.Path)
	case "":
		return f.readFile(uri)
	default:
		// A single letter is a Windows drive, not a scheme.
		if len(u.Scheme) == 1 {
			return f.readFile(uri)
		}
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func (f *Fetcher) readHTTP(ctx context.Context, uri string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("texture: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("texture: get %s: %w", uri, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s from %s", ErrBadStatus, resp.Status, uri)
	}
	if resp.ContentLength > f.maxBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, resp.ContentLength)
	}
	return f.readLimited(resp.Body)
}

func (f *Fetcher) readFile(path string) ([]byte, error) {
	file, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("texture: %w", err)
	}
	defer file.Close()
	return f.readLimited(file)
}

func (f *Fetcher) readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("texture: read: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes", ErrTooLarge, f.maxBytes)
	}
	return data, nil
}

// ToRGBA converts img to RGBA with its origin at (0, 0). When maxDim is
// positive and the longest side exceeds it, the image is scaled down
// keeping its aspect ratio.
func ToRGBA(img image.Image, maxDim int) *image.RGBA {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if maxDim > 0 && (w > maxDim || h > maxDim) {
		if w >= h {
			w, h = maxDim, max(h*maxDim/w, 1)
		} else {
			w, h = max(w*maxDim/h, 1), maxDim
		}
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), img, b, xdraw.Src, nil)
		return dst
	}

	if rgba, ok := img.(*image.RGBA); ok && b.Min == (image.Point{}) && rgba.Stride == w*4 {
		return rgba
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return dst
}

// FetchAll loads every URI in uris concurrently, keyed like the input.
// The first failure cancels the rest.
func FetchAll(ctx context.Context, l Loader, uris map[string]string) (map[string]*image.RGBA, error) {
	g, ctx := errgroup.WithContext(ctx)

	var mu sync.Mutex
	out := make(map[string]*image.RGBA, len(uris))
	for key, uri := range uris {
		g.Go(func() error {
			img, err := l.Fetch(ctx, uri)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			mu.Lock()
			out[key] = img
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
