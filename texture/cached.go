package texture

import (
	"context"
	"image"
	"strings"

	"github.com/gogpu/shaderlab/internal/cache"
	"github.com/gogpu/shaderlab/internal/logging"
)

// CachedLoader remembers decoded remote images so reloading a session or
// switching a channel back does not download the same URL twice.
//
// Only http(s) URIs are cached. Local files are read on every fetch since
// they are usually being edited alongside the shader.
type CachedLoader struct {
	next  Loader
	cache *cache.LRU[string, *image.RGBA]
}

var _ Loader = (*CachedLoader)(nil)

// NewCachedLoader wraps next with a cache holding up to budget bytes of
// decoded pixels.
func NewCachedLoader(next Loader, budget int64) *CachedLoader {
	return &CachedLoader{
		next: next,
		cache: cache.New[string, *image.RGBA](budget, func(img *image.RGBA) int64 {
			return int64(len(img.Pix))
		}),
	}
}

// Fetch returns the cached image for uri or loads it from the wrapped
// loader. Callers must not modify the returned pixels.
func (c *CachedLoader) Fetch(ctx context.Context, uri string) (*image.RGBA, error) {
	remote := isRemote(uri)
	if remote {
		if img, ok := c.cache.Get(uri); ok {
			logging.For("texture").Debug("cache hit", "uri", uri)
			return img, nil
		}
	}
	img, err := c.next.Fetch(ctx, uri)
	if err != nil {
		return nil, err
	}
	if remote {
		c.cache.Add(uri, img)
	}
	return img, nil
}

// Stats reports cache usage.
func (c *CachedLoader) Stats() cache.Stats {
	return c.cache.Stats()
}

// Purge drops every cached image.
func (c *CachedLoader) Purge() {
	c.cache.Clear()
}

func isRemote(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
