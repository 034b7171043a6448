// Package loader fetches maps and script sources from http(s) URLs or the
// local disk, keeping parsed maps in an expiring cache.
package loader

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/go-pkgz/expirable-cache/v3"
	"github.com/pkg/errors"
	"github.com/zond/mapscript"
	"github.com/zond/mapscript/tilemap"
)

const (
	maxBodySize = 32 << 20
	maxMaps     = 64
)

type Loader struct {
	client *http.Client
	maps   cache.Cache[string, *tilemap.Map]
}

func New(ttl time.Duration) *Loader {
	return &Loader{
		client: &http.Client{Timeout: 30 * time.Second},
		maps:   cache.NewCache[string, *tilemap.Map]().WithTTL(ttl).WithMaxKeys(maxMaps).WithLRU(),
	}
}

// Resolve returns ref relative to base, the way a browser resolves a link
// found in the document at base.
func Resolve(base, ref string) string {
	refURL, err := url.Parse(ref)
	if err != nil || refURL.IsAbs() {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	if baseURL.Scheme == "" {
		if filepath.IsAbs(ref) {
			return ref
		}
		return filepath.Join(filepath.Dir(base), ref)
	}
	return baseURL.ResolveReference(refURL).String()
}

func (l *Loader) fetch(ctx context.Context, locator string) ([]byte, error) {
	u, err := url.Parse(locator)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %q", locator)
	}
	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, locator, nil)
		if err != nil {
			return nil, mapscript.WithStack(err)
		}
		resp, err := l.client.Do(req)
		if err != nil {
			return nil, mapscript.WithStack(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, errors.Errorf("fetching %q: %s", locator, resp.Status)
		}
		return readLimited(resp.Body)
	case "file":
		return readFile(u.Path)
	case "":
		return readFile(locator)
	default:
		return nil, errors.Errorf("unsupported scheme %q in %q", u.Scheme, locator)
	}
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mapscript.WithStack(err)
	}
	defer f.Close()
	return readLimited(f)
}

func readLimited(r io.Reader) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		return nil, mapscript.WithStack(err)
	}
	if len(b) > maxBodySize {
		return nil, errors.Errorf("body larger than %v bytes", maxBodySize)
	}
	return b, nil
}

// Map returns the parsed map at locator, from the cache when possible.
func (l *Loader) Map(ctx context.Context, locator string) (*tilemap.Map, error) {
	if m, found := l.maps.Get(locator); found {
		return m, nil
	}
	b, err := l.fetch(ctx, locator)
	if err != nil {
		return nil, err
	}
	m, err := tilemap.Parse(b)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing map %q", locator)
	}
	l.maps.Set(locator, m, 0)
	return m, nil
}

// Source returns the script source at locator. Sources are never cached,
// so re-registering a script picks up edits.
func (l *Loader) Source(ctx context.Context, locator string) (string, error) {
	b, err := l.fetch(ctx, locator)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Preload warms the map cache. Failures are logged and skipped.
func (l *Loader) Preload(ctx context.Context, locators []string) {
	for _, locator := range locators {
		if _, err := l.Map(ctx, locator); err != nil {
			log.Printf("preloading %q: %v", locator, err)
		}
	}
}

// Cached reports whether the map at locator is cached.
func (l *Loader) Cached(locator string) bool {
	_, found := l.maps.Peek(locator)
	return found
}

// Forget drops every cached map.
func (l *Loader) Forget() {
	l.maps.Purge()
}
