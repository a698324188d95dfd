// Package fetch implements the request interceptor: cache-first for the app
// shell and static assets, network-first for API traffic.
package fetch

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"vybbi-edge/internal/cachestore"
)

// ErrBodyTooLarge is returned where a body must be snapshotted in full.
var ErrBodyTooLarge = errors.New("fetch: response body too large")

// Source tells where a response came from.
type Source string

const (
	SourceHit      Source = "hit"      // cache-first, served from cache
	SourceMiss     Source = "miss"     // cache-first, fetched and stored
	SourceNetwork  Source = "network"  // fetched, not stored by this request
	SourceFallback Source = "fallback" // network-first, network failed, served from cache
)

type Response struct {
	cachestore.Entry
	Source Source
	// Stream carries the body of a response too large to snapshot; Entry.Body
	// is empty then. Such responses are never cached. The caller closes it.
	Stream io.ReadCloser
}

// Close releases a streamed body; it is a no-op for snapshots.
func (r Response) Close() error {
	if r.Stream == nil {
		return nil
	}
	return r.Stream.Close()
}

type streamedBody struct {
	io.Reader
	io.Closer
}

// Cache is the part of a named cache the interceptor needs.
type Cache interface {
	Match(key cachestore.Key) (cachestore.Entry, error)
	PutAsync(key cachestore.Key, ent cachestore.Entry)
}

// Doer performs network requests; *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type Interceptor struct {
	cache   Cache
	net     Doer
	cls     Classifier
	origin  *url.URL
	maxBody int64
	metrics *Metrics
	log     *zap.Logger
}

type Options struct {
	// Origin is the worker scope origin; only responses from it are "basic".
	Origin       string
	Classifier   Classifier
	MaxBodyBytes int64
	Metrics      *Metrics
	Log          *zap.Logger
}

func New(cache Cache, network Doer, opts Options) (*Interceptor, error) {
	origin, err := url.Parse(opts.Origin)
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("fetch: invalid origin %q", opts.Origin)
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Interceptor{
		cache:   cache,
		net:     network,
		cls:     opts.Classifier,
		origin:  origin,
		maxBody: opts.MaxBodyBytes,
		metrics: opts.Metrics,
		log:     log,
	}, nil
}

// Intercept handles a GET request with an absolute URL. handled is false for
// requests this layer does not touch (anything but GET); the caller must
// forward those with default handling. The caller closes resp.
func (i *Interceptor) Intercept(req *http.Request) (resp Response, handled bool, err error) {
	strategy := i.cls.Classify(req)
	switch strategy {
	case StrategyNetworkFirst:
		resp, err = i.networkFirst(req)
	case StrategyCacheFirst:
		resp, err = i.cacheFirst(req)
	default:
		i.metrics.observe(strategy, "passthrough")
		return Response{}, false, nil
	}
	if err != nil {
		i.metrics.observe(strategy, "error")
		return Response{}, true, err
	}
	i.metrics.observe(strategy, string(resp.Source))
	return resp, true, nil
}

func (i *Interceptor) networkFirst(req *http.Request) (Response, error) {
	key := cachestore.GetKey(req.URL.String())

	resp, err := i.fetch(req)
	if err != nil {
		cached, cerr := i.cache.Match(key)
		if cerr == nil {
			i.log.Debug("network failed, serving cached", zap.String("url", req.URL.String()), zap.Error(err))
			return Response{Entry: cached, Source: SourceFallback}, nil
		}
		if !errors.Is(cerr, cachestore.ErrNotFound) {
			i.log.Warn("cache lookup failed", zap.String("url", req.URL.String()), zap.Error(cerr))
		}
		return Response{}, err
	}

	if resp.Stream == nil && resp.OK() {
		i.cache.PutAsync(key, resp.Clone())
	}
	resp.Source = SourceNetwork
	return resp, nil
}

func (i *Interceptor) cacheFirst(req *http.Request) (Response, error) {
	key := cachestore.GetKey(req.URL.String())

	cached, err := i.cache.Match(key)
	if err == nil {
		return Response{Entry: cached, Source: SourceHit}, nil
	}
	if !errors.Is(err, cachestore.ErrNotFound) {
		i.log.Warn("cache lookup failed", zap.String("url", req.URL.String()), zap.Error(err))
	}

	resp, err := i.fetch(req)
	if err != nil {
		return Response{}, err
	}
	if resp.Stream != nil || resp.Status != http.StatusOK || resp.Type != cachestore.TypeBasic {
		resp.Source = SourceNetwork
		return resp, nil
	}
	i.cache.PutAsync(key, resp.Clone())
	resp.Source = SourceMiss
	return resp, nil
}

// fetch reads the response into a snapshot; callers clone it before handing
// one copy to the cache. A body longer than maxBody is not snapshotted: the
// buffered prefix and the unread rest are returned as Stream, headers intact.
func (i *Interceptor) fetch(req *http.Request) (Response, error) {
	resp, err := i.net.Do(req)
	if err != nil {
		return Response{}, err
	}
	typ := i.responseType(req, resp)

	r := io.Reader(resp.Body)
	if i.maxBody > 0 {
		r = io.LimitReader(resp.Body, i.maxBody+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		resp.Body.Close()
		return Response{}, err
	}

	if i.maxBody > 0 && int64(len(body)) > i.maxBody {
		i.log.Debug("response too large to cache, streaming", zap.String("url", req.URL.String()), zap.Int64("limit", i.maxBody))
		return Response{
			Entry: cachestore.Entry{
				Status: resp.StatusCode,
				Header: resp.Header.Clone(),
				Type:   typ,
			},
			Stream: streamedBody{Reader: io.MultiReader(bytes.NewReader(body), resp.Body), Closer: resp.Body},
		}, nil
	}
	resp.Body.Close()

	ent := cachestore.NewEntry(resp.StatusCode, resp.Header, body, typ)
	ent.Header.Del("Content-Length")
	return Response{Entry: ent}, nil
}

// responseType judges the final URL after redirects when the transport
// reports it.
func (i *Interceptor) responseType(req *http.Request, resp *http.Response) cachestore.ResponseType {
	u := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		u = resp.Request.URL
	}
	if strings.EqualFold(u.Scheme, i.origin.Scheme) && strings.EqualFold(u.Host, i.origin.Host) {
		return cachestore.TypeBasic
	}
	return cachestore.TypeCORS
}
