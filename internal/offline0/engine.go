package offline0

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// OutcomeHeader is set on every response the engine produces itself.
const OutcomeHeader = "X-Offline0"

type EngineConfig struct {
	Strategy Strategy
	// Scope is the application origin. Responses from other origins are
	// classified as cors or opaque. Nil treats every response as basic.
	Scope *url.URL
	// FallbackDocument is served to navigation requests that fail under
	// network-first with nothing stored. Resolved against Scope.
	FallbackDocument string
	// Transport is the network. Defaults to http.DefaultTransport.
	Transport      http.RoundTripper
	Logger         zerolog.Logger
	RefreshTimeout time.Duration
	// MaxBackground bounds concurrent background refreshes. Refreshes beyond
	// it are skipped.
	MaxBackground int
}

type generation struct {
	name  string
	cache Cache
}

// Engine is an http.RoundTripper that applies one caching strategy against
// the current generation.
type Engine struct {
	strategy       Strategy
	scope          *url.URL
	fallback       string
	transport      http.RoundTripper
	log            zerolog.Logger
	refreshTimeout time.Duration

	current atomic.Pointer[generation]

	bgSem     chan struct{}
	wg        sync.WaitGroup
	refreshes singleflight.Group

	putLog *rateLimitedLogger
	stats  *statsCollector
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Strategy == "" {
		cfg.Strategy = NetworkFirst
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = 30 * time.Second
	}
	if cfg.MaxBackground <= 0 {
		cfg.MaxBackground = 32
	}
	if cfg.FallbackDocument == "" {
		cfg.FallbackDocument = "/"
	}
	log := cfg.Logger.With().Str("component", "engine").Str("strategy", string(cfg.Strategy)).Logger()
	return &Engine{
		strategy:       cfg.Strategy,
		scope:          cfg.Scope,
		fallback:       cfg.FallbackDocument,
		transport:      cfg.Transport,
		log:            log,
		refreshTimeout: cfg.RefreshTimeout,
		bgSem:          make(chan struct{}, cfg.MaxBackground),
		putLog:         newRateLimitedLogger(log, time.Minute),
		stats:          newStatsCollector(),
	}
}

// Promote makes name the generation every subsequent request runs against.
func (e *Engine) Promote(name string, c Cache) {
	e.current.Store(&generation{name: name, cache: c})
	e.log.Info().Str("generation", name).Msg("Serving generation")
}

// Current returns the generation in use, or "" before the first Promote.
func (e *Engine) Current() string {
	if g := e.current.Load(); g != nil {
		return g.name
	}
	return ""
}

func (e *Engine) Strategy() Strategy { return e.strategy }

// Wait blocks until all background refreshes and store writes started so far
// have finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Eligible reports whether req would be handled by a caching strategy rather
// than passed straight to the network.
func (e *Engine) Eligible(req *http.Request) bool {
	return req.Method == http.MethodGet && cacheableScheme(req.URL) && e.current.Load() != nil
}

// RoundTrip implements http.RoundTripper.
func (e *Engine) RoundTrip(req *http.Request) (*http.Response, error) {
	if !e.Eligible(req) {
		return e.transport.RoundTrip(req)
	}
	gen := e.current.Load()
	key := requestKey(req.URL)

	var (
		res *http.Response
		err error
	)
	switch e.strategy {
	case CacheFirst:
		res, err = e.cacheFirst(req, gen, key)
	case StaleWhileRevalidate:
		res, err = e.staleWhileRevalidate(req, gen, key)
	default:
		res, err = e.networkFirst(req, gen, key)
	}
	if err != nil {
		e.stats.Outcome(OutcomeError)
		return nil, err
	}
	e.stats.Outcome(res.Header.Get(OutcomeHeader))
	if res.ContentLength >= 0 {
		e.stats.Observe(int(res.ContentLength))
	}
	return res, nil
}

func (e *Engine) cacheFirst(req *http.Request, gen *generation, key string) (*http.Response, error) {
	if ent := e.lookup(req.Context(), gen, key); ent != nil {
		e.refreshAsync(req, gen, key)
		return serveEntry(ent, req, OutcomeHit), nil
	}
	res, err := e.fetch(req)
	if err == nil {
		res, err = e.storeAndReturn(req, gen, key, res, OutcomeMiss)
	}
	if err != nil {
		e.log.Debug().Err(err).Str("key", key).Msg("Network unavailable, nothing stored")
		return notFound(req), nil
	}
	return res, nil
}

func (e *Engine) networkFirst(req *http.Request, gen *generation, key string) (*http.Response, error) {
	res, err := e.fetch(req)
	if err == nil {
		res, err = e.storeAndReturn(req, gen, key, res, OutcomeNetwork)
		if err == nil {
			return res, nil
		}
	}
	log := e.log.With().Str("key", key).Logger()
	log.Debug().Err(err).Msg("Network failed, trying store")

	if ent := e.lookup(req.Context(), gen, key); ent != nil {
		return serveEntry(ent, req, OutcomeHit), nil
	}
	if isNavigation(req) {
		if fb := e.fallbackURL(req); fb != nil {
			if ent := e.lookup(req.Context(), gen, requestKey(fb)); ent != nil {
				log.Debug().Str("fallback", fb.String()).Msg("Serving fallback document")
				return serveEntry(ent, req, OutcomeFallback), nil
			}
		}
	}
	return nil, err
}

func (e *Engine) staleWhileRevalidate(req *http.Request, gen *generation, key string) (*http.Response, error) {
	if ent := e.lookup(req.Context(), gen, key); ent != nil {
		e.refreshAsync(req, gen, key)
		return serveEntry(ent, req, OutcomeHit), nil
	}
	res, err := e.fetch(req)
	if err != nil {
		return nil, err
	}
	return e.storeAndReturn(req, gen, key, res, OutcomeMiss)
}

func (e *Engine) fetch(req *http.Request) (*http.Response, error) {
	res, err := e.transport.RoundTrip(req)
	if err != nil {
		return nil, networkError(err, req.URL.String())
	}
	return res, nil
}

// lookup treats store read errors as a miss.
func (e *Engine) lookup(ctx context.Context, gen *generation, key string) *Entry {
	ent, err := gen.cache.Get(ctx, key)
	if err != nil {
		e.log.Warn().Err(err).Str("key", key).Str("generation", gen.name).Msg("Store read failed")
		return nil
	}
	return ent
}

// storeAndReturn hands back the live response and, when cacheable, schedules
// a write of an independent copy of its body.
func (e *Engine) storeAndReturn(req *http.Request, gen *generation, key string, res *http.Response, outcome string) (*http.Response, error) {
	if res.Request == nil {
		res.Request = req
	}
	typ := e.responseType(req, res)
	if !cacheable(res, typ) {
		res.Header.Set(OutcomeHeader, OutcomeNetwork)
		return res, nil
	}
	live, ent, err := splitResponse(res, typ)
	if err != nil {
		return nil, networkError(err, req.URL.String())
	}
	e.putAsync(gen, key, ent)
	live.Header.Set(OutcomeHeader, outcome)
	return live, nil
}

func (e *Engine) putAsync(gen *generation, key string, ent *Entry) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.refreshTimeout)
		defer cancel()
		e.put(ctx, gen, key, ent)
	}()
}

func (e *Engine) put(ctx context.Context, gen *generation, key string, ent *Entry) {
	if cur := e.current.Load(); cur == nil || cur.name != gen.name {
		e.log.Debug().Str("key", key).Str("generation", gen.name).Msg("Generation superseded, dropping write")
		return
	}
	if err := gen.cache.Put(ctx, key, ent); err != nil {
		e.stats.storeFailures.Add(1)
		e.putLog.Warn(err, key, "Store write failed")
		return
	}
	e.log.Trace().Str("key", key).Int("bytes", len(ent.Body)).Msg("Stored")
}

// refreshAsync refetches key in the background and writes the result back.
// Failures never reach the caller, which has already been answered.
func (e *Engine) refreshAsync(req *http.Request, gen *generation, key string) {
	select {
	case e.bgSem <- struct{}{}:
	default:
		e.log.Debug().Str("key", key).Msg("Background queue full, skipping refresh")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.refreshTimeout)
	r := req.Clone(ctx)
	r.Body = nil
	// a refresh always fetches the full representation
	r.Header.Del("Range")
	r.Header.Del("If-Range")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.bgSem }()
		defer cancel()

		_, _, _ = e.refreshes.Do(gen.name+"\x00"+key, func() (interface{}, error) {
			e.refreshOnce(ctx, r, gen, key)
			return nil, nil
		})
	}()
}

func (e *Engine) refreshOnce(ctx context.Context, req *http.Request, gen *generation, key string) {
	log := e.log.With().Str("key", key).Logger()
	res, err := e.transport.RoundTrip(req)
	if err != nil {
		log.Debug().Err(err).Msg("Refresh failed")
		return
	}
	if res.Request == nil {
		res.Request = req
	}
	typ := e.responseType(req, res)
	if !cacheable(res, typ) {
		_ = res.Body.Close()
		log.Debug().Int("status", res.StatusCode).Str("type", string(typ)).Msg("Refresh not cacheable")
		return
	}
	_, ent, err := splitResponse(res, typ)
	if err != nil {
		log.Debug().Err(err).Msg("Refresh body read failed")
		return
	}
	e.stats.refreshes.Add(1)
	if cur, err := gen.cache.Get(ctx, key); err == nil && cur != nil && cur.Hash32 == ent.Hash32 && cur.Status == ent.Status {
		log.Trace().Msg("Refresh unchanged")
		return
	}
	e.put(ctx, gen, key, ent)
}

func (e *Engine) fallbackURL(req *http.Request) *url.URL {
	ref, err := url.Parse(e.fallback)
	if err != nil {
		return nil
	}
	base := e.scope
	if base == nil {
		base = req.URL
	}
	return base.ResolveReference(ref)
}

func (e *Engine) responseType(req *http.Request, res *http.Response) ResponseType {
	return classifyResponse(e.scope, req.URL, res.Header)
}

func classifyResponse(scope, u *url.URL, h http.Header) ResponseType {
	if scope == nil || sameOrigin(scope, u) {
		return ResponseBasic
	}
	acao := strings.TrimSpace(h.Get("Access-Control-Allow-Origin"))
	if acao == "*" || strings.EqualFold(acao, originOf(scope)) {
		return ResponseCORS
	}
	return ResponseOpaque
}

func sameOrigin(a, b *url.URL) bool {
	return strings.EqualFold(originOf(a), originOf(b))
}

func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}

func cacheable(res *http.Response, typ ResponseType) bool {
	if typ == ResponseOpaque {
		return false
	}
	if res.StatusCode != http.StatusOK {
		return false
	}
	return !strings.Contains(strings.ToLower(res.Header.Get("Cache-Control")), "no-store")
}

func isNavigation(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Mode"), "navigate") {
		return true
	}
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Dest"), "document") {
		return true
	}
	return strings.Contains(strings.ToLower(req.Header.Get("Accept")), "text/html")
}

func serveEntry(ent *Entry, req *http.Request, outcome string) *http.Response {
	res := ent.Response(req)
	if ent.StoredAt > 0 {
		if age := ent.Age(time.Now()); age > 0 {
			res.Header.Set("Age", strconv.FormatInt(int64(age/time.Second), 10))
		}
	}
	res.Header.Set(OutcomeHeader, outcome)
	return res
}

func notFound(req *http.Request) *http.Response {
	ent := &Entry{Status: http.StatusNotFound, Header: http.Header{}}
	return serveEntry(ent, req, OutcomeNotFound)
}

func (e *Engine) snapshot() statsSnapshot {
	return e.stats.Snapshot()
}
