package offline0

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

// Service is the offline proxy: it installs and activates the configured
// generation and answers every request through the Engine.
type Service struct {
	cfg Config
	log zerolog.Logger

	storage   Storage
	engine    *Engine
	clients   *clientTracker
	lifecycle *Lifecycle

	cancel context.CancelFunc
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config, logger zerolog.Logger) (*Service, error) {
	storage, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.ResponseHeaderTimeout = cfg.timeout

	engine := NewEngine(EngineConfig{
		Strategy:         cfg.strategy,
		Scope:            cfg.origin,
		FallbackDocument: cfg.Fallback.Document,
		Transport:        transport,
		Logger:           logger,
		RefreshTimeout:   cfg.refreshTimeout,
		MaxBackground:    cfg.Network.MaxBackground,
	})
	clients := newClientTracker(cfg.clientIdleTimeout)

	var marker string
	if cfg.Storage.Driver != "memory" {
		marker = filepath.Join(cfg.Storage.Path, "CURRENT")
	}
	lc := NewLifecycle(LifecycleConfig{
		Generation:   cfg.Generation,
		Origin:       cfg.origin,
		Manifest:     cfg.manifest,
		Sitemaps:     cfg.Precache.Sitemaps,
		Policy:       cfg.policy,
		Concurrency:  cfg.Precache.Concurrency,
		SkipWaiting:  cfg.Lifecycle.SkipWaiting,
		ClientsClaim: cfg.Lifecycle.ClientsClaim,
		MarkerPath:   marker,
		Transport:    transport,
		Logger:       logger,
	}, storage, engine, clients)

	return &Service{
		cfg:       cfg,
		log:       logger.With().Str("component", "service").Logger(),
		storage:   storage,
		engine:    engine,
		clients:   clients,
		lifecycle: lc,
		stopCh:    make(chan struct{}),
	}, nil
}

func openStorage(cfg Config) (Storage, error) {
	maxBytes := int64(cfg.Storage.Max)
	switch cfg.Storage.Driver {
	case "leveldb":
		return NewLevelDBStorage(filepath.Join(cfg.Storage.Path, "leveldb"), maxBytes)
	case "sqlite":
		if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
			return nil, storeError(err, "open", cfg.Storage.Path)
		}
		return NewSQLiteStorage(filepath.Join(cfg.Storage.Path, "offline0.db"), maxBytes)
	default:
		return NewMemoryStorage(maxBytes), nil
	}
}

// Start runs the lifecycle in the background. Until the generation
// activates, requests pass straight through to the origin.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.lifecycle.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Error().Err(err).Msg("Lifecycle failed")
		}
	}()

	if every := s.cfg.logStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
}

func (s *Service) Close() {
	if s.cancel != nil {
		s.cancel()
	}
	close(s.stopCh)
	s.wg.Wait()
	s.engine.Wait()
	if err := s.storage.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Closing storage failed")
	}
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(hlog.NewHandler(s.log))
	r.Use(hlog.RequestIDHandler("req_id", "X-Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, d time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", d).
			Msg("Request")
	}))

	r.Post(controlPrefix+"/message", s.handleMessage)
	r.Get(controlPrefix+"/status", s.handleStatus)
	r.HandleFunc("/*", s.handleProxy)
	return r
}

func (s *Service) handleProxy(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	id := s.clientID(w, r)
	s.clients.Touch(id, s.engine.Current(), isNavigation(r))

	req, err := s.originRequest(r)
	if err != nil {
		log.Warn().Err(err).Msg("Could not build origin request")
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	res, err := s.engine.RoundTrip(req)
	if err != nil {
		log.Debug().Err(err).Msg("Upstream failed")
		setOutcomeHeaders(w.Header(), OutcomeError)
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}
	defer res.Body.Close()

	outcome := res.Header.Get(OutcomeHeader)
	if outcome == "" {
		outcome = OutcomeBypass
	}
	for k, vs := range res.Header {
		if strings.EqualFold(k, OutcomeHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(w.Header(), outcome)
	w.WriteHeader(res.StatusCode)
	if _, err := io.Copy(w, res.Body); err != nil {
		log.Debug().Err(err).Msg("Writing response body failed")
	}
}

// clientID returns the caller's client id, issuing a cookie on first contact.
func (s *Service) clientID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(ClientCookie); err == nil && c.Value != "" {
		return c.Value
	}
	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     ClientCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

func (s *Service) originRequest(r *http.Request) (*http.Request, error) {
	originURL := s.cfg.Server.Origin + r.URL.RequestURI()
	var body io.Reader
	if r.Body != nil && r.Body != http.NoBody && r.Method != http.MethodGet && r.Method != http.MethodHead {
		body = r.Body
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, originURL, body)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.ContentLength = r.ContentLength
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	return req, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(OutcomeHeader, outcome)
	}
	// If this is used from a browser in a CORS context, custom headers are not
	// readable by JS unless explicitly exposed.
	ensureExposedHeader(h, OutcomeHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) storageBytes() (int64, bool) {
	if sz, ok := s.storage.(interface{ TotalSize() int64 }); ok {
		return sz.TotalSize(), true
	}
	return 0, false
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.engine.snapshot()
			evt := s.log.Info().
				Str("generation", s.engine.Current()).
				Uint64("hits", ss.Hits).
				Uint64("misses", ss.Misses).
				Uint64("network", ss.Network).
				Uint64("fallbacks", ss.Fallbacks).
				Uint64("failures", ss.Failures).
				Str("respMin", formatBytes(ss.MinRespBytes)).
				Str("respAvg", formatBytes(ss.AvgRespBytes)).
				Str("respMax", formatBytes(ss.MaxRespBytes))
			if n, ok := s.storageBytes(); ok {
				evt = evt.Str("stored", formatBytes(uint64(n)))
			}
			mem, memOK := readProcMemory()
			if memOK {
				evt = evt.Str("rss", formatBytes(mem.RSS))
			}
			evt.Msg("Stats")

			if memOK && mem.Anonymous > 0 {
				s.log.Debug().
					Str("anon", formatBytes(mem.Anonymous)).
					Str("file", formatBytes(mem.File)).
					Str("shmem", formatBytes(mem.Shmem)).
					Msg("Memory")
			}
		}
	}
}
