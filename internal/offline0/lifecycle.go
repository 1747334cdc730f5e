package offline0

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	perrors "github.com/jmgilman/go/errors"
	natomic "github.com/natefinch/atomic"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrPrecacheIncomplete is returned by Install under the all-or-nothing policy
// when at least one manifest entry could not be fetched. The generation still
// installs; nothing from the manifest was stored.
var ErrPrecacheIncomplete = errors.New("precache incomplete")

type PrecachePolicy string

const (
	BestEffort   PrecachePolicy = "best-effort"
	AllOrNothing PrecachePolicy = "all-or-nothing"
)

type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// MessageSkipWaiting forces a waiting generation to activate now.
const MessageSkipWaiting = "SKIP_WAITING"

type Message struct {
	Type string `json:"type"`
}

type LifecycleConfig struct {
	Generation string
	// Origin resolves relative manifest entries.
	Origin       *url.URL
	Manifest     []string
	Sitemaps     []string
	Policy       PrecachePolicy
	Concurrency  int
	SkipWaiting  bool
	ClientsClaim bool
	// MarkerPath records the active generation across restarts. Empty disables.
	MarkerPath   string
	PollInterval time.Duration
	Transport    http.RoundTripper
	Logger       zerolog.Logger
}

type LifecycleStatus struct {
	Generation     string `json:"generation"`
	Previous       string `json:"previous,omitempty"`
	State          State  `json:"state"`
	Precached      int64  `json:"precached"`
	PrecacheFailed int64  `json:"precacheFailed"`
	PrecacheError  string `json:"precacheError,omitempty"`
}

// Lifecycle installs and activates one generation.
type Lifecycle struct {
	cfg     LifecycleConfig
	storage Storage
	engine  *Engine
	clients ClientRegistry
	client  *http.Client
	log     zerolog.Logger

	mu          sync.Mutex
	state       State
	previous    string
	cache       Cache
	precacheErr error

	skipOnce sync.Once
	skipCh   chan struct{}

	precached      atomic.Int64
	precacheFailed atomic.Int64
}

func NewLifecycle(cfg LifecycleConfig, storage Storage, engine *Engine, clients ClientRegistry) *Lifecycle {
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.Policy == "" {
		cfg.Policy = BestEffort
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return &Lifecycle{
		cfg:     cfg,
		storage: storage,
		engine:  engine,
		clients: clients,
		client:  &http.Client{Transport: cfg.Transport},
		log:     cfg.Logger.With().Str("component", "lifecycle").Str("generation", cfg.Generation).Logger(),
		state:   StateParsed,
		skipCh:  make(chan struct{}),
	}
}

func (l *Lifecycle) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.log.Info().Str("state", string(s)).Msg("Lifecycle state")
}

func (l *Lifecycle) Status() LifecycleStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := LifecycleStatus{
		Generation:     l.cfg.Generation,
		Previous:       l.previous,
		State:          l.state,
		Precached:      l.precached.Load(),
		PrecacheFailed: l.precacheFailed.Load(),
	}
	if l.precacheErr != nil {
		st.PrecacheError = l.precacheErr.Error()
	}
	return st
}

// SkipWaiting lets Activate proceed without waiting for clients of the
// previous generation to go away. Safe to call any number of times.
func (l *Lifecycle) SkipWaiting() {
	l.skipOnce.Do(func() {
		l.log.Debug().Msg("Skip waiting requested")
		close(l.skipCh)
	})
}

// HandleMessage dispatches a control message. Unknown types are ignored.
func (l *Lifecycle) HandleMessage(msg Message) {
	switch msg.Type {
	case MessageSkipWaiting:
		l.SkipWaiting()
	default:
		l.log.Debug().Str("type", msg.Type).Msg("Ignoring unknown message")
	}
}

// Run brings the configured generation to activated. A generation already
// active on a previous run is promoted without reinstalling; otherwise the
// previous generation keeps serving until the new one activates.
func (l *Lifecycle) Run(ctx context.Context) error {
	gen := l.cfg.Generation
	prev := l.readMarker()

	if prev != "" {
		has, err := l.storage.Has(ctx, prev)
		if err != nil {
			l.log.Warn().Err(err).Str("previous", prev).Msg("Could not check previous generation")
		}
		if has {
			c, err := l.storage.Open(ctx, prev)
			if err != nil {
				l.log.Warn().Err(err).Str("previous", prev).Msg("Could not open previous generation")
			} else if prev == gen {
				l.mu.Lock()
				l.cache = c
				l.mu.Unlock()
				l.engine.Promote(gen, c)
				l.setState(StateActivated)
				return nil
			} else {
				l.mu.Lock()
				l.previous = prev
				l.mu.Unlock()
				l.engine.Promote(prev, c)
			}
		}
	}

	if err := l.Install(ctx); err != nil {
		if !errors.Is(err, ErrPrecacheIncomplete) {
			return err
		}
		l.log.Error().Err(err).Msg("Precache incomplete, activating anyway")
	}
	return l.Activate(ctx)
}

// Install opens the generation's store and precaches the manifest.
func (l *Lifecycle) Install(ctx context.Context) error {
	l.setState(StateInstalling)
	if l.cfg.SkipWaiting {
		l.SkipWaiting()
	}

	ev := newExtendableEvent(ctx, "install")
	var precacheErr error
	ev.WaitUntil(func(ctx context.Context) error {
		c, err := l.storage.Open(ctx, l.cfg.Generation)
		if err != nil {
			return err
		}
		l.mu.Lock()
		l.cache = c
		l.mu.Unlock()
		precacheErr = l.precache(ctx, c)
		return nil
	})
	if err := ev.Wait(); err != nil {
		l.setState(StateRedundant)
		return perrors.Wrap(err, perrors.GetCode(err), "install failed")
	}

	l.mu.Lock()
	l.precacheErr = precacheErr
	l.mu.Unlock()
	l.setState(StateInstalled)
	return precacheErr
}

// Activate waits for takeover, drops stale generations and starts serving
// the installed one.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.mu.Lock()
	state, c, prev := l.state, l.cache, l.previous
	l.mu.Unlock()
	if state != StateInstalled {
		return perrors.Newf(perrors.CodeConflict, "cannot activate from state %s", state)
	}

	if err := l.waitForTakeover(ctx, prev); err != nil {
		return err
	}
	l.setState(StateActivating)

	ev := newExtendableEvent(ctx, "activate")
	ev.WaitUntil(l.deleteStale)
	if err := ev.Wait(); err != nil {
		l.setState(StateInstalled)
		return err
	}

	l.engine.Promote(l.cfg.Generation, c)
	if err := l.writeMarker(); err != nil {
		l.log.Warn().Err(err).Str("path", l.cfg.MarkerPath).Msg("Could not persist generation marker")
	}
	if l.cfg.ClientsClaim && l.clients != nil {
		if err := l.clients.Claim(ctx, l.cfg.Generation); err != nil {
			l.log.Warn().Err(err).Msg("Claiming clients failed")
		}
	}
	l.setState(StateActivated)
	return nil
}

func (l *Lifecycle) waitForTakeover(ctx context.Context, prev string) error {
	if prev == "" || prev == l.cfg.Generation {
		return nil
	}
	t := time.NewTicker(l.cfg.PollInterval)
	defer t.Stop()
	for {
		if !l.previousInUse(ctx, prev) {
			return nil
		}
		select {
		case <-l.skipCh:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (l *Lifecycle) previousInUse(ctx context.Context, prev string) bool {
	if l.clients == nil {
		return false
	}
	cs, err := l.clients.Clients(ctx)
	if err != nil {
		l.log.Warn().Err(err).Msg("Enumerating clients failed")
		return true
	}
	for _, c := range cs {
		if c.Controller == prev {
			return true
		}
	}
	return false
}

// deleteStale is best-effort: stale generations it cannot list or delete
// stay behind until the next activation.
func (l *Lifecycle) deleteStale(ctx context.Context) error {
	names, err := l.storage.Names(ctx)
	if err != nil {
		l.log.Warn().Err(err).Msg("Listing generations failed, keeping stale ones")
		return ctx.Err()
	}
	for _, name := range names {
		if name == l.cfg.Generation {
			continue
		}
		if err := l.storage.Delete(ctx, name); err != nil {
			l.log.Warn().Err(err).Str("stale", name).Msg("Deleting stale generation failed")
			continue
		}
		l.log.Info().Str("stale", name).Msg("Deleted stale generation")
	}
	return nil
}

func (l *Lifecycle) manifestURLs(ctx context.Context) []*url.URL {
	entries := append([]string(nil), l.cfg.Manifest...)
	if len(l.cfg.Sitemaps) > 0 {
		found, err := discoverSitemapURLs(ctx, l.client, l.cfg.Origin, l.cfg.Sitemaps)
		if err != nil {
			l.log.Warn().Err(err).Msg("Sitemap discovery failed")
		}
		l.log.Debug().Int("urls", len(found)).Msg("Sitemap discovery")
		entries = append(entries, found...)
	}
	urls, invalid := resolveManifest(l.cfg.Origin, entries)
	for _, raw := range invalid {
		l.log.Warn().Str("entry", raw).Msg("Skipping invalid manifest entry")
	}
	return urls
}

type precacheResult struct {
	key string
	ent *Entry
}

func (l *Lifecycle) precache(ctx context.Context, c Cache) error {
	urls := l.manifestURLs(ctx)
	if len(urls) == 0 {
		return nil
	}
	l.log.Info().Int("urls", len(urls)).Str("policy", string(l.cfg.Policy)).Msg("Precaching")

	results := make([]*precacheResult, len(urls))
	var g errgroup.Group
	g.SetLimit(l.cfg.Concurrency)
	for i, u := range urls {
		g.Go(func() error {
			ent, err := l.fetchEntry(ctx, u)
			if err != nil {
				l.precacheFailed.Add(1)
				l.log.Warn().Err(err).Str("url", u.String()).Msg("Precache entry failed")
				return err
			}
			key := requestKey(u)
			if l.cfg.Policy == AllOrNothing {
				results[i] = &precacheResult{key: key, ent: ent}
				return nil
			}
			if err := c.Put(ctx, key, ent); err != nil {
				l.precacheFailed.Add(1)
				l.log.Warn().Err(err).Str("url", u.String()).Msg("Precache store failed")
				return nil
			}
			l.precached.Add(1)
			return nil
		})
	}
	err := g.Wait()
	if l.cfg.Policy != AllOrNothing {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %d of %d entries failed: %v", ErrPrecacheIncomplete, l.precacheFailed.Load(), len(urls), err)
	}
	for _, r := range results {
		if err := c.Put(ctx, r.key, r.ent); err != nil {
			l.precacheFailed.Add(1)
			l.log.Warn().Err(err).Str("key", r.key).Msg("Precache store failed")
			l.discardPrecache(ctx)
			return fmt.Errorf("%w: storing %s: %v", ErrPrecacheIncomplete, r.key, err)
		}
	}
	l.precached.Add(int64(len(results)))
	return nil
}

// discardPrecache empties the generation being installed so a failed
// all-or-nothing precache leaves no partial content behind.
func (l *Lifecycle) discardPrecache(ctx context.Context) {
	if err := l.storage.Delete(ctx, l.cfg.Generation); err != nil {
		l.log.Error().Err(err).Msg("Could not discard partial precache")
		return
	}
	c, err := l.storage.Open(ctx, l.cfg.Generation)
	if err != nil {
		l.log.Error().Err(err).Msg("Could not reopen generation after discarding precache")
		return
	}
	l.mu.Lock()
	l.cache = c
	l.mu.Unlock()
}

func (l *Lifecycle) fetchEntry(ctx context.Context, u *url.URL) (*Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	res, err := l.cfg.Transport.RoundTrip(req)
	if err != nil {
		return nil, networkError(err, u.String())
	}
	if res.StatusCode != http.StatusOK {
		_ = res.Body.Close()
		return nil, perrors.WithContext(
			perrors.Newf(perrors.CodeNotFound, "unexpected status %d", res.StatusCode), "url", u.String())
	}
	if res.Request == nil {
		res.Request = req
	}
	typ := classifyResponse(l.cfg.Origin, u, res.Header)
	if typ == ResponseOpaque {
		_ = res.Body.Close()
		return nil, notCacheableError(requestKey(u), "opaque response")
	}
	_, ent, err := splitResponse(res, typ)
	if err != nil {
		return nil, networkError(err, u.String())
	}
	return ent, nil
}

func (l *Lifecycle) readMarker() string {
	if l.cfg.MarkerPath == "" {
		return ""
	}
	b, err := os.ReadFile(l.cfg.MarkerPath)
	if err != nil {
		if !os.IsNotExist(err) {
			l.log.Warn().Err(err).Str("path", l.cfg.MarkerPath).Msg("Could not read generation marker")
		}
		return ""
	}
	return strings.TrimSpace(string(b))
}

func (l *Lifecycle) writeMarker() error {
	if l.cfg.MarkerPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.cfg.MarkerPath), 0o755); err != nil {
		return err
	}
	return natomic.WriteFile(l.cfg.MarkerPath, strings.NewReader(l.cfg.Generation+"\n"))
}
