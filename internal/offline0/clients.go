package offline0

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ClientCookie identifies one browsing context across requests.
const ClientCookie = "offline0_client"

type Client struct {
	ID         string    `json:"id"`
	Controller string    `json:"controller"`
	LastSeen   time.Time `json:"lastSeen"`
}

// ClientRegistry enumerates open clients and takes control of them.
type ClientRegistry interface {
	Clients(ctx context.Context) ([]Client, error)
	Claim(ctx context.Context, generation string) error
}

// clientTracker treats a client as open while it has made a request within
// idleTimeout.
type clientTracker struct {
	idleTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	clients map[string]*Client
}

func newClientTracker(idleTimeout time.Duration) *clientTracker {
	return &clientTracker{
		idleTimeout: idleTimeout,
		now:         time.Now,
		clients:     map[string]*Client{},
	}
}

// Touch records activity for id. New clients, and clients that navigate
// (reload), are bound to current; others keep their controller.
func (t *clientTracker) Touch(id, current string, navigation bool) {
	if id == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.clients[id]
	if !ok {
		c = &Client{ID: id, Controller: current}
		t.clients[id] = c
	} else if navigation || c.Controller == "" {
		c.Controller = current
	}
	c.LastSeen = t.now()
}

func (t *clientTracker) Clients(_ context.Context) ([]Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]Client, 0, len(t.clients))
	for id, c := range t.clients {
		if t.idleTimeout > 0 && now.Sub(c.LastSeen) > t.idleTimeout {
			delete(t.clients, id)
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *clientTracker) Claim(_ context.Context, generation string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.clients {
		c.Controller = generation
	}
	return nil
}
