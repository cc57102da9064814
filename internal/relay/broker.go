package relay

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/phantomhost/phantomctl/internal/presence"
)

var (
	ErrMissingField  = errors.New("relay: missing_required_field")
	ErrNoNodesOnline = errors.New("relay: no_nodes_online")
	ErrTimeout       = errors.New("relay: timeout")
	ErrBrokerClosed  = errors.New("relay: broker closed")
)

// Request is one pending ingress request awaiting a node.
type Request struct {
	RequestID  string
	ScopeID    string
	Method     string
	Path       string
	Headers    map[string]string
	Body       []byte
	EnqueuedAt time.Time
}

// Response completes one pending request.
type Response struct {
	RequestID string
	Status    int
	Headers   map[string]string
	Body      []byte
}

// Lease is one node's time-bounded reachability claim, renewed by polling.
// A node silent past the lease window is ineligible for routing even
// though its entry may persist until the next sweep.
type Lease struct {
	ScopeID      string
	NodeID       string
	RegisteredAt time.Time
	RenewedAt    time.Time
}

// BrokerConfig tunes rendezvous behavior.
type BrokerConfig struct {
	// EnqueueTimeout bounds how long an ingress caller waits for a node
	// response. Keep it shorter than the caller's own deadline to leave
	// room for fallback.
	EnqueueTimeout time.Duration
	// LeaseWindow is how long a lease stays live without renewal.
	LeaseWindow time.Duration
}

func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		EnqueueTimeout: 10 * time.Second,
		LeaseWindow:    15 * time.Second,
	}
}

func (c BrokerConfig) withDefaults() BrokerConfig {
	def := DefaultBrokerConfig()
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = def.EnqueueTimeout
	}
	if c.LeaseWindow <= 0 {
		c.LeaseWindow = def.LeaseWindow
	}
	return c
}

// Broker matches inbound requests addressed to a scope with registered
// nodes. All tables live behind one mutex: operations on a scope's queue
// and the future table must be atomic relative to each other.
type Broker struct {
	cfg BrokerConfig

	mu      sync.Mutex
	queues  map[string][]*Request
	leases  map[string]map[string]Lease
	futures map[string]chan Response
	closed  bool

	presence *presence.Registry
	now      func() time.Time
}

func NewBroker(cfg BrokerConfig, reg *presence.Registry) *Broker {
	if reg == nil {
		reg = presence.NewRegistry()
	}
	return &Broker{
		cfg:      cfg.withDefaults(),
		queues:   make(map[string][]*Request),
		leases:   make(map[string]map[string]Lease),
		futures:  make(map[string]chan Response),
		presence: reg,
		now:      time.Now,
	}
}

// Presence exposes the registry the broker reflects heartbeats into.
func (b *Broker) Presence() *presence.Registry {
	return b.presence
}

// Register inserts or refreshes the node's lease for scope.
func (b *Broker) Register(scope, nodeID string) error {
	scope, nodeID = strings.TrimSpace(scope), strings.TrimSpace(nodeID)
	if scope == "" || nodeID == "" {
		return ErrMissingField
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.renewLeaseLocked(scope, nodeID)
	return nil
}

// Enqueue appends the request to its scope's FIFO queue and blocks until a
// matching PostResponse arrives, the bounded wait expires, or ctx ends.
// Fails fast with ErrNoNodesOnline when no live lease is held for scope.
func (b *Broker) Enqueue(ctx context.Context, req Request) (Response, error) {
	if strings.TrimSpace(req.RequestID) == "" ||
		strings.TrimSpace(req.ScopeID) == "" ||
		strings.TrimSpace(req.Method) == "" ||
		strings.TrimSpace(req.Path) == "" {
		return Response{}, ErrMissingField
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return Response{}, ErrBrokerClosed
	}
	if !b.hasLiveLeaseLocked(req.ScopeID) {
		b.mu.Unlock()
		return Response{}, ErrNoNodesOnline
	}
	req.EnqueuedAt = b.now()
	future := make(chan Response, 1)
	b.futures[req.RequestID] = future
	b.queues[req.ScopeID] = append(b.queues[req.ScopeID], &req)
	b.mu.Unlock()

	timer := time.NewTimer(b.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case resp := <-future:
		return resp, nil
	case <-timer.C:
		b.abandon(req.ScopeID, req.RequestID)
		return Response{}, ErrTimeout
	case <-ctx.Done():
		b.abandon(req.ScopeID, req.RequestID)
		return Response{}, ctx.Err()
	}
}

// Poll refreshes the node's lease, prunes expired presence, and atomically
// dequeues the oldest pending request for scope. A request is delivered to
// exactly one poller; there is no redelivery if that poller disappears,
// the enqueue timeout is the only surfacing mechanism.
func (b *Broker) Poll(scope, nodeID string) (Request, bool, error) {
	scope, nodeID = strings.TrimSpace(scope), strings.TrimSpace(nodeID)
	if scope == "" || nodeID == "" {
		return Request{}, false, ErrMissingField
	}

	b.presence.Prune(b.cfg.LeaseWindow)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Request{}, false, ErrBrokerClosed
	}
	b.renewLeaseLocked(scope, nodeID)
	b.sweepLeasesLocked()

	queue := b.queues[scope]
	if len(queue) == 0 {
		return Request{}, false, nil
	}
	head := queue[0]
	queue[0] = nil
	if len(queue) == 1 {
		b.queues[scope] = queue[:0]
	} else {
		b.queues[scope] = queue[1:]
	}
	return *head, true, nil
}

// PostResponse fulfills the outstanding completion for the response's
// requestId. Unknown or already-resolved ids are a benign no-op.
func (b *Broker) PostResponse(scope, nodeID string, resp Response) error {
	scope, nodeID = strings.TrimSpace(scope), strings.TrimSpace(nodeID)
	if scope == "" || nodeID == "" || strings.TrimSpace(resp.RequestID) == "" {
		return ErrMissingField
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBrokerClosed
	}
	b.renewLeaseLocked(scope, nodeID)

	future, ok := b.futures[resp.RequestID]
	if !ok {
		log.Debug().
			Str("scope", scope).
			Str("node_id", nodeID).
			Str("request_id", resp.RequestID).
			Msg("relay_stale_response_discarded")
		return nil
	}
	delete(b.futures, resp.RequestID)
	future <- resp
	return nil
}

// LiveNodes reports leases for scope renewed within the lease window.
func (b *Broker) LiveNodes(scope string) []Lease {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := b.now().Add(-b.cfg.LeaseWindow)
	out := make([]Lease, 0, len(b.leases[scope]))
	for _, lease := range b.leases[scope] {
		if !lease.RenewedAt.Before(cutoff) {
			out = append(out, lease)
		}
	}
	return out
}

// QueueDepth reports pending requests for scope.
func (b *Broker) QueueDepth(scope string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[scope])
}

// Close drops all state. Pending enqueues surface through their timeouts.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.queues = make(map[string][]*Request)
	b.leases = make(map[string]map[string]Lease)
	b.futures = make(map[string]chan Response)
}

func (b *Broker) renewLeaseLocked(scope, nodeID string) {
	scoped, ok := b.leases[scope]
	if !ok {
		scoped = make(map[string]Lease)
		b.leases[scope] = scoped
	}
	now := b.now()
	lease, ok := scoped[nodeID]
	if !ok {
		lease = Lease{ScopeID: scope, NodeID: nodeID, RegisteredAt: now}
	}
	lease.RenewedAt = now
	scoped[nodeID] = lease

	b.presence.Upsert(presence.Record{
		OwnerKey:   scope + "/" + nodeID,
		Scope:      scope,
		LastSeenAt: now,
	})
}

func (b *Broker) hasLiveLeaseLocked(scope string) bool {
	cutoff := b.now().Add(-b.cfg.LeaseWindow)
	for _, lease := range b.leases[scope] {
		if !lease.RenewedAt.Before(cutoff) {
			return true
		}
	}
	return false
}

// sweepLeasesLocked is the deferred GC pass for leases past the window.
func (b *Broker) sweepLeasesLocked() {
	cutoff := b.now().Add(-b.cfg.LeaseWindow)
	for scope, scoped := range b.leases {
		for nodeID, lease := range scoped {
			if lease.RenewedAt.Before(cutoff) {
				delete(scoped, nodeID)
			}
		}
		if len(scoped) == 0 {
			delete(b.leases, scope)
		}
	}
}

// abandon clears a timed-out or cancelled request so a late poll cannot
// deliver it and a late response stays a no-op.
func (b *Broker) abandon(scope, requestID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.futures, requestID)
	queue := b.queues[scope]
	for i, pending := range queue {
		if pending != nil && pending.RequestID == requestID {
			b.queues[scope] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}
