// Package vrt is the wisp-local virtual runtime: a per-scope logical
// process table plus short-lived HTTP response memoization, checkpointed
// periodically and driven by the cooperative frame scheduler.
package vrt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/phantomhost/phantomctl/internal/mux"
	"github.com/phantomhost/phantomctl/internal/sched"
)

var (
	ErrScopeRequired      = errors.New("vrt: scope required")
	ErrUpstreamRequired   = errors.New("vrt: upstream base url required")
	ErrUpstreamNotAllowed = errors.New("vrt: upstream host not allow-listed")
	ErrRuntimeClosed      = errors.New("vrt: runtime closed")
	ErrNoServiceLink      = errors.New("vrt: no service link attached")
)

// ProcessState is the lifecycle state of one logical process.
type ProcessState string

const (
	ProcessRunning ProcessState = "running"
)

// Process is one logical process. One process per serviceId under current
// policy; processes are created lazily and torn down only with the whole
// runtime.
type Process struct {
	PID       string       `json:"pid"`
	ServiceID string       `json:"service_id"`
	CreatedAt time.Time    `json:"created_at"`
	State     ProcessState `json:"state"`
}

// Response is one proxied HTTP result.
type Response struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

type memoEntry struct {
	resp     Response
	storedAt time.Time
}

// Config wires one runtime instance.
type Config struct {
	Scope     string
	Store     CheckpointStore
	Scheduler *sched.Scheduler

	// UpstreamBase is the canonical origin GET proxying fetches from.
	UpstreamBase string
	// AllowedHosts limits which upstream hosts may be fetched. When empty
	// only the UpstreamBase host is allowed.
	AllowedHosts []string

	HTTPClient *http.Client

	CheckpointInterval time.Duration
	CacheWindow        time.Duration
	CacheMaxBody       int
}

func (c Config) withDefaults() Config {
	if c.Store == nil {
		c.Store = NewMemoryStore()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 5 * time.Second
	}
	if c.CacheWindow <= 0 {
		c.CacheWindow = 5 * time.Second
	}
	if c.CacheMaxBody <= 0 {
		c.CacheMaxBody = 512 * 1024
	}
	return c
}

// snapshot is the serialized checkpoint body.
type snapshot struct {
	Processes []Process `json:"processes"`
}

// Runtime owns one scope's process table and response memo cache.
type Runtime struct {
	cfg Config

	mu     sync.Mutex
	procs  map[string]Process
	memo   map[string]memoEntry
	seq    int64
	closed bool

	link *mux.Mux

	now func() time.Time
}

func New(cfg Config) (*Runtime, error) {
	if strings.TrimSpace(cfg.Scope) == "" {
		return nil, ErrScopeRequired
	}
	return &Runtime{
		cfg:   cfg.withDefaults(),
		procs: make(map[string]Process),
		memo:  make(map[string]memoEntry),
		now:   time.Now,
	}, nil
}

// Boot loads the most recent checkpoint (or starts empty) and, when a
// scheduler is wired, begins the periodic checkpoint cycle on the
// background lane so persistence never competes with interactive work.
func (r *Runtime) Boot(ctx context.Context) error {
	cp, ok, err := r.cfg.Store.Latest(ctx, r.cfg.Scope)
	if err != nil {
		return err
	}
	if ok {
		var snap snapshot
		if err := json.Unmarshal(cp.Snapshot, &snap); err != nil {
			return fmt.Errorf("vrt: decode checkpoint scope=%s seq=%d: %w", cp.Scope, cp.Sequence, err)
		}
		r.mu.Lock()
		r.seq = cp.Sequence
		for _, p := range snap.Processes {
			r.procs[p.ServiceID] = p
		}
		r.mu.Unlock()
		log.Info().
			Str("scope", r.cfg.Scope).
			Int64("sequence", cp.Sequence).
			Int("processes", len(snap.Processes)).
			Msg("vrt_checkpoint_restored")
	}

	if r.cfg.Scheduler != nil {
		r.scheduleCheckpoint(r.now().Add(r.cfg.CheckpointInterval))
	}
	return nil
}

// Close stops the checkpoint cycle. Processes die with the runtime.
func (r *Runtime) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

// UpsertProcess returns the process for serviceID, creating it lazily.
// Idempotent: repeated calls return the same pid.
func (r *Runtime) UpsertProcess(serviceID string) (Process, error) {
	id := strings.TrimSpace(serviceID)
	if id == "" {
		return Process{}, errors.New("vrt: service id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return Process{}, ErrRuntimeClosed
	}
	if p, ok := r.procs[id]; ok {
		return p, nil
	}
	p := Process{
		PID:       uuid.NewString(),
		ServiceID: id,
		CreatedAt: r.now(),
		State:     ProcessRunning,
	}
	r.procs[id] = p
	return p, nil
}

// Processes returns a copy of the current process table.
func (r *Runtime) Processes() []Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Process, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	return out
}

// AttachServiceLink binds a multiplexed backend channel for service
// traffic.
func (r *Runtime) AttachServiceLink(m *mux.Mux) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.link = m
}

// OpenServiceStream upserts the service's process and opens an ordered
// stream toward its backend over the attached link.
func (r *Runtime) OpenServiceStream(serviceID string) (*mux.Stream, error) {
	if _, err := r.UpsertProcess(serviceID); err != nil {
		return nil, err
	}
	r.mu.Lock()
	link := r.link
	r.mu.Unlock()
	if link == nil {
		return nil, ErrNoServiceLink
	}
	return link.Open(mux.ModeOrdered)
}

// HandleHTTPGetProxy serves a GET for path: memo hit within the freshness
// window returns the cached bytes; a miss fetches from the allow-listed
// upstream and caches bodies up to the configured cap.
func (r *Runtime) HandleHTTPGetProxy(ctx context.Context, path string) (Response, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Response{}, ErrRuntimeClosed
	}
	if entry, ok := r.memo[path]; ok && r.now().Sub(entry.storedAt) <= r.cfg.CacheWindow {
		r.mu.Unlock()
		return entry.resp, nil
	}
	r.mu.Unlock()

	resp, err := r.fetchUpstream(ctx, path)
	if err != nil {
		return Response{}, err
	}

	if resp.Status >= 200 && resp.Status < 300 && len(resp.Body) <= r.cfg.CacheMaxBody {
		r.mu.Lock()
		r.memo[path] = memoEntry{resp: resp, storedAt: r.now()}
		r.mu.Unlock()
	}
	return resp, nil
}

// WriteCheckpoint persists the current state under the next sequence
// number.
func (r *Runtime) WriteCheckpoint(ctx context.Context) (Checkpoint, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Checkpoint{}, ErrRuntimeClosed
	}
	r.seq++
	snap := snapshot{Processes: make([]Process, 0, len(r.procs))}
	for _, p := range r.procs {
		snap.Processes = append(snap.Processes, p)
	}
	cp := Checkpoint{
		Scope:     r.cfg.Scope,
		Sequence:  r.seq,
		CreatedAt: r.now(),
	}
	r.mu.Unlock()

	raw, err := json.Marshal(snap)
	if err != nil {
		return Checkpoint{}, err
	}
	cp.Snapshot = raw
	if err := r.cfg.Store.Save(ctx, cp); err != nil {
		return Checkpoint{}, err
	}
	return cp, nil
}

// scheduleCheckpoint keeps one due-time task alive on the background
// lane. Write failures are logged, never propagated across the
// scheduling boundary.
func (r *Runtime) scheduleCheckpoint(due time.Time) {
	r.cfg.Scheduler.Schedule(sched.LaneBackground, func() {
		r.mu.Lock()
		closed := r.closed
		r.mu.Unlock()
		if closed {
			return
		}
		next := due
		if !r.now().Before(due) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if _, err := r.WriteCheckpoint(ctx); err != nil && !errors.Is(err, ErrRuntimeClosed) {
				log.Warn().Err(err).Str("scope", r.cfg.Scope).Msg("vrt_checkpoint_failed")
			}
			cancel()
			next = r.now().Add(r.cfg.CheckpointInterval)
		}
		r.scheduleCheckpoint(next)
	})
}

func (r *Runtime) fetchUpstream(ctx context.Context, path string) (Response, error) {
	base := strings.TrimSpace(r.cfg.UpstreamBase)
	if base == "" {
		return Response{}, ErrUpstreamRequired
	}
	target, err := url.Parse(strings.TrimRight(base, "/") + path)
	if err != nil {
		return Response{}, fmt.Errorf("vrt: bad upstream url: %w", err)
	}
	if !r.hostAllowed(target.Hostname()) {
		return Response{}, fmt.Errorf("%w: %s", ErrUpstreamNotAllowed, target.Hostname())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return Response{}, err
	}
	res, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return Response{}, err
	}
	headers := make(map[string]string, len(res.Header))
	for k := range res.Header {
		headers[k] = res.Header.Get(k)
	}
	return Response{Status: res.StatusCode, Headers: headers, Body: body}, nil
}

func (r *Runtime) hostAllowed(host string) bool {
	if len(r.cfg.AllowedHosts) == 0 {
		base, err := url.Parse(r.cfg.UpstreamBase)
		if err != nil {
			return false
		}
		return strings.EqualFold(host, base.Hostname())
	}
	for _, allowed := range r.cfg.AllowedHosts {
		if strings.EqualFold(host, strings.TrimSpace(allowed)) {
			return true
		}
	}
	return false
}
