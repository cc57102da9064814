// Package wisp is the node-side agent. A wisp registers with a relay,
// long-polls for pending ingress requests addressed to its scope, serves
// them through the local virtual runtime, and posts the results back.
package wisp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/phantomhost/phantomctl/internal/relay"
)

var (
	ErrRelayBaseRequired = errors.New("wisp: relay base url required")
	ErrScopeRequired     = errors.New("wisp: scope_id required")
	ErrNoHandler         = errors.New("wisp: no request handler")
)

// Handler serves one relayed request and returns the response to post
// back. Returning an error produces a 502 toward the original caller.
type Handler func(ctx context.Context, req relay.PollEnvelope) (relay.Response, error)

// Config configures one wisp agent.
type Config struct {
	// RelayBase is the relay's HTTP base, e.g. "http://relay:9400".
	RelayBase string
	ScopeID   string
	// NodeID defaults to a fresh UUID per agent.
	NodeID string
	// Token authenticates against the relay's /v1 surface when set.
	Token string

	// PollIdle is the pause between empty polls.
	PollIdle time.Duration
	Backoff  BackoffConfig

	HTTPClient *http.Client
	Handler    Handler
}

func (c Config) withDefaults() Config {
	if c.NodeID == "" {
		c.NodeID = uuid.NewString()
	}
	if c.PollIdle <= 0 {
		c.PollIdle = 250 * time.Millisecond
	}
	if c.Backoff == (BackoffConfig{}) {
		c.Backoff = DefaultBackoffConfig()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return c
}

// Agent runs the register/poll/respond loop against one relay.
type Agent struct {
	cfg Config
	rng *rand.Rand
}

func NewAgent(cfg Config) (*Agent, error) {
	if strings.TrimSpace(cfg.RelayBase) == "" {
		return nil, ErrRelayBaseRequired
	}
	if strings.TrimSpace(cfg.ScopeID) == "" {
		return nil, ErrScopeRequired
	}
	if cfg.Handler == nil {
		return nil, ErrNoHandler
	}
	cfg.RelayBase = strings.TrimRight(cfg.RelayBase, "/")
	return &Agent{
		cfg: cfg.withDefaults(),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// NodeID reports the identity the agent registered under.
func (a *Agent) NodeID() string {
	return a.cfg.NodeID
}

// Run registers and polls until ctx ends. Transient relay failures back
// off exponentially; the attempt counter resets on any success.
func (a *Agent) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.register(ctx); err != nil {
			attempt++
			log.Warn().Err(err).Int("attempt", attempt).Str("scope", a.cfg.ScopeID).Msg("wisp_register_failed")
			if err := a.sleep(ctx, NextBackoffDelay(a.cfg.Backoff, attempt, a.rng)); err != nil {
				return err
			}
			continue
		}
		attempt = 0
		log.Warn().Str("scope", a.cfg.ScopeID).Str("node_id", a.cfg.NodeID).Msg("wisp_registered")

		if err := a.pollLoop(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			attempt++
			log.Warn().Err(err).Int("attempt", attempt).Msg("wisp_poll_loop_failed")
			if err := a.sleep(ctx, NextBackoffDelay(a.cfg.Backoff, attempt, a.rng)); err != nil {
				return err
			}
		}
	}
}

// ServeOnce polls a single time and serves the request if one is
// pending. Reports whether work was done. Mostly for tests and drains.
func (a *Agent) ServeOnce(ctx context.Context) (bool, error) {
	env, ok, err := a.poll(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return true, a.serve(ctx, env)
}

func (a *Agent) pollLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		env, ok, err := a.poll(ctx)
		if err != nil {
			return err
		}
		if !ok {
			if err := a.sleep(ctx, a.cfg.PollIdle); err != nil {
				return err
			}
			continue
		}
		if err := a.serve(ctx, env); err != nil {
			return err
		}
	}
}

func (a *Agent) serve(ctx context.Context, env relay.PollEnvelope) error {
	resp, err := a.cfg.Handler(ctx, env)
	if err != nil {
		log.Warn().Err(err).Str("request_id", env.RequestID).Str("path", env.Path).Msg("wisp_handler_failed")
		resp = relay.Response{
			Status: http.StatusBadGateway,
			Body:   []byte("upstream handler failed"),
		}
	}
	resp.RequestID = env.RequestID
	return a.respond(ctx, resp)
}

func (a *Agent) register(ctx context.Context) error {
	env := relay.RegisterEnvelope{ScopeID: a.cfg.ScopeID, NodeID: a.cfg.NodeID}
	res, err := a.postJSON(ctx, "/v1/register", env)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("wisp: register status %d", res.StatusCode)
	}
	return nil
}

func (a *Agent) poll(ctx context.Context) (relay.PollEnvelope, bool, error) {
	query := url.Values{}
	query.Set("scope_id", a.cfg.ScopeID)
	query.Set("node_id", a.cfg.NodeID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.RelayBase+"/v1/poll?"+query.Encode(), nil)
	if err != nil {
		return relay.PollEnvelope{}, false, err
	}
	a.authorize(req)
	res, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return relay.PollEnvelope{}, false, err
	}
	defer res.Body.Close()

	switch res.StatusCode {
	case http.StatusNoContent:
		return relay.PollEnvelope{}, false, nil
	case http.StatusOK:
		var env relay.PollEnvelope
		if err := json.NewDecoder(res.Body).Decode(&env); err != nil {
			return relay.PollEnvelope{}, false, fmt.Errorf("wisp: decode poll envelope: %w", err)
		}
		return env, true, nil
	default:
		return relay.PollEnvelope{}, false, fmt.Errorf("wisp: poll status %d", res.StatusCode)
	}
}

func (a *Agent) respond(ctx context.Context, resp relay.Response) error {
	env := relay.RespondEnvelope{
		ScopeID:   a.cfg.ScopeID,
		NodeID:    a.cfg.NodeID,
		RequestID: resp.RequestID,
		Status:    resp.Status,
		Headers:   resp.Headers,
		BodyB64:   relay.EncodeBody(resp.Body),
	}
	res, err := a.postJSON(ctx, "/v1/respond", env)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return fmt.Errorf("wisp: respond status %d", res.StatusCode)
	}
	return nil
}

func (a *Agent) postJSON(ctx context.Context, path string, payload any) (*http.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.RelayBase+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	a.authorize(req)
	return a.cfg.HTTPClient.Do(req)
}

func (a *Agent) authorize(req *http.Request) {
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
}

func (a *Agent) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
