package relay

import "encoding/base64"

// Wire envelopes for the node-facing API. Binary payloads travel
// base64-encoded inside the JSON envelope.

type RegisterEnvelope struct {
	ScopeID string `json:"scope_id"`
	NodeID  string `json:"node_id"`
}

type PollEnvelope struct {
	RequestID string            `json:"request_id"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	BodyB64   string            `json:"body_b64,omitempty"`
}

type RespondEnvelope struct {
	ScopeID   string            `json:"scope_id"`
	NodeID    string            `json:"node_id"`
	RequestID string            `json:"request_id"`
	Status    int               `json:"status"`
	Headers   map[string]string `json:"headers,omitempty"`
	BodyB64   string            `json:"body_b64,omitempty"`
}

func EncodeBody(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(body)
}

func DecodeBody(b64 string) ([]byte, error) {
	if b64 == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(b64)
}

// PollEnvelopeFor wraps a dequeued request for the wire.
func PollEnvelopeFor(req Request) PollEnvelope {
	return PollEnvelope{
		RequestID: req.RequestID,
		Method:    req.Method,
		Path:      req.Path,
		Headers:   req.Headers,
		BodyB64:   EncodeBody(req.Body),
	}
}
