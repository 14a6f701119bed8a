// Package webhook forwards committed stoat events as HTTP POST requests.
// Each committed stream is sent as one JSON envelope to the configured URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	stoat "github.com/AshkanYarmoradi/go-stoat"
)

// Envelope is the request body for one committed stream.
type Envelope struct {
	StreamID   string          `json:"streamId"`
	StreamType string          `json:"streamType"`
	Events     []EnvelopeEvent `json:"events"`
}

// EnvelopeEvent is one event of an Envelope. Data is carried as the raw
// encoded payload when it is valid JSON and as a base64 string otherwise.
type EnvelopeEvent struct {
	ID             string            `json:"id"`
	Type           string            `json:"type"`
	Version        int64             `json:"version"`
	GlobalPosition uint64            `json:"globalPosition"`
	Timestamp      time.Time         `json:"timestamp"`
	CorrelationID  string            `json:"correlationId,omitempty"`
	CausationID    string            `json:"causationId,omitempty"`
	Custom         map[string]string `json:"custom,omitempty"`
	Data           json.RawMessage   `json:"data,omitempty"`
	Binary         []byte            `json:"binary,omitempty"`
}

// Publisher posts committed events to a webhook endpoint.
type Publisher struct {
	url            string
	client         *http.Client
	defaultHeaders map[string]string
}

var _ stoat.Publisher = (*Publisher)(nil)

// Option configures a webhook Publisher.
type Option func(*Publisher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the HTTP request timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders sets default headers added to all requests.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// New creates a new webhook Publisher posting to url.
func New(url string, opts ...Option) *Publisher {
	p := &Publisher{
		url: url,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Publish posts one envelope per committed stream. Every stream is attempted;
// errors are joined.
func (p *Publisher) Publish(ctx context.Context, batches []stoat.CommittedStream) error {
	if p.url == "" {
		return fmt.Errorf("webhook: URL not configured")
	}

	var errs []error
	for _, batch := range batches {
		if err := p.post(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) post(ctx context.Context, batch stoat.CommittedStream) error {
	body, err := json.Marshal(NewEnvelope(batch))
	if err != nil {
		return fmt.Errorf("webhook: failed to encode %s: %w", batch.StreamID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: failed to create request: %w", err)
	}

	for k, v := range p.defaultHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("X-Stoat-Stream-Id", batch.StreamID)
	req.Header.Set("X-Stoat-Stream-Type", batch.StreamType)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: request failed for %s: %w", batch.StreamID, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("webhook: server error %d for %s", resp.StatusCode, batch.StreamID)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook: client error %d for %s", resp.StatusCode, batch.StreamID)
	}
	return nil
}

// NewEnvelope builds the request body for batch.
func NewEnvelope(batch stoat.CommittedStream) Envelope {
	env := Envelope{
		StreamID:   batch.StreamID,
		StreamType: batch.StreamType,
		Events:     make([]EnvelopeEvent, len(batch.Events)),
	}
	for i, e := range batch.Events {
		ev := EnvelopeEvent{
			ID:             e.ID,
			Type:           e.Type,
			Version:        e.Version,
			GlobalPosition: e.GlobalPosition,
			Timestamp:      e.Timestamp,
			CorrelationID:  e.Metadata.CorrelationID,
			CausationID:    e.Metadata.CausationID,
			Custom:         e.Metadata.Custom,
		}
		if json.Valid(e.Data) {
			ev.Data = json.RawMessage(e.Data)
		} else {
			ev.Binary = e.Data
		}
		env.Events[i] = ev
	}
	return env
}
