// Package tracing provides OpenTelemetry integration for stoat.
//
// This package enables distributed tracing for event sourcing operations,
// including session commits, adapter transactions and event publishing.
//
// Basic usage:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer()
//	store := stoat.New(tracer.WrapAdapter(adapter),
//		stoat.WithPublisher(tracer.WrapPublisher(publisher)))
//
//	result, err := tracer.Commit(ctx, session)
//
// Each adapter transaction becomes one span from BeginTx to Commit or
// Rollback; the stream and document operations it runs are its children.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

const (
	// TracerName is the name of the stoat tracer.
	TracerName = "github.com/AshkanYarmoradi/go-stoat"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "stoat"
)

// Tracer wraps OpenTelemetry tracer for stoat operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

func (t *Tracer) service() attribute.KeyValue {
	return attribute.String("stoat.service", t.serviceName)
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// =============================================================================
// Session
// =============================================================================

// Commit commits a session inside a "session.commit" span. Adapter spans
// started during the commit become its children.
func (t *Tracer) Commit(ctx context.Context, session *stoat.Session) (*stoat.CommitResult, error) {
	ctx, span := t.StartSpan(ctx, "session.commit",
		trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	span.SetAttributes(
		t.service(),
		attribute.Int("stoat.session.intents", session.Pending()),
	)

	result, err := session.Commit(ctx)
	if err != nil {
		finish(span, err)
		return result, err
	}

	ids := make([]string, len(result.Streams))
	for i, token := range result.Streams {
		ids[i] = token.StreamID
		span.AddEvent("stream.committed", trace.WithAttributes(
			attribute.String("stoat.stream_id", token.StreamID),
			attribute.String("stoat.stream_type", token.StreamType),
			attribute.Int64("stoat.from_version", token.FromVersion),
			attribute.Int64("stoat.version", token.Version),
		))
	}
	span.SetAttributes(
		attribute.StringSlice("stoat.session.streams", ids),
		attribute.Int("stoat.session.projection_errors", len(result.ProjectionErrors)),
	)
	for _, pe := range result.ProjectionErrors {
		span.AddEvent("projection.skipped", trace.WithAttributes(
			attribute.String("stoat.projection.name", pe.Projection),
			attribute.String("stoat.stream_id", pe.StreamID),
			attribute.String("stoat.error", pe.Err.Error()),
		))
	}
	finish(span, nil)
	return result, nil
}

// =============================================================================
// Adapter Middleware
// =============================================================================

// AdapterMiddleware wraps an EventStoreAdapter with tracing.
type AdapterMiddleware struct {
	adapter adapters.EventStoreAdapter
	tracer  *Tracer
}

var (
	_ adapters.EventStoreAdapter = (*AdapterMiddleware)(nil)
	_ adapters.StreamLister      = (*AdapterMiddleware)(nil)
	_ adapters.HealthChecker     = (*AdapterMiddleware)(nil)
)

// WrapAdapter wraps an adapter with tracing.
func (t *Tracer) WrapAdapter(adapter adapters.EventStoreAdapter) *AdapterMiddleware {
	return &AdapterMiddleware{
		adapter: adapter,
		tracer:  t,
	}
}

// Unwrap returns the wrapped adapter.
func (m *AdapterMiddleware) Unwrap() adapters.EventStoreAdapter {
	return m.adapter
}

// BeginTx starts a transaction whose span ends on Commit or Rollback.
func (m *AdapterMiddleware) BeginTx(ctx context.Context) (adapters.Transaction, error) {
	ctx, span := m.tracer.StartSpan(ctx, "eventstore.transaction",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	span.SetAttributes(m.tracer.service())

	tx, err := m.adapter.BeginTx(ctx)
	if err != nil {
		finish(span, err)
		span.End()
		return nil, err
	}
	return &transaction{tx: tx, tracer: m.tracer, span: span}, nil
}

// Load retrieves events with tracing.
func (m *AdapterMiddleware) Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	return traceLoad(ctx, m.tracer, m.adapter.Load, streamID, fromVersion, toVersion)
}

// GetStreamInfo returns stream metadata with tracing.
func (m *AdapterMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	return traceStreamInfo(ctx, m.tracer, m.adapter.GetStreamInfo, streamID)
}

// LoadDocument reads a projection document with tracing.
func (m *AdapterMiddleware) LoadDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	return traceLoadDocument(ctx, m.tracer, m.adapter.LoadDocument, projection, key)
}

// ListStreams lists streams when the wrapped adapter supports it.
func (m *AdapterMiddleware) ListStreams(ctx context.Context, streamType, afterStreamID string, limit int) ([]adapters.StreamInfo, error) {
	lister, ok := m.adapter.(adapters.StreamLister)
	if !ok {
		return nil, adapters.ErrNotSupported
	}

	ctx, span := m.tracer.StartSpan(ctx, "eventstore.list_streams",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		m.tracer.service(),
		attribute.String("stoat.stream_type", streamType),
		attribute.String("stoat.after_stream_id", afterStreamID),
		attribute.Int("stoat.limit", limit),
	)

	streams, err := lister.ListStreams(ctx, streamType, afterStreamID, limit)
	if err == nil {
		span.SetAttributes(attribute.Int("stoat.streams.listed", len(streams)))
	}
	finish(span, err)
	return streams, err
}

// Ping checks the wrapped adapter when it supports health checks.
func (m *AdapterMiddleware) Ping(ctx context.Context) error {
	if hc, ok := m.adapter.(adapters.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

// Initialize initializes the adapter with tracing.
func (m *AdapterMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.tracer.StartSpan(ctx, "eventstore.initialize",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(m.tracer.service())

	err := m.adapter.Initialize(ctx)
	finish(span, err)
	return err
}

// Close closes the adapter.
func (m *AdapterMiddleware) Close() error {
	return m.adapter.Close()
}

type transaction struct {
	tx     adapters.Transaction
	tracer *Tracer
	span   trace.Span
	ended  bool
}

// child parents ctx under the transaction span.
func (t *transaction) child(ctx context.Context) context.Context {
	return trace.ContextWithSpan(ctx, t.span)
}

func (t *transaction) StartStream(ctx context.Context, streamID, streamType string, events []adapters.EventRecord) (*adapters.AppendResult, error) {
	ctx, span := t.tracer.StartSpan(t.child(ctx), "eventstore.start_stream",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		t.tracer.service(),
		attribute.String("stoat.stream_id", streamID),
		attribute.String("stoat.stream_type", streamType),
		attribute.Int("stoat.events.count", len(events)),
		attribute.StringSlice("stoat.events.types", eventTypes(events)),
	)

	res, err := t.tx.StartStream(ctx, streamID, streamType, events)
	if err == nil {
		span.SetAttributes(attribute.Int64("stoat.stored.version", res.Version))
	}
	finish(span, err)
	return res, err
}

func (t *transaction) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) (*adapters.AppendResult, error) {
	ctx, span := t.tracer.StartSpan(t.child(ctx), "eventstore.append",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		t.tracer.service(),
		attribute.String("stoat.stream_id", streamID),
		attribute.Int64("stoat.expected_version", expectedVersion),
		attribute.Int("stoat.events.count", len(events)),
		attribute.StringSlice("stoat.events.types", eventTypes(events)),
	)

	res, err := t.tx.Append(ctx, streamID, events, expectedVersion)
	if err == nil {
		span.SetAttributes(
			attribute.Int64("stoat.stored.version", res.Version),
		)
		if n := len(res.Events); n > 0 {
			span.SetAttributes(attribute.Int64("stoat.stored.global_position", int64(res.Events[n-1].GlobalPosition)))
		}
	}
	finish(span, err)
	return res, err
}

func (t *transaction) Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	return traceLoad(t.child(ctx), t.tracer, t.tx.Load, streamID, fromVersion, toVersion)
}

func (t *transaction) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	return traceStreamInfo(t.child(ctx), t.tracer, t.tx.GetStreamInfo, streamID)
}

func (t *transaction) LoadDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	return traceLoadDocument(t.child(ctx), t.tracer, t.tx.LoadDocument, projection, key)
}

func (t *transaction) SaveDocument(ctx context.Context, doc adapters.DocumentRecord) error {
	ctx, span := t.tracer.StartSpan(t.child(ctx), fmt.Sprintf("projection.%s.save", doc.Projection),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		t.tracer.service(),
		attribute.String("stoat.projection.name", doc.Projection),
		attribute.String("stoat.document.key", doc.Key),
		attribute.Int64("stoat.document.version", doc.Version),
	)

	err := t.tx.SaveDocument(ctx, doc)
	finish(span, err)
	return err
}

func (t *transaction) Commit() error {
	err := t.tx.Commit()
	t.end("commit", err)
	return err
}

func (t *transaction) Rollback() error {
	err := t.tx.Rollback()
	if err == nil {
		t.end("rollback", nil)
	}
	return err
}

func (t *transaction) end(outcome string, err error) {
	if t.ended {
		return
	}
	t.ended = true
	t.span.SetAttributes(attribute.String("stoat.transaction.outcome", outcome))
	if outcome == "rollback" {
		t.span.SetStatus(codes.Error, "rolled back")
	} else {
		finish(t.span, err)
	}
	t.span.End()
}

func traceLoad(ctx context.Context, tracer *Tracer, load func(context.Context, string, int64, int64) ([]adapters.StoredEvent, error), streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := tracer.StartSpan(ctx, "eventstore.load",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		tracer.service(),
		attribute.String("stoat.stream_id", streamID),
		attribute.Int64("stoat.from_version", fromVersion),
		attribute.Int64("stoat.to_version", toVersion),
	)

	events, err := load(ctx, streamID, fromVersion, toVersion)
	if err == nil {
		span.SetAttributes(attribute.Int("stoat.events.loaded", len(events)))
	}
	finish(span, err)
	return events, err
}

func traceStreamInfo(ctx context.Context, tracer *Tracer, get func(context.Context, string) (*adapters.StreamInfo, error), streamID string) (*adapters.StreamInfo, error) {
	ctx, span := tracer.StartSpan(ctx, "eventstore.get_stream_info",
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		tracer.service(),
		attribute.String("stoat.stream_id", streamID),
	)

	info, err := get(ctx, streamID)
	if err == nil {
		span.SetAttributes(attribute.Int64("stoat.stream.version", info.Version))
	}
	finish(span, err)
	return info, err
}

func traceLoadDocument(ctx context.Context, tracer *Tracer, load func(context.Context, string, string) (*adapters.DocumentRecord, error), projection, key string) (*adapters.DocumentRecord, error) {
	ctx, span := tracer.StartSpan(ctx, fmt.Sprintf("projection.%s.load", projection),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	span.SetAttributes(
		tracer.service(),
		attribute.String("stoat.projection.name", projection),
		attribute.String("stoat.document.key", key),
	)

	doc, err := load(ctx, projection, key)
	if err == nil {
		span.SetAttributes(attribute.Bool("stoat.document.found", doc != nil))
		if doc != nil {
			span.SetAttributes(attribute.Int64("stoat.document.version", doc.Version))
		}
	}
	finish(span, err)
	return doc, err
}

func eventTypes(events []adapters.EventRecord) []string {
	types := make([]string, len(events))
	for i, e := range events {
		types[i] = e.Type
	}
	return types
}

// =============================================================================
// Publisher Middleware
// =============================================================================

// WrapPublisher traces every publish of committed events.
func (t *Tracer) WrapPublisher(p stoat.Publisher) stoat.Publisher {
	return stoat.PublisherFunc(func(ctx context.Context, batches []stoat.CommittedStream) error {
		ctx, span := t.StartSpan(ctx, "publisher.publish",
			trace.WithSpanKind(trace.SpanKindProducer),
		)
		defer span.End()

		events := 0
		for _, b := range batches {
			events += len(b.Events)
		}
		span.SetAttributes(
			t.service(),
			attribute.Int("stoat.streams.count", len(batches)),
			attribute.Int("stoat.events.count", events),
		)

		err := p.Publish(ctx, batches)
		finish(span, err)
		return err
	})
}

// =============================================================================
// Span Helpers
// =============================================================================

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, opts...)
}

// SetError sets an error on the current span.
func SetError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(attrs...)
}
