// Package metrics provides Prometheus metrics integration for stoat.
//
// Metrics observes two things: storage operations, by wrapping the adapter,
// and projection folds, by acting as the store's ProjectionMetrics.
//
// Basic usage:
//
//	m := metrics.New(metrics.WithMetricsServiceName("quests"))
//	prometheus.MustRegister(m.Collectors()...)
//
//	store := stoat.New(m.WrapAdapter(adapter), stoat.WithProjectionMetrics(m))
//
// The metrics collected include:
//   - Transactions committed, failed and rolled back
//   - Adapter operations (start, append, load, documents) and their durations
//   - Events appended by kind and events loaded
//   - Projection folds by projection, kind and outcome
//   - Errors by type
package metrics

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/adapters"
)

// Default metric labels.
const (
	LabelEventType      = "event_type"
	LabelProjectionName = "projection_name"
	LabelOperation      = "operation"
	LabelStatus         = "status"
	LabelErrorType      = "error_type"
	LabelService        = "service"
)

// Status values.
const (
	StatusSuccess    = "success"
	StatusError      = "error"
	StatusRolledBack = "rolled_back"
)

// Operation values.
const (
	OperationStartStream   = "start_stream"
	OperationAppend        = "append"
	OperationLoad          = "load"
	OperationStreamInfo    = "get_stream_info"
	OperationLoadDocument  = "load_document"
	OperationSaveDocument  = "save_document"
	OperationListStreams   = "list_streams"
	OperationCommit        = "commit"
	OperationBeginTx       = "begin_tx"
	OperationInitialize    = "initialize"
	OperationProjectionRun = "fold"
)

// Metrics holds all Prometheus metrics for stoat.
type Metrics struct {
	namespace   string
	subsystem   string
	serviceName string

	// Transaction metrics
	transactionsTotal   *prometheus.CounterVec
	transactionDuration *prometheus.HistogramVec

	// Adapter metrics
	operationsTotal     *prometheus.CounterVec
	operationDuration   *prometheus.HistogramVec
	eventsAppendedTotal *prometheus.CounterVec
	eventsLoadedTotal   *prometheus.CounterVec

	// Projection metrics
	projectionsProcessedTotal *prometheus.CounterVec
	projectionDuration        *prometheus.HistogramVec
	documentsWrittenTotal     *prometheus.CounterVec

	// Error metrics
	errorsTotal *prometheus.CounterVec
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithNamespace sets the Prometheus namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(m *Metrics) {
		m.namespace = namespace
	}
}

// WithSubsystem sets the Prometheus subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(m *Metrics) {
		m.subsystem = subsystem
	}
}

// WithMetricsServiceName sets the service name label.
func WithMetricsServiceName(name string) MetricsOption {
	return func(m *Metrics) {
		m.serviceName = name
	}
}

// New creates a new Metrics instance with default settings.
func New(opts ...MetricsOption) *Metrics {
	m := &Metrics{
		namespace:   "stoat",
		serviceName: "unknown",
	}

	for _, opt := range opts {
		opt(m)
	}

	m.initMetrics()
	return m
}

func (m *Metrics) initMetrics() {
	m.transactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "transactions_total",
			Help:      "Total number of adapter transactions by outcome.",
		},
		[]string{LabelService, LabelStatus},
	)

	m.transactionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "transaction_duration_seconds",
			Help:      "Time from BeginTx to commit or rollback in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelStatus},
	)

	m.operationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "eventstore_operations_total",
			Help:      "Total number of event store operations.",
		},
		[]string{LabelService, LabelOperation, LabelStatus},
	)

	m.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "eventstore_operation_duration_seconds",
			Help:      "Duration of event store operations in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelOperation},
	)

	m.eventsAppendedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "events_appended_total",
			Help:      "Total number of events committed to streams.",
		},
		[]string{LabelService, LabelEventType},
	)

	m.eventsLoadedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "events_loaded_total",
			Help:      "Total number of events loaded from streams.",
		},
		[]string{LabelService},
	)

	m.projectionsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projections_processed_total",
			Help:      "Total number of events folded by projections.",
		},
		[]string{LabelService, LabelProjectionName, LabelEventType, LabelStatus},
	)

	m.projectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "projection_duration_seconds",
			Help:      "Duration of projection event processing in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{LabelService, LabelProjectionName},
	)

	m.documentsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "documents_written_total",
			Help:      "Total number of projection documents written.",
		},
		[]string{LabelService, LabelProjectionName},
	)

	m.errorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.namespace,
			Subsystem: m.subsystem,
			Name:      "errors_total",
			Help:      "Total number of errors by type.",
		},
		[]string{LabelService, LabelErrorType},
	)
}

// Collectors returns all Prometheus collectors for registration.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.transactionsTotal,
		m.transactionDuration,
		m.operationsTotal,
		m.operationDuration,
		m.eventsAppendedTotal,
		m.eventsLoadedTotal,
		m.projectionsProcessedTotal,
		m.projectionDuration,
		m.documentsWrittenTotal,
		m.errorsTotal,
	}
}

// MustRegister registers all collectors with the default registry.
// Panics if registration fails.
func (m *Metrics) MustRegister() {
	prometheus.MustRegister(m.Collectors()...)
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(registry prometheus.Registerer) error {
	for _, collector := range m.Collectors() {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}
	return nil
}

// =============================================================================
// Projection metrics
// =============================================================================

var _ stoat.ProjectionMetrics = (*Metrics)(nil)

// RecordEventProcessed implements stoat.ProjectionMetrics.
func (m *Metrics) RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool) {
	status := StatusSuccess
	if !success {
		status = StatusError
	}
	m.projectionDuration.WithLabelValues(m.serviceName, projectionName).Observe(duration.Seconds())
	m.projectionsProcessedTotal.WithLabelValues(m.serviceName, projectionName, eventType, status).Inc()
}

// RecordError implements stoat.ProjectionMetrics.
func (m *Metrics) RecordError(projectionName string, err error) {
	m.errorsTotal.WithLabelValues(m.serviceName, errorTypeName(err)).Inc()
}

// errorTypeName extracts the error type name based on sentinel errors.
func errorTypeName(err error) string {
	if err == nil {
		return "none"
	}

	switch {
	case errors.Is(err, stoat.ErrConcurrencyConflict):
		return "concurrency_conflict"
	case errors.Is(err, stoat.ErrStreamNotFound):
		return "stream_not_found"
	case errors.Is(err, stoat.ErrStreamAlreadyExists):
		return "stream_already_exists"
	case errors.Is(err, stoat.ErrNoCreatorEvent):
		return "no_creator_event"
	case errors.Is(err, stoat.ErrNoApplyHandler):
		return "no_apply_handler"
	case errors.Is(err, stoat.ErrUnknownEventKind):
		return "unknown_event_kind"
	case errors.Is(err, stoat.ErrDuplicateKind):
		return "duplicate_kind"
	case errors.Is(err, stoat.ErrSerializationFailed):
		return "serialization_failed"
	case errors.Is(err, stoat.ErrUnexpectedPayload):
		return "unexpected_payload"
	case errors.Is(err, stoat.ErrInvalidEventSequence):
		return "invalid_event_sequence"
	case errors.Is(err, adapters.ErrEmptyStreamID):
		return "empty_stream_id"
	case errors.Is(err, adapters.ErrEmptyStreamType):
		return "empty_stream_type"
	case errors.Is(err, adapters.ErrEmptyStream), errors.Is(err, adapters.ErrNoEvents):
		return "no_events"
	case errors.Is(err, adapters.ErrInvalidVersion):
		return "invalid_version"
	case errors.Is(err, adapters.ErrAdapterClosed):
		return "adapter_closed"
	case errors.Is(err, adapters.ErrTransactionDone):
		return "transaction_done"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	default:
		return "unknown"
	}
}

// observe records one adapter operation.
func (m *Metrics) observe(operation string, start time.Time, err error) {
	m.operationDuration.WithLabelValues(m.serviceName, operation).Observe(time.Since(start).Seconds())

	status := StatusSuccess
	if err != nil {
		status = StatusError
		m.errorsTotal.WithLabelValues(m.serviceName, errorTypeName(err)).Inc()
	}
	m.operationsTotal.WithLabelValues(m.serviceName, operation, status).Inc()
}

// =============================================================================
// Adapter middleware
// =============================================================================

// AdapterMiddleware wraps an EventStoreAdapter with metrics.
type AdapterMiddleware struct {
	adapter adapters.EventStoreAdapter
	metrics *Metrics
}

var (
	_ adapters.EventStoreAdapter = (*AdapterMiddleware)(nil)
	_ adapters.StreamLister      = (*AdapterMiddleware)(nil)
	_ adapters.HealthChecker     = (*AdapterMiddleware)(nil)
)

// WrapAdapter wraps an adapter with metrics collection.
func (m *Metrics) WrapAdapter(adapter adapters.EventStoreAdapter) *AdapterMiddleware {
	return &AdapterMiddleware{
		adapter: adapter,
		metrics: m,
	}
}

// Unwrap returns the wrapped adapter.
func (am *AdapterMiddleware) Unwrap() adapters.EventStoreAdapter {
	return am.adapter
}

// BeginTx starts an instrumented transaction.
func (am *AdapterMiddleware) BeginTx(ctx context.Context) (adapters.Transaction, error) {
	start := time.Now()
	tx, err := am.adapter.BeginTx(ctx)
	am.metrics.observe(OperationBeginTx, start, err)
	if err != nil {
		return nil, err
	}
	return &transaction{tx: tx, metrics: am.metrics, began: time.Now()}, nil
}

// Load retrieves events with metrics.
func (am *AdapterMiddleware) Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := am.adapter.Load(ctx, streamID, fromVersion, toVersion)
	am.metrics.observe(OperationLoad, start, err)
	if err == nil {
		am.metrics.eventsLoadedTotal.WithLabelValues(am.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

// GetStreamInfo returns stream metadata with metrics.
func (am *AdapterMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	start := time.Now()
	info, err := am.adapter.GetStreamInfo(ctx, streamID)
	am.metrics.observe(OperationStreamInfo, start, err)
	return info, err
}

// LoadDocument reads a projection document with metrics.
func (am *AdapterMiddleware) LoadDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	start := time.Now()
	doc, err := am.adapter.LoadDocument(ctx, projection, key)
	am.metrics.observe(OperationLoadDocument, start, err)
	return doc, err
}

// ListStreams lists streams when the wrapped adapter supports it.
func (am *AdapterMiddleware) ListStreams(ctx context.Context, streamType, afterStreamID string, limit int) ([]adapters.StreamInfo, error) {
	lister, ok := am.adapter.(adapters.StreamLister)
	if !ok {
		return nil, adapters.ErrNotSupported
	}
	start := time.Now()
	streams, err := lister.ListStreams(ctx, streamType, afterStreamID, limit)
	am.metrics.observe(OperationListStreams, start, err)
	return streams, err
}

// Ping checks the wrapped adapter when it supports health checks.
func (am *AdapterMiddleware) Ping(ctx context.Context) error {
	if hc, ok := am.adapter.(adapters.HealthChecker); ok {
		return hc.Ping(ctx)
	}
	return nil
}

// Initialize initializes the adapter with metrics.
func (am *AdapterMiddleware) Initialize(ctx context.Context) error {
	start := time.Now()
	err := am.adapter.Initialize(ctx)
	am.metrics.observe(OperationInitialize, start, err)
	return err
}

// Close closes the adapter.
func (am *AdapterMiddleware) Close() error {
	return am.adapter.Close()
}

// transaction counts appended events only once they are committed.
type transaction struct {
	tx      adapters.Transaction
	metrics *Metrics
	began   time.Time
	pending []string
	done    bool
}

func (t *transaction) StartStream(ctx context.Context, streamID, streamType string, events []adapters.EventRecord) (*adapters.AppendResult, error) {
	start := time.Now()
	res, err := t.tx.StartStream(ctx, streamID, streamType, events)
	t.metrics.observe(OperationStartStream, start, err)
	if err == nil {
		t.stage(events)
	}
	return res, err
}

func (t *transaction) Append(ctx context.Context, streamID string, events []adapters.EventRecord, expectedVersion int64) (*adapters.AppendResult, error) {
	start := time.Now()
	res, err := t.tx.Append(ctx, streamID, events, expectedVersion)
	t.metrics.observe(OperationAppend, start, err)
	if err == nil {
		t.stage(events)
	}
	return res, err
}

func (t *transaction) stage(events []adapters.EventRecord) {
	for _, e := range events {
		t.pending = append(t.pending, e.Type)
	}
}

func (t *transaction) Load(ctx context.Context, streamID string, fromVersion, toVersion int64) ([]adapters.StoredEvent, error) {
	start := time.Now()
	events, err := t.tx.Load(ctx, streamID, fromVersion, toVersion)
	t.metrics.observe(OperationLoad, start, err)
	if err == nil {
		t.metrics.eventsLoadedTotal.WithLabelValues(t.metrics.serviceName).Add(float64(len(events)))
	}
	return events, err
}

func (t *transaction) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	start := time.Now()
	info, err := t.tx.GetStreamInfo(ctx, streamID)
	t.metrics.observe(OperationStreamInfo, start, err)
	return info, err
}

func (t *transaction) LoadDocument(ctx context.Context, projection, key string) (*adapters.DocumentRecord, error) {
	start := time.Now()
	doc, err := t.tx.LoadDocument(ctx, projection, key)
	t.metrics.observe(OperationLoadDocument, start, err)
	return doc, err
}

func (t *transaction) SaveDocument(ctx context.Context, doc adapters.DocumentRecord) error {
	start := time.Now()
	err := t.tx.SaveDocument(ctx, doc)
	t.metrics.observe(OperationSaveDocument, start, err)
	if err == nil {
		t.metrics.documentsWrittenTotal.WithLabelValues(t.metrics.serviceName, doc.Projection).Inc()
	}
	return err
}

func (t *transaction) Commit() error {
	start := time.Now()
	err := t.tx.Commit()
	t.metrics.observe(OperationCommit, start, err)

	status := StatusSuccess
	if err != nil {
		status = StatusError
	} else {
		for _, kind := range t.pending {
			t.metrics.eventsAppendedTotal.WithLabelValues(t.metrics.serviceName, kind).Inc()
		}
	}
	t.pending = nil
	t.finish(status)
	return err
}

func (t *transaction) Rollback() error {
	err := t.tx.Rollback()
	if err == nil {
		t.pending = nil
		t.finish(StatusRolledBack)
	}
	return err
}

// finish records the outcome once; a rollback after a failed commit is not counted again.
func (t *transaction) finish(status string) {
	if t.done {
		return
	}
	t.done = true
	t.metrics.transactionsTotal.WithLabelValues(t.metrics.serviceName, status).Inc()
	t.metrics.transactionDuration.WithLabelValues(t.metrics.serviceName, status).Observe(time.Since(t.began).Seconds())
}

// =============================================================================
// Getters for testing
// =============================================================================

// TransactionsTotal returns the transactions counter.
func (m *Metrics) TransactionsTotal() *prometheus.CounterVec {
	return m.transactionsTotal
}

// OperationsTotal returns the event store operations counter.
func (m *Metrics) OperationsTotal() *prometheus.CounterVec {
	return m.operationsTotal
}

// EventsAppendedTotal returns the events appended counter.
func (m *Metrics) EventsAppendedTotal() *prometheus.CounterVec {
	return m.eventsAppendedTotal
}

// EventsLoadedTotal returns the events loaded counter.
func (m *Metrics) EventsLoadedTotal() *prometheus.CounterVec {
	return m.eventsLoadedTotal
}

// ProjectionsProcessedTotal returns the projections processed counter.
func (m *Metrics) ProjectionsProcessedTotal() *prometheus.CounterVec {
	return m.projectionsProcessedTotal
}

// DocumentsWrittenTotal returns the documents written counter.
func (m *Metrics) DocumentsWrittenTotal() *prometheus.CounterVec {
	return m.documentsWrittenTotal
}

// ErrorsTotal returns the errors counter.
func (m *Metrics) ErrorsTotal() *prometheus.CounterVec {
	return m.errorsTotal
}
