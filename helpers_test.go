package stoat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AshkanYarmoradi/go-stoat/adapters"
	"github.com/AshkanYarmoradi/go-stoat/adapters/memory"
	"github.com/stretchr/testify/require"
)

const accountStream = "Account"

// Test events for the account domain.
type AccountOpened struct {
	AccountID string `json:"accountId"`
	Owner     string `json:"owner"`
}

type FundsDeposited struct {
	Amount int `json:"amount"`
}

type FundsWithdrawn struct {
	Amount int `json:"amount"`
}

// AccountFrozen is declared for the account projection, which has no apply for it.
type AccountFrozen struct {
	Reason string `json:"reason"`
}

// AccountNoted is registered but declared for no projection.
type AccountNoted struct {
	Text string `json:"text"`
}

type Account struct {
	ID      string `json:"id"`
	Owner   string `json:"owner"`
	Balance int    `json:"balance"`
	Entries int    `json:"entries"`
}

type AccountSummary struct {
	Deposits int `json:"deposits"`
}

func newAccountProjection(opts ...ProjectionOption) *Projection[Account] {
	p := NewProjection[Account]("account", accountStream, opts...)
	OnCreate(p, func(e AccountOpened) Account {
		return Account{ID: e.AccountID, Owner: e.Owner}
	})
	OnApply(p, func(e FundsDeposited, a Account) Account {
		a.Balance += e.Amount
		a.Entries++
		return a
	})
	OnApply(p, func(e FundsWithdrawn, a Account) Account {
		a.Balance -= e.Amount
		a.Entries++
		return a
	})
	return p
}

func newSummaryProjection(opts ...ProjectionOption) *Projection[AccountSummary] {
	p := NewProjection[AccountSummary]("account-summary", accountStream, opts...)
	OnCreate(p, func(e AccountOpened) AccountSummary {
		return AccountSummary{}
	})
	OnApply(p, func(e FundsDeposited, s AccountSummary) AccountSummary {
		s.Deposits++
		return s
	})
	return p
}

// registerAccounts registers the account events and the account projection.
func registerAccounts(t *testing.T, store *EventStore) *Projection[Account] {
	t.Helper()
	registry := store.Registry()
	require.NoError(t, registry.Register("AccountOpened", NewJSONCodec(AccountOpened{}), "account"))
	require.NoError(t, registry.Register("FundsDeposited", NewJSONCodec(FundsDeposited{}), "account"))
	require.NoError(t, registry.Register("FundsWithdrawn", NewJSONCodec(FundsWithdrawn{}), "account"))
	require.NoError(t, registry.Register("AccountFrozen", NewJSONCodec(AccountFrozen{})))
	require.NoError(t, registry.Register("AccountNoted", NewJSONCodec(AccountNoted{})))

	p := newAccountProjection()
	require.NoError(t, store.RegisterProjection(p))
	return p
}

func newMemory() *memory.MemoryAdapter {
	return memory.NewAdapter()
}

func newTestStore(t *testing.T, opts ...Option) (*EventStore, *memory.MemoryAdapter) {
	t.Helper()
	adapter := newMemory()
	store := New(adapter, opts...)
	t.Cleanup(func() { _ = store.Close() })
	return store, adapter
}

func openAccount(t *testing.T, store *EventStore, id string, deposits ...int) CommitToken {
	t.Helper()
	events := []interface{}{AccountOpened{AccountID: id, Owner: "ada"}}
	for _, amount := range deposits {
		events = append(events, FundsDeposited{Amount: amount})
	}
	token, err := store.StartStream(context.Background(), id, accountStream, events)
	require.NoError(t, err)
	return token
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func sequentialIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("evt-%d", n)
	}
}

// recordingMetrics captures projection metrics.
type recordingMetrics struct {
	mu        sync.Mutex
	processed []string
	failures  int
	errors    []error
}

func (m *recordingMetrics) RecordEventProcessed(projectionName, eventType string, duration time.Duration, success bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, projectionName+"/"+eventType)
	if !success {
		m.failures++
	}
}

func (m *recordingMetrics) RecordError(projectionName string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors = append(m.errors, err)
}

// recordingLogger captures log messages.
type recordingLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *recordingLogger) record(level, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, level+": "+msg)
}

func (l *recordingLogger) Debug(msg string, args ...interface{}) { l.record("debug", msg) }
func (l *recordingLogger) Info(msg string, args ...interface{})  { l.record("info", msg) }
func (l *recordingLogger) Warn(msg string, args ...interface{})  { l.record("warn", msg) }
func (l *recordingLogger) Error(msg string, args ...interface{}) { l.record("error", msg) }

func (l *recordingLogger) has(entry string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.messages {
		if m == entry {
			return true
		}
	}
	return false
}

// unlistedAdapter hides the StreamLister capability of the memory adapter.
type unlistedAdapter struct {
	adapters.EventStoreAdapter
}
