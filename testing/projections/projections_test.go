package projections

import (
	"context"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"

	stoat "github.com/AshkanYarmoradi/go-stoat"
	"github.com/AshkanYarmoradi/go-stoat/examples/quest"
)

// =============================================================================
// Mock testing.TB for testing failure cases
// =============================================================================

// mockT is a mock testing.TB that captures test failures for testing fixture functions
type mockT struct {
	testing.TB // embed to satisfy unexported methods
	failed     bool
	fatal      bool
}

func (m *mockT) Helper() {}

func (m *mockT) Error(args ...any)                 { m.failed = true }
func (m *mockT) Errorf(format string, args ...any) { m.failed = true }
func (m *mockT) Fail()                             { m.failed = true }
func (m *mockT) FailNow()                          { m.failed = true; runtime.Goexit() }
func (m *mockT) Failed() bool                      { return m.failed }
func (m *mockT) Fatal(args ...any)                 { m.failed = true; m.fatal = true; runtime.Goexit() }
func (m *mockT) Fatalf(format string, args ...any) { m.failed = true; m.fatal = true; runtime.Goexit() }

func runWithMockT(fn func(m *mockT)) *mockT {
	mt := &mockT{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(mt)
	}()
	<-done
	return mt
}

func started(id string) quest.QuestStarted {
	return quest.QuestStarted{QuestID: id, Name: "Destroy the One Ring"}
}

func joined(id string, members ...string) quest.MembersJoined {
	return quest.MembersJoined{QuestID: id, Day: 1, Location: "Hobbiton", Members: members}
}

// =============================================================================
// Projection Fixture Tests
// =============================================================================

func TestProjectionFixture(t *testing.T) {
	t.Run("given events then state", func(t *testing.T) {
		TestProjection(t, quest.NewQuestProjection(), quest.Events()...).
			GivenStream("quest-1", started("quest-1"), joined("quest-1", "Frodo", "Sam")).
			GivenEvents("quest-1", quest.MembersDeparted{QuestID: "quest-1", Members: []string{"Sam"}}).
			ThenVersion("quest-1", 3).
			ThenState("quest-1", quest.Quest{
				ID:      "quest-1",
				Name:    "Destroy the One Ring",
				Members: []string{"Frodo"},
				Slayed:  []string{},
			})
	})

	t.Run("state matches a custom check", func(t *testing.T) {
		TestProjection(t, quest.NewQuestProjection(), quest.Events()...).
			GivenStream("quest-1", started("quest-1"), quest.QuestEnded{QuestID: "quest-1"}).
			ThenStateMatches("quest-1", func(t TB, q quest.Quest) {
				assert.True(t, q.IsFinished)
			})
	})

	t.Run("append to a missing stream", func(t *testing.T) {
		TestProjection(t, quest.NewQuestProjection(), quest.Events()...).
			WhenAppending("quest-1", joined("quest-1", "Frodo")).
			ThenError(stoat.ErrStreamNotFound).
			ThenNoDocument("quest-1")
	})

	t.Run("starting twice", func(t *testing.T) {
		f := TestProjection(t, quest.NewQuestProjection(), quest.Events()...).
			WhenStarting("quest-1", started("quest-1")).
			ThenNoError()
		assert.Equal(t, int64(1), f.Result().Version("quest-1"))

		f.WhenStarting("quest-1", started("quest-1")).
			ThenError(stoat.ErrStreamAlreadyExists)
	})

	t.Run("creator kind appended later is skipped", func(t *testing.T) {
		TestProjection(t, quest.NewQuestProjection(), quest.Events()...).
			GivenStream("quest-1", started("quest-1")).
			WhenAppending("quest-1", started("quest-1")).
			ThenNoError().
			ThenSkipped(stoat.ErrNoApplyHandler).
			ThenVersion("quest-1", 1)
	})

	t.Run("live projections write no document", func(t *testing.T) {
		f := TestProjection(t, quest.NewPartyProjection(), quest.Events()...).
			GivenStream("quest-1", started("quest-1"), joined("quest-1", "Frodo")).
			ThenNoDocument("quest-1").
			ThenState("quest-1", quest.QuestParty{ID: "quest-1", Members: []string{"Frodo"}})

		assert.Len(t, f.Events("quest-1"), 2)
		assert.NotNil(t, f.Store())
	})

	t.Run("with context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		TestProjection(t, quest.NewQuestProjection(), quest.Events()...).
			WithContext(ctx).
			WhenStarting("quest-1", started("quest-1")).
			ThenError(context.Canceled)
	})
}

func TestProjectionFixture_Failures(t *testing.T) {
	t.Run("state mismatch", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			TestProjection(m, quest.NewQuestProjection(), quest.Events()...).
				GivenStream("quest-1", started("quest-1")).
				ThenState("quest-1", quest.Quest{ID: "other"})
		})
		assert.True(t, mt.failed)
		assert.False(t, mt.fatal)
	})

	t.Run("missing stream is fatal", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			TestProjection(m, quest.NewQuestProjection(), quest.Events()...).
				GivenEvents("quest-1", joined("quest-1", "Frodo"))
		})
		assert.True(t, mt.fatal)
	})

	t.Run("unexpected error", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			TestProjection(m, quest.NewQuestProjection(), quest.Events()...).
				WhenStarting("quest-1", started("quest-1")).
				ThenError(stoat.ErrConcurrencyConflict)
		})
		assert.True(t, mt.failed)
	})

	t.Run("not skipped", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			TestProjection(m, quest.NewQuestProjection(), quest.Events()...).
				WhenStarting("quest-1", started("quest-1")).
				ThenSkipped(stoat.ErrNoApplyHandler)
		})
		assert.True(t, mt.failed)
	})

}

// =============================================================================
// Fold Fixture Tests
// =============================================================================

func TestFoldFixture(t *testing.T) {
	t.Run("folds payloads", func(t *testing.T) {
		TestFold(t, quest.NewPartyProjection(), "quest-1").
			Given(started("quest-1"), joined("quest-1", "Frodo", "Sam")).
			Given(quest.MembersEscaped{QuestID: "quest-1", Members: []string{"Frodo"}}).
			Then(quest.QuestParty{ID: "quest-1", Members: []string{"Sam"}})
	})

	t.Run("fails without a creator", func(t *testing.T) {
		TestFold(t, quest.NewQuestProjection(), "quest-1").
			Given(joined("quest-1", "Frodo")).
			ThenFails(stoat.ErrNoCreatorEvent)
	})

	t.Run("reports mismatches", func(t *testing.T) {
		mt := runWithMockT(func(m *mockT) {
			TestFold(m, quest.NewPartyProjection(), "quest-1").
				Given(started("quest-1")).
				Then(quest.QuestParty{ID: "quest-2"})
		})
		assert.True(t, mt.failed)
	})
}
