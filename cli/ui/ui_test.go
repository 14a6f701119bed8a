package ui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
)

func TestRebuildModel(t *testing.T) {
	t.Run("starts empty", func(t *testing.T) {
		m := NewRebuild("quest", 4)
		assert.Nil(t, m.Init())
		assert.Equal(t, float64(0), m.Percent())
		assert.Contains(t, m.View(), "quest 0/4 streams")
	})

	t.Run("tracks progress", func(t *testing.T) {
		model, cmd := NewRebuild("quest", 4).Update(RebuildProgressMsg{Streams: 2, Events: 10})
		m := model.(RebuildModel)
		assert.Nil(t, cmd)
		assert.Equal(t, 0.5, m.Percent())
		assert.Contains(t, m.View(), "2/4")
	})

	t.Run("caps at one", func(t *testing.T) {
		model, _ := NewRebuild("quest", 1).Update(RebuildProgressMsg{Streams: 3})
		assert.Equal(t, float64(1), model.(RebuildModel).Percent())
		assert.Equal(t, float64(1), NewRebuild("quest", 0).Percent())
	})

	t.Run("finishes", func(t *testing.T) {
		model, _ := NewRebuild("quest", 2).Update(RebuildProgressMsg{Streams: 2, Events: 7})
		model, cmd := model.(RebuildModel).Update(RebuildDoneMsg{})
		m := model.(RebuildModel)
		assert.NotNil(t, cmd)
		assert.NoError(t, m.Err())
		assert.Contains(t, m.View(), "Rebuilt quest: 2 streams, 7 events")
	})

	t.Run("reports failure", func(t *testing.T) {
		model, _ := NewRebuild("quest", 2).Update(RebuildDoneMsg{Err: assert.AnError})
		m := model.(RebuildModel)
		assert.ErrorIs(t, m.Err(), assert.AnError)
		assert.Contains(t, m.View(), "failed")
	})

	t.Run("quits on ctrl+c", func(t *testing.T) {
		model, cmd := NewRebuild("quest", 2).Update(tea.KeyMsg{Type: tea.KeyCtrlC})
		m := model.(RebuildModel)
		assert.NotNil(t, cmd)
		assert.True(t, m.Cancelled())
		assert.Contains(t, m.View(), "cancelled")
	})

	t.Run("ignores other messages", func(t *testing.T) {
		_, cmd := NewRebuild("quest", 2).Update(tea.WindowSizeMsg{})
		assert.Nil(t, cmd)
	})
}

func TestTable(t *testing.T) {
	t.Run("widens columns", func(t *testing.T) {
		table := NewTable("Stream", "Version")
		table.AddRow("quest-1", "5")
		table.AddRow("quest-with-a-long-id", "12")

		assert.Equal(t, 2, table.Len())
		assert.Equal(t, len("quest-with-a-long-id"), table.widths[0])
		assert.Equal(t, len("Version"), table.widths[1])
	})

	t.Run("pads short rows", func(t *testing.T) {
		table := NewTable("Stream", "Type", "Version")
		table.AddRow("quest-1", "Quest")
		assert.Equal(t, []string{"quest-1", "Quest", ""}, table.rows[0])
	})

	t.Run("renders borders and cells", func(t *testing.T) {
		table := NewTable("Stream", "Version")
		table.AddRow("quest-1", "5")
		rendered := table.Render()

		for _, s := range []string{"┌", "┐", "└", "┘", "Stream", "quest-1"} {
			assert.Contains(t, rendered, s)
		}
	})

	t.Run("empty table", func(t *testing.T) {
		assert.Empty(t, (&Table{}).Render())
	})
}

func TestStatusBadge(t *testing.T) {
	for _, status := range []string{"inline", "live", "failed", "unknown", "OK"} {
		t.Run(status, func(t *testing.T) {
			assert.Contains(t, StatusBadge(status), status)
		})
	}
}

func TestTextHelpers(t *testing.T) {
	assert.Contains(t, SimpleBanner(), "stoat")
	assert.Contains(t, Divider(10), "─")
}
