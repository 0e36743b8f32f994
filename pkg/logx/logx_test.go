package logx

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecentEntriesReturnsNewestLast(t *testing.T) {
	logger := NewLogger("test-recent")
	logger.Info("first message")
	logger.Warn("second message")

	entries := RecentEntries(2)
	require.Len(t, entries, 2)
	assert.Equal(t, "first message", entries[0].Message)
	assert.Equal(t, "second message", entries[1].Message)
	assert.Equal(t, LevelWarn, entries[1].Level)
	assert.Equal(t, "test-recent", entries[1].Source)
}

func TestSinkReceivesEntries(t *testing.T) {
	var mu sync.Mutex
	var got []Entry
	AddSink(func(e Entry) {
		mu.Lock()
		defer mu.Unlock()
		if e.Source == "test-sink" {
			got = append(got, e)
		}
	})

	logger := NewLogger("test-sink")
	logger.Error("boom")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, LevelError, got[0].Level)
	assert.Equal(t, "boom", got[0].Message)
}

func TestDebugSuppressedByDefault(t *testing.T) {
	SetDebug(false)
	logger := NewLogger("test-debug")
	logger.Debug("hidden")

	for _, e := range RecentEntries(0) {
		if e.Source == "test-debug" {
			t.Fatalf("debug entry should have been suppressed: %v", e)
		}
	}
}
