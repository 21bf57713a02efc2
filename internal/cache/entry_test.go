package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryAppendAndComplete(t *testing.T) {
	e := newEntry(1, KindTell, "hi")
	require.Equal(t, StatusActive, e.CurrentStatus())

	require.NoError(t, e.Append(Message{Type: "assistant"}))
	require.NoError(t, e.Append(Message{Type: "result"}))

	assert.Equal(t, StatusCompleted, e.CurrentStatus())
	assert.False(t, e.CompletedAt().IsZero())
	assert.Len(t, e.Messages(), 2)
}

func TestEntryAppendAfterTerminalIsStateError(t *testing.T) {
	e := newEntry(1, KindTell, "hi")
	e.Complete()

	err := e.Append(Message{Type: "assistant"})
	assert.ErrorIs(t, err, ErrStateError)
	assert.Len(t, e.Messages(), 0)
}

func TestEntryTerminalTransitionOnlyOnce(t *testing.T) {
	e := newEntry(1, KindTell, "hi")
	e.Complete()
	completedAt := e.CompletedAt()

	e.Error("boom")
	e.Terminate()

	assert.Equal(t, StatusCompleted, e.CurrentStatus())
	assert.Equal(t, completedAt, e.CompletedAt())
	assert.Empty(t, e.ErrorReason())
}

func TestEntryErrorRecordsReason(t *testing.T) {
	e := newEntry(1, KindTell, "hi")
	e.Error("spawn failed")
	assert.Equal(t, StatusErrored, e.CurrentStatus())
	assert.Equal(t, "spawn failed", e.ErrorReason())
}

func TestEntryStatusSubscribeAfterCompletion(t *testing.T) {
	e := newEntry(1, KindTell, "hi")
	e.Complete()

	ch, unsubscribe := e.Status().Subscribe()
	defer unsubscribe()

	select {
	case v := <-ch:
		assert.Equal(t, StatusCompleted, v)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive current value on subscribe")
	}
}

func TestEntryConcurrentAppendAndTransition(t *testing.T) {
	e := newEntry(1, KindTell, "hi")
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = e.Append(Message{Type: "assistant"})
		}()
	}
	wg.Wait()
	e.Complete()
	assert.True(t, e.CurrentStatus().IsTerminal())
}

func TestIsSystemInitAndIsResult(t *testing.T) {
	assert.True(t, IsSystemInit(Message{Type: "system", Subtype: "init"}))
	assert.False(t, IsSystemInit(Message{Type: "system", Subtype: "other"}))
	assert.True(t, IsResult(Message{Type: "result"}))
	assert.False(t, IsResult(Message{Type: "assistant"}))
}
