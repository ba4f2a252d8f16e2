package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"foundry/internal/models"
	"foundry/internal/store"
)

type fakeBackend struct {
	mu       sync.Mutex
	saves    []models.Chats
	inFlight atomic.Int32
	maxSeen  atomic.Int32
	gate     chan struct{}
	fail     atomic.Bool
}

func (f *fakeBackend) LoadChats(context.Context) (models.Chats, []string, error) {
	return models.Chats{}, nil, nil
}

func (f *fakeBackend) SaveChats(_ context.Context, chats models.Chats) error {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		m := f.maxSeen.Load()
		if n <= m || f.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}
	if f.gate != nil {
		<-f.gate
	}
	if f.fail.Load() {
		return errors.New("backend down")
	}
	f.mu.Lock()
	f.saves = append(f.saves, chats)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) DeleteChat(context.Context, string) error { return nil }

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saves)
}

func (f *fakeBackend) last() models.Chats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves[len(f.saves)-1]
}

func TestDebounceCollapsesBursts(t *testing.T) {
	st := store.New()
	be := &fakeBackend{}
	q := NewQueue(st, be, 20*time.Millisecond, nil)
	q.MarkLoaded()
	q.Start(context.Background())
	defer q.Close()

	st.Create("c1", nil)
	for i := 0; i < 5; i++ {
		require.NoError(t, st.Append("c1", models.NewHumanMessage("x")))
	}

	require.Eventually(t, func() bool { return be.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, be.count())
	assert.Len(t, be.last()["c1"].Messages, 5)
}

func TestSingleSaveInFlightCoalesces(t *testing.T) {
	st := store.New()
	be := &fakeBackend{gate: make(chan struct{})}
	q := NewQueue(st, be, 5*time.Millisecond, nil)
	q.MarkLoaded()
	q.Start(context.Background())
	defer q.Close()

	st.Create("c1", nil)
	require.Eventually(t, func() bool { return be.inFlight.Load() == 1 }, time.Second, time.Millisecond)

	// changes made while the first save is blocked
	for i := 0; i < 3; i++ {
		require.NoError(t, st.Append("c1", models.NewHumanMessage("x")))
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, int32(1), be.inFlight.Load())

	be.gate <- struct{}{}
	be.gate <- struct{}{}

	require.Eventually(t, func() bool { return be.count() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), be.maxSeen.Load())
	assert.Len(t, be.last()["c1"].Messages, 3)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 2, be.count())
}

func TestNoSaveBeforeLoad(t *testing.T) {
	st := store.New()
	be := &fakeBackend{}
	q := NewQueue(st, be, 5*time.Millisecond, nil)
	q.Start(context.Background())
	defer q.Close()

	st.Create("c1", nil)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, 0, be.count())
	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 0, be.count())
}

func TestLoadedStateIsNotResaved(t *testing.T) {
	st := store.New()
	st.Replace(models.Chats{"c1": models.NewConversation()}, nil)
	be := &fakeBackend{}
	q := NewQueue(st, be, 5*time.Millisecond, nil)
	q.MarkLoaded()

	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 0, be.count())
}

func TestFailedSaveRetriedOnNextChange(t *testing.T) {
	st := store.New()
	be := &fakeBackend{}
	be.fail.Store(true)
	q := NewQueue(st, be, 5*time.Millisecond, nil)
	q.MarkLoaded()
	q.Start(context.Background())
	defer q.Close()

	st.Create("c1", nil)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, be.count())

	be.fail.Store(false)
	require.NoError(t, st.SetTitle("c1", "t"))
	require.Eventually(t, func() bool { return be.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "t", be.last()["c1"].Title)
}

func TestFlushSavesImmediately(t *testing.T) {
	st := store.New()
	be := &fakeBackend{}
	q := NewQueue(st, be, time.Hour, nil)
	q.MarkLoaded()
	q.Start(context.Background())
	defer q.Close()

	st.Create("c1", nil)
	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 1, be.count())
	require.NoError(t, q.Flush(context.Background()))
	assert.Equal(t, 1, be.count())
}
