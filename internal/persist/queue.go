// Package persist mirrors the conversation store to a persistence backend
// with debounced, strictly sequential saves.
package persist

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"foundry/internal/models"
	"foundry/internal/store"
)

const DefaultDebounce = 1000 * time.Millisecond

// Errors a backend returns from DeleteChat.
var (
	ErrNotFound  = errors.New("chat not found")
	ErrForbidden = errors.New("chat belongs to another user")
)

// Backend stores a user's set of conversations by opaque id.
type Backend interface {
	// LoadChats returns every conversation and the ids in backend order,
	// most recently updated first.
	LoadChats(ctx context.Context) (models.Chats, []string, error)
	// SaveChats upserts every conversation, message and tool call given.
	SaveChats(ctx context.Context, chats models.Chats) error
	DeleteChat(ctx context.Context, id string) error
}

// Queue is a write-behind saver. Only one save is ever outstanding; changes
// made while a save runs are folded into a single follow-up save.
type Queue struct {
	store    *store.Store
	backend  Backend
	debounce time.Duration
	log      *zap.SugaredLogger

	saveMu sync.Mutex
	saved  uint64
	loaded atomic.Bool

	updates <-chan uint64
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func NewQueue(st *store.Store, backend Backend, debounce time.Duration, log *zap.SugaredLogger) *Queue {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Queue{
		store:    st,
		backend:  backend,
		debounce: debounce,
		log:      log,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the store and runs the save loop until Close.
func (q *Queue) Start(ctx context.Context) {
	q.updates = q.store.Subscribe()
	go q.run(ctx)
}

// MarkLoaded enables saving. The state present at this point came from the
// backend and is treated as already saved.
func (q *Queue) MarkLoaded() {
	q.saveMu.Lock()
	q.saved = q.store.Version()
	q.saveMu.Unlock()
	q.loaded.Store(true)
}

func (q *Queue) Loaded() bool {
	return q.loaded.Load()
}

func (q *Queue) run(ctx context.Context) {
	defer close(q.done)

	timer := time.NewTimer(q.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		case _, ok := <-q.updates:
			if !ok {
				return
			}
			timer.Reset(q.debounce)
		case <-timer.C:
			if err := q.save(ctx); err != nil {
				q.log.Warnw("saving chats failed, will retry on next change", "error", err)
			}
		}
	}
}

// Flush saves right away if there are unsaved changes.
func (q *Queue) Flush(ctx context.Context) error {
	return q.save(ctx)
}

func (q *Queue) save(ctx context.Context) error {
	q.saveMu.Lock()
	defer q.saveMu.Unlock()

	if !q.loaded.Load() {
		return nil
	}
	chats, version := q.store.Snapshot()
	if version <= q.saved {
		return nil
	}
	if err := q.backend.SaveChats(ctx, chats); err != nil {
		return err
	}
	q.saved = version
	q.log.Debugw("chats saved", "version", version, "count", len(chats))
	return nil
}

// Close stops the loop and waits for an in-flight save to finish.
func (q *Queue) Close() {
	q.once.Do(func() {
		close(q.stop)
		if q.updates != nil {
			<-q.done
			q.store.Unsubscribe(q.updates)
		}
	})
}
