// Package store holds the authoritative in-memory set of conversations.
// Every read returns a deep copy and every mutation bumps a version that
// subscribers are notified about.
package store

import (
	"errors"
	"sort"
	"sync"

	"foundry/internal/models"
)

var ErrNoConversation = errors.New("conversation not found")

type Store struct {
	mu      sync.RWMutex
	chats   models.Chats
	order   []string
	version uint64
	subs    map[chan uint64]struct{}
}

func New() *Store {
	return &Store{
		chats: make(models.Chats),
		subs:  make(map[chan uint64]struct{}),
	}
}

// Subscribe returns a channel that receives the latest version after each
// mutation. A slow reader only ever sees the most recent version.
func (s *Store) Subscribe() <-chan uint64 {
	ch := make(chan uint64, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Store) Unsubscribe(ch <-chan uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.subs {
		if c == ch {
			delete(s.subs, c)
			close(c)
			return
		}
	}
}

func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// changed must be called with the write lock held.
func (s *Store) changed() {
	s.version++
	for ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s.version
	}
}

// Create adds an empty conversation under id, or keeps the existing one.
func (s *Store) Create(id string, conv *models.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; ok {
		return
	}
	if conv == nil {
		conv = models.NewConversation()
	}
	s.chats[id] = conv.Clone()
	s.order = append([]string{id}, s.order...)
	s.changed()
}

// Replace swaps the whole set, keeping ids in the given order. Ids missing
// from order are appended sorted.
func (s *Store) Replace(chats models.Chats, order []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats = chats.Clone()
	s.order = s.order[:0]
	seen := make(map[string]bool, len(chats))
	for _, id := range order {
		if _, ok := s.chats[id]; ok && !seen[id] {
			s.order = append(s.order, id)
			seen[id] = true
		}
	}
	var rest []string
	for id := range s.chats {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	s.order = append(s.order, rest...)
	s.changed()
}

// Append adds messages to the end of a conversation.
func (s *Store) Append(id string, msgs ...models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.chats[id]
	if !ok {
		return ErrNoConversation
	}
	for _, m := range msgs {
		conv.Messages = append(conv.Messages, m.Clone())
	}
	s.changed()
	return nil
}

// UpdateLastAI applies fn to the most recent ai message of a conversation.
// When there is none, an empty ai message is appended first.
func (s *Store) UpdateLastAI(id string, fn func(*models.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.chats[id]
	if !ok {
		return ErrNoConversation
	}
	idx := models.LastAIIndex(conv.Messages)
	if idx < 0 {
		conv.Messages = append(conv.Messages, models.NewAIMessage())
		idx = len(conv.Messages) - 1
	}
	fn(&conv.Messages[idx])
	s.changed()
	return nil
}

func (s *Store) SetTitle(id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.chats[id]
	if !ok {
		return ErrNoConversation
	}
	conv.Title = title
	s.changed()
	return nil
}

func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chats[id]; !ok {
		return false
	}
	delete(s.chats, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	s.changed()
	return true
}

func (s *Store) Get(id string) (*models.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.chats[id]
	if !ok {
		return nil, false
	}
	return conv.Clone(), true
}

// Snapshot returns a deep copy of every conversation with the version it
// was taken at.
func (s *Store) Snapshot() (models.Chats, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chats.Clone(), s.version
}

// IDs lists conversation ids, most recently created or loaded first.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.chats)
}
