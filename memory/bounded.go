package memory

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// BoundedStore is an in-process Store that keeps at most maxConversations
// conversations, evicting the least recently used, and at most maxMessages
// messages per conversation. Conversations idle longer than the TTL expire.
type BoundedStore struct {
	mu               sync.Mutex
	data             map[string]*conversation
	evictList        *list.List
	maxConversations int
	maxMessages      int
	ttl              time.Duration
	now              func() time.Time
	onEvict          func(key string)
}

type conversation struct {
	key        string
	messages   []Message
	element    *list.Element
	accessTime time.Time
}

// BoundedOption configures a BoundedStore.
type BoundedOption func(*BoundedStore)

// WithMaxConversations sets the maximum number of conversations.
func WithMaxConversations(n int) BoundedOption {
	return func(s *BoundedStore) {
		s.maxConversations = n
	}
}

// WithMaxMessages sets how many trailing messages a conversation keeps.
func WithMaxMessages(n int) BoundedOption {
	return func(s *BoundedStore) {
		s.maxMessages = n
	}
}

// WithTTL expires conversations that were not touched for ttl.
func WithTTL(ttl time.Duration) BoundedOption {
	return func(s *BoundedStore) {
		s.ttl = ttl
	}
}

// WithEvictionCallback sets a callback for conversations evicted by the
// size bound. It runs with the store locked and must not call back into it.
func WithEvictionCallback(fn func(key string)) BoundedOption {
	return func(s *BoundedStore) {
		s.onEvict = fn
	}
}

// NewBoundedStore creates a new bounded store.
func NewBoundedStore(opts ...BoundedOption) *BoundedStore {
	s := &BoundedStore{
		data:             make(map[string]*conversation),
		evictList:        list.New(),
		maxConversations: 1000,
		maxMessages:      50,
		now:              time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Append implements Store.
func (s *BoundedStore) Append(ctx context.Context, key string, msgs ...Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	conv := s.lookup(key)
	if conv == nil {
		conv = &conversation{key: key}
		conv.element = s.evictList.PushFront(conv)
		s.data[key] = conv
	} else {
		s.evictList.MoveToFront(conv.element)
	}
	conv.accessTime = now

	for _, m := range msgs {
		if m.At.IsZero() {
			m.At = now
		}
		conv.messages = append(conv.messages, m)
	}
	if s.maxMessages > 0 && len(conv.messages) > s.maxMessages {
		conv.messages = append([]Message(nil), conv.messages[len(conv.messages)-s.maxMessages:]...)
	}

	s.enforceLimit()
	return nil
}

// History implements Store.
func (s *BoundedStore) History(ctx context.Context, key string) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	conv := s.lookup(key)
	if conv == nil {
		return []Message{}, nil
	}
	conv.accessTime = s.now()
	s.evictList.MoveToFront(conv.element)
	return append([]Message(nil), conv.messages...), nil
}

// Forget implements Store.
func (s *BoundedStore) Forget(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(key)
	return nil
}

// Len returns the number of live conversations.
func (s *BoundedStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// lookup returns the conversation for key, dropping it if expired.
func (s *BoundedStore) lookup(key string) *conversation {
	conv, ok := s.data[key]
	if !ok {
		return nil
	}
	if s.ttl > 0 && s.now().Sub(conv.accessTime) > s.ttl {
		s.remove(key)
		return nil
	}
	return conv
}

func (s *BoundedStore) enforceLimit() {
	for s.maxConversations > 0 && len(s.data) > s.maxConversations {
		oldest := s.evictList.Back()
		if oldest == nil {
			return
		}
		key := oldest.Value.(*conversation).key
		s.remove(key)
		if s.onEvict != nil {
			s.onEvict(key)
		}
	}
}

func (s *BoundedStore) remove(key string) {
	conv, ok := s.data[key]
	if !ok {
		return
	}
	s.evictList.Remove(conv.element)
	delete(s.data, key)
}
