package store

import "sync"

type onceSubscription struct {
	once sync.Once
	fn   func()
}

// NewSubscription wraps fn so that Unsubscribe runs it at most once.
func NewSubscription(fn func()) Subscription {
	return &onceSubscription{fn: fn}
}

func (s *onceSubscription) Unsubscribe() {
	s.once.Do(func() {
		if s.fn != nil {
			s.fn()
		}
	})
}

// SubscriptionSet owns a group of subscriptions that are released
// together. It can be reused after Close.
type SubscriptionSet struct {
	mu   sync.Mutex
	subs []Subscription
}

func (s *SubscriptionSet) Add(sub Subscription) {
	if sub == nil {
		return
	}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
}

func (s *SubscriptionSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close unsubscribes everything in reverse order of registration.
func (s *SubscriptionSet) Close() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for i := len(subs) - 1; i >= 0; i-- {
		subs[i].Unsubscribe()
	}
}
