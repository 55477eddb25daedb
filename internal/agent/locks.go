package agent

import (
	"context"
	"sync"
)

// ConversationLocks serializes work on one conversation while letting
// different conversations proceed in parallel. Entries live only while
// someone holds or waits for them.
type ConversationLocks struct {
	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	sem  chan struct{}
	refs int
}

func NewConversationLocks() *ConversationLocks {
	return &ConversationLocks{locks: make(map[string]*convLock)}
}

// Lock blocks until the conversation is free or ctx is done. The returned
// func releases the lock and must be called exactly once.
func (l *ConversationLocks) Lock(ctx context.Context, conversationID string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[conversationID]
	if !ok {
		e = &convLock{sem: make(chan struct{}, 1)}
		l.locks[conversationID] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.sem
				l.drop(conversationID, e)
			})
		}, nil
	case <-ctx.Done():
		l.drop(conversationID, e)
		return nil, ctx.Err()
	}
}

func (l *ConversationLocks) drop(id string, e *convLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, id)
	}
}

// Len is the number of conversations currently locked or awaited.
func (l *ConversationLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
