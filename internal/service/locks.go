package service

import "sync"

// chatLocks serialises turns per (tenant, chat). Entries are reference
// counted so idle chats do not accumulate in the map.
type chatLocks struct {
	mu    sync.Mutex
	locks map[string]*chatLock
}

type chatLock struct {
	mu   sync.Mutex
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[string]*chatLock)}
}

// lock blocks until the chat is free and returns the matching unlock.
func (l *chatLocks) lock(tenantID, chatID string) func() {
	key := tenantID + "/" + chatID

	l.mu.Lock()
	cl, ok := l.locks[key]
	if !ok {
		cl = &chatLock{}
		l.locks[key] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			cl.mu.Unlock()
			l.mu.Lock()
			cl.refs--
			if cl.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

// size is the number of chats currently holding or waiting for a lock.
func (l *chatLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
