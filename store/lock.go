package store

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/frm2/nicoscache/protocol"
)

// lockTable holds advisory locks. Only one client owns lock at the same time.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]entry
}

func (t *lockTable) lock(key, value string, time, ttl, now float64) (string, error) {
	if len(value) == 0 {
		return "", errors.Wrapf(ErrInvalidLockRequest, "empty request for %q", key)
	}
	req, client := value[0], value[1:]
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.locks == nil {
		t.locks = make(map[string]entry)
	}
	current, locked := t.locks[key]
	switch req {
	case protocol.LockLock:
		if locked && current.value != client && (current.ttl == 0 || current.time+current.ttl >= now) {
			return protocol.Reply(key, protocol.OpLock, current.value), nil
		}
		if ttl == 0 {
			ttl = protocol.DefaultLockTTL
		}
		t.locks[key] = entry{time: time, ttl: ttl, value: client}
		return protocol.Reply(key, protocol.OpLock, ""), nil
	case protocol.LockUnlock:
		if locked && current.value != client {
			return protocol.Reply(key, protocol.OpLock, current.value), nil
		}
		delete(t.locks, key)
		return protocol.Reply(key, protocol.OpLock, ""), nil
	}
	return "", errors.Wrapf(ErrInvalidLockRequest, "%q for %q", value, key)
}
