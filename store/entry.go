package store

import "github.com/frm2/nicoscache/protocol"

type entry struct {
	time  float64
	ttl   float64
	value string
	// expired is set by cleaner.
	expired bool
}

func (e *entry) deleted() bool { return e.value == "" }

func (e *entry) isExpired(now float64) bool {
	return e.expired || (e.ttl != 0 && e.time+e.ttl <= now)
}

// reply renders entry as ask reply.
func (e *entry) reply(key string, ts bool, now float64) string {
	op := protocol.OpTell
	if e.isExpired(now) {
		op = protocol.OpTellOld
	}
	if ts {
		return protocol.TimedReply(e.time, e.ttl, key, op, e.value)
	}
	return protocol.Reply(key, op, e.value)
}
