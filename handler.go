package nicoscache

import (
	"sync"

	"github.com/frm2/nicoscache/internal/util"
	"github.com/frm2/nicoscache/log"
	"github.com/frm2/nicoscache/protocol"
	"github.com/frm2/nicoscache/store"
)

// handler translates protocol lines into database calls.
// It is shared by TCP and UDP workers.
type handler struct {
	name    string
	log     log.Logger
	db      store.Database
	metrics *Metrics
	// closedown is called on empty or garbled line.
	closedown func()
	now       func() float64

	subsLock sync.Mutex
	// Subscriptions are key substrings.
	updatesOn   map[string]struct{}
	tsUpdatesOn map[string]struct{}
}

func (h *handler) init(name string, l log.Logger, db store.Database, m *Metrics, closedown func()) {
	h.name = name
	h.log = l
	h.db = db
	h.metrics = m
	h.closedown = closedown
	h.now = protocol.Now
	h.updatesOn = make(map[string]struct{})
	h.tsUpdatesOn = make(map[string]struct{})
}

func (h *handler) Name() string { return h.name }

// process handles all complete lines in data, passes replies to reply
// and returns unprocessed rest. Lines that are not UTF-8 are skipped.
// On empty or garbled line worker is closed down and nil returned.
func (h *handler) process(data []byte, reply func(string)) []byte {
	for {
		msgs, rest, err := protocol.Decode(data, h.now())
		for _, m := range msgs {
			h.metrics.LinesReceived.Mark(1)
			res, herr := h.handle(m)
			if herr != nil {
				h.metrics.BackendErrors.Mark(1)
				h.log.Warnf("Error handling line %q: %v", m.String(), util.Unwrap(herr))
				continue
			}
			for _, line := range res {
				reply(line)
			}
		}
		switch {
		case err == nil:
			return rest
		case protocol.IsEncoding(err):
			h.metrics.GarbledLines.Mark(1)
			h.log.Warn(err)
			data = rest
			continue
		case err == protocol.ErrEmptyLine:
			h.log.Info("Got empty line, closing connection.")
		case protocol.IsGarbled(err):
			h.metrics.GarbledLines.Mark(1)
			h.log.Warn(err)
		}
		h.closedown()
		return nil
	}
}

func (h *handler) handle(m protocol.Message) ([]string, error) {
	switch m.Op {
	case protocol.OpTell:
		return nil, h.db.Tell(m.Key, m.Value, m.Time, m.TTL, h)
	case protocol.OpAsk:
		if m.TTL != 0 {
			// Ask with ttl is history request for [time, time+ttl].
			return h.db.AskHist(m.Key, m.Time, m.Time+m.TTL)
		}
		return h.db.Ask(m.Key, m.TSOp, m.Time, m.TTL)
	case protocol.OpWildcard:
		return h.db.AskWildcard(m.Key, m.TSOp, m.Time, m.TTL)
	case protocol.OpSubscribe:
		h.subscribe(m.Key, m.TSOp)
	case protocol.OpTellOld:
		// Server should not get it.
	case protocol.OpLock:
		return h.db.Lock(m.Key, m.Value, m.Time, m.TTL)
	case protocol.OpRewrite:
		return nil, h.db.Rewrite(m.Key, m.Value)
	}
	return nil, nil
}

func (h *handler) subscribe(key string, ts bool) {
	h.subsLock.Lock()
	defer h.subsLock.Unlock()
	if ts {
		h.tsUpdatesOn[key] = struct{}{}
	} else {
		h.updatesOn[key] = struct{}{}
	}
}

// update sends at most one line for u, if key matches any subscription.
// Timestamped subscriptions are checked first.
func (h *handler) update(u store.Update, send func(string)) {
	line, ok := h.updateLine(u)
	if !ok {
		return
	}
	h.metrics.UpdatesSent.Mark(1)
	send(line)
}

func (h *handler) updateLine(u store.Update) (string, bool) {
	h.subsLock.Lock()
	defer h.subsLock.Unlock()
	for sub := range h.tsUpdatesOn {
		if contains(u.Key, sub) {
			t := u.Time
			if t == 0 {
				t = h.now()
			}
			return protocol.TimedReply(t, u.TTL, u.Key, u.Op, u.Value), true
		}
	}
	for sub := range h.updatesOn {
		if contains(u.Key, sub) {
			return protocol.Reply(u.Key, u.Op, u.Value), true
		}
	}
	return "", false
}
