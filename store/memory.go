package store

import (
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/facebookgo/stackerr"

	"github.com/frm2/nicoscache/log"
	"github.com/frm2/nicoscache/protocol"
)

type Config struct {
	// MaxEntries is number of values kept per key for history queries.
	// Values less than 1 mean 1.
	MaxEntries int
	// CleanInterval is period of expired values check. Zero disables cleaner.
	CleanInterval time.Duration
}

// Memory is database which keeps everything in memory.
type Memory struct {
	log      log.Logger
	conf     Config
	notifier Notifier
	now      func() float64
	// journal, if set, receives every stored value.
	journal journal

	mu sync.Mutex
	db map[string][]*entry

	locks    lockTable
	rewrites rewriteTable

	stop     chan struct{}
	stopOnce sync.Once
	cleaner  sync.WaitGroup
}

type journal interface {
	NewTransaction() io.WriteCloser
}

var _ Database = (*Memory)(nil)

func NewMemory(l log.Logger, conf Config) *Memory {
	if conf.MaxEntries < 1 {
		conf.MaxEntries = 1
	}
	return &Memory{
		log:  l,
		conf: conf,
		now:  protocol.Now,
		db:   make(map[string][]*entry),
		stop: make(chan struct{}),
	}
}

func (m *Memory) SetNotifier(n Notifier) { m.notifier = n }

func (m *Memory) Init() error {
	if m.conf.CleanInterval > 0 {
		m.cleaner.Add(1)
		go m.cleanLoop()
	}
	return nil
}

func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	m.cleaner.Wait()
	return nil
}

func (m *Memory) Tell(key, value string, time, ttl float64, from Client) error {
	updates, err := m.set(key, value, time, ttl)
	for _, u := range updates {
		m.notify(u, from)
	}
	return err
}

// set stores value under key and its rewrites, returns updates to send.
func (m *Memory) set(key, value string, time, ttl float64) (updates []Update, err error) {
	if value == "" {
		// Deletes can't have ttl.
		ttl = 0
	}
	persist := true
	if strings.HasSuffix(key, protocol.FlagNoStore) {
		key = strings.TrimSuffix(key, protocol.FlagNoStore)
		persist = false
	}
	category, subkey := splitKey(key)
	for _, cat := range m.rewrites.targets(category) {
		fullKey := joinKey(cat, subkey)
		e := &entry{time: time, ttl: ttl, value: value}
		m.mu.Lock()
		changed := m.store(fullKey, e)
		var t io.WriteCloser
		if changed && persist && m.journal != nil {
			// Taken under db lock: journal order is the same as apply order.
			t = m.journal.NewTransaction()
		}
		m.mu.Unlock()
		if t != nil {
			_, werr := io.WriteString(t, protocol.TimedReply(time, ttl, fullKey, protocol.OpTell, value))
			cerr := t.Close()
			if werr == nil {
				werr = cerr
			}
			if werr != nil && err == nil {
				err = stackerr.Wrap(werr)
			}
		}
		if changed {
			updates = append(updates, Update{Key: fullKey, Op: protocol.OpTell, Value: value, Time: time, TTL: ttl})
		}
	}
	return
}

// store requires lock be acquired. Returns false if value was not really changed.
func (m *Memory) store(key string, e *entry) (changed bool) {
	entries := m.db[key]
	changed = true
	if len(entries) != 0 {
		last := entries[len(entries)-1]
		if last.value == e.value && last.ttl == 0 && !last.expired {
			changed = false
		}
	}
	entries = append(entries, e)
	if len(entries) > m.conf.MaxEntries {
		entries = append(entries[:0], entries[len(entries)-m.conf.MaxEntries:]...)
	}
	m.db[key] = entries
	return
}

func (m *Memory) notify(u Update, from Client) {
	if m.notifier != nil {
		m.notifier.Notify(u, from)
	}
}

func (m *Memory) last(key string) (e entry, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := m.db[key]
	if len(entries) == 0 {
		return
	}
	return *entries[len(entries)-1], true
}

func (m *Memory) Ask(key string, ts bool, time, ttl float64) ([]string, error) {
	e, ok := m.last(key)
	if !ok || e.deleted() {
		return []string{protocol.Reply(key, protocol.OpTellOld, "")}, nil
	}
	return []string{e.reply(key, ts, m.now())}, nil
}

func (m *Memory) AskWildcard(key string, ts bool, time, ttl float64) ([]string, error) {
	now := m.now()
	var res []string
	m.mu.Lock()
	for dbKey, entries := range m.db {
		if !strings.Contains(dbKey, key) {
			continue
		}
		e := entries[len(entries)-1]
		if e.deleted() {
			continue
		}
		res = append(res, e.reply(dbKey, ts, now))
	}
	m.mu.Unlock()
	sort.Strings(res)
	return res, nil
}

func (m *Memory) AskHist(key string, from, to float64) ([]string, error) {
	if from > to {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []string
	inRange := false
	for _, e := range m.db[key] {
		line := protocol.TimedReply(e.time, 0, key, protocol.OpTell, e.value)
		if from <= e.time && e.time <= to {
			res = append(res, line)
			inRange = true
		} else if !inRange && !e.deleted() {
			// Value before range is valid at range start.
			res = []string{line}
		}
	}
	if !inRange {
		return nil, nil
	}
	return res, nil
}

func (m *Memory) Lock(key, value string, time, ttl float64) ([]string, error) {
	reply, err := m.locks.lock(key, value, time, ttl, m.now())
	if err != nil {
		return nil, err
	}
	m.log.Debugf("Lock request %s%s%s: %q.", key, protocol.OpLock, value, reply)
	return []string{reply}, nil
}

func (m *Memory) Rewrite(key, value string) error {
	m.rewrites.set(key, value)
	return nil
}

func (m *Memory) cleanLoop() {
	defer m.cleaner.Done()
	ticker := time.NewTicker(m.conf.CleanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.clean()
		}
	}
}

// clean marks expired values and notifies clients about them.
func (m *Memory) clean() {
	now := m.now()
	var updates []Update
	m.mu.Lock()
	for key, entries := range m.db {
		e := entries[len(entries)-1]
		if e.deleted() || e.expired || e.ttl == 0 {
			continue
		}
		if e.time+e.ttl < now {
			e.expired = true
			updates = append(updates, Update{Key: key, Op: protocol.OpTellOld, Value: e.value, Time: now})
		}
	}
	m.mu.Unlock()
	for _, u := range updates {
		m.log.Debugf("Value of %s expired.", u.Key)
		m.notify(u, nil)
	}
}
