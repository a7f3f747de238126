// Package store contains cache databases used by the cache server.
//
// Database implementations must be safe for concurrent use: they are
// called from every connection worker.
package store

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/frm2/nicoscache/protocol"
)

var (
	ErrInvalidLockRequest = errors.New("invalid lock request")
)

// Update is a change of stored value, sent to subscribed clients.
type Update struct {
	Key   string
	Op    protocol.Op
	Value string
	Time  float64
	TTL   float64
}

// Client is origin of tell. Notifier does not send update back to its origin.
type Client interface {
	Name() string
}

// Notifier fans out updates to interested clients.
type Notifier interface {
	Notify(u Update, from Client)
}

type Database interface {
	// Init loads persisted state if any and starts background jobs.
	Init() error
	Close() error
	// SetNotifier should be called before Init.
	SetNotifier(n Notifier)

	// Tell stores value. Empty value deletes key.
	Tell(key, value string, time, ttl float64, from Client) error
	Ask(key string, ts bool, time, ttl float64) ([]string, error)
	// AskHist returns values stored in [from, to] and the last value before from.
	AskHist(key string, from, to float64) ([]string, error)
	// AskWildcard returns values of all keys containing key.
	AskWildcard(key string, ts bool, time, ttl float64) ([]string, error)
	// Lock handles "+client" lock and "-client" unlock requests.
	Lock(key, value string, time, ttl float64) ([]string, error)
	// Rewrite makes values with prefix value stored also under prefix key.
	// Empty value removes rewrite.
	Rewrite(key, value string) error
}

const noCategory = "nocat"

// splitKey splits key at last slash into category and subkey.
func splitKey(key string) (category, subkey string) {
	i := strings.LastIndexByte(key, '/')
	if i < 0 {
		return noCategory, key
	}
	return key[:i], key[i+1:]
}

func joinKey(category, subkey string) string {
	if category == noCategory {
		return subkey
	}
	return category + "/" + subkey
}
