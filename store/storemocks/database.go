package storemocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/frm2/nicoscache/store"
)

// Database is a mock type for the store.Database type.
type Database struct {
	mock.Mock
}

var _ store.Database = (*Database)(nil)

func (m *Database) Init() error {
	ret := m.Called()
	return ret.Error(0)
}

func (m *Database) Close() error {
	ret := m.Called()
	return ret.Error(0)
}

func (m *Database) SetNotifier(n store.Notifier) {
	m.Called(n)
}

func (m *Database) Tell(key, value string, time, ttl float64, from store.Client) error {
	ret := m.Called(key, value, time, ttl, from)
	return ret.Error(0)
}

func (m *Database) Ask(key string, ts bool, time, ttl float64) ([]string, error) {
	ret := m.Called(key, ts, time, ttl)
	return lines(ret, 0), ret.Error(1)
}

func (m *Database) AskHist(key string, from, to float64) ([]string, error) {
	ret := m.Called(key, from, to)
	return lines(ret, 0), ret.Error(1)
}

func (m *Database) AskWildcard(key string, ts bool, time, ttl float64) ([]string, error) {
	ret := m.Called(key, ts, time, ttl)
	return lines(ret, 0), ret.Error(1)
}

func (m *Database) Lock(key, value string, time, ttl float64) ([]string, error) {
	ret := m.Called(key, value, time, ttl)
	return lines(ret, 0), ret.Error(1)
}

func (m *Database) Rewrite(key, value string) error {
	ret := m.Called(key, value)
	return ret.Error(0)
}

func lines(ret mock.Arguments, i int) []string {
	if ret.Get(i) == nil {
		return nil
	}
	return ret.Get(i).([]string)
}
