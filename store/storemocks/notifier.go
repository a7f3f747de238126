package storemocks

import (
	"github.com/stretchr/testify/mock"

	"github.com/frm2/nicoscache/store"
)

// Notifier is a mock type for the store.Notifier type.
type Notifier struct {
	mock.Mock
}

var _ store.Notifier = (*Notifier)(nil)

func (m *Notifier) Notify(u store.Update, from store.Client) {
	m.Called(u, from)
}
