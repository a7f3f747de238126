package store_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/frm2/nicoscache/log"
	"github.com/frm2/nicoscache/protocol"
	"github.com/frm2/nicoscache/store"
	"github.com/frm2/nicoscache/store/storemocks"
)

type client string

func (c client) Name() string { return string(c) }

var _ = Describe("Memory notifications", func() {
	var (
		notifier *storemocks.Notifier
		db       *store.Memory
		from     client
	)
	BeforeEach(func() {
		notifier = &storemocks.Notifier{}
		from = "tcp://127.0.0.1:1"
		db = store.NewMemory(log.NewNop(), store.Config{})
		db.SetNotifier(notifier)
		Expect(db.Init()).To(Succeed())
	})
	AfterEach(func() {
		Expect(db.Close()).To(Succeed())
		notifier.AssertExpectations(GinkgoT())
	})

	It("notifies once per change", func() {
		notifier.On("Notify", store.Update{Key: "dev/value", Op: protocol.OpTell, Value: "1", Time: 1}, from).Once()
		notifier.On("Notify", store.Update{Key: "dev/value", Op: protocol.OpTell, Value: "2", Time: 3}, from).Once()
		Expect(db.Tell("dev/value", "1", 1, 0, from)).To(Succeed())
		Expect(db.Tell("dev/value", "1", 2, 0, from)).To(Succeed())
		Expect(db.Tell("dev/value", "2", 3, 0, from)).To(Succeed())
	})

	It("notifies about every rewrite target", func() {
		Expect(db.Rewrite("alias", "dev")).To(Succeed())
		notifier.On("Notify", mock.MatchedBy(func(u store.Update) bool { return u.Key == "dev/value" }), from).Once()
		notifier.On("Notify", mock.MatchedBy(func(u store.Update) bool { return u.Key == "alias/value" }), from).Once()
		Expect(db.Tell("dev/value", "1", 1, 0, from)).To(Succeed())
		res, err := db.Ask("alias/value", false, 1, 0)
		Expect(err).NotTo(HaveOccurred())
		Expect(res).To(Equal([]string{"alias/value=1\n"}))
	})

	It("notifies about values with ttl even if unchanged", func() {
		notifier.On("Notify", mock.Anything, from).Twice()
		Expect(db.Tell("dev/value", "1", 1, 10, from)).To(Succeed())
		Expect(db.Tell("dev/value", "1", 2, 10, from)).To(Succeed())
	})
})
