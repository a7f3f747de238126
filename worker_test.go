package nicoscache

import (
	"errors"
	"io"
	"net"
	"regexp"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	. "github.com/onsi/gomega/gbytes"
	"github.com/stretchr/testify/mock"

	"github.com/frm2/nicoscache/log"
	"github.com/frm2/nicoscache/protocol"
	"github.com/frm2/nicoscache/store"
	"github.com/frm2/nicoscache/store/storemocks"
	. "github.com/frm2/nicoscache/testutil"
)

var _ = Describe("Worker", func() {
	const now = 100.0
	var (
		db       *storemocks.Database
		metrics  *Metrics
		w        *Worker
		client   net.Conn
		out      *Buffer
		copyDone chan struct{}
	)
	BeforeEach(func() {
		db = &storemocks.Database{}
		db.On("Ask", "sync", false, now, 0.0).Return([]string{"sync!\n"}, nil).Maybe()
		metrics = NewMetrics(nil)
		var conn net.Conn
		conn, client = net.Pipe()
		w = NewWorker(log.NewLogger(log.DebugLevel, GinkgoWriter), db, metrics, conn)
		w.now = func() float64 { return now }
		out = NewBuffer()
		copyDone = make(chan struct{})
		go func() {
			io.Copy(out, client)
			close(copyDone)
		}()
		w.Start()
	})
	AfterEach(func() {
		w.Closedown()
		w.Join()
		client.Close()
		Eventually(copyDone).Should(BeClosed())
		db.AssertExpectations(GinkgoT())
	})

	Send := func(lines ...string) {
		io.WriteString(client, Lines(lines...))
	}
	ExpectLines := func(lines ...string) {
		EventuallyWithOffset(1, out, ExpectTimeout).Should(Say(regexp.QuoteMeta(Lines(lines...))))
	}
	// Sync waits until all previously sent lines are handled.
	Sync := func() {
		Send("sync?")
		EventuallyWithOffset(1, out, ExpectTimeout).Should(Say(`sync!\n`))
	}
	ExpectClosed := func() {
		EventuallyWithOffset(1, copyDone, ExpectTimeout).Should(BeClosed())
		Eventually(w.IsActive).Should(BeFalse())
		ExpectWithOffset(1, out).NotTo(Say(Anything))
	}

	It("has name", func() {
		Expect(w.Name()).To(HavePrefix("tcp://"))
	})

	It("replies in request order", func() {
		db.On("Ask", "k1", false, now, 0.0).Return([]string{"k1=1\n"}, nil)
		db.On("Ask", "k2", true, 10.0, 0.0).Return([]string{"10@k2=2\n"}, nil)
		Send("k1?", "10@k2?")
		ExpectLines("k1=1", "10@k2=2")
	})

	It("passes tell to database", func() {
		told := make(chan struct{})
		db.On("Tell", "nicos/k", "v", 5.0, 2.0, mock.Anything).
			Return(nil).Run(func(mock.Arguments) { close(told) })
		Send("5+2@Nicos/K=v")
		Eventually(told).Should(BeClosed())
	})

	It("asks history if ttl set", func() {
		db.On("AskHist", "k", 10.0, 15.0).Return([]string{"9@k=1\n", "12@k=2\n"}, nil).Twice()
		Send("10+5@k?", "10-15@k?")
		ExpectLines("9@k=1", "12@k=2", "9@k=1", "12@k=2")
	})

	It("passes wildcard lock and rewrite", func() {
		db.On("AskWildcard", "det", false, now, 0.0).Return([]string{"det/a=1\n", "det/b=2\n"}, nil)
		db.On("Lock", "master", "+me", now, 0.0).Return([]string{"master$\n"}, nil)
		db.On("Rewrite", "new", "old").Return(nil)
		Send("det*", "master$+me", "new~old")
		ExpectLines("det/a=1", "det/b=2", "master$")
		Sync()
	})

	It("ignores tell old", func() {
		Send("k!v")
		Sync()
		Expect(w.IsActive()).To(BeTrue())
	})

	It("continues after database error", func() {
		db.On("Tell", "k", "v", now, 0.0, mock.Anything).Return(errors.New("test err"))
		Send("k=v")
		Sync()
		Expect(metrics.BackendErrors.Count()).To(BeEquivalentTo(1))
		Expect(w.IsActive()).To(BeTrue())
	})

	It("closes on garbled line", func() {
		Send("garbage")
		ExpectClosed()
		Expect(metrics.GarbledLines.Count()).To(BeEquivalentTo(1))
	})

	It("skips not UTF-8 line", func() {
		Send("k=\xff\xfe")
		Sync()
		Expect(w.IsActive()).To(BeTrue())
		Expect(metrics.GarbledLines.Count()).To(BeEquivalentTo(1))
	})

	It("closes on empty line", func() {
		Send("")
		ExpectClosed()
	})

	It("handles partial lines", func() {
		db.On("Ask", "key", false, now, 0.0).Return([]string{"key=1\n"}, nil)
		for _, b := range []byte("key?\n") {
			client.Write([]byte{b})
		}
		ExpectLines("key=1")
	})

	It("closedown is idempotent", func() {
		w.Closedown()
		w.Closedown()
		ExpectClosed()
	})

	Context("updates", func() {
		update := store.Update{Key: "det1/value", Op: protocol.OpTell, Value: "5", Time: 10, TTL: 2}

		It("are not sent without subscription", func() {
			w.Update(update)
			Sync()
			Expect(out).NotTo(Say(Anything))
		})

		It("sent once for overlapping subscriptions", func() {
			Send("det:", "det1:", "value:")
			Sync()
			w.Update(update)
			ExpectLines("det1/value=5")
			Sync()
			Expect(metrics.UpdatesSent.Count()).To(BeEquivalentTo(1))
		})

		It("prefer timestamped subscription", func() {
			Send("det:", "@det1:")
			Sync()
			w.Update(update)
			ExpectLines("10+2@det1/value=5")
			Sync()
		})

		It("match substring", func() {
			Send("value:")
			Sync()
			w.Update(store.Update{Key: "det2/value", Op: protocol.OpTellOld, Value: "1"})
			w.Update(store.Update{Key: "det2/status", Op: protocol.OpTell, Value: "1"})
			ExpectLines("det2/value!1")
			Sync()
		})
	})
})
