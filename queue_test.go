package nicoscache

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("lineQueue", func() {
	var q *lineQueue
	BeforeEach(func() { q = newLineQueue() })

	It("returns lines in order", func() {
		q.Put("a\n")
		q.Put("b\n")
		lines, ok := q.Get()
		Expect(ok).To(BeTrue())
		Expect(lines).To(Equal([]string{"a\n", "b\n"}))
	})

	It("blocks until put", func() {
		got := make(chan []string)
		go func() {
			lines, _ := q.Get()
			got <- lines
		}()
		Consistently(got, NoReplyTimeout).ShouldNot(Receive())
		q.Put("a\n")
		Eventually(got).Should(Receive(Equal([]string{"a\n"})))
	})

	It("returns pending lines after close", func() {
		q.Put("a\n")
		q.Close()
		q.Put("b\n")
		lines, ok := q.Get()
		Expect(ok).To(BeTrue())
		Expect(lines).To(Equal([]string{"a\n"}))
		_, ok = q.Get()
		Expect(ok).To(BeFalse())
	})

	It("close wakes up consumer", func() {
		done := make(chan bool)
		go func() {
			_, ok := q.Get()
			done <- ok
		}()
		q.Close()
		Eventually(done).Should(Receive(BeFalse()))
	})
})
