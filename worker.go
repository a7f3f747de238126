package nicoscache

import (
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/frm2/nicoscache/log"
	"github.com/frm2/nicoscache/protocol"
	"github.com/frm2/nicoscache/store"
)

const (
	// ReadTimeout is receiver wake up period. Receiver checks for stop request on wake up.
	ReadTimeout = 3 * protocol.CycleTime
	// SendTimeout is max time of single write. Peer is considered dead after it.
	SendTimeout = 5 * time.Second
)

// worker is connection table entry.
type worker interface {
	store.Client
	IsActive() bool
	// Closedown may be called many times from any goroutine.
	Closedown()
	// Join waits for worker goroutines.
	Join()
	Update(u store.Update)
}

// Worker serves single TCP connection.
// Receiver goroutine reads and handles requests, sender goroutine writes replies and updates.
type Worker struct {
	handler
	queue *lineQueue

	connLock sync.Mutex
	// conn is nil after closedown.
	conn        net.Conn
	stopRequest int32

	receiverDone chan struct{}
	senderDone   chan struct{}
}

var _ worker = (*Worker)(nil)

func NewWorker(l log.Logger, db store.Database, m *Metrics, conn net.Conn) *Worker {
	name := "tcp://" + conn.RemoteAddr().String()
	w := &Worker{
		queue:        newLineQueue(),
		conn:         conn,
		receiverDone: make(chan struct{}),
		senderDone:   make(chan struct{}),
	}
	w.handler.init(name, l, db, m, w.Closedown)
	return w
}

// Start runs receiver and sender goroutines.
func (w *Worker) Start() {
	go w.send()
	go w.receive()
}

func (w *Worker) String() string { return "worker(" + w.name + ")" }

func (w *Worker) IsActive() bool {
	if w.stopRequested() {
		return false
	}
	select {
	case <-w.receiverDone:
		return false
	default:
		return true
	}
}

func (w *Worker) stopRequested() bool {
	return atomic.LoadInt32(&w.stopRequest) != 0
}

func (w *Worker) getConn() net.Conn {
	w.connLock.Lock()
	defer w.connLock.Unlock()
	return w.conn
}

// Closedown closes connection. Blocked receiver and sender are woken up by that.
func (w *Worker) Closedown() {
	atomic.StoreInt32(&w.stopRequest, 1)
	w.connLock.Lock()
	conn := w.conn
	w.conn = nil
	w.connLock.Unlock()
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		w.log.Debugf("Close error: %v", err)
	}
}

func (w *Worker) Join() {
	w.queue.Close()
	<-w.senderDone
	<-w.receiverDone
}

func (w *Worker) Update(u store.Update) {
	w.update(u, w.queue.Put)
}

func (w *Worker) receive() {
	defer close(w.receiverDone)
	defer w.Closedown()
	buf := make([]byte, protocol.BufSize)
	var data []byte
	for !w.stopRequested() {
		conn := w.getConn()
		if conn == nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(ReadTimeout))
		n, err := conn.Read(buf)
		if n > 0 {
			data = append(data, buf[:n]...)
			rest := w.process(data, w.queue.Put)
			data = append(data[:0], rest...)
		}
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			// No data, wait some more.
			continue
		}
		if err == io.EOF || w.stopRequested() {
			w.log.Debug("Connection closed.")
		} else {
			w.log.Warnf("Receive error: %v", err)
		}
		return
	}
}

func (w *Worker) send() {
	defer close(w.senderDone)
	for {
		lines, ok := w.queue.Get()
		if !ok {
			return
		}
		conn := w.getConn()
		if conn == nil {
			// Already closed.
			return
		}
		conn.SetWriteDeadline(time.Now().Add(SendTimeout))
		_, err := io.WriteString(conn, strings.Join(lines, ""))
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			w.log.Warn("Send timed out, shutting down.")
		} else if !w.stopRequested() {
			w.log.Warnf("Other end closed, shutting down: %v", err)
		}
		w.Closedown()
		return
	}
}
