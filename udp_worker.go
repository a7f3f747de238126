package nicoscache

import (
	"bytes"
	"net"
	"sync/atomic"

	"github.com/frm2/nicoscache/log"
	"github.com/frm2/nicoscache/protocol"
	"github.com/frm2/nicoscache/store"
)

// UDPWorker handles single datagram and sends replies to its origin.
// Shared server socket is never closed by worker.
type UDPWorker struct {
	handler
	conn        net.PacketConn
	addr        net.Addr
	data        []byte
	stopRequest int32
	done        chan struct{}
}

var _ worker = (*UDPWorker)(nil)

func NewUDPWorker(l log.Logger, db store.Database, m *Metrics, conn net.PacketConn, addr net.Addr, data []byte) *UDPWorker {
	w := &UDPWorker{
		conn: conn,
		addr: addr,
		data: data,
		done: make(chan struct{}),
	}
	w.handler.init("udp://"+addr.String(), l, db, m, w.Closedown)
	return w
}

func (w *UDPWorker) Start() {
	go w.run()
}

func (w *UDPWorker) String() string { return "worker(" + w.name + ")" }

func (w *UDPWorker) IsActive() bool {
	if atomic.LoadInt32(&w.stopRequest) != 0 {
		return false
	}
	select {
	case <-w.done:
		return false
	default:
		return true
	}
}

func (w *UDPWorker) Closedown() {
	atomic.StoreInt32(&w.stopRequest, 1)
}

func (w *UDPWorker) Join() { <-w.done }

// Update does nothing: there is no connection to send updates to.
func (w *UDPWorker) Update(store.Update) {}

func (w *UDPWorker) run() {
	defer close(w.done)
	defer w.Closedown()
	out := &bytes.Buffer{}
	w.process(w.data, func(line string) { out.WriteString(line) })
	if out.Len() == 0 {
		return
	}
	if err := w.sendAll(out.Bytes()); err != nil {
		w.log.Warnf("Error sending UDP reply: %v", err)
	}
}

// sendAll sends data in as many packets as needed.
func (w *UDPWorker) sendAll(data []byte) error {
	for _, p := range protocol.SplitPackets(data, protocol.MaxUDPPacket) {
		if _, err := w.conn.WriteTo(p, w.addr); err != nil {
			return err
		}
		w.log.Debugf("UDP: sent %v bytes.", len(p))
	}
	return nil
}
