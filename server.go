// Package nicoscache implements NICOS cache server.
//
// Server accepts TCP connections and UDP datagrams with line protocol
// requests, passes them to store.Database and sends database updates
// to subscribed connections.
package nicoscache

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/frm2/nicoscache/log"
	"github.com/frm2/nicoscache/protocol"
	"github.com/frm2/nicoscache/store"
)

var (
	ErrNotStopped = errors.New("server is not stopped")
	ErrNoSockets  = errors.New("couldn't bind any sockets")
)

type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return "State(" + strconv.Itoa(int(s)) + ")"
}

type Server struct {
	// Addr is TCP address: host or host:port. Port is protocol.DefaultPort by default.
	Addr string
	// UDPAddr is UDP address. Broadcasts on protocol.DefaultPort by default.
	UDPAddr string
	// DisableUDP turns UDP listener off.
	DisableUDP bool
	DB         store.Database
	Log        log.Logger
	Metrics    *Metrics

	// lifecycle serializes Start and Quit.
	lifecycle   sync.Mutex
	state       int32
	stop        chan struct{}
	done        chan struct{}
	tcpListener net.Listener
	udpConn     net.PacketConn
	incoming    chan incoming
	acceptors   sync.WaitGroup

	// connLock guards connected. Serve loop registers new workers under it,
	// Quit closes them down under it.
	connLock  sync.Mutex
	connected map[string]worker
	// workers is copy of connected values for update fan out.
	workers atomic.Value
}

var _ store.Notifier = (*Server)(nil)

// incoming is accepted TCP connection or received UDP datagram.
type incoming struct {
	conn net.Conn
	data []byte
	addr net.Addr
}

func (s *Server) State() State { return State(atomic.LoadInt32(&s.state)) }

func (s *Server) setState(st State) { atomic.StoreInt32(&s.state, int32(st)) }

func (s *Server) init() {
	if s.Log == nil {
		s.Log = log.NewLogger(log.ErrorLevel, os.Stderr)
	}
	if s.Metrics == nil {
		s.Metrics = NewMetrics(nil)
	}
	if s.DB == nil {
		s.DB = store.NewMemory(s.Log, store.Config{})
	}
	if s.UDPAddr == "" {
		s.UDPAddr = ":" + strconv.Itoa(protocol.DefaultPort)
	}
	s.tcpListener, s.udpConn = nil, nil
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.incoming = make(chan incoming)
	s.connected = make(map[string]worker)
	s.workers.Store([]worker(nil))
}

// Start initializes database, binds sockets and starts serving in background.
// It fails only if database init fails or no socket could be bound.
func (s *Server) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !atomic.CompareAndSwapInt32(&s.state, int32(Stopped), int32(Starting)) {
		return ErrNotStopped
	}
	s.init()
	s.Log.Info("Server starting.")
	s.DB.SetNotifier(s)
	if err := s.DB.Init(); err != nil {
		close(s.done)
		s.setState(Stopped)
		return err
	}
	s.storeSysInfo()
	if err := s.bind(); err != nil {
		s.DB.Close()
		close(s.done)
		s.setState(Stopped)
		return err
	}
	if s.tcpListener != nil {
		s.acceptors.Add(1)
		go s.acceptTCP()
	}
	if s.udpConn != nil {
		s.acceptors.Add(1)
		go s.receiveUDP()
	}
	go s.serve()
	s.setState(Running)
	return nil
}

func (s *Server) storeSysInfo() {
	info, err := sysInfo()
	if err != nil {
		s.Log.Warn("Sysinfo error: ", err)
		return
	}
	if err := s.DB.Tell(SysInfoKey, info, protocol.Now(), 0, nil); err != nil {
		s.Log.Warn("Sysinfo store error: ", err)
	}
}

func (s *Server) bind() error {
	if !s.DisableUDP {
		s.Log.Debugf("Trying to bind UDP %s.", s.UDPAddr)
		lc := net.ListenConfig{Control: setBroadcast}
		conn, err := lc.ListenPacket(context.Background(), "udp", s.UDPAddr)
		if err != nil {
			s.Log.Warnf("UDP bind error: %v", err)
		} else {
			s.udpConn = conn
			s.Log.Infof("UDP bound to %s.", conn.LocalAddr())
		}
	}
	if s.Addr != "" {
		addr := tcpAddr(s.Addr)
		s.Log.Debugf("Trying to bind TCP %s.", addr)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			s.Log.Warnf("TCP bind error: %v", err)
		} else {
			s.tcpListener = ln
			s.Log.Infof("TCP bound to %s.", ln.Addr())
		}
	}
	if s.tcpListener == nil && s.udpConn == nil {
		s.Log.Error("Couldn't bind any sockets, giving up!")
		return stackerr.Wrap(ErrNoSockets)
	}
	if s.tcpListener == nil {
		s.Log.Warn("Starting main loop only bound to UDP.")
	}
	return nil
}

// tcpAddr appends default port to address without port.
func tcpAddr(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, strconv.Itoa(protocol.DefaultPort))
}

// TCPAddr returns bound TCP address, or nil.
func (s *Server) TCPAddr() net.Addr {
	if s.tcpListener == nil {
		return nil
	}
	return s.tcpListener.Addr()
}

// UDPAddress returns bound UDP address, or nil.
func (s *Server) UDPAddress() net.Addr {
	if s.udpConn == nil {
		return nil
	}
	return s.udpConn.LocalAddr()
}

func (s *Server) stopRequested() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

func (s *Server) acceptTCP() {
	defer s.acceptors.Done()
	var tempDelay time.Duration // How long to sleep on accept failure.
	for {
		c, err := s.tcpListener.Accept()
		if err != nil {
			if s.stopRequested() {
				return
			}
			if ne, ok := err.(net.Error); !(ok && ne.Temporary()) {
				s.Log.Errorf("Accept error: %v", err)
				return
			}
			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if max := 1 * time.Second; tempDelay > max {
				tempDelay = max
			}
			s.Log.Errorf("Accept error: %v; retrying in %v", err, tempDelay)
			time.Sleep(tempDelay)
			continue
		}
		tempDelay = 0
		select {
		case s.incoming <- incoming{conn: c}:
		case <-s.stop:
			c.Close()
			return
		}
	}
}

func (s *Server) receiveUDP() {
	defer s.acceptors.Done()
	for {
		buf := make([]byte, protocol.UDPReadSize)
		n, addr, err := s.udpConn.ReadFrom(buf)
		if err != nil {
			if s.stopRequested() {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				s.Log.Warnf("UDP receive error: %v", err)
				continue
			}
			s.Log.Errorf("UDP receive error: %v", err)
			return
		}
		select {
		case s.incoming <- incoming{data: buf[:n], addr: addr}:
		case <-s.stop:
			return
		}
	}
}

func (s *Server) serve() {
	defer close(s.done)
	for !s.stopRequested() {
		s.sweep()
		select {
		case in := <-s.incoming:
			s.register(in)
		case <-time.After(ReadTimeout):
		case <-s.stop:
		}
	}
}

// sweep removes dead workers.
func (s *Server) sweep() {
	var dead []worker
	s.connLock.Lock()
	for name, w := range s.connected {
		if !w.IsActive() {
			s.Log.Infof("Client connection %s closed.", name)
			delete(s.connected, name)
			dead = append(dead, w)
		}
	}
	if len(dead) != 0 {
		s.updateWorkers()
	}
	s.connLock.Unlock()
	for _, w := range dead {
		w.Closedown()
		w.Join()
	}
}

func (s *Server) register(in incoming) {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	if s.stopRequested() {
		if in.conn != nil {
			in.conn.Close()
		}
		return
	}
	var w interface {
		worker
		Start()
	}
	if in.conn != nil {
		name := "tcp://" + in.conn.RemoteAddr().String()
		w = NewWorker(s.Log.WithFields(log.Fields{"conn": name}), s.DB, s.Metrics, in.conn)
		s.Metrics.TCPConnections.Inc(1)
	} else {
		name := "udp://" + in.addr.String()
		w = NewUDPWorker(s.Log.WithFields(log.Fields{"conn": name}), s.DB, s.Metrics, s.udpConn, in.addr, in.data)
		s.Metrics.UDPConnections.Inc(1)
	}
	s.Log.Infof("New connection from %s.", w.Name())
	if old, ok := s.connected[w.Name()]; ok {
		// Previous datagram from same address.
		old.Closedown()
		old.Join()
	}
	s.connected[w.Name()] = w
	s.updateWorkers()
	w.Start()
}

// updateWorkers requires connLock.
func (s *Server) updateWorkers() {
	workers := make([]worker, 0, len(s.connected))
	for _, w := range s.connected {
		workers = append(workers, w)
	}
	s.workers.Store(workers)
	s.Metrics.ActiveConnections.Update(int64(len(workers)))
}

// Notify sends update to all workers except originating one.
func (s *Server) Notify(u store.Update, from store.Client) {
	workers, _ := s.workers.Load().([]worker)
	for _, w := range workers {
		if from != nil && w.Name() == from.Name() {
			continue
		}
		w.Update(u)
	}
}

// Wait blocks until server stops serving. Should be called after Start.
// Returns at once if Start failed.
func (s *Server) Wait() {
	<-s.done
}

// Quit stops server: closes listeners, closes down all workers and waits for them.
// Quit during Start waits for it to finish.
func (s *Server) Quit(sig os.Signal) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !atomic.CompareAndSwapInt32(&s.state, int32(Running), int32(Stopping)) {
		return
	}
	s.Log.Infof("Quitting on signal %v...", sig)
	close(s.stop)
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
	s.connLock.Lock()
	// All connections are unblocked before waiting for any.
	for _, w := range s.connected {
		s.Log.Infof("Closing client %s.", w.Name())
		if w.IsActive() {
			w.Closedown()
		}
	}
	for _, w := range s.connected {
		s.Log.Infof("Waiting for %s.", w.Name())
		w.Closedown()
		w.Join()
	}
	s.connected = make(map[string]worker)
	s.updateWorkers()
	s.connLock.Unlock()
	s.Log.Info("Waiting for server.")
	s.acceptors.Wait()
	<-s.done
	if err := s.DB.Close(); err != nil {
		s.Log.Error("Database close error: ", err)
	}
	s.setState(Stopped)
	s.Log.Info("Server finished.")
}

func (s *Server) String() string {
	return fmt.Sprintf("server(tcp=%v, udp=%v)", s.TCPAddr(), s.UDPAddress())
}
