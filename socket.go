package quic

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/qcore/quic/transport"
)

// endpoint is the UDP-socket driver shared by Client and Server: it
// owns the listening socket, a table of live remoteConns keyed by the
// local connection id a datagram's destination id must match, and the
// read/timer loops that feed the sans-I/O core. It is deliberately
// thin: all protocol decisions stay inside transport.Conn, the endpoint
// only moves bytes and schedules timers.
type endpoint struct {
	config *Config

	socket *net.UDPConn

	logger  logger
	handler Handler

	mu    sync.Mutex
	conns map[string]*remoteConn

	// accept, when set (Server only), is invoked with a datagram that
	// matched no known connection id; it is responsible for deciding
	// whether this is a new connection attempt and registering one.
	accept func(b []byte, addr *net.UDPAddr) *remoteConn

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

func newEndpoint(config *Config) *endpoint {
	if config == nil {
		config = NewConfig()
	}
	return &endpoint{
		config: config,
		conns:  make(map[string]*remoteConn),
		closed: make(chan struct{}),
	}
}

func (e *endpoint) listen(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	socket, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	e.socket = socket
	e.wg.Add(2)
	go e.readLoop()
	go e.timerLoop()
	return nil
}

// SetHandler installs the application callback invoked with each
// connection's newly drained events.
func (e *endpoint) SetHandler(h Handler) { e.handler = h }

// SetLogger attaches a transaction logger at the given verbosity,
// split between per-connection registration (attachLogger/detachLogger)
// and package-level formatting.
func (e *endpoint) SetLogger(level int, w io.Writer) {
	e.logger.level = logLevel(level)
	e.logger.setWriter(w)
}

func (e *endpoint) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, transport.MaxPacketSize)
	for {
		e.socket.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := e.socket.ReadFromUDP(buf)
		select {
		case <-e.closed:
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}
		e.dispatch(buf[:n], addr)
	}
}

func (e *endpoint) timerLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			e.checkTimers()
		}
	}
}

func (e *endpoint) checkTimers() {
	e.mu.Lock()
	due := make([]*remoteConn, 0)
	for _, c := range e.conns {
		if d := c.conn.Timeout(); d == 0 {
			due = append(due, c)
		}
	}
	e.mu.Unlock()
	for _, c := range due {
		c.conn.OnTimeout()
		e.flush(c)
		e.drainEvents(c)
		e.reap(c)
	}
}

// dispatch routes one received datagram to its remoteConn (creating
// one for a server on a new Initial packet), feeds it through
// transport.Conn.Write, and flushes any reply plus queued events.
func (e *endpoint) dispatch(b []byte, addr *net.UDPAddr) {
	cidLen := e.config.ConnectionIDLength
	if cidLen == 0 {
		cidLen = transport.DefaultConnectionIDLength
	}
	cid, ok := transport.PeekDestinationCID(b, cidLen)
	if !ok {
		return
	}
	e.mu.Lock()
	c, found := e.conns[string(cid)]
	e.mu.Unlock()
	if !found {
		if e.accept == nil {
			return
		}
		c = e.accept(b, addr)
		if c == nil {
			return
		}
		e.register(c)
		if e.handler != nil {
			e.handler.Serve(c, []transport.Event{newConnAcceptEvent()})
		}
	}
	if _, err := c.conn.Write(b); err != nil {
		e.closeConn(c, err)
		return
	}
	c.lastActive = time.Now()
	e.flush(c)
	e.drainEvents(c)
	e.reap(c)
}

func (e *endpoint) flush(c *remoteConn) {
	buf := make([]byte, transport.MaxPacketSize)
	for {
		n, err := c.conn.Read(buf)
		if err != nil || n == 0 {
			return
		}
		udpAddr, ok := c.addr.(*net.UDPAddr)
		if !ok {
			return
		}
		e.socket.WriteToUDP(buf[:n], udpAddr)
	}
}

func (e *endpoint) drainEvents(c *remoteConn) {
	if e.handler == nil {
		return
	}
	events := c.conn.Events(nil)
	if len(events) == 0 {
		return
	}
	e.handler.Serve(c, events)
}

func (e *endpoint) reap(c *remoteConn) {
	if !c.conn.IsClosed() {
		return
	}
	e.mu.Lock()
	delete(e.conns, string(c.scid))
	e.mu.Unlock()
	e.logger.detachLogger(c)
	if e.handler != nil {
		e.handler.Serve(c, []transport.Event{newConnCloseEvent()})
	}
}

func (e *endpoint) closeConn(c *remoteConn, err error) {
	c.conn.Close(false, uint64(0), "")
	e.flush(c)
	e.reap(c)
}

func (e *endpoint) register(c *remoteConn) {
	e.mu.Lock()
	e.conns[string(c.scid)] = c
	e.mu.Unlock()
	e.logger.attachLogger(c)
}

func (e *endpoint) close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.mu.Lock()
		for _, c := range e.conns {
			c.conn.Close(false, 0, "")
			e.flush(c)
		}
		e.mu.Unlock()
		if e.socket != nil {
			e.socket.Close()
		}
	})
	e.wg.Wait()
	return nil
}

var errNotListening = errors.New("quic: endpoint is not listening")
