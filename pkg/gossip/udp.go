package gossip

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gitubo/eRoole-sub000/internal/telemetry"
)

// readPollInterval bounds how long the receive loop blocks before checking
// the stop flag, so Stop returns promptly.
const readPollInterval = 300 * time.Millisecond

// UDPTransport is the production Transport: one socket used for both
// sending and receiving, so peers see our listen port as the source port.
type UDPTransport struct {
	conn *net.UDPConn
	log  *zap.Logger

	sendErrors atomic.Uint64
	recvErrors atomic.Uint64

	mu      sync.Mutex
	started bool
	stopped bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

// NewUDPTransport binds a UDP socket at bind ("ip:port"; port 0 picks a
// free one).
func NewUDPTransport(bind string, log *zap.Logger) (*UDPTransport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	laddr, err := net.ResolveUDPAddr("udp", bind)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, err
	}
	return &UDPTransport{
		conn: conn,
		log:  log.Named("udp"),
		stop: make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound ip:port.
func (t *UDPTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Send writes one best-effort datagram. Failures are counted and returned
// but never retried: the next gossip round is the retry mechanism.
func (t *UDPTransport) Send(addr string, data []byte) error {
	dst, err := net.ResolveUDPAddr("udp", addr)
	if err == nil {
		_, err = t.conn.WriteToUDP(data, dst)
	}
	if err != nil {
		t.sendErrors.Add(1)
		telemetry.SendErrors.Inc()
		t.log.Debug("send failed", zap.String("addr", addr), zap.Error(err))
		return err
	}
	return nil
}

// Start launches the receive loop. Each datagram is copied and handed to h
// with the sender's address.
func (t *UDPTransport) Start(h Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return ErrTransportClosed
	}
	if t.started {
		return nil
	}
	t.started = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		buf := make([]byte, 64<<10)
		for {
			select {
			case <-t.stop:
				return
			default:
			}
			_ = t.conn.SetReadDeadline(time.Now().Add(readPollInterval))
			n, src, err := t.conn.ReadFromUDP(buf)
			if err != nil {
				if ne, ok := err.(net.Error); ok && ne.Timeout() {
					continue
				}
				select {
				case <-t.stop:
					return
				default:
				}
				t.recvErrors.Add(1)
				telemetry.RecvErrors.Inc()
				t.log.Warn("read failed", zap.Error(err))
				continue
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			h(data, src.IP.String(), uint16(src.Port))
		}
	}()
	return nil
}

// Stop flips the shutdown flag, waits for the receive loop to exit (bounded
// by the poll interval), then closes the socket.
func (t *UDPTransport) Stop() error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	close(t.stop)
	t.mu.Unlock()

	t.wg.Wait()
	return t.conn.Close()
}

// SendErrors returns how many sends have failed since creation.
func (t *UDPTransport) SendErrors() uint64 { return t.sendErrors.Load() }
