// Package udpsock implements the non-blocking UDPv4 socket layer (spec.md
// §4.10): bind/connect, sendto, a best-effort batched send that falls back
// to per-packet send on platforms without it, and a poll loop that drains
// every readable datagram and invokes a handler once per datagram.
package udpsock

import (
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/veilvpn/veil/internal/logging"
)

// MaxDatagramSize is the largest UDP payload this layer will read into its
// receive buffer; callers' MTU-driven fragment sizes (spec.md §4.9) stay
// well under this.
const MaxDatagramSize = 2048

// Datagram pairs an outbound payload with its destination, for SendMany.
type Datagram struct {
	Payload []byte
	Addr    *net.UDPAddr
}

// Handler is invoked once per datagram drained by Poll.
type Handler func(payload []byte, remote *net.UDPAddr)

// Socket wraps a non-blocking UDPv4 socket with opportunistic batched I/O
// via golang.org/x/net/ipv4, degrading to per-packet send/recv on
// platforms where WriteBatch/ReadBatch are not implemented.
type Socket struct {
	conn    *net.UDPConn
	pconn   *ipv4.PacketConn
	batchOK bool
	logger  *slog.Logger

	readBuf []byte
}

// Listen binds a server-side socket to the given UDP port on all
// interfaces.
func Listen(port int, logger *slog.Logger) (*Socket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, err
	}
	return newSocket(conn, logger), nil
}

// Dial creates a client-side socket "connected" to remote, bound to the
// physical interface with the best route to remote (spec.md §4.10: "the
// socket MUST be bound to the physical interface chosen at connect time
// ... and MUST remain bound to that interface even after the core
// installs VPN routes"). Interface-binding failure is logged but not
// fatal, matching spec.md §7's I/O-error handling for bind failures.
func Dial(remote *net.UDPAddr, logger *slog.Logger) (*Socket, error) {
	conn, err := net.DialUDP("udp4", nil, remote)
	if err != nil {
		return nil, err
	}

	if iface, ierr := bestRouteInterface(remote.IP); ierr != nil {
		logger.Warn("could not determine best-route interface", logging.KeyReason, ierr.Error())
	} else if berr := bindToInterface(conn, iface); berr != nil {
		logger.Warn("bind to physical interface failed, continuing unbound",
			"interface", iface, logging.KeyReason, berr.Error())
	}

	return newSocket(conn, logger), nil
}

func newSocket(conn *net.UDPConn, logger *slog.Logger) *Socket {
	if logger == nil {
		logger = logging.NopLogger()
	}
	pconn := ipv4.NewPacketConn(conn)
	s := &Socket{
		conn:    conn,
		pconn:   pconn,
		batchOK: true,
		logger:  logger.With(slog.String(logging.KeyComponent, "udpsock")),
		readBuf: make([]byte, MaxDatagramSize),
	}
	return s
}

// LocalAddr returns the socket's bound local address.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// Close closes the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// SendTo sends one datagram to addr. On a connected (client) socket, addr
// may be nil to use the connected remote.
func (s *Socket) SendTo(payload []byte, addr *net.UDPAddr) error {
	if addr == nil {
		_, err := s.conn.Write(payload)
		return err
	}
	_, err := s.conn.WriteToUDP(payload, addr)
	return err
}

// SendMany sends a batch of datagrams, using ipv4.PacketConn.WriteBatch
// where the platform supports it and falling back to a per-packet loop
// otherwise (spec.md §4.10 "batched sendmany, best-effort"). Returns the
// number of datagrams successfully queued and the first error
// encountered, if any; it keeps sending the remaining datagrams after a
// per-packet failure so one bad destination does not stall the batch.
func (s *Socket) SendMany(datagrams []Datagram) (int, error) {
	if len(datagrams) == 0 {
		return 0, nil
	}

	if s.batchOK {
		msgs := make([]ipv4.Message, len(datagrams))
		for i, d := range datagrams {
			msgs[i] = ipv4.Message{Buffers: [][]byte{d.Payload}, Addr: d.Addr}
		}
		n, err := s.pconn.WriteBatch(msgs, 0)
		if err == nil {
			return n, nil
		}
		if !isBatchUnsupported(err) {
			// A transient per-call error (e.g. EAGAIN on a full send
			// buffer) is not a reason to give up on batching entirely.
			return n, err
		}
		s.logger.Warn("WriteBatch unsupported on this platform, falling back to per-packet send")
		s.batchOK = false
	}

	sent := 0
	var firstErr error
	for _, d := range datagrams {
		if err := s.SendTo(d.Payload, d.Addr); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent++
	}
	return sent, firstErr
}

// Poll blocks for up to timeout waiting for readable datagrams, then
// drains every datagram currently available and invokes handler once per
// datagram with its payload and source address (spec.md §4.10 poll). A
// timeout with nothing to read is not an error; it is the loop's normal
// suspension point (spec.md §5, default 10 ms).
func (s *Socket) Poll(handler Handler, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, err
	}

	count := 0
	for {
		n, remote, err := s.conn.ReadFromUDP(s.readBuf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return count, nil
			}
			return count, err
		}
		payload := make([]byte, n)
		copy(payload, s.readBuf[:n])
		handler(payload, remote)
		count++

		// Drain without blocking further: anything still pending reads
		// instantly, anything not yet arrived hits the zero deadline and
		// we stop for this poll call.
		if err := s.conn.SetReadDeadline(time.Now()); err != nil {
			return count, err
		}
	}
}

// isBatchUnsupported reports whether err indicates the platform's socket
// API lacks sendmmsg/WriteBatch support, as opposed to a transient
// per-call send failure. x/net/ipv4 surfaces the unsupported case as a
// *net.OpError wrapping a "not implemented"/"not supported" syscall
// error rather than a typed sentinel, so this matches on that text.
func isBatchUnsupported(err error) bool {
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		return false
	}
	msg := opErr.Err.Error()
	return strings.Contains(msg, "not implemented") || strings.Contains(msg, "not supported")
}
