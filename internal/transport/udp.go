// Package transport owns the proxy's listening sockets and outbound
// upstream connections: UDP for classic RADIUS, TLS for RadSec.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// PacketHandler processes one inbound datagram. src is the peer's address
// as reported by the kernel; local is the local address the packet
// arrived on, which on a multi-homed host may differ from the listener's
// bound wildcard address.
type PacketHandler func(ctx context.Context, data []byte, src, local *net.UDPAddr)

// UDPListener serves RADIUS over plain UDP (authentication or accounting).
type UDPListener struct {
	conn    *net.UDPConn
	logger  *slog.Logger
	handler PacketHandler
	wg      sync.WaitGroup
	done    chan struct{}
}

// ListenUDP binds addr (":1812"-style) with SO_REUSEADDR set so multiple
// proxy instances can share a load-balanced listener, mirroring the
// socket-option control block DHCP servers use for multi-interface binds.
func ListenUDP(ctx context.Context, addr string, handler PacketHandler, logger *slog.Logger) (*UDPListener, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var ctlErr error
			c.Control(func(fd uintptr) {
				if err := syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1); err != nil {
					ctlErr = err
				}
			})
			return ctlErr
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listening on %s: %w", addr, err)
	}

	l := &UDPListener{
		conn:    pc.(*net.UDPConn),
		logger:  logger,
		handler: handler,
		done:    make(chan struct{}),
	}
	l.wg.Add(1)
	go l.serve(ctx)
	return l, nil
}

// serve reads datagrams and dispatches each to the handler on its own
// goroutine, using a control-message-aware wrapper so the handler learns
// which local address actually received the packet.
func (l *UDPListener) serve(ctx context.Context) {
	defer l.wg.Done()

	v4 := ipv4.NewPacketConn(l.conn)
	v6 := ipv6.NewPacketConn(l.conn)
	_ = v4.SetControlMessage(ipv4.FlagDst, true)
	_ = v6.SetControlMessage(ipv6.FlagDst, true)

	buf := make([]byte, 4096)
	for {
		select {
		case <-l.done:
			return
		default:
		}

		n, cm4, src4, err := v4.ReadFrom(buf)
		var (
			n2     int
			srcRaw net.Addr
			local  net.IP
		)
		if err == nil {
			n2 = n
			srcRaw = src4
			if cm4 != nil {
				local = cm4.Dst
			}
		} else {
			n2, cm6, src6, err6 := v6.ReadFrom(buf)
			if err6 != nil {
				select {
				case <-l.done:
					return
				default:
				}
				l.logger.Error("reading UDP packet", "error", err6)
				continue
			}
			n = n2
			srcRaw = src6
			if cm6 != nil {
				local = cm6.Dst
			}
		}

		src, ok := srcRaw.(*net.UDPAddr)
		if !ok {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])

		var localAddr *net.UDPAddr
		if local != nil {
			localAddr = &net.UDPAddr{IP: local, Port: l.conn.LocalAddr().(*net.UDPAddr).Port}
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handler(ctx, data, src, localAddr)
		}()
	}
}

// WriteTo sends a reply datagram to dst.
func (l *UDPListener) WriteTo(data []byte, dst *net.UDPAddr) error {
	_, err := l.conn.WriteToUDP(data, dst)
	return err
}

// Close stops the listener and waits for in-flight handlers to return.
func (l *UDPListener) Close() error {
	close(l.done)
	err := l.conn.Close()
	l.wg.Wait()
	return err
}

// UDPUpstream is a connected UDP socket to one upstream RADIUS server.
type UDPUpstream struct {
	conn *net.UDPConn
}

// DialUDPUpstream opens a UDP socket connected to addr, optionally bound to
// a specific local source address.
func DialUDPUpstream(ctx context.Context, localAddr, addr string) (*UDPUpstream, error) {
	d := net.Dialer{}
	if localAddr != "" {
		local, err := net.ResolveUDPAddr("udp", localAddr)
		if err != nil {
			return nil, fmt.Errorf("transport: resolving source address %s: %w", localAddr, err)
		}
		d.LocalAddr = local
	}
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dialing upstream %s: %w", addr, err)
	}
	return &UDPUpstream{conn: conn.(*net.UDPConn)}, nil
}

// Send writes one RADIUS packet to the upstream.
func (u *UDPUpstream) Send(data []byte) error {
	_, err := u.conn.Write(data)
	return err
}

// Receive blocks for the next datagram from the upstream.
func (u *UDPUpstream) Receive(buf []byte) (int, error) {
	return u.conn.Read(buf)
}

// Close closes the upstream socket.
func (u *UDPUpstream) Close() error {
	return u.conn.Close()
}
