package p2p

import (
	"net"
	"time"

	kcp "github.com/xtaci/kcp-go/v5"
)

// Dialer abstracts outbound connection establishment so the Peer manager
// can run over either an ordered reliable TCP stream (the default the
// spec assumes, §1 Non-goals) or an alternate reliable-over-UDP
// transport, without either choice leaking into §4.D/§4.E.
type Dialer interface {
	Dial(addr string, timeout time.Duration) (net.Conn, error)
	Listen(addr string) (net.Listener, error)
}

// TCPDialer is the default Dialer.
type TCPDialer struct{}

func (TCPDialer) Dial(addr string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, timeout)
}

func (TCPDialer) Listen(addr string) (net.Listener, error) {
	return net.Listen("tcp", addr)
}

// KCPDialer runs the same peer protocol over xtaci/kcp-go's reliable UDP
// session layer, useful behind lossy links or restrictive NATs where a
// raw TCP stream struggles.
type KCPDialer struct{}

func (KCPDialer) Dial(addr string, timeout time.Duration) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := kcp.DialWithOptions(addr, nil, 10, 3)
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(timeout):
		return nil, ErrConnectTimeout
	}
}

func (KCPDialer) Listen(addr string) (net.Listener, error) {
	return kcp.ListenWithOptions(addr, nil, 10, 3)
}
