package p2p

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"math/big"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/phf/go-queue/queue"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/maps"

	"github.com/warpnet/p2p/kademlia"
)

// Locator is the slice of the Kademlia protocol the Peer manager drives
// its outbound control loop against (§4.E "ask Kademlia to locate it").
type Locator interface {
	FindNode(target kademlia.NodeId)
	Neighbours(ctx context.Context, target kademlia.NodeId, count int) ([]kademlia.Node, error)
}

// SessionMetrics is the slice of metrics.Registry (SPEC_FULL.md §6.2) the
// p2p package writes to directly, mirroring kademlia.Metrics' narrow
// interface over the same concrete Registry so this package need not
// import metrics and risk an import cycle.
type SessionMetrics interface {
	SetPeersConnected(n int)
	IncPacketsSent(protocol string)
	IncPacketsRecv(protocol string)
}

// nopSessionMetrics discards every observation; the default when no
// metrics sink is supplied.
type nopSessionMetrics struct{}

func (nopSessionMetrics) SetPeersConnected(int)   {}
func (nopSessionMetrics) IncPacketsSent(string)   {}
func (nopSessionMetrics) IncPacketsRecv(string)   {}

// ManagerConfig holds the tunables named in §4.E / §6.
type ManagerConfig struct {
	MinPeers       int
	MaxPeers       int
	LoopDelay      time.Duration // default 1s
	ConnectTimeout time.Duration // default 500ms
	ResultWindow   time.Duration // default 2s
}

func (c *ManagerConfig) applyDefaults() {
	if c.LoopDelay == 0 {
		c.LoopDelay = time.Second
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 500 * time.Millisecond
	}
	if c.ResultWindow == 0 {
		c.ResultWindow = 2 * time.Second
	}
	if c.MaxPeers == 0 {
		c.MaxPeers = 10
	}
	if c.MinPeers == 0 {
		c.MinPeers = 5
	}
}

// Manager is the Peer manager of §4.E: it accepts inbound connections,
// drives an outbound control loop that keeps the peer count within
// [MinPeers, MaxPeers], and answers broadcasts. The peer set is its own
// private state (§5); a mutex guards it because the accept loop and the
// outbound control loop run as independent goroutines.
type Manager struct {
	cfg ManagerConfig

	local     kademlia.Node
	dialer    Dialer
	cipher    FrameCipher
	factories []ProtocolFactory
	kad       Locator
	metrics   SessionMetrics
	log       *zap.Logger

	mu       sync.Mutex
	peers    map[*Peer]struct{}
	listener net.Listener

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds a Manager. kad may be nil if the outbound control
// loop is not needed (e.g. in tests exercising only the accept path). A
// nil m discards every metric (§6.2).
func NewManager(local kademlia.Node, dialer Dialer, cipher FrameCipher, factories []ProtocolFactory, kad Locator, m SessionMetrics, cfg ManagerConfig, log *zap.Logger) *Manager {
	cfg.applyDefaults()
	if m == nil {
		m = nopSessionMetrics{}
	}
	return &Manager{
		cfg:       cfg,
		local:     local,
		dialer:    dialer,
		cipher:    cipher,
		factories: factories,
		kad:       kad,
		metrics:   m,
		log:       log,
		peers:     make(map[*Peer]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Start binds addr and launches the accept loop and, if a Locator was
// supplied, the outbound control loop.
func (m *Manager) Start(addr string) error {
	listener, err := m.dialer.Listen(addr)
	if err != nil {
		return errors.Wrap(err, "p2p: binding listener")
	}
	m.listener = listener

	m.wg.Add(1)
	go m.acceptLoop()

	if m.kad != nil {
		m.wg.Add(1)
		go m.outboundLoop()
	}
	return nil
}

// Stop is idempotent: it stops the acceptor, then every peer, and admits
// no further peers (§5 "Cancellation").
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if m.listener != nil {
			_ = m.listener.Close()
		}
		m.mu.Lock()
		peers := maps.Keys(m.peers)
		m.mu.Unlock()
		for _, p := range peers {
			p.Stop()
		}
	})
	m.wg.Wait()
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.stopCh:
				return
			default:
				m.log.Warn("accept failed", zap.Error(err))
				continue
			}
		}
		if !m.reserveSlot() {
			m.log.Debug("declining inbound connection: at max_peers")
			_ = conn.Close()
			continue
		}
		p := NewPeer(conn, m.local, m.cipher, m.factories, m.metrics, m.removePeer, m.log)
		m.addPeer(p)
		go p.Run()
	}
}

// outboundLoop is the "control loop" of §4.E: every LoopDelay it checks
// NumPeers against MinPeers and, if short, asks Kademlia to locate a
// random id and connects to the nearest neighbour returned.
func (m *Manager) outboundLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.LoopDelay)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			if m.NumPeers() >= m.cfg.MinPeers {
				continue
			}
			target, err := kademlia.RandomNodeId()
			if err != nil {
				continue
			}
			m.kad.FindNode(target)

			select {
			case <-time.After(m.cfg.ResultWindow):
			case <-m.stopCh:
				return
			}

			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ResultWindow)
			neighbours, err := m.kad.Neighbours(ctx, target, m.cfg.MaxPeers)
			cancel()
			if err != nil || len(neighbours) == 0 {
				continue
			}
			for _, n := range neighbours {
				if n.Id == m.local.Id {
					continue
				}
				if _, err := m.Connect(n.Addr()); err != nil {
					m.log.Debug("outbound connect failed", zap.String("addr", n.Addr()), zap.Error(err))
				}
				break
			}
		}
	}
}

// Connect dials addr with the configured connect timeout and starts a
// Peer loop on success (§4.E).
func (m *Manager) Connect(addr string) (*Peer, error) {
	if !m.reserveSlot() {
		return nil, ErrTooManyPeers
	}
	conn, err := m.dialer.Dial(addr, m.cfg.ConnectTimeout)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, errors.Wrap(ErrConnectTimeout, err.Error())
		}
		return nil, errors.Wrap(err, "p2p: dialing peer")
	}
	p := NewPeer(conn, m.local, m.cipher, m.factories, m.metrics, m.removePeer, m.log)
	m.addPeer(p)
	go p.Run()
	return p, nil
}

// Bootstrap connects to each configured bootstrap URI (§4.E, §6). Per-URI
// failures are logged and otherwise ignored (§9 design note).
func (m *Manager) Bootstrap(uris []string) {
	pending := queue.New()
	for _, raw := range uris {
		pending.PushBack(raw)
	}

	for pending.Len() > 0 {
		raw := pending.PopFront().(string)
		node, err := ParseEnodeURI(raw)
		if err != nil {
			m.log.Warn("invalid bootstrap uri", zap.String("uri", raw), zap.Error(err))
			continue
		}
		if _, err := m.Connect(node.Addr()); err != nil {
			m.log.Warn("bootstrap connect failed", zap.String("uri", raw), zap.Error(err))
		}
	}
}

// Broadcast selects up to numPeers peers uniformly at random among those
// that have registered (name, version), and enqueues (localCmdId,
// payload) on each (§4.E).
func (m *Manager) Broadcast(name string, version uint, localCmdId uint64, payload []byte, numPeers int) {
	target := Cap{Name: name, Version: version}

	m.mu.Lock()
	candidates := make([]*Peer, 0, len(m.peers))
	for p := range m.peers {
		if p.HasCap(target) {
			candidates = append(candidates, p)
		}
	}
	m.mu.Unlock()

	shuffled := shufflePeers(candidates)
	if numPeers > 0 && numPeers < len(shuffled) {
		shuffled = shuffled[:numPeers]
	}
	for _, p := range shuffled {
		peer := p
		peer.Enqueue(func(peer *Peer) {
			_ = peer.Send(name, version, localCmdId, payload)
		})
	}
}

// NumPeers returns the current live peer count.
func (m *Manager) NumPeers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (m *Manager) reserveSlot() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers) < m.cfg.MaxPeers
}

func (m *Manager) addPeer(p *Peer) {
	m.mu.Lock()
	m.peers[p] = struct{}{}
	n := len(m.peers)
	m.mu.Unlock()
	m.metrics.SetPeersConnected(n)
}

func (m *Manager) removePeer(p *Peer) {
	m.mu.Lock()
	delete(m.peers, p)
	n := len(m.peers)
	m.mu.Unlock()
	m.metrics.SetPeersConnected(n)
}

// PeerByNodeId returns the live, handshake-completed peer connected to id,
// if any. Used by the discovery sub-protocol's Wire (discovery.go) to
// resolve a Kademlia send to a live session (§4.G).
func (m *Manager) PeerByNodeId(id kademlia.NodeId) (*Peer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for p := range m.peers {
		if p.handshakeDone.Load() && p.remote.Id == id {
			return p, true
		}
	}
	return nil, false
}

// shufflePeers returns a copy of peers in a uniformly random order using
// a crypto/rand-seeded Fisher-Yates shuffle.
func shufflePeers(peers []*Peer) []*Peer {
	out := append([]*Peer(nil), peers...)
	for i := len(out) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			continue
		}
		j := int(jBig.Int64())
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// ParseEnodeURI parses `enode://<pubkey_hex>@<host>:<port>`, rejecting
// anything that doesn't carry exactly 128 lowercase hex characters (64
// raw public-key bytes) (§6). Generic URI parsing is out of scope (§1),
// so this wraps the standard library's net/url rather than hand-rolling
// a parser.
func ParseEnodeURI(raw string) (kademlia.Node, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return kademlia.Node{}, errors.Wrap(ErrBadBootstrapURI, err.Error())
	}
	if u.Scheme != "enode" {
		return kademlia.Node{}, errors.Wrap(ErrBadBootstrapURI, "p2p: scheme must be enode")
	}
	if u.User == nil {
		return kademlia.Node{}, errors.Wrap(ErrBadBootstrapURI, "p2p: missing pubkey")
	}
	hexKey := u.User.Username()
	if len(hexKey) != 128 || strings.ToLower(hexKey) != hexKey {
		return kademlia.Node{}, errors.Wrap(ErrBadBootstrapURI, "p2p: pubkey must be 128 lowercase hex chars")
	}
	keyBytes, err := hex.DecodeString(hexKey)
	if err != nil {
		return kademlia.Node{}, errors.Wrap(ErrBadBootstrapURI, "p2p: pubkey is not valid hex")
	}
	pub, err := PublicKeyFromBytes(keyBytes)
	if err != nil {
		return kademlia.Node{}, errors.Wrap(ErrBadBootstrapURI, err.Error())
	}
	host := u.Hostname()
	if host == "" {
		return kademlia.Node{}, errors.Wrap(ErrBadBootstrapURI, "p2p: missing host")
	}
	portStr := u.Port()
	if portStr == "" {
		return kademlia.Node{}, errors.Wrap(ErrBadBootstrapURI, "p2p: missing port")
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return kademlia.Node{}, errors.Wrap(ErrBadBootstrapURI, "p2p: invalid port")
	}

	return kademlia.Node{
		Id:      pub.NodeId(),
		IP:      net.ParseIP(host),
		TCPPort: uint16(port),
		PubKey:  pub.Bytes(),
	}, nil
}
