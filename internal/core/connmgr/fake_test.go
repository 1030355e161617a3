package connmgr

import (
	"context"
	"errors"
	"io"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-overlay/internal/core/addrfilter"
	"github.com/dep2p/go-overlay/internal/core/transport"
	"github.com/dep2p/go-overlay/pkg/types"
)

// ============================================================================
//                              fakeConn
// ============================================================================

type fakeConn struct {
	flow   types.Flow
	in     chan []byte
	errs   chan error
	sent   chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	deadline time.Time
}

func newFakeConn(flow types.Flow) *fakeConn {
	return &fakeConn{
		flow:   flow,
		in:     make(chan []byte, 16),
		errs:   make(chan error, 1),
		sent:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) Flow() types.Flow { return c.flow }

func (c *fakeConn) Send(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	case c.sent <- data:
		return nil
	}
}

func (c *fakeConn) Recv() ([]byte, error) {
	c.mu.Lock()
	dl := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !dl.IsZero() {
		t := time.NewTimer(time.Until(dl))
		defer t.Stop()
		timeout = t.C
	}
	select {
	case b := <-c.in:
		return b, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, io.EOF
	case <-timeout:
		return nil, os.ErrDeadlineExceeded
	}
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

var _ transport.ProtocolConnection = (*fakeConn)(nil)

func tcpFlow(remote, local string) types.Flow {
	pa := types.NewPeerAddress(netip.MustParseAddrPort(remote), types.ProtocolTCP)
	if local == "" {
		return types.NewFlowNoLocal(pa)
	}
	return types.NewFlow(pa, netip.MustParseAddrPort(local))
}

// ============================================================================
//                              fakeConnector
// ============================================================================

type fakeConnector struct {
	mu        sync.Mutex
	dials     map[netip.AddrPort]int
	locals    []netip.AddrPort
	conns     []*fakeConn
	failures  []error
	preferred netip.AddrPort
	delay     time.Duration
	block     chan struct{}

	nextPort    atomic.Uint32
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func newFakeConnector() *fakeConnector {
	return &fakeConnector{dials: make(map[netip.AddrPort]int)}
}

func (f *fakeConnector) Connect(ctx context.Context, local netip.AddrPort, di types.DialInfo, _ time.Duration) (transport.ProtocolConnection, error) {
	n := f.inflight.Add(1)
	defer f.inflight.Add(-1)
	for {
		max := f.maxInflight.Load()
		if n <= max || f.maxInflight.CompareAndSwap(max, n) {
			break
		}
	}

	f.mu.Lock()
	f.dials[di.Socket]++
	f.locals = append(f.locals, local)
	var failure error
	if len(f.failures) > 0 {
		failure = f.failures[0]
		f.failures = f.failures[1:]
	}
	block := f.block
	f.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if failure != nil {
		return nil, failure
	}

	if !local.IsValid() {
		local = netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), uint16(40000+f.nextPort.Add(1)))
	}
	c := newFakeConn(types.NewFlow(di.PeerAddress(), local))
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

func (f *fakeConnector) PreferredLocalAddress(types.DialInfo) netip.AddrPort {
	return f.preferred
}

func (f *fakeConnector) dialCount(sock netip.AddrPort) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials[sock]
}

func (f *fakeConnector) lastConn() *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

func (f *fakeConnector) allConns() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}

// ============================================================================
//                              fakeProtector
// ============================================================================

type fakeProtector struct {
	name  string
	drops atomic.Int32
}

func (p *fakeProtector) String() string { return p.name }

func (p *fakeProtector) OnRepeatedConnectionDrops() { p.drops.Add(1) }

// ============================================================================
//                              辅助
// ============================================================================

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ConnectionInitialTimeout = 500 * time.Millisecond
	cfg.ConnectionInactivityTimeout = 10 * time.Second
	cfg.ConnectRetries = 2
	cfg.ConnectRetryDelay = 0
	cfg.ProtectedConnectionDropSpan = time.Minute
	cfg.ProtectedConnectionDropCount = 1
	return cfg
}

func testFilter(clk clock.Clock) *addrfilter.Filter {
	cfg := addrfilter.DefaultConfig()
	cfg.MaxConnectionsPerIP4 = 64
	cfg.MaxConnectionsPerIP6Prefix = 64
	cfg.MaxConnectionFrequencyPerMin = 0
	return addrfilter.New(cfg, clk, nil)
}

func newTestManager(t *testing.T, connector *fakeConnector, mutate func(*Config)) (*Manager, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg, clk, connector, testFilter(clk), nil)
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, clk
}

func tcpDialInfo(s string) types.DialInfo {
	return types.NewDialInfo(types.ProtocolTCP, netip.MustParseAddrPort(s))
}

var errTerminal = errors.New("connection refused")
