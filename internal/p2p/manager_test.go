package p2p

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/empower1/netlayer/internal/netaddr"
)

// fakeService is a test double for ServiceControl that records dial calls
// and never actually opens a connection.
type fakeService struct {
	mu    sync.Mutex
	dials []netaddr.Addr
	fail  map[netaddr.Addr]bool
}

func newFakeService() *fakeService {
	return &fakeService{fail: make(map[netaddr.Addr]bool)}
}

func (f *fakeService) Dial(_ context.Context, addr netaddr.Addr) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, addr)
	if f.fail[addr] {
		return errDialRefused
	}
	return nil
}

func (f *fakeService) BroadcastFrame([]byte, *SessionID) {}
func (f *fakeService) Disconnect(SessionID)              {}

func (f *fakeService) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dials)
}

var errDialRefused = &dialError{"refused"}

type dialError struct{ msg string }

func (e *dialError) Error() string { return e.msg }

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func mustAddr(t *testing.T, s string) netaddr.Addr {
	t.Helper()
	a, err := netaddr.Parse(s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return a
}

func TestAddDelNode(t *testing.T) {
	m := NewManager(4, testLogger())
	addr := mustAddr(t, "10.0.0.1:4000")

	m.dispatch(addNodeReq{addr: addr})
	if _, ok := m.known[addr]; !ok {
		t.Fatal("expected addr to be present after AddNode")
	}
	if m.known[addr] != initialScore {
		t.Errorf("score = %d, want %d", m.known[addr], initialScore)
	}

	m.dispatch(addNodeReq{addr: addr})
	m.known[addr] = 42 // simulate scoring mutation
	m.dispatch(addNodeReq{addr: addr})
	if m.known[addr] != 42 {
		t.Error("AddNode must not overwrite an existing entry")
	}

	m.dispatch(delNodeReq{addr: addr})
	if _, ok := m.known[addr]; ok {
		t.Fatal("expected addr to be removed after DelNode")
	}
	m.dispatch(delNodeReq{addr: addr}) // no-op, must not panic
}

func TestAddDelConnectedNodeSymmetry(t *testing.T) {
	m := NewManager(4, testLogger())
	addr := mustAddr(t, "10.0.0.2:4000")

	m.dispatch(addConnectedNodeReq{addr: addr, session: 7})
	if got := m.connected[7]; got != addr {
		t.Fatalf("connected[7] = %v, want %v", got, addr)
	}

	reply := make(chan int, 1)
	m.dispatch(getPeerCountReq{reply: reply})
	if n := <-reply; n != 1 {
		t.Fatalf("peer count = %d, want 1", n)
	}

	m.dispatch(delConnectedNodeReq{session: 7})
	if _, ok := m.connected[7]; ok {
		t.Fatal("expected session 7 to be removed")
	}

	reply = make(chan int, 1)
	m.dispatch(getPeerCountReq{reply: reply})
	if n := <-reply; n != 0 {
		t.Fatalf("peer count = %d, want 0", n)
	}
}

func TestConnectedPeersSubsetOfKnownWhenLearnedViaDiscovery(t *testing.T) {
	m := NewManager(4, testLogger())
	addr := mustAddr(t, "10.0.0.3:4000")

	m.dispatch(addNodeReq{addr: addr})
	m.dispatch(addConnectedNodeReq{addr: addr, session: 1})

	if _, ok := m.known[addr]; !ok {
		t.Fatal("addr learned via discovery must remain in KnownPeers once connected")
	}
}

func TestGetRandomNodesBoundedByAvailable(t *testing.T) {
	m := NewManager(4, testLogger())
	addrs := []netaddr.Addr{
		mustAddr(t, "10.0.0.1:4000"),
		mustAddr(t, "10.0.0.2:4000"),
		mustAddr(t, "10.0.0.3:4000"),
	}
	m.Seed(addrs)

	reply := make(chan []netaddr.Addr, 1)
	m.dispatch(getRandomNodesReq{n: 10, reply: reply})
	got := <-reply
	if len(got) != 3 {
		t.Fatalf("len(got) = %d, want 3 (bounded by available)", len(got))
	}

	reply = make(chan []netaddr.Addr, 1)
	m.dispatch(getRandomNodesReq{n: 2, reply: reply})
	got = <-reply
	if len(got) != 2 {
		t.Fatalf("len(got) = %d, want 2", len(got))
	}
}

func TestDialMaintenanceSkipsWhenKnownPeersEmpty(t *testing.T) {
	m := NewManager(2, testLogger())
	svc := newFakeService()
	m.SetServiceControl(svc)

	m.dialMaintenance()
	if svc.dialCount() != 0 {
		t.Fatalf("dial attempted with empty KnownPeers: %d dials", svc.dialCount())
	}
}

func TestDialMaintenanceOneDialPerTickUnderBudget(t *testing.T) {
	m := NewManager(2, testLogger())
	svc := newFakeService()
	m.SetServiceControl(svc)
	m.Seed([]netaddr.Addr{
		mustAddr(t, "10.0.0.1:4000"),
		mustAddr(t, "10.0.0.2:4000"),
		mustAddr(t, "10.0.0.3:4000"),
	})

	m.dialMaintenance()
	if svc.dialCount() != 1 {
		t.Fatalf("dialCount = %d, want exactly 1 per tick", svc.dialCount())
	}
}

func TestDialMaintenanceStopsAtMaxConnects(t *testing.T) {
	m := NewManager(1, testLogger())
	svc := newFakeService()
	m.SetServiceControl(svc)
	addr := mustAddr(t, "10.0.0.1:4000")
	m.Seed([]netaddr.Addr{addr, mustAddr(t, "10.0.0.2:4000")})
	m.connected[99] = addr

	m.dialMaintenance()
	if svc.dialCount() != 0 {
		t.Fatalf("dialed while already at max_connects: %d dials", svc.dialCount())
	}
}

func TestRunProcessesRequestsAndStops(t *testing.T) {
	m := NewManager(4, testLogger())
	client := NewClient(m, testLogger())
	go m.Run()
	defer m.Stop()

	addr := mustAddr(t, "10.0.0.9:4000")
	client.AddNode(addr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// Poll GetPeerCount as a liveness probe for the actor having drained
	// the AddNode request (peer count is unaffected by AddNode, but a
	// successful round trip proves the loop is live and FIFO-ordered).
	if _, err := client.GetPeerCount(ctx); err != nil {
		t.Fatalf("GetPeerCount: %v", err)
	}
}
