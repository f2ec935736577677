package discovery

import (
	"bytes"
	"context"
	"encoding/gob"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/empower1/netlayer/internal/netaddr"
	"github.com/empower1/netlayer/internal/p2p"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestAddNewEnqueuesAddNode(t *testing.T) {
	m := p2p.NewManager(4, testLogger())
	client := p2p.NewClient(m, testLogger())
	go m.Run()
	defer m.Stop()

	a := NewAdapter(client, testLogger())
	addr := netaddr.Addr{IP: "10.0.0.1", Port: 4000}
	maddr, err := addr.ToMultiaddr()
	if err != nil {
		t.Fatalf("ToMultiaddr: %v", err)
	}

	if err := a.AddNew(maddr); err != nil {
		t.Fatalf("AddNew: %v", err)
	}

	// Give the actor a moment to drain the request, then confirm via
	// GetRandomNodes that the address made it into KnownPeers.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, err := client.GetRandomNodes(ctx, 10)
		if err == nil && len(got) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected AddNew's address to appear in KnownPeers")
}

func TestMisbehaveIsStubbed(t *testing.T) {
	m := p2p.NewManager(4, testLogger())
	client := p2p.NewClient(m, testLogger())
	a := NewAdapter(client, testLogger())

	addr := netaddr.Addr{IP: "10.0.0.2", Port: 4000}
	maddr, _ := addr.ToMultiaddr()

	if _, err := a.Misbehave(maddr, 0); err != ErrNotImplemented {
		t.Fatalf("Misbehave err = %v, want ErrNotImplemented", err)
	}
}

func TestGetRandomFallsBackToEmptyOnTimeout(t *testing.T) {
	// No running actor: the manager never drains the request, so
	// GetRandom must time out and return nil rather than blocking forever.
	m := p2p.NewManager(4, testLogger())
	client := p2p.NewClient(m, testLogger())
	a := NewAdapter(client, testLogger())

	start := time.Now()
	got := a.GetRandom(context.Background(), 5)
	if got != nil {
		t.Fatalf("expected nil on timeout, got %v", got)
	}
	if elapsed := time.Since(start); elapsed > 6*time.Second {
		t.Fatalf("GetRandom took too long to give up: %v", elapsed)
	}
}

func TestHandleFrameAddsAdvertisedAddresses(t *testing.T) {
	m := p2p.NewManager(4, testLogger())
	client := p2p.NewClient(m, testLogger())
	go m.Run()
	defer m.Stop()

	a := NewAdapter(client, testLogger())

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(addrListFrame{Addrs: []string{"/ip4/10.0.0.3/tcp/4000"}}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	data := &p2p.SessionData{Direction: p2p.DirInbound}
	a.handleFrame(buf.Bytes(), data)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		got, err := client.GetRandomNodes(ctx, 10)
		if err == nil && len(got) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected advertised address to reach KnownPeers via AddNew")
}

func TestHandleFrameSkipsUnparsableAddresses(t *testing.T) {
	m := p2p.NewManager(4, testLogger())
	client := p2p.NewClient(m, testLogger())
	go m.Run()
	defer m.Stop()

	a := NewAdapter(client, testLogger())

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(addrListFrame{Addrs: []string{"not-a-multiaddr"}}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	// Must not panic or block; the malformed entry is simply skipped.
	a.handleFrame(buf.Bytes(), &p2p.SessionData{})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if got, err := client.GetRandomNodes(ctx, 10); err == nil && len(got) != 0 {
		t.Fatalf("expected no addresses added, got %v", got)
	}
}

func TestLengthPrefixedRoundTrip(t *testing.T) {
	want := []byte("arbitrary discovery frame payload")
	var buf bytes.Buffer
	if err := writeLengthPrefixed(&buf, want); err != nil {
		t.Fatalf("writeLengthPrefixed: %v", err)
	}
	got, err := readLengthPrefixed(&buf)
	if err != nil {
		t.Fatalf("readLengthPrefixed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip = %q, want %q", got, want)
	}
}
