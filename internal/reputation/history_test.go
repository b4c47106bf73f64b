package reputation

import (
	"sync"
	"testing"

	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

type memStore struct {
	values map[string][]byte
}

func newMemStore() *memStore { return &memStore{values: make(map[string][]byte)} }

func (m *memStore) Get(key string) ([]byte, bool, error) {
	v, ok := m.values[key]
	return v, ok, nil
}

func (m *memStore) Put(key string, value []byte) error {
	m.values[key] = value
	return nil
}

func testPeer(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, -1)
	if err != nil {
		t.Fatal(err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestConnectionRecorder_RoundTrip(t *testing.T) {
	store := newMemStore()
	peerA, peerB := testPeer(t), testPeer(t)

	r := NewConnectionRecorder(store)
	r.RecordConnection(peerA, "direct", 10.0)
	r.RecordConnection(peerA, "relay", 50.0)
	r.RecordConnection(peerB, "direct", 5.0)

	if err := r.Save(); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	r2 := NewConnectionRecorder(store)
	if r2.Count() != 2 {
		t.Fatalf("Count = %d, want 2", r2.Count())
	}

	rec := r2.Get(peerA)
	if rec == nil {
		t.Fatal("peerA not found")
	}
	if rec.ConnectionCount != 2 {
		t.Errorf("connection_count = %d, want 2", rec.ConnectionCount)
	}
	if rec.PathTypes["direct"] != 1 {
		t.Errorf("path_types[direct] = %d, want 1", rec.PathTypes["direct"])
	}
	if rec.PathTypes["relay"] != 1 {
		t.Errorf("path_types[relay] = %d, want 1", rec.PathTypes["relay"])
	}
}

func TestConnectionRecorder_RunningAverage(t *testing.T) {
	r := NewConnectionRecorder(nil)
	p := testPeer(t)

	// 10, 20, 30 -> avg = 20
	r.RecordConnection(p, "direct", 10.0)
	r.RecordConnection(p, "direct", 20.0)
	r.RecordConnection(p, "direct", 30.0)

	rec := r.Get(p)
	if rec == nil {
		t.Fatal("peer not found")
	}
	if rec.AvgLatencyMs < 19.9 || rec.AvgLatencyMs > 20.1 {
		t.Errorf("avg_latency_ms = %f, want ~20.0", rec.AvgLatencyMs)
	}
}

func TestConnectionRecorder_ConcurrentAccess(t *testing.T) {
	r := NewConnectionRecorder(nil)
	p := testPeer(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordConnection(p, "direct", 5.0)
		}()
	}
	wg.Wait()

	rec := r.Get(p)
	if rec == nil {
		t.Fatal("peer not found")
	}
	if rec.ConnectionCount != 100 {
		t.Errorf("connection_count = %d, want 100", rec.ConnectionCount)
	}
}

func TestConnectionRecorder_EmptyStore(t *testing.T) {
	r := NewConnectionRecorder(nil)
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
	if rec := r.Get(testPeer(t)); rec != nil {
		t.Error("expected nil for unknown peer")
	}
}

func TestConnectionRecorder_GetReturnsCopy(t *testing.T) {
	r := NewConnectionRecorder(nil)
	p := testPeer(t)

	r.RecordConnection(p, "direct", 10.0)

	rec := r.Get(p)
	rec.ConnectionCount = 999
	rec.PathTypes["hacked"] = 1

	rec2 := r.Get(p)
	if rec2.ConnectionCount != 1 {
		t.Errorf("mutation leaked: connection_count = %d, want 1", rec2.ConnectionCount)
	}
	if _, ok := rec2.PathTypes["hacked"]; ok {
		t.Error("mutation leaked: path_types contains 'hacked'")
	}
}

func TestConnectionRecorder_LoadMissingKeyIsNotAnError(t *testing.T) {
	store := newMemStore()
	r := NewConnectionRecorder(store)
	if err := r.Load(); err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if r.Count() != 0 {
		t.Errorf("Count = %d, want 0", r.Count())
	}
}
