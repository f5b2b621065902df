package cache

import (
	"net"
	"sync"
	"testing"
	"time"

	"burrow/pkg/config"
	"burrow/pkg/logging"

	"github.com/miekg/dns"
)

func testLogger(t *testing.T) *logging.Logger {
	cfg := &config.LoggingConfig{
		Level:  "debug",
		Format: "text",
		Output: "stdout",
	}
	logger, err := logging.New(cfg)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return logger
}

func testStore(t *testing.T, reclaimInterval time.Duration) *Store {
	t.Helper()
	store, err := New(&config.CacheConfig{ReclaimInterval: reclaimInterval}, testLogger(t))
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func aRecord(name string, ttl uint32) *dns.A {
	return &dns.A{
		Hdr: dns.RR_Header{
			Name:   dns.Fqdn(name),
			Rrtype: dns.TypeA,
			Class:  dns.ClassINET,
			Ttl:    ttl,
		},
		A: net.IPv4(192, 0, 2, 1).To4(),
	}
}

func TestNew_InvalidConfig(t *testing.T) {
	logger := testLogger(t)

	if _, err := New(nil, logger); err == nil {
		t.Error("New() should reject nil config")
	}
	if _, err := New(&config.CacheConfig{}, logger); err == nil {
		t.Error("New() should reject zero reclaim interval")
	}
	if _, err := New(&config.CacheConfig{ReclaimInterval: time.Second}, nil); err == nil {
		t.Error("New() should reject nil logger")
	}
}

func TestStore_PutAndGet(t *testing.T) {
	store := testStore(t, time.Minute)

	key := NewKey("example.test.", dns.TypeA, dns.ClassINET)
	store.Put(key, aRecord("example.test", 60), 60)

	entries := store.Get(key)
	if len(entries) != 1 {
		t.Fatalf("Get() returned %d entries, expected 1", len(entries))
	}
	if entries[0].TTL == 0 || entries[0].TTL > 60 {
		t.Errorf("Remaining TTL = %d, expected 1..60", entries[0].TTL)
	}
	if entries[0].RR.Header().Ttl != entries[0].TTL {
		t.Errorf("RR header TTL %d does not match entry TTL %d",
			entries[0].RR.Header().Ttl, entries[0].TTL)
	}
}

func TestStore_KeyCanonicalization(t *testing.T) {
	store := testStore(t, time.Minute)

	store.Put(NewKey("EXAMPLE.test", dns.TypeA, dns.ClassINET), aRecord("example.test", 60), 60)

	// Same name, different case and missing trailing dot
	entries := store.Get(NewKey("example.TEST.", dns.TypeA, dns.ClassINET))
	if len(entries) != 1 {
		t.Fatalf("Get() with differently-cased name returned %d entries, expected 1", len(entries))
	}
}

func TestStore_NoCrossKeyHits(t *testing.T) {
	store := testStore(t, time.Minute)

	store.Put(NewKey("a.test.", dns.TypeA, dns.ClassINET), aRecord("a.test", 60), 60)

	if got := store.Get(NewKey("b.test.", dns.TypeA, dns.ClassINET)); got != nil {
		t.Errorf("Get() for different name returned %d entries, expected none", len(got))
	}
	if got := store.Get(NewKey("a.test.", dns.TypeAAAA, dns.ClassINET)); got != nil {
		t.Errorf("Get() for different type returned %d entries, expected none", len(got))
	}
	if got := store.Get(NewKey("a.test.", dns.TypeA, dns.ClassCHAOS)); got != nil {
		t.Errorf("Get() for different class returned %d entries, expected none", len(got))
	}
}

func TestStore_TTLMonotonicDecrease(t *testing.T) {
	store := testStore(t, time.Minute)

	key := NewKey("example.test.", dns.TypeA, dns.ClassINET)
	store.Put(key, aRecord("example.test", 3), 3)

	first := store.Get(key)
	if len(first) != 1 {
		t.Fatalf("Get() returned %d entries, expected 1", len(first))
	}

	time.Sleep(1100 * time.Millisecond)

	second := store.Get(key)
	if len(second) != 1 {
		t.Fatalf("Get() after 1.1s returned %d entries, expected 1", len(second))
	}
	if second[0].TTL >= first[0].TTL {
		t.Errorf("Remaining TTL did not decrease: %d -> %d", first[0].TTL, second[0].TTL)
	}
}

func TestStore_ExpiredNeverReturned(t *testing.T) {
	store := testStore(t, time.Hour) // reclaimer out of the picture

	key := NewKey("example.test.", dns.TypeA, dns.ClassINET)
	store.Put(key, aRecord("example.test", 1), 1)

	time.Sleep(1100 * time.Millisecond)

	if got := store.Get(key); got != nil {
		t.Fatalf("Get() returned %d entries after expiry, expected none", len(got))
	}

	// Eager prune on the read above must have deleted the bucket
	if st := store.Stats(); st.Keys != 0 {
		t.Errorf("Bucket still present after expiry read, keys = %d", st.Keys)
	}

	// Idempotent: still empty, still no bucket
	if got := store.Get(key); got != nil {
		t.Errorf("Repeated Get() returned entries after expiry")
	}
}

func TestStore_ZeroTTL(t *testing.T) {
	store := testStore(t, time.Hour)

	key := NewKey("example.test.", dns.TypeA, dns.ClassINET)
	store.Put(key, aRecord("example.test", 0), 0)

	if got := store.Get(key); got != nil {
		t.Errorf("Get() returned a zero-TTL record")
	}
}

func TestStore_DuplicatePayloadsKept(t *testing.T) {
	store := testStore(t, time.Minute)

	key := NewKey("example.test.", dns.TypeA, dns.ClassINET)
	store.Put(key, aRecord("example.test", 60), 60)
	store.Put(key, aRecord("example.test", 60), 60)

	if got := store.Get(key); len(got) != 2 {
		t.Errorf("Get() returned %d entries, expected 2 (duplicates are not deduplicated)", len(got))
	}
}

func TestStore_GetReturnsCopies(t *testing.T) {
	store := testStore(t, time.Minute)

	key := NewKey("example.test.", dns.TypeA, dns.ClassINET)
	store.Put(key, aRecord("example.test", 60), 60)

	first := store.Get(key)
	if len(first) != 1 {
		t.Fatalf("Get() returned %d entries, expected 1", len(first))
	}

	// Mutating the returned record must not taint the stored one
	first[0].RR.Header().Ttl = 1
	first[0].RR.(*dns.A).A = net.IPv4(203, 0, 113, 9).To4()

	second := store.Get(key)
	if len(second) != 1 {
		t.Fatalf("Get() returned %d entries, expected 1", len(second))
	}
	if !second[0].RR.(*dns.A).A.Equal(net.IPv4(192, 0, 2, 1)) {
		t.Error("Stored record was mutated through a returned copy")
	}
	if second[0].TTL < 58 {
		t.Errorf("Stored expiry was tainted by TTL rewrite, remaining = %d", second[0].TTL)
	}
}

func TestStore_ConcurrentPuts(t *testing.T) {
	store := testStore(t, time.Minute)

	key := NewKey("example.test.", dns.TypeA, dns.ClassINET)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Put(key, aRecord("example.test", 300), 300)
		}()
	}
	wg.Wait()

	if got := store.Get(key); len(got) != n {
		t.Errorf("Get() returned %d entries after %d concurrent Puts", len(got), n)
	}
}

func TestStore_ConcurrentGetPutReclaim(t *testing.T) {
	store := testStore(t, 10*time.Millisecond)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			key := NewKey("worker.test.", dns.TypeA, dns.ClassINET)
			for j := 0; j < 200; j++ {
				if j%2 == 0 {
					ttl := uint32(j % 3) // plenty of immediately-prunable records
					store.Put(key, aRecord("worker.test", ttl), ttl)
				} else {
					store.Get(key)
				}
			}
		}(i)
	}
	wg.Wait()

	// Just verifying nothing corrupted the map under contention
	st := store.Stats()
	if st.Records < 0 || st.Keys < 0 {
		t.Error("Store stats inconsistent after concurrent access")
	}
}

func TestStore_ReclaimerSweep(t *testing.T) {
	store := testStore(t, 50*time.Millisecond)

	key := NewKey("ephemeral.test.", dns.TypeA, dns.ClassINET)
	store.Put(key, aRecord("ephemeral.test", 0), 0)

	if store.Len() != 1 {
		t.Fatalf("Len() = %d before sweep, expected 1", store.Len())
	}

	// No Get is issued; only the reclaimer may remove the record
	deadline := time.After(2 * time.Second)
	for store.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("Reclaimer did not remove expired record, Len() = %d", store.Len())
		case <-time.After(20 * time.Millisecond):
		}
	}

	if st := store.Stats(); st.Keys != 0 || st.Reclaimed == 0 {
		t.Errorf("After sweep: keys = %d, reclaimed = %d", st.Keys, st.Reclaimed)
	}
}

func TestStore_SnapshotRestore(t *testing.T) {
	store := testStore(t, time.Minute)

	keyA := NewKey("a.test.", dns.TypeA, dns.ClassINET)
	keyB := NewKey("b.test.", dns.TypeA, dns.ClassINET)
	store.Put(keyA, aRecord("a.test", 300), 300)
	store.Put(keyB, aRecord("b.test", 300), 300)
	store.Put(NewKey("dead.test.", dns.TypeA, dns.ClassINET), aRecord("dead.test", 0), 0)

	snapshot := store.Snapshot()
	if len(snapshot) != 2 {
		t.Fatalf("Snapshot() returned %d records, expected 2 live ones", len(snapshot))
	}

	restored := testStore(t, time.Minute)
	if loaded := restored.Restore(snapshot); loaded != 2 {
		t.Fatalf("Restore() loaded %d records, expected 2", loaded)
	}

	if got := restored.Get(keyA); len(got) != 1 {
		t.Errorf("Restored store missing records for %s", keyA)
	}
	if got := restored.Get(keyB); len(got) != 1 {
		t.Errorf("Restored store missing records for %s", keyB)
	}
}

func TestStore_Stats(t *testing.T) {
	store := testStore(t, time.Minute)

	key := NewKey("example.test.", dns.TypeA, dns.ClassINET)

	store.Get(key) // miss
	store.Put(key, aRecord("example.test", 60), 60)
	store.Get(key) // hit
	store.Get(key) // hit

	st := store.Stats()
	if st.Hits != 2 {
		t.Errorf("Hits = %d, expected 2", st.Hits)
	}
	if st.Misses != 1 {
		t.Errorf("Misses = %d, expected 1", st.Misses)
	}
	if st.Keys != 1 || st.Records != 1 {
		t.Errorf("Keys = %d, Records = %d, expected 1/1", st.Keys, st.Records)
	}
}

func TestKeyForRR(t *testing.T) {
	rr := aRecord("Mixed.Case.test", 60)
	key := KeyForRR(rr)

	want := Key{Name: "mixed.case.test.", Rrtype: dns.TypeA, Class: dns.ClassINET}
	if key != want {
		t.Errorf("KeyForRR() = %v, expected %v", key, want)
	}
}
