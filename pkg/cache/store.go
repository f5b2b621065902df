// Package cache implements the record store at the heart of burrow: a
// concurrency-safe mapping from (name, type, class) to timestamped
// resource records, pruned lazily on reads and periodically by a
// background reclaimer.
package cache

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"burrow/pkg/config"
	"burrow/pkg/logging"

	"github.com/miekg/dns"
)

// Key identifies a set of records: canonical lowercase FQDN plus the
// record type and class. Two keys are equal iff all three match.
type Key struct {
	Name   string
	Rrtype uint16
	Class  uint16
}

// NewKey builds a Key, canonicalizing the name
func NewKey(name string, rrtype, class uint16) Key {
	return Key{
		Name:   strings.ToLower(dns.Fqdn(name)),
		Rrtype: rrtype,
		Class:  class,
	}
}

// KeyForRR derives the Key a record is stored under from its header
func KeyForRR(rr dns.RR) Key {
	hdr := rr.Header()
	return NewKey(hdr.Name, hdr.Rrtype, hdr.Class)
}

// String renders the key for logs
func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Name, dns.TypeToString[k.Rrtype], dns.ClassToString[k.Class])
}

// entry is a stored record: the payload plus its absolute expiry.
// The store owns the RR exclusively; callers only ever see copies.
type entry struct {
	rr        dns.RR
	expiresAt time.Time
}

// Entry is a live record handed out by Get: a deep copy of the stored
// payload with RR TTL already rewritten to the remaining seconds.
type Entry struct {
	RR  dns.RR
	TTL uint32
}

// Record is the snapshot exchange form used by the persistence boundary
type Record struct {
	RR        dns.RR
	ExpiresAt time.Time
}

// Stats reports store counters
type Stats struct {
	Hits      uint64
	Misses    uint64
	Reclaimed uint64
	Keys      int
	Records   int
}

// Store is the concurrency-safe record cache. A single mutex guards
// the bucket map; it is held only for the duration of a bucket scan or
// append, never across network or codec work.
type Store struct {
	logger  *logging.Logger
	mu      sync.Mutex
	buckets map[Key][]entry

	hits      uint64
	misses    uint64
	reclaimed uint64

	reclaimInterval time.Duration
	stopReclaim     chan struct{}
	reclaimDone     chan struct{}
}

// New creates a record store and starts its background reclaimer
func New(cfg *config.CacheConfig, logger *logging.Logger) (*Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("cache config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.ReclaimInterval <= 0 {
		return nil, fmt.Errorf("reclaim_interval must be positive, got %v", cfg.ReclaimInterval)
	}

	s := &Store{
		logger:          logger,
		buckets:         make(map[Key][]entry),
		reclaimInterval: cfg.ReclaimInterval,
		stopReclaim:     make(chan struct{}),
		reclaimDone:     make(chan struct{}),
	}

	go s.reclaimLoop()

	logger.Info("Record store initialized", "reclaim_interval", cfg.ReclaimInterval)

	return s, nil
}

// Get returns all currently-live records for key, each as a deep copy
// with its TTL rewritten to the remaining seconds (rounded up, so a
// live record is never handed out with TTL 0). As a side effect the
// bucket is rewritten to live records only; an emptied bucket is
// deleted.
func (s *Store) Get(key Key) []Entry {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[key]
	if !ok {
		s.misses++
		return nil
	}

	live := bucket[:0]
	var results []Entry
	for _, e := range bucket {
		if !e.expiresAt.After(now) {
			continue
		}
		live = append(live, e)
		// Round up so a live record never surfaces with TTL 0
		remaining := uint32((e.expiresAt.Sub(now) + time.Second - 1) / time.Second)
		rr := dns.Copy(e.rr)
		rr.Header().Ttl = remaining
		results = append(results, Entry{RR: rr, TTL: remaining})
	}

	if len(live) == 0 {
		delete(s.buckets, key)
	} else {
		s.buckets[key] = live
	}

	if len(results) == 0 {
		s.misses++
		return nil
	}
	s.hits++
	return results
}

// Put appends a record under key with expiry now + ttlSeconds. A TTL
// of zero is legal and makes the record immediately prunable. The
// record is copied on the way in so later caller mutations cannot
// taint the stored payload.
func (s *Store) Put(key Key, rr dns.RR, ttlSeconds uint32) {
	e := entry{
		rr:        dns.Copy(rr),
		expiresAt: time.Now().Add(time.Duration(ttlSeconds) * time.Second),
	}

	s.mu.Lock()
	s.buckets[key] = append(s.buckets[key], e)
	s.mu.Unlock()
}

// PutRR stores a record under the key derived from its own header,
// using the record's advertised TTL
func (s *Store) PutRR(rr dns.RR) {
	s.Put(KeyForRR(rr), rr, rr.Header().Ttl)
}

// Len returns the number of records currently held, expired or not
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, bucket := range s.buckets {
		n += len(bucket)
	}
	return n
}

// Stats returns current store counters
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Hits:      s.hits,
		Misses:    s.misses,
		Reclaimed: s.reclaimed,
		Keys:      len(s.buckets),
	}
	for _, bucket := range s.buckets {
		st.Records += len(bucket)
	}
	return st
}

// Snapshot copies out every live record for the persistence boundary
func (s *Store) Snapshot() []Record {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var records []Record
	for _, bucket := range s.buckets {
		for _, e := range bucket {
			if !e.expiresAt.After(now) {
				continue
			}
			records = append(records, Record{
				RR:        dns.Copy(e.rr),
				ExpiresAt: e.expiresAt,
			})
		}
	}
	return records
}

// Restore seeds the store from a snapshot, skipping records that have
// expired since it was taken. Returns the number of records loaded.
func (s *Store) Restore(records []Record) int {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := 0
	for _, rec := range records {
		if rec.RR == nil || !rec.ExpiresAt.After(now) {
			continue
		}
		key := KeyForRR(rec.RR)
		s.buckets[key] = append(s.buckets[key], entry{
			rr:        dns.Copy(rec.RR),
			expiresAt: rec.ExpiresAt,
		})
		loaded++
	}
	return loaded
}

// Close stops the reclaimer and waits for it to finish
func (s *Store) Close() error {
	close(s.stopReclaim)
	<-s.reclaimDone

	st := s.Stats()
	s.logger.Info("Record store closed",
		"final_hits", st.Hits,
		"final_misses", st.Misses,
		"final_records", st.Records)

	return nil
}

// reclaimLoop runs sweeps on a fixed interval until Close
func (s *Store) reclaimLoop() {
	defer close(s.reclaimDone)

	ticker := time.NewTicker(s.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stopReclaim:
			return
		}
	}
}

// sweep prunes expired records from every bucket. The key set is
// captured once, then each bucket is pruned under its own short lock
// acquisition so foreground Get/Put calls interleave with the sweep.
// A failure inside a sweep is logged and the loop moves on.
func (s *Store) sweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Reclaimer sweep failed", "panic", r)
		}
	}()

	s.mu.Lock()
	keys := make([]Key, 0, len(s.buckets))
	for key := range s.buckets {
		keys = append(keys, key)
	}
	s.mu.Unlock()

	now := time.Now()
	removed := 0

	for _, key := range keys {
		s.mu.Lock()
		bucket, ok := s.buckets[key]
		if !ok {
			s.mu.Unlock()
			continue
		}
		live := bucket[:0]
		for _, e := range bucket {
			if e.expiresAt.After(now) {
				live = append(live, e)
			}
		}
		pruned := len(bucket) - len(live)
		if len(live) == 0 {
			delete(s.buckets, key)
		} else {
			s.buckets[key] = live
		}
		s.reclaimed += uint64(pruned)
		s.mu.Unlock()

		removed += pruned
	}

	if removed > 0 {
		s.logger.Debug("Reclaimed expired records", "removed", removed)
	}
}
