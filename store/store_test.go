package store

import (
	"sort"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/mshaverdo/cachekv/internal/clock"
)

func newTestStore(cfg Config) (*Store, *clock.Mock) {
	c := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	return newWithClock(cfg, c), c
}

func TestStringLifecycle(t *testing.T) {
	s, _ := newTestStore(Config{})

	if err := s.Set("foo", []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	v, err := s.Get("foo")
	if err != nil || string(v) != "hello" {
		t.Fatalf("Get: got (%q, %v), want (hello, nil)", v, err)
	}

	if got := s.Del([]string{"foo"}); got != 1 {
		t.Fatalf("Del: got %d, want 1", got)
	}

	if _, err := s.Get("foo"); err != ErrMiss {
		t.Fatalf("Get after Del: got err %v, want ErrMiss", err)
	}
}

func TestTypeConflict(t *testing.T) {
	s, _ := newTestStore(Config{})

	if _, err := s.LPush("q", [][]byte{[]byte("a")}); err != nil {
		t.Fatalf("LPush: %v", err)
	}

	if err := s.Set("q", []byte("bad")); err != ErrTypeConflict {
		t.Fatalf("Set on list key: got %v, want ErrTypeConflict", err)
	}

	if got := s.Type("q"); got != "list" {
		t.Fatalf("Type: got %q, want list", got)
	}
}

func TestTTLExpirationViaSweep(t *testing.T) {
	s, c := newTestStore(Config{})

	if err := s.Set("t", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ok := s.PExpire("t", 1); !ok {
		t.Fatalf("PExpire: got false")
	}

	c.Advance(10 * time.Millisecond)
	s.CollectExpired()

	if s.Exists("t") {
		t.Fatalf("Exists after sweep: got true, want false")
	}
	if got := s.TTL("t"); got != ttlMissing {
		t.Fatalf("TTL after sweep: got %d, want %d", got, ttlMissing)
	}
	if _, err := s.Get("t"); err != ErrMiss {
		t.Fatalf("Get after sweep: got err %v, want ErrMiss", err)
	}
}

func TestTTLLazyExpiryWithoutSweep(t *testing.T) {
	s, c := newTestStore(Config{})

	s.Set("t", []byte("v"))
	s.PExpire("t", 1)
	c.Advance(10 * time.Millisecond)

	// no CollectExpired call: a direct Get must still lazily expire it.
	if _, err := s.Get("t"); err != ErrMiss {
		t.Fatalf("Get: got err %v, want ErrMiss", err)
	}
	if s.Exists("t") {
		t.Fatalf("Exists: got true, want false")
	}
}

func TestIncrThenParseFailure(t *testing.T) {
	s, _ := newTestStore(Config{})

	n, err := s.IncrBy("n", 1)
	if err != nil || n != 1 {
		t.Fatalf("IncrBy on absent key: got (%d, %v), want (1, nil)", n, err)
	}

	n, err = s.IncrBy("n", 10)
	if err != nil || n != 11 {
		t.Fatalf("IncrBy: got (%d, %v), want (11, nil)", n, err)
	}

	if err := s.Set("n", []byte("abc")); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if _, err := s.IncrBy("n", 1); err != ErrNotAnInteger {
		t.Fatalf("IncrBy on non-integer: got %v, want ErrNotAnInteger", err)
	}
}

func TestIncrPreservesTTL(t *testing.T) {
	s, _ := newTestStore(Config{})

	s.Set("n", []byte("1"))
	s.Expire("n", 100)

	if _, err := s.IncrBy("n", 1); err != nil {
		t.Fatalf("IncrBy: %v", err)
	}

	if ttl := s.TTL("n"); ttl <= 0 {
		t.Fatalf("TTL after IncrBy: got %d, want > 0 (TTL must survive in-place mutation)", ttl)
	}
}

func TestLRUEviction(t *testing.T) {
	// Each key ("a"/"b"/"c", 1 byte) plus its 10-byte value costs 11 bytes.
	// A cap of 30 fits two such entries (22) but not three (33), so the
	// third insert is what forces an eviction.
	s, _ := newTestStore(Config{MaxMemoryBytes: 30, Policy: PolicyAllKeysLRU})

	must := func(err error) {
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	must(s.Set("a", []byte("0123456789")))
	must(s.Set("b", []byte("0123456789")))

	if _, err := s.Get("a"); err != nil {
		t.Fatalf("Get a: %v", err)
	}

	must(s.Set("c", []byte("0123456789")))

	if !s.Exists("a") {
		t.Fatalf("a should survive eviction (touched after b)")
	}
	if s.Exists("b") {
		t.Fatalf("b should have been evicted (least recently touched)")
	}
	if !s.Exists("c") {
		t.Fatalf("c should exist (just written)")
	}
}

func TestOnEvictNotifiesEvictedKey(t *testing.T) {
	// See TestLRUEviction: cap 30 fits two 11-byte entries but not three.
	s, _ := newTestStore(Config{MaxMemoryBytes: 30, Policy: PolicyAllKeysLRU})

	var evicted []string
	s.OnEvict(func(key string) { evicted = append(evicted, key) })

	if err := s.Set("a", []byte("0123456789")); err != nil {
		t.Fatalf("Set a: %v", err)
	}
	if err := s.Set("b", []byte("0123456789")); err != nil {
		t.Fatalf("Set b: %v", err)
	}
	if err := s.Set("c", []byte("0123456789")); err != nil {
		t.Fatalf("Set c: %v", err)
	}

	if len(evicted) != 1 || evicted[0] != "a" {
		t.Fatalf("OnEvict: got %v, want [a]", evicted)
	}
}

func TestAdmissionRefusesWithoutPartialState(t *testing.T) {
	// "a"+"0123456789" costs len("a")+len("0123456789")=11 bytes, so a cap
	// of 11 makes the first write fit exactly and any further growth
	// overflow it.
	s, _ := newTestStore(Config{MaxMemoryBytes: 11, Policy: PolicyNone})

	if err := s.Set("a", []byte("0123456789")); err != nil {
		t.Fatalf("first write should fit exactly: %v", err)
	}
	before := s.MemoryBytes()

	if err := s.Set("b", []byte("x")); err != ErrOutOfMemory {
		t.Fatalf("Set: got %v, want ErrOutOfMemory", err)
	}
	if s.MemoryBytes() != before {
		t.Fatalf("memory counter changed after rejected write: got %d, want %d", s.MemoryBytes(), before)
	}
	if s.Exists("b") {
		t.Fatalf("rejected write must not create the key")
	}
}

func TestEmptyContainerRemoval(t *testing.T) {
	s, _ := newTestStore(Config{})

	s.LPush("l", [][]byte{[]byte("x")})
	if _, err := s.LPop("l"); err != nil {
		t.Fatalf("LPop: %v", err)
	}
	if s.Exists("l") {
		t.Fatalf("list key must not survive its last pop")
	}

	s.SAdd("st", []byte("m"))
	if ok, err := s.SRem("st", []byte("m")); err != nil || !ok {
		t.Fatalf("SRem: got (%v, %v)", ok, err)
	}
	if s.Exists("st") {
		t.Fatalf("set key must not survive its last removal")
	}

	s.HSet("h", "f", []byte("v"))
	if ok, err := s.HDel("h", "f"); err != nil || !ok {
		t.Fatalf("HDel: got (%v, %v)", ok, err)
	}
	if s.Exists("h") {
		t.Fatalf("hash key must not survive its last field removal")
	}
}

func TestInvariantsSurviveMixedWorkload(t *testing.T) {
	s, c := newTestStore(Config{MaxMemoryBytes: 256, Policy: PolicyAllKeysLRU})

	s.Set("s1", []byte("value-one"))
	s.Set("s2", []byte("value-two"))
	s.Append("s1", []byte("-suffix"))
	s.IncrBy("counter", 41)
	s.IncrBy("counter", 1)

	s.LPush("l", [][]byte{[]byte("a"), []byte("b")})
	s.RPush("l", [][]byte{[]byte("c")})
	s.LPop("l")

	s.SAdd("st", []byte("m1"))
	s.SAdd("st", []byte("m2"))
	s.SRem("st", []byte("m1"))

	s.HSet("h", "f1", []byte("v1"))
	s.HSet("h", "f1", []byte("v1-replaced"))
	s.HDel("h", "f1")

	s.PExpire("s2", 5)
	s.Expire("counter", 100)
	s.Del([]string{"s1"})

	s.assertInvariants()

	c.Advance(10 * time.Millisecond)
	s.CollectExpired()
	s.assertInvariants()

	if s.Exists("s2") {
		t.Fatalf("s2 should have expired")
	}
}

func TestScanFullTraversal(t *testing.T) {
	s, _ := newTestStore(Config{})

	s.Set("k1", []byte("v"))
	s.Set("k2", []byte("v"))
	s.Set("k3", []byte("v"))

	var seen []string
	cursor := 0
	for {
		next, keys := s.Scan(cursor, 2, "")
		seen = append(seen, keys...)
		if next == 0 {
			break
		}
		cursor = next
	}

	sort.Strings(seen)
	want := []string{"k1", "k2", "k3"}
	if diff := deep.Equal(seen, want); diff != nil {
		t.Fatalf("scan traversal mismatch: %v", diff)
	}
}

func TestPubSubFanoutAndCleanup(t *testing.T) {
	s, _ := newTestStore(Config{})

	var connA, connB SubscriberHandle = 1, 2

	s.Subscribe("news", connA)
	s.Subscribe("news", connB)

	if n := s.Publish("news"); n != 2 {
		t.Fatalf("Publish: got %d subscribers, want 2", n)
	}

	subs := s.Subscribers("news")
	sort.Slice(subs, func(i, j int) bool { return subs[i] < subs[j] })
	if diff := deep.Equal(subs, []SubscriberHandle{connA, connB}); diff != nil {
		t.Fatalf("Subscribers mismatch: %v", diff)
	}

	s.UnsubscribeAll(connA)
	for _, h := range s.Subscribers("news") {
		if h == connA {
			t.Fatalf("connA still present in channel after UnsubscribeAll")
		}
	}
}

func TestGlobMatchBasics(t *testing.T) {
	// globMatch backs KEYS and SCAN MATCH; a direct sanity check of '*',
	// '?' and a character class.
	if !globMatch("k*", "key1") {
		t.Fatalf("globMatch: k* should match key1")
	}
	if globMatch("k?", "key1") {
		t.Fatalf("globMatch: k? should not match key1")
	}
	if !globMatch("[kK]ey1", "key1") {
		t.Fatalf("globMatch: character class should match")
	}
}
