package dispatcher

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mshaverdo/cachekv/store"
)

func newHarness(cfg store.Config) (*Dispatcher, *store.Store) {
	s := store.New(cfg)
	return New(s, ""), s
}

func send(t *testing.T, d *Dispatcher, conn *Conn, buf *bytes.Buffer, line string) string {
	t.Helper()
	buf.Reset()
	if err := d.HandleLine(conn, line); err != nil {
		t.Fatalf("HandleLine(%q): %v", line, err)
	}
	return buf.String()
}

func newConn(handle store.SubscriberHandle) (*Conn, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewConn(handle, &buf), &buf
}

func TestStringLifecycleOverWire(t *testing.T) {
	d, _ := newHarness(store.Config{})
	conn, buf := newConn(1)

	if got := send(t, d, conn, buf, "SET foo bar"); got != "ok\n" {
		t.Fatalf("SET: got %q", got)
	}
	if got := send(t, d, conn, buf, "GET foo"); got != "bar\n" {
		t.Fatalf("GET: got %q", got)
	}
	if got := send(t, d, conn, buf, "DEL foo"); got != "1\n" {
		t.Fatalf("DEL: got %q", got)
	}
	if got := send(t, d, conn, buf, "GET foo"); got != "nil\n" {
		t.Fatalf("GET after DEL: got %q", got)
	}
}

func TestTypeConflictOverWire(t *testing.T) {
	d, _ := newHarness(store.Config{})
	conn, buf := newConn(1)

	send(t, d, conn, buf, "LPUSH q a")
	got := send(t, d, conn, buf, "SET q bad")
	if !strings.HasPrefix(got, "error: WRONGTYPE") {
		t.Fatalf("SET on list key: got %q, want error: WRONGTYPE prefix", got)
	}
}

func TestIncrParseFailureOverWire(t *testing.T) {
	d, _ := newHarness(store.Config{})
	conn, buf := newConn(1)

	send(t, d, conn, buf, "SET n abc")
	got := send(t, d, conn, buf, "INCR n")
	if !strings.HasPrefix(got, "error: value is not an integer") {
		t.Fatalf("INCR on non-integer: got %q", got)
	}
}

func TestWrongArityOverWire(t *testing.T) {
	d, _ := newHarness(store.Config{})
	conn, buf := newConn(1)

	got := send(t, d, conn, buf, "SET onlyonearg")
	if !strings.HasPrefix(got, "usage: SET") {
		t.Fatalf("SET with one arg: got %q, want usage: prefix", got)
	}
}

func TestUnknownCommandOverWire(t *testing.T) {
	d, _ := newHarness(store.Config{})
	conn, buf := newConn(1)

	got := send(t, d, conn, buf, "FROBNICATE x")
	if !strings.HasPrefix(got, "error: unknown command") {
		t.Fatalf("unknown command: got %q", got)
	}
}

func TestMultiValueFraming(t *testing.T) {
	d, _ := newHarness(store.Config{})
	conn, buf := newConn(1)

	send(t, d, conn, buf, "RPUSH l a b c")
	got := send(t, d, conn, buf, "LRANGE l 0 -1")

	lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
	if lines[len(lines)-1] != "end" {
		t.Fatalf("multi-value response must end with exactly 'end': got %q", got)
	}
	if lines[0] != "a" || lines[1] != "b" || lines[2] != "c" {
		t.Fatalf("LRANGE elements out of order: got %v", lines)
	}
}

func TestSingleValueResponseHasExactlyOneNewline(t *testing.T) {
	d, _ := newHarness(store.Config{})
	conn, buf := newConn(1)

	send(t, d, conn, buf, "SET k v")
	got := send(t, d, conn, buf, "GET k")
	if strings.Count(got, "\n") != 1 {
		t.Fatalf("single-value response must contain exactly one newline: got %q", got)
	}
}

func TestWhitespaceIdempotence(t *testing.T) {
	d, _ := newHarness(store.Config{})
	conn, buf := newConn(1)

	a := send(t, d, conn, buf, "SET k v")
	b := send(t, d, conn, buf, "SET   k\t v")
	if a != b {
		t.Fatalf("whitespace-only variation produced different responses: %q vs %q", a, b)
	}
}

func TestScanFullTraversalOverWire(t *testing.T) {
	d, _ := newHarness(store.Config{})
	conn, buf := newConn(1)

	send(t, d, conn, buf, "SET k1 v")
	send(t, d, conn, buf, "SET k2 v")
	send(t, d, conn, buf, "SET k3 v")

	seen := map[string]bool{}
	cursor := "0"
	for {
		got := send(t, d, conn, buf, "SCAN "+cursor+" COUNT 2")
		lines := strings.Split(strings.TrimRight(got, "\n"), "\n")
		cursor = lines[0]
		for _, k := range lines[1 : len(lines)-1] {
			seen[k] = true
		}
		if cursor == "0" {
			break
		}
	}

	for _, want := range []string{"k1", "k2", "k3"} {
		if !seen[want] {
			t.Fatalf("SCAN traversal missed key %q: saw %v", want, seen)
		}
	}
}

func TestPubSubFanoutOverWire(t *testing.T) {
	d, _ := newHarness(store.Config{})

	sub, subBuf := newConn(1)
	pub, pubBuf := newConn(2)
	d.Register(sub)
	d.Register(pub)

	send(t, d, sub, subBuf, "SUBSCRIBE news")
	subBuf.Reset()

	got := send(t, d, pub, pubBuf, "PUBLISH news hello")
	if got != "1\n" {
		t.Fatalf("PUBLISH: got %q, want subscriber count 1", got)
	}
	if subBuf.String() != "news hello\n" {
		t.Fatalf("subscriber did not receive the published message: got %q", subBuf.String())
	}
}

func TestPubSubCleanupOnDisconnect(t *testing.T) {
	d, s := newHarness(store.Config{})

	sub, subBuf := newConn(1)
	d.Register(sub)
	send(t, d, sub, subBuf, "SUBSCRIBE news")

	d.Unregister(sub)

	for _, h := range s.Subscribers("news") {
		if h == sub.Handle {
			t.Fatalf("subscriber handle still present in channel after disconnect")
		}
	}
}

func TestTTLSafetyOverWire(t *testing.T) {
	d, s := newHarness(store.Config{})
	conn, buf := newConn(1)

	send(t, d, conn, buf, "SET k v")
	send(t, d, conn, buf, "PEXPIRE k 1")

	time.Sleep(5 * time.Millisecond)
	s.CollectExpired()

	got := send(t, d, conn, buf, "GET k")
	if got != "nil\n" {
		t.Fatalf("GET after TTL expiry: got %q, want nil", got)
	}
	got = send(t, d, conn, buf, "EXISTS k")
	if got != "0\n" {
		t.Fatalf("EXISTS after TTL expiry: got %q, want 0", got)
	}
}

type recordingObserver struct {
	calls []string
}

func (r *recordingObserver) ObserveCommand(cmd string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	r.calls = append(r.calls, cmd+":"+outcome)
}

func TestObserverSeesCommandOutcomes(t *testing.T) {
	d, _ := newHarness(store.Config{})
	obs := &recordingObserver{}
	d.Observer = obs
	conn, buf := newConn(1)

	send(t, d, conn, buf, "SET k v")
	send(t, d, conn, buf, "LPUSH k x")

	want := []string{"SET:ok", "LPUSH:error"}
	if len(obs.calls) != len(want) {
		t.Fatalf("Observer calls: got %v, want %v", obs.calls, want)
	}
	for i := range want {
		if obs.calls[i] != want[i] {
			t.Fatalf("Observer calls: got %v, want %v", obs.calls, want)
		}
	}
}
