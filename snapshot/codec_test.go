package snapshot

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/mshaverdo/cachekv/store"
)

func tempPath(t *testing.T) string {
	dir, err := ioutil.TempDir("", "cachekv-snapshot")
	if err != nil {
		t.Fatalf("TempDir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "dump.skv")
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := tempPath(t)

	s := store.New(store.Config{})
	s.Set("str", []byte("hello"))
	s.LPush("list", [][]byte{[]byte("a"), []byte("b")})
	s.SAdd("set", []byte("m1"))
	s.SAdd("set", []byte("m2"))
	s.HSet("hash", "f1", []byte("v1"))
	s.Expire("str", 100)

	if err := Save(s, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := store.New(store.Config{})
	if err := Load(restored, path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got, err := restored.Get("str"); err != nil || string(got) != "hello" {
		t.Fatalf("Get(str): got (%q, %v)", got, err)
	}
	if ttl := restored.TTL("str"); ttl <= 0 {
		t.Fatalf("TTL(str) after round-trip: got %d, want > 0", ttl)
	}
	if n, err := restored.LLen("list"); err != nil || n != 2 {
		t.Fatalf("LLen(list): got (%d, %v)", n, err)
	}
	if card, err := restored.SCard("set"); err != nil || card != 2 {
		t.Fatalf("SCard(set): got (%d, %v)", card, err)
	}
	if v, err := restored.HGet("hash", "f1"); err != nil || string(v) != "v1" {
		t.Fatalf("HGet(hash,f1): got (%q, %v)", v, err)
	}

	if restored.Size() != s.Size() {
		t.Fatalf("Size mismatch: got %d, want %d", restored.Size(), s.Size())
	}
}

func TestSaveDropsAlreadyExpiredKeys(t *testing.T) {
	path := tempPath(t)

	s := store.New(store.Config{})
	s.Set("gone", []byte("v"))
	s.PExpire("gone", 1)
	time.Sleep(5 * time.Millisecond)

	if err := Save(s, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	restored := store.New(store.Config{})
	if err := Load(restored, path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if restored.Exists("gone") {
		t.Fatalf("expired key survived the snapshot round-trip")
	}
}

func TestLoadReplacesExistingContents(t *testing.T) {
	path := tempPath(t)

	saved := store.New(store.Config{})
	saved.Set("kept", []byte("from-snapshot"))
	if err := Save(saved, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	live := store.New(store.Config{})
	live.Set("stale", []byte("pre-load"))
	if err := Load(live, path); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if live.Exists("stale") {
		t.Fatalf("pre-load key survived: Load must replace the keyspace, not merge into it")
	}
	if v, err := live.Get("kept"); err != nil || string(v) != "from-snapshot" {
		t.Fatalf("Get(kept): got (%q, %v)", v, err)
	}
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	s := store.New(store.Config{})
	if err := Load(s, filepath.Join(t.TempDir(), "does-not-exist.skv")); err != nil {
		t.Fatalf("Load on missing file: got %v, want nil", err)
	}
	if s.Size() != 0 {
		t.Fatalf("store mutated by a no-op load")
	}
}

func TestLoadLegacyV1Format(t *testing.T) {
	path := tempPath(t)

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	for _, kv := range [][2]string{{"a", "1"}, {"bb", "22"}} {
		if err := writeField(f, []byte(kv[0])); err != nil {
			t.Fatalf("writeField key: %v", err)
		}
		if err := writeField(f, []byte(kv[1])); err != nil {
			t.Fatalf("writeField val: %v", err)
		}
	}
	f.Close()

	s := store.New(store.Config{})
	if err := Load(s, path); err != nil {
		t.Fatalf("Load v1: %v", err)
	}

	if v, err := s.Get("a"); err != nil || string(v) != "1" {
		t.Fatalf("Get(a): got (%q, %v)", v, err)
	}
	if v, err := s.Get("bb"); err != nil || string(v) != "22" {
		t.Fatalf("Get(bb): got (%q, %v)", v, err)
	}
	if ttl := s.TTL("a"); ttl != -1 {
		t.Fatalf("TTL(a): got %d, want -1 (v1 has no TTLs)", ttl)
	}
}

func TestLoadTruncatedFileDropsPartialRecord(t *testing.T) {
	path := tempPath(t)

	s := store.New(store.Config{})
	s.Set("whole", []byte("ok"))
	s.Set("partial", []byte("will-be-cut"))
	if err := Save(s, path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := ioutil.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	truncated := data[:len(data)-3]
	if err := ioutil.WriteFile(path, truncated, 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	restored := store.New(store.Config{})
	if err := Load(restored, path); err != nil {
		t.Fatalf("Load truncated file: %v", err)
	}

	// At least the keys preceding the truncated tail record must survive.
	if restored.Size() == 0 {
		t.Fatalf("Load truncated file: got empty store, want partial recovery")
	}
}

func TestEntryFieldHelpersRoundTrip(t *testing.T) {
	var buf []byte
	w := &sliceWriter{&buf}
	if err := writeField(w, []byte("payload")); err != nil {
		t.Fatalf("writeField: %v", err)
	}

	got, err := readField(&sliceReader{buf: buf})
	if err != nil {
		t.Fatalf("readField: %v", err)
	}
	if diff := deep.Equal(got, []byte("payload")); diff != nil {
		t.Fatalf("field round-trip mismatch: %v", diff)
	}
}

// sliceWriter/sliceReader are minimal io.Writer/io.Reader adapters for unit
// testing the field-framing helpers without touching the filesystem.
type sliceWriter struct{ buf *[]byte }

func (w *sliceWriter) Write(p []byte) (int, error) {
	*w.buf = append(*w.buf, p...)
	return len(p), nil
}

type sliceReader struct {
	buf []byte
	pos int
}

func (r *sliceReader) Read(p []byte) (int, error) {
	n := copy(p, r.buf[r.pos:])
	r.pos += n
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}
