// Package snapshot serializes a store.Store to a versioned binary file and
// restores it, translating absolute TTL deadlines to remaining-milliseconds
// on the way out and back on the way in. Save is atomic: it always writes
// to a temp file beside the target, fsyncs, and renames over it.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/mshaverdo/cachekv/log"
	"github.com/mshaverdo/cachekv/store"
)

// magicV2 opens every version-2 snapshot file.
var magicV2 = [4]byte{'S', 'K', 'V', '2'}

// Save sweeps expired keys, exports the live keyspace, and writes it to
// path as a version-2 snapshot via write-temp-then-rename.
func Save(s *store.Store, path string) (err error) {
	s.CollectExpired()
	entries := s.Export()

	tmpName := path + ".tmp"
	tmp, err := os.Create(tmpName)
	if err != nil {
		return fmt.Errorf("snapshot.Save(): %s", err)
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	w := bufio.NewWriter(tmp)
	if _, err = w.Write(magicV2[:]); err != nil {
		return fmt.Errorf("snapshot.Save(): %s", err)
	}
	for _, e := range entries {
		if err = writeEntry(w, e); err != nil {
			return fmt.Errorf("snapshot.Save(): %s", err)
		}
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("snapshot.Save(): %s", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("snapshot.Save(): %s", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("snapshot.Save(): %s", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("snapshot.Save(): %s", err)
	}

	log.Infof("snapshot written: %s (%d keys)", path, len(entries))
	return nil
}

// Load replaces s's contents with the snapshot at path. Decoding runs to
// completion before the live keyspace is touched, so a failed load leaves
// s exactly as it was. A missing file is not an error — there is simply
// nothing to restore yet. Load detects the version-2 magic and falls back
// to the legacy string-only v1 framing otherwise, per the format's
// version-detection rule.
func Load(s *store.Store, path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot.Load(): %s", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	var magic [4]byte
	n, err := io.ReadFull(r, magic[:])
	if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
		return nil
	}
	if err == io.ErrUnexpectedEOF {
		// fewer than 4 bytes total: no usable header, nothing to load.
		return nil
	}
	if err != nil {
		return fmt.Errorf("snapshot.Load(): %s", err)
	}

	var entries []store.Entry
	if magic == magicV2 {
		entries, err = decodeV2(r)
	} else {
		entries, err = decodeV1(magic, r)
	}
	if err != nil {
		return fmt.Errorf("snapshot.Load(): %s", err)
	}

	s.Flush()
	s.Import(entries)
	log.Infof("snapshot loaded: %s (%d keys)", path, len(entries))
	return nil
}

func writeEntry(w io.Writer, e store.Entry) error {
	if err := writeByte(w, byte(e.Kind)); err != nil {
		return err
	}
	if err := writeField(w, []byte(e.Key)); err != nil {
		return err
	}

	switch e.Kind {
	case store.KindString:
		if err := writeField(w, e.Str); err != nil {
			return err
		}
	case store.KindList:
		if err := writeElemList(w, e.List); err != nil {
			return err
		}
	case store.KindSet:
		if err := writeElemList(w, e.Set); err != nil {
			return err
		}
	case store.KindHash:
		if err := writeUint32(w, uint32(len(e.Hash))); err != nil {
			return err
		}
		for field, val := range e.Hash {
			if err := writeField(w, []byte(field)); err != nil {
				return err
			}
			if err := writeField(w, val); err != nil {
				return err
			}
		}
	}

	return writeExpiry(w, e)
}

func writeElemList(w io.Writer, elems [][]byte) error {
	if err := writeUint32(w, uint32(len(elems))); err != nil {
		return err
	}
	for _, e := range elems {
		if err := writeField(w, e); err != nil {
			return err
		}
	}
	return nil
}

func writeExpiry(w io.Writer, e store.Entry) error {
	if !e.HasTTL {
		return writeByte(w, 0)
	}
	if err := writeByte(w, 1); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, e.RemainingMillis)
}

func writeByte(w io.Writer, b byte) error {
	_, err := w.Write([]byte{b})
	return err
}

func writeUint32(w io.Writer, n uint32) error {
	return binary.Write(w, binary.LittleEndian, n)
}

func writeField(w io.Writer, b []byte) error {
	if err := writeUint32(w, uint32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// decodeV2 reads version-2 entries until a clean EOF. A record truncated
// mid-way is dropped instead of failing the whole load — the format has no
// checksum, so a short read is the only truncation signal there is.
func decodeV2(r *bufio.Reader) ([]store.Entry, error) {
	var entries []store.Entry
	for {
		kindByte, err := r.ReadByte()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}

		e, err := readEntry(r, kindByte)
		if err == io.ErrUnexpectedEOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}

func readEntry(r io.Reader, kindByte byte) (store.Entry, error) {
	kind := store.Kind(kindByte)

	keyBytes, err := readField(r)
	if err != nil {
		return store.Entry{}, err
	}
	e := store.Entry{Key: string(keyBytes), Kind: kind}

	switch kind {
	case store.KindString:
		e.Str, err = readField(r)
	case store.KindList:
		e.List, err = readElemList(r)
	case store.KindSet:
		e.Set, err = readElemList(r)
	case store.KindHash:
		e.Hash, err = readHash(r)
	default:
		return store.Entry{}, fmt.Errorf("unknown snapshot entry type byte %d", kindByte)
	}
	if err != nil {
		return store.Entry{}, err
	}

	hasTTL, remaining, err := readExpiry(r)
	if err != nil {
		return store.Entry{}, err
	}
	e.HasTTL = hasTTL
	e.RemainingMillis = remaining

	return e, nil
}

func readElemList(r io.Reader) ([][]byte, error) {
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		b, err := readField(r)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

func readHash(r io.Reader) (map[string][]byte, error) {
	count, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, count)
	for i := uint32(0); i < count; i++ {
		field, err := readField(r)
		if err != nil {
			return nil, err
		}
		val, err := readField(r)
		if err != nil {
			return nil, err
		}
		out[string(field)] = val
	}
	return out, nil
}

func readExpiry(r io.Reader) (bool, int64, error) {
	has, err := readByte(r)
	if err != nil {
		return false, 0, err
	}
	if has == 0 {
		return false, 0, nil
	}
	var ms int64
	if err := binary.Read(r, binary.LittleEndian, &ms); err != nil {
		return false, 0, eofToUnexpected(err)
	}
	return true, ms, nil
}

func readByte(r io.Reader) (byte, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, eofToUnexpected(err)
	}
	return buf[0], nil
}

func readUint32(r io.Reader) (uint32, error) {
	var n uint32
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, eofToUnexpected(err)
	}
	return n, nil
}

func readField(r io.Reader) ([]byte, error) {
	n, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, eofToUnexpected(err)
	}
	return buf, nil
}

// eofToUnexpected folds a clean io.EOF into io.ErrUnexpectedEOF: once a
// record has started (its type byte was already consumed), any EOF inside
// it means the file was truncated mid-record, not that the stream ended
// cleanly.
func eofToUnexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// decodeV1 reinterprets magic (the 4 bytes read hoping for the v2 header)
// as the u32le key_len of the first entry in the legacy string-only
// stream: key_len key_bytes val_len val_bytes, repeated, with no type byte
// and no TTLs.
func decodeV1(magic [4]byte, r *bufio.Reader) ([]store.Entry, error) {
	var entries []store.Entry
	keyLen := binary.LittleEndian.Uint32(magic[:])

	for {
		keyBuf := make([]byte, keyLen)
		if _, err := io.ReadFull(r, keyBuf); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return entries, nil
			}
			return nil, err
		}

		val, err := readField(r)
		if err == io.ErrUnexpectedEOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}

		entries = append(entries, store.Entry{
			Key:  string(keyBuf),
			Kind: store.KindString,
			Str:  val,
		})

		next, err := readUint32(r)
		if err == io.ErrUnexpectedEOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		keyLen = next
	}
}
