package dispatcher

import (
	"bufio"
	"fmt"
	"strconv"

	"github.com/mshaverdo/cachekv/store"
)

func writeLine(w *bufio.Writer, s string) {
	w.WriteString(s)
	w.WriteByte('\n')
}

func writeNil(w *bufio.Writer) {
	writeLine(w, "nil")
}

func writeOK(w *bufio.Writer) {
	writeLine(w, "ok")
}

func writeInt(w *bufio.Writer, n int) {
	writeLine(w, strconv.Itoa(n))
}

func writeInt64(w *bufio.Writer, n int64) {
	writeLine(w, strconv.FormatInt(n, 10))
}

func writeBool01(w *bufio.Writer, b bool) {
	if b {
		writeInt(w, 1)
		return
	}
	writeInt(w, 0)
}

func writeBulk(w *bufio.Writer, b []byte) {
	writeLine(w, string(b))
}

func writeBulkOrNil(w *bufio.Writer, b []byte, err error) {
	if err == store.ErrMiss {
		writeNil(w)
		return
	}
	writeBulk(w, b)
}

// writeMulti renders LRANGE/SMEMBERS-style responses: one element per
// line followed by the end terminator.
func writeMulti(w *bufio.Writer, items [][]byte) {
	for _, it := range items {
		writeBulk(w, it)
	}
	writeLine(w, "end")
}

func writeStrings(w *bufio.Writer, items []string) {
	for _, it := range items {
		writeLine(w, it)
	}
	writeLine(w, "end")
}

// writeScanResult renders SCAN's response: the next cursor on the first
// line, then the matched keys, then end.
func writeScanResult(w *bufio.Writer, next int, keys []string) {
	writeInt(w, next)
	writeStrings(w, keys)
}

func writeUsage(w *bufio.Writer, usage string) {
	writeLine(w, "usage: "+usage)
}

func writeUnknownCommand(w *bufio.Writer, cmd string) {
	writeLine(w, fmt.Sprintf("error: unknown command %q", cmd))
}

func writeFailed(w *bufio.Writer, op string, err error) {
	writeLine(w, fmt.Sprintf("failed: %s %s", op, err))
}

// writeStoreErr translates a store-layer sentinel error into the wire error
// taxonomy from the error handling design. ErrMiss is not an error here —
// callers that can return a miss use writeBulkOrNil or check it directly.
func writeStoreErr(w *bufio.Writer, cmd string, err error) {
	switch err {
	case store.ErrTypeConflict:
		writeLine(w, "error: WRONGTYPE Operation against a key holding the wrong kind of value")
	case store.ErrOutOfMemory:
		writeLine(w, "error: OOM command not allowed when used memory > 'maxmemory'")
	case store.ErrNotAnInteger:
		writeLine(w, "error: value is not an integer or out of range")
	default:
		writeLine(w, fmt.Sprintf("error: %s: %s", cmd, err))
	}
}
