// Package dispatcher implements the pipelined, line-oriented inline
// command protocol in front of store.Store: it reads whitespace-separated
// commands, invokes the matching keyspace operation, and writes textual
// responses terminated the way the embedded clients expect.
package dispatcher

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/mshaverdo/cachekv/log"
	"github.com/mshaverdo/cachekv/snapshot"
	"github.com/mshaverdo/cachekv/store"
)

// Observer receives one notification per processed command. It lets the
// host wire up command-outcome counters (see metrics.Collector) without
// the dispatcher importing an ambient observability package.
type Observer interface {
	ObserveCommand(cmd string, ok bool)
}

// Dispatcher executes inline commands against a single store.Store. It is
// driven from one goroutine only — the same one that owns the Store — so,
// like the store, it needs no locks of its own. It additionally tracks the
// live connections so PUBLISH can fan a message out to every subscriber's
// socket, not just report a count.
type Dispatcher struct {
	store        *store.Store
	snapshotPath string
	conns        map[store.SubscriberHandle]*Conn

	// Observer, if set, is notified once per command with the command
	// name and whether the response was an error line (detected the same
	// way clients detect errors: by prefix).
	Observer Observer
}

// New builds a Dispatcher over s. snapshotPath configures LOAD and the
// FLUSH SAVE variant; an empty path disables both.
func New(s *store.Store, snapshotPath string) *Dispatcher {
	return &Dispatcher{
		store:        s,
		snapshotPath: snapshotPath,
		conns:        make(map[store.SubscriberHandle]*Conn),
	}
}

// Register tracks conn so it can receive PUBLISH fan-out.
func (d *Dispatcher) Register(conn *Conn) {
	d.conns[conn.Handle] = conn
}

// Unregister purges conn's pub/sub subscriptions and its fan-out
// registration. Call this once, synchronously, on disconnect.
func (d *Dispatcher) Unregister(conn *Conn) {
	d.store.UnsubscribeAll(conn.Handle)
	delete(d.conns, conn.Handle)
}

// HandleLine parses and executes one command line — CR/LF framing must
// already be stripped by the caller — and writes the response to conn,
// flushing before returning. Blank lines are silently discarded.
func (d *Dispatcher) HandleLine(conn *Conn, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	if d.Observer == nil {
		d.dispatch(conn, cmd, args)
		return conn.w.Flush()
	}

	// Shadow the response through a buffer so the observer can classify
	// it by the same error prefixes clients use, without threading an ok
	// bool through every dispatch case.
	var buf bytes.Buffer
	shadow := &Conn{Handle: conn.Handle, w: bufio.NewWriter(&buf)}
	d.dispatch(shadow, cmd, args)
	shadow.w.Flush()

	d.Observer.ObserveCommand(cmd, !isErrorLine(buf.Bytes()))

	conn.w.Write(buf.Bytes())
	return conn.w.Flush()
}

var errorLinePrefixes = [][]byte{
	[]byte("error:"), []byte("denied:"), []byte("usage:"), []byte("failed:"),
}

func isErrorLine(b []byte) bool {
	for _, p := range errorLinePrefixes {
		if bytes.HasPrefix(b, p) {
			return true
		}
	}
	return false
}

func arity(conn *Conn, cmd string, args []string, n int, usage string) bool {
	if len(args) != n {
		writeUsage(conn.w, usage)
		return false
	}
	return true
}

func arityAtLeast(conn *Conn, args []string, n int, usage string) bool {
	if len(args) < n {
		writeUsage(conn.w, usage)
		return false
	}
	return true
}

func parseInt(conn *Conn, s, usage string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		writeUsage(conn.w, usage)
		return 0, false
	}
	return n, true
}

func parseInt64(conn *Conn, s, usage string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		writeUsage(conn.w, usage)
		return 0, false
	}
	return n, true
}

func (d *Dispatcher) dispatch(conn *Conn, cmd string, args []string) {
	s := d.store
	w := conn.w

	switch cmd {
	case "GET":
		if !arity(conn, cmd, args, 1, "GET key") {
			return
		}
		v, err := s.Get(args[0])
		if err != nil && err != store.ErrMiss {
			writeStoreErr(w, cmd, err)
			return
		}
		writeBulkOrNil(w, v, err)

	case "SET":
		if !arity(conn, cmd, args, 2, "SET key value") {
			return
		}
		if err := s.Set(args[0], []byte(args[1])); err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeOK(w)

	case "SETNX":
		if !arity(conn, cmd, args, 2, "SETNX key value") {
			return
		}
		ok, err := s.SetNX(args[0], []byte(args[1]))
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeBool01(w, ok)

	case "SETEX":
		if !arity(conn, cmd, args, 3, "SETEX key seconds value") {
			return
		}
		seconds, ok := parseInt(conn, args[1], "SETEX key seconds value")
		if !ok {
			return
		}
		if err := s.SetEx(args[0], seconds, []byte(args[2])); err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeOK(w)

	case "PSETEX":
		if !arity(conn, cmd, args, 3, "PSETEX key millis value") {
			return
		}
		millis, ok := parseInt(conn, args[1], "PSETEX key millis value")
		if !ok {
			return
		}
		if err := s.PSetEx(args[0], millis, []byte(args[2])); err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeOK(w)

	case "GETSET":
		if !arity(conn, cmd, args, 2, "GETSET key value") {
			return
		}
		old, err := s.GetSet(args[0], []byte(args[1]))
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeBulk(w, old)

	case "APPEND":
		if !arity(conn, cmd, args, 2, "APPEND key value") {
			return
		}
		n, err := s.Append(args[0], []byte(args[1]))
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeInt(w, n)

	case "STRLEN":
		if !arity(conn, cmd, args, 1, "STRLEN key") {
			return
		}
		writeInt(w, s.StrLen(args[0]))

	case "TYPE":
		if !arity(conn, cmd, args, 1, "TYPE key") {
			return
		}
		writeLine(w, s.Type(args[0]))

	case "INCR":
		if !arity(conn, cmd, args, 1, "INCR key") {
			return
		}
		n, err := s.IncrBy(args[0], 1)
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeInt64(w, n)

	case "DECR":
		if !arity(conn, cmd, args, 1, "DECR key") {
			return
		}
		n, err := s.DecrBy(args[0], 1)
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeInt64(w, n)

	case "INCRBY":
		if !arity(conn, cmd, args, 2, "INCRBY key delta") {
			return
		}
		delta, ok := parseInt64(conn, args[1], "INCRBY key delta")
		if !ok {
			return
		}
		n, err := s.IncrBy(args[0], delta)
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeInt64(w, n)

	case "DECRBY":
		if !arity(conn, cmd, args, 2, "DECRBY key delta") {
			return
		}
		delta, ok := parseInt64(conn, args[1], "DECRBY key delta")
		if !ok {
			return
		}
		n, err := s.DecrBy(args[0], delta)
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeInt64(w, n)

	case "LPUSH", "RPUSH":
		if !arityAtLeast(conn, args, 2, cmd+" key value [value ...]") {
			return
		}
		values := make([][]byte, len(args)-1)
		for i, a := range args[1:] {
			values[i] = []byte(a)
		}
		var n int
		var err error
		if cmd == "LPUSH" {
			n, err = s.LPush(args[0], values)
		} else {
			n, err = s.RPush(args[0], values)
		}
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeInt(w, n)

	case "LPOP", "RPOP":
		if !arity(conn, cmd, args, 1, cmd+" key") {
			return
		}
		var v []byte
		var err error
		if cmd == "LPOP" {
			v, err = s.LPop(args[0])
		} else {
			v, err = s.RPop(args[0])
		}
		if err != nil && err != store.ErrMiss {
			writeStoreErr(w, cmd, err)
			return
		}
		writeBulkOrNil(w, v, err)

	case "LLEN":
		if !arity(conn, cmd, args, 1, "LLEN key") {
			return
		}
		n, err := s.LLen(args[0])
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeInt(w, n)

	case "LINDEX":
		if !arity(conn, cmd, args, 2, "LINDEX key index") {
			return
		}
		index, ok := parseInt(conn, args[1], "LINDEX key index")
		if !ok {
			return
		}
		v, err := s.LIndex(args[0], index)
		if err != nil && err != store.ErrMiss {
			writeStoreErr(w, cmd, err)
			return
		}
		writeBulkOrNil(w, v, err)

	case "LRANGE":
		if !arity(conn, cmd, args, 3, "LRANGE key start stop") {
			return
		}
		lo, ok := parseInt(conn, args[1], "LRANGE key start stop")
		if !ok {
			return
		}
		hi, ok := parseInt(conn, args[2], "LRANGE key start stop")
		if !ok {
			return
		}
		items, err := s.LRange(args[0], lo, hi)
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeMulti(w, items)

	case "SADD":
		if !arity(conn, cmd, args, 2, "SADD key member") {
			return
		}
		ok, err := s.SAdd(args[0], []byte(args[1]))
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeBool01(w, ok)

	case "SREM":
		if !arity(conn, cmd, args, 2, "SREM key member") {
			return
		}
		ok, err := s.SRem(args[0], []byte(args[1]))
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeBool01(w, ok)

	case "SISMEMBER":
		if !arity(conn, cmd, args, 2, "SISMEMBER key member") {
			return
		}
		ok, err := s.SIsMember(args[0], []byte(args[1]))
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeBool01(w, ok)

	case "SCARD":
		if !arity(conn, cmd, args, 1, "SCARD key") {
			return
		}
		n, err := s.SCard(args[0])
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeInt(w, n)

	case "SMEMBERS":
		if !arity(conn, cmd, args, 1, "SMEMBERS key") {
			return
		}
		items, err := s.SMembers(args[0])
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeMulti(w, items)

	case "HSET":
		if !arity(conn, cmd, args, 3, "HSET key field value") {
			return
		}
		if err := s.HSet(args[0], args[1], []byte(args[2])); err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeOK(w)

	case "HGET":
		if !arity(conn, cmd, args, 2, "HGET key field") {
			return
		}
		v, err := s.HGet(args[0], args[1])
		if err != nil && err != store.ErrMiss {
			writeStoreErr(w, cmd, err)
			return
		}
		writeBulkOrNil(w, v, err)

	case "HDEL":
		if !arity(conn, cmd, args, 2, "HDEL key field") {
			return
		}
		ok, err := s.HDel(args[0], args[1])
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeBool01(w, ok)

	case "HLEN":
		if !arity(conn, cmd, args, 1, "HLEN key") {
			return
		}
		n, err := s.HLen(args[0])
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		writeInt(w, n)

	case "HGETALL":
		if !arity(conn, cmd, args, 1, "HGETALL key") {
			return
		}
		m, err := s.HGetAll(args[0])
		if err != nil {
			writeStoreErr(w, cmd, err)
			return
		}
		flat := make([][]byte, 0, len(m)*2)
		for field, val := range m {
			flat = append(flat, []byte(field), val)
		}
		writeMulti(w, flat)

	case "EXPIRE":
		if !arity(conn, cmd, args, 2, "EXPIRE key seconds") {
			return
		}
		seconds, ok := parseInt(conn, args[1], "EXPIRE key seconds")
		if !ok {
			return
		}
		writeBool01(w, s.Expire(args[0], seconds))

	case "PEXPIRE":
		if !arity(conn, cmd, args, 2, "PEXPIRE key millis") {
			return
		}
		millis, ok := parseInt(conn, args[1], "PEXPIRE key millis")
		if !ok {
			return
		}
		writeBool01(w, s.PExpire(args[0], millis))

	case "EXPIREAT":
		if !arity(conn, cmd, args, 2, "EXPIREAT key unix_seconds") {
			return
		}
		ts, ok := parseInt64(conn, args[1], "EXPIREAT key unix_seconds")
		if !ok {
			return
		}
		writeBool01(w, s.ExpireAt(args[0], ts))

	case "PEXPIREAT":
		if !arity(conn, cmd, args, 2, "PEXPIREAT key unix_millis") {
			return
		}
		ts, ok := parseInt64(conn, args[1], "PEXPIREAT key unix_millis")
		if !ok {
			return
		}
		writeBool01(w, s.PExpireAt(args[0], ts))

	case "TTL":
		if !arity(conn, cmd, args, 1, "TTL key") {
			return
		}
		writeInt(w, s.TTL(args[0]))

	case "PTTL":
		if !arity(conn, cmd, args, 1, "PTTL key") {
			return
		}
		writeInt(w, s.PTTL(args[0]))

	case "PERSIST":
		if !arity(conn, cmd, args, 1, "PERSIST key") {
			return
		}
		writeBool01(w, s.Persist(args[0]))

	case "DEL":
		if !arityAtLeast(conn, args, 1, "DEL key [key ...]") {
			return
		}
		writeInt(w, s.Del(args))

	case "EXISTS":
		if !arity(conn, cmd, args, 1, "EXISTS key") {
			return
		}
		writeBool01(w, s.Exists(args[0]))

	case "KEYS":
		if !arity(conn, cmd, args, 1, "KEYS pattern") {
			return
		}
		writeStrings(w, s.Keys(args[0]))

	case "SCAN":
		if !arityAtLeast(conn, args, 1, "SCAN cursor [MATCH pattern] [COUNT n]") {
			return
		}
		cursor, ok := parseInt(conn, args[0], "SCAN cursor [MATCH pattern] [COUNT n]")
		if !ok {
			return
		}
		pattern, count, ok := parseScanOptions(conn, args[1:])
		if !ok {
			return
		}
		next, keys := s.Scan(cursor, count, pattern)
		writeScanResult(w, next, keys)

	case "FLUSH":
		if len(args) > 1 || (len(args) == 1 && strings.ToUpper(args[0]) != "SAVE") {
			writeUsage(w, "FLUSH [SAVE]")
			return
		}
		if len(args) == 1 {
			if err := d.save(); err != nil {
				writeFailed(w, "save", err)
				return
			}
		}
		s.Flush()
		writeOK(w)

	case "LOAD":
		if !arity(conn, cmd, args, 0, "LOAD") {
			return
		}
		if d.snapshotPath == "" {
			writeFailed(w, "load", errNoSnapshotPath)
			return
		}
		if err := snapshot.Load(s, d.snapshotPath); err != nil {
			writeFailed(w, "load", err)
			return
		}
		writeOK(w)

	case "SIZE":
		if !arity(conn, cmd, args, 0, "SIZE") {
			return
		}
		writeInt(w, s.Size())

	case "SUBSCRIBE":
		if !arity(conn, cmd, args, 1, "SUBSCRIBE channel") {
			return
		}
		s.Subscribe(args[0], conn.Handle)
		writeOK(w)

	case "UNSUBSCRIBE":
		if !arity(conn, cmd, args, 1, "UNSUBSCRIBE channel") {
			return
		}
		s.Unsubscribe(args[0], conn.Handle)
		writeOK(w)

	case "PUBLISH":
		if !arityAtLeast(conn, args, 2, "PUBLISH channel message") {
			return
		}
		channel := args[0]
		message := strings.Join(args[1:], " ")
		n := d.publish(channel, message)
		writeInt(w, n)

	default:
		writeUnknownCommand(w, cmd)
	}
}

func parseScanOptions(conn *Conn, opts []string) (pattern string, count int, ok bool) {
	pattern = "*"
	count = 10
	usage := "SCAN cursor [MATCH pattern] [COUNT n]"

	for i := 0; i < len(opts); i++ {
		switch strings.ToUpper(opts[i]) {
		case "MATCH":
			if i+1 >= len(opts) {
				writeUsage(conn.w, usage)
				return "", 0, false
			}
			pattern = opts[i+1]
			i++
		case "COUNT":
			if i+1 >= len(opts) {
				writeUsage(conn.w, usage)
				return "", 0, false
			}
			n, parsed := parseInt(conn, opts[i+1], usage)
			if !parsed {
				return "", 0, false
			}
			count = n
			i++
		default:
			writeUsage(conn.w, usage)
			return "", 0, false
		}
	}
	return pattern, count, true
}

// publish fans message out to every live subscriber of channel, in the
// order store.Subscribers returns them, and reports how many there were.
func (d *Dispatcher) publish(channel, message string) int {
	handles := d.store.Subscribers(channel)
	for _, h := range handles {
		conn, ok := d.conns[h]
		if !ok {
			continue
		}
		writeLine(conn.w, channel+" "+message)
		if err := conn.w.Flush(); err != nil {
			log.Warningf("publish: writing to subscriber failed: %s", err)
		}
	}
	return len(handles)
}

func (d *Dispatcher) save() error {
	if d.snapshotPath == "" {
		return errNoSnapshotPath
	}
	return snapshot.Save(d.store, d.snapshotPath)
}
