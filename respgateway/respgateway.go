// Package respgateway is an additive ingress that speaks the Redis RESP
// wire protocol in front of the same store.Store the inline dispatcher
// serves, so unmodified Redis clients (redis-cli, go-redis) can talk to
// the keyspace too. It is a thin translation layer: every data-plane
// command maps 1:1 onto a store.Store call and a RESP reply. PING and
// QUIT are answered directly, and SUBSCRIBE/UNSUBSCRIBE/PUBLISH use the
// gateway's own redcon.PubSub rather than the store's subscriber registry,
// so RESP subscribers and inline-protocol subscribers do not receive each
// other's messages.
package respgateway

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mshaverdo/cachekv/log"
	"github.com/mshaverdo/cachekv/store"
	"github.com/tidwall/redcon"
)

// Gateway serves RESP connections against store. Like the dispatcher, it
// is meant to be driven from the single goroutine that owns the Store —
// redcon's handler callback runs per-connection, so the host wires it
// through the same command channel as the inline listener (see
// cmd/cachekvd) rather than calling Gateway concurrently from multiple
// goroutines.
type Gateway struct {
	store  *store.Store
	server *redcon.Server
	addr   string
	pubsub redcon.PubSub
	runner func(func())
}

// New builds a Gateway over s, listening on addr (host:port) once
// ListenAndServe is called.
func New(s *store.Store, addr string) *Gateway {
	return &Gateway{store: s, addr: addr}
}

// SetRunner routes every command through run instead of executing it
// directly on redcon's per-connection goroutine. The host uses this to
// funnel RESP commands onto the same goroutine that owns the Store
// alongside the inline dispatcher (see cmd/cachekvd), preserving the
// core's single-writer invariant even though redcon itself is concurrent.
func (g *Gateway) SetRunner(run func(func())) {
	g.runner = run
}

// ListenAndServe starts accepting RESP connections. It blocks until the
// server is closed.
func (g *Gateway) ListenAndServe() error {
	g.server = redcon.NewServerNetwork("tcp", g.addr, g.handle, nil, nil)
	return g.server.ListenAndServe()
}

// Close stops accepting new connections.
func (g *Gateway) Close() error {
	if g.server == nil {
		return nil
	}
	return g.server.Close()
}

func (g *Gateway) handle(conn redcon.Conn, cmd redcon.Command) {
	if g.runner != nil {
		g.runner(func() { g.execute(conn, cmd) })
		return
	}
	g.execute(conn, cmd)
}

func (g *Gateway) execute(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		return
	}

	name := strings.ToUpper(string(cmd.Args[0]))
	args := cmd.Args[1:]

	switch name {
	case "PING":
		conn.WriteString("PONG")
	case "QUIT":
		conn.WriteString("OK")
		conn.Close()
	case "SUBSCRIBE":
		g.handleSubscribe(conn, args)
	case "UNSUBSCRIBE":
		g.handleUnsubscribe(conn, args)
	case "PUBLISH":
		g.handlePublish(conn, args)
	default:
		g.handleKeyspace(conn, name, args)
	}
}

func (g *Gateway) handleSubscribe(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'subscribe' command")
		return
	}
	g.pubsub.Subscribe(conn, string(args[0]))
}

func (g *Gateway) handleUnsubscribe(conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'unsubscribe' command")
		return
	}
	g.pubsub.Unsubscribe(conn, string(args[0]))
}

func (g *Gateway) handlePublish(conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		conn.WriteError("ERR wrong number of arguments for 'publish' command")
		return
	}
	n := g.pubsub.Publish(string(args[0]), string(args[1]))
	conn.WriteInt(n)
}

// handleKeyspace covers the data-plane commands: everything that isn't
// PING/QUIT/pub-sub translates directly onto a store.Store call.
func (g *Gateway) handleKeyspace(conn redcon.Conn, name string, args [][]byte) {
	s := g.store

	switch name {
	case "GET":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		v, err := s.Get(string(args[0]))
		writeBulkReply(conn, v, err)

	case "SET":
		if len(args) < 2 {
			conn.WriteError(arityErr(name))
			return
		}
		if err := s.Set(string(args[0]), args[1]); err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteString("OK")

	case "SETNX":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		ok, err := s.SetNX(string(args[0]), args[1])
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteInt(boolToInt(ok))

	case "SETEX":
		if !wantArgs(conn, name, args, 3) {
			return
		}
		seconds, ok := parseInt(conn, string(args[1]))
		if !ok {
			return
		}
		if err := s.SetEx(string(args[0]), seconds, args[2]); err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteString("OK")

	case "PSETEX":
		if !wantArgs(conn, name, args, 3) {
			return
		}
		millis, ok := parseInt(conn, string(args[1]))
		if !ok {
			return
		}
		if err := s.PSetEx(string(args[0]), millis, args[2]); err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteString("OK")

	case "GETSET":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		old, err := s.GetSet(string(args[0]), args[1])
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteBulk(old)

	case "APPEND":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		n, err := s.Append(string(args[0]), args[1])
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteInt(n)

	case "STRLEN":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		conn.WriteInt(s.StrLen(string(args[0])))

	case "TYPE":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		conn.WriteString(s.Type(string(args[0])))

	case "INCR":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		n, err := s.IncrBy(string(args[0]), 1)
		writeInt64Reply(conn, n, err)

	case "DECR":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		n, err := s.DecrBy(string(args[0]), 1)
		writeInt64Reply(conn, n, err)

	case "INCRBY":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		delta, ok := parseInt64(conn, string(args[1]))
		if !ok {
			return
		}
		n, err := s.IncrBy(string(args[0]), delta)
		writeInt64Reply(conn, n, err)

	case "DECRBY":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		delta, ok := parseInt64(conn, string(args[1]))
		if !ok {
			return
		}
		n, err := s.DecrBy(string(args[0]), delta)
		writeInt64Reply(conn, n, err)

	case "DEL":
		if len(args) < 1 {
			conn.WriteError(arityErr(name))
			return
		}
		keys := make([]string, len(args))
		for i, a := range args {
			keys[i] = string(a)
		}
		conn.WriteInt(s.Del(keys))

	case "EXISTS":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		conn.WriteInt(boolToInt(s.Exists(string(args[0]))))

	case "KEYS":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		writeStringArray(conn, s.Keys(string(args[0])))

	case "SCAN":
		if len(args) < 1 {
			conn.WriteError(arityErr(name))
			return
		}
		cursor, ok := parseInt(conn, string(args[0]))
		if !ok {
			return
		}
		pattern, count, ok := parseScanOptions(conn, args[1:])
		if !ok {
			return
		}
		next, keys := s.Scan(cursor, count, pattern)
		conn.WriteArray(2)
		conn.WriteBulkString(strconv.Itoa(next))
		writeStringArray(conn, keys)

	case "DBSIZE":
		if !wantArgs(conn, name, args, 0) {
			return
		}
		conn.WriteInt(s.Size())

	case "FLUSHALL", "FLUSHDB":
		s.Flush()
		conn.WriteString("OK")

	case "EXPIRE":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		seconds, ok := parseInt(conn, string(args[1]))
		if !ok {
			return
		}
		conn.WriteInt(boolToInt(s.Expire(string(args[0]), seconds)))

	case "PEXPIRE":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		millis, ok := parseInt(conn, string(args[1]))
		if !ok {
			return
		}
		conn.WriteInt(boolToInt(s.PExpire(string(args[0]), millis)))

	case "EXPIREAT":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		ts, ok := parseInt64(conn, string(args[1]))
		if !ok {
			return
		}
		conn.WriteInt(boolToInt(s.ExpireAt(string(args[0]), ts)))

	case "PEXPIREAT":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		ts, ok := parseInt64(conn, string(args[1]))
		if !ok {
			return
		}
		conn.WriteInt(boolToInt(s.PExpireAt(string(args[0]), ts)))

	case "TTL":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		conn.WriteInt(s.TTL(string(args[0])))

	case "PTTL":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		conn.WriteInt(s.PTTL(string(args[0])))

	case "PERSIST":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		conn.WriteInt(boolToInt(s.Persist(string(args[0]))))

	case "LPUSH", "RPUSH":
		if len(args) < 2 {
			conn.WriteError(arityErr(name))
			return
		}
		var n int
		var err error
		if name == "LPUSH" {
			n, err = s.LPush(string(args[0]), args[1:])
		} else {
			n, err = s.RPush(string(args[0]), args[1:])
		}
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteInt(n)

	case "LPOP", "RPOP":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		var v []byte
		var err error
		if name == "LPOP" {
			v, err = s.LPop(string(args[0]))
		} else {
			v, err = s.RPop(string(args[0]))
		}
		writeBulkReply(conn, v, err)

	case "LLEN":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		n, err := s.LLen(string(args[0]))
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteInt(n)

	case "LINDEX":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		index, ok := parseInt(conn, string(args[1]))
		if !ok {
			return
		}
		v, err := s.LIndex(string(args[0]), index)
		writeBulkReply(conn, v, err)

	case "LRANGE":
		if !wantArgs(conn, name, args, 3) {
			return
		}
		lo, ok := parseInt(conn, string(args[1]))
		if !ok {
			return
		}
		hi, ok := parseInt(conn, string(args[2]))
		if !ok {
			return
		}
		items, err := s.LRange(string(args[0]), lo, hi)
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		writeBulkArray(conn, items)

	case "SADD":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		ok, err := s.SAdd(string(args[0]), args[1])
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteInt(boolToInt(ok))

	case "SREM":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		ok, err := s.SRem(string(args[0]), args[1])
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteInt(boolToInt(ok))

	case "SISMEMBER":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		ok, err := s.SIsMember(string(args[0]), args[1])
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteInt(boolToInt(ok))

	case "SCARD":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		n, err := s.SCard(string(args[0]))
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteInt(n)

	case "SMEMBERS":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		items, err := s.SMembers(string(args[0]))
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		writeBulkArray(conn, items)

	case "HSET":
		if !wantArgs(conn, name, args, 3) {
			return
		}
		if err := s.HSet(string(args[0]), string(args[1]), args[2]); err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteString("OK")

	case "HGET":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		v, err := s.HGet(string(args[0]), string(args[1]))
		writeBulkReply(conn, v, err)

	case "HDEL":
		if !wantArgs(conn, name, args, 2) {
			return
		}
		ok, err := s.HDel(string(args[0]), string(args[1]))
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteInt(boolToInt(ok))

	case "HLEN":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		n, err := s.HLen(string(args[0]))
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteInt(n)

	case "HGETALL":
		if !wantArgs(conn, name, args, 1) {
			return
		}
		m, err := s.HGetAll(string(args[0]))
		if err != nil {
			writeStoreErr(conn, err)
			return
		}
		conn.WriteArray(len(m) * 2)
		for field, val := range m {
			conn.WriteBulkString(field)
			conn.WriteBulk(val)
		}

	default:
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", name))
	}
}

// parseScanOptions reads SCAN's optional MATCH/COUNT pairs, defaulting to
// every key in batches of 10 — the same defaults the inline dispatcher uses.
func parseScanOptions(conn redcon.Conn, opts [][]byte) (pattern string, count int, ok bool) {
	pattern = "*"
	count = 10

	for i := 0; i < len(opts); i++ {
		switch strings.ToUpper(string(opts[i])) {
		case "MATCH":
			if i+1 >= len(opts) {
				conn.WriteError("ERR syntax error")
				return "", 0, false
			}
			pattern = string(opts[i+1])
			i++
		case "COUNT":
			if i+1 >= len(opts) {
				conn.WriteError("ERR syntax error")
				return "", 0, false
			}
			n, parsed := parseInt(conn, string(opts[i+1]))
			if !parsed {
				return "", 0, false
			}
			count = n
			i++
		default:
			conn.WriteError("ERR syntax error")
			return "", 0, false
		}
	}
	return pattern, count, true
}

func wantArgs(conn redcon.Conn, name string, args [][]byte, n int) bool {
	if len(args) != n {
		conn.WriteError(arityErr(name))
		return false
	}
	return true
}

func arityErr(name string) string {
	return fmt.Sprintf("ERR wrong number of arguments for '%s' command", strings.ToLower(name))
}

func parseInt(conn redcon.Conn, s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		conn.WriteError("ERR value is not an integer or out of range")
		return 0, false
	}
	return n, true
}

func parseInt64(conn redcon.Conn, s string) (int64, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		conn.WriteError("ERR value is not an integer or out of range")
		return 0, false
	}
	return n, true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func writeBulkReply(conn redcon.Conn, v []byte, err error) {
	if err == store.ErrMiss {
		conn.WriteNull()
		return
	}
	if err != nil {
		writeStoreErr(conn, err)
		return
	}
	conn.WriteBulk(v)
}

func writeInt64Reply(conn redcon.Conn, n int64, err error) {
	if err != nil {
		writeStoreErr(conn, err)
		return
	}
	conn.WriteInt64(n)
}

func writeStringArray(conn redcon.Conn, items []string) {
	conn.WriteArray(len(items))
	for _, it := range items {
		conn.WriteBulkString(it)
	}
}

func writeBulkArray(conn redcon.Conn, items [][]byte) {
	conn.WriteArray(len(items))
	for _, it := range items {
		conn.WriteBulk(it)
	}
}

func writeStoreErr(conn redcon.Conn, err error) {
	switch err {
	case store.ErrTypeConflict:
		conn.WriteError("WRONGTYPE Operation against a key holding the wrong kind of value")
	case store.ErrOutOfMemory:
		conn.WriteError("OOM command not allowed when used memory > 'maxmemory'")
	case store.ErrNotAnInteger:
		conn.WriteError("ERR value is not an integer or out of range")
	default:
		log.Errorf("respgateway: unexpected store error: %s", err)
		conn.WriteError("ERR " + err.Error())
	}
}
