package protocol

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/redcon"
	"go.uber.org/zap"

	"github.com/10yihang/cpid/internal/engine"
	"github.com/10yihang/cpid/internal/metrics"
	"github.com/10yihang/cpid/pkg/bytes"
	cerrors "github.com/10yihang/cpid/pkg/errors"
	"github.com/10yihang/cpid/pkg/protocolbuf"
)

const version = "0.3.0"

// Handler dispatches RESP commands to the keyspace engine.
type Handler struct {
	engine engine.Engine
	cmdMap *cmdMap
	logger *zap.Logger

	// txMu serialises EXEC against every other command so a transaction
	// observes and writes the keyspace atomically.
	txMu sync.RWMutex

	ps redcon.PubSub

	started time.Time
}

// NewHandler creates a handler serving eng.
func NewHandler(eng engine.Engine, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		engine:  eng,
		logger:  logger,
		started: time.Now(),
	}
	h.cmdMap = newCmdMap(h)
	return h
}

// ExecuteBytes runs one command. cmdBytes is upper-cased in place.
func (h *Handler) ExecuteBytes(ctx context.Context, conn redcon.Conn, cmdBytes []byte, args [][]byte) {
	ToUpperInPlace(cmdBytes)

	fn := h.cmdMap.Lookup(cmdBytes)
	state := getConnState(conn)

	if fn == nil {
		if state.InMulti {
			state.QueueErr = true
		}
		conn.WriteError("ERR unknown command '" + bytes.BytesToString(cmdBytes) + "'")
		metrics.RecordCommand("unknown", 0, false)
		return
	}

	name := string(cmdBytes)
	if state.InMulti && !txControl(cmdBytes) {
		state.Queued = append(state.Queued, queuedCommand{name: name, fn: fn, args: copyArgs(args)})
		conn.WriteRaw(RespQueued)
		return
	}

	start := time.Now()
	if name == "EXEC" {
		fn(ctx, conn, args)
	} else {
		h.txMu.RLock()
		fn(ctx, conn, args)
		h.txMu.RUnlock()
	}
	metrics.RecordCommand(name, time.Since(start), true)
}

func (h *Handler) writeErr(conn redcon.Conn, err error) {
	switch {
	case errors.Is(err, cerrors.ErrWrongType):
		WriteWrongType(conn)
	case errors.Is(err, cerrors.ErrNotInteger):
		WriteNotInteger(conn)
	default:
		conn.WriteError("ERR " + err.Error())
	}
}

func parseInt(b []byte) (int64, bool) {
	n, err := strconv.ParseInt(bytes.BytesToString(b), 10, 64)
	return n, err == nil
}

func (h *Handler) cmdPing(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		conn.WriteRaw(RespPONG)
	} else {
		conn.WriteBulk(args[0])
	}
}

func (h *Handler) cmdEcho(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "echo")
		return
	}
	conn.WriteBulk(args[0])
}

func (h *Handler) cmdQuit(_ context.Context, conn redcon.Conn, _ [][]byte) {
	WriteOK(conn)
	conn.Close()
}

func (h *Handler) cmdSelect(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "select")
		return
	}
	if db, ok := parseInt(args[0]); !ok || db != 0 {
		conn.WriteError("ERR DB index is out of range")
		return
	}
	WriteOK(conn)
}

// cmdClient accepts SETNAME/SETINFO so client libraries can connect.
func (h *Handler) cmdClient(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) > 0 && strings.EqualFold(bytes.BytesToString(args[0]), "GETNAME") {
		conn.WriteNull()
		return
	}
	WriteOK(conn)
}

func (h *Handler) cmdCommand(_ context.Context, conn redcon.Conn, _ [][]byte) {
	conn.WriteArray(0)
}

func (h *Handler) cmdInfo(ctx context.Context, conn redcon.Conn, _ [][]byte) {
	size, _ := h.engine.DBSize(ctx)

	buf := protocolbuf.GetBuffer()
	defer protocolbuf.PutBuffer(buf)

	buf.WriteString("# Server\r\n")
	buf.WriteString("cpid_version:" + version + "\r\n")
	buf.WriteString("uptime_in_seconds:")
	buf.WriteString(strconv.FormatInt(int64(time.Since(h.started).Seconds()), 10))
	buf.WriteString("\r\n\r\n# Keyspace\r\n")
	buf.WriteString("db0:keys=")
	buf.WriteString(strconv.FormatInt(size, 10))
	buf.WriteString("\r\n")

	conn.WriteBulk(buf.Bytes())
}

func (h *Handler) cmdGet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "get")
		return
	}

	val, err := h.engine.GetBytes(ctx, string(args[0]))
	switch {
	case errors.Is(err, cerrors.ErrKeyNotFound):
		WriteNull(conn)
	case err != nil:
		h.writeErr(conn, err)
	default:
		conn.WriteBulk(val)
	}
}

func (h *Handler) cmdSet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		WriteArity(conn, "set")
		return
	}

	key := string(args[0])
	value := args[1]
	var ttl time.Duration
	var nx, xx bool

	for i := 2; i < len(args); i++ {
		switch strings.ToUpper(bytes.BytesToString(args[i])) {
		case "EX", "PX":
			if i+1 >= len(args) {
				WriteSyntaxError(conn)
				return
			}
			n, ok := parseInt(args[i+1])
			if !ok || n <= 0 {
				conn.WriteError("ERR invalid expire time in 'set' command")
				return
			}
			unit := time.Second
			if args[i][0] == 'p' || args[i][0] == 'P' {
				unit = time.Millisecond
			}
			ttl = time.Duration(n) * unit
			i++
		case "NX":
			nx = true
		case "XX":
			xx = true
		default:
			WriteSyntaxError(conn)
			return
		}
	}

	if nx && xx {
		WriteSyntaxError(conn)
		return
	}

	var ok = true
	switch {
	case nx:
		ok, _ = h.engine.SetNX(ctx, key, value, ttl)
	case xx:
		ok, _ = h.engine.SetXX(ctx, key, value, ttl)
	default:
		_ = h.engine.Set(ctx, key, value, ttl)
	}
	if !ok {
		WriteNull(conn)
		return
	}
	WriteOK(conn)
}

func (h *Handler) cmdSetNX(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		WriteArity(conn, "setnx")
		return
	}

	ok, _ := h.engine.SetNX(ctx, string(args[0]), args[1], 0)
	if ok {
		conn.WriteInt(1)
	} else {
		conn.WriteInt(0)
	}
}

func (h *Handler) setWithTTL(ctx context.Context, conn redcon.Conn, args [][]byte, cmd string, unit time.Duration) {
	if len(args) != 3 {
		WriteArity(conn, cmd)
		return
	}

	n, ok := parseInt(args[1])
	if !ok {
		WriteNotInteger(conn)
		return
	}
	if n <= 0 {
		conn.WriteError("ERR invalid expire time in '" + cmd + "' command")
		return
	}

	_ = h.engine.Set(ctx, string(args[0]), args[2], time.Duration(n)*unit)
	WriteOK(conn)
}

func (h *Handler) cmdSetEX(ctx context.Context, conn redcon.Conn, args [][]byte) {
	h.setWithTTL(ctx, conn, args, "setex", time.Second)
}

func (h *Handler) cmdPSetEX(ctx context.Context, conn redcon.Conn, args [][]byte) {
	h.setWithTTL(ctx, conn, args, "psetex", time.Millisecond)
}

func (h *Handler) cmdGetSet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		WriteArity(conn, "getset")
		return
	}

	old, err := h.engine.GetSet(ctx, string(args[0]), args[1])
	if err != nil {
		h.writeErr(conn, err)
		return
	}
	if old == nil {
		WriteNull(conn)
		return
	}
	conn.WriteBulk(old)
}

func (h *Handler) cmdMGet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		WriteArity(conn, "mget")
		return
	}

	keys := make([]string, len(args))
	for i, arg := range args {
		keys[i] = string(arg)
	}

	values, _ := h.engine.MGetBytes(ctx, keys...)
	conn.WriteArray(len(values))
	for _, v := range values {
		if v == nil {
			WriteNull(conn)
		} else {
			conn.WriteBulk(v)
		}
	}
}

func (h *Handler) cmdMSet(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 || len(args)%2 != 0 {
		WriteArity(conn, "mset")
		return
	}

	for i := 0; i < len(args); i += 2 {
		_ = h.engine.Set(ctx, string(args[i]), args[i+1], 0)
	}
	WriteOK(conn)
}

func (h *Handler) cmdIncr(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "incr")
		return
	}
	h.incrBy(ctx, conn, string(args[0]), 1)
}

func (h *Handler) cmdIncrBy(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		WriteArity(conn, "incrby")
		return
	}
	delta, ok := parseInt(args[1])
	if !ok {
		WriteNotInteger(conn)
		return
	}
	h.incrBy(ctx, conn, string(args[0]), delta)
}

func (h *Handler) incrBy(ctx context.Context, conn redcon.Conn, key string, delta int64) {
	val, err := h.engine.IncrBy(ctx, key, delta)
	if err != nil {
		h.writeErr(conn, err)
		return
	}
	conn.WriteInt64(val)
}

func (h *Handler) cmdRPush(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) < 2 {
		WriteArity(conn, "rpush")
		return
	}

	n, err := h.engine.RPush(ctx, string(args[0]), args[1:]...)
	if err != nil {
		h.writeErr(conn, err)
		return
	}
	conn.WriteInt64(n)
}

func (h *Handler) cmdLRange(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 3 {
		WriteArity(conn, "lrange")
		return
	}

	start, ok1 := parseInt(args[1])
	stop, ok2 := parseInt(args[2])
	if !ok1 || !ok2 {
		WriteNotInteger(conn)
		return
	}

	items, err := h.engine.LRange(ctx, string(args[0]), start, stop)
	if err != nil {
		h.writeErr(conn, err)
		return
	}
	conn.WriteArray(len(items))
	for _, item := range items {
		conn.WriteBulk(item)
	}
}

func (h *Handler) cmdLLen(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "llen")
		return
	}

	n, err := h.engine.LLen(ctx, string(args[0]))
	if err != nil {
		h.writeErr(conn, err)
		return
	}
	conn.WriteInt64(n)
}

func argsToKeys(args [][]byte) []string {
	keys := make([]string, len(args))
	for i, arg := range args {
		keys[i] = string(arg)
	}
	return keys
}

func (h *Handler) cmdDel(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		WriteArity(conn, "del")
		return
	}

	n, _ := h.engine.Del(ctx, argsToKeys(args)...)
	conn.WriteInt64(n)
}

func (h *Handler) cmdExists(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		WriteArity(conn, "exists")
		return
	}

	n, _ := h.engine.Exists(ctx, argsToKeys(args)...)
	conn.WriteInt64(n)
}

func (h *Handler) cmdKeys(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "keys")
		return
	}

	keys, _ := h.engine.Keys(ctx, string(args[0]))
	conn.WriteArray(len(keys))
	for _, key := range keys {
		conn.WriteBulkString(key)
	}
}

// cmdScan implements SCAN cursor [MATCH pattern] [COUNT n].
func (h *Handler) cmdScan(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		WriteArity(conn, "scan")
		return
	}

	cursor, err := strconv.ParseUint(bytes.BytesToString(args[0]), 10, 64)
	if err != nil {
		conn.WriteError("ERR invalid cursor")
		return
	}

	pattern := "*"
	count := 10
	for i := 1; i < len(args); i += 2 {
		if i+1 >= len(args) {
			WriteSyntaxError(conn)
			return
		}
		switch strings.ToUpper(bytes.BytesToString(args[i])) {
		case "MATCH":
			pattern = string(args[i+1])
		case "COUNT":
			n, ok := parseInt(args[i+1])
			if !ok || n <= 0 {
				WriteSyntaxError(conn)
				return
			}
			count = int(n)
		default:
			WriteSyntaxError(conn)
			return
		}
	}

	keys, next, _ := h.engine.Scan(ctx, cursor, pattern, count)
	conn.WriteArray(2)
	conn.WriteBulkString(strconv.FormatUint(next, 10))
	conn.WriteArray(len(keys))
	for _, key := range keys {
		conn.WriteBulkString(key)
	}
}

func (h *Handler) cmdType(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "type")
		return
	}

	t, _ := h.engine.Type(ctx, string(args[0]))
	conn.WriteString(t)
}

func (h *Handler) cmdDBSize(ctx context.Context, conn redcon.Conn, _ [][]byte) {
	n, _ := h.engine.DBSize(ctx)
	conn.WriteInt64(n)
}

func (h *Handler) cmdFlushDB(ctx context.Context, conn redcon.Conn, _ [][]byte) {
	_ = h.engine.FlushDB(ctx)
	WriteOK(conn)
}

func (h *Handler) expire(ctx context.Context, conn redcon.Conn, args [][]byte, cmd string, unit time.Duration) {
	if len(args) != 2 {
		WriteArity(conn, cmd)
		return
	}

	n, ok := parseInt(args[1])
	if !ok {
		WriteNotInteger(conn)
		return
	}

	set, _ := h.engine.Expire(ctx, string(args[0]), time.Duration(n)*unit)
	if set {
		conn.WriteInt(1)
	} else {
		conn.WriteInt(0)
	}
}

func (h *Handler) cmdExpire(ctx context.Context, conn redcon.Conn, args [][]byte) {
	h.expire(ctx, conn, args, "expire", time.Second)
}

func (h *Handler) cmdPExpire(ctx context.Context, conn redcon.Conn, args [][]byte) {
	h.expire(ctx, conn, args, "pexpire", time.Millisecond)
}

// ttl writes -2 for missing keys, -1 for keys without expiry and the
// remaining time in unit otherwise.
func (h *Handler) ttl(ctx context.Context, conn redcon.Conn, args [][]byte, cmd string, unit time.Duration) {
	if len(args) != 1 {
		WriteArity(conn, cmd)
		return
	}

	ttl, _ := h.engine.TTL(ctx, string(args[0]))
	if ttl < 0 {
		conn.WriteInt64(int64(ttl))
		return
	}
	conn.WriteInt64(int64((ttl + unit - 1) / unit))
}

func (h *Handler) cmdTTL(ctx context.Context, conn redcon.Conn, args [][]byte) {
	h.ttl(ctx, conn, args, "ttl", time.Second)
}

func (h *Handler) cmdPTTL(ctx context.Context, conn redcon.Conn, args [][]byte) {
	h.ttl(ctx, conn, args, "pttl", time.Millisecond)
}

func (h *Handler) cmdPersist(ctx context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 1 {
		WriteArity(conn, "persist")
		return
	}

	ok, _ := h.engine.Persist(ctx, string(args[0]))
	if ok {
		conn.WriteInt(1)
	} else {
		conn.WriteInt(0)
	}
}
