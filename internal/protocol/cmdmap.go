package protocol

import (
	"context"

	"github.com/tidwall/redcon"
)

// CommandHandler is the function signature for command handlers.
type CommandHandler func(ctx context.Context, conn redcon.Conn, args [][]byte)

// cmdEntry holds a command name and its handler for the lookup table.
type cmdEntry struct {
	name    []byte
	handler CommandHandler
}

// cmdMap is a hash-based command lookup table using open addressing.
type cmdMap struct {
	buckets [128]cmdEntry // Power of 2 for fast modulo
	h       *Handler
}

const cmdMapMask = 127

// newCmdMap creates a new command map from a Handler.
func newCmdMap(h *Handler) *cmdMap {
	cm := &cmdMap{h: h}
	cm.registerAll()
	return cm
}

func (cm *cmdMap) registerAll() {
	// Connection commands
	cm.register([]byte("PING"), cm.h.cmdPing)
	cm.register([]byte("ECHO"), cm.h.cmdEcho)
	cm.register([]byte("QUIT"), cm.h.cmdQuit)
	cm.register([]byte("SELECT"), cm.h.cmdSelect)
	cm.register([]byte("CLIENT"), cm.h.cmdClient)
	cm.register([]byte("COMMAND"), cm.h.cmdCommand)
	cm.register([]byte("INFO"), cm.h.cmdInfo)

	// String commands
	cm.register([]byte("GET"), cm.h.cmdGet)
	cm.register([]byte("SET"), cm.h.cmdSet)
	cm.register([]byte("SETNX"), cm.h.cmdSetNX)
	cm.register([]byte("SETEX"), cm.h.cmdSetEX)
	cm.register([]byte("PSETEX"), cm.h.cmdPSetEX)
	cm.register([]byte("GETSET"), cm.h.cmdGetSet)
	cm.register([]byte("MGET"), cm.h.cmdMGet)
	cm.register([]byte("MSET"), cm.h.cmdMSet)
	cm.register([]byte("INCR"), cm.h.cmdIncr)
	cm.register([]byte("INCRBY"), cm.h.cmdIncrBy)

	// List commands
	cm.register([]byte("RPUSH"), cm.h.cmdRPush)
	cm.register([]byte("LRANGE"), cm.h.cmdLRange)
	cm.register([]byte("LLEN"), cm.h.cmdLLen)

	// Key commands
	cm.register([]byte("DEL"), cm.h.cmdDel)
	cm.register([]byte("EXISTS"), cm.h.cmdExists)
	cm.register([]byte("KEYS"), cm.h.cmdKeys)
	cm.register([]byte("SCAN"), cm.h.cmdScan)
	cm.register([]byte("TYPE"), cm.h.cmdType)
	cm.register([]byte("DBSIZE"), cm.h.cmdDBSize)
	cm.register([]byte("FLUSHDB"), cm.h.cmdFlushDB)
	cm.register([]byte("FLUSHALL"), cm.h.cmdFlushDB)

	// TTL commands
	cm.register([]byte("EXPIRE"), cm.h.cmdExpire)
	cm.register([]byte("PEXPIRE"), cm.h.cmdPExpire)
	cm.register([]byte("TTL"), cm.h.cmdTTL)
	cm.register([]byte("PTTL"), cm.h.cmdPTTL)
	cm.register([]byte("PERSIST"), cm.h.cmdPersist)

	// Transactions
	cm.register([]byte("WATCH"), cm.h.cmdWatch)
	cm.register([]byte("UNWATCH"), cm.h.cmdUnwatch)
	cm.register([]byte("MULTI"), cm.h.cmdMulti)
	cm.register([]byte("EXEC"), cm.h.cmdExec)
	cm.register([]byte("DISCARD"), cm.h.cmdDiscard)

	// Pub/Sub
	cm.register([]byte("PUBLISH"), cm.h.cmdPublish)
	cm.register([]byte("SUBSCRIBE"), cm.h.cmdSubscribe)
	cm.register([]byte("PSUBSCRIBE"), cm.h.cmdPSubscribe)
}

func (cm *cmdMap) register(name []byte, handler CommandHandler) {
	hash := HashBytes(name)
	idx := hash & cmdMapMask

	// Linear probing for collision resolution
	for i := uint32(0); i <= cmdMapMask; i++ {
		pos := (idx + i) & cmdMapMask
		if cm.buckets[pos].name == nil {
			cm.buckets[pos] = cmdEntry{name: name, handler: handler}
			return
		}
	}
	panic("cmdMap overflow")
}

// Lookup finds a command handler by name. The name should already be
// uppercase. Returns nil if command not found.
func (cm *cmdMap) Lookup(name []byte) CommandHandler {
	hash := HashBytes(name)
	idx := hash & cmdMapMask

	for i := uint32(0); i <= cmdMapMask; i++ {
		pos := (idx + i) & cmdMapMask
		entry := &cm.buckets[pos]
		if entry.name == nil {
			return nil
		}
		if BytesEqual(entry.name, name) {
			return entry.handler
		}
	}
	return nil
}

// txControl reports whether cmd runs immediately even inside MULTI.
func txControl(cmd []byte) bool {
	switch string(cmd) {
	case "EXEC", "DISCARD", "MULTI", "WATCH", "UNWATCH", "QUIT":
		return true
	}
	return false
}
