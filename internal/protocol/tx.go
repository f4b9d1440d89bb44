package protocol

import (
	"context"

	"github.com/tidwall/redcon"

	"github.com/10yihang/cpid/internal/metrics"
)

func (h *Handler) cmdMulti(_ context.Context, conn redcon.Conn, _ [][]byte) {
	state := getConnState(conn)
	if state.InMulti {
		conn.WriteError("ERR MULTI calls can not be nested")
		return
	}
	state.InMulti = true
	WriteOK(conn)
}

func (h *Handler) cmdDiscard(_ context.Context, conn redcon.Conn, _ [][]byte) {
	state := getConnState(conn)
	if !state.InMulti {
		conn.WriteError("ERR DISCARD without MULTI")
		return
	}
	state.reset()
	WriteOK(conn)
}

// cmdWatch records the current revision of every key. EXEC aborts when
// any of them changed in between.
func (h *Handler) cmdWatch(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		WriteArity(conn, "watch")
		return
	}
	state := getConnState(conn)
	if state.InMulti {
		conn.WriteError("ERR WATCH inside MULTI is not allowed")
		return
	}
	if state.Watched == nil {
		state.Watched = make(map[string]uint64, len(args))
	}
	for _, arg := range args {
		key := string(arg)
		if _, ok := state.Watched[key]; !ok {
			state.Watched[key] = h.engine.Revision(key)
		}
	}
	WriteOK(conn)
}

func (h *Handler) cmdUnwatch(_ context.Context, conn redcon.Conn, _ [][]byte) {
	getConnState(conn).Watched = nil
	WriteOK(conn)
}

// cmdExec runs the queued commands with the keyspace locked. It is the
// only command dispatched without the shared read lock.
func (h *Handler) cmdExec(ctx context.Context, conn redcon.Conn, _ [][]byte) {
	state := getConnState(conn)
	if !state.InMulti {
		conn.WriteError("ERR EXEC without MULTI")
		return
	}
	defer state.reset()

	if state.QueueErr {
		metrics.RecordTransaction(false)
		conn.WriteError("EXECABORT Transaction discarded because of previous errors.")
		return
	}

	h.txMu.Lock()
	defer h.txMu.Unlock()

	for key, rev := range state.Watched {
		if h.engine.Revision(key) != rev {
			metrics.RecordTransaction(false)
			WriteNullArray(conn)
			return
		}
	}

	conn.WriteArray(len(state.Queued))
	for _, q := range state.Queued {
		q.fn(ctx, conn, q.args)
	}
	metrics.RecordTransaction(true)
}
