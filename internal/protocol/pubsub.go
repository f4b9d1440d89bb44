package protocol

import (
	"context"

	"github.com/tidwall/redcon"
)

func (h *Handler) cmdPublish(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) != 2 {
		WriteArity(conn, "publish")
		return
	}
	conn.WriteInt(h.ps.Publish(string(args[0]), string(args[1])))
}

// cmdSubscribe detaches the connection; it is served by redcon.PubSub
// from then on.
func (h *Handler) cmdSubscribe(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		WriteArity(conn, "subscribe")
		return
	}
	for _, ch := range args {
		h.ps.Subscribe(conn, string(ch))
	}
}

func (h *Handler) cmdPSubscribe(_ context.Context, conn redcon.Conn, args [][]byte) {
	if len(args) == 0 {
		WriteArity(conn, "psubscribe")
		return
	}
	for _, pattern := range args {
		h.ps.Psubscribe(conn, string(pattern))
	}
}
