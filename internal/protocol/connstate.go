// Package protocol serves the coordination store over RESP.
package protocol

import "github.com/tidwall/redcon"

// queuedCommand is a command buffered between MULTI and EXEC.
type queuedCommand struct {
	name string
	fn   CommandHandler
	args [][]byte
}

// ConnState holds per-connection transaction state.
type ConnState struct {
	// InMulti is set between MULTI and EXEC/DISCARD.
	InMulti bool
	// Queued holds the commands to run on EXEC.
	Queued []queuedCommand
	// QueueErr is set when a command could not be queued; EXEC then aborts.
	QueueErr bool
	// Watched maps watched keys to their revision at WATCH time.
	Watched map[string]uint64
}

func (s *ConnState) reset() {
	s.InMulti = false
	s.Queued = nil
	s.QueueErr = false
	s.Watched = nil
}

// getConnState retrieves or creates connection state from redcon.Conn context.
func getConnState(conn redcon.Conn) *ConnState {
	if ctx := conn.Context(); ctx != nil {
		if state, ok := ctx.(*ConnState); ok {
			return state
		}
	}
	state := &ConnState{}
	conn.SetContext(state)
	return state
}

// copyArgs detaches args from the parser's read buffer.
func copyArgs(args [][]byte) [][]byte {
	out := make([][]byte, len(args))
	for i, a := range args {
		out[i] = append([]byte(nil), a...)
	}
	return out
}
