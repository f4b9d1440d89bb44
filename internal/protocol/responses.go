package protocol

import (
	"github.com/tidwall/redcon"
)

// Static RESP responses for common replies.
var (
	RespOK       = []byte("+OK\r\n")
	RespPONG     = []byte("+PONG\r\n")
	RespQueued   = []byte("+QUEUED\r\n")
	RespNil      = []byte("$-1\r\n") // Null bulk string
	RespNilArray = []byte("*-1\r\n") // Null array

	ErrWrongType = []byte("-WRONGTYPE Operation against a key holding the wrong kind of value\r\n")
	ErrSyntax    = []byte("-ERR syntax error\r\n")
	ErrNotInt    = []byte("-ERR value is not an integer or out of range\r\n")
)

// WriteOK writes a static OK response
func WriteOK(conn redcon.Conn) {
	conn.WriteRaw(RespOK)
}

// WriteNull writes a null bulk string response
func WriteNull(conn redcon.Conn) {
	conn.WriteRaw(RespNil)
}

// WriteNullArray writes a null array response
func WriteNullArray(conn redcon.Conn) {
	conn.WriteRaw(RespNilArray)
}

// WriteArity writes the standard wrong-arity error for cmd
func WriteArity(conn redcon.Conn, cmd string) {
	conn.WriteError("ERR wrong number of arguments for '" + cmd + "' command")
}

// WriteSyntaxError writes a syntax error response
func WriteSyntaxError(conn redcon.Conn) {
	conn.WriteRaw(ErrSyntax)
}

// WriteWrongType writes a WRONGTYPE error response
func WriteWrongType(conn redcon.Conn) {
	conn.WriteRaw(ErrWrongType)
}

// WriteNotInteger writes an integer parse error response
func WriteNotInteger(conn redcon.Conn) {
	conn.WriteRaw(ErrNotInt)
}
