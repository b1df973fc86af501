package logger

import "log/slog"

// Standard field keys for structured logging. Use these consistently so
// connection and operation logs can be correlated and queried.
const (
	// Connection
	KeyConnectionID = "conn_id"   // server-assigned connection number
	KeyClientIP     = "client_ip" // peer address without port
	KeyClientPort   = "client_port"
	KeyTLS          = "tls" // connection is TLS-wrapped

	// Operation
	KeyMessageID  = "message_id" // LDAP message id within the connection
	KeyOp         = "op"         // operation name: bind, search, add, ...
	KeyResultCode = "result_code"
	KeyMatchedDN  = "matched_dn"

	// Directory
	KeyDN       = "dn"
	KeyNewDN    = "new_dn"
	KeyBindDN   = "bind_dn" // authenticated identity of the connection
	KeyUsername = "username"
	KeyFilter   = "filter"
	KeyScope    = "scope"
	KeyEntries  = "entries" // search result entry count

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
)

// Field constructors for type safety.

// ConnectionID returns a slog.Attr for the server-assigned connection number.
func ConnectionID(id uint64) slog.Attr {
	return slog.Uint64(KeyConnectionID, id)
}

// ClientIP returns a slog.Attr for the peer address.
func ClientIP(addr string) slog.Attr {
	return slog.String(KeyClientIP, addr)
}

// MessageID returns a slog.Attr for the LDAP message id.
func MessageID(id int64) slog.Attr {
	return slog.Int64(KeyMessageID, id)
}

// Op returns a slog.Attr for the operation name.
func Op(name string) slog.Attr {
	return slog.String(KeyOp, name)
}

// ResultCode returns a slog.Attr for the LDAP result code.
func ResultCode(code int) slog.Attr {
	return slog.Int(KeyResultCode, code)
}

// DN returns a slog.Attr for a distinguished name.
func DN(dn string) slog.Attr {
	return slog.String(KeyDN, dn)
}

// BindDN returns a slog.Attr for the connection's authenticated identity.
func BindDN(dn string) slog.Attr {
	return slog.String(KeyBindDN, dn)
}

// Username returns a slog.Attr for a user name.
func Username(name string) slog.Attr {
	return slog.String(KeyUsername, name)
}

// Filter returns a slog.Attr for a search filter in its text form.
func Filter(f string) slog.Attr {
	return slog.String(KeyFilter, f)
}

// Entries returns a slog.Attr for a search result entry count.
func Entries(n int) slog.Attr {
	return slog.Int(KeyEntries, n)
}

// DurationMs returns a slog.Attr for duration in milliseconds.
func DurationMs(ms float64) slog.Attr {
	return slog.Float64(KeyDurationMs, ms)
}

// Err returns a slog.Attr for an error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
