package driver

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// PreparedQuery is either a literal prepared query — a compile-time-stable
// SQL string hashed to a stable identifier reusable across every driver in
// a pool — or a dynamic one, identified per-instance. The server-side
// statement name is derived deterministically from the identifier and
// lazily issued on first use per driver.
type PreparedQuery struct {
	sql string
	id  string
}

// NewPreparedQuery returns a literal prepared query. Two calls with the
// same sql text always produce the same server-side statement name, so
// connections across a pool can share it.
func NewPreparedQuery(sql string) *PreparedQuery {
	sum := sha256.Sum256([]byte(sql))
	return &PreparedQuery{sql: sql, id: "lit_" + hex.EncodeToString(sum[:8])}
}

// NewDynamicPreparedQuery returns a prepared query identified only within
// this process; its server-side name is never reused across instances.
func NewDynamicPreparedQuery(sql string) *PreparedQuery {
	return &PreparedQuery{sql: sql, id: "dyn_" + uuid.NewString()}
}

// SQL returns the statement text.
func (p *PreparedQuery) SQL() string { return p.sql }

// ID returns the stable identifier used to derive the server-side name.
func (p *PreparedQuery) ID() string { return p.id }

// statementName is the name issued to the server via Parse.
func (p *PreparedQuery) statementName() string { return "asyncpg_" + p.id }
