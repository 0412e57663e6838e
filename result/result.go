// Package result implements the immutable, shared row-set handle returned
// by every query: by-index and by-name field access, error carrier, cheap
// copies backed by shared storage.
package result

import (
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgtype"
)

// Column describes one output field, tagged by its PostgreSQL OID the way
// RowDescription reports it.
type Column struct {
	Name string
	OID  uint32
}

// storage is the shared, immutable backing of a Result. Multiple Result
// copies reference the same storage; none of it is mutated after build.
type storage struct {
	hasError bool
	errMsg   string
	columns  []Column
	rows     [][][]byte // raw wire-format bytes, one slice of column values per row
	tag      string     // CommandComplete tag, e.g. "SELECT 3"
}

// Result is a cheap-to-copy, immutable handle over a completed query's
// rows or error. The zero value is a well-formed empty, error-free result.
type Result struct {
	s *storage
}

var typeMap = pgtype.NewMap()

// Empty returns a well-formed result with zero rows and no error.
func Empty() Result {
	return Result{s: &storage{}}
}

// FromError builds an error Result carrying msg.
func FromError(msg string) Result {
	return Result{s: &storage{hasError: true, errMsg: msg}}
}

// FromCommandComplete builds a Result for a query that returned no rows,
// e.g. an INSERT/UPDATE/DELETE or DDL statement.
func FromCommandComplete(tag string) Result {
	return Result{s: &storage{tag: tag}}
}

// Builder accumulates RowDescription/DataRow messages into a Result.
// Driver code owns one Builder per in-flight query.
type Builder struct {
	columns []Column
	rows    [][][]byte
}

// SetDescription records field metadata from a RowDescription message.
func (b *Builder) SetDescription(fields []pgproto3.FieldDescription) {
	b.columns = make([]Column, len(fields))
	for i, f := range fields {
		b.columns[i] = Column{Name: string(f.Name), OID: f.DataTypeOID}
	}
}

// AddRow appends one DataRow's raw column values.
func (b *Builder) AddRow(values [][]byte) {
	b.rows = append(b.rows, values)
}

// Build finalizes the accumulated rows into a Result, tagged with the
// CommandComplete string.
func (b *Builder) Build(tag string) Result {
	return Result{s: &storage{columns: b.columns, rows: b.rows, tag: tag}}
}

// HasError reports whether the query failed.
func (r Result) HasError() bool {
	return r.s != nil && r.s.hasError
}

// ErrorMessage returns the human-readable error, or "" if HasError is false.
func (r Result) ErrorMessage() string {
	if r.s == nil {
		return ""
	}
	return r.s.errMsg
}

// Tag returns the CommandComplete tag (e.g. "SELECT 3", "INSERT 0 1").
func (r Result) Tag() string {
	if r.s == nil {
		return ""
	}
	return r.s.tag
}

// Size returns the number of rows.
func (r Result) Size() int {
	if r.s == nil {
		return 0
	}
	return len(r.s.rows)
}

// Columns returns the field metadata in positional order.
func (r Result) Columns() []Column {
	if r.s == nil {
		return nil
	}
	return r.s.columns
}

// Row returns the row at ordinal i. ok is false if i is out of range.
func (r Result) Row(i int) (Row, bool) {
	if r.s == nil || i < 0 || i >= len(r.s.rows) {
		return Row{}, false
	}
	return Row{s: r.s, values: r.s.rows[i]}, true
}

// Rows returns every row in order, for range-based consumption.
func (r Result) Rows() []Row {
	if r.s == nil {
		return nil
	}
	out := make([]Row, len(r.s.rows))
	for i, v := range r.s.rows {
		out[i] = Row{s: r.s, values: v}
	}
	return out
}

// Row exposes a single row's fields by ordinal or column name. A Row shares
// its parent Result's storage; it is only valid as long as the Result it
// came from is reachable.
type Row struct {
	s      *storage
	values [][]byte
}

// columnIndex returns the ordinal of name, or -1.
func (row Row) columnIndex(name string) int {
	for i, c := range row.s.columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// IsNull reports whether the field at ordinal i is SQL NULL.
func (row Row) IsNull(i int) bool {
	return i < 0 || i >= len(row.values) || row.values[i] == nil
}

// Bytes returns the raw wire-format bytes for field i, or nil if NULL or
// out of range.
func (row Row) Bytes(i int) []byte {
	if i < 0 || i >= len(row.values) {
		return nil
	}
	return row.values[i]
}

// Scan decodes the field at ordinal i into dst using its reported OID, the
// same pgtype.Map machinery pgx uses to convert wire values to host types.
func (row Row) Scan(i int, dst any) error {
	if row.IsNull(i) {
		return nil
	}
	oid := row.s.columns[i].OID
	return typeMap.Scan(oid, pgtype.TextFormatCode, row.values[i], dst)
}

// ScanBinary decodes a binary-format field. The driver in this module
// always requests text-format results, so its rows decode with Scan.
func (row Row) ScanBinary(i int, dst any) error {
	if row.IsNull(i) {
		return nil
	}
	oid := row.s.columns[i].OID
	return typeMap.Scan(oid, pgtype.BinaryFormatCode, row.values[i], dst)
}

// ScanByName decodes the named field into dst.
func (row Row) ScanByName(name string, dst any) error {
	i := row.columnIndex(name)
	if i < 0 {
		return ErrNoSuchColumn(name)
	}
	return row.Scan(i, dst)
}
