package coldoc

import (
	"fmt"

	"github.com/coldocdb/coldoc/errors"
)

// Column is one stored column scoped to an implicit family.
type Column struct {
	Qualifier ByteKey
	Value     []byte
	Timestamp int64
}

// Family is a named group of columns within a row. Stores return columns
// ordered by qualifier.
type Family struct {
	Name    string
	Columns []Column
}

// Column returns the column with the given qualifier, if present.
func (f *Family) Column(q ByteKey) (Column, bool) {
	for i := range f.Columns {
		if f.Columns[i].Qualifier.Equal(q) {
			return f.Columns[i], true
		}
	}
	return Column{}, false
}

// Row is the wire shape exchanged with a Store: a key plus the column
// families that hold data for it.
type Row struct {
	Key      ByteKey
	Families []Family
}

// Family returns the named family, or nil if the row holds no data in it.
func (r *Row) Family(name string) *Family {
	for i := range r.Families {
		if r.Families[i].Name == name {
			return &r.Families[i]
		}
	}
	return nil
}

func (r *Row) ensureFamily(name string) *Family {
	if f := r.Family(name); f != nil {
		return f
	}
	r.Families = append(r.Families, Family{Name: name})
	return &r.Families[len(r.Families)-1]
}

// AddColumn appends a column to the named family, creating the family on
// first use.
func (r *Row) AddColumn(family string, col Column) {
	f := r.ensureFamily(family)
	f.Columns = append(f.Columns, col)
}

// Column returns a column addressed by family and qualifier.
func (r *Row) Column(family string, q ByteKey) (Column, bool) {
	f := r.Family(family)
	if f == nil {
		return Column{}, false
	}
	return f.Column(q)
}

// IsEmpty reports whether the row holds no columns at all.
func (r *Row) IsEmpty() bool {
	if r == nil {
		return true
	}
	for i := range r.Families {
		if len(r.Families[i].Columns) > 0 {
			return false
		}
	}
	return true
}

// Store is the base contract every wide-column backend satisfies. All
// calls are synchronous; atomicity holds per row only. Backends may
// additionally implement the capability interfaces below; callers detect
// those with type assertions and fail with ErrUnsupportedCapability when
// an operation needs one the backend lacks.
type Store interface {
	// Get fetches one row restricted to the given families (all families
	// when empty). When qualifiers are given they restrict every requested
	// family. Returns nil when the row has no data in any fetched family.
	Get(row ByteKey, families []string, qualifiers ...ByteKey) (*Row, error)

	// GetBatch fetches several rows; absent rows come back nil, in order.
	GetBatch(rows []ByteKey, families []string) ([]*Row, error)

	// Put writes every column carried by row.
	Put(row *Row) error

	// PutBatch writes several rows with no cross-row atomicity. A failure
	// partway is reported as a *BatchError.
	PutBatch(rows []*Row) error

	// Delete removes the named families of a row, or the whole row when no
	// families are given.
	Delete(row ByteKey, families ...string) error

	// DeleteColumns removes individual columns within one family.
	DeleteColumns(row ByteKey, family string, qualifiers ...ByteKey) error

	// DeleteBatch removes whole rows with no cross-row atomicity.
	DeleteBatch(rows []ByteKey) error

	// Scan iterates rows with start <= key < stop in key order. A stop of
	// KeyAfterAll means no upper bound. The iterator must be closed.
	Scan(start, stop ByteKey, families ...string) (RowIterator, error)

	// CheckAndPut atomically writes put if the check column currently has
	// the expected value; expect == nil requires the column to be absent.
	// Returns false, without writing, when the check fails.
	CheckAndPut(row ByteKey, checkFamily string, checkQualifier ByteKey, expect []byte, put *Row) (bool, error)
}

// FilterScanner scans with a server-side filter expression.
type FilterScanner interface {
	FilterScan(f Filter, start, stop ByteKey, families ...string) (RowIterator, error)
}

// CounterStore provides atomic 64-bit counter columns. A counter that was
// never written reads as zero.
type CounterStore interface {
	AddCounter(row ByteKey, family string, qualifier ByteKey, delta int64) (int64, error)
	GetCounter(row ByteKey, family string, qualifier ByteKey) (int64, error)
}

// VersionedStore keeps per-cell version history and can revert a column
// to its immediately preceding stored version. RollbackColumn returns
// false when no previous version exists.
type VersionedStore interface {
	RollbackColumn(row ByteKey, family string, qualifier ByteKey) (bool, error)
}

// ColumnRanger scans a qualifier range within one row, for rows too wide
// to fetch whole.
type ColumnRanger interface {
	ScanColumns(row ByteKey, family string, startQualifier, stopQualifier ByteKey) ([]Column, error)
}

// Appender appends bytes to a column value in one atomic step and returns
// the resulting column.
type Appender interface {
	Append(row ByteKey, family string, qualifier ByteKey, suffix []byte) (*Column, error)
}

// Conn is an open connection to a backend; it hands out per-table stores.
type Conn interface {
	// Table returns a handle for an existing table, or an
	// ErrNotFound-coded error.
	Table(name string) (Store, error)
	Close() error
}

// Admin is the table-administration capability of a connection.
type Admin interface {
	CreateTable(name string, families ...string) error
	DropTable(name string) error
	TruncateTable(name string) error
	TableExists(name string) (bool, error)
}

// RowIterator is a lazy, forward-only row sequence driven by one
// backend-side cursor. Callers must call Close on every exit path, even
// when abandoning the scan early.
type RowIterator interface {
	Next() bool
	Row() *Row
	Err() error
	Close() error
}

// ScanPrefix scans every row whose key starts with prefix.
func ScanPrefix(st Store, prefix ByteKey, families ...string) (RowIterator, error) {
	return st.Scan(prefix, PrefixSuccessor(prefix), families...)
}

func storeCapability[T any](st Store, what string) (T, error) {
	if c, ok := any(st).(T); ok {
		return c, nil
	}
	var zero T
	return zero, errors.Newf(errors.ErrUnsupportedCapability, "store %T does not support %s", st, what)
}

func connAdmin(conn Conn) (Admin, error) {
	if a, ok := conn.(Admin); ok {
		return a, nil
	}
	return nil, errors.Newf(errors.ErrUnsupportedCapability, "connection %T does not support table administration", conn)
}

var errIndeterminateBatch = errors.New(errors.ErrBatchIndeterminate, "batch outcome indeterminate")

// BatchError reports a batch operation that stopped partway. Rows before
// FirstUnapplied were applied; the rest were not. A FirstUnapplied of -1
// means the backend cannot tell which rows took effect, and the error
// matches errors.ErrBatchIndeterminate.
type BatchError struct {
	FirstUnapplied int
	Err            error
}

func (e *BatchError) Error() string {
	if e.FirstUnapplied < 0 {
		return fmt.Sprintf("batch failed, outcome indeterminate: %v", e.Err)
	}
	return fmt.Sprintf("batch failed at row %d, earlier rows applied: %v", e.FirstUnapplied, e.Err)
}

func (e *BatchError) Unwrap() []error {
	if e.FirstUnapplied < 0 {
		return []error{errIndeterminateBatch, e.Err}
	}
	return []error{e.Err}
}
