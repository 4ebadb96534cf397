package txkv

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTxnFinished is returned when commit or rollback is attempted on a
	// transaction that already reached a terminal state.
	ErrTxnFinished = errors.New("txkv: transaction already finished")

	// ErrReadOnlyTxn is returned when commit is attempted on a read-only
	// transaction.
	ErrReadOnlyTxn = errors.New("txkv: cannot commit a read-only transaction")

	// ErrConflict is returned when the storage tier refuses to commit the
	// transaction's snapshot. The transaction is rolled back before this is
	// returned.
	ErrConflict = errors.New("txkv: snapshot conflict")

	// ErrRowNotFound is returned by update/remove of a nonexistent row.
	ErrRowNotFound = errors.New("txkv: row not found")

	// ErrRowExists is returned by insert of an already-existing row.
	ErrRowExists = errors.New("txkv: row already exists")
)

// DataError reports a malformed byte payload, with the offending offset and
// a hex excerpt of the data.
type DataError struct {
	Data []byte
	Off  int
	Err  error
	Msg  string
}

func dataErrf(data []byte, off int, err error, format string, args ...any) error {
	return &DataError{data, off, err, fmt.Sprintf(format, args...)}
}

func (e *DataError) Unwrap() error {
	return e.Err
}

func (e *DataError) Error() string {
	const prefixLen = 64
	const suffixLen = 32
	n := len(e.Data)
	if n <= prefixLen+suffixLen {
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x", e.Msg, e.Err, n, e.Data)
		} else {
			return fmt.Sprintf("%s: (%d) %x", e.Msg, n, e.Data)
		}
	} else {
		p, s := e.Data[:prefixLen], e.Data[n-suffixLen:]
		if e.Err != nil {
			return fmt.Sprintf("%s: %v: (%d) %x...%x", e.Msg, e.Err, n, p, s)
		} else {
			return fmt.Sprintf("%s: (%d) %x...%x", e.Msg, n, p, s)
		}
	}
}

// FieldNotSetError reports an insert of a tuple missing a required
// not-null field.
type FieldNotSetError struct {
	Table string
	Field string
}

func (e *FieldNotSetError) Error() string {
	return fmt.Sprintf("txkv: %s: required field %q is not set", e.Table, e.Field)
}

// WrongFieldTypeError reports a value whose type does not match the schema's
// declared type for that field.
type WrongFieldTypeError struct {
	Table string
	Field string
	Want  FieldType
	Got   FieldType
}

func (e *WrongFieldTypeError) Error() string {
	return fmt.Sprintf("txkv: %s: field %q must be %v, got %v", e.Table, e.Field, e.Want, e.Got)
}

// OpenTableError reports a failed index metadata discovery: a table cannot be
// opened because one of its index storage regions is missing or unreadable.
type OpenTableError struct {
	Table string
	Index string
	Err   error
}

func (e *OpenTableError) Unwrap() error {
	return e.Err
}

func (e *OpenTableError) Error() string {
	var buf strings.Builder
	buf.WriteString("txkv: cannot open table ")
	buf.WriteString(e.Table)
	if e.Index != "" {
		buf.WriteString(": index ")
		buf.WriteString(e.Index)
	}
	if e.Err != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Err.Error())
	}
	return buf.String()
}
