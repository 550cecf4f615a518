package store

import (
	"database/sql/driver"
	"errors"
	"io"
	"net"

	"github.com/lib/pq"
)

// IsRetryable reports whether a database error is worth retrying with the
// same batch. Serialization failures, deadlocks and connection-class trouble
// clear on their own; constraint, syntax and datatype errors never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08": // connection exception
			return true
		case "40": // transaction rollback (serialization failure, deadlock)
			return true
		case "53": // insufficient resources
			return true
		case "57": // operator intervention (shutdown, crash recovery)
			return true
		}
		return false
	}
	return false
}
