package db

import (
	"strings"

	"github.com/teranos/nodereg/errors"
)

// ErrDatabaseClosed is returned when a snapshot is saved or loaded through a
// connection that has already been closed.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed checks if an error indicates the database connection is closed.
// The sql package returns its own unwrapped error for this, so the message is
// matched as a fallback.
func IsDatabaseClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDatabaseClosed) {
		return true
	}
	return strings.Contains(err.Error(), "database is closed")
}
