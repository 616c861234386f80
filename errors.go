package convex

import (
	"errors"
	"strings"
)

// normalized error shape for all backend/network failures.
// callers never need to distinguish the origin of a failure.
type QueryError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Data    Value  `json:"data,omitempty"`
}

func NewQueryError(message string) *QueryError {
	return &QueryError{
		Message: message,
	}
}

func (self *QueryError) Error() string {
	if self.Code != "" {
		return self.Code + ": " + self.Message
	}
	return self.Message
}

// wraps an arbitrary error into the normalized shape.
// an error that already is a *QueryError passes through unchanged.
func AsQueryError(err error) *QueryError {
	var queryErr *QueryError
	if errors.As(err, &queryErr) {
		return queryErr
	}
	return &QueryError{
		Message: err.Error(),
	}
}

// settled into outstanding suspense futures when a handle is closed
// before first resolution, so that waiters unblock deterministically
var ErrClosed = &QueryError{
	Code:    "Closed",
	Message: "query handle closed before first resolution",
}

var recoverablePaginationMessages = []string{
	// cursor invalidated by a concurrent backend write
	"InvalidCursor",
	// result set grew too large to page consistently
	"ArrayTooLong",
	"ReadsTooLarge",
	// read count limit exceeded mid-page
	"TooManyReads",
}

// a recoverable pagination error is handled by the pagination engine
// with a full reset and refetch instead of surfacing as fatal
func IsRecoverablePaginationError(err error) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	for _, recoverableMessage := range recoverablePaginationMessages {
		if strings.Contains(message, recoverableMessage) {
			return true
		}
	}
	return false
}
