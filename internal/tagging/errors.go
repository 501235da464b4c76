package tagging

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// ErrInvalidTag is the sentinel wrapped by every ValidationError.
var ErrInvalidTag = errors.New("invalid tag")

// ErrConflictNotFound is returned when resolving a conflict that was never recorded.
var ErrConflictNotFound = errors.New("conflict not found")

// ValidationError describes a submission rejected before reaching the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid tag: %s %s", e.Field, e.Reason)
}

// Unwrap lets callers match any validation failure with errors.Is(err, ErrInvalidTag).
func (e *ValidationError) Unwrap() error { return ErrInvalidTag }

// StorageError wraps a failure of the underlying database.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err carries a StorageError anywhere in its chain.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Validate checks a tag before it is written. Player names that are empty or
// only whitespace are rejected; the stored name is otherwise kept verbatim.
func (t *Tag) Validate() error {
	if strings.TrimSpace(t.PlayerName) == "" {
		return &ValidationError{Field: "player_name", Reason: "must not be empty"}
	}
	if strings.TrimSpace(t.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "must not be empty"}
	}
	if strings.TrimSpace(t.VideoID) == "" {
		return &ValidationError{Field: "video_id", Reason: "must not be empty"}
	}
	if t.FrameNum < 0 {
		return &ValidationError{Field: "frame_num", Reason: "must be >= 0"}
	}
	if math.IsNaN(t.Confidence) || t.Confidence < 0 || t.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: fmt.Sprintf("must be within [0,1], got %g", t.Confidence)}
	}
	return nil
}
