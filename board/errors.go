package board

import (
	"errors"
	"fmt"
)

var (
	ErrFetch            = errors.New("board: fetch failed")
	ErrMoveRejected     = errors.New("board: move rejected")
	ErrInvalidDragState = errors.New("board: no active drag session")
	ErrDragActive       = errors.New("board: a drag session is already active")
	ErrUnknownStage     = errors.New("board: unknown stage")
	ErrClosed           = errors.New("board: reconciler closed")
)

// defaultRejectReason is surfaced when the remote side gives no message.
const defaultRejectReason = "status update rejected"

// FetchError reports a failed stage or record retrieval.
type FetchError struct {
	Resource string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("board: fetch %s: %v", e.Resource, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func (e *FetchError) Is(target error) bool { return target == ErrFetch }

// MoveRejectedError reports a move that was rolled back.
type MoveRejectedError struct {
	CardID  string
	StageID string
	Reason  string
	Err     error
}

func (e *MoveRejectedError) Error() string {
	return fmt.Sprintf("board: move of %s to stage %s rejected: %s", e.CardID, e.StageID, e.Reason)
}

func (e *MoveRejectedError) Unwrap() error { return e.Err }

func (e *MoveRejectedError) Is(target error) bool { return target == ErrMoveRejected }

// userMessager is implemented by remote errors that carry a message meant
// for the person who made the move.
type userMessager interface {
	UserMessage() string
}

func rejectReason(err error) string {
	var um userMessager
	if errors.As(err, &um) {
		if msg := um.UserMessage(); msg != "" {
			return msg
		}
	}
	return defaultRejectReason
}
