package app

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyLinked matches *AlreadyLinkedError.
	ErrAlreadyLinked = errors.New("successor already linked")
	// ErrPersistence matches *PersistenceError.
	ErrPersistence = errors.New("persistence failure")
	// ErrNotPersisted is returned when a write targets a game with no id.
	ErrNotPersisted = errors.New("game has not been persisted")
	// ErrSuccessorEnded is returned by AwaitSuccessor when the linked game is already over.
	ErrSuccessorEnded = errors.New("successor game is already over")
	// ErrRosterMisaligned is returned when player names and avatars differ in length.
	ErrRosterMisaligned = errors.New("players and player images differ in length")
)

// AlreadyLinkedError reports that another client created the successor
// first. Callers offer to join SuccessorID instead of failing.
type AlreadyLinkedError struct {
	SuccessorID string
}

func (e *AlreadyLinkedError) Error() string {
	return fmt.Sprintf("game already continued by %s", e.SuccessorID)
}

func (e *AlreadyLinkedError) Is(target error) bool { return target == ErrAlreadyLinked }

// PersistenceError wraps a document store failure. The in-memory game keeps
// whatever state the operation produced.
type PersistenceError struct {
	Op     string
	GameID string
	Err    error
}

func (e *PersistenceError) Error() string {
	if e.GameID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s game %s: %v", e.Op, e.GameID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
