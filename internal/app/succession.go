package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/heroiclabs/nakama-common/runtime"

	"ringoffire/internal/domain"
	"ringoffire/internal/ports"
)

// Coordinator creates follow-up games and links them to the game they
// continue. The predecessor's newGameId is only ever written here, inside a
// document store transaction, so concurrent clients agree on one successor.
type Coordinator struct {
	sessions *SessionStore
	store    ports.DocumentStore
	logger   runtime.Logger
}

// NewCoordinator builds a Coordinator that shares the session's store,
// configuration and logger.
func NewCoordinator(sessions *SessionStore) *Coordinator {
	return &Coordinator{
		sessions: sessions,
		store:    sessions.store,
		logger:   sessions.logger,
	}
}

// CreateSuccessor creates the game that continues predecessor, optionally
// carrying its whole roster over. See CreateSuccessorWithRoster.
func (c *Coordinator) CreateSuccessor(ctx context.Context, predecessor *domain.Game, includePlayers bool) (*domain.Game, error) {
	var keep []int
	if includePlayers && predecessor != nil {
		keep = make([]int, len(predecessor.Players))
		for i := range keep {
			keep[i] = i
		}
	}
	return c.CreateSuccessorWithRoster(ctx, predecessor, keep)
}

// CreateSuccessorWithRoster creates a game seeded with the predecessor
// players at the keep indices. When predecessor is persisted and over, the
// new game is linked to it in the same transaction; if another client got
// there first nothing is written and an *AlreadyLinkedError carries the
// existing successor id. On success the new game becomes the held game.
func (c *Coordinator) CreateSuccessorWithRoster(ctx context.Context, predecessor *domain.Game, keep []int) (*domain.Game, error) {
	var players, images []string
	if predecessor != nil && len(keep) > 0 {
		var err error
		players, images, err = predecessor.SelectPlayers(keep)
		if err != nil {
			return nil, err
		}
	}
	successor, err := c.sessions.newGame(players, images)
	if err != nil {
		return nil, err
	}

	link := predecessor != nil && predecessor.ID != "" && predecessor.GameOver
	predID := ""
	if link {
		predID = predecessor.ID
	}
	logger := c.logger.WithField("predecessor_id", predID)
	collection := c.sessions.collection

	var id string
	err = c.store.RunTransaction(ctx, func(ctx context.Context, txn ports.Txn) error {
		var prev *domain.Game
		if link {
			doc, err := txn.Get(ctx, collection, predID)
			if err != nil {
				return err
			}
			prev, err = gameFromDoc(doc)
			if err != nil {
				return err
			}
			if prev.NewGameID != "" {
				return &AlreadyLinkedError{SuccessorID: prev.NewGameID}
			}
		}

		newID, err := createGameDoc(ctx, txn, collection, successor)
		if err != nil {
			return err
		}
		if prev != nil {
			if err := prev.LinkSuccessor(newID); err != nil {
				return err
			}
			data, err := prev.Encode()
			if err != nil {
				return err
			}
			if err := txn.Update(ctx, collection, predID, data); err != nil {
				return err
			}
		}
		id = newID
		return nil
	})

	var linked *AlreadyLinkedError
	switch {
	case errors.As(err, &linked):
		logger.Info("successor already created: %s", linked.SuccessorID)
		c.sessions.linkLocal(predID, linked.SuccessorID)
		return nil, linked
	case err != nil:
		logger.Error("failed to create successor: %v", err)
		return nil, &PersistenceError{Op: OpCreateSuccessor, GameID: predID, Err: err}
	}

	successor.ID = id
	if link {
		c.sessions.linkLocal(predID, id)
	}
	c.sessions.hold(successor.Clone())
	logger.WithField("game_id", id).Info("created successor with %d players", len(successor.Players))
	return successor, nil
}

// SuccessorEvent describes a successful link for transports to broadcast.
func SuccessorEvent(predecessorID, successorID string) Event {
	return Event{
		Kind:    EventSuccessorLinked,
		GameID:  predecessorID,
		Payload: SuccessorLinkedPayload{SuccessorID: successorID},
	}
}

// SuccessorOffer is sent only to userID after their successor creation
// found one already linked.
func SuccessorOffer(predecessorID, successorID, userID string) Event {
	return Event{
		Kind:       EventSuccessorOffer,
		GameID:     predecessorID,
		Payload:    SuccessorOfferPayload{SuccessorID: successorID},
		Recipients: []string{userID},
	}
}

// AwaitSuccessor watches predecessorID until another client links a
// successor, then returns its id when that game can still be joined. It
// returns ErrSuccessorEnded when the successor is already over.
func (c *Coordinator) AwaitSuccessor(ctx context.Context, predecessorID string) (string, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	found := make(chan string, 1)
	failed := make(chan error, 1)
	observer := ports.ObserverFuncs{
		Next: func(doc ports.Document) {
			game, err := gameFromDoc(doc)
			if err != nil {
				select {
				case failed <- err:
				default:
				}
				return
			}
			if game.NewGameID != "" {
				select {
				case found <- game.NewGameID:
				default:
				}
			}
		},
		Error: func(err error) {
			select {
			case failed <- err:
			default:
			}
		},
	}

	sub, err := c.store.Subscribe(ctx, c.sessions.collection, predecessorID, observer)
	if err != nil {
		return "", &PersistenceError{Op: OpAwaitSuccessor, GameID: predecessorID, Err: err}
	}
	defer sub.Close()

	var successorID string
	select {
	case successorID = <-found:
	case err := <-failed:
		return "", &PersistenceError{Op: OpAwaitSuccessor, GameID: predecessorID, Err: err}
	case <-ctx.Done():
		return "", ctx.Err()
	}
	sub.Close()

	doc, err := c.store.Get(ctx, c.sessions.collection, successorID)
	if err != nil {
		return "", &PersistenceError{Op: OpAwaitSuccessor, GameID: successorID, Err: err}
	}
	successor, err := gameFromDoc(doc)
	if err != nil {
		return "", &PersistenceError{Op: OpAwaitSuccessor, GameID: successorID, Err: err}
	}
	if successor.GameOver {
		return "", fmt.Errorf("%s: %w", successorID, ErrSuccessorEnded)
	}
	c.sessions.linkLocal(predecessorID, successorID)
	return successorID, nil
}
