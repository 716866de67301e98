package app

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"

	"ringoffire/internal/config"
	"ringoffire/internal/domain"
	"ringoffire/internal/logging"
	"ringoffire/internal/ports"
)

// SessionStore holds one client's current game and mirrors it to the
// document store. Every mutation writes the whole document back; a failed
// write is logged and returned while the in-memory state is kept.
type SessionStore struct {
	mu         sync.Mutex
	store      ports.DocumentStore
	cfg        *config.GameConfig
	logger     runtime.Logger
	rng        *rand.Rand
	collection string
	game       *domain.Game
}

// NewSessionStore constructs a SessionStore holding a fresh unpersisted
// game. A nil cfg uses the defaults, a nil logger discards, and a nil rng is
// time-seeded.
func NewSessionStore(store ports.DocumentStore, cfg *config.GameConfig, logger runtime.Logger, rng *rand.Rand) (*SessionStore, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &SessionStore{
		store:      store,
		cfg:        cfg,
		logger:     logger,
		rng:        rng,
		collection: cfg.Collection,
	}
	if err := s.ResetGame(); err != nil {
		return nil, err
	}
	return s, nil
}

// Game returns a copy of the held game.
func (s *SessionStore) Game() *domain.Game {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.game.Clone()
}

// ResetGame replaces the held game with a fresh one. Nothing is written.
func (s *SessionStore) ResetGame() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	game, err := s.newGameLocked()
	if err != nil {
		return err
	}
	s.game = game
	return nil
}

// CreateGame persists a new game seeded with the given roster and makes it
// the held game.
func (s *SessionStore) CreateGame(ctx context.Context, players, playerImages []string) (string, error) {
	game, err := s.newGame(players, playerImages)
	if err != nil {
		return "", err
	}

	var id string
	err = s.store.RunTransaction(ctx, func(ctx context.Context, txn ports.Txn) error {
		var err error
		id, err = createGameDoc(ctx, txn, s.collection, game)
		return err
	})
	if err != nil {
		s.logger.Error("failed to create game: %v", err)
		return "", &PersistenceError{Op: OpCreateGame, Err: err}
	}

	game.ID = id
	s.mu.Lock()
	s.game = game
	s.mu.Unlock()
	s.logger.WithField("game_id", id).Info("created game with %d players", len(game.Players))
	return id, nil
}

// Load fetches a game once and makes it the held game.
func (s *SessionStore) Load(ctx context.Context, gameID string) (*domain.Game, error) {
	doc, err := s.store.Get(ctx, s.collection, gameID)
	if err != nil {
		s.logger.WithField("game_id", gameID).Warn("failed to load game: %v", err)
		return nil, &PersistenceError{Op: OpLoadGame, GameID: gameID, Err: err}
	}
	game, err := gameFromDoc(doc)
	if err != nil {
		return nil, &PersistenceError{Op: OpLoadGame, GameID: gameID, Err: err}
	}
	s.mu.Lock()
	s.game = game
	s.mu.Unlock()
	return game.Clone(), nil
}

// JoinGame drops the held game and loads gameID in its place.
func (s *SessionStore) JoinGame(ctx context.Context, gameID string) (*domain.Game, error) {
	if err := s.ResetGame(); err != nil {
		return nil, err
	}
	return s.Load(ctx, gameID)
}

// DeleteGame removes the held game's document.
func (s *SessionStore) DeleteGame(ctx context.Context) error {
	s.mu.Lock()
	id := s.game.ID
	s.mu.Unlock()
	if id == "" {
		return &PersistenceError{Op: OpDeleteGame, Err: ErrNotPersisted}
	}
	if err := s.store.Delete(ctx, s.collection, id); err != nil {
		s.logger.WithField("game_id", id).Error("failed to delete game: %v", err)
		return &PersistenceError{Op: OpDeleteGame, GameID: id, Err: err}
	}
	return nil
}

// DrawCard reveals the next card, advances the turn and writes the game.
// While a previous draw is still pending it does nothing and returns no
// events.
func (s *SessionStore) DrawCard(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drawn, err := s.game.BeginDraw()
	if err != nil || !drawn {
		return nil, err
	}
	events := []Event{{
		Kind:   EventCardDrawn,
		GameID: s.game.ID,
		Payload: CardDrawnPayload{
			Card:          s.game.CurrentCard,
			CurrentPlayer: s.game.CurrentPlayer,
			Remaining:     len(s.game.Stack),
		},
	}}
	return events, s.writeLocked(ctx, OpDrawCard)
}

// FinishDraw files the revealed card and ends the game when the stack is
// empty, then writes the game. It does nothing when no draw is pending.
func (s *SessionStore) FinishDraw(ctx context.Context) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	card := s.game.CurrentCard
	filed, ended := s.game.FinishDraw()
	if !filed {
		return nil, nil
	}
	events := []Event{{
		Kind:    EventCardFiled,
		GameID:  s.game.ID,
		Payload: CardFiledPayload{Card: card, Played: len(s.game.PlayedCards)},
	}}
	if ended {
		events = append(events, Event{
			Kind:    EventGameEnded,
			GameID:  s.game.ID,
			Payload: GameEndedPayload{PlayedCards: len(s.game.PlayedCards)},
		})
	}
	return events, s.writeLocked(ctx, OpFinishDraw)
}

// AddPlayer appends a player and writes the game.
func (s *SessionStore) AddPlayer(ctx context.Context, name, avatar string) ([]Event, error) {
	return s.mutateRoster(ctx, OpAddPlayer, func(g *domain.Game) error {
		return g.AddPlayer(name, avatar)
	})
}

// EditPlayer renames a player or changes their avatar and writes the game.
func (s *SessionStore) EditPlayer(ctx context.Context, index int, name, avatar string) ([]Event, error) {
	return s.mutateRoster(ctx, OpEditPlayer, func(g *domain.Game) error {
		return g.EditPlayer(index, name, avatar)
	})
}

// RemovePlayer deletes a player and writes the game.
func (s *SessionStore) RemovePlayer(ctx context.Context, index int) ([]Event, error) {
	return s.mutateRoster(ctx, OpRemovePlayer, func(g *domain.Game) error {
		return g.RemovePlayer(index)
	})
}

func (s *SessionStore) mutateRoster(ctx context.Context, op string, fn func(*domain.Game) error) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := fn(s.game); err != nil {
		return nil, err
	}
	events := []Event{{
		Kind:   EventRosterChanged,
		GameID: s.game.ID,
		Payload: RosterChangedPayload{
			Players:       append([]string{}, s.game.Players...),
			PlayerImages:  append([]string{}, s.game.PlayerImages...),
			CurrentPlayer: s.game.CurrentPlayer,
		},
	}}
	return events, s.writeLocked(ctx, op)
}

func (s *SessionStore) writeLocked(ctx context.Context, op string) error {
	id := s.game.ID
	if id == "" {
		s.logger.Warn("%s on unpersisted game", op)
		return &PersistenceError{Op: op, Err: ErrNotPersisted}
	}
	data, err := s.game.Encode()
	if err == nil {
		err = s.store.Update(ctx, s.collection, id, data)
	}
	if err != nil {
		s.logger.WithField("game_id", id).Error("failed to %s: %v", op, err)
		return &PersistenceError{Op: op, GameID: id, Err: err}
	}
	return nil
}

// Observer receives live game snapshots from Subscribe.
type Observer interface {
	OnSnapshot(game *domain.Game)
	// OnGameEnded fires once per subscription, for the first snapshot that
	// shows the game over.
	OnGameEnded(game *domain.Game)
	OnError(err error)
}

// ObserverFuncs adapts plain functions to Observer.
type ObserverFuncs struct {
	Snapshot  func(*domain.Game)
	GameEnded func(*domain.Game)
	Error     func(error)
}

func (o ObserverFuncs) OnSnapshot(g *domain.Game) {
	if o.Snapshot != nil {
		o.Snapshot(g)
	}
}

func (o ObserverFuncs) OnGameEnded(g *domain.Game) {
	if o.GameEnded != nil {
		o.GameEnded(g)
	}
}

func (o ObserverFuncs) OnError(err error) {
	if o.Error != nil {
		o.Error(err)
	}
}

// Subscription is a live game stream opened by Subscribe.
type Subscription struct {
	gameID   string
	session  *SessionStore
	observer Observer
	inner    ports.Subscription
	closed   atomic.Bool

	// first is written once by the delivery goroutine before Subscribe returns.
	first    chan firstSnapshot
	started  bool
	endFired bool
}

type firstSnapshot struct {
	game *domain.Game
	err  error
}

// GameID returns the subscribed game.
func (sub *Subscription) GameID() string { return sub.gameID }

// Close stops delivery. It reports whether this call closed the stream.
func (sub *Subscription) Close() bool {
	if sub.closed.Swap(true) {
		return false
	}
	if sub.inner != nil {
		sub.inner.Close()
	}
	return true
}

// Subscribe opens a live stream of gameID, waits for the first snapshot and
// makes it the held game. Later snapshots replace the held game and reach
// observer.OnSnapshot. A first snapshot that is already over also triggers
// OnGameEnded, before Subscribe returns. Stream failures reach
// OnError and end the stream; nothing resubscribes.
func (s *SessionStore) Subscribe(ctx context.Context, gameID string, observer Observer) (*Subscription, *domain.Game, error) {
	sub := &Subscription{
		gameID:   gameID,
		session:  s,
		observer: observer,
		first:    make(chan firstSnapshot, 1),
	}
	inner, err := s.store.Subscribe(ctx, s.collection, gameID, ports.ObserverFuncs{
		Next:  sub.onNext,
		Error: sub.onError,
	})
	if err != nil {
		return nil, nil, &PersistenceError{Op: OpSubscribe, GameID: gameID, Err: err}
	}
	sub.inner = inner

	select {
	case first := <-sub.first:
		if first.err != nil {
			sub.Close()
			s.logger.WithField("game_id", gameID).Warn("subscription failed: %v", first.err)
			return nil, nil, &PersistenceError{Op: OpSubscribe, GameID: gameID, Err: first.err}
		}
		return sub, first.game, nil
	case <-ctx.Done():
		sub.Close()
		return nil, nil, ctx.Err()
	}
}

// Unsubscribe closes sub. Closing an inactive or nil subscription is logged
// and otherwise ignored.
func (s *SessionStore) Unsubscribe(sub *Subscription) {
	if sub == nil || !sub.Close() {
		s.logger.Debug("unsubscribe on inactive subscription")
	}
}

func (sub *Subscription) onNext(doc ports.Document) {
	if sub.closed.Load() {
		return
	}
	game, err := gameFromDoc(doc)
	if err != nil {
		sub.onError(err)
		sub.Close()
		return
	}
	// The session keeps its own copy; mutations on it must never reach
	// what observers were handed.
	held := game.Clone()
	endNow := game.GameOver && !sub.endFired
	if endNow {
		sub.endFired = true
	}
	if !sub.started {
		sub.started = true
		sub.session.hold(held)
		// Fire the end latch before Subscribe can return, so the first
		// snapshot's callbacks are all done by then.
		if endNow && !sub.closed.Load() {
			sub.observer.OnGameEnded(game.Clone())
		}
		sub.first <- firstSnapshot{game: game}
		return
	}
	sub.session.adopt(held)
	sub.observer.OnSnapshot(game.Clone())
	if endNow && !sub.closed.Load() {
		sub.observer.OnGameEnded(game)
	}
}

func (sub *Subscription) onError(err error) {
	if sub.closed.Load() {
		return
	}
	if !sub.started {
		sub.started = true
		sub.first <- firstSnapshot{err: err}
		return
	}
	sub.session.logger.WithField("game_id", sub.gameID).Warn("subscription error: %v", err)
	sub.observer.OnError(err)
}

// adopt replaces the held game with a snapshot of the same game, or with
// any snapshot when the held game was never persisted.
func (s *SessionStore) adopt(game *domain.Game) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.game.ID == "" || s.game.ID == game.ID {
		s.game = game
	}
}

// linkLocal records a successor id on the held game when it is the
// predecessor. Documents are only linked inside a transaction.
func (s *SessionStore) linkLocal(predecessorID, successorID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.game.ID == predecessorID && s.game.NewGameID == "" {
		s.game.NewGameID = successorID
	}
}

func (s *SessionStore) hold(game *domain.Game) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.game = game
}

func (s *SessionStore) newGame(players, playerImages []string) (*domain.Game, error) {
	if len(players) != len(playerImages) {
		return nil, ErrRosterMisaligned
	}
	s.mu.Lock()
	game, err := s.newGameLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	for i := range players {
		if err := game.AddPlayer(players[i], playerImages[i]); err != nil {
			return nil, err
		}
	}
	return game, nil
}

// newGameLocked must be called with mu held; rng is not safe for
// concurrent use.
func (s *SessionStore) newGameLocked() (*domain.Game, error) {
	return domain.NewGame(s.rng, s.cfg.Deck())
}

// createGameDoc stages a new document and rewrites it with its own id.
func createGameDoc(ctx context.Context, txn ports.Txn, collection string, game *domain.Game) (string, error) {
	id, err := txn.Create(ctx, collection, nil)
	if err != nil {
		return "", err
	}
	body := game.Clone()
	body.ID = id
	data, err := body.Encode()
	if err != nil {
		return "", err
	}
	if err := txn.Update(ctx, collection, id, data); err != nil {
		return "", err
	}
	return id, nil
}

// gameFromDoc decodes a document; the document id wins over the body's id
// field.
func gameFromDoc(doc ports.Document) (*domain.Game, error) {
	game, err := domain.DecodeGame(doc.Data)
	if err != nil {
		return nil, err
	}
	game.ID = doc.ID
	return game, nil
}
