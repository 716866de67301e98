package nakama

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"

	"ringoffire/internal/app"
	"ringoffire/internal/clock"
	"ringoffire/internal/config"
	"ringoffire/internal/domain"
	"ringoffire/internal/ports"
)

// gRPC status codes used by runtime.NewError.
const (
	codeInvalidArgument    = 3
	codeDeadlineExceeded   = 4
	codeNotFound           = 5
	codeAlreadyExists      = 6
	codeFailedPrecondition = 9
	codeInternal           = 13
)

const (
	defaultAwaitTimeout = 30 * time.Second
	maxAwaitTimeout     = 2 * time.Minute
)

var errIndexRequired = errors.New("index is required")

type gameRequest struct {
	GameID         string   `json:"gameId"`
	Players        []string `json:"players,omitempty"`
	PlayerImages   []string `json:"playerImages,omitempty"`
	Index          *int     `json:"index,omitempty"`
	Name           string   `json:"name,omitempty"`
	Avatar         string   `json:"avatar,omitempty"`
	IncludePlayers bool     `json:"includePlayers,omitempty"`
	Keep           []int    `json:"keep,omitempty"`
	TimeoutMs      int      `json:"timeoutMs,omitempty"`
}

// eventJSON is the RPC rendering of an app.Event.
type eventJSON struct {
	Kind    app.EventKind `json:"kind"`
	GameID  string        `json:"gameId"`
	Payload any           `json:"payload"`
}

type gameResponse struct {
	Game    *domain.Game       `json:"game"`
	TopCard string             `json:"topCard,omitempty"`
	Action  *domain.CardAction `json:"action,omitempty"`
	Events  []eventJSON        `json:"events,omitempty"`
}

type successorResponse struct {
	SuccessorID   string       `json:"successorId"`
	AlreadyLinked bool         `json:"alreadyLinked"`
	Game          *domain.Game `json:"game,omitempty"`
}

type rpcFunc func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, payload string) (string, error)

// rpcService builds a fresh session per call over Nakama storage.
type rpcService struct {
	cfg   *config.GameConfig
	clock clock.Clock
}

// RegisterRPCs registers the game RPC endpoints.
func RegisterRPCs(initializer runtime.Initializer, cfg *config.GameConfig, clk clock.Clock) error {
	svc := &rpcService{cfg: cfg, clock: clk}
	rpcs := map[string]rpcFunc{
		RpcCreateGame:      svc.createGame,
		RpcGetGame:         svc.getGame,
		RpcDrawCard:        svc.drawCard,
		RpcFinishDraw:      svc.finishDraw,
		RpcAddPlayer:       svc.addPlayer,
		RpcEditPlayer:      svc.editPlayer,
		RpcRemovePlayer:    svc.removePlayer,
		RpcCreateSuccessor: svc.createSuccessor,
		RpcAwaitSuccessor:  svc.awaitSuccessor,
		RpcDeleteGame:      svc.deleteGame,
	}
	for id, fn := range rpcs {
		if err := initializer.RegisterRpc(id, fn); err != nil {
			return fmt.Errorf("register rpc %s: %w", id, err)
		}
	}
	return nil
}

func (s *rpcService) session(logger runtime.Logger, nk StorageModule) (*app.SessionStore, error) {
	store := NewStorageAdapter(nk, StorageOptions{
		Clock:        s.clock,
		PollInterval: s.cfg.PollInterval(),
		Logger:       logger,
	})
	return app.NewSessionStore(store, s.cfg, logger, nil)
}

// loaded decodes the request and loads its game into a new session.
func (s *rpcService) loaded(ctx context.Context, logger runtime.Logger, nk StorageModule, payload string) (*app.SessionStore, gameRequest, error) {
	req, err := decodeGameRequest(payload, true)
	if err != nil {
		return nil, req, err
	}
	sessions, err := s.session(logger.WithField("game_id", req.GameID), nk)
	if err != nil {
		return nil, req, toRuntimeError(err)
	}
	if _, err := sessions.Load(ctx, req.GameID); err != nil {
		return nil, req, toRuntimeError(err)
	}
	return sessions, req, nil
}

func (s *rpcService) createGame(ctx context.Context, logger runtime.Logger, _ *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	req, err := decodeGameRequest(payload, false)
	if err != nil {
		return "", err
	}
	sessions, err := s.session(logger, nk)
	if err != nil {
		return "", toRuntimeError(err)
	}
	if _, err := sessions.CreateGame(ctx, req.Players, req.PlayerImages); err != nil {
		return "", toRuntimeError(err)
	}
	return s.respond(sessions.Game(), nil)
}

func (s *rpcService) getGame(ctx context.Context, logger runtime.Logger, _ *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	sessions, _, err := s.loaded(ctx, logger, nk, payload)
	if err != nil {
		return "", err
	}
	return s.respond(sessions.Game(), nil)
}

func (s *rpcService) drawCard(ctx context.Context, logger runtime.Logger, _ *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	return s.mutate(ctx, logger, nk, payload, func(sessions *app.SessionStore, _ gameRequest) ([]app.Event, error) {
		return sessions.DrawCard(ctx)
	})
}

func (s *rpcService) finishDraw(ctx context.Context, logger runtime.Logger, _ *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	return s.mutate(ctx, logger, nk, payload, func(sessions *app.SessionStore, _ gameRequest) ([]app.Event, error) {
		return sessions.FinishDraw(ctx)
	})
}

func (s *rpcService) addPlayer(ctx context.Context, logger runtime.Logger, _ *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	return s.mutate(ctx, logger, nk, payload, func(sessions *app.SessionStore, req gameRequest) ([]app.Event, error) {
		return sessions.AddPlayer(ctx, req.Name, req.Avatar)
	})
}

func (s *rpcService) editPlayer(ctx context.Context, logger runtime.Logger, _ *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	return s.mutate(ctx, logger, nk, payload, func(sessions *app.SessionStore, req gameRequest) ([]app.Event, error) {
		if req.Index == nil {
			return nil, errIndexRequired
		}
		return sessions.EditPlayer(ctx, *req.Index, req.Name, req.Avatar)
	})
}

func (s *rpcService) removePlayer(ctx context.Context, logger runtime.Logger, _ *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	return s.mutate(ctx, logger, nk, payload, func(sessions *app.SessionStore, req gameRequest) ([]app.Event, error) {
		if req.Index == nil {
			return nil, errIndexRequired
		}
		return sessions.RemovePlayer(ctx, *req.Index)
	})
}

func (s *rpcService) mutate(ctx context.Context, logger runtime.Logger, nk StorageModule, payload string, fn func(*app.SessionStore, gameRequest) ([]app.Event, error)) (string, error) {
	sessions, req, err := s.loaded(ctx, logger, nk, payload)
	if err != nil {
		return "", err
	}
	events, err := fn(sessions, req)
	if err != nil {
		return "", toRuntimeError(err)
	}
	return s.respond(sessions.Game(), events)
}

func (s *rpcService) createSuccessor(ctx context.Context, logger runtime.Logger, _ *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	sessions, req, err := s.loaded(ctx, logger, nk, payload)
	if err != nil {
		return "", err
	}
	coord := app.NewCoordinator(sessions)

	var next *domain.Game
	if req.Keep != nil {
		next, err = coord.CreateSuccessorWithRoster(ctx, sessions.Game(), req.Keep)
	} else {
		next, err = coord.CreateSuccessor(ctx, sessions.Game(), req.IncludePlayers)
	}

	var linked *app.AlreadyLinkedError
	switch {
	case errors.As(err, &linked):
		return marshal(successorResponse{SuccessorID: linked.SuccessorID, AlreadyLinked: true})
	case err != nil:
		return "", toRuntimeError(err)
	}
	return marshal(successorResponse{SuccessorID: next.ID, Game: next})
}

func (s *rpcService) awaitSuccessor(ctx context.Context, logger runtime.Logger, _ *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	req, err := decodeGameRequest(payload, true)
	if err != nil {
		return "", err
	}
	sessions, err := s.session(logger.WithField("game_id", req.GameID), nk)
	if err != nil {
		return "", toRuntimeError(err)
	}

	timeout := defaultAwaitTimeout
	if req.TimeoutMs > 0 {
		timeout = min(time.Duration(req.TimeoutMs)*time.Millisecond, maxAwaitTimeout)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	id, err := app.NewCoordinator(sessions).AwaitSuccessor(ctx, req.GameID)
	if err != nil {
		return "", toRuntimeError(err)
	}
	return marshal(successorResponse{SuccessorID: id})
}

func (s *rpcService) deleteGame(ctx context.Context, logger runtime.Logger, _ *sql.DB, nk runtime.NakamaModule, payload string) (string, error) {
	sessions, req, err := s.loaded(ctx, logger, nk, payload)
	if err != nil {
		return "", err
	}
	if err := sessions.DeleteGame(ctx); err != nil {
		return "", toRuntimeError(err)
	}
	return marshal(map[string]string{"deleted": req.GameID})
}

func (s *rpcService) respond(game *domain.Game, events []app.Event) (string, error) {
	resp := gameResponse{Game: game, TopCard: game.TopCard()}
	if resp.TopCard != "" {
		if action, err := s.cfg.CardActions.For(resp.TopCard); err == nil {
			resp.Action = &action
		}
	}
	for _, ev := range events {
		resp.Events = append(resp.Events, eventJSON{Kind: ev.Kind, GameID: ev.GameID, Payload: ev.Payload})
	}
	return marshal(resp)
}

func decodeGameRequest(payload string, needID bool) (gameRequest, error) {
	var req gameRequest
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &req); err != nil {
			return req, runtime.NewError("invalid payload", codeInvalidArgument)
		}
	}
	if needID && req.GameID == "" {
		return req, runtime.NewError("gameId is required", codeInvalidArgument)
	}
	return req, nil
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", runtime.NewError("failed to encode response", codeInternal)
	}
	return string(b), nil
}

// toRuntimeError maps session errors to Nakama error codes.
func toRuntimeError(err error) error {
	switch {
	case errors.Is(err, errIndexRequired),
		errors.Is(err, domain.ErrIndexOutOfRange),
		errors.Is(err, domain.ErrEmptyName),
		errors.Is(err, domain.ErrInvalidDeck),
		errors.Is(err, app.ErrRosterMisaligned):
		return runtime.NewError(err.Error(), codeInvalidArgument)
	case errors.Is(err, context.DeadlineExceeded):
		return runtime.NewError("timed out", codeDeadlineExceeded)
	case errors.Is(err, ports.ErrNotFound):
		return runtime.NewError("game not found", codeNotFound)
	case errors.Is(err, app.ErrAlreadyLinked), errors.Is(err, domain.ErrSuccessorLinked):
		return runtime.NewError(err.Error(), codeAlreadyExists)
	case errors.Is(err, domain.ErrGameOver),
		errors.Is(err, domain.ErrStackEmpty),
		errors.Is(err, app.ErrSuccessorEnded),
		errors.Is(err, app.ErrNotPersisted):
		return runtime.NewError(err.Error(), codeFailedPrecondition)
	default:
		return runtime.NewError("internal error", codeInternal)
	}
}
