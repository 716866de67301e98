package nakama

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"ringoffire/internal/app"
	"ringoffire/internal/clock"
	"ringoffire/internal/config"
	"ringoffire/internal/domain"
)

const (
	// MatchParamGameID is the MatchCreate parameter naming the game a room serves.
	MatchParamGameID = "game_id"

	matchTickRate = 10
)

// MatchState holds the authoritative runtime state for one game room.
type MatchState struct {
	GameID       string                      // game currently shown in the room
	Tick         int64                       // latest loop tick
	FinishAtTick int64                       // tick at which a revealed card is filed, 0 when idle
	EndAnnounced bool                        // game_ended already broadcast for GameID
	Presences    map[string]runtime.Presence // user id -> presence
	Sessions     *app.SessionStore
	Coordinator  *app.Coordinator
	Sub          *app.Subscription
	Relay        *snapshotRelay
}

// snapshotRelay collects subscription callbacks, which arrive on the store's
// delivery goroutine, for the match loop to broadcast.
type snapshotRelay struct {
	mu     sync.Mutex
	latest *domain.Game
	ended  bool
	err    error
}

func (r *snapshotRelay) OnSnapshot(g *domain.Game) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = g
}

func (r *snapshotRelay) OnGameEnded(g *domain.Game) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latest = g
	r.ended = true
}

func (r *snapshotRelay) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *snapshotRelay) drain() (latest *domain.Game, ended bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	latest, ended, err = r.latest, r.ended, r.err
	r.latest, r.ended, r.err = nil, false, nil
	return latest, ended, err
}

type matchHandler struct {
	cfg   *config.GameConfig
	clock clock.Clock
}

func newMatchHandler(cfg *config.GameConfig, clk clock.Clock) *matchHandler {
	return &matchHandler{cfg: cfg, clock: clk}
}

// drawTicks is the number of loop ticks a revealed card stays on display.
func (mh *matchHandler) drawTicks() int64 {
	ticks := int64((mh.cfg.DrawAnimation()*matchTickRate + time.Second - 1) / time.Second)
	return max(ticks, 1)
}

// MatchInit is called when the match is created. The game_id parameter is
// required; the room follows that game's document.
func (mh *matchHandler) MatchInit(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, params map[string]interface{}) (interface{}, int, string) {
	gameID, _ := params[MatchParamGameID].(string)
	if gameID == "" {
		logger.Error("MatchInit: missing %s parameter", MatchParamGameID)
		return nil, 0, ""
	}
	logger = logger.WithField("game_id", gameID)

	store := NewStorageAdapter(nk, StorageOptions{
		Clock:        mh.clock,
		PollInterval: mh.cfg.PollInterval(),
		Logger:       logger,
	})
	sessions, err := app.NewSessionStore(store, mh.cfg, logger, nil)
	if err != nil {
		logger.Error("MatchInit: failed to create session: %v", err)
		return nil, 0, ""
	}

	state := &MatchState{
		Presences:   make(map[string]runtime.Presence),
		Sessions:    sessions,
		Coordinator: app.NewCoordinator(sessions),
	}
	if err := mh.follow(ctx, state, gameID); err != nil {
		logger.Error("MatchInit: failed to subscribe: %v", err)
		return nil, 0, ""
	}

	label, err := mh.label(state)
	if err != nil {
		logger.Error("MatchInit: Failed to marshal label: %v", err)
		return nil, 0, ""
	}
	logger.Debug("MatchInit: room ready.")
	return state, matchTickRate, label
}

// follow points the room at gameID, replacing any earlier subscription.
func (mh *matchHandler) follow(ctx context.Context, state *MatchState, gameID string) error {
	relay := &snapshotRelay{}
	sub, game, err := state.Sessions.Subscribe(ctx, gameID, relay)
	if err != nil {
		return err
	}
	if state.Sub != nil {
		state.Sessions.Unsubscribe(state.Sub)
	}
	state.GameID = gameID
	state.Sub = sub
	state.Relay = relay
	state.FinishAtTick = 0
	state.EndAnnounced = game.GameOver
	// The ended callback for a finished first snapshot has nothing new to say.
	relay.drain()
	return nil
}

func (mh *matchHandler) MatchJoinAttempt(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, presence runtime.Presence, metadata map[string]string) (interface{}, bool, string) {
	if _, ok := state.(*MatchState); !ok {
		return state, false, "state not found"
	}
	return state, true, ""
}

func (mh *matchHandler) MatchJoin(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, presences []runtime.Presence) interface{} {
	matchState, ok := state.(*MatchState)
	if !ok {
		logger.Error("MatchJoin: state not found")
		return state
	}
	for _, p := range presences {
		matchState.Presences[p.GetUserId()] = p
	}
	mh.sendSnapshot(matchState, dispatcher, logger, matchState.Sessions.Game(), presences)
	return matchState
}

// MatchLeave ends the room once nobody is left in it.
func (mh *matchHandler) MatchLeave(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, presences []runtime.Presence) interface{} {
	matchState, ok := state.(*MatchState)
	if !ok {
		logger.Error("MatchLeave: state not found")
		return state
	}
	for _, p := range presences {
		delete(matchState.Presences, p.GetUserId())
	}
	if len(matchState.Presences) == 0 {
		logger.Info("MatchLeave: Terminating empty room for game %s.", matchState.GameID)
		matchState.Sessions.Unsubscribe(matchState.Sub)
		return nil
	}
	return matchState
}

func (mh *matchHandler) MatchLoop(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, messages []runtime.MatchData) interface{} {
	matchState, ok := state.(*MatchState)
	if !ok {
		return state
	}
	matchState.Tick = tick

	for _, msg := range messages {
		req, err := decodeRequest(msg.GetData())
		if err != nil {
			mh.sendError(matchState, dispatcher, logger, msg.GetUserId(), codeInvalidArgument, err.Error())
			continue
		}
		switch msg.GetOpCode() {
		case OpDrawCard:
			mh.handleDrawCard(ctx, matchState, dispatcher, logger, msg)
		case OpAddPlayer, OpEditPlayer, OpRemovePlayer:
			mh.handleRoster(ctx, matchState, dispatcher, logger, msg, req)
		case OpCreateSuccessor:
			mh.handleCreateSuccessor(ctx, matchState, dispatcher, logger, msg, req)
		default:
			logger.Warn("MatchLoop: Unknown opcode received: %d", msg.GetOpCode())
		}
	}

	if matchState.FinishAtTick != 0 && tick >= matchState.FinishAtTick {
		matchState.FinishAtTick = 0
		events, err := matchState.Sessions.FinishDraw(ctx)
		if err != nil {
			logger.Error("MatchLoop: failed to file card: %v", err)
		}
		mh.broadcastEvents(matchState, dispatcher, logger, events)
	}

	mh.relaySnapshots(matchState, dispatcher, logger)
	return matchState
}

func (mh *matchHandler) handleDrawCard(ctx context.Context, state *MatchState, dispatcher runtime.MatchDispatcher, logger runtime.Logger, msg runtime.MatchData) {
	events, err := state.Sessions.DrawCard(ctx)
	if len(events) > 0 {
		state.FinishAtTick = state.Tick + mh.drawTicks()
		mh.broadcastEvents(state, dispatcher, logger, events)
	}
	if err != nil {
		logger.Warn("handleDrawCard: User %s failed to draw: %v", msg.GetUserId(), err)
		mh.sendRuntimeError(state, dispatcher, logger, msg.GetUserId(), err)
	}
}

func (mh *matchHandler) handleRoster(ctx context.Context, state *MatchState, dispatcher runtime.MatchDispatcher, logger runtime.Logger, msg runtime.MatchData, req *structpb.Struct) {
	var (
		events []app.Event
		err    error
	)
	index, hasIndex := intField(req, "index")
	switch msg.GetOpCode() {
	case OpAddPlayer:
		events, err = state.Sessions.AddPlayer(ctx, stringField(req, "name"), stringField(req, "avatar"))
	case OpEditPlayer:
		if !hasIndex {
			mh.sendError(state, dispatcher, logger, msg.GetUserId(), codeInvalidArgument, "index is required")
			return
		}
		events, err = state.Sessions.EditPlayer(ctx, index, stringField(req, "name"), stringField(req, "avatar"))
	case OpRemovePlayer:
		if !hasIndex {
			mh.sendError(state, dispatcher, logger, msg.GetUserId(), codeInvalidArgument, "index is required")
			return
		}
		events, err = state.Sessions.RemovePlayer(ctx, index)
	}
	mh.broadcastEvents(state, dispatcher, logger, events)
	if err != nil {
		logger.Warn("handleRoster: User %s op %d failed: %v", msg.GetUserId(), msg.GetOpCode(), err)
		mh.sendRuntimeError(state, dispatcher, logger, msg.GetUserId(), err)
	}
}

// handleCreateSuccessor starts the next game and moves the room to it. When
// another client got there first, only the sender is told which game to join.
func (mh *matchHandler) handleCreateSuccessor(ctx context.Context, state *MatchState, dispatcher runtime.MatchDispatcher, logger runtime.Logger, msg runtime.MatchData, req *structpb.Struct) {
	pred := state.Sessions.Game()

	var (
		next *domain.Game
		err  error
	)
	if keep, ok := intListField(req, "keep"); ok {
		next, err = state.Coordinator.CreateSuccessorWithRoster(ctx, pred, keep)
	} else {
		next, err = state.Coordinator.CreateSuccessor(ctx, pred, boolField(req, "includePlayers"))
	}

	var linked *app.AlreadyLinkedError
	switch {
	case errors.As(err, &linked):
		offer := app.SuccessorOffer(pred.ID, linked.SuccessorID, msg.GetUserId())
		mh.broadcastEvents(state, dispatcher, logger, []app.Event{offer})
		return
	case err != nil:
		logger.Warn("handleCreateSuccessor: User %s failed: %v", msg.GetUserId(), err)
		mh.sendRuntimeError(state, dispatcher, logger, msg.GetUserId(), err)
		return
	}

	mh.broadcastEvents(state, dispatcher, logger, []app.Event{app.SuccessorEvent(pred.ID, next.ID)})
	if err := mh.follow(ctx, state, next.ID); err != nil {
		logger.Error("handleCreateSuccessor: failed to follow %s: %v", next.ID, err)
		return
	}
	mh.updateLabel(state, dispatcher, logger)
	mh.sendSnapshot(state, dispatcher, logger, state.Sessions.Game(), nil)
}

// relaySnapshots broadcasts what the subscription saw since the last tick.
func (mh *matchHandler) relaySnapshots(state *MatchState, dispatcher runtime.MatchDispatcher, logger runtime.Logger) {
	latest, ended, err := state.Relay.drain()
	if err != nil {
		logger.Warn("relaySnapshots: subscription for %s failed: %v", state.GameID, err)
		mh.broadcastError(state, dispatcher, logger, err)
	}
	if latest == nil {
		return
	}
	mh.sendSnapshot(state, dispatcher, logger, latest, nil)
	if ended && !state.EndAnnounced {
		ev := app.Event{
			Kind:    app.EventGameEnded,
			GameID:  latest.ID,
			Payload: app.GameEndedPayload{PlayedCards: len(latest.PlayedCards)},
		}
		mh.broadcastEvents(state, dispatcher, logger, []app.Event{ev})
	}
}

// broadcastEvents converts app events to room messages. Events with
// recipients go only to those that are present.
func (mh *matchHandler) broadcastEvents(state *MatchState, dispatcher runtime.MatchDispatcher, logger runtime.Logger, events []app.Event) {
	relabel := false
	for _, ev := range events {
		opCode, payload, err := eventToStruct(ev)
		if err != nil {
			logger.Warn("Unknown event kind: %v", ev.Kind)
			continue
		}
		if ev.Kind == app.EventGameEnded {
			if state.EndAnnounced {
				continue
			}
			state.EndAnnounced = true
			relabel = true
		}
		if ev.Kind == app.EventRosterChanged {
			relabel = true
		}

		var recipients []runtime.Presence
		if len(ev.Recipients) > 0 {
			for _, uid := range ev.Recipients {
				if p, ok := state.Presences[uid]; ok {
					recipients = append(recipients, p)
				}
			}
			if len(recipients) == 0 {
				continue
			}
		}
		mh.broadcast(dispatcher, logger, opCode, payload, recipients)
	}
	if relabel {
		mh.updateLabel(state, dispatcher, logger)
	}
}

func (mh *matchHandler) sendSnapshot(state *MatchState, dispatcher runtime.MatchDispatcher, logger runtime.Logger, game *domain.Game, recipients []runtime.Presence) {
	payload, err := gameToStruct(game, mh.cfg.CardActions)
	if err != nil {
		logger.Error("Failed to convert snapshot of %s: %v", state.GameID, err)
		return
	}
	mh.broadcast(dispatcher, logger, OpGameSnapshot, payload, recipients)
}

func (mh *matchHandler) broadcast(dispatcher runtime.MatchDispatcher, logger runtime.Logger, opCode int64, payload *structpb.Struct, recipients []runtime.Presence) {
	data, err := proto.Marshal(payload)
	if err != nil {
		logger.Error("Failed to marshal op %d: %v", opCode, err)
		return
	}
	if err := dispatcher.BroadcastMessage(opCode, data, recipients, nil, true); err != nil {
		logger.Error("Failed to broadcast op %d: %v", opCode, err)
	}
}

// sendRuntimeError reports err privately with the code the RPCs would use.
func (mh *matchHandler) sendRuntimeError(state *MatchState, dispatcher runtime.MatchDispatcher, logger runtime.Logger, userID string, err error) {
	var rtErr *runtime.Error
	if errors.As(toRuntimeError(err), &rtErr) {
		mh.sendError(state, dispatcher, logger, userID, int(rtErr.Code), rtErr.Message)
	}
}

func (mh *matchHandler) broadcastError(state *MatchState, dispatcher runtime.MatchDispatcher, logger runtime.Logger, err error) {
	var rtErr *runtime.Error
	if !errors.As(toRuntimeError(err), &rtErr) {
		return
	}
	payload, _ := structpb.NewStruct(map[string]interface{}{"code": int(rtErr.Code), "message": rtErr.Message})
	mh.broadcast(dispatcher, logger, OpGameError, payload, nil)
}

// sendError sends a game error to a specific user.
func (mh *matchHandler) sendError(state *MatchState, dispatcher runtime.MatchDispatcher, logger runtime.Logger, userID string, code int, message string) {
	presence, ok := state.Presences[userID]
	if !ok {
		logger.Warn("Cannot send error to %s: Presence not found", userID)
		return
	}
	payload, err := structpb.NewStruct(map[string]interface{}{"code": code, "message": message})
	if err != nil {
		logger.Error("Failed to build game error: %v", err)
		return
	}
	mh.broadcast(dispatcher, logger, OpGameError, payload, []runtime.Presence{presence})
}

func (mh *matchHandler) label(state *MatchState) (string, error) {
	game := state.Sessions.Game()
	label, err := structpb.NewStruct(map[string]interface{}{
		"game":      "ringoffire",
		"game_id":   state.GameID,
		"players":   len(game.Players),
		"game_over": game.GameOver,
	})
	if err != nil {
		return "", err
	}
	b, err := (&protojson.MarshalOptions{EmitUnpopulated: true}).Marshal(label)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (mh *matchHandler) updateLabel(state *MatchState, dispatcher runtime.MatchDispatcher, logger runtime.Logger) {
	label, err := mh.label(state)
	if err != nil {
		logger.Error("UpdateLabel: Failed to marshal: %v", err)
		return
	}
	if err := dispatcher.MatchLabelUpdate(label); err != nil {
		logger.Error("UpdateLabel: Failed to update: %v", err)
	}
}

func (mh *matchHandler) MatchTerminate(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, graceSeconds int) interface{} {
	if matchState, ok := state.(*MatchState); ok {
		matchState.Sessions.Unsubscribe(matchState.Sub)
	}
	logger.Debug("MatchTerminate: Match terminated with %d grace seconds", graceSeconds)
	return state
}

func (mh *matchHandler) MatchSignal(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, dispatcher runtime.MatchDispatcher, tick int64, state interface{}, data string) (interface{}, string) {
	return state, ""
}
