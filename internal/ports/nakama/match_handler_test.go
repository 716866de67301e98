package nakama

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"ringoffire/internal/clock"
	"ringoffire/internal/domain"
)

// noopLogger implements runtime.Logger for tests that only need to satisfy the interface.
type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Warn(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
func (noopLogger) WithField(string, interface{}) runtime.Logger {
	return noopLogger{}
}
func (noopLogger) WithFields(map[string]interface{}) runtime.Logger {
	return noopLogger{}
}
func (noopLogger) Fields() map[string]interface{} {
	return nil
}

type sentMessage struct {
	opCode     int64
	data       []byte
	recipients []runtime.Presence
}

// mockDispatcher records match dispatcher calls for assertions.
type mockDispatcher struct {
	sent         []sentMessage
	labelUpdates int
	lastLabel    string
}

func (md *mockDispatcher) BroadcastMessage(opCode int64, data []byte, presences []runtime.Presence, sender runtime.Presence, reliable bool) error {
	md.sent = append(md.sent, sentMessage{opCode: opCode, data: append([]byte(nil), data...), recipients: presences})
	return nil
}

func (md *mockDispatcher) BroadcastMessageDeferred(opCode int64, data []byte, presences []runtime.Presence, sender runtime.Presence, reliable bool) error {
	return nil
}

func (md *mockDispatcher) MatchKick(presences []runtime.Presence) error {
	return nil
}

func (md *mockDispatcher) MatchLabelUpdate(label string) error {
	md.labelUpdates++
	md.lastLabel = label
	return nil
}

// take returns and forgets the messages sent with opCode.
func (md *mockDispatcher) take(opCode int64) []sentMessage {
	var out, rest []sentMessage
	for _, m := range md.sent {
		if m.opCode == opCode {
			out = append(out, m)
		} else {
			rest = append(rest, m)
		}
	}
	md.sent = rest
	return out
}

func (md *mockDispatcher) reset() { md.sent = nil }

type testPresence struct {
	runtime.Presence
	userID string
}

func (p testPresence) GetUserId() string { return p.userID }

type testMessage struct {
	runtime.MatchData
	userID string
	opCode int64
	data   []byte
}

func (m testMessage) GetUserId() string { return m.userID }
func (m testMessage) GetOpCode() int64  { return m.opCode }
func (m testMessage) GetData() []byte   { return m.data }

func message(t *testing.T, userID string, opCode int64, fields map[string]interface{}) runtime.MatchData {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	data, err := proto.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return testMessage{userID: userID, opCode: opCode, data: data}
}

func payload(t *testing.T, m sentMessage) *structpb.Struct {
	t.Helper()
	s := &structpb.Struct{}
	if err := proto.Unmarshal(m.data, s); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return s
}

type roomHarness struct {
	t     *testing.T
	rpc   *rpcHarness
	clk   *clock.FakeClock
	mh    *matchHandler
	state *MatchState
	disp  *mockDispatcher
	tick  int64
}

func newRoomHarness(t *testing.T, rpc *rpcHarness, gameID string) *roomHarness {
	t.Helper()
	clk := rpc.svc.clock.(*clock.FakeClock)
	mh := newMatchHandler(rpc.svc.cfg, clk)
	state, rate, label := mh.MatchInit(context.Background(), noopLogger{}, nil, rpc.nk, map[string]interface{}{MatchParamGameID: gameID})
	if state == nil {
		t.Fatalf("MatchInit returned nil state")
	}
	if rate != matchTickRate || !strings.Contains(label, gameID) {
		t.Fatalf("MatchInit rate=%d label=%s", rate, label)
	}
	return &roomHarness{t: t, rpc: rpc, clk: clk, mh: mh, state: state.(*MatchState), disp: &mockDispatcher{}}
}

func (h *roomHarness) join(userIDs ...string) {
	presences := make([]runtime.Presence, len(userIDs))
	for i, id := range userIDs {
		presences[i] = testPresence{userID: id}
	}
	h.mh.MatchJoin(context.Background(), noopLogger{}, nil, h.rpc.nk, h.disp, h.tick, h.state, presences)
}

func (h *roomHarness) loop(messages ...runtime.MatchData) {
	h.tick++
	out := h.mh.MatchLoop(context.Background(), noopLogger{}, nil, h.rpc.nk, h.disp, h.tick, h.state, messages)
	if out == nil {
		h.t.Fatalf("MatchLoop ended the match")
	}
}

func (h *roomHarness) drawAndFile(userID string) {
	h.loop(message(h.t, userID, OpDrawCard, nil))
	for i := int64(0); i < h.mh.drawTicks(); i++ {
		h.loop()
	}
}

func roomConfig(t *testing.T, ranks int) *rpcHarness {
	cfg := smallConfig(t, 1, ranks)
	cfg.DrawAnimationMs = 200
	return newRPCHarness(t, cfg)
}

func TestMatchInitRequiresGameID(t *testing.T) {
	h := roomConfig(t, 2)
	mh := newMatchHandler(h.svc.cfg, h.svc.clock)
	if state, _, _ := mh.MatchInit(context.Background(), noopLogger{}, nil, h.nk, map[string]interface{}{}); state != nil {
		t.Fatalf("MatchInit without game_id should fail")
	}
	if state, _, _ := mh.MatchInit(context.Background(), noopLogger{}, nil, h.nk, map[string]interface{}{MatchParamGameID: "nope"}); state != nil {
		t.Fatalf("MatchInit for unknown game should fail")
	}
}

func TestDrawTicks(t *testing.T) {
	h := roomConfig(t, 2)
	tests := []struct {
		ms   int
		want int64
	}{
		{0, 1},
		{50, 1},
		{200, 2},
		{1000, 10},
		{1050, 11},
	}
	for _, tt := range tests {
		cfg := *h.svc.cfg
		cfg.DrawAnimationMs = tt.ms
		if got := newMatchHandler(&cfg, h.svc.clock).drawTicks(); got != tt.want {
			t.Errorf("drawTicks(%dms) = %d, want %d", tt.ms, got, tt.want)
		}
	}
}

func TestMatchJoinSendsSnapshot(t *testing.T) {
	rpc := roomConfig(t, 2)
	id := rpc.create("Ann")
	room := newRoomHarness(t, rpc, id)

	room.join("u1")
	snaps := room.disp.take(OpGameSnapshot)
	if len(snaps) != 1 || len(snaps[0].recipients) != 1 {
		t.Fatalf("join snapshots = %+v", snaps)
	}
	if got := stringField(payload(t, snaps[0]), "id"); got != id {
		t.Fatalf("snapshot id = %q, want %q", got, id)
	}
}

func TestMatchDrawFilesAfterAnimation(t *testing.T) {
	rpc := roomConfig(t, 2)
	id := rpc.create("Ann", "Ben")
	room := newRoomHarness(t, rpc, id)
	room.join("u1")
	room.disp.reset()

	room.loop(message(t, "u1", OpDrawCard, nil))
	drawn := room.disp.take(OpCardDrawn)
	if len(drawn) != 1 {
		t.Fatalf("card_drawn broadcasts = %d, want 1", len(drawn))
	}
	if n, _ := intField(payload(t, drawn[0]), "remaining"); n != 1 {
		t.Fatalf("remaining = %d, want 1", n)
	}

	room.loop(message(t, "u1", OpDrawCard, nil))
	if len(room.disp.take(OpCardDrawn)) != 0 {
		t.Fatalf("second draw during animation broadcast")
	}
	if len(room.disp.take(OpCardFiled)) != 0 {
		t.Fatalf("card filed before the animation ended")
	}

	room.loop()
	if len(room.disp.take(OpCardFiled)) != 1 {
		t.Fatalf("card not filed after %d ticks", room.mh.drawTicks())
	}
	stored := room.rpc.game(rpc.svc.getGame, gameRequest{GameID: id}).Game
	if len(stored.PlayedCards) != 1 || stored.PickCardAnimation {
		t.Fatalf("stored game = %+v", stored)
	}
}

func TestMatchGameEndsOnce(t *testing.T) {
	rpc := roomConfig(t, 2)
	id := rpc.create("Ann")
	room := newRoomHarness(t, rpc, id)
	room.join("u1")

	room.drawAndFile("u1")
	room.drawAndFile("u1")
	room.clk.Advance(rpc.svc.cfg.PollInterval())
	for i := 0; i < 5; i++ {
		room.loop()
	}
	if got := len(room.disp.take(OpGameEnded)); got != 1 {
		t.Fatalf("game_ended broadcasts = %d, want 1", got)
	}
	var label map[string]interface{}
	if err := json.Unmarshal([]byte(room.disp.lastLabel), &label); err != nil || label["game_over"] != true {
		t.Fatalf("label = %s (%v)", room.disp.lastLabel, err)
	}

	room.loop(message(t, "u1", OpDrawCard, nil))
	errs := room.disp.take(OpGameError)
	if len(errs) != 1 {
		t.Fatalf("draw after game over errors = %d, want 1", len(errs))
	}
	if code, _ := intField(payload(t, errs[0]), "code"); code != codeFailedPrecondition {
		t.Fatalf("error code = %d", code)
	}
}

func TestMatchFollowsEndedGameQuietly(t *testing.T) {
	rpc := roomConfig(t, 1)
	id := rpc.create("Ann")
	rpc.playToEnd(id)

	room := newRoomHarness(t, rpc, id)
	if !room.state.EndAnnounced {
		t.Fatalf("ended game not marked announced on follow")
	}
	room.join("u1")
	for i := 0; i < 5; i++ {
		room.loop()
	}
	if got := len(room.disp.take(OpGameEnded)); got != 0 {
		t.Fatalf("game_ended broadcasts = %d, want 0", got)
	}
	if got := len(room.disp.take(OpGameSnapshot)); got != 1 {
		t.Fatalf("snapshots = %d, want only the join snapshot", got)
	}
}

func TestMatchRosterOps(t *testing.T) {
	rpc := roomConfig(t, 2)
	id := rpc.create("Ann")
	room := newRoomHarness(t, rpc, id)
	room.join("u1", "u2")
	room.disp.reset()
	labels := room.disp.labelUpdates

	room.loop(message(t, "u1", OpAddPlayer, map[string]interface{}{"name": "Ben", "avatar": "b.png"}))
	changed := room.disp.take(OpRosterChanged)
	if len(changed) != 1 || room.disp.labelUpdates != labels+1 {
		t.Fatalf("roster_changed = %d, label updates = %d", len(changed), room.disp.labelUpdates-labels)
	}

	room.loop(message(t, "u2", OpEditPlayer, map[string]interface{}{"name": "Bea"}))
	errs := room.disp.take(OpGameError)
	if len(errs) != 1 || errs[0].recipients[0].GetUserId() != "u2" {
		t.Fatalf("missing index should error privately, got %+v", errs)
	}

	room.loop(message(t, "u2", OpRemovePlayer, map[string]interface{}{"index": 0}))
	if len(room.disp.take(OpRosterChanged)) != 1 {
		t.Fatalf("remove_player not broadcast")
	}
	stored := rpc.game(rpc.svc.getGame, gameRequest{GameID: id}).Game
	if len(stored.Players) != 1 || stored.Players[0] != "Ben" {
		t.Fatalf("stored roster = %v", stored.Players)
	}
}

func TestMatchRelaysExternalWrites(t *testing.T) {
	rpc := roomConfig(t, 2)
	id := rpc.create("Ann")
	room := newRoomHarness(t, rpc, id)
	room.join("u1")
	room.disp.reset()

	rpc.game(rpc.svc.addPlayer, gameRequest{GameID: id, Name: "Ben"})
	room.clk.Advance(rpc.svc.cfg.PollInterval())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		room.loop()
		for _, m := range room.disp.take(OpGameSnapshot) {
			if list := payload(t, m).GetFields()["players"].GetListValue(); len(list.GetValues()) == 2 {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("external roster change never relayed")
}

func TestMatchCreateSuccessorMovesRoom(t *testing.T) {
	rpc := roomConfig(t, 1)
	pred := rpc.create("Ann", "Ben")
	room := newRoomHarness(t, rpc, pred)
	other := newRoomHarness(t, rpc, pred)
	room.join("u1")
	other.join("u9", "u8")

	room.drawAndFile("u1")
	room.disp.reset()

	// The second room must have seen the game end before it can try to
	// continue it.
	deadline := time.Now().Add(2 * time.Second)
	for !other.state.Sessions.Game().GameOver {
		if time.Now().After(deadline) {
			t.Fatalf("second room never saw the game end")
		}
		room.clk.Advance(rpc.svc.cfg.PollInterval())
		time.Sleep(5 * time.Millisecond)
	}

	room.loop(message(t, "u1", OpCreateSuccessor, map[string]interface{}{"includePlayers": true}))
	linked := room.disp.take(OpSuccessorLinked)
	if len(linked) != 1 {
		t.Fatalf("successor_linked broadcasts = %d, want 1", len(linked))
	}
	next := stringField(payload(t, linked[0]), "successorId")
	if next == "" || room.state.GameID != next {
		t.Fatalf("room follows %q, successor %q", room.state.GameID, next)
	}
	snaps := room.disp.take(OpGameSnapshot)
	if len(snaps) == 0 || stringField(payload(t, snaps[len(snaps)-1]), "id") != next {
		t.Fatalf("no snapshot of the successor")
	}
	if !strings.Contains(room.disp.lastLabel, next) {
		t.Fatalf("label not updated: %s", room.disp.lastLabel)
	}

	other.disp.reset()
	other.loop(message(t, "u9", OpCreateSuccessor, nil))
	offers := other.disp.take(OpSuccessorOffer)
	if len(offers) != 1 || stringField(payload(t, offers[0]), "successorId") != next {
		t.Fatalf("second room offers = %+v", offers)
	}
	if r := offers[0].recipients; len(r) != 1 || r[0].GetUserId() != "u9" {
		t.Fatalf("offer recipients = %+v, want only u9", r)
	}
	if other.state.GameID != pred {
		t.Fatalf("second room moved to %q", other.state.GameID)
	}
	if rpc.nk.len() != 2 {
		t.Fatalf("objects = %d, want 2", rpc.nk.len())
	}
}

func TestMatchLeaveEndsEmptyRoom(t *testing.T) {
	rpc := roomConfig(t, 2)
	id := rpc.create("Ann")
	room := newRoomHarness(t, rpc, id)
	room.join("u1", "u2")

	leave := func(id string) interface{} {
		return room.mh.MatchLeave(context.Background(), noopLogger{}, nil, rpc.nk, room.disp, room.tick, room.state, []runtime.Presence{testPresence{userID: id}})
	}
	if leave("u1") == nil {
		t.Fatalf("room ended with a player left")
	}
	if leave("u2") != nil {
		t.Fatalf("empty room kept running")
	}
}

func TestGameToStructCarriesAction(t *testing.T) {
	g := &domain.Game{ID: "g1", Players: []string{"Ann"}, PlayerImages: []string{""}, PlayedCards: []string{"hearts_1"}}
	s, err := gameToStruct(g, domain.DefaultCardActions())
	if err != nil {
		t.Fatalf("gameToStruct error: %v", err)
	}
	if stringField(s, "topCard") != "hearts_1" {
		t.Fatalf("topCard = %q", stringField(s, "topCard"))
	}
	action := s.GetFields()["action"].GetStructValue()
	if stringField(action, "title") != domain.DefaultCardActions()[0].Title {
		t.Fatalf("action = %v", action)
	}
}
