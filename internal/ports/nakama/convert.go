package nakama

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"ringoffire/internal/app"
	"ringoffire/internal/domain"
)

func stringsToList(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func intsToList(values []int) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// gameToStruct mirrors the stored document shape, plus the card on display
// and its action.
func gameToStruct(g *domain.Game, actions domain.CardActions) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"id":                      g.ID,
		"players":                 stringsToList(g.Players),
		"playerImages":            stringsToList(g.PlayerImages),
		"stack":                   len(g.Stack),
		"playedCards":             stringsToList(g.PlayedCards),
		"cardsRightToBottomStack": intsToList(g.CardsRightToBottomStack),
		"currentPlayer":           g.CurrentPlayer,
		"pickCardAnimation":       g.PickCardAnimation,
		"currentCard":             g.CurrentCard,
		"gameOver":                g.GameOver,
		"newGameId":               g.NewGameID,
	}
	if top := g.TopCard(); top != "" {
		fields["topCard"] = top
		if action, err := actions.For(top); err == nil {
			fields["action"] = map[string]interface{}{
				"title":       action.Title,
				"description": action.Description,
			}
		}
	}
	return structpb.NewStruct(fields)
}

// eventToStruct maps a session event to its op code and wire payload.
func eventToStruct(ev app.Event) (int64, *structpb.Struct, error) {
	fields := map[string]interface{}{"gameId": ev.GameID}
	var opCode int64

	switch p := ev.Payload.(type) {
	case app.CardDrawnPayload:
		opCode = OpCardDrawn
		fields["card"] = p.Card
		fields["currentPlayer"] = p.CurrentPlayer
		fields["remaining"] = p.Remaining
	case app.CardFiledPayload:
		opCode = OpCardFiled
		fields["card"] = p.Card
		fields["played"] = p.Played
	case app.GameEndedPayload:
		opCode = OpGameEnded
		fields["playedCards"] = p.PlayedCards
	case app.RosterChangedPayload:
		opCode = OpRosterChanged
		fields["players"] = stringsToList(p.Players)
		fields["playerImages"] = stringsToList(p.PlayerImages)
		fields["currentPlayer"] = p.CurrentPlayer
	case app.SuccessorLinkedPayload:
		opCode = OpSuccessorLinked
		fields["successorId"] = p.SuccessorID
	case app.SuccessorOfferPayload:
		opCode = OpSuccessorOffer
		fields["successorId"] = p.SuccessorID
	default:
		return 0, nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	s, err := structpb.NewStruct(fields)
	if err != nil {
		return 0, nil, err
	}
	return opCode, s, nil
}

// decodeRequest parses a binary google.protobuf.Struct client message. An
// empty message is an empty struct.
func decodeRequest(data []byte) (*structpb.Struct, error) {
	req := &structpb.Struct{}
	if len(data) == 0 {
		return req, nil
	}
	if err := proto.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	return req, nil
}

func stringField(s *structpb.Struct, name string) string {
	return s.GetFields()[name].GetStringValue()
}

func boolField(s *structpb.Struct, name string) bool {
	return s.GetFields()[name].GetBoolValue()
}

// intField reads a whole number. ok is false when the field is missing or
// not a whole number.
func intField(s *structpb.Struct, name string) (int, bool) {
	v, found := s.GetFields()[name]
	if !found {
		return 0, false
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum || n.NumberValue != float64(int(n.NumberValue)) {
		return 0, false
	}
	return int(n.NumberValue), true
}

func intListField(s *structpb.Struct, name string) ([]int, bool) {
	list := s.GetFields()[name].GetListValue()
	if list == nil {
		return nil, false
	}
	out := make([]int, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		n, isNum := v.GetKind().(*structpb.Value_NumberValue)
		if !isNum || n.NumberValue != float64(int(n.NumberValue)) {
			return nil, false
		}
		out = append(out, int(n.NumberValue))
	}
	return out, true
}
