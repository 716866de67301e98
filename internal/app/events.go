package app

// EventKind identifies emitted session events for transport dispatch.
type EventKind string

const (
	EventCardDrawn       EventKind = "card_drawn"
	EventCardFiled       EventKind = "card_filed"
	EventGameEnded       EventKind = "game_ended"
	EventRosterChanged   EventKind = "roster_changed"
	EventSuccessorLinked EventKind = "successor_linked"
	EventSuccessorOffer  EventKind = "successor_offer"
)

// Event is a session event with optional targeted recipients.
type Event struct {
	Kind       EventKind
	GameID     string
	Payload    any
	Recipients []string // user IDs; empty means broadcast
}

type CardDrawnPayload struct {
	Card          string `json:"card"`
	CurrentPlayer int    `json:"currentPlayer"`
	Remaining     int    `json:"remaining"`
}

type CardFiledPayload struct {
	Card   string `json:"card"`
	Played int    `json:"played"`
}

type GameEndedPayload struct {
	PlayedCards int `json:"playedCards"`
}

type RosterChangedPayload struct {
	Players       []string `json:"players"`
	PlayerImages  []string `json:"playerImages"`
	CurrentPlayer int      `json:"currentPlayer"`
}

type SuccessorLinkedPayload struct {
	SuccessorID string `json:"successorId"`
}

// SuccessorOfferPayload points a client whose successor creation lost the
// race at the game another client linked.
type SuccessorOfferPayload struct {
	SuccessorID string `json:"successorId"`
}
