package domain

import "errors"

// CollectionGames is the document collection holding one document per game session.
const CollectionGames = "games"

var (
	ErrIndexOutOfRange = errors.New("player index out of range")
	ErrGameOver        = errors.New("game is over")
	ErrStackEmpty      = errors.New("stack is empty")
	ErrEmptyName       = errors.New("player name is empty")
	ErrSuccessorLinked = errors.New("game already linked to a successor")
	ErrInvalidDeck     = errors.New("invalid deck configuration")
)

// Game is the aggregate root of a Ring of Fire session. The JSON shape is the
// persisted document shape; every write stores the whole struct.
type Game struct {
	ID           string   `json:"id"`           // assigned by the document store, "" before persistence
	Players      []string `json:"players"`      // turn order
	PlayerImages []string `json:"playerImages"` // index-aligned with Players
	Stack        []string `json:"stack"`        // undrawn cards, drawn from the end
	PlayedCards  []string `json:"playedCards"`  // append-only

	// CardsRightToBottomStack drives the remaining-stack thickness indicator.
	// One slot is dropped per draw once three or fewer cards remain.
	CardsRightToBottomStack []int `json:"cardsRightToBottomStack"`

	CurrentPlayer     int    `json:"currentPlayer"`
	PickCardAnimation bool   `json:"pickCardAnimation"` // true between BeginDraw and FinishDraw
	CurrentCard       string `json:"currentCard"`       // card revealed but not yet filed
	GameOver          bool   `json:"gameOver"`
	NewGameID         string `json:"newGameId"` // successor game, immutable once set
}

// DeckConfig sizes the card stack of a new game.
type DeckConfig struct {
	SuitCount      int
	RanksPerSuit   int
	IndicatorSlots int
}

// DefaultDeck is the full 52-card configuration with a four-slot stack indicator.
func DefaultDeck() DeckConfig {
	return DeckConfig{SuitCount: len(Suits), RanksPerSuit: 13, IndicatorSlots: 4}
}

// Size returns the number of cards a game built from this configuration holds.
func (c DeckConfig) Size() int {
	return c.SuitCount * c.RanksPerSuit
}
