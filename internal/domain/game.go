package domain

import (
	"fmt"
	"math/rand"
	"strings"
)

// NewGame builds an unpersisted game with a freshly shuffled stack and an
// empty roster.
func NewGame(rng *rand.Rand, deck DeckConfig) (*Game, error) {
	stack, err := BuildFullStack(deck.SuitCount, deck.RanksPerSuit)
	if err != nil {
		return nil, err
	}
	indicator := make([]int, max(deck.IndicatorSlots, 0))
	for i := range indicator {
		indicator[i] = i
	}
	return &Game{
		Players:                 []string{},
		PlayerImages:            []string{},
		Stack:                   Shuffle(rng, stack),
		PlayedCards:             []string{},
		CardsRightToBottomStack: indicator,
	}, nil
}

// BeginDraw reveals the top card of the stack. It reports false without
// changing anything while a previous draw is still animating.
func (g *Game) BeginDraw() (bool, error) {
	if g.GameOver {
		return false, ErrGameOver
	}
	if g.PickCardAnimation {
		return false, nil
	}
	if len(g.Stack) == 0 {
		return false, ErrStackEmpty
	}

	last := len(g.Stack) - 1
	g.CurrentCard = g.Stack[last]
	g.Stack = g.Stack[:last]

	if len(g.Stack) <= 3 && len(g.CardsRightToBottomStack) > 0 {
		g.CardsRightToBottomStack = g.CardsRightToBottomStack[:len(g.CardsRightToBottomStack)-1]
	}

	g.PickCardAnimation = true

	if len(g.Players) > 0 {
		g.CurrentPlayer = (g.CurrentPlayer + 1) % len(g.Players)
	}
	return true, nil
}

// FinishDraw files the revealed card into the played pile and ends the game
// when the stack is exhausted. filed is false when no draw was pending.
func (g *Game) FinishDraw() (filed bool, ended bool) {
	if !g.PickCardAnimation {
		return false, false
	}
	g.PlayedCards = append(g.PlayedCards, g.CurrentCard)
	g.CurrentCard = ""
	g.PickCardAnimation = false
	if len(g.Stack) == 0 {
		g.GameOver = true
	}
	return true, g.GameOver
}

// TopCard returns the card on display: the pending card during a draw,
// otherwise the last played card.
func (g *Game) TopCard() string {
	if g.CurrentCard != "" {
		return g.CurrentCard
	}
	if n := len(g.PlayedCards); n > 0 {
		return g.PlayedCards[n-1]
	}
	return ""
}

// AddPlayer appends a player and avatar to the roster.
func (g *Game) AddPlayer(name, avatar string) error {
	if g.GameOver {
		return ErrGameOver
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	g.Players = append(g.Players, name)
	g.PlayerImages = append(g.PlayerImages, avatar)
	return nil
}

// EditPlayer replaces the name and avatar at index.
func (g *Game) EditPlayer(index int, name, avatar string) error {
	if g.GameOver {
		return ErrGameOver
	}
	if err := g.checkIndex(index); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}
	g.Players[index] = name
	g.PlayerImages[index] = avatar
	return nil
}

// RemovePlayer deletes the roster entry at index. The current player keeps
// its turn when someone before it leaves; a turn pointing past the end of
// the roster wraps to the first player.
func (g *Game) RemovePlayer(index int) error {
	if g.GameOver {
		return ErrGameOver
	}
	if err := g.checkIndex(index); err != nil {
		return err
	}
	g.Players = append(g.Players[:index], g.Players[index+1:]...)
	g.PlayerImages = append(g.PlayerImages[:index], g.PlayerImages[index+1:]...)

	if index < g.CurrentPlayer {
		g.CurrentPlayer--
	}
	if g.CurrentPlayer >= len(g.Players) {
		g.CurrentPlayer = 0
	}
	return nil
}

// SelectPlayers returns copies of the roster entries at the given indices,
// in roster order.
func (g *Game) SelectPlayers(keep []int) ([]string, []string, error) {
	selected := make(map[int]bool, len(keep))
	for _, index := range keep {
		if err := g.checkIndex(index); err != nil {
			return nil, nil, err
		}
		selected[index] = true
	}
	players := make([]string, 0, len(selected))
	images := make([]string, 0, len(selected))
	for i := range g.Players {
		if selected[i] {
			players = append(players, g.Players[i])
			images = append(images, g.PlayerImages[i])
		}
	}
	return players, images, nil
}

// LinkSuccessor records the id of the game that continues this one.
func (g *Game) LinkSuccessor(id string) error {
	if id == "" {
		return fmt.Errorf("successor id is empty")
	}
	if g.NewGameID != "" {
		return ErrSuccessorLinked
	}
	g.NewGameID = id
	return nil
}

// Clone returns a deep copy.
func (g *Game) Clone() *Game {
	out := *g
	out.Players = append([]string{}, g.Players...)
	out.PlayerImages = append([]string{}, g.PlayerImages...)
	out.Stack = append([]string{}, g.Stack...)
	out.PlayedCards = append([]string{}, g.PlayedCards...)
	out.CardsRightToBottomStack = append([]int{}, g.CardsRightToBottomStack...)
	return &out
}

func (g *Game) checkIndex(index int) error {
	if index < 0 || index >= len(g.Players) {
		return fmt.Errorf("%w: %d (roster size %d)", ErrIndexOutOfRange, index, len(g.Players))
	}
	return nil
}
