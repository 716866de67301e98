package domain

import (
	"encoding/json"
	"fmt"
)

// Encode serializes the full game document.
func (g *Game) Encode() ([]byte, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal game %q: %w", g.ID, err)
	}
	return data, nil
}

// DecodeGame parses a game document. Missing sequences decode as empty
// slices, and a roster whose names and avatars are not index-aligned is
// rejected.
func DecodeGame(data []byte) (*Game, error) {
	var g Game
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("failed to unmarshal game: %w", err)
	}
	if g.Players == nil {
		g.Players = []string{}
	}
	if g.PlayerImages == nil {
		g.PlayerImages = []string{}
	}
	if g.Stack == nil {
		g.Stack = []string{}
	}
	if g.PlayedCards == nil {
		g.PlayedCards = []string{}
	}
	if g.CardsRightToBottomStack == nil {
		g.CardsRightToBottomStack = []int{}
	}
	if len(g.Players) != len(g.PlayerImages) {
		return nil, fmt.Errorf("game %q: %d players but %d player images", g.ID, len(g.Players), len(g.PlayerImages))
	}
	return &g, nil
}
