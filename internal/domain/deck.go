package domain

import (
	"fmt"
	"math/rand"
	"strconv"
	"strings"
)

// Suits lists the suit tokens in enumeration order.
var Suits = []string{"spade", "hearts", "clubs", "diamonds"}

// BuildFullStack returns the ordered card tokens for suitCount suits of
// ranksPerSuit ranks each. Ranks are the outer loop: all suits of rank 1
// come first, then rank 2, and so on.
func BuildFullStack(suitCount, ranksPerSuit int) ([]string, error) {
	if suitCount < 1 || suitCount > len(Suits) {
		return nil, fmt.Errorf("%w: suit count %d not in 1..%d", ErrInvalidDeck, suitCount, len(Suits))
	}
	if ranksPerSuit < 1 {
		return nil, fmt.Errorf("%w: ranks per suit %d", ErrInvalidDeck, ranksPerSuit)
	}

	stack := make([]string, 0, suitCount*ranksPerSuit)
	for rank := 1; rank <= ranksPerSuit; rank++ {
		for _, suit := range Suits[:suitCount] {
			stack = append(stack, CardToken(suit, rank))
		}
	}
	return stack, nil
}

// Shuffle permutes cards in place and returns it. A nil rng uses the
// package-level source.
func Shuffle(rng *rand.Rand, cards []string) []string {
	swap := func(i, j int) { cards[i], cards[j] = cards[j], cards[i] }
	if rng == nil {
		rand.Shuffle(len(cards), swap)
		return cards
	}
	rng.Shuffle(len(cards), swap)
	return cards
}

// CardToken formats a card identifier such as "spade_7".
func CardToken(suit string, rank int) string {
	return suit + "_" + strconv.Itoa(rank)
}

// ParseCard splits a card token into suit and rank.
func ParseCard(token string) (string, int, error) {
	suit, rankText, ok := strings.Cut(token, "_")
	if !ok || suit == "" {
		return "", 0, fmt.Errorf("malformed card token %q", token)
	}
	rank, err := strconv.Atoi(rankText)
	if err != nil || rank < 1 {
		return "", 0, fmt.Errorf("malformed card rank in %q", token)
	}
	return suit, rank, nil
}
