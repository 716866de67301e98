package domain

import "fmt"

// CardAction is the rule a drawn card triggers, keyed by rank.
type CardAction struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
}

// CardActions holds one action per rank, index 0 being rank 1.
type CardActions []CardAction

// DefaultCardActions is the classic Ring of Fire rule set.
func DefaultCardActions() CardActions {
	return CardActions{
		{Title: "Waterfall", Description: "Everyone starts drinking. Nobody may stop before the person to their right stops."},
		{Title: "You", Description: "Pick someone to take a drink."},
		{Title: "Me", Description: "You take a drink."},
		{Title: "Floor", Description: "Last person to touch the floor drinks."},
		{Title: "Thumb master", Description: "Put your thumb on the table whenever you like. The last one to follow drinks."},
		{Title: "Chicks", Description: "All women drink."},
		{Title: "Heaven", Description: "Point to the sky. The last one to follow drinks."},
		{Title: "Mate", Description: "Pick a mate. Whenever you drink, they drink too."},
		{Title: "Rhyme", Description: "Say a word. Going around, each player rhymes with it until someone fails and drinks."},
		{Title: "Men", Description: "All men drink."},
		{Title: "Quizmaster", Description: "Anyone who answers a question you ask drinks, until the next quizmaster is drawn."},
		{Title: "Never have I ever", Description: "Everyone holds up three fingers. Say things you have never done; whoever has done it lowers a finger."},
		{Title: "Rule", Description: "Make a rule that everyone has to follow until the game ends."},
	}
}

// For returns the action for the rank of the given card token.
func (a CardActions) For(token string) (CardAction, error) {
	_, rank, err := ParseCard(token)
	if err != nil {
		return CardAction{}, err
	}
	if rank > len(a) {
		return CardAction{}, fmt.Errorf("no card action for rank %d", rank)
	}
	return a[rank-1], nil
}
