package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"ringoffire/internal/domain"
)

// GameConfig tunes deck size, timing and the card action table.
type GameConfig struct {
	Collection          string             `json:"collection" yaml:"collection"`
	SuitCount           int                `json:"suit_count" yaml:"suit_count"`
	RanksPerSuit        int                `json:"ranks_per_suit" yaml:"ranks_per_suit"`
	StackIndicatorSlots int                `json:"stack_indicator_slots" yaml:"stack_indicator_slots"`
	DrawAnimationMs     int                `json:"draw_animation_ms" yaml:"draw_animation_ms"`
	PollIntervalMs      int                `json:"poll_interval_ms" yaml:"poll_interval_ms"`
	CardActions         domain.CardActions `json:"card_actions" yaml:"card_actions"`
}

const (
	defaultDrawAnimationMs = 1000
	defaultPollIntervalMs  = 500
)

var (
	cfg      *GameConfig
	loadOnce sync.Once
	loadErr  error
)

// Default returns the configuration used when no file is given.
func Default() *GameConfig {
	deck := domain.DefaultDeck()
	return &GameConfig{
		Collection:          domain.CollectionGames,
		SuitCount:           deck.SuitCount,
		RanksPerSuit:        deck.RanksPerSuit,
		StackIndicatorSlots: deck.IndicatorSlots,
		DrawAnimationMs:     defaultDrawAnimationMs,
		PollIntervalMs:      defaultPollIntervalMs,
		CardActions:         domain.DefaultCardActions(),
	}
}

// LoadGameConfig loads the process-wide configuration from path. Only the
// first call has any effect.
func LoadGameConfig(path string) error {
	loadOnce.Do(func() {
		c, err := Load(path)
		if err != nil {
			loadErr = err
			return
		}
		cfg = c
	})
	return loadErr
}

// GetGameConfig returns the process-wide configuration, or the defaults
// when LoadGameConfig has not succeeded.
func GetGameConfig() *GameConfig {
	if cfg == nil {
		return Default()
	}
	return cfg
}

// Load reads a configuration file. Files ending in .yaml or .yml are YAML;
// anything else is JSON, comments and trailing commas allowed. Fields the
// file leaves out keep their defaults.
func Load(path string) (*GameConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read game config: %w", err)
	}
	c := Default()
	c.CardActions = nil

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), c)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal game config: %w", err)
	}
	if len(c.CardActions) == 0 {
		c.CardActions = domain.DefaultCardActions()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate rejects configurations no game can be built from.
func (c *GameConfig) Validate() error {
	if c.Collection == "" {
		return fmt.Errorf("game config: collection is empty")
	}
	if c.SuitCount < 1 || c.SuitCount > len(domain.Suits) {
		return fmt.Errorf("game config: suit_count %d outside 1..%d", c.SuitCount, len(domain.Suits))
	}
	if c.RanksPerSuit < 1 {
		return fmt.Errorf("game config: ranks_per_suit %d must be positive", c.RanksPerSuit)
	}
	if c.StackIndicatorSlots < 0 {
		return fmt.Errorf("game config: stack_indicator_slots %d is negative", c.StackIndicatorSlots)
	}
	if c.DrawAnimationMs < 0 || c.PollIntervalMs <= 0 {
		return fmt.Errorf("game config: draw_animation_ms must be >= 0 and poll_interval_ms > 0")
	}
	return nil
}

// Deck returns the deck configuration for new games.
func (c *GameConfig) Deck() domain.DeckConfig {
	return domain.DeckConfig{
		SuitCount:      c.SuitCount,
		RanksPerSuit:   c.RanksPerSuit,
		IndicatorSlots: c.StackIndicatorSlots,
	}
}

// DrawAnimation is the delay between revealing a card and filing it.
func (c *GameConfig) DrawAnimation() time.Duration {
	return time.Duration(c.DrawAnimationMs) * time.Millisecond
}

// PollInterval is how often polling subscriptions re-read a document.
func (c *GameConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// WithOverrides returns a copy of c with string overrides applied, keyed by
// the JSON field name. Unknown keys are ignored; malformed values fail.
func (c *GameConfig) WithOverrides(overrides map[string]string) (*GameConfig, error) {
	out := *c
	out.CardActions = append(domain.CardActions{}, c.CardActions...)
	ints := map[string]*int{
		"suit_count":            &out.SuitCount,
		"ranks_per_suit":        &out.RanksPerSuit,
		"stack_indicator_slots": &out.StackIndicatorSlots,
		"draw_animation_ms":     &out.DrawAnimationMs,
		"poll_interval_ms":      &out.PollIntervalMs,
	}
	for name, raw := range overrides {
		if name == "collection" {
			out.Collection = raw
			continue
		}
		field, ok := ints[name]
		if !ok {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("game config: %s=%q is not an integer", name, raw)
		}
		*field = v
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}
