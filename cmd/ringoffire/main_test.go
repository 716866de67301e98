package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ringoffire/internal/config"
	"ringoffire/internal/domain"
	"ringoffire/internal/logging"
	"ringoffire/internal/ports/memstore"
)

func TestPlayWithSuccessor(t *testing.T) {
	for _, memory := range []bool{true, false} {
		t.Run("", func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			cfg, err := config.Default().WithOverrides(map[string]string{"suit_count": "1", "ranks_per_suit": "3", "draw_animation_ms": "1"})
			if err != nil {
				t.Fatalf("WithOverrides error: %v", err)
			}
			opts := options{
				dbPath:     filepath.Join(t.TempDir(), "games.db"),
				memory:     memory,
				players:    []string{"Ann", "Ben"},
				successor:  true,
				keepRoster: true,
			}
			store, closeStore, err := openStore(opts, logging.Nop())
			if err != nil {
				t.Fatalf("openStore error: %v", err)
			}
			defer closeStore()

			if err := play(ctx, store, cfg, logging.Nop(), opts); err != nil {
				t.Fatalf("play error: %v", err)
			}
			if mem, ok := store.(*memstore.Store); ok && mem.Len(domain.CollectionGames) != 2 {
				t.Fatalf("games = %d, want 2", mem.Len(domain.CollectionGames))
			}
		})
	}
}
