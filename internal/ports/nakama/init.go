package nakama

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/heroiclabs/nakama-common/runtime"

	"ringoffire/internal/clock"
	"ringoffire/internal/config"
)

// InitModule wires RPCs and match handlers for Nakama runtime.
func InitModule(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule, initializer runtime.Initializer) error {
	env, _ := ctx.Value(runtime.RUNTIME_CTX_ENV).(map[string]string)
	cfg, err := loadConfig(env)
	if err != nil {
		logger.Error("InitModule: %v", err)
		return err
	}
	clk := clock.Real()

	if err := RegisterRPCs(initializer, cfg, clk); err != nil {
		return err
	}

	if err := initializer.RegisterMatch(MatchNameRoom, func(ctx context.Context, logger runtime.Logger, db *sql.DB, nk runtime.NakamaModule) (runtime.Match, error) {
		return newMatchHandler(cfg, clk), nil
	}); err != nil {
		return err
	}

	logger.WithFields(map[string]interface{}{
		"collection": cfg.Collection,
		"deck_size":  cfg.Deck().Size(),
	}).Info("Ring of Fire Go module loaded.")
	return nil
}

// loadConfig reads the optional config file named by the runtime env and
// applies the prefixed overrides on top.
func loadConfig(env map[string]string) (*config.GameConfig, error) {
	if path := env[EnvConfigPath]; path != "" {
		if err := config.LoadGameConfig(path); err != nil {
			return nil, err
		}
	}
	overrides := make(map[string]string)
	for k, v := range env {
		if k == EnvConfigPath || !strings.HasPrefix(k, EnvPrefix) {
			continue
		}
		overrides[strings.TrimPrefix(k, EnvPrefix)] = v
	}
	cfg, err := config.GetGameConfig().WithOverrides(overrides)
	if err != nil {
		return nil, fmt.Errorf("runtime env overrides: %w", err)
	}
	return cfg, nil
}
