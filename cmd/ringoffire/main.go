// ringoffire plays a Ring of Fire session against a local document store:
// a host draws the whole stack through the draw animator while a second
// client follows the live game, then both race to continue it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/heroiclabs/nakama-common/runtime"
	"github.com/spf13/pflag"

	"ringoffire/internal/app"
	"ringoffire/internal/clock"
	"ringoffire/internal/config"
	"ringoffire/internal/domain"
	"ringoffire/internal/logging"
	"ringoffire/internal/ports"
	"ringoffire/internal/ports/memstore"
	"ringoffire/internal/ports/sqlitestore"
)

type options struct {
	dbPath     string
	configPath string
	memory     bool
	players    []string
	overrides  map[string]string
	successor  bool
	keepRoster bool
	logLevel   string
	console    bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("ringoffire", pflag.ContinueOnError)
	flagSet.StringVar(&opts.dbPath, "db", "ringoffire.db", "SQLite database file")
	flagSet.BoolVar(&opts.memory, "memory", false, "use an in-memory store instead of SQLite")
	flagSet.StringVar(&opts.configPath, "config", "", "game config file (.json, .jsonc or .yaml)")
	flagSet.StringSliceVar(&opts.players, "players", []string{"Ann", "Ben", "Cid"}, "player names in turn order")
	flagSet.StringToStringVar(&opts.overrides, "set", nil, "config overrides, e.g. --set suit_count=1,draw_animation_ms=50")
	flagSet.BoolVar(&opts.successor, "successor", true, "continue the finished game with a successor")
	flagSet.BoolVar(&opts.keepRoster, "keep-players", true, "carry the roster over to the successor")
	flagSet.StringVar(&opts.logLevel, "log-level", "info", "log level (default from LOG_LEVEL)")
	flagSet.BoolVar(&opts.console, "console", true, "human-readable log output")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		fmt.Fprintf(os.Stderr, "Usage: ringoffire [flags]\n\n%s", flagSet.FlagUsages())
		return nil
	}

	logger := logging.FromEnv()
	if flagSet.Changed("log-level") || flagSet.Changed("console") {
		logger = logging.New(logging.Options{Level: opts.logLevel, Console: opts.console})
	}

	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg, err := cfg.WithOverrides(opts.overrides)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(opts, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return play(ctx, store, cfg, logger, opts)
}

func openStore(opts options, logger runtime.Logger) (ports.DocumentStore, func(), error) {
	if opts.memory {
		store := memstore.New(memstore.Options{})
		return store, store.Close, nil
	}
	store, err := sqlitestore.Open(sqlitestore.Config{Path: opts.dbPath, Logger: logger})
	if err != nil {
		return nil, nil, err
	}
	return store, func() { store.Close() }, nil
}

func play(ctx context.Context, store ports.DocumentStore, cfg *config.GameConfig, logger runtime.Logger, opts options) error {
	host, err := app.NewSessionStore(store, cfg, logger.WithField("client", "host"), nil)
	if err != nil {
		return err
	}
	guest, err := app.NewSessionStore(store, cfg, logger.WithField("client", "guest"), nil)
	if err != nil {
		return err
	}

	images := make([]string, len(opts.players))
	for i, name := range opts.players {
		images[i] = strings.ToLower(name) + ".png"
	}
	gameID, err := host.CreateGame(ctx, opts.players, images)
	if err != nil {
		return err
	}
	fmt.Printf("game %s: %d cards, players %s\n", gameID, cfg.Deck().Size(), strings.Join(opts.players, ", "))

	ended := make(chan struct{})
	sub, _, err := guest.Subscribe(ctx, gameID, app.ObserverFuncs{
		GameEnded: func(g *domain.Game) {
			fmt.Printf("guest: game over after %d cards\n", len(g.PlayedCards))
			close(ended)
		},
		Error: func(err error) {
			logger.Warn("guest stream failed: %v", err)
		},
	})
	if err != nil {
		return err
	}
	defer guest.Unsubscribe(sub)

	if err := drawAll(ctx, host, cfg, logger); err != nil {
		return err
	}
	select {
	case <-ended:
	case <-ctx.Done():
		return ctx.Err()
	}

	if !opts.successor {
		return nil
	}
	return continueGame(ctx, host, guest, gameID, opts.keepRoster)
}

// drawAll draws until the stack is empty, waiting for each filing.
func drawAll(ctx context.Context, host *app.SessionStore, cfg *config.GameConfig, logger runtime.Logger) error {
	filed := make(chan error, 1)
	animator := app.NewDrawAnimator(host, clock.Real(), cfg.DrawAnimation(), func(_ []app.Event, err error) {
		filed <- err
	})
	defer animator.Stop()

	for !host.Game().GameOver {
		events, err := animator.Draw(ctx)
		if len(events) == 0 {
			return err
		}
		if err != nil {
			logger.Warn("draw not persisted: %v", err)
		}
		for _, ev := range events {
			if p, ok := ev.Payload.(app.CardDrawnPayload); ok {
				printCard(host, cfg, p)
			}
		}
		select {
		case err := <-filed:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func printCard(host *app.SessionStore, cfg *config.GameConfig, p app.CardDrawnPayload) {
	title := ""
	if action, err := cfg.CardActions.For(p.Card); err == nil {
		title = action.Title
	}
	next := ""
	if g := host.Game(); len(g.Players) > 0 {
		next = g.Players[p.CurrentPlayer]
	}
	fmt.Printf("  %-12s %-20s %3d left, next %s\n", p.Card, title, p.Remaining, next)
}

// continueGame has the guest wait for a successor while the host creates
// it, then shows a late request being turned into a join offer.
func continueGame(ctx context.Context, host, guest *app.SessionStore, predecessorID string, keepRoster bool) error {
	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	awaited := make(chan error, 1)
	go func() {
		id, err := app.NewCoordinator(guest).AwaitSuccessor(waitCtx, predecessorID)
		if err == nil {
			fmt.Printf("guest: joining successor %s\n", id)
		}
		awaited <- err
	}()

	stale := guest.Game()
	next, err := app.NewCoordinator(host).CreateSuccessor(ctx, host.Game(), keepRoster)
	if err != nil {
		return err
	}
	fmt.Printf("host: created successor %s with %d players\n", next.ID, len(next.Players))
	if err := <-awaited; err != nil {
		return err
	}

	_, err = app.NewCoordinator(guest).CreateSuccessor(ctx, stale, keepRoster)
	var linked *app.AlreadyLinkedError
	if errors.As(err, &linked) {
		fmt.Printf("late request: already continued by %s\n", linked.SuccessorID)
		return nil
	}
	return err
}
