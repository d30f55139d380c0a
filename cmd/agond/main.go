// Command agond runs one instance of the debate platform: bot transport
// hub, matchmaker, contest arena, spectator broadcasting, and the
// ownership protocol that lets replicas recover each other's contests.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/nibty/agonai-sub001/internal/arena"
	"github.com/nibty/agonai-sub001/internal/broadcast"
	"github.com/nibty/agonai-sub001/internal/bus"
	"github.com/nibty/agonai-sub001/internal/config"
	"github.com/nibty/agonai-sub001/internal/hub"
	"github.com/nibty/agonai-sub001/internal/kv"
	"github.com/nibty/agonai-sub001/internal/logging"
	"github.com/nibty/agonai-sub001/internal/matchmaker"
	"github.com/nibty/agonai-sub001/internal/owner"
	"github.com/nibty/agonai-sub001/internal/preset"
	"github.com/nibty/agonai-sub001/internal/protocol"
	"github.com/nibty/agonai-sub001/internal/rating"
	"github.com/nibty/agonai-sub001/internal/server"
	"github.com/nibty/agonai-sub001/internal/store"
)

type recovererFunc func(ctx context.Context, contestID int64) (bool, error)

func (f recovererFunc) Recover(ctx context.Context, contestID int64) (bool, error) {
	return f(ctx, contestID)
}

func main() {
	bootstrap := logging.New(logging.Config{Level: "info", Format: "json"})

	cfg, err := config.Load(&bootstrap)
	if err != nil {
		bootstrap.Fatal().Err(err).Msg("Configuration load failed")
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	logger = logger.With().Str("instance_id", cfg.InstanceID).Logger()
	cfg.LogConfig(logger)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DBPath).Msg("Database open failed")
	}
	defer st.Close()

	natsBus, err := bus.Connect(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("url", cfg.NATSURL).Msg("NATS connect failed")
	}
	defer natsBus.Close()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	kvStore, err := kv.NewNATS(startCtx, natsBus.Conn(), cfg.KVBucket, logger)
	cancelStart()
	if err != nil {
		logger.Fatal().Err(err).Str("bucket", cfg.KVBucket).Msg("KV bucket bind failed")
	}

	registry, err := preset.NewRegistry(preset.BuiltIn()...)
	if err != nil {
		logger.Fatal().Err(err).Msg("Preset registry build failed")
	}
	if _, ok := registry.Get(cfg.DefaultPreset); !ok {
		logger.Fatal().Str("preset", cfg.DefaultPreset).Msg("Default preset is not registered")
	}

	ratingCfg := rating.Config{
		K:         cfg.RatingK,
		RangeBase: cfg.RatingRangeBase,
		RangeStep: cfg.RatingRangeStep,
		RangeCap:  cfg.RatingRangeCap,
	}

	broadcaster := broadcast.New(broadcast.Config{
		InstanceID: cfg.InstanceID,
		Bus:        natsBus,
		Workers:    cfg.WorkerCount,
		QueueSize:  cfg.WorkerQueueSize,
		Logger:     logger,
		OnCount: func(contestID int64, count int) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := st.SetSpectatorCount(ctx, contestID, count); err != nil {
				logger.Warn().Err(err).Int64("contest_id", contestID).Msg("Spectator count write failed")
			}
		},
	})
	broadcaster.Start()
	defer broadcaster.Stop()

	// The hub and matchmaker reference each other through callbacks;
	// the arena is wired below once both exist.
	var mm *matchmaker.Matchmaker
	var ar *arena.Arena

	botHub := hub.New(hub.Config{
		InstanceID:    cfg.InstanceID,
		KV:            kvStore,
		Bus:           natsBus,
		Heartbeat:     cfg.BotHeartbeat,
		AttachmentTTL: cfg.BotAttachmentTTL,
		Logger:        logger,
		OnQueueJoin: func(bot *store.Bot, presetID string, stake int64) {
			if presetID == "" {
				presetID = cfg.DefaultPreset
			}
			if _, ok := registry.Get(presetID); !ok {
				logger.Warn().
					Int64("bot_id", bot.ID).
					Str("preset_id", presetID).
					Msg("Queue join with unknown preset rejected")
				return
			}
			mm.Add(bot.ID, bot.UserID, presetID, bot.Rating, stake)
		},
		OnDetach: func(botID int64) {
			mm.Remove(botID)
		},
	})

	ownerMgr := owner.New(owner.Config{
		InstanceID: cfg.InstanceID,
		KV:         kvStore,
		Contests:   st,
		Recoverer: recovererFunc(func(ctx context.Context, contestID int64) (bool, error) {
			return ar.Recover(ctx, contestID)
		}),
		TTL:             cfg.OwnershipTTL,
		Refresh:         cfg.OwnershipRefresh,
		SweepEvery:      cfg.UnownedSweep,
		RecoveryLockTTL: cfg.RecoveryLockTTL,
		Logger:          logger,
	})

	ar = arena.New(arena.Config{
		Store:         st,
		Bots:          botHub,
		Owner:         ownerMgr,
		Events:        broadcaster,
		Presets:       registry,
		Rating:        ratingCfg,
		DefaultPreset: cfg.DefaultPreset,
		SettleStakes: func(ctx context.Context, c *store.Contest, winner protocol.Position) (map[int64]int64, error) {
			winnerBot := c.ProBotID
			if winner == protocol.PositionCon {
				winnerBot = c.ConBotID
			}
			pot := 2 * c.Stake
			if err := st.SettleStake(ctx, winnerBot, pot); err != nil {
				return nil, err
			}
			return map[int64]int64{winnerBot: pot}, nil
		},
		Logger: logger,
	})

	mm = matchmaker.New(matchmaker.Config{
		Rating:     ratingCfg,
		SweepEvery: cfg.MatchmakerSweep,
		Logger:     logger,
		Liveness:   botHub.Connected,
		Creator: func(a, b matchmaker.Entry) error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			stake := a.Stake
			if b.Stake < stake {
				stake = b.Stake
			}
			c, err := ar.Create(ctx, a.BotID, b.BotID, a.PresetID, stake)
			if err != nil {
				return err
			}
			return ar.Start(ctx, c)
		},
	})

	if err := botHub.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Hub start failed")
	}

	srv := server.New(server.Config{
		InstanceID:    cfg.InstanceID,
		Addr:          cfg.Addr,
		ShutdownGrace: cfg.ShutdownGrace,
		Store:         st,
		Hub:           botHub,
		Arena:         ar,
		Broadcaster:   broadcaster,
		BusHealthy:    func() bool { return natsBus.Conn().IsConnected() },
		Logger:        logger,
	})

	serveErrs, err := srv.Start()
	if err != nil {
		logger.Fatal().Err(err).Msg("Server start failed")
	}

	// Adopt contests this instance abandoned in a previous run.
	recoveryCtx, cancelRecovery := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ownerMgr.RecoverStartup(recoveryCtx); err != nil {
		logger.Error().Err(err).Msg("Startup recovery pass failed")
	}
	cancelRecovery()

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		ownerMgr.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		mm.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		select {
		case err := <-serveErrs:
			return err
		case <-gCtx.Done():
			return nil
		}
	})

	logger.Info().Msg("Instance running")
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("Serve loop error, shutting down")
	}

	logger.Info().Msg("Shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	// Stop the HTTP surface first so no new bots or spectators arrive,
	// then halt contest driving, drop connections, and hand leases back
	// so peers adopt the interrupted contests right away.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Server shutdown incomplete")
	}
	ar.Shutdown()
	botHub.Shutdown(shutdownCtx)
	ownerMgr.Shutdown(shutdownCtx)

	logger.Info().Msg("Shutdown complete")
}
