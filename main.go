package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sealedbid/auctionengine/internal/audit"
	"github.com/sealedbid/auctionengine/internal/auction"
	"github.com/sealedbid/auctionengine/internal/botsim"
	"github.com/sealedbid/auctionengine/internal/cache"
	"github.com/sealedbid/auctionengine/internal/config"
	"github.com/sealedbid/auctionengine/internal/domain"
	"github.com/sealedbid/auctionengine/internal/engine"
	"github.com/sealedbid/auctionengine/internal/httpapi"
	"github.com/sealedbid/auctionengine/internal/httpserver"
	"github.com/sealedbid/auctionengine/internal/store"
)

const botsimPoolSize = 5

func main() {
	log, _ := zap.NewDevelopment()
	defer log.Sync()
	zap.ReplaceGlobals(log)

	// 1. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("failed to load configuration", zap.Error(err))
	}
	if lvl, lvlErr := zapcore.ParseLevel(cfg.LogLevel); lvlErr == nil {
		configured, _ := zap.NewDevelopment(zap.IncreaseLevel(lvl))
		zap.ReplaceGlobals(configured)
		log = configured
	}
	log.Debug("configuration loaded", zap.Any("config", cfg))

	// 2. Context with signal handling
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Postgres store (schema migration runs inside store.Open)
	st, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("store open failed", zap.Error(err))
	}
	defer st.Close()

	// 4. Redis: read-side accelerator only, never on the money-moving path
	rdb, err := cache.NewClient(cfg.RedisHost, cfg.RedisPort)
	if err != nil {
		log.Fatal("cache client failed", zap.Error(err))
	}
	defer rdb.Close()
	snapshotCache := cache.NewSnapshotStore(rdb)
	eventBus := cache.NewEventBus(rdb)

	pollInterval := time.Duration(cfg.EnginePollIntervalMs) * time.Millisecond

	// 5. Services
	auctionSvc := auction.NewService(st, snapshotCache, pollInterval)
	auditor := audit.NewAuditor(st)

	// 6. Background: leader-elected round settlement engine
	roundEngine := engine.NewEngine(st, uuid.NewString(), pollInterval, eventBus, snapshotCache)
	go roundEngine.Run(ctx)

	// 6b. Background: tail the round-closed stream and drop that auction's
	// snapshot cache entry early, so pollers see the settled state well
	// before the TTL would otherwise expire it. Purely advisory — settlement
	// correctness never depends on this consumer running.
	go cache.Subscribe(ctx, rdb, func(ev cache.RoundClosedEvent) {
		log.Debug("round closed event", zap.String("auctionId", ev.AuctionID),
			zap.Int64("roundNumber", ev.RoundNumber), zap.Bool("ended", ev.Ended))
		snapshotCache.Invalidate(ctx, ev.AuctionID)
	})

	// 6a. Optional: bot traffic generator, one simulator per running auction
	if cfg.BotSimEnabled {
		go runBotSimSupervisor(ctx, auctionSvc, pollInterval*5)
	}

	// 7. HTTP server
	handler := httpapi.New(auctionSvc, auditor)
	srv := httpserver.New(ctx, cfg.Port, handler)

	go func() {
		<-ctx.Done()
		if err := srv.Dispose(); err != nil {
			log.Error("http dispose failed", zap.Error(err))
		}
	}()

	if err := srv.Start(); err != nil && ctx.Err() == nil {
		log.Fatal("http server failed", zap.Error(err))
	}
}

// runBotSimSupervisor launches one botsim.Simulator per auction it sees enter
// the running state, funding a fresh pool of bot users for it. It never
// stops a simulator early; each one idles once its auction ends.
func runBotSimSupervisor(ctx context.Context, svc *auction.Service, scanInterval time.Duration) {
	started := map[string]bool{}
	tk := time.NewTicker(scanInterval)
	defer tk.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-tk.C:
			auctions, err := svc.ListAuctions(ctx)
			if err != nil {
				zap.L().Warn("botsim supervisor list auctions", zap.Error(err))
				continue
			}
			for _, a := range auctions {
				if a.State != domain.AuctionRunning || started[a.ID] {
					continue
				}
				started[a.ID] = true
				userIDs, err := seedBotUsers(ctx, svc, botsimPoolSize)
				if err != nil {
					zap.L().Warn("botsim seed users", zap.String("auctionId", a.ID), zap.Error(err))
					continue
				}
				sim := botsim.NewSimulator(svc, a.ID, userIDs, botsim.DefaultPolicy())
				go sim.Run(ctx)
			}
		}
	}
}

func seedBotUsers(ctx context.Context, svc *auction.Service, n int) ([]string, error) {
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		u, err := svc.CreateUser(ctx)
		if err != nil {
			return nil, err
		}
		if _, err := svc.Topup(ctx, u.ID, 100_000); err != nil {
			return nil, err
		}
		ids = append(ids, u.ID)
	}
	return ids, nil
}
