package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"rewardhub/internal/config"
	"rewardhub/internal/contest"
	cronrunner "rewardhub/internal/cron"
	"rewardhub/internal/custody"
	"rewardhub/internal/db"
	"rewardhub/internal/handler"
	"rewardhub/internal/ledger"
	"rewardhub/internal/logger"
	"rewardhub/internal/paas"
	"rewardhub/internal/points"
	"rewardhub/internal/poll"
	"rewardhub/internal/pricefeed"
	gormrepository "rewardhub/internal/repository/gorm"
	"rewardhub/internal/rewarderr"
	"rewardhub/internal/service"
	"rewardhub/internal/settlement"
	"rewardhub/internal/staking"

	_ "rewardhub/docs"
)

func main() {
	cfgPath := os.Getenv("RH_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("RH_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.SetTimezone(dbConn, cfg.DB.Timezone); err != nil {
		logger.Warn("failed to set timezone", zap.Error(err))
	}
	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	sealer, err := custody.SealerFromEnv()
	if err != nil {
		if !errors.Is(err, custody.ErrNoKey) {
			logger.Fatal("custody sealer init failed", zap.Error(err))
		}
		logger.Warn("custody encryption key not set (custodial wallets disabled)")
		sealer = nil
	}

	store := gormrepository.New(dbConn.Gorm)
	settingsSvc := &service.SystemSettingsService{Repo: store, Sealer: sealer}
	if err := settingsSvc.EnsureDefaultSwitches(context.Background()); err != nil {
		logger.Warn("init default system switches failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	chain, err := ledger.Dial(cfg.Ledger)
	if err != nil {
		logger.Fatal("ledger dial failed", zap.Error(err))
	}
	defer chain.Close()

	executor := settlement.NewExecutor(chain, store, cfg.Ledger,
		settlement.WithLogger(logger),
		settlement.WithClock(clockwork.NewRealClock()),
		settlement.WithMetrics(settlement.DefaultMetrics()),
	)
	defer executor.Close()

	holdingKey, err := ledger.ParseKey(cfg.Ledger.HoldingKey)
	if err != nil {
		logger.Fatal("holding key invalid", zap.Error(err))
	}
	if err := executor.Register(settlement.HoldingIdentity, holdingKey); err != nil {
		logger.Fatal("holding key register failed", zap.Error(err))
	}
	holding := ledger.AddressOf(holdingKey).Hex()

	var custodian staking.Custody
	if sealer != nil {
		wallets := custody.NewWallets(store, sealer, executor, logger)
		n, err := wallets.RegisterAll(ctx)
		if err != nil {
			logger.Warn("custodial wallet registration incomplete", zap.Error(err))
		}
		logger.Info("custodial wallets registered", zap.Int("count", n))
		custodian = wallets
	}

	if resumed, err := executor.ResumePending(ctx); err != nil {
		logger.Warn("resume pending payouts failed", zap.Error(err))
	} else if resumed > 0 {
		logger.Info("resumed pending payouts", zap.Int("count", resumed))
	}

	ticker := pricefeed.NewTickerFeed(cfg.PriceFeed, logger)
	stream := pricefeed.NewStreamFeed(cfg.PriceFeed, ticker, logger)
	go stream.RunForever(ctx, 5*time.Second)
	dex := pricefeed.NewDexScreenerFeed(cfg.PriceFeed, logger)

	paasClient := initPaaSClient(ctx, cfg.PaaS, logger)
	var notifier paas.Notifier
	if paasClient != nil {
		notifier = paasClient
	}

	precision := cfg.Ledger.TokenDecimals
	contestMgr := &contest.Manager{
		Store:     store,
		Settings:  settingsSvc,
		Payer:     executor,
		Notifier:  notifier,
		Logger:    logger,
		Config:    cfg.Contest,
		Precision: precision,
	}
	pollMgr := &poll.Manager{
		Store:       store,
		Settings:    settingsSvc,
		Payer:       executor,
		Feed:        stream,
		Notifier:    notifier,
		Logger:      logger,
		Config:      cfg.Poll,
		DefaultPool: decimal.NewFromFloat(cfg.Contest.DefaultPoolSize),
		Precision:   precision,
	}
	stakingLedger := &staking.Ledger{
		Store:     store,
		Payer:     executor,
		Custody:   custodian,
		Chain:     chain,
		Feed:      dex,
		Notifier:  notifier,
		Logger:    logger,
		Config:    cfg.Staking,
		Holding:   holding,
		Precision: precision,
	}
	depositListener := &staking.Listener{
		Ledger:   stakingLedger,
		Settings: settingsSvc,
		Logger:   logger,
		Blocks:   cfg.Staking.ScanBlocks,
	}
	distributor := &points.Distributor{
		Store:     store,
		Settings:  settingsSvc,
		Payer:     executor,
		Notifier:  notifier,
		Logger:    logger,
		Config:    cfg.Points,
		Precision: precision,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())
	engine.Use(paas.RequireBearerMiddleware())
	engine.Use(paas.InjectClientMiddleware(paasClient))
	engine.Use(paas.WriteAuditMiddleware(paasClient, logger))

	clock := clockwork.NewRealClock()
	healthHandler := &handler.HealthHandler{
		DB: dbConn.Gorm,
		Feeds: map[string]handler.HealthReporter{
			"ticker":      ticker,
			"stream":      stream,
			"dexscreener": dex,
		},
	}
	healthHandler.Register(engine)
	paas.RegisterDocs(engine)
	(&handler.SettingsHandler{Settings: settingsSvc}).Register(engine)
	(&handler.ContestHandler{Manager: contestMgr, Clock: clock}).Register(engine)
	(&handler.PollHandler{Manager: pollMgr, Clock: clock}).Register(engine)
	(&handler.StakingHandler{Ledger: stakingLedger, Clock: clock}).Register(engine)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	if cfg.Cron.Enabled {
		cronRunner := cronrunner.New(logger, ctx, settingsSvc)
		jobs := []cronrunner.Job{
			{
				Name: "contest_finalize", Spec: cfg.Cron.ContestFinalize,
				Feature: service.FeatureContestFinalize, Fallback: true,
				Run: func(ctx context.Context) error {
					now := clock.Now()
					if _, err := contestMgr.Finalize(ctx, now); err != nil {
						return err
					}
					_, err := contestMgr.Open(ctx, now)
					if errors.Is(err, rewarderr.ErrAlreadyActive) || errors.Is(err, rewarderr.ErrTooSoon) {
						return nil
					}
					return err
				},
			},
			{
				Name: "poll_resolve", Spec: cfg.Cron.PollResolve,
				Feature: service.FeaturePollResolve, Fallback: true,
				Run: func(ctx context.Context) error {
					report, err := pollMgr.Resolve(ctx, clock.Now())
					if err != nil {
						return err
					}
					if report != nil && report.OpenError != "" {
						logger.Warn("next poll not opened", zap.String("reason", report.OpenError))
					}
					return nil
				},
			},
			{
				Name: "price_refresh", Spec: cfg.Cron.PriceRefresh,
				Feature: service.FeaturePriceRefresh, Fallback: true,
				Timeout: time.Minute,
				Run: func(ctx context.Context) error {
					_, err := pollMgr.RefreshReferencePrices(ctx)
					return err
				},
			},
			{
				Name: "staking_accrual", Spec: cfg.Cron.StakingAccrual,
				Feature: service.FeatureStakingAccrual, Fallback: true,
				Run: func(ctx context.Context) error {
					_, err := stakingLedger.Accrue(ctx, clock.Now())
					return err
				},
			},
			{
				Name: "deposit_scan", Spec: cfg.Cron.DepositScan,
				Feature: service.FeatureDepositScan, Fallback: false,
				Timeout: 2 * time.Minute,
				Run: func(ctx context.Context) error {
					_, err := depositListener.Scan(ctx, clock.Now())
					return err
				},
			},
			{
				Name: "payout_reconcile", Spec: cfg.Cron.PayoutReconcile,
				Feature: service.FeaturePayoutReconcile, Fallback: true,
				Run: func(ctx context.Context) error {
					if _, err := executor.Reconcile(ctx); err != nil {
						return err
					}
					_, err := executor.ResumePending(ctx)
					return err
				},
			},
			{
				Name: "points_distribute", Spec: cfg.Cron.PointsDistribute,
				Feature: service.FeaturePointsDistribute, Fallback: false,
				Run: func(ctx context.Context) error {
					if !cfg.Points.Enabled {
						return nil
					}
					_, err := distributor.Distribute(ctx, clock.Now())
					return err
				},
			},
		}
		for _, job := range jobs {
			if strings.TrimSpace(job.Spec) == "" {
				continue
			}
			if _, err := cronRunner.Add(job); err != nil {
				logger.Fatal("cron job register failed", zap.String("job", job.Name), zap.Error(err))
			}
		}
		cronRunner.Start()
		defer cronRunner.Stop()
	}

	srv := &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr), zap.String("holding", holding))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}

func initPaaSClient(ctx context.Context, cfg config.PaaSConfig, logger *zap.Logger) *paas.Client {
	p := paas.NewClient(cfg)
	if p == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := p.Login(ctx); err != nil {
		logger.Warn("paas login failed (logs/notify disabled)", zap.Error(err))
		return nil
	}
	logger.Info("paas login ok")
	return p
}
