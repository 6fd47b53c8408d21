package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"marketdata-engine/config"
	"marketdata-engine/internal/breaker"
	"marketdata-engine/internal/gateway"
	"marketdata-engine/internal/instruments"
	"marketdata-engine/internal/logger"
	"marketdata-engine/internal/metrics"
	"marketdata-engine/internal/model"
	"marketdata-engine/internal/notification"
	"marketdata-engine/internal/optionchain"
	"marketdata-engine/internal/quotes"
	"marketdata-engine/internal/scheduler"
	"marketdata-engine/internal/session"
	"marketdata-engine/internal/stockdetails"
	redisstore "marketdata-engine/internal/store/redis"
	sqlitestore "marketdata-engine/internal/store/sqlite"
	"marketdata-engine/pkg/smartconnect"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[mdserver] starting...")

	cfg := config.Load()
	var logOpts []logger.Option
	if cfg.LogFile != "" {
		logOpts = append(logOpts, logger.WithFile(logger.FileSink{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
		}))
	}
	lg := logger.Init("mdserver", logger.ParseLevel(cfg.LogLevel), logOpts...)
	lg.Info("config loaded", "config", cfg.String())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Metrics, health & alerts ----
	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()
	alerter := notification.NewAlerter(buildNotifier(cfg, lg), lg)

	// ---- Redis (optional) ----
	var rdb *goredis.Client
	if cfg.RedisAddr != "" {
		var err error
		rdb, err = redisstore.Connect(ctx, redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err != nil {
			log.Fatalf("[mdserver] %v", err)
		}
		defer rdb.Close()
		lg.Info("redis connected", "addr", cfg.RedisAddr)
	}

	// ---- Snapshot store ----
	var store model.SnapshotStore
	var sqlite *sqlitestore.Store
	switch cfg.SnapshotBackend {
	case config.SnapshotSQLite:
		var err error
		sqlite, err = sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath}, lg)
		if err != nil {
			log.Fatalf("[mdserver] %v", err)
		}
		store = sqlite
	case config.SnapshotRedis:
		store = redisstore.NewSnapshotStore(rdb, lg)
	}
	if store != nil {
		defer store.Close()
	}
	if sqlite != nil {
		health.StartLivenessChecker(ctx, rdb, sqlite.DB(), 15*time.Second)
	} else {
		health.StartLivenessChecker(ctx, rdb, nil, 15*time.Second)
	}

	// ---- Upstream client & session ----
	upstreamCB := breaker.New(5, 30*time.Second)
	upstreamCB.Tripping = smartconnect.Tripping
	sc := smartconnect.NewSmartConnect(smartconnect.Config{
		APIKey:         cfg.AngelAPIKey,
		RootURL:        cfg.AngelRootURL,
		ScripMasterURL: cfg.ScripMasterURL,
		ClientLocalIP:  cfg.ClientLocalIP,
		ClientPublicIP: cfg.ClientPublicIP,
		ClientMAC:      cfg.ClientMAC,
		Breaker:        upstreamCB,
		Observe:        m.Observe,
		Logger:         lg,
	})
	sess := session.New(sc, session.Credentials{
		ClientCode: cfg.AngelClientCode,
		Password:   cfg.AngelPassword,
		TOTPSecret: cfg.AngelTOTPSecret,
	}, lg)
	sess.OnLoginFailure = alerter.LoginFailed

	// ---- Engine ----
	dirOpts := []instruments.Option{
		instruments.WithLogger(lg),
		instruments.OnStatusChange(func(st instruments.Status) {
			m.DirectoryStatus(st)
			health.SetDirectoryState(st.State)
			alerter.DirectoryStatus(st)
		}),
	}
	if store != nil {
		dirOpts = append(dirOpts, instruments.WithSnapshotStore(store))
	}
	dir := instruments.NewDirectory(sc, dirOpts...)

	qcache := quotes.NewCache(sc, dir, quotes.WithLogger(lg), quotes.WithRecorder(m))
	resolver := optionchain.NewResolver([]optionchain.Strategy{
		&optionchain.SearchStrategy{Search: sc, Quotes: sc},
		&optionchain.ProbeStrategy{Probe: qcache},
		optionchain.SyntheticStrategy{},
	},
		optionchain.WithLogger(lg),
		optionchain.WithRecorder(m),
		optionchain.WithSearcher(sc),
	)
	hub := gateway.NewHub(dir, resolver, sess, gateway.WithLogger(lg), gateway.WithRecorder(m))
	details := stockdetails.New(dir, qcache, resolver, lg)

	// ---- Distribution: through Redis to every instance, or straight to
	// this instance's clients ----
	var pub model.Publisher = hub.Broadcaster
	if rdb != nil {
		cb := breaker.New(3, 10*time.Second)
		pub = redisstore.NewPublisher(ctx, rdb, cb, lg)
		router := gateway.NewPubSubRouter(rdb, hub.Broadcaster)
		go func() {
			if err := router.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				lg.Error("redis relay stopped", "error", err)
			}
		}()
	}

	sched := scheduler.New(scheduler.Config{
		RefreshCron:     cfg.DirectoryRefreshCron,
		Interval:        cfg.BroadcastInterval,
		AlwaysBroadcast: cfg.AlwaysBroadcast,
		Login: func(ctx context.Context) error {
			err := sess.EnsureLogin(ctx)
			health.SetAuthenticated(sess.IsAuthenticated())
			return err
		},
	}, dir, qcache, resolver, hub, sess, pub, m, lg)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("[mdserver] %v", err)
	}

	// ---- HTTP ----
	api := &gateway.Server{
		Hub:       hub,
		Directory: dir,
		Quotes:    qcache,
		Chains:    resolver,
		Details:   details,
		Auth:      sess,
		Redis:     rdb,
		Start:     time.Now(),
		Log:       lg,
	}
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		lg.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[mdserver] http server: %v", err)
		}
	}()

	metricsSrv := metrics.NewServer(cfg.MetricsAddr, m, health)
	metricsSrv.Start()

	// ---- Graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	lg.Info("shutting down", "signal", sig.String())

	sched.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		lg.Warn("http shutdown", "error", err)
	}
	hub.Close()
	metricsSrv.Stop(shutdownCtx)
	cancel()
	alerter.Wait()

	log.Println("[mdserver] stopped")
}

func buildNotifier(cfg *config.Config, lg *slog.Logger) notification.Notifier {
	var ns notification.Multi
	if cfg.AlertWebhookURL != "" {
		ns = append(ns, notification.NewWebhookNotifier(cfg.AlertWebhookURL, lg))
	}
	if cfg.TelegramBotToken != "" {
		ns = append(ns, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID, lg))
	}
	if len(ns) == 0 {
		return notification.NewLogNotifier(lg)
	}
	return ns
}
