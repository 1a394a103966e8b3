package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sasha-s/go-deadlock"
	"go.uber.org/zap"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/config"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/gen"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/logging"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/server"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tilecache"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/transport"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/transport/tcp"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/transport/ws"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/server.yaml", "server config path (defaults are used if missing)")
		addr       = flag.String("addr", "", "http listen address (overrides listen_addr)")
		tcpAddr    = flag.String("tcp", "", "yamux tcp listen address (overrides tcp_addr; \"off\" disables)")
		dataDir    = flag.String("data", "", "runtime data directory (overrides storage.data_dir)")
		profile    = flag.String("profile", "", "tile profile 2d|3d (overrides profile)")
		seed       = flag.Int64("seed", 0, "terrain seed (overrides seed when non-zero)")
		disableDB  = flag.Bool("disable_db", false, "disable the session and generation index")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "config %s not found; using defaults\n", *configPath)
		cfg, err = config.Load("")
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *tcpAddr != "" {
		cfg.TCPAddr = *tcpAddr
	}
	if strings.EqualFold(cfg.TCPAddr, "off") {
		cfg.TCPAddr = ""
	}
	if *dataDir != "" {
		cfg.Storage.DataDir = *dataDir
	}
	if *profile != "" {
		cfg.Profile = *profile
	}
	if *seed != 0 {
		cfg.Seed = *seed
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	deadlock.Opts.Disable = !cfg.Debug.DeadlockDetection
	deadlock.Opts.OnPotentialDeadlock = func() {
		logger.Error("potential deadlock detected")
	}

	st, err := openStorage(cfg, *disableDB, logger)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Warn("close storage", zap.Error(err))
		}
	}()

	prof := cfg.TileProfile()
	terrain := gen.New(gen.Config{Seed: cfg.Seed, Profile: prof})
	cache := tilecache.New(
		tilecache.Config{Profile: prof, Workers: cfg.Workers, MaxRetries: cfg.MaxRetries},
		terrain,
		append(st.cacheOptions(), tilecache.WithLogger(logger.Named("tilecache")))...,
	)

	ctx, cancel := signalContext()
	defer cancel()

	cache.Start(ctx)
	defer cache.Close()

	eng := server.New(server.Options{
		Config:   cfg,
		Cache:    cache,
		Log:      logger.Named("server"),
		Sessions: st.sessionSink(),
		Stats:    st.statsSink(),
	})
	engDone := make(chan struct{})
	go func() {
		defer close(engDone)
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("engine stopped", zap.Error(err))
		}
	}()

	topts := transport.Options{OutQueue: cfg.Send.OutQueue}

	if cfg.TCPAddr != "" {
		l, err := net.Listen("tcp", cfg.TCPAddr)
		if err != nil {
			logger.Fatal("tcp listen", zap.String("addr", cfg.TCPAddr), zap.Error(err))
		}
		tsrv := tcp.NewServer(eng, topts, logger.Named("tcp"))
		go func() {
			if err := tsrv.Serve(ctx, l); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("tcp server stopped", zap.Error(err))
			}
		}()
		logger.Info("tcp listening", zap.String("addr", cfg.TCPAddr))
	}

	mux := newMux(httpDeps{
		eng:     eng,
		cache:   cache,
		ws:      ws.NewServer(ctx, eng, topts, logger.Named("ws")),
		storage: st,
		log:     logger,
		admin:   envBool("FP2_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		pprof:   cfg.Debug.Pprof || envBool("FP2_ENABLE_PPROF_HTTP", false),
	})
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Sessions get their Disconnect frames before the listener goes away.
		<-engDone
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Info("listening",
		zap.String("addr", cfg.ListenAddr),
		zap.Stringer("profile", prof),
		zap.Int64("seed", cfg.Seed),
		zap.Int("tick_rate_hz", cfg.TickRateHz),
	)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("ListenAndServe", zap.Error(err))
	}
	<-engDone
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
