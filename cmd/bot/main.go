package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"go.uber.org/zap"

	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/client"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/config"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/logging"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/persistence/snapshot"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/tile"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/transport/tcp"
	"github.com/PorkStudios/FarPlaneTwo-sub014/internal/transport/ws"
)

type botOptions struct {
	far       *config.Far
	start     mgl64.Vec3
	speed     float64
	turnEvery time.Duration
	compress  bool
	dump      string
	seed      int64
}

func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		tcpAddr   = flag.String("tcp", "", "yamux tcp address; when set, sessions share one tcp connection instead of using -url")
		sessions  = flag.Int("sessions", 1, "number of concurrent sessions")
		maxLevels = flag.Int("max_levels", 3, "requested detail levels")
		cutoff    = flag.Int("cutoff", 128, "requested cutoff distance in tiles")
		modes     = flag.String("modes", "voxel", "comma separated render modes")
		startX    = flag.Float64("x", 0, "start anchor x")
		startY    = flag.Float64("y", 64, "start anchor y")
		startZ    = flag.Float64("z", 0, "start anchor z")
		speed     = flag.Float64("speed", 16, "walking speed in voxels per second")
		turnEvery = flag.Duration("turn_every", 10*time.Second, "pick a new heading this often")
		compress  = flag.Bool("compress", false, "compress mirrored tiles in place")
		dump      = flag.String("dump", "", "write a mirror dump here on exit")
		duration  = flag.Duration("duration", 0, "stop after this long (0 = until interrupted)")
		seed      = flag.Int64("seed", 0, "heading seed (0 = time based)")
		logLevel  = flag.String("log_level", "info", "debug|info|warn|error")
	)
	flag.Parse()

	logger, err := logging.New(logging.Options{Level: *logLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	far := &config.Far{MaxLevels: *maxLevels, CutoffDistance: *cutoff}
	for _, m := range strings.Split(*modes, ",") {
		if m = strings.TrimSpace(m); m != "" {
			far.RenderModes = append(far.RenderModes, m)
		}
	}
	if _, err := config.ParseFar(far.JSON()); err != nil {
		logger.Fatal("bad far config", zap.Error(err))
	}
	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}

	ctx, cancel := signalContext()
	defer cancel()
	if *duration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, *duration)
		defer cancelTimeout()
	}

	conns, closeAll, err := dialSessions(ctx, *url, *tcpAddr, *sessions, logger)
	if err != nil {
		logger.Fatal("dial", zap.Error(err))
	}
	defer closeAll()

	var wg sync.WaitGroup
	for i, conn := range conns {
		opts := botOptions{
			far:       far,
			start:     mgl64.Vec3{*startX + float64(i)*64, *startY, *startZ},
			speed:     *speed,
			turnEvery: *turnEvery,
			compress:  *compress,
			dump:      dumpPath(*dump, i, len(conns)),
			seed:      *seed + int64(i),
		}
		wg.Add(1)
		go func(i int, conn client.FrameConn) {
			defer wg.Done()
			log := logger.With(zap.Int("bot", i))
			if err := runBot(ctx, conn, opts, log); err != nil {
				log.Warn("bot stopped", zap.Error(err))
			}
		}(i, conn)
	}
	wg.Wait()
}

func dialSessions(ctx context.Context, url, tcpAddr string, n int, logger *zap.Logger) ([]client.FrameConn, func(), error) {
	if n <= 0 {
		n = 1
	}
	var conns []client.FrameConn
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}
	if tcpAddr != "" {
		cl, err := tcp.Dial(ctx, tcpAddr, logger.Named("yamux"))
		if err != nil {
			return nil, nil, err
		}
		closers = append(closers, cl.Close)
		for i := 0; i < n; i++ {
			c, err := cl.Open()
			if err != nil {
				closeAll()
				return nil, nil, err
			}
			conns = append(conns, c)
			closers = append(closers, c.Close)
		}
		return conns, closeAll, nil
	}
	for i := 0; i < n; i++ {
		c, err := ws.Dial(ctx, url)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		conns = append(conns, c)
		closers = append(closers, c.Close)
	}
	return conns, closeAll, nil
}

func dumpPath(path string, i, n int) string {
	if path == "" || n == 1 {
		return path
	}
	base := strings.TrimSuffix(path, ".snap.zst")
	return fmt.Sprintf("%s-%d.snap.zst", base, i)
}

// compressor packs every tile as it arrives.
type compressor struct {
	m   *client.Mirror
	log *zap.Logger
}

func (c compressor) TileChanged(s *tile.Snapshot) {
	if _, err := c.m.TryCompress(s.Pos); err != nil {
		c.log.Warn("compress", zap.Stringer("pos", s.Pos), zap.Error(err))
	}
}

func (c compressor) TileUnloaded(tile.Pos) {}

func runBot(ctx context.Context, conn client.FrameConn, o botOptions, log *zap.Logger) error {
	c := client.New(conn, client.Options{
		Config: o.far,
		Anchor: o.start,
		Log:    log.Named("client"),
		OnSession: func(open bool, limits []tile.Box) {
			log.Info("session", zap.Bool("open", open), zap.Int("levels", len(limits)))
		},
	})
	if o.compress {
		c.Mirror().AddListener(compressor{m: c.Mirror(), log: log})
	}

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()
	if err := c.Ready(); err != nil {
		return err
	}

	rng := rand.New(rand.NewSource(o.seed))
	pos := o.start
	heading := mgl64.Rotate3DY(rng.Float64() * 2 * math.Pi).Mul3x1(mgl64.Vec3{1, 0, 0})
	move := time.NewTicker(200 * time.Millisecond)
	defer move.Stop()
	turn := time.NewTicker(o.turnEvery)
	defer turn.Stop()
	status := time.NewTicker(5 * time.Second)
	defer status.Stop()
	last := time.Now()

	var err error
loop:
	for {
		select {
		case err = <-runErr:
			break loop
		case <-move.C:
			now := time.Now()
			pos = pos.Add(heading.Mul(o.speed * now.Sub(last).Seconds()))
			last = now
			if serr := c.SetAnchor(pos); serr != nil {
				log.Debug("anchor update", zap.Error(serr))
			}
		case <-turn.C:
			heading = mgl64.Rotate3DY(rng.Float64()*math.Pi - math.Pi/2).Mul3x1(heading)
		case <-status.C:
			st := c.Mirror().Stats()
			log.Info("mirror",
				zap.Float64("x", pos.X()), zap.Float64("z", pos.Z()),
				zap.Int64("tiles", st.TileCount),
				zap.Int64("with_data", st.TileCountWithData),
				zap.Int64("bytes", st.Total),
				zap.Int64("uncompressed", st.Uncompressed),
			)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		err = nil
	}

	if o.dump != "" {
		snap, derr := c.Mirror().Dump(c.Profile(), "")
		if derr == nil {
			derr = snapshot.WriteSnapshot(o.dump, snap)
		}
		if derr != nil {
			return errors.Join(err, fmt.Errorf("dump mirror: %w", derr))
		}
		log.Info("mirror dumped", zap.String("path", o.dump), zap.Int("tiles", len(snap.Tiles)))
	}
	c.Mirror().Clear()
	return err
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
