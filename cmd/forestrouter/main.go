package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/forest-router/internal/adminserver"
	"github.com/your-org/forest-router/internal/config"
	"github.com/your-org/forest-router/internal/fastpath"
	"github.com/your-org/forest-router/internal/ioproc"
	"github.com/your-org/forest-router/internal/pktlog"
	"github.com/your-org/forest-router/internal/pktstore"
	"github.com/your-org/forest-router/internal/queuemgr"
	"github.com/your-org/forest-router/internal/routercore"
	"github.com/your-org/forest-router/internal/signaling"
	"github.com/your-org/forest-router/internal/statsmodule"
	"github.com/your-org/forest-router/internal/telemetry/clickhouse"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

const (
	pktStoreDescriptors = 65536
	pktStoreBuffers     = 65536
	ioInboundQueueDepth = 1024
	pktLogCapacity      = 4096
)

func main() {
	configPath := extractConfigPath(os.Args[1:], "forestrouter.yaml")

	logger := initLogger("info", "json")
	defer logger.Sync()
	logger.Info("starting forest router", zap.String("version", Version), zap.String("build_time", BuildTime))

	fs := flag.NewFlagSet("forestrouter", flag.ExitOnError)
	fs.String("config", configPath, "path to configuration file")

	cfg, err := config.Load(configPath, fs, os.Args[1:])
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	logger = initLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("configuration loaded", zap.Uint32("myAdr", cfg.MyAdr), zap.String("mode", string(cfg.Mode)))

	store := pktstore.New(pktStoreDescriptors, pktStoreBuffers, true)
	tables := routercore.NewTables()
	qm := queuemgr.New(store, func() int64 { return time.Now().UnixNano() })
	io := ioproc.New(store, tables.Ifaces, tables.Links, logger, ioInboundQueueDepth)
	tracker := signaling.NewTracker()
	log := pktlog.New(pktLogCapacity)

	rc := routercore.New(cfg, tables, store, qm, io, tracker, log, logger)
	if err := rc.Setup(); err != nil {
		logger.Fatal("router setup failed", zap.Error(err))
	}
	logger.Info("router setup complete", zap.String("ifTbl", cfg.IfTbl), zap.String("lnkTbl", cfg.LnkTbl))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.ClickHouse.Enabled {
		sink, err := clickhouse.Open(clickhouse.Options{
			Addr:     cfg.ClickHouse.Addr,
			Database: cfg.ClickHouse.Database,
			Username: cfg.ClickHouse.Username,
			Password: cfg.ClickHouse.Password,
		}, logger)
		if err != nil {
			logger.Error("clickhouse sink unavailable, continuing without it", zap.Error(err))
		} else {
			go sink.Run(ctx, cfg.ClickHouse.Interval, func() []clickhouse.LinkSnapshot {
				return collectLinkSnapshots(rc)
			})
			defer sink.Close()
		}
	}

	probe := fastpath.MaybeLoad(ctx, cfg.Fastpath.Enabled, ifaceIndices(tables), logger)
	if probe != nil {
		defer probe.Close()
	}

	statsErrCh := make(chan error, 1)
	if cfg.Stats.Enabled {
		statsServer := statsmodule.NewServer(cfg.Stats.Addr, logger)
		go func() { statsErrCh <- statsServer.Start(ctx) }()
	}

	adminErrCh := make(chan error, 1)
	if cfg.Admin.Enabled {
		adminSrv := adminserver.New(cfg.Admin.Addr, tables.Ifaces, tables.Links, tables.Comtrees, tables.Routes, log, tracker, rc.QueueStats, logger)
		go func() { adminErrCh <- adminSrv.Start(ctx) }()
	}

	runErrCh := make(chan error, 1)
	go func() { runErrCh <- rc.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	var finTimer <-chan time.Time
	if cfg.FinTime > 0 {
		t := time.NewTimer(cfg.FinTime)
		defer t.Stop()
		finTimer = t.C
	}

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-finTimer:
		logger.Info("finTime elapsed, shutting down")
	case err := <-runErrCh:
		if err != nil {
			logger.Error("router main loop exited with error", zap.Error(err))
		}
	case err := <-statsErrCh:
		if err != nil {
			logger.Error("stats server error", zap.Error(err))
		}
	case err := <-adminErrCh:
		if err != nil {
			logger.Error("admin server error", zap.Error(err))
		}
	}

	logger.Info("shutting down forest router")
	cancel()
	time.Sleep(200 * time.Millisecond)
	logger.Info("forest router shutdown complete")
}

// extractConfigPath does a plain scan for -config/--config ahead of any
// flag.FlagSet construction, since the config path must be known before
// config.Load can register and parse the rest of the CLI's overlay flags
// on the same pass.
func extractConfigPath(args []string, def string) string {
	for i, a := range args {
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				return args[i+1]
			}
		case strings.HasPrefix(a, "-config="):
			return strings.TrimPrefix(a, "-config=")
		case strings.HasPrefix(a, "--config="):
			return strings.TrimPrefix(a, "--config=")
		}
	}
	return def
}

func initLogger(level, format string) *zap.Logger {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = zap.InfoLevel
	}
	encoding := "json"
	if format == "console" {
		encoding = "console"
	}
	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(lvl),
		Development: false,
		Encoding:    encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			FunctionKey:    zapcore.OmitKey,
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// ifaceIndices resolves each configured logical interface's local IP to
// an OS network interface index, for fastpath's XDP attach points.
func ifaceIndices(tables *routercore.Tables) []int {
	nics, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var idx []int
	for _, f := range tables.Ifaces.All() {
		for _, nic := range nics {
			addrs, err := nic.Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				ipNet, ok := a.(*net.IPNet)
				if ok && ipNet.IP.Equal(f.LocalIP) {
					idx = append(idx, nic.Index)
				}
			}
		}
	}
	return idx
}

// collectLinkSnapshots summarizes each link's current queue backlog for
// the ClickHouse sink. Per-link cumulative packet/byte counters live
// only in statsmodule's Prometheus vectors, which aren't readable back
// out of the client library; those columns are left zero here.
func collectLinkSnapshots(rc *routercore.RouterCore) []clickhouse.LinkSnapshot {
	now := time.Now()
	byLink := make(map[int]*clickhouse.LinkSnapshot)
	for _, q := range rc.QueueStats() {
		snap, ok := byLink[q.Link]
		if !ok {
			snap = &clickhouse.LinkSnapshot{Timestamp: now, Link: int32(q.Link)}
			byLink[q.Link] = snap
		}
		snap.QueueBacklog += uint64(q.Packets)
	}
	out := make([]clickhouse.LinkSnapshot, 0, len(byLink))
	for _, snap := range byLink {
		out = append(out, *snap)
	}
	return out
}
