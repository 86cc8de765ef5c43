// Package main 是列车滑移防护的入口点。
// 从模拟器遥测中检测轮对滑移，并向执行器文件追加油门修正指令。
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"train-slip-guard/internal/config"
	"train-slip-guard/internal/core/driver"
	"train-slip-guard/internal/core/store"
	"train-slip-guard/internal/output/jsonl"
	"train-slip-guard/internal/sink"
	"train-slip-guard/internal/source"
	"train-slip-guard/internal/source/filetail"
	"train-slip-guard/internal/source/synthetic"
	"train-slip-guard/internal/source/wsfeed"
	"train-slip-guard/internal/stats/slipstats"
	"train-slip-guard/internal/util/timeutil"
)

func main() {
	os.Exit(run())
}

// run 执行完整生命周期并返回进程退出码
// 启动失败时经由 defer 刷新日志并关闭已打开的输出。
func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.App)
	defer logger.Sync()
	if cfg.App.Name != "" {
		logger = logger.With(zap.String("app", cfg.App.Name))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 可能失败的输出先于来源打开，来源启动后不再有启动期退出
	eventsWriter, metricsWriter, err := openWriters(cfg.Output, logger)
	if err != nil {
		logger.Error("创建输出失败", zap.Error(err))
		return 1
	}

	// 指令输出路径无法打开属于配置错误，直接退出
	cmdSink, err := sink.NewFileSink(cfg.Sink, logger)
	if err != nil {
		logger.Error("打开指令输出失败", zap.Error(err))
		closeWriters(eventsWriter, metricsWriter, logger)
		return 1
	}

	// 捕获 SIGINT/SIGTERM，触发优雅退出
	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("收到退出信号，开始优雅关闭")
		cancel()
	}()

	src, closeSource, sourceMetrics := newSource(ctx, cfg, logger)

	opts := driver.Options{
		PollInterval:    timeutil.MsToDuration(cfg.Driver.PollIntervalMs),
		MetricsInterval: timeutil.MsToDuration(cfg.Output.MetricsIntervalMs),
		SourceMetrics:   sourceMetrics,
	}
	// 避免把 nil 指针装进接口
	if eventsWriter != nil {
		opts.Events = eventsWriter
	}
	if metricsWriter != nil {
		opts.Metrics = metricsWriter
	}

	units := store.New(cfg.Detector)
	tracker := slipstats.NewTracker(cfg.Output.WindowSize)
	drv := driver.New(src, cmdSink, units, tracker, logger, opts)

	logger.Info("滑移防护启动",
		zap.String("source", cfg.Source.Kind),
		zap.Strings("targets", cmdSink.Paths()),
		zap.Float64("slip_threshold", cfg.Detector.SlipThreshold),
		zap.Float64("debounce_seconds", cfg.Detector.DebounceSeconds),
	)

	if err := drv.Run(ctx); err != nil {
		logger.Error("采样驱动退出", zap.Error(err))
	}
	logger.Info("采样结束", zap.Int("units", units.Len()), zap.Strings("names", units.Names()))

	// 优雅关闭（10s 超时）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = closeSource()
		if err := cmdSink.Close(); err != nil {
			logger.Warn("关闭指令输出失败", zap.Error(err))
		}
		closeWriters(eventsWriter, metricsWriter, logger)
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("关闭超时，强制退出")
	case <-done:
		logger.Info("关闭完成")
	}
	return 0
}

// openWriters 按配置打开事件与指标输出，未启用的返回 nil
// 任一打开失败时关闭已打开的输出并返回错误。
func openWriters(out config.OutputConfig, logger *zap.Logger) (events, metrics *jsonl.Writer, err error) {
	if out.EventsEnabled {
		events, err = jsonl.NewWriter(filepath.Join(out.Dir, "events.jsonl"), out.BufferSize, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("创建 events writer 失败: %w", err)
		}
	}
	if out.MetricsEnabled {
		metrics, err = jsonl.NewWriter(filepath.Join(out.Dir, "metrics.jsonl"), out.BufferSize, logger)
		if err != nil {
			closeWriters(events, nil, logger)
			return nil, nil, fmt.Errorf("创建 metrics writer 失败: %w", err)
		}
	}
	return events, metrics, nil
}

// closeWriters 关闭输出并记录写入统计，nil 跳过
func closeWriters(events, metrics *jsonl.Writer, logger *zap.Logger) {
	if events != nil {
		_ = events.Close()
		logger.Info("事件输出已关闭", zap.Any("stats", events.Stats()))
	}
	if metrics != nil {
		_ = metrics.Close()
		logger.Info("指标输出已关闭", zap.Any("stats", metrics.Stats()))
	}
}

// newSource 按配置创建遥测来源
// 返回来源、关闭函数与来源侧指标（可为 nil）
func newSource(ctx context.Context, cfg *config.Config, logger *zap.Logger) (driver.Source, func() error, func() any) {
	switch cfg.Source.Kind {
	case config.SourceWebSocket:
		// WebSocket 消息固定为 JSON
		parser := source.NewParser(config.FormatJSON, cfg.Source.DefaultUnit)
		client := wsfeed.NewClient(cfg.Source.WS, parser, logger)
		go client.Run(ctx)
		return client, client.Close, func() any { return client.Metrics() }

	case config.SourceSynthetic:
		gen := synthetic.New(cfg.Source.Synthetic)
		return gen, func() error { return nil }, nil

	default:
		parser := source.NewParser(cfg.Source.Format, cfg.Source.DefaultUnit)
		tailer := filetail.New(cfg.Source.Path, parser, logger)
		return tailer, tailer.Close, nil
	}
}

// newLogger 创建日志记录器
// 始终输出到 stderr；配置 log_file 时同时写入按大小轮转的日志文件。
func newLogger(app config.AppConfig) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(app.LogLevel); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if app.LogFile == "" {
		logger, err := cfg.Build()
		if err != nil {
			return zap.NewNop()
		}
		return logger
	}

	enc := zapcore.NewJSONEncoder(cfg.EncoderConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(enc, zapcore.Lock(os.Stderr), cfg.Level),
		zapcore.NewCore(enc, zapcore.AddSync(newRotatingFile(app)), cfg.Level),
	)
	return zap.New(core, zap.AddCaller())
}

func newRotatingFile(app config.AppConfig) io.Writer {
	return &lumberjack.Logger{
		Filename:   app.LogFile,
		MaxSize:    app.LogMaxSizeMB,
		MaxBackups: app.LogMaxBackups,
		MaxAge:     app.LogMaxAgeDays,
		Compress:   true,
	}
}
