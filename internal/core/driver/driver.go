// Package driver 实现采样驱动：轮询遥测来源、推进各单元检测器、下发修正指令。
// 单 goroutine 协作式循环，所有检测器状态只在此循环内修改。
package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"train-slip-guard/internal/core/command"
	"train-slip-guard/internal/core/model"
	"train-slip-guard/internal/core/slip"
	"train-slip-guard/internal/core/store"
	"train-slip-guard/internal/source"
	"train-slip-guard/internal/stats/slipstats"
	"train-slip-guard/internal/util/timeutil"
)

// Source 遥测来源
// Poll 返回最近的新样本；没有新样本时返回 ok=false。
type Source interface {
	Poll(ctx context.Context) (s model.Sample, ok bool, err error)
}

// Waker 可提前唤醒采样循环的来源（如文件变更通知）
type Waker interface {
	Wake() <-chan struct{}
}

// Sink 指令输出
type Sink interface {
	Emit(ctx context.Context, line string) error
}

// RecordWriter JSONL 记录输出
type RecordWriter interface {
	Write(v any) error
}

// 默认参数
const (
	defaultPollInterval    = 100 * time.Millisecond
	defaultMetricsInterval = 10 * time.Second
	defaultMaxDrain        = 64
)

// Options 驱动参数
type Options struct {
	// PollInterval 轮询间隔
	PollInterval time.Duration
	// MetricsInterval 指标快照间隔
	MetricsInterval time.Duration
	// MaxDrain 每次轮询最多处理的样本数
	MaxDrain int
	// Events 滑移事件输出（可为 nil）
	Events RecordWriter
	// Metrics 指标快照输出（可为 nil）
	Metrics RecordWriter
	// SourceMetrics 来源侧指标（可为 nil），附加到指标快照
	SourceMetrics func() any
	// Clock 时间源（纳秒），为 nil 时使用 timeutil.NowNano
	Clock func() int64
}

// MetricsRecord 指标快照记录
type MetricsRecord struct {
	slipstats.Snapshot
	// Source 来源侧指标
	Source any `json:"source,omitempty"`
}

// Driver 采样驱动
type Driver struct {
	src     Source
	sink    Sink
	units   *store.Store
	tracker *slipstats.Tracker
	logger  *zap.Logger
	opts    Options

	// malformedCount 格式错误计数（用于采样日志）
	malformedCount uint64
	// lastMalformedLogNs 上次格式错误日志时间（纳秒）
	lastMalformedLogNs int64
}

// New 创建采样驱动
// 参数 src: 遥测来源
// 参数 sink: 指令输出
// 参数 units: 单元检测器缓存
// 参数 tracker: 统计追踪器
// 参数 logger: 日志记录器
// 参数 opts: 驱动参数
func New(src Source, sink Sink, units *store.Store, tracker *slipstats.Tracker, logger *zap.Logger, opts Options) *Driver {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = defaultMetricsInterval
	}
	if opts.MaxDrain <= 0 {
		opts.MaxDrain = defaultMaxDrain
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.NowNano
	}
	return &Driver{
		src:     src,
		sink:    sink,
		units:   units,
		tracker: tracker,
		logger:  logger.Named("driver"),
		opts:    opts,
	}
}

// Run 运行采样循环，直到 ctx 取消
// 每次唤醒（定时或来源通知）后先检查取消，再处理来源中的新样本。
func (d *Driver) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.PollInterval)
	defer ticker.Stop()

	metricsTicker := time.NewTicker(d.opts.MetricsInterval)
	defer metricsTicker.Stop()

	var wake <-chan struct{}
	if w, ok := d.src.(Waker); ok {
		wake = w.Wake()
	}

	d.logger.Info("采样驱动启动", zap.Duration("poll_interval", d.opts.PollInterval))

	for {
		select {
		case <-ctx.Done():
			d.writeMetrics()
			d.logger.Info("采样驱动退出")
			return nil
		case <-ticker.C:
		case <-wake:
		case <-metricsTicker.C:
			d.writeMetrics()
			continue
		}

		if ctx.Err() != nil {
			continue
		}
		d.Step(ctx)
	}
}

// Step 执行一次轮询，处理来源中所有可用的新样本
// 返回本次处理的样本数
func (d *Driver) Step(ctx context.Context) int {
	processed := 0
	for i := 0; i < d.opts.MaxDrain; i++ {
		s, ok, err := d.src.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return processed
			}
			if errors.Is(err, source.ErrMalformed) {
				d.tracker.IncMalformed()
				d.maybeLogMalformed(err)
				continue
			}
			d.tracker.IncIOError()
			d.logger.Debug("读取遥测失败，下次轮询重试", zap.Error(err))
			return processed
		}
		if !ok {
			return processed
		}
		if !s.IsFinite() {
			d.tracker.IncMalformed()
			d.maybeLogMalformed(fmt.Errorf("%w: 非有限数值", source.ErrMalformed))
			continue
		}

		d.Handle(ctx, s)
		processed++
	}
	return processed
}

// Handle 以一个样本推进对应单元的检测器
// 间隔取本单元上次成功读取至今的时间，首个样本使用最小间隔。
func (d *Driver) Handle(ctx context.Context, s model.Sample) slip.Transition {
	nowNs := s.ArrivedAtUnixNs
	if nowNs == 0 {
		nowNs = d.opts.Clock()
	}

	unit := d.units.GetOrCreate(s.UnitOr(model.DefaultUnit))
	elapsed := slip.MinElapsedSeconds
	if unit.LastReadNs != 0 {
		elapsed = timeutil.SecondsBetween(unit.LastReadNs, nowNs)
	}

	tr := unit.Detector.Update(s, elapsed)
	if tr.Discarded {
		d.tracker.IncMalformed()
		d.maybeLogMalformed(fmt.Errorf("%w: 单元 %s 滑移率溢出", source.ErrMalformed, unit.Name))
		return tr
	}
	unit.LastReadNs = nowNs
	d.tracker.Add(unit.Name, tr)

	switch {
	case tr.NewlySlipping:
		d.onSlipDetected(ctx, unit, s, tr, nowNs)
	case tr.Recovered:
		d.logger.Info("滑移解除",
			zap.String("unit", unit.Name),
			zap.Float64("ewma_slip", tr.EWMASlip),
		)
		d.writeEvent(&model.SlipEvent{
			Type:     model.EventSlipRecovered,
			Unit:     unit.Name,
			TsUnixNs: nowNs,
			Ratio:    tr.Ratio,
			EWMASlip: tr.EWMASlip,
			Throttle: s.Throttle,
		})
	}
	return tr
}

func (d *Driver) onSlipDetected(ctx context.Context, unit *store.Unit, s model.Sample, tr slip.Transition, nowNs int64) {
	corrected := unit.Detector.CorrectiveThrottle(s.Throttle)
	line := command.Format(corrected, tr.EWMASlip)

	err := d.sink.Emit(ctx, line)
	d.tracker.IncCommand(err)

	fields := []zap.Field{
		zap.String("unit", unit.Name),
		zap.Time("sample_time", timeutil.NanoToTime(nowNs)),
		zap.Float64("ratio", tr.Ratio),
		zap.Float64("ewma_slip", tr.EWMASlip),
		zap.Float64("throttle", s.Throttle),
		zap.Float64("corrected_throttle", corrected),
	}
	ev := &model.SlipEvent{
		Type:              model.EventSlipDetected,
		Unit:              unit.Name,
		TsUnixNs:          nowNs,
		Ratio:             tr.Ratio,
		EWMASlip:          tr.EWMASlip,
		Throttle:          s.Throttle,
		CorrectedThrottle: corrected,
		Command:           strings.TrimSuffix(line, "\n"),
	}
	if err != nil {
		ev.CommandErr = err.Error()
		d.logger.Error("检测到滑移，指令下发失败", append(fields, zap.Error(err))...)
	} else {
		d.logger.Warn("检测到滑移，已下发修正指令", fields...)
	}
	d.writeEvent(ev)
}

func (d *Driver) writeEvent(ev *model.SlipEvent) {
	if d.opts.Events == nil {
		return
	}
	if err := d.opts.Events.Write(ev); err != nil {
		d.logger.Debug("写入滑移事件失败", zap.Error(err))
	}
}

func (d *Driver) writeMetrics() {
	if d.opts.Metrics == nil {
		return
	}
	rec := MetricsRecord{Snapshot: d.tracker.Snapshot(d.opts.Clock())}
	if d.opts.SourceMetrics != nil {
		rec.Source = d.opts.SourceMetrics()
	}
	if err := d.opts.Metrics.Write(rec); err != nil {
		d.logger.Debug("写入指标快照失败", zap.Error(err))
	}
}

// maybeLogMalformed 采样记录格式错误样本，避免刷屏
// 采样策略：首次必记；之后每 100 次记录 1 条，且至少间隔 1 分钟。
func (d *Driver) maybeLogMalformed(err error) {
	count := atomic.AddUint64(&d.malformedCount, 1)
	if count != 1 && count%100 != 0 {
		return
	}

	nowNs := d.opts.Clock()
	last := atomic.LoadInt64(&d.lastMalformedLogNs)
	if last > 0 && nowNs-last < int64(time.Minute) {
		return
	}
	atomic.StoreInt64(&d.lastMalformedLogNs, nowNs)

	d.logger.Warn("跳过格式错误的遥测样本（采样）", zap.Error(err), zap.Uint64("count", count))
}
