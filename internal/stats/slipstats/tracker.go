// Package slipstats 维护各受监控单元的滑移率滚动统计。
// 指标快照周期性写入 metrics.jsonl，供离线观察。
package slipstats

import (
	"sort"
	"sync"

	"train-slip-guard/internal/core/slip"
)

// UnitStats 单个单元的统计快照（滚动窗口 + 累计计数）
type UnitStats struct {
	// Unit 受监控单元
	Unit string `json:"unit"`
	// Samples 已处理样本数（累计）
	Samples int64 `json:"samples"`
	// SlipEvents 进入滑移次数（累计）
	SlipEvents int64 `json:"slip_events"`
	// Recoveries 滑移解除次数（累计）
	Recoveries int64 `json:"recoveries"`
	// Phase 最近一次更新后的状态
	Phase string `json:"phase"`
	// EWMASlip 最近一次更新后的平滑滑移率
	EWMASlip float64 `json:"ewma_slip"`

	// RatioP50 瞬时滑移率 P50（滚动窗口）
	RatioP50 float64 `json:"ratio_p50"`
	// RatioP90 瞬时滑移率 P90（滚动窗口）
	RatioP90 float64 `json:"ratio_p90"`
	// RatioP99 瞬时滑移率 P99（滚动窗口）
	RatioP99 float64 `json:"ratio_p99"`
	// RatioMax 滚动窗口内最大瞬时滑移率
	RatioMax float64 `json:"ratio_max"`

	// IntervalP50Ms 采样间隔 P50（毫秒，滚动窗口）
	IntervalP50Ms float64 `json:"interval_p50_ms"`
	// IntervalP99Ms 采样间隔 P99（毫秒，滚动窗口）
	IntervalP99Ms float64 `json:"interval_p99_ms"`
	// IntervalMaxMs 滚动窗口内最大采样间隔（毫秒）
	IntervalMaxMs float64 `json:"interval_max_ms"`
}

type rollingWindow struct {
	size int
	buf  []float64
	pos  int
	full bool
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{size: size, buf: make([]float64, 0, size)}
}

func (w *rollingWindow) add(v float64) {
	if w.size <= 0 {
		return
	}

	if !w.full {
		w.buf = append(w.buf, v)
		if len(w.buf) == w.size {
			w.full = true
			w.pos = 0
		}
		return
	}

	w.buf[w.pos] = v
	w.pos++
	if w.pos >= w.size {
		w.pos = 0
	}
}

// quantiles 返回各分位数与最大值；窗口为空时全部为 0
func (w *rollingWindow) quantiles(qs ...float64) (values []float64, max float64) {
	values = make([]float64, len(qs))
	if len(w.buf) == 0 {
		return values, 0
	}

	tmp := make([]float64, len(w.buf))
	copy(tmp, w.buf)
	sort.Float64s(tmp)

	n := len(tmp)
	for i, q := range qs {
		values[i] = tmp[quantileIndex(n, q)]
	}
	return values, tmp[n-1]
}

func quantileIndex(n int, q float64) int {
	if q <= 0 {
		return 0
	}
	if q >= 1 {
		return n - 1
	}
	idx := int(float64(n-1) * q)
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}

type unitTracker struct {
	ratios     *rollingWindow
	intervals  *rollingWindow
	samples    int64
	slipEvents int64
	recoveries int64
	phase      slip.Phase
	ewma       float64
}

// Tracker 滑移统计追踪器
// 每个单元维护独立的滚动窗口；可被指标 goroutine 并发读取。
type Tracker struct {
	windowSize int

	mu        sync.Mutex
	units     map[string]*unitTracker
	malformed int64
	ioErrors  int64
	commands  int64
	cmdErrors int64
}

// NewTracker 创建统计追踪器
// 参数 windowSize: 滚动窗口大小（建议 1000），用于 P50/P90/P99。
func NewTracker(windowSize int) *Tracker {
	return &Tracker{
		windowSize: windowSize,
		units:      make(map[string]*unitTracker),
	}
}

// Add 记录一次检测器更新结果
func (t *Tracker) Add(unit string, tr slip.Transition) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ut, ok := t.units[unit]
	if !ok {
		ut = &unitTracker{
			ratios:    newRollingWindow(t.windowSize),
			intervals: newRollingWindow(t.windowSize),
		}
		t.units[unit] = ut
	}

	ut.samples++
	ut.ratios.add(tr.Ratio)
	// 首个样本使用最小间隔，不代表真实采样节奏
	if tr.ElapsedSeconds > slip.MinElapsedSeconds {
		ut.intervals.add(tr.ElapsedSeconds * 1000)
	}
	ut.phase = tr.Phase
	ut.ewma = tr.EWMASlip
	if tr.NewlySlipping {
		ut.slipEvents++
	}
	if tr.Recovered {
		ut.recoveries++
	}
}

// IncMalformed 记录一次格式错误样本
func (t *Tracker) IncMalformed() {
	t.mu.Lock()
	t.malformed++
	t.mu.Unlock()
}

// IncIOError 记录一次来源读取错误
func (t *Tracker) IncIOError() {
	t.mu.Lock()
	t.ioErrors++
	t.mu.Unlock()
}

// IncCommand 记录一次指令下发结果
func (t *Tracker) IncCommand(err error) {
	t.mu.Lock()
	t.commands++
	if err != nil {
		t.cmdErrors++
	}
	t.mu.Unlock()
}

// Stats 获取指定单元的统计快照
func (t *Tracker) Stats(unit string) UnitStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statsLocked(unit)
}

func (t *Tracker) statsLocked(unit string) UnitStats {
	ut, ok := t.units[unit]
	if !ok {
		return UnitStats{Unit: unit, Phase: slip.PhaseNeutral.String()}
	}

	qs, max := ut.ratios.quantiles(0.50, 0.90, 0.99)
	iv, ivMax := ut.intervals.quantiles(0.50, 0.99)
	return UnitStats{
		Unit:       unit,
		Samples:    ut.samples,
		SlipEvents: ut.slipEvents,
		Recoveries: ut.recoveries,
		Phase:      ut.phase.String(),
		EWMASlip:   ut.ewma,
		RatioP50:   qs[0],
		RatioP90:   qs[1],
		RatioP99:   qs[2],
		RatioMax:   max,

		IntervalP50Ms: iv[0],
		IntervalP99Ms: iv[1],
		IntervalMaxMs: ivMax,
	}
}

// Snapshot 全局统计快照
type Snapshot struct {
	// TsUnixNs 采集时间（纳秒）
	TsUnixNs int64 `json:"ts_unix_ns"`
	// Malformed 格式错误样本数（累计）
	Malformed int64 `json:"malformed"`
	// IOErrors 来源读取错误数（累计）
	IOErrors int64 `json:"io_errors"`
	// Commands 已下发指令数（累计）
	Commands int64 `json:"commands"`
	// CommandErrors 下发失败的指令数（累计）
	CommandErrors int64 `json:"command_errors"`
	// Units 按单元名排序的统计
	Units []UnitStats `json:"units"`
}

// Snapshot 获取全部单元的统计快照
func (t *Tracker) Snapshot(nowNs int64) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.units))
	for name := range t.units {
		names = append(names, name)
	}
	sort.Strings(names)

	units := make([]UnitStats, 0, len(names))
	for _, name := range names {
		units = append(units, t.statsLocked(name))
	}

	return Snapshot{
		TsUnixNs:      nowNs,
		Malformed:     t.malformed,
		IOErrors:      t.ioErrors,
		Commands:      t.commands,
		CommandErrors: t.cmdErrors,
		Units:         units,
	}
}
