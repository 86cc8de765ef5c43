// Package driver 采样驱动测试
package driver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"train-slip-guard/internal/config"
	"train-slip-guard/internal/core/model"
	"train-slip-guard/internal/core/slip"
	"train-slip-guard/internal/core/store"
	"train-slip-guard/internal/source"
	"train-slip-guard/internal/stats/slipstats"
)

type pollResult struct {
	s   model.Sample
	err error
}

// fakeSource 按顺序返回预置结果，取完后返回 ok=false
type fakeSource struct {
	mu      sync.Mutex
	results []pollResult
	wake    chan struct{}
}

func (f *fakeSource) push(rs ...pollResult) {
	f.mu.Lock()
	f.results = append(f.results, rs...)
	f.mu.Unlock()
}

func (f *fakeSource) Poll(ctx context.Context) (model.Sample, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.results) == 0 {
		return model.Sample{}, false, nil
	}
	r := f.results[0]
	f.results = f.results[1:]
	if r.err != nil {
		return model.Sample{}, false, r.err
	}
	return r.s, true, nil
}

type wakingSource struct {
	*fakeSource
}

func (w wakingSource) Wake() <-chan struct{} {
	return w.wake
}

type fakeSink struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (f *fakeSink) Emit(_ context.Context, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.lines = append(f.lines, line)
	return nil
}

type fakeWriter struct {
	mu      sync.Mutex
	records []any
}

func (f *fakeWriter) Write(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, v)
	return nil
}

func (f *fakeWriter) events() []*model.SlipEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*model.SlipEvent
	for _, r := range f.records {
		if ev, ok := r.(*model.SlipEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	src     *fakeSource
	sink    *fakeSink
	events  *fakeWriter
	metrics *fakeWriter
	units   *store.Store
	tracker *slipstats.Tracker
	d       *Driver
}

func newHarness(cfg config.DetectorConfig) *harness {
	h := &harness{
		src:     &fakeSource{wake: make(chan struct{}, 1)},
		sink:    &fakeSink{},
		events:  &fakeWriter{},
		metrics: &fakeWriter{},
		units:   store.New(cfg),
		tracker: slipstats.NewTracker(100),
	}
	h.d = New(h.src, h.sink, h.units, h.tracker, zap.NewNop(), Options{
		PollInterval: time.Hour,
		Events:       h.events,
		Metrics:      h.metrics,
	})
	return h
}

// samplesEvery 生成间隔固定的样本序列
func samplesEvery(unit string, startNs, stepNs int64, n int, train, wheel, throttle float64) []pollResult {
	out := make([]pollResult, n)
	for i := range out {
		out[i] = pollResult{s: model.Sample{
			Unit:            unit,
			SpeedTrain:      train,
			SpeedWheel:      wheel,
			Throttle:        throttle,
			ArrivedAtUnixNs: startNs + int64(i)*stepNs,
		}}
	}
	return out
}

const ms100 = int64(100 * time.Millisecond)

func TestDriver_SustainedSlipEmitsOneCommand(t *testing.T) {
	h := newHarness(config.DefaultDetectorConfig())
	h.src.push(samplesEvery("main", 1e9, ms100, 20, 15.0, 17.5, 0.9)...)

	if n := h.d.Step(context.Background()); n != 20 {
		t.Fatalf("Step 处理 %d 个样本, want 20", n)
	}

	if len(h.sink.lines) != 1 {
		t.Fatalf("指令数=%d, want 1: %q", len(h.sink.lines), h.sink.lines)
	}
	line := h.sink.lines[0]
	if !strings.HasPrefix(line, "set_throttle 0.450 # detected slip 0.1") || !strings.HasSuffix(line, "\n") {
		t.Fatalf("指令格式异常: %q", line)
	}

	evs := h.events.events()
	if len(evs) != 1 || evs[0].Type != model.EventSlipDetected || evs[0].Unit != "main" {
		t.Fatalf("事件异常: %+v", evs)
	}
	if evs[0].Command != strings.TrimSuffix(line, "\n") || evs[0].CorrectedThrottle != 0.45 {
		t.Fatalf("事件内容异常: %+v", evs[0])
	}

	st := h.tracker.Stats("main")
	if st.Samples != 20 || st.SlipEvents != 1 {
		t.Fatalf("统计异常: %+v", st)
	}
}

func TestDriver_FirstSampleUsesElapsedFloor(t *testing.T) {
	h := newHarness(config.DefaultDetectorConfig())
	tr := h.d.Handle(context.Background(), model.Sample{SpeedTrain: 15, SpeedWheel: 15, ArrivedAtUnixNs: 5e9})
	if tr.ElapsedSeconds != slip.MinElapsedSeconds {
		t.Fatalf("首个样本 ElapsedSeconds=%v, want %v", tr.ElapsedSeconds, slip.MinElapsedSeconds)
	}
	tr = h.d.Handle(context.Background(), model.Sample{SpeedTrain: 15, SpeedWheel: 15, ArrivedAtUnixNs: 5e9 + 250*int64(time.Millisecond)})
	if tr.ElapsedSeconds != 0.25 {
		t.Fatalf("ElapsedSeconds=%v, want 0.25", tr.ElapsedSeconds)
	}
}

func TestDriver_MalformedSampleLeavesStateIntact(t *testing.T) {
	h := newHarness(config.DefaultDetectorConfig())
	h.src.push(samplesEvery("main", 1e9, ms100, 4, 15.0, 17.5, 0.9)...)
	h.d.Step(context.Background())

	u := h.units.Get("main")
	before := u.Detector.State()
	lastRead := u.LastReadNs

	h.src.push(pollResult{err: fmt.Errorf("%w: 半行", source.ErrMalformed)})
	if n := h.d.Step(context.Background()); n != 0 {
		t.Fatalf("格式错误样本不应被处理, n=%d", n)
	}

	if after := u.Detector.State(); after != before {
		t.Fatalf("检测器状态被修改: before=%+v after=%+v", before, after)
	}
	if u.LastReadNs != lastRead {
		t.Fatalf("LastReadNs 被修改")
	}
	if snap := h.tracker.Snapshot(0); snap.Malformed != 1 {
		t.Fatalf("Malformed=%d, want 1", snap.Malformed)
	}
	if h.units.Len() != 1 {
		t.Fatalf("格式错误不应创建单元")
	}
}

func TestDriver_MalformedDoesNotStopDrain(t *testing.T) {
	h := newHarness(config.DefaultDetectorConfig())
	h.src.push(pollResult{err: source.ErrMalformed})
	h.src.push(samplesEvery("main", 1e9, ms100, 2, 15, 15, 0.5)...)
	if n := h.d.Step(context.Background()); n != 2 {
		t.Fatalf("n=%d, want 2", n)
	}
}

func TestDriver_NonFiniteSampleSkipped(t *testing.T) {
	h := newHarness(config.DefaultDetectorConfig())
	h.src.push(pollResult{s: model.Sample{SpeedTrain: math.NaN(), SpeedWheel: 15, ArrivedAtUnixNs: 1e9}})
	if n := h.d.Step(context.Background()); n != 0 {
		t.Fatalf("非有限样本不应被处理, n=%d", n)
	}
	if snap := h.tracker.Snapshot(0); snap.Malformed != 1 {
		t.Fatalf("Malformed=%d, want 1", snap.Malformed)
	}
	if h.units.Len() != 0 {
		t.Fatalf("非有限样本不应创建单元")
	}
}

func TestDriver_OverflowSampleSkipped(t *testing.T) {
	h := newHarness(config.DefaultDetectorConfig())
	h.src.push(samplesEvery("main", 1e9, ms100, 3, 15, 15, 0.5)...)
	h.d.Step(context.Background())

	u := h.units.Get("main")
	before := u.Detector.State()
	lastRead := u.LastReadNs

	h.src.push(pollResult{s: model.Sample{Unit: "main", SpeedTrain: 0, SpeedWheel: 1e306, Throttle: 0.5, ArrivedAtUnixNs: 1e9 + 3*ms100}})
	h.d.Step(context.Background())

	if after := u.Detector.State(); after != before {
		t.Fatalf("溢出样本修改了检测器状态: before=%+v after=%+v", before, after)
	}
	if u.LastReadNs != lastRead {
		t.Fatalf("溢出样本不应更新 LastReadNs")
	}
	snap := h.tracker.Snapshot(0)
	if snap.Malformed != 1 || snap.Units[0].Samples != 3 {
		t.Fatalf("统计异常: %+v", snap)
	}
	if math.IsInf(snap.Units[0].RatioMax, 0) {
		t.Fatalf("溢出滑移率不应进入统计窗口")
	}
}

func TestDriver_IOErrorStopsStep(t *testing.T) {
	h := newHarness(config.DefaultDetectorConfig())
	h.src.push(pollResult{err: errors.New("读取快照失败: permission denied")})
	h.src.push(samplesEvery("main", 1e9, ms100, 1, 15, 15, 0.5)...)

	if n := h.d.Step(context.Background()); n != 0 {
		t.Fatalf("I/O 错误后本次轮询应结束, n=%d", n)
	}
	if snap := h.tracker.Snapshot(0); snap.IOErrors != 1 {
		t.Fatalf("IOErrors=%d, want 1", snap.IOErrors)
	}
	// 下次轮询继续
	if n := h.d.Step(context.Background()); n != 1 {
		t.Fatalf("下次轮询应处理样本, n=%d", n)
	}
}

func TestDriver_RecoveryEvent(t *testing.T) {
	cfg := config.DefaultDetectorConfig()
	cfg.EWMAAlpha = 1
	h := newHarness(cfg)

	h.src.push(samplesEvery("main", 1e9, ms100, 8, 20, 26, 0.8)...)
	h.src.push(samplesEvery("main", 1e9+8*ms100, ms100, 15, 20, 20, 0.8)...)
	h.d.Step(context.Background())

	evs := h.events.events()
	if len(evs) != 2 {
		t.Fatalf("事件数=%d, want 2: %+v", len(evs), evs)
	}
	if evs[0].Type != model.EventSlipDetected || evs[1].Type != model.EventSlipRecovered {
		t.Fatalf("事件顺序异常: %s, %s", evs[0].Type, evs[1].Type)
	}
	if st := h.tracker.Stats("main"); st.Recoveries != 1 || st.Phase != "neutral" {
		t.Fatalf("统计异常: %+v", st)
	}
}

func TestDriver_SinkErrorRecordedOnEvent(t *testing.T) {
	h := newHarness(config.DefaultDetectorConfig())
	h.sink.err = errors.New("disk full")
	h.src.push(samplesEvery("main", 1e9, ms100, 20, 15.0, 17.5, 0.9)...)
	h.d.Step(context.Background())

	evs := h.events.events()
	if len(evs) != 1 || evs[0].CommandErr != "disk full" {
		t.Fatalf("事件应记录下发失败原因: %+v", evs)
	}
	snap := h.tracker.Snapshot(0)
	if snap.Commands != 1 || snap.CommandErrors != 1 {
		t.Fatalf("指令统计异常: %+v", snap)
	}
	// 指令失败不影响检测器锁存
	if !h.units.Get("main").Detector.State().IsSlipping {
		t.Fatalf("指令失败后仍应保持滑移状态")
	}
}

func TestDriver_UnitsAreIndependent(t *testing.T) {
	h := newHarness(config.DefaultDetectorConfig())
	front := samplesEvery("front", 1e9, ms100, 20, 15.0, 17.5, 0.9)
	rear := samplesEvery("rear", 1e9, ms100, 20, 15.0, 15.0, 0.9)
	for i := range front {
		h.src.push(front[i], rear[i])
	}
	h.d.Step(context.Background())

	if !h.units.Get("front").Detector.State().IsSlipping {
		t.Fatalf("front 应处于滑移")
	}
	if h.units.Get("rear").Detector.State().IsSlipping {
		t.Fatalf("rear 不应受 front 影响")
	}
	if len(h.sink.lines) != 1 {
		t.Fatalf("指令数=%d, want 1", len(h.sink.lines))
	}
}

func TestDriver_RunStopsOnCancelAndWritesMetrics(t *testing.T) {
	h := newHarness(config.DefaultDetectorConfig())
	src := wakingSource{h.src}
	h.d = New(src, h.sink, h.units, h.tracker, zap.NewNop(), Options{
		PollInterval:  time.Hour,
		Events:        h.events,
		Metrics:       h.metrics,
		SourceMetrics: func() any { return map[string]int{"reconnects": 0} },
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.d.Run(ctx) }()

	h.src.push(samplesEvery("main", 1e9, ms100, 1, 15, 15, 0.5)...)
	h.src.wake <- struct{}{}

	deadline := time.Now().Add(2 * time.Second)
	for h.tracker.Stats("main").Samples == 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("唤醒后样本未被处理")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("取消后 Run 未退出")
	}

	h.metrics.mu.Lock()
	defer h.metrics.mu.Unlock()
	if len(h.metrics.records) == 0 {
		t.Fatalf("退出时应写出最后一条指标快照")
	}
	rec, ok := h.metrics.records[len(h.metrics.records)-1].(MetricsRecord)
	if !ok || len(rec.Units) != 1 || rec.Source == nil {
		t.Fatalf("指标快照异常: %+v", h.metrics.records[len(h.metrics.records)-1])
	}
}
