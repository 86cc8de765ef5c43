// Package slip 实现轮对滑移检测与油门修正。
// 检测器对瞬时滑移率做 EWMA 平滑，并以去抖/恢复两段迟滞判定滑移状态。
package slip

import (
	"math"

	"train-slip-guard/internal/config"
	"train-slip-guard/internal/core/model"
)

// MinElapsedSeconds 采样间隔未知或非正时使用的最小间隔（秒）
const MinElapsedSeconds = 1e-6

// Phase 检测器状态
type Phase int

const (
	// PhaseNeutral 无滑移，无累计去抖时间
	PhaseNeutral Phase = iota
	// PhaseDebouncing 未锁存，已累计部分去抖时间
	PhaseDebouncing
	// PhaseSlipping 已锁存滑移
	PhaseSlipping
	// PhaseRecovering 已锁存滑移，正在累计恢复时间
	PhaseRecovering
)

// String 返回状态名称
func (p Phase) String() string {
	switch p {
	case PhaseNeutral:
		return "neutral"
	case PhaseDebouncing:
		return "debouncing"
	case PhaseSlipping:
		return "slipping"
	case PhaseRecovering:
		return "recovering"
	default:
		return "unknown"
	}
}

// State 检测器状态快照
type State struct {
	// EWMASlip 当前平滑滑移率
	EWMASlip float64
	// DebounceAccumulated 平滑滑移率持续超过滑移阈值的累计时间（秒）
	DebounceAccumulated float64
	// RecoveryAccumulated 平滑滑移率持续低于恢复阈值的累计时间（秒）
	RecoveryAccumulated float64
	// Phase 当前状态
	Phase Phase
	// IsSlipping 是否处于锁存的滑移状态
	IsSlipping bool
}

// Transition 单次更新的结果
type Transition struct {
	// Ratio 本次样本的瞬时滑移率
	Ratio float64
	// EWMASlip 更新后的平滑滑移率
	EWMASlip float64
	// ElapsedSeconds 实际参与累计的间隔（已应用下限）
	ElapsedSeconds float64
	// Phase 更新后的状态
	Phase Phase
	// IsSlipping 更新后是否处于滑移状态
	IsSlipping bool
	// NewlySlipping 本次更新是否刚进入滑移状态（用于一次性副作用，如下发指令）
	NewlySlipping bool
	// Recovered 本次更新是否刚解除滑移
	Recovered bool
	// Discarded 瞬时滑移率非有限（数值溢出），样本被丢弃，状态未改变
	Discarded bool
}

// Detector 单个受监控单元的滑移检测器
// 非并发安全：每个单元持有独立实例，由采样驱动单 goroutine 调用。
type Detector struct {
	cfg config.DetectorConfig

	ewma     float64
	debounce float64
	recovery float64
	latched  bool
	phase    Phase
}

// NewDetector 创建滑移检测器
// 参数 cfg: 检测器参数，调用方负责预先验证（见 config.DetectorConfig.Validate）
func NewDetector(cfg config.DetectorConfig) *Detector {
	d := &Detector{cfg: cfg}
	d.Reset()
	return d
}

// Reset 恢复到初始状态（EWMA 回到基线值）
func (d *Detector) Reset() {
	d.ewma = d.cfg.BaselineSlip
	d.debounce = 0
	d.recovery = 0
	d.latched = false
	d.phase = PhaseNeutral
}

// State 返回当前状态快照
func (d *Detector) State() State {
	return State{
		EWMASlip:            d.ewma,
		DebounceAccumulated: d.debounce,
		RecoveryAccumulated: d.recovery,
		Phase:               d.phase,
		IsSlipping:          d.latched,
	}
}

// SlipRatio 计算瞬时滑移率
// 公式: (轮速 - 地速) / max(地速, epsilon)
// 结果可以为负（轮速低于地速，抱死趋势），本检测器只关注正向滑移。
func SlipRatio(s model.Sample, epsilon float64) float64 {
	return (s.SpeedWheel - s.SpeedTrain) / math.Max(s.SpeedTrain, epsilon)
}

// Update 以一个样本推进检测器
// 参数 s: 遥测样本
// 参数 elapsedSeconds: 距上一个样本的间隔（秒），非正/非有限值按 MinElapsedSeconds 处理
func (d *Detector) Update(s model.Sample, elapsedSeconds float64) Transition {
	dt := elapsedSeconds
	if !(dt > 0) || math.IsInf(dt, 1) {
		dt = MinElapsedSeconds
	}

	ratio := SlipRatio(s, d.cfg.SpeedEpsilon)
	// 有限输入也可能溢出（如地速 0、轮速 1e306）；写入 EWMA 会永久污染状态
	if math.IsNaN(ratio) || math.IsInf(ratio, 0) {
		return Transition{
			Ratio:          ratio,
			EWMASlip:       d.ewma,
			ElapsedSeconds: dt,
			Phase:          d.phase,
			IsSlipping:     d.latched,
			Discarded:      true,
		}
	}
	d.ewma = ewmaStep(d.ewma, ratio, d.cfg.EWMAAlpha)

	tr := Transition{
		Ratio:          ratio,
		EWMASlip:       d.ewma,
		ElapsedSeconds: dt,
	}

	switch {
	case d.ewma > d.cfg.SlipThreshold:
		d.recovery = 0
		// 锁存后去抖计数冻结，不再增长
		if !d.latched {
			d.debounce += dt
			if d.debounce >= d.cfg.DebounceSeconds {
				d.latched = true
				tr.NewlySlipping = true
			}
		}

	case d.ewma < d.cfg.RecoveryThreshold:
		// 进入恢复分支时不清零去抖计数，只有恢复确认后才清零
		d.recovery += dt
		if d.recovery >= d.cfg.RecoverySeconds {
			d.debounce = 0
			if d.latched {
				d.latched = false
				tr.Recovered = true
			}
		}

	default:
		// 中性区：两个计数都清零，但不解除已锁存的滑移
		d.recovery = 0
		d.debounce = 0
	}

	d.phase = d.derivePhase()
	tr.Phase = d.phase
	tr.IsSlipping = d.latched
	return tr
}

// CorrectiveThrottle 按本检测器的削减比例计算修正油门
func (d *Detector) CorrectiveThrottle(current float64) float64 {
	return CorrectiveThrottle(current, d.cfg.ReductionFactor)
}

// CorrectiveThrottle 计算修正油门: max(0, current * (1 - reductionFactor))
// 纯函数，无状态无副作用。
func CorrectiveThrottle(current, reductionFactor float64) float64 {
	return math.Max(0, current*(1-reductionFactor))
}

func (d *Detector) derivePhase() Phase {
	switch {
	case d.latched && d.recovery > 0:
		return PhaseRecovering
	case d.latched:
		return PhaseSlipping
	case d.debounce > 0:
		return PhaseDebouncing
	default:
		return PhaseNeutral
	}
}

// ewmaStep 计算 alpha*x + (1-alpha)*prev，并夹在 prev 与 x 之间
// 浮点舍入可能使结果越过端点 1 ulp，夹取保证结果始终是凸组合。
func ewmaStep(prev, x, alpha float64) float64 {
	next := alpha*x + (1-alpha)*prev
	lo, hi := math.Min(prev, x), math.Max(prev, x)
	if next < lo {
		return lo
	}
	if next > hi {
		return hi
	}
	return next
}
