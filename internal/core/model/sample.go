// Package model 定义滑移检测链路中使用的核心数据结构。
// 包含遥测样本、滑移事件与输出指令等类型。
package model

import (
	"math"
)

// DefaultUnit 样本未携带单元标识时的默认单元名
const DefaultUnit = "main"

// Sample 遥测样本（不可变值）
// 由遥测来源以不规则的时间间隔产生，不做持久化。
type Sample struct {
	// Unit 受监控单元标识（轮轴/机车），为空时由来源填充默认值
	Unit string `json:"unit,omitempty"`
	// SpeedTrain 地速（非负）
	SpeedTrain float64 `json:"speed_train"`
	// SpeedWheel 轮面线速度（非负）
	SpeedWheel float64 `json:"speed_wheel"`
	// Throttle 油门开度，范围 [0, 1]
	Throttle float64 `json:"throttle"`
	// ArrivedAtUnixNs 本机读取到样本的时间戳（纳秒）
	// 仅供采样驱动计算间隔，不参与检测计算
	ArrivedAtUnixNs int64 `json:"arrived_at_unix_ns,omitempty"`
}

// IsFinite 判断样本数值字段是否均为有限数
// 物理合理性（负速度等）不在此校验，交由检测器按算术处理。
func (s Sample) IsFinite() bool {
	return finite(s.SpeedTrain) && finite(s.SpeedWheel) && finite(s.Throttle)
}

// UnitOr 返回样本单元标识，为空时返回 fallback
func (s Sample) UnitOr(fallback string) string {
	if s.Unit != "" {
		return s.Unit
	}
	if fallback != "" {
		return fallback
	}
	return DefaultUnit
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
