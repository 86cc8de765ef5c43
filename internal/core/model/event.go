package model

// EventType 滑移事件类型
type EventType string

const (
	// EventSlipDetected 进入滑移状态（去抖时间到期）
	EventSlipDetected EventType = "slip_detected"
	// EventSlipRecovered 滑移解除（恢复时间到期）
	EventSlipRecovered EventType = "slip_recovered"
)

// SlipEvent 滑移状态转移事件
// 写入 events.jsonl 供离线复盘
type SlipEvent struct {
	// Type 事件类型
	Type EventType `json:"type"`
	// Unit 受监控单元
	Unit string `json:"unit"`
	// TsUnixNs 事件时间（纳秒）
	TsUnixNs int64 `json:"ts_unix_ns"`
	// Ratio 触发样本的瞬时滑移率
	Ratio float64 `json:"ratio"`
	// EWMASlip 触发时的平滑滑移率
	EWMASlip float64 `json:"ewma_slip"`
	// Throttle 触发样本的油门
	Throttle float64 `json:"throttle"`
	// CorrectedThrottle 修正后的油门（仅 slip_detected）
	CorrectedThrottle float64 `json:"corrected_throttle,omitempty"`
	// Command 已下发的指令文本（仅 slip_detected，不含换行）
	Command string `json:"command,omitempty"`
	// CommandErr 指令下发失败原因（若失败）
	CommandErr string `json:"command_err,omitempty"`
}
