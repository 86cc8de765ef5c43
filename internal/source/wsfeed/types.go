// Package wsfeed 定义 WebSocket 遥测来源的指标类型。
package wsfeed

// ConnectionMetrics 连接质量指标
type ConnectionMetrics struct {
	// ReconnectCount 重连次数
	ReconnectCount int64 `json:"reconnect_count"`
	// ParseErrorCount 解析错误次数
	ParseErrorCount int64 `json:"parse_error_count"`
	// OverwrittenCount 未被读取即被新样本覆盖的次数
	OverwrittenCount int64 `json:"overwritten_count"`
	// UpdatesPerSec 每秒样本数
	UpdatesPerSec float64 `json:"updates_per_sec"`
	// LastMessageAgeMs 最后消息距今时间（毫秒）
	LastMessageAgeMs int64 `json:"last_message_age_ms"`
}
