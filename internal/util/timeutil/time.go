// Package timeutil 提供时间相关的工具函数。
// 主要用于测量相邻两次遥测读取之间的真实间隔。
package timeutil

import (
	"time"
)

var (
	// baseTime 基准时间点（包含单调时钟读数）
	baseTime = time.Now()
	// baseUnixNs 基准时间点对应的 Unix 纳秒时间戳
	baseUnixNs = baseTime.UnixNano()
)

// NowNano 获取当前时间的纳秒时间戳
// 使用“单调时钟 + 启动时 Unix 时间”组合实现：
// NowNano = baseUnixNs + time.Since(baseTime).Nanoseconds()
// 系统时间跳变（NTP/手动调整）时采样间隔仍保持单调，不会出现负的 elapsed。
func NowNano() int64 {
	return baseUnixNs + time.Since(baseTime).Nanoseconds()
}

// NanoToTime 将纳秒时间戳转换为 time.Time
func NanoToTime(ns int64) time.Time {
	return time.Unix(0, ns)
}

// SecondsBetween 计算两个纳秒时间戳之间的间隔（秒）
// 参数 startNs: 开始时间（纳秒）
// 参数 endNs: 结束时间（纳秒）
func SecondsBetween(startNs, endNs int64) float64 {
	return float64(endNs-startNs) / 1e9
}

// MsToDuration 将毫秒配置值转换为 time.Duration
func MsToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
