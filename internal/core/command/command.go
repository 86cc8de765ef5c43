// Package command 负责生成下发给模拟器的文本指令。
// 指令格式需在多次调用间保持稳定，便于下游解析。
package command

import (
	"strings"

	"train-slip-guard/internal/util/fastparse"
)

// Precision 指令中数值的小数位数
const Precision = 3

// Verb 油门设置指令名
const Verb = "set_throttle"

// Format 生成油门修正指令（含结尾换行）
// 格式: set_throttle <value> # detected slip <ratio>
func Format(throttle, ratio float64) string {
	var b strings.Builder
	b.Grow(48)
	b.WriteString(Verb)
	b.WriteByte(' ')
	b.WriteString(fastparse.FormatFloat(normalizeZero(throttle), Precision))
	b.WriteString(" # detected slip ")
	b.WriteString(fastparse.FormatFloat(normalizeZero(ratio), Precision))
	b.WriteByte('\n')
	return b.String()
}

// normalizeZero 避免输出 "-0.000"
func normalizeZero(v float64) float64 {
	if v == 0 || (v < 0 && v > -0.0005) {
		return 0
	}
	return v
}
