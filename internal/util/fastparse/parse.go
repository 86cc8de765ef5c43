// Package fastparse 提供高性能的数值解析与格式化函数。
// 避免在每个轮询周期的热路径上使用 fmt.Sscanf / fmt.Sprintf。
package fastparse

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseFinite 解析浮点数并拒绝 NaN/Inf
// 遥测字段中出现非有限值视为格式错误
func ParseFinite(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("非有限数值: %q", s)
	}
	return v, nil
}

// FormatFloat 格式化浮点数为定点小数字符串
// 参数 f: 待格式化的浮点数
// 参数 prec: 小数位数，-1 表示最短表示
func FormatFloat(f float64, prec int) string {
	return strconv.FormatFloat(f, 'f', prec, 64)
}
