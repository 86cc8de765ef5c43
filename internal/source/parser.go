// Package source 实现遥测样本的解析。
// 具体来源（文件、WebSocket、合成）位于子包中，共用本包的解析与错误定义。
package source

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"train-slip-guard/internal/config"
	"train-slip-guard/internal/core/model"
	"train-slip-guard/internal/util/fastparse"
)

// ErrMalformed 样本格式错误（非数值或缺少必填字段）
// 驱动遇到该错误时丢弃样本并继续，检测器状态保持不变。
var ErrMalformed = errors.New("遥测样本格式错误")

// 字段名
const (
	fieldUnit       = "unit"
	fieldSpeedTrain = "speed_train"
	fieldSpeedWheel = "speed_wheel"
	fieldThrottle   = "throttle"
)

// wireSample JSON 遥测记录
// 数值字段使用指针区分“缺失”与“为 0”
type wireSample struct {
	// Unit 单元标识（可选）
	Unit string `json:"unit"`
	// SpeedTrain 地速
	SpeedTrain *float64 `json:"speed_train"`
	// SpeedWheel 轮速
	SpeedWheel *float64 `json:"speed_wheel"`
	// Throttle 油门
	Throttle *float64 `json:"throttle"`
}

// Parser 遥测行解析器
type Parser struct {
	// format 编码格式: json 或 text
	format string
	// defaultUnit 未携带单元标识时的默认单元
	defaultUnit string
}

// NewParser 创建遥测行解析器
// 参数 format: config.FormatJSON 或 config.FormatText
// 参数 defaultUnit: 默认单元名
func NewParser(format, defaultUnit string) *Parser {
	if defaultUnit == "" {
		defaultUnit = model.DefaultUnit
	}
	return &Parser{format: format, defaultUnit: defaultUnit}
}

// Parse 解析一行遥测
// 返回的错误均包装 ErrMalformed
func (p *Parser) Parse(line []byte) (model.Sample, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return model.Sample{}, fmt.Errorf("%w: 空行", ErrMalformed)
	}

	var (
		s   model.Sample
		err error
	)
	switch p.format {
	case config.FormatText:
		s, err = ParseText(string(line))
	default:
		s, err = ParseJSON(line)
	}
	if err != nil {
		return model.Sample{}, err
	}

	s.Unit = s.UnitOr(p.defaultUnit)
	return s, nil
}

// ParseJSON 解析 JSON 遥测记录
// 形如 {"speed_train":15.0,"speed_wheel":17.5,"throttle":0.9,"unit":"front"}
func ParseJSON(data []byte) (model.Sample, error) {
	var w wireSample
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Sample{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var missing []string
	if w.SpeedTrain == nil {
		missing = append(missing, fieldSpeedTrain)
	}
	if w.SpeedWheel == nil {
		missing = append(missing, fieldSpeedWheel)
	}
	if w.Throttle == nil {
		missing = append(missing, fieldThrottle)
	}
	if len(missing) > 0 {
		return model.Sample{}, fmt.Errorf("%w: 缺少字段 %s", ErrMalformed, strings.Join(missing, ", "))
	}

	return model.Sample{
		Unit:       w.Unit,
		SpeedTrain: *w.SpeedTrain,
		SpeedWheel: *w.SpeedWheel,
		Throttle:   *w.Throttle,
	}, nil
}

// ParseText 解析 key=value 文本遥测
// 形如 "speed_train=15.0 speed_wheel=17.5 throttle=0.9 unit=front"，
// 字段间可用空白、逗号或分号分隔，未知字段忽略。
func ParseText(line string) (model.Sample, error) {
	fields := strings.FieldsFunc(line, func(r rune) bool {
		return r == ' ' || r == '\t' || r == ',' || r == ';'
	})

	var (
		s                        model.Sample
		hasTrain, hasWheel, hasT bool
	)
	for _, f := range fields {
		key, val, ok := strings.Cut(f, "=")
		if !ok {
			return model.Sample{}, fmt.Errorf("%w: 无法识别的字段 %q", ErrMalformed, f)
		}
		key = strings.ToLower(strings.TrimSpace(key))

		switch key {
		case fieldUnit:
			s.Unit = strings.TrimSpace(val)
			continue
		case fieldSpeedTrain, fieldSpeedWheel, fieldThrottle:
		default:
			continue
		}

		v, err := fastparse.ParseFinite(val)
		if err != nil {
			return model.Sample{}, fmt.Errorf("%w: 字段 %s: %v", ErrMalformed, key, err)
		}
		switch key {
		case fieldSpeedTrain:
			s.SpeedTrain, hasTrain = v, true
		case fieldSpeedWheel:
			s.SpeedWheel, hasWheel = v, true
		case fieldThrottle:
			s.Throttle, hasT = v, true
		}
	}

	if !hasTrain || !hasWheel || !hasT {
		return model.Sample{}, fmt.Errorf("%w: 缺少必填字段（speed_train/speed_wheel/throttle）", ErrMalformed)
	}
	return s, nil
}

// LastLine 返回数据中最后一个非空行
// 遥测快照按“最后写入者为准”的语义只信任最后一行；
// 若最后一行是写入中途的半行，解析会失败并被丢弃，下次轮询再读。
func LastLine(data []byte) []byte {
	data = bytes.TrimRight(data, " \t\r\n")
	if len(data) == 0 {
		return nil
	}
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		return bytes.TrimSpace(data[i+1:])
	}
	return bytes.TrimSpace(data)
}
