// Package config 负责加载和验证 YAML 配置文件。
// 提供滑移检测器、遥测来源、指令输出、采样驱动等模块所需的全部配置项。
package config

import (
	"fmt"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// 遥测来源类型
const (
	// SourceFile 轮询模拟器周期性重写的遥测快照文件
	SourceFile = "file"
	// SourceWebSocket 订阅 WebSocket 遥测推送
	SourceWebSocket = "websocket"
	// SourceSynthetic 合成遥测（离线演练/测试）
	SourceSynthetic = "synthetic"
)

// 遥测文件编码格式
const (
	// FormatJSON 每行一个 JSON 对象
	FormatJSON = "json"
	// FormatText 每行 key=value 空白分隔文本
	FormatText = "text"
)

// Config 应用配置根结构
// 包含所有子模块的配置项
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// Detector 滑移检测器参数
	Detector DetectorConfig `yaml:"detector"`
	// Source 遥测来源配置
	Source SourceConfig `yaml:"source"`
	// Sink 指令输出配置
	Sink SinkConfig `yaml:"sink"`
	// Driver 采样驱动配置
	Driver DriverConfig `yaml:"driver"`
	// Output 事件/指标输出配置
	Output OutputConfig `yaml:"output"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
	// LogFile 日志文件路径（为空则仅输出到 stderr）
	LogFile string `yaml:"log_file"`
	// LogMaxSizeMB 单个日志文件最大尺寸（MB）
	LogMaxSizeMB int `yaml:"log_max_size_mb"`
	// LogMaxBackups 保留的历史日志文件数
	LogMaxBackups int `yaml:"log_max_backups"`
	// LogMaxAgeDays 历史日志保留天数
	LogMaxAgeDays int `yaml:"log_max_age_days"`
}

// DetectorConfig 滑移检测器参数
// 每个受监控单元（轮轴/机车）的检测器共用同一份参数。
type DetectorConfig struct {
	// SlipThreshold 平滑滑移率超过此值开始累计去抖时间
	SlipThreshold float64 `yaml:"slip_threshold"`
	// DebounceSeconds 持续超阈值多久（秒）才判定滑移
	DebounceSeconds float64 `yaml:"debounce_seconds"`
	// RecoveryThreshold 平滑滑移率低于此值开始累计恢复时间
	RecoveryThreshold float64 `yaml:"recovery_threshold"`
	// RecoverySeconds 持续低于恢复阈值多久（秒）才解除滑移
	RecoverySeconds float64 `yaml:"recovery_seconds"`
	// EWMAAlpha 新观测值的平滑权重，范围 (0, 1]
	EWMAAlpha float64 `yaml:"ewma_alpha"`
	// ReductionFactor 检测到滑移时油门削减比例，范围 [0, 1]
	ReductionFactor float64 `yaml:"reduction_factor"`
	// BaselineSlip EWMA 初始值
	BaselineSlip float64 `yaml:"baseline_slip"`
	// SpeedEpsilon 地速下限，防止除以接近 0 的速度
	SpeedEpsilon float64 `yaml:"speed_epsilon"`
}

// SourceConfig 遥测来源配置
type SourceConfig struct {
	// Kind 来源类型: file, websocket, synthetic
	Kind string `yaml:"kind"`
	// Path 遥测快照文件路径（kind=file）
	Path string `yaml:"path"`
	// Format 文件编码: json, text（kind=file）
	Format string `yaml:"format"`
	// DefaultUnit 样本未携带单元标识时使用的单元名
	DefaultUnit string `yaml:"default_unit"`
	// WS WebSocket 配置（kind=websocket）
	WS WSConfig `yaml:"ws"`
	// Synthetic 合成遥测配置（kind=synthetic）
	Synthetic SyntheticConfig `yaml:"synthetic"`
}

// WSConfig WebSocket 遥测连接配置
type WSConfig struct {
	// URL WebSocket 连接地址
	URL string `yaml:"url"`
	// PingIntervalMs 心跳间隔（毫秒）
	PingIntervalMs int `yaml:"ping_interval_ms"`
	// ReadTimeoutMs 读取超时（毫秒）
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
	// HandshakeTimeoutMs 握手超时（毫秒）
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
}

// SyntheticConfig 合成遥测配置
type SyntheticConfig struct {
	// Seed 随机种子，相同种子产生相同序列
	Seed int64 `yaml:"seed"`
	// Units 生成的单元列表
	Units []string `yaml:"units"`
	// BaseSpeed 基准地速
	BaseSpeed float64 `yaml:"base_speed"`
	// Throttle 基准油门
	Throttle float64 `yaml:"throttle"`
	// Noise 轮速噪声幅度（相对地速比例）
	Noise float64 `yaml:"noise"`
	// EpisodeEvery 每隔多少个样本注入一次滑移片段
	EpisodeEvery int `yaml:"episode_every"`
	// EpisodeLength 滑移片段长度（样本数）
	EpisodeLength int `yaml:"episode_length"`
	// EpisodeSlip 滑移片段中的滑移率
	EpisodeSlip float64 `yaml:"episode_slip"`
}

// SinkConfig 指令输出配置
type SinkConfig struct {
	// Targets 指令追加写入的目标文件列表
	Targets []string `yaml:"targets"`
	// RetryAttempts 写入失败时的最大重试次数
	RetryAttempts int `yaml:"retry_attempts"`
	// RetryBaseMs 重试基础退避（毫秒）
	RetryBaseMs int `yaml:"retry_base_ms"`
}

// DriverConfig 采样驱动配置
type DriverConfig struct {
	// PollIntervalMs 轮询间隔（毫秒）
	PollIntervalMs int `yaml:"poll_interval_ms"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	// Dir 输出目录
	Dir string `yaml:"dir"`
	// EventsEnabled 是否输出滑移事件文件
	EventsEnabled bool `yaml:"events_enabled"`
	// MetricsEnabled 是否输出指标文件
	MetricsEnabled bool `yaml:"metrics_enabled"`
	// MetricsIntervalMs 指标输出间隔（毫秒）
	MetricsIntervalMs int `yaml:"metrics_interval_ms"`
	// BufferSize 异步写入缓冲区大小
	BufferSize int `yaml:"buffer_size"`
	// WindowSize 滑移率分位数统计的滚动窗口大小
	WindowSize int `yaml:"window_size"`
}

// DefaultDetectorConfig 返回检测器默认参数
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		SlipThreshold:     0.10,
		DebounceSeconds:   0.5,
		RecoveryThreshold: 0.05,
		RecoverySeconds:   1.0,
		EWMAAlpha:         0.3,
		ReductionFactor:   0.5,
		BaselineSlip:      0,
		SpeedEpsilon:      1e-3,
	}
}

// Load 从文件加载配置并验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse 从 YAML 字节解析配置，设置默认值并验证
func Parse(data []byte) (*Config, error) {
	// 检测器参数预置默认值，yaml 只覆盖显式出现的字段，显式的 0 得以保留
	cfg := Config{Detector: DefaultDetectorConfig()}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置配置默认值
// 检测器参数的逐字段默认值由 Parse 在解码前预置，这里只处理整段缺失。
func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "train-slip-guard"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}
	if c.App.LogMaxSizeMB == 0 {
		c.App.LogMaxSizeMB = 50
	}
	if c.App.LogMaxBackups == 0 {
		c.App.LogMaxBackups = 5
	}
	if c.App.LogMaxAgeDays == 0 {
		c.App.LogMaxAgeDays = 14
	}

	// 整段未设置（如代码直接构造的 Config）时使用默认检测器参数
	if c.Detector == (DetectorConfig{}) {
		c.Detector = DefaultDetectorConfig()
	}

	if c.Source.Kind == "" {
		c.Source.Kind = SourceFile
	}
	if c.Source.Format == "" {
		c.Source.Format = FormatJSON
	}
	if c.Source.DefaultUnit == "" {
		c.Source.DefaultUnit = "main"
	}
	if c.Source.WS.PingIntervalMs == 0 {
		c.Source.WS.PingIntervalMs = 15000 // 15 秒
	}
	if c.Source.WS.ReadTimeoutMs == 0 {
		c.Source.WS.ReadTimeoutMs = 30000 // 30 秒
	}
	if c.Source.WS.HandshakeTimeoutMs == 0 {
		c.Source.WS.HandshakeTimeoutMs = 10000 // 10 秒
	}
	syn := &c.Source.Synthetic
	if len(syn.Units) == 0 {
		syn.Units = []string{c.Source.DefaultUnit}
	}
	if syn.BaseSpeed == 0 {
		syn.BaseSpeed = 15.0
	}
	if syn.Throttle == 0 {
		syn.Throttle = 0.9
	}
	if syn.EpisodeEvery == 0 {
		syn.EpisodeEvery = 100
	}
	if syn.EpisodeLength == 0 {
		syn.EpisodeLength = 20
	}
	if syn.EpisodeSlip == 0 {
		syn.EpisodeSlip = 0.25
	}

	if c.Sink.RetryAttempts == 0 {
		c.Sink.RetryAttempts = 3
	}
	if c.Sink.RetryBaseMs == 0 {
		c.Sink.RetryBaseMs = 50
	}

	if c.Driver.PollIntervalMs == 0 {
		c.Driver.PollIntervalMs = 100 // 100 毫秒
	}

	if c.Output.Dir == "" {
		c.Output.Dir = "./output"
	}
	if c.Output.MetricsIntervalMs == 0 {
		c.Output.MetricsIntervalMs = 10000 // 10 秒
	}
	if c.Output.BufferSize == 0 {
		c.Output.BufferSize = 1000
	}
	if c.Output.WindowSize == 0 {
		c.Output.WindowSize = 1000
	}
}

// Validate 验证配置合法性
// 检查所有必填项和数值范围
// 返回: 若配置无效则返回描述性错误
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.Detector.validate()...)

	// 验证遥测来源
	switch c.Source.Kind {
	case SourceFile:
		if c.Source.Path == "" {
			errs = append(errs, "source.path: 遥测文件路径不能为空")
		}
		if c.Source.Format != FormatJSON && c.Source.Format != FormatText {
			errs = append(errs, fmt.Sprintf("source.format: 无效的格式 '%s'，有效值: json, text", c.Source.Format))
		}
	case SourceWebSocket:
		if c.Source.WS.URL == "" {
			errs = append(errs, "source.ws.url: WebSocket 地址不能为空")
		}
	case SourceSynthetic:
		syn := c.Source.Synthetic
		if syn.BaseSpeed <= 0 {
			errs = append(errs, "source.synthetic.base_speed: 基准地速必须为正数")
		}
		if syn.Throttle < 0 || syn.Throttle > 1 {
			errs = append(errs, "source.synthetic.throttle: 油门必须在 0-1 之间")
		}
		if syn.Noise < 0 {
			errs = append(errs, "source.synthetic.noise: 噪声幅度不能为负数")
		}
		if syn.EpisodeEvery < 0 || syn.EpisodeLength < 0 {
			errs = append(errs, "source.synthetic: 滑移片段参数不能为负数")
		}
	default:
		errs = append(errs, fmt.Sprintf("source.kind: 无效的来源类型 '%s'，有效值: file, websocket, synthetic", c.Source.Kind))
	}

	// 验证指令输出
	if len(c.Sink.Targets) == 0 {
		errs = append(errs, "sink.targets: 至少需要配置一个指令输出文件")
	}
	for i, t := range c.Sink.Targets {
		if strings.TrimSpace(t) == "" {
			errs = append(errs, fmt.Sprintf("sink.targets[%d]: 输出路径不能为空", i))
		}
	}
	if c.Sink.RetryAttempts < 0 {
		errs = append(errs, "sink.retry_attempts: 重试次数不能为负数")
	}

	if c.Driver.PollIntervalMs <= 0 {
		errs = append(errs, "driver.poll_interval_ms: 轮询间隔必须为正数")
	}

	if c.Output.BufferSize < 0 {
		errs = append(errs, "output.buffer_size: 缓冲区大小不能为负数")
	}

	// 验证日志级别
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.App.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证错误:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// Validate 单独验证检测器参数（供直接构造检测器的调用方使用）
func (d DetectorConfig) Validate() error {
	if errs := d.validate(); len(errs) > 0 {
		return fmt.Errorf("检测器参数错误:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (d DetectorConfig) validate() []string {
	var errs []string
	if !isFinite(d.SlipThreshold) || d.SlipThreshold <= 0 {
		errs = append(errs, "detector.slip_threshold: 滑移阈值必须为正数")
	}
	if !isFinite(d.RecoveryThreshold) {
		errs = append(errs, "detector.recovery_threshold: 恢复阈值必须为有限数值")
	}
	if d.RecoveryThreshold > d.SlipThreshold {
		errs = append(errs, "detector.recovery_threshold: 恢复阈值不能大于滑移阈值")
	}
	if !isFinite(d.DebounceSeconds) || d.DebounceSeconds < 0 {
		errs = append(errs, "detector.debounce_seconds: 去抖时间不能为负数")
	}
	if !isFinite(d.RecoverySeconds) || d.RecoverySeconds < 0 {
		errs = append(errs, "detector.recovery_seconds: 恢复时间不能为负数")
	}
	if !(d.EWMAAlpha > 0 && d.EWMAAlpha <= 1) {
		errs = append(errs, fmt.Sprintf("detector.ewma_alpha: 平滑系数必须在 (0, 1] 之间，当前值: %f", d.EWMAAlpha))
	}
	if !(d.ReductionFactor >= 0 && d.ReductionFactor <= 1) {
		errs = append(errs, fmt.Sprintf("detector.reduction_factor: 削减比例必须在 0-1 之间，当前值: %f", d.ReductionFactor))
	}
	if !isFinite(d.BaselineSlip) {
		errs = append(errs, "detector.baseline_slip: 初始值必须为有限数值")
	}
	if !isFinite(d.SpeedEpsilon) || d.SpeedEpsilon <= 0 {
		errs = append(errs, "detector.speed_epsilon: 地速下限必须为正数")
	}
	return errs
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
