// Package store 维护各受监控单元的检测器与上次读取时间。
// 使用单写者模式：仅由采样驱动 goroutine 访问，不加锁。
package store

import (
	"sort"

	"train-slip-guard/internal/config"
	"train-slip-guard/internal/core/slip"
)

// Unit 单个受监控单元的运行状态
type Unit struct {
	// Name 单元标识
	Name string
	// Detector 该单元独占的检测器
	Detector *slip.Detector
	// LastReadNs 上次成功读取样本的时间（纳秒），0 表示尚未读取
	LastReadNs int64
}

// Store 单元状态缓存（单写者）
type Store struct {
	cfg   config.DetectorConfig
	units map[string]*Unit
}

// New 创建单元状态缓存
// 参数 cfg: 新单元检测器使用的参数
func New(cfg config.DetectorConfig) *Store {
	return &Store{
		cfg:   cfg,
		units: make(map[string]*Unit),
	}
}

// Get 获取单元状态，不存在时返回 nil
func (s *Store) Get(name string) *Unit {
	return s.units[name]
}

// GetOrCreate 获取单元状态，不存在时按默认参数创建
func (s *Store) GetOrCreate(name string) *Unit {
	u, ok := s.units[name]
	if ok {
		return u
	}
	u = &Unit{
		Name:     name,
		Detector: slip.NewDetector(s.cfg),
	}
	s.units[name] = u
	return u
}

// Names 返回已知单元名（已排序）
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.units))
	for name := range s.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len 已知单元数量
func (s *Store) Len() int {
	return len(s.units)
}
