// Package synthetic 生成确定性的合成遥测，用于无模拟器时的空跑与联调。
// 每个周期末尾注入一段滑移片段，相同种子产生相同序列。
package synthetic

import (
	"context"
	"math/rand"
	"sync"

	"train-slip-guard/internal/config"
	"train-slip-guard/internal/core/model"
	"train-slip-guard/internal/util/timeutil"
)

// Generator 合成遥测来源
// 每轮为每个单元各产生一个样本；一轮取完后 Poll 返回 false，等待下一次轮询。
type Generator struct {
	cfg config.SyntheticConfig

	mu   sync.Mutex
	rng  *rand.Rand
	step int
	next int
}

// New 创建合成遥测来源
func New(cfg config.SyntheticConfig) *Generator {
	if len(cfg.Units) == 0 {
		cfg.Units = []string{model.DefaultUnit}
	}
	return &Generator{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Poll 返回当前轮下一个单元的样本
func (g *Generator) Poll(ctx context.Context) (model.Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Sample{}, false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.next >= len(g.cfg.Units) {
		g.next = 0
		g.step++
		return model.Sample{}, false, nil
	}

	unit := g.cfg.Units[g.next]
	g.next++

	s := g.sample(unit, g.step)
	s.ArrivedAtUnixNs = timeutil.NowNano()
	return s, true, nil
}

// InEpisode 判断第 step 轮是否处于滑移片段
func (g *Generator) InEpisode(step int) bool {
	every, length := g.cfg.EpisodeEvery, g.cfg.EpisodeLength
	if every <= 0 || length <= 0 {
		return false
	}
	if length > every {
		length = every
	}
	return step%every >= every-length
}

func (g *Generator) sample(unit string, step int) model.Sample {
	train := g.cfg.BaseSpeed
	ratio := 0.0
	if g.InEpisode(step) {
		ratio = g.cfg.EpisodeSlip
	}
	if g.cfg.Noise > 0 {
		ratio += (g.rng.Float64()*2 - 1) * g.cfg.Noise
	}
	return model.Sample{
		Unit:       unit,
		SpeedTrain: train,
		SpeedWheel: train * (1 + ratio),
		Throttle:   g.cfg.Throttle,
	}
}
