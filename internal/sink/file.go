// Package sink 实现修正指令的输出。
// 指令以追加方式写入一个或多个执行器文件，由模拟器侧读取执行。
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"train-slip-guard/internal/config"
	"train-slip-guard/internal/util/backoff"
	"train-slip-guard/internal/util/timeutil"
)

// ErrClosed 输出已关闭
var ErrClosed = errors.New("指令输出已关闭")

// 重试退避上限
const maxRetryDelay = 2 * time.Second

// target 单个输出文件
type target struct {
	path string
	file *os.File
}

// FileSink 指令文件输出
// 并发安全；每条指令对每个目标文件单次 write 追加，保证行完整。
type FileSink struct {
	// targets 输出目标
	targets []*target
	// attempts 失败后的最大重试次数
	attempts int
	// retryBase 重试基础退避
	retryBase time.Duration
	// logger 日志记录器
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewFileSink 打开全部输出文件
// 任一路径无法打开即返回错误（启动阶段视为配置错误）
// 参数 cfg: 输出配置
// 参数 logger: 日志记录器
func NewFileSink(cfg config.SinkConfig, logger *zap.Logger) (*FileSink, error) {
	s := &FileSink{
		attempts:  cfg.RetryAttempts,
		retryBase: timeutil.MsToDuration(cfg.RetryBaseMs),
		logger:    logger.Named("sink"),
	}
	if s.retryBase <= 0 {
		s.retryBase = 50 * time.Millisecond
	}

	for _, p := range cfg.Targets {
		f, err := openAppend(p)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.targets = append(s.targets, &target{path: p, file: f})
	}

	s.logger.Info("指令输出已打开", zap.Strings("targets", cfg.Targets))
	return s, nil
}

// Emit 将一行指令追加写入所有目标文件
// 单个目标写入失败时重新打开文件并按退避重试；重试耗尽后返回所有失败目标的合并错误，
// 其余目标的写入不受影响。
func (s *FileSink) Emit(ctx context.Context, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	var errs error
	for _, t := range s.targets {
		if err := s.writeWithRetry(ctx, t, []byte(line)); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

func (s *FileSink) writeWithRetry(ctx context.Context, t *target, data []byte) error {
	bo := backoff.New(s.retryBase, maxRetryDelay, 0)

	var lastErr error
	for attempt := 0; attempt <= s.attempts; attempt++ {
		if attempt > 0 {
			if err := bo.Wait(ctx); err != nil {
				return fmt.Errorf("写入指令文件 %s 被取消: %w", t.path, multierr.Append(lastErr, err))
			}
			if err := t.reopen(); err != nil {
				lastErr = err
				s.logger.Warn("重新打开指令文件失败", zap.String("path", t.path), zap.Int("attempt", attempt), zap.Error(err))
				continue
			}
		}

		if t.file == nil {
			lastErr = fmt.Errorf("指令文件 %s 未打开", t.path)
			continue
		}
		if _, err := t.file.Write(data); err != nil {
			lastErr = fmt.Errorf("写入指令文件 %s 失败: %w", t.path, err)
			s.logger.Warn("写入指令文件失败", zap.String("path", t.path), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return nil
	}
	return lastErr
}

// Paths 返回输出目标路径
func (s *FileSink) Paths() []string {
	out := make([]string, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, t.path)
	}
	return out
}

// Close 关闭所有输出文件
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	var errs error
	for _, t := range s.targets {
		if t.file != nil {
			errs = multierr.Append(errs, t.file.Close())
			t.file = nil
		}
	}
	return errs
}

func (t *target) reopen() error {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
	}
	f, err := openAppend(t.path)
	if err != nil {
		return err
	}
	t.file = f
	return nil
}

func openAppend(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建指令目录 %s 失败: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开指令文件 %s 失败: %w", path, err)
	}
	return f, nil
}
