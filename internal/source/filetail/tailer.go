// Package filetail 从遥测快照文件读取样本。
// 模拟器周期性重写（或追加）快照文件，本来源只信任最后一个非空行。
// 文件变更通过 fsnotify 监听父目录获得，用于提前唤醒采样循环；
// 监听失败时退化为纯轮询。
package filetail

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"train-slip-guard/internal/core/model"
	"train-slip-guard/internal/source"
	"train-slip-guard/internal/util/timeutil"
)

// fingerprint 已处理快照的标识
type fingerprint struct {
	modNs int64
	size  int64
	line  []byte
}

func (f fingerprint) equal(o fingerprint) bool {
	return f.modNs == o.modNs && f.size == o.size && bytes.Equal(f.line, o.line)
}

// Tailer 遥测快照文件来源
type Tailer struct {
	// path 快照文件路径
	path string
	// parser 行解析器
	parser *source.Parser
	// logger 日志记录器
	logger *zap.Logger

	// watcher 父目录监听器（可能为 nil）
	watcher *fsnotify.Watcher
	// wake 唤醒通道（容量 1，合并多次通知）
	wake chan struct{}

	// mu 保护 last
	mu sync.Mutex
	// last 最近一次处理的快照
	last fingerprint
	// seen 是否处理过快照
	seen bool

	closeOnce sync.Once
	done      chan struct{}
}

// New 创建快照文件来源
// 参数 path: 快照文件路径（文件可以尚不存在）
// 参数 parser: 行解析器
// 参数 logger: 日志记录器
func New(path string, parser *source.Parser, logger *zap.Logger) *Tailer {
	t := &Tailer{
		path:   path,
		parser: parser,
		logger: logger.Named("filetail"),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		t.logger.Warn("创建文件监听失败，退化为轮询", zap.Error(err))
		return t
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		t.logger.Warn("监听快照目录失败，退化为轮询", zap.String("dir", filepath.Dir(path)), zap.Error(err))
		return t
	}
	t.watcher = watcher
	go t.watch()
	return t
}

// Poll 读取快照文件最后一行
// 文件不存在或内容未变化时返回 (_, false, nil)；
// 最后一行格式错误时返回包装 source.ErrMalformed 的错误，同一快照只报告一次。
func (t *Tailer) Poll(ctx context.Context) (model.Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Sample{}, false, err
	}

	info, err := os.Stat(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.Sample{}, false, nil
		}
		return model.Sample{}, false, fmt.Errorf("读取快照信息失败: %w", err)
	}

	data, err := os.ReadFile(t.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.Sample{}, false, nil
		}
		return model.Sample{}, false, fmt.Errorf("读取快照失败: %w", err)
	}

	line := source.LastLine(data)
	// 截断重写的中间状态（空文件）不算新快照
	if len(line) == 0 {
		return model.Sample{}, false, nil
	}

	fp := fingerprint{
		modNs: info.ModTime().UnixNano(),
		size:  info.Size(),
		line:  append([]byte(nil), line...),
	}

	t.mu.Lock()
	if t.seen && t.last.equal(fp) {
		t.mu.Unlock()
		return model.Sample{}, false, nil
	}
	t.last = fp
	t.seen = true
	t.mu.Unlock()

	s, err := t.parser.Parse(line)
	if err != nil {
		return model.Sample{}, false, err
	}
	s.ArrivedAtUnixNs = timeutil.NowNano()
	return s, true, nil
}

// Wake 返回文件变更唤醒通道
func (t *Tailer) Wake() <-chan struct{} {
	return t.wake
}

// Close 停止文件监听
func (t *Tailer) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		if t.watcher != nil {
			err = t.watcher.Close()
		}
	})
	return err
}

func (t *Tailer) watch() {
	target := filepath.Clean(t.path)
	for {
		select {
		case <-t.done:
			return
		case evt, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			// 监听的是父目录，只关注可能改变快照内容的事件
			switch {
			case evt.Has(fsnotify.Write), evt.Has(fsnotify.Create), evt.Has(fsnotify.Rename):
			default:
				continue
			}
			if filepath.Clean(evt.Name) != target {
				continue
			}
			select {
			case t.wake <- struct{}{}:
			default:
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			t.logger.Debug("文件监听错误", zap.Error(err))
		}
	}
}
