// Package jsonl 实现滑移事件与指标快照的异步 JSONL 输出。
// 采样循环只负责投递，编码与文件 I/O 在后台 goroutine 完成；
// 缓冲区满时丢弃记录并计数，采样循环从不因输出阻塞。
package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrClosed 写入器已关闭
var ErrClosed = errors.New("jsonl writer 已关闭")

// ErrDropped 缓冲区已满，记录被丢弃
var ErrDropped = errors.New("jsonl 缓冲区已满，记录被丢弃")

type opType int

const (
	opWrite opType = iota
	opFlush
	opClose
)

type op struct {
	typ  opType
	val  any
	done chan error
}

// Stats 写入统计
type Stats struct {
	// Written 成功写入的记录数
	Written int64 `json:"written"`
	// Dropped 因缓冲区满被丢弃的记录数
	Dropped int64 `json:"dropped"`
	// EncodeErrors 编码或写入失败的记录数
	EncodeErrors int64 `json:"encode_errors"`
}

// Writer 异步 JSONL 写入器
type Writer struct {
	// ch 操作通道
	ch chan op
	// logger 日志记录器
	logger *zap.Logger

	written      int64
	dropped      int64
	encodeErrors int64

	closeOnce sync.Once
	closeErr  error
	closed    int32

	sendMu sync.Mutex

	wg sync.WaitGroup
}

// NewWriter 创建 JSONL 写入器
// 参数 path: 输出文件路径（父目录不存在时自动创建）
// 参数 bufferSize: 写入缓冲区大小（channel capacity）
// 参数 logger: 日志记录器
func NewWriter(path string, bufferSize int, logger *zap.Logger) (*Writer, error) {
	if bufferSize <= 0 {
		bufferSize = 1000
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开输出文件失败: %w", err)
	}

	w := &Writer{
		ch:     make(chan op, bufferSize),
		logger: logger.Named("jsonl").With(zap.String("path", path)),
	}

	w.wg.Add(1)
	go w.loop(f)

	return w, nil
}

// Write 投递一条记录，不阻塞
// 缓冲区满时返回 ErrDropped
func (w *Writer) Write(v any) error {
	if w == nil {
		return ErrClosed
	}
	if atomic.LoadInt32(&w.closed) == 1 {
		return ErrClosed
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if atomic.LoadInt32(&w.closed) == 1 {
		return ErrClosed
	}
	select {
	case w.ch <- op{typ: opWrite, val: v}:
		return nil
	default:
		if n := atomic.AddInt64(&w.dropped, 1); n == 1 || n%1000 == 0 {
			w.logger.Warn("输出缓冲区已满，丢弃记录", zap.Int64("dropped", n))
		}
		return ErrDropped
	}
}

// Flush 等待已投递的记录写入文件
func (w *Writer) Flush() error {
	if w == nil {
		return nil
	}
	if atomic.LoadInt32(&w.closed) == 1 {
		return nil
	}
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	if atomic.LoadInt32(&w.closed) == 1 {
		return nil
	}
	done := make(chan error, 1)
	w.ch <- op{typ: opFlush, done: done}
	return <-done
}

// Close 关闭写入器（会先写完已投递的记录）
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() {
		atomic.StoreInt32(&w.closed, 1)
		w.sendMu.Lock()
		defer w.sendMu.Unlock()
		done := make(chan error, 1)
		w.ch <- op{typ: opClose, done: done}
		w.closeErr = <-done
		close(w.ch)
	})
	w.wg.Wait()
	return w.closeErr
}

// Stats 返回写入统计
func (w *Writer) Stats() Stats {
	return Stats{
		Written:      atomic.LoadInt64(&w.written),
		Dropped:      atomic.LoadInt64(&w.dropped),
		EncodeErrors: atomic.LoadInt64(&w.encodeErrors),
	}
}

func (w *Writer) loop(f *os.File) {
	defer w.wg.Done()
	defer f.Close()

	bw := bufio.NewWriterSize(f, 64<<10)
	reply := func(err error, done chan error) {
		if done != nil {
			done <- err
		}
	}

	for req := range w.ch {
		switch req.typ {
		case opWrite:
			b, err := json.Marshal(req.val)
			if err == nil {
				b = append(b, '\n')
				_, err = bw.Write(b)
			}
			if err != nil {
				atomic.AddInt64(&w.encodeErrors, 1)
				w.logger.Warn("写入 JSONL 记录失败", zap.Error(err))
				continue
			}
			atomic.AddInt64(&w.written, 1)
		case opFlush:
			reply(bw.Flush(), req.done)
		case opClose:
			reply(bw.Flush(), req.done)
			return
		}
	}
}
