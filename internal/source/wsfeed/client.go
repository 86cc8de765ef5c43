// Package wsfeed 实现 WebSocket 遥测来源。
// 模拟器每条文本消息推送一个 JSON 样本（或多行，每行一个样本）。
// 心跳机制: 协议层 ping/pong；断线后按指数退避重连。
// 每个单元只保留最新样本（后写覆盖），由采样驱动按需取走。
package wsfeed

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"train-slip-guard/internal/config"
	"train-slip-guard/internal/core/model"
	"train-slip-guard/internal/source"
	"train-slip-guard/internal/util/backoff"
	"train-slip-guard/internal/util/timeutil"
)

// Client WebSocket 遥测客户端
type Client struct {
	// cfg WebSocket 配置
	cfg config.WSConfig
	// logger 日志记录器
	logger *zap.Logger
	// parser 样本解析器
	parser *source.Parser

	// conn WebSocket 连接
	conn *websocket.Conn
	// connMu 连接锁
	connMu sync.Mutex

	// slotMu 保护 slots/pending/pendingErr
	slotMu sync.Mutex
	// slots 每个单元的最新样本
	slots map[string]model.Sample
	// pending 有未取走样本的单元（按到达顺序）
	pending []string
	// pendingErr 自上次 Poll 以来最近一次解析错误
	pendingErr error
	// wake 新样本唤醒通道（容量 1）
	wake chan struct{}

	// metrics 连接指标
	metrics ConnectionMetrics
	// metricsMu 指标锁
	metricsMu sync.RWMutex

	// lastMsgTime 最后消息时间（纳秒）
	lastMsgTime int64
	// updateCount 样本计数（用于计算每秒样本数）
	updateCount int64
	// backoff 重连退避
	backoff *backoff.Backoff
	// closed 是否已关闭
	closed int32

	// parseErrSampleCount 解析错误计数（用于采样日志）
	parseErrSampleCount uint64
	// lastParseErrLogNs 上次解析错误日志时间（纳秒）
	lastParseErrLogNs int64
}

// NewClient 创建 WebSocket 遥测客户端
// 参数 cfg: WebSocket 配置
// 参数 parser: 样本解析器
// 参数 logger: 日志记录器
func NewClient(cfg config.WSConfig, parser *source.Parser, logger *zap.Logger) *Client {
	return &Client{
		cfg:     cfg,
		logger:  logger.Named("wsfeed"),
		parser:  parser,
		slots:   make(map[string]model.Sample),
		wake:    make(chan struct{}, 1),
		backoff: backoff.NewDefault(),
	}
}

// Connect 建立 WebSocket 连接
// 参数 ctx: 上下文，用于取消连接
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	header := http.Header{}
	header.Set("User-Agent", "train-slip-guard/1.0")

	dialer := websocket.Dialer{HandshakeTimeout: timeutil.MsToDuration(c.handshakeTimeoutMs())}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("连接遥测 WebSocket 失败: %w", err)
	}

	readTimeout := timeutil.MsToDuration(c.readTimeoutMs())
	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			atomic.StoreInt64(&c.lastMsgTime, timeutil.NowNano())
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}

	c.conn = conn
	c.backoff.Reset()
	c.logger.Info("遥测 WebSocket 连接成功", zap.String("url", c.cfg.URL))
	return nil
}

// Run 启动客户端主循环，阻塞直到 ctx 取消或 Close
// 包含读取循环、心跳与指标统计
func (c *Client) Run(ctx context.Context) {
	go c.pingLoop(ctx)
	go c.metricsLoop(ctx)
	go func() {
		// 读取阻塞在 ReadMessage 上，关闭连接使其返回
		<-ctx.Done()
		c.closeConn()
	}()

	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("首次连接失败，进入重连", zap.Error(err))
	}
	c.readLoop(ctx)
}

// Poll 取走一个单元的最新样本
// 没有新样本时返回 (_, false, nil)；自上次调用以来出现过解析错误时，
// 先返回一次包装 source.ErrMalformed 的错误。
func (c *Client) Poll(ctx context.Context) (model.Sample, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Sample{}, false, err
	}

	c.slotMu.Lock()
	defer c.slotMu.Unlock()

	if err := c.pendingErr; err != nil {
		c.pendingErr = nil
		return model.Sample{}, false, err
	}
	if len(c.pending) == 0 {
		return model.Sample{}, false, nil
	}

	unit := c.pending[0]
	c.pending = c.pending[1:]
	s := c.slots[unit]
	delete(c.slots, unit)
	return s, true, nil
}

// Wake 返回新样本唤醒通道
func (c *Client) Wake() <-chan struct{} {
	return c.wake
}

func (c *Client) readLoop(ctx context.Context) {
	readTimeout := timeutil.MsToDuration(c.readTimeoutMs())
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if atomic.LoadInt32(&c.closed) == 1 {
			return
		}

		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()

		if conn == nil {
			c.reconnect(ctx)
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || atomic.LoadInt32(&c.closed) == 1 {
				return
			}
			c.logger.Warn("读取遥测消息失败", zap.Error(err))
			c.incrementReconnectCount()
			c.reconnect(ctx)
			continue
		}

		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		atomic.StoreInt64(&c.lastMsgTime, timeutil.NowNano())
		c.handleMessage(data)
	}
}

// handleMessage 解析一条消息并放入单元槽位
func (c *Client) handleMessage(data []byte) {
	nowNs := timeutil.NowNano()
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		s, err := c.parser.Parse(line)
		if err != nil {
			c.incrementParseErrorCount()
			c.maybeLogParseError(err, line)
			c.slotMu.Lock()
			c.pendingErr = err
			c.slotMu.Unlock()
			continue
		}
		s.ArrivedAtUnixNs = nowNs
		c.store(s)
	}
}

func (c *Client) store(s model.Sample) {
	atomic.AddInt64(&c.updateCount, 1)

	c.slotMu.Lock()
	if _, ok := c.slots[s.Unit]; ok {
		c.metricsMu.Lock()
		c.metrics.OverwrittenCount++
		c.metricsMu.Unlock()
	} else {
		c.pending = append(c.pending, s.Unit)
	}
	c.slots[s.Unit] = s
	c.slotMu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	intervalMs := c.cfg.PingIntervalMs
	if intervalMs <= 0 {
		intervalMs = c.readTimeoutMs() / 2
		if intervalMs <= 0 {
			intervalMs = 15000
		}
	}

	ticker := time.NewTicker(timeutil.MsToDuration(intervalMs))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(&c.closed) == 1 {
				return
			}

			c.connMu.Lock()
			conn := c.conn
			if conn == nil {
				c.connMu.Unlock()
				continue
			}

			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				c.connMu.Unlock()
				c.logger.Warn("发送遥测 ping 失败", zap.Error(err))
				continue
			}
			c.connMu.Unlock()
		}
	}
}

func (c *Client) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastCount int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if atomic.LoadInt32(&c.closed) == 1 {
				return
			}

			count := atomic.LoadInt64(&c.updateCount)
			rate := float64(count - lastCount)
			lastCount = count

			lastMsg := atomic.LoadInt64(&c.lastMsgTime)
			var ageMs int64
			if lastMsg > 0 {
				ageMs = (timeutil.NowNano() - lastMsg) / 1_000_000
			}

			c.metricsMu.Lock()
			c.metrics.UpdatesPerSec = rate
			c.metrics.LastMessageAgeMs = ageMs
			c.metricsMu.Unlock()
		}
	}
}

func (c *Client) reconnect(ctx context.Context) {
	c.closeConn()

	c.logger.Info("遥测 WebSocket 准备重连", zap.Int("attempt", c.backoff.Attempt()+1))
	if err := c.backoff.Wait(ctx); err != nil {
		return
	}

	if err := c.Connect(ctx); err != nil {
		c.logger.Error("遥测 WebSocket 重连失败", zap.Error(err))
	}
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Close 关闭客户端
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	c.closeConn()
	c.logger.Info("遥测 WebSocket 客户端已关闭")
	return nil
}

// Metrics 获取连接指标
func (c *Client) Metrics() ConnectionMetrics {
	c.metricsMu.RLock()
	defer c.metricsMu.RUnlock()
	return c.metrics
}

func (c *Client) incrementReconnectCount() {
	c.metricsMu.Lock()
	c.metrics.ReconnectCount++
	c.metricsMu.Unlock()
}

func (c *Client) incrementParseErrorCount() {
	c.metricsMu.Lock()
	c.metrics.ParseErrorCount++
	c.metricsMu.Unlock()
}

func (c *Client) readTimeoutMs() int {
	if c.cfg.ReadTimeoutMs > 0 {
		return c.cfg.ReadTimeoutMs
	}
	// 未配置时使用 30s
	return 30000
}

func (c *Client) handshakeTimeoutMs() int {
	if c.cfg.HandshakeTimeoutMs > 0 {
		return c.cfg.HandshakeTimeoutMs
	}
	return 10000
}

// maybeLogParseError 采样记录解析错误原始消息，避免刷盘
// 采样策略：首次错误必记录，此后每 100 次错误记录 1 条，且同一类日志至少间隔 1 分钟。
func (c *Client) maybeLogParseError(err error, data []byte) {
	count := atomic.AddUint64(&c.parseErrSampleCount, 1)
	if count != 1 && count%100 != 0 {
		return
	}

	nowNs := timeutil.NowNano()
	last := atomic.LoadInt64(&c.lastParseErrLogNs)
	if last > 0 && nowNs-last < int64(time.Minute) {
		return
	}
	atomic.StoreInt64(&c.lastParseErrLogNs, nowNs)

	sample := data
	if len(sample) > 200 {
		sample = sample[:200]
	}
	c.logger.Warn("解析遥测消息失败（采样）", zap.Error(err), zap.ByteString("data", sample))
}
