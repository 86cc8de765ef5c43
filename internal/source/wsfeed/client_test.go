// Package wsfeed WebSocket 遥测来源测试
package wsfeed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"train-slip-guard/internal/config"
	"train-slip-guard/internal/source"
)

func newTestClient(url string) *Client {
	cfg := config.WSConfig{URL: url, PingIntervalMs: 50, ReadTimeoutMs: 2000, HandshakeTimeoutMs: 1000}
	return NewClient(cfg, source.NewParser(config.FormatJSON, "main"), zap.NewNop())
}

func TestClient_LastWriterWinsPerUnit(t *testing.T) {
	c := newTestClient("ws://unused")

	c.handleMessage([]byte(`{"unit":"front","speed_train":15,"speed_wheel":15,"throttle":0.5}`))
	c.handleMessage([]byte(`{"unit":"rear","speed_train":15,"speed_wheel":16,"throttle":0.5}`))
	c.handleMessage([]byte(`{"unit":"front","speed_train":15,"speed_wheel":18,"throttle":0.5}`))

	ctx := context.Background()
	s, ok, err := c.Poll(ctx)
	if err != nil || !ok || s.Unit != "front" || s.SpeedWheel != 18 {
		t.Fatalf("front 应返回最新样本: %+v ok=%v err=%v", s, ok, err)
	}
	s, ok, err = c.Poll(ctx)
	if err != nil || !ok || s.Unit != "rear" || s.SpeedWheel != 16 {
		t.Fatalf("rear 样本: %+v ok=%v err=%v", s, ok, err)
	}
	if _, ok, err := c.Poll(ctx); ok || err != nil {
		t.Fatalf("槽位已取空: ok=%v err=%v", ok, err)
	}

	if m := c.Metrics(); m.OverwrittenCount != 1 {
		t.Fatalf("OverwrittenCount=%d, want 1", m.OverwrittenCount)
	}
}

func TestClient_MultiLineMessage(t *testing.T) {
	c := newTestClient("ws://unused")
	c.handleMessage([]byte("{\"unit\":\"a\",\"speed_train\":1,\"speed_wheel\":1,\"throttle\":0}\n\n{\"unit\":\"b\",\"speed_train\":2,\"speed_wheel\":2,\"throttle\":0}\n"))

	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		s, ok, err := c.Poll(context.Background())
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		if ok {
			got[s.Unit] = true
		}
	}
	if !got["a"] || !got["b"] || len(got) != 2 {
		t.Fatalf("应取到 a、b 两个单元: %v", got)
	}
}

func TestClient_MalformedReportedOnce(t *testing.T) {
	c := newTestClient("ws://unused")
	c.handleMessage([]byte(`{"speed_train":"x"}`))
	c.handleMessage([]byte(`{"speed_train":15,"speed_wheel":15,"throttle":0.5}`))

	if _, ok, err := c.Poll(context.Background()); ok || !errors.Is(err, source.ErrMalformed) {
		t.Fatalf("应先返回 ErrMalformed: ok=%v err=%v", ok, err)
	}
	s, ok, err := c.Poll(context.Background())
	if err != nil || !ok || s.Unit != "main" {
		t.Fatalf("解析错误之后的样本应可取到: %+v ok=%v err=%v", s, ok, err)
	}
	if m := c.Metrics(); m.ParseErrorCount != 1 {
		t.Fatalf("ParseErrorCount=%d, want 1", m.ParseErrorCount)
	}
}

func TestClient_FirstParseErrorLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	cfg := config.WSConfig{URL: "ws://unused"}
	c := NewClient(cfg, source.NewParser(config.FormatJSON, "main"), zap.New(core))

	c.handleMessage([]byte(`{"speed_train":"x"}`))
	entries := logs.FilterMessage("解析遥测消息失败（采样）").All()
	if len(entries) != 1 {
		t.Fatalf("首次解析错误应记录日志，got %d 条", len(entries))
	}
	if got := entries[0].ContextMap()["data"]; got != `{"speed_train":"x"}` {
		t.Fatalf("data=%v", got)
	}

	// 同一分钟内的后续错误被采样抑制
	for i := 0; i < 5; i++ {
		c.handleMessage([]byte(`{"speed_train":"y"}`))
	}
	if n := logs.FilterMessage("解析遥测消息失败（采样）").Len(); n != 1 {
		t.Fatalf("采样窗口内不应重复记录，got %d 条", n)
	}
	if m := c.Metrics(); m.ParseErrorCount != 6 {
		t.Fatalf("ParseErrorCount=%d, want 6", m.ParseErrorCount)
	}
}

func TestClient_ReceivesFromServer(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		msg := `{"unit":"front","speed_train":15,"speed_wheel":17.5,"throttle":0.9}`
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return
		}
		// 保持连接直到客户端断开
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := newTestClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	select {
	case <-c.Wake():
	case <-time.After(3 * time.Second):
		cancel()
		t.Fatalf("未收到服务端样本")
	}

	s, ok, err := c.Poll(ctx)
	if err != nil || !ok {
		t.Fatalf("Poll: ok=%v err=%v", ok, err)
	}
	if s.Unit != "front" || s.SpeedWheel != 17.5 || s.ArrivedAtUnixNs == 0 {
		t.Fatalf("样本内容异常: %+v", s)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatalf("取消后 Run 未退出")
	}
	_ = c.Close()
}

func TestClient_PollCancelled(t *testing.T) {
	c := newTestClient("ws://unused")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := c.Poll(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err=%v, want context.Canceled", err)
	}
}
