// Package jsonl 输出模块测试
package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap"

	"train-slip-guard/internal/core/model"
)

// **Feature: train-slip-guard, Property 11: Slip Event Output Completeness**

func TestSlipEvent_OutputCompleteness_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("slip_detected 事件 JSON 必含必需字段", prop.ForAll(
		func(ratio, ewma, throttle float64, ts int64, unit string) bool {
			ev := &model.SlipEvent{
				Type:              model.EventSlipDetected,
				Unit:              unit,
				TsUnixNs:          ts,
				Ratio:             ratio,
				EWMASlip:          ewma,
				Throttle:          throttle,
				CorrectedThrottle: throttle / 2,
				Command:           "set_throttle 0.450 # detected slip 0.167",
			}

			b, err := json.Marshal(ev)
			if err != nil {
				return false
			}

			var m map[string]any
			if err := json.Unmarshal(b, &m); err != nil {
				return false
			}

			required := []string{
				"type",
				"unit",
				"ts_unix_ns",
				"ratio",
				"ewma_slip",
				"throttle",
				"corrected_throttle",
				"command",
			}
			for _, k := range required {
				if _, ok := m[k]; !ok {
					return false
				}
			}
			return m["type"] == "slip_detected"
		},
		gen.Float64Range(-1, 5),
		gen.Float64Range(-1, 5),
		gen.Float64Range(0.01, 1),
		gen.Int64(),
		gen.OneConstOf("main", "front", "rear"),
	))

	properties.TestingRun(t)
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	lines := 0
	for sc.Scan() {
		lines++
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return lines
}

func TestWriter_WriteAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "events.jsonl")

	w, err := NewWriter(path, 100, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	for i := 0; i < 10; i++ {
		if err := w.Write(map[string]any{"i": i}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if lines := countLines(t, path); lines != 10 {
		t.Fatalf("lines=%d, want 10", lines)
	}
	if st := w.Stats(); st.Written != 10 || st.Dropped != 0 {
		t.Fatalf("Stats=%+v", st)
	}
	if err := w.Write(map[string]any{"late": true}); !errors.Is(err, ErrClosed) {
		t.Fatalf("关闭后写入 err=%v, want ErrClosed", err)
	}
}

func TestWriter_EncodeErrorCounted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	w, err := NewWriter(path, 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	_ = w.Write(map[string]any{"bad": math.NaN()})
	_ = w.Write(map[string]any{"ok": 1})
	if err := w.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	st := w.Stats()
	if st.EncodeErrors != 1 || st.Written != 1 {
		t.Fatalf("Stats=%+v, want 1 encode error + 1 written", st)
	}
	_ = w.Close()

	if lines := countLines(t, path); lines != 1 {
		t.Fatalf("lines=%d, want 1", lines)
	}
}
