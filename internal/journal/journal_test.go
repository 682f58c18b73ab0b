package journal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"Forged-Core/internal/config"
	"Forged-Core/pkg/logger"
	"Forged-Core/pkg/registry"
)

func init() {
	logger.Use(logger.Discard())
}

func TestMemoryRoundTrip(t *testing.T) {
	q := NewMemory(4)
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	sent := NewRecord(registry.Event{Type: registry.EventActivated, Extension: "core", Version: "1.0.0", Status: registry.StatusActive, At: at})
	if err := q.Publish(context.Background(), sent); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	if q.Len() != 1 {
		t.Fatalf("期望队列中有 1 条事件，实际 %d", q.Len())
	}
	_ = q.Close()

	var got []Record
	if err := q.Consume(context.Background(), 1, func(_ context.Context, rec Record) error {
		got = append(got, rec)
		return nil
	}); err != nil {
		t.Fatalf("消费失败: %v", err)
	}
	if diff := cmp.Diff([]Record{sent}, got); diff != "" {
		t.Fatalf("事件不一致 (-want +got):\n%s", diff)
	}

	if err := q.Publish(context.Background(), sent); err == nil {
		t.Fatal("关闭后发布应当失败")
	}
}

func TestMemoryPublishHonoursContext(t *testing.T) {
	q := NewMemory(1)
	defer q.Close()
	if err := q.Publish(context.Background(), NewRecord(registry.Event{Extension: "a"})); err != nil {
		t.Fatalf("发布失败: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := q.Publish(ctx, NewRecord(registry.Event{Extension: "b"})); err == nil {
		t.Fatal("队列已满时应返回超时错误")
	}
}

type capture struct {
	mu   sync.Mutex
	recs []Record
}

func (c *capture) Publish(_ context.Context, rec Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *capture) Close() error { return nil }

func TestRecorderDeliversInOrder(t *testing.T) {
	sink := &capture{}
	r := NewRecorder(sink, 8, time.Second)
	r.Observe(registry.Event{Type: registry.EventPending, Extension: "a"})
	r.Observe(registry.Event{Type: registry.EventActivated, Extension: "a"})
	if err := r.Close(context.Background()); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.recs) != 2 || sink.recs[0].Type != registry.EventPending || sink.recs[1].Type != registry.EventActivated {
		t.Fatalf("事件顺序错误: %+v", sink.recs)
	}
	if sink.recs[0].ID == "" || sink.recs[0].ID == sink.recs[1].ID {
		t.Fatal("每条事件应有唯一 ID")
	}
	if r.Dropped() != 0 {
		t.Fatalf("不应丢弃事件: %d", r.Dropped())
	}
}

func TestOpenSelectsDriver(t *testing.T) {
	j, err := Open(config.JournalConfig{Driver: "memory", Buffer: 2})
	if err != nil {
		t.Fatalf("创建内存队列失败: %v", err)
	}
	if _, ok := j.(*Memory); !ok {
		t.Fatalf("期望内存队列，实际 %T", j)
	}
	if j, err := Open(config.JournalConfig{Driver: "none"}); err != nil || j != nil {
		t.Fatalf("none 驱动应返回 nil: %v %v", j, err)
	}
	if _, err := Open(config.JournalConfig{Driver: "kafka"}); err == nil {
		t.Fatal("未知驱动应报错")
	}
	if _, err := Open(config.JournalConfig{Driver: "redis"}); err == nil {
		t.Fatal("缺少地址时应报错")
	}
}
