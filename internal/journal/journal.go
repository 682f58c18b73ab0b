// Package journal 将扩展生命周期事件投递到内存、Redis 或 RabbitMQ 队列，
// 供审计与外部系统订阅。
package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	xerrors "Forged-Core/internal/errors"
	"Forged-Core/pkg/registry"
)

// Record 是一条生命周期事件记录。
type Record struct {
	ID string `json:"id"`
	registry.Event
}

// NewRecord 为事件分配唯一 ID。
func NewRecord(ev registry.Event) Record {
	return Record{ID: uuid.NewString(), Event: ev}
}

func encode(rec Record) ([]byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "序列化事件失败")
	}
	return body, nil
}

func decode(body []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(body, &rec); err != nil {
		return Record{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, fmt.Sprintf("解析事件失败: %.64s", body))
	}
	return rec, nil
}

// Handler 处理来自队列的事件记录。
type Handler func(ctx context.Context, rec Record) error

// Publisher 负责向队列投递事件。
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
	Close() error
}

// Consumer 负责从队列中消费事件。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Journal 同时具备生产者与消费者能力。
type Journal interface {
	Publisher
	Consumer
}
