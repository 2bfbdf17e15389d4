package command

import (
	"context"
	"time"
)

// Envelope 是队列投递给消费者的指令封套,除指令 ID 外还携带
// 入队时间与重投标记,供处理器观测排队时延与重试路径。
type Envelope struct {
	CommandID   string    `json:"command_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Redelivered bool      `json:"redelivered,omitempty"`
}

// Handler 处理来自消息队列的指令封套。
type Handler func(ctx context.Context, env Envelope) error

// Producer 负责向队列投递指令。
type Producer interface {
	Publish(ctx context.Context, commandID string) error
	Close() error
}

// Consumer 负责从队列中消费指令。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
