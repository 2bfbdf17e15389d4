package command

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "Lighthouse-Miner/internal/errors"
)

// RedisQueueConfig 描述 Redis 队列的连接参数。
type RedisQueueConfig struct {
	Address   string
	Password  string
	DB        int
	Queue     string
	BlockWait time.Duration
}

// RedisQueue 使用 Redis list 实现简单的指令队列。
type RedisQueue struct {
	client *redis.Client
	queue  string
	wait   time.Duration
}

// NewRedisQueue 创建 Redis 队列实例。
func NewRedisQueue(cfg RedisQueueConfig) (*RedisQueue, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Redis address 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "lighthouse:commands"
	}
	wait := cfg.BlockWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 Redis 失败")
	}
	return &RedisQueue{client: client, queue: queue, wait: wait}, nil
}

// Publish 将指令封套编成 JSON 投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, commandID string) error {
	return q.push(ctx, Envelope{CommandID: commandID, EnqueuedAt: time.Now()})
}

func (q *RedisQueue) push(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码指令封套失败",
			xerrors.WithMetadata("command_id", env.CommandID))
	}
	if err := q.client.LPush(ctx, q.queue, payload).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布指令失败",
			xerrors.WithMetadata("command_id", env.CommandID))
	}
	return nil
}

// decodeEnvelope 解出队列里的封套。旧版本投递的裸 ID 仍被接受。
func decodeEnvelope(raw string) Envelope {
	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.CommandID == "" {
		return Envelope{CommandID: raw}
	}
	return env
}

// Consume 通过 BRPOP 从 Redis 获取指令。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	errCh := make(chan error, workerCount)
	for i := 0; i < workerCount; i++ {
		go func() {
			for {
				select {
				case <-ctx.Done():
					errCh <- ctx.Err()
					return
				default:
				}
				values, err := q.client.BRPop(ctx, q.wait, q.queue).Result()
				if err != nil {
					if errors.Is(err, context.Canceled) || errors.Is(err, redis.ErrClosed) {
						errCh <- err
						return
					}
					if err == redis.Nil {
						continue
					}
					errCh <- xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取指令失败")
					return
				}
				if len(values) != 2 {
					continue
				}
				env := decodeEnvelope(values[1])
				if handlerErr := handler(ctx, env); handlerErr != nil {
					// 处理失败时带重投标记放回队尾。
					env.Redelivered = true
					_ = q.push(ctx, env)
				}
			}
		}()
	}
	// 等待第一个错误或取消信号。
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
