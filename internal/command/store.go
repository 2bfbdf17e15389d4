package command

import (
	"context"

	xerrors "Lighthouse-Miner/internal/errors"
)

// Store 抽象了指令状态的持久化接口。
type Store interface {
	Create(ctx context.Context, cmd *Command) error
	Get(ctx context.Context, id string) (*Command, error)
	Claim(ctx context.Context, id string) (*Command, error)
	MarkSucceeded(ctx context.Context, id string, result Report) error
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, status Status, limit int) ([]*Command, error)
	Close() error
}
