package command

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Lighthouse-Miner/internal/errors"
	"Lighthouse-Miner/pkg/logger"
)

// Request 描述一次指令提交。
type Request struct {
	ID     string
	Kind   Kind
	Rounds int
	Target string
}

// Service 负责指令的创建与查询。
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService 构造指令服务。
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit 创建一个新的指令并推送到队列。
func (s *Service) Submit(ctx context.Context, req Request) (*Command, error) {
	if !IsValidKind(req.Kind) {
		return nil, xerrors.New(CodeCommandValidation, "不支持的指令类型")
	}
	if req.Kind == KindRunRounds && req.Rounds <= 0 {
		return nil, xerrors.New(CodeCommandValidation, "回合数必须为正")
	}
	if req.Kind == KindTransition && strings.TrimSpace(req.Target) == "" {
		return nil, xerrors.New(CodeCommandValidation, "换相指令必须指定目标阶段")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "指令服务未初始化")
	}

	commandID := strings.TrimSpace(req.ID)
	if commandID != "" {
		cmd, err := s.store.Get(ctx, commandID)
		if err == nil {
			return cmd, nil
		}
		if !stdErrors.Is(err, ErrCommandNotFound) {
			return nil, err
		}
	} else {
		commandID = uuid.NewString()
	}

	cmd := &Command{
		ID:         commandID,
		Kind:       req.Kind,
		Rounds:     req.Rounds,
		Target:     req.Target,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, cmd); err != nil {
		if stdErrors.Is(err, ErrCommandConflict) {
			existing, getErr := s.store.Get(ctx, commandID)
			if getErr == nil {
				return existing, nil
			}
			if !stdErrors.Is(getErr, ErrCommandNotFound) {
				return nil, getErr
			}
		}
		return nil, err
	}
	if err := s.producer.Publish(ctx, commandID); err != nil {
		logger.L().Error("指令入队失败", slog.Any("error", err), slog.String("command_id", commandID))
		wrapped := xerrors.Wrap(CodeCommandPublish, err, "发布指令到队列失败")
		_ = s.store.MarkFailed(ctx, commandID, CodeCommandPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.L().Info("指令入队成功",
		slog.String("command_id", commandID),
		slog.String("kind", string(cmd.Kind)),
		slog.Int("max_retries", cmd.MaxRetries),
	)
	return cmd, nil
}

// Get 返回指定指令的状态。
func (s *Service) Get(ctx context.Context, id string) (*Command, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "指令存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的指令列表。
func (s *Service) List(ctx context.Context, status Status, limit int) ([]*Command, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitialization, "指令存储未初始化")
	}
	return s.store.List(ctx, status, limit)
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 在指定超时时间内轮询指令状态。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Command, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cmd, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if cmd.Status == StatusSucceeded || cmd.Status == StatusFailed {
			return cmd, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
