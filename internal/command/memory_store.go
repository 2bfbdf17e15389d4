package command

import (
	"context"
	"sort"
	"sync"
	"time"

	xerrors "Lighthouse-Miner/internal/errors"
)

// MemoryStore 以内存方式保存指令状态,主要用于测试。
type MemoryStore struct {
	mu   sync.RWMutex
	cmds map[string]*Command
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cmds: make(map[string]*Command)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, cmd *Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cmd == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "command 不能为空")
	}
	if cmd.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "指令 ID 不能为空")
	}
	if _, ok := m.cmds[cmd.ID]; ok {
		return ErrCommandConflict
	}
	now := time.Now().Unix()
	if cmd.CreatedAt == 0 {
		cmd.CreatedAt = now
	}
	cmd.UpdatedAt = now
	m.cmds[cmd.ID] = cloneCommand(cmd)
	return nil
}

// Get 返回指令。
func (m *MemoryStore) Get(_ context.Context, id string) (*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cmd, ok := m.cmds[id]
	if !ok {
		return nil, ErrCommandNotFound
	}
	return cloneCommand(cmd), nil
}

// Claim 将指令状态更新为运行中。
func (m *MemoryStore) Claim(_ context.Context, id string) (*Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.cmds[id]
	if !ok {
		return nil, ErrCommandNotFound
	}
	switch cmd.Status {
	case StatusSucceeded:
		return cloneCommand(cmd), ErrCommandCompleted
	case StatusRunning:
		return cloneCommand(cmd), ErrCommandConflict
	}
	if cmd.Attempts >= cmd.MaxRetries {
		return cloneCommand(cmd), ErrCommandExhausted
	}
	cmd.Status = StatusRunning
	cmd.Attempts++
	cmd.LastError = ""
	cmd.ErrorCode = ""
	cmd.UpdatedAt = time.Now().Unix()
	return cloneCommand(cmd), nil
}

// MarkSucceeded 记录成功结果。
func (m *MemoryStore) MarkSucceeded(_ context.Context, id string, result Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.cmds[id]
	if !ok {
		return ErrCommandNotFound
	}
	cmd.Status = StatusSucceeded
	cmd.Result = &result
	cmd.LastError = ""
	cmd.ErrorCode = ""
	cmd.UpdatedAt = time.Now().Unix()
	return nil
}

// MarkFailed 标记指令失败。
func (m *MemoryStore) MarkFailed(_ context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.cmds[id]
	if !ok {
		return ErrCommandNotFound
	}
	if terminal {
		cmd.Status = StatusFailed
	} else {
		cmd.Status = StatusPending
	}
	cmd.LastError = lastError
	cmd.ErrorCode = string(code)
	cmd.UpdatedAt = time.Now().Unix()
	return nil
}

// List 返回最近指令,status 为空表示不过滤。
func (m *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Command, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Command, 0, len(m.cmds))
	for _, cmd := range m.cmds {
		if status != "" && cmd.Status != status {
			continue
		}
		out = append(out, cloneCommand(cmd))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt != out[j].UpdatedAt {
			return out[i].UpdatedAt > out[j].UpdatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }

func cloneCommand(cmd *Command) *Command {
	clone := *cmd
	if cmd.Result != nil {
		resultCopy := *cmd.Result
		clone.Result = &resultCopy
	}
	return &clone
}
