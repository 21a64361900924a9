package session

import (
	"context"

	"chickmaster/server/internal/orchestrator"
)

// Store 画面注册表：surface id → Stage。
type Store interface {
	// Get 返回已存在的画面；不存在返回 ErrNotFound。
	Get(ctx context.Context, id string) (*orchestrator.Stage, error)
	// GetOrCreate 按需创建画面。
	GetOrCreate(ctx context.Context, id string) (*orchestrator.Stage, error)
	// List 返回全部画面 id。
	List(ctx context.Context) []string
}
