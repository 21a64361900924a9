package timeline

import (
	"context"

	"chickmaster/server/internal/model"
)

type Store interface {
	// Append 写入一条对话事实，返回本次写入的 seq。
	// 约定：同一 surface 的 seq 单调递增；相同 EventID 的请求幂等返回同一 seq。
	Append(ctx context.Context, surfaceID string, evt *model.Event) (int64, error)
	// List 返回该 surface 保留的事件，按 seq 升序。
	List(ctx context.Context, surfaceID string) ([]model.Event, error)
	// Lookup 返回 EventID 已分配的 seq。
	Lookup(ctx context.Context, surfaceID, eventID string) (int64, bool)
	// Since 返回 seq 大于 afterSeq 的事件，用于增量拉取。
	Since(ctx context.Context, surfaceID string, afterSeq int64) ([]model.Event, error)
}
