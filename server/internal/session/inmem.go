package session

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"chickmaster/server/internal/apperr"
	"chickmaster/server/internal/config"
	"chickmaster/server/internal/orchestrator"
	"chickmaster/server/internal/scheduler"
)

var ErrNotFound = apperr.Resolution("surface not found")

// ErrClosed 注册表关闭后不再创建画面。
var ErrClosed = errors.New("session registry closed")

var surfaceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Registry 是一个基于内存的画面注册表，每个画面拥有独立的调度循环。
type Registry struct {
	mu     sync.RWMutex
	cfg    config.Config
	deps   orchestrator.Deps
	logger *zap.Logger
	data   map[string]*entry
	closed bool
}

type entry struct {
	stage *orchestrator.Stage
	loop  *scheduler.Loop
}

// NewRegistry 创建注册表
// 注意：重启即丢数据；多实例部署需要把会话粘到同一实例。
func NewRegistry(cfg config.Config, deps orchestrator.Deps) *Registry {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("registry"),
		data:   make(map[string]*entry),
	}
}

// Get 根据 surface id 获取画面。
func (r *Registry) Get(_ context.Context, id string) (*orchestrator.Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.data[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.stage, nil
}

// GetOrCreate 获取画面，不存在时创建。
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*orchestrator.Stage, error) {
	if st, err := r.Get(ctx, id); err == nil {
		return st, nil
	}
	if !surfaceIDPattern.MatchString(id) {
		return nil, apperr.Validation("invalid surface id "+id, nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, ErrClosed
	}
	if e, ok := r.data[id]; ok {
		return e.stage, nil
	}

	loop := scheduler.NewLoop("surface-"+id, r.deps.Logger)
	st := orchestrator.NewStage(id, loop, r.cfg, r.deps)
	r.data[id] = &entry{stage: st, loop: loop}
	r.logger.Info("surface created", zap.String("surface", id))
	return st, nil
}

// List 返回排序后的画面 id
func (r *Registry) List(_ context.Context) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.data))
	for id := range r.data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Each 对每个画面执行 fn（快照遍历，fn 内可调用注册表）。
func (r *Registry) Each(fn func(*orchestrator.Stage)) {
	r.mu.RLock()
	stages := make([]*orchestrator.Stage, 0, len(r.data))
	for _, e := range r.data {
		stages = append(stages, e.stage)
	}
	r.mu.RUnlock()

	for _, st := range stages {
		fn(st)
	}
}

// Close 关闭所有画面与调度循环。
func (r *Registry) Close() error {
	r.mu.Lock()
	entries := r.data
	r.data = make(map[string]*entry)
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for id, e := range entries {
		e.stage.Close()
		if err := e.loop.Close(); err != nil {
			errs = append(errs, err)
		}
		r.logger.Debug("surface closed", zap.String("surface", id))
	}
	return errors.Join(errs...)
}

// Stats 返回每个画面调度循环的统计信息。
func (r *Registry) Stats() map[string]map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]any, len(r.data))
	for id, e := range r.data {
		out[id] = e.loop.Stats()
	}
	return out
}
