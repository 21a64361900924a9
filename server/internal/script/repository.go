package script

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"chickmaster/server/internal/apperr"
	"chickmaster/server/internal/catalog"
	"chickmaster/server/internal/model"
)

// 服务端下发的剧本 key。
const (
	KeyDailyStart  = "daily_start"
	eventKeyPrefix = "event"
)

// KeyKind 描述 key 的来源类别。
type KeyKind int

const (
	KindLocal KeyKind = iota
	KindDailyStart
	KindEvent
)

// ParseKey 识别服务端剧本 key：daily_start、event:<id>、event_<id>。
func ParseKey(key string) (KeyKind, string) {
	if key == KeyDailyStart {
		return KindDailyStart, ""
	}
	for _, sep := range []string{":", "_"} {
		if id, ok := strings.CutPrefix(key, eventKeyPrefix+sep); ok && id != "" {
			return KindEvent, id
		}
	}
	return KindLocal, ""
}

// Repository 按 key 解析剧本。
// 顺序：自定义脚本 → 服务端剧本（远程）→ 本地目录 → 兜底脚本。
type Repository struct {
	mu     sync.RWMutex
	custom map[string][]model.Line
	local  map[string][]model.Line
	chars  *catalog.Catalog
	remote RemoteSource
	logger *zap.Logger
}

// New 创建仓库并装入内置目录；remote 为 nil 表示不接后端。
func New(chars *catalog.Catalog, remote RemoteSource, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{
		custom: make(map[string][]model.Line),
		local:  make(map[string][]model.Line),
		chars:  chars,
		remote: remote,
		logger: logger.Named("script"),
	}
	r.install(catalog.Builtin())
	return r
}

// Resolve 解析 key 为脚本副本。未知的本地 key 返回 ResolutionError；
// 远程失败不会向上抛出，只记录日志并回退。
func (r *Repository) Resolve(ctx context.Context, key string) (model.Script, error) {
	if lines, ok := r.lookup(r.custom, key); ok {
		return model.Script{Key: key, Lines: lines}, nil
	}

	kind, id := ParseKey(key)
	if kind != KindLocal && r.remote != nil {
		lines, err := r.fetch(ctx, kind, id)
		if err == nil {
			s := model.Script{Key: key, Lines: lines}
			if err = s.Validate(); err == nil {
				return s, nil
			}
		}
		r.logger.Warn("remote script unavailable, falling back",
			zap.String("key", key), zap.Error(err))
	}

	if lines, ok := r.lookup(r.local, key); ok {
		return model.Script{Key: key, Lines: lines}, nil
	}
	if kind != KindLocal {
		fb := catalog.FallbackScript()
		fb.Key = key
		return fb.Clone(), nil
	}
	return model.Script{}, apperr.Resolution("script %q not found", key)
}

func (r *Repository) fetch(ctx context.Context, kind KeyKind, id string) ([]model.Line, error) {
	if kind == KindDailyStart {
		return r.remote.FetchDailyStart(ctx)
	}
	return r.remote.FetchEvent(ctx, id)
}

// RegisterCustomScript 注册自定义脚本，同 key 后写覆盖。
func (r *Repository) RegisterCustomScript(key string, lines []model.Line) error {
	if strings.TrimSpace(key) == "" {
		return apperr.Validation("script key is required", nil)
	}
	s := model.Script{Key: key, Lines: lines}.Clone()
	if err := s.Validate(); err != nil {
		return apperr.Validation("register script", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[key] = s.Lines
	return nil
}

// LoadCatalog 从后端拉取完整目录；失败时装入最小兜底目录。
func (r *Repository) LoadCatalog(ctx context.Context) error {
	if r.remote == nil {
		return nil
	}
	b, err := r.remote.FetchCatalog(ctx)
	if err != nil {
		r.logger.Warn("load remote catalog failed, using fallback catalog", zap.Error(err))
		r.install(catalog.Fallback())
		return err
	}
	r.install(b)
	r.logger.Info("remote catalog loaded",
		zap.Int("characters", len(b.Characters)), zap.Int("scripts", len(b.Scripts)))
	return nil
}

// Install 装入一份目录：脚本进入本地目录，角色注册到角色目录。
func (r *Repository) Install(b catalog.Bundle) {
	r.install(b)
}

func (r *Repository) install(b catalog.Bundle) {
	if r.chars != nil {
		r.chars.Install(b)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, lines := range b.Scripts {
		r.local[key] = lines
	}
}

// Keys 返回所有已知 key（自定义 + 本地目录），已排序去重。
func (r *Repository) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.custom)+len(r.local))
	for k := range r.custom {
		seen[k] = struct{}{}
	}
	for k := range r.local {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (r *Repository) lookup(m map[string][]model.Line, key string) ([]model.Line, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lines, ok := m[key]
	if !ok {
		return nil, false
	}
	return model.Script{Lines: lines}.Clone().Lines, true
}
