package catalog

import (
	"sort"
	"sync"

	"chickmaster/server/internal/apperr"
	"chickmaster/server/internal/model"
)

// Catalog 角色目录：角色 id → 展示信息。并发安全。
type Catalog struct {
	mu    sync.RWMutex
	chars map[string]model.Character
}

// New 创建空目录
func New() *Catalog {
	return &Catalog{chars: make(map[string]model.Character)}
}

// NewWithBundle 创建目录并装入一份角色集合
func NewWithBundle(b Bundle) *Catalog {
	c := New()
	c.Install(b)
	return c
}

// Lookup 查找角色；未找到返回 ResolutionError。
func (c *Catalog) Lookup(id string) (model.Character, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ch, ok := c.chars[id]
	if !ok {
		return model.Character{}, apperr.Resolution("character %q not found", id)
	}
	return ch, nil
}

// Register 插入或覆盖角色
func (c *Catalog) Register(id string, ch model.Character) error {
	ch.ID = id
	if err := ch.Validate(); err != nil {
		return apperr.Validation("register character", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.chars[id] = ch
	return nil
}

// Install 批量装入目录中的角色（已校验过），同 id 覆盖。
func (c *Catalog) Install(b Bundle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range b.Characters {
		ch.ID = id
		c.chars[id] = ch
	}
}

// IDs 返回排序后的角色 id
func (c *Catalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.chars))
	for id := range c.chars {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadFile 从 yaml 文件装入额外角色，返回装入的数量。
func (c *Catalog) LoadFile(path string) (int, error) {
	b, err := LoadBundleFile(path)
	if err != nil {
		return 0, err
	}
	c.Install(b)
	return len(b.Characters), nil
}
