package timeline

import (
	"context"
	"sort"
	"sync"
	"time"

	"chickmaster/server/internal/model"
)

// DefaultRetention 每个 surface 默认保留的事件条数。
const DefaultRetention = 1000

// InMemoryStore 是一个基于内存的 Timeline 存储实现，每个 surface 只保留最近的事件。
type InMemoryStore struct {
	mu        sync.RWMutex
	retention int
	events    map[string][]model.Event
	seq       map[string]int64
	eventIDs  map[string]map[string]int64
	now       func() time.Time
}

// NewInMemoryStore retention <= 0 时使用 DefaultRetention。
func NewInMemoryStore(retention int) *InMemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &InMemoryStore{
		retention: retention,
		events:    make(map[string][]model.Event),
		seq:       make(map[string]int64),
		eventIDs:  make(map[string]map[string]int64),
		now:       time.Now,
	}
}

// Append 追加事件并为该 surface 分配单调递增 seq。
// 相同 EventID 直接返回已分配的 seq（幂等），即使原事件已被淘汰。
func (s *InMemoryStore) Append(_ context.Context, surfaceID string, evt *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if evt.EventID != "" {
		if seq, exists := s.eventIDs[surfaceID][evt.EventID]; exists {
			return seq, nil
		}
	}

	s.seq[surfaceID]++
	seq := s.seq[surfaceID]

	eventCopy := *evt
	eventCopy.Seq = seq
	eventCopy.SurfaceID = surfaceID
	if eventCopy.ServerTS.IsZero() {
		eventCopy.ServerTS = s.now()
	}

	events := append(s.events[surfaceID], eventCopy)
	if over := len(events) - s.retention; over > 0 {
		events = append(events[:0:0], events[over:]...)
	}
	s.events[surfaceID] = events

	if evt.EventID != "" {
		if s.eventIDs[surfaceID] == nil {
			s.eventIDs[surfaceID] = make(map[string]int64)
		}
		s.eventIDs[surfaceID][evt.EventID] = seq
	}

	return seq, nil
}

// List 返回某个 surface 的全部保留事件（按 seq 顺序）。
// 返回切片副本，避免调用方修改内部数据。
func (s *InMemoryStore) List(_ context.Context, surfaceID string) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[surfaceID]
	out := make([]model.Event, len(events))
	copy(out, events)
	return out, nil
}

// Lookup 查询 EventID 是否已写入（事件被淘汰后依然记得）。
func (s *InMemoryStore) Lookup(_ context.Context, surfaceID, eventID string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seq, ok := s.eventIDs[surfaceID][eventID]
	return seq, ok
}

// Since 返回 seq > afterSeq 的事件副本。
func (s *InMemoryStore) Since(_ context.Context, surfaceID string, afterSeq int64) ([]model.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[surfaceID]
	i := sort.Search(len(events), func(i int) bool { return events[i].Seq > afterSeq })
	out := make([]model.Event, len(events)-i)
	copy(out, events[i:])
	return out, nil
}
