package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Manual 是基于虚拟时钟的确定性调度器，供测试使用。
// 任务只会在 Advance/Flush 调用期间、在调用者的 goroutine 上执行。
type Manual struct {
	mu     sync.Mutex
	now    time.Time
	seq    uint64
	timers []*manualTimer
	posted []func()
}

// NewManual 创建虚拟时钟从 start 开始的调度器
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

type manualTimer struct {
	owner     *Manual
	at        time.Time
	seq       uint64
	fn        func()
	done      bool
	cancelled bool
}

func (t *manualTimer) Cancel() bool {
	t.owner.mu.Lock()
	defer t.owner.mu.Unlock()
	if t.done || t.cancelled {
		return false
	}
	t.cancelled = true
	return true
}

// AfterFunc 注册虚拟时间 d 之后执行的任务
func (m *Manual) AfterFunc(d time.Duration, fn func()) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d < 0 {
		d = 0
	}
	m.seq++
	t := &manualTimer{owner: m, at: m.now.Add(d), seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return t
}

// Post 排队一个立即任务
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.posted = append(m.posted, fn)
	m.mu.Unlock()
}

// Now 返回虚拟当前时间
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 推进虚拟时间并按到期顺序执行所有到期任务（同一时刻按注册顺序）。
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	target := m.now.Add(d)
	m.mu.Unlock()

	for {
		m.runPosted()

		m.mu.Lock()
		next := m.nextDueLocked(target)
		if next == nil {
			m.now = target
			m.mu.Unlock()
			break
		}
		m.now = next.at
		next.done = true
		m.mu.Unlock()

		next.fn()
	}
	m.runPosted()
}

// Flush 执行当前时刻已到期的任务，不推进时间
func (m *Manual) Flush() {
	m.Advance(0)
}

// Pending 返回尚未执行且未撤销的定时任务数
func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.done && !t.cancelled {
			n++
		}
	}
	return n
}

func (m *Manual) nextDueLocked(target time.Time) *manualTimer {
	live := m.timers[:0]
	for _, t := range m.timers {
		if !t.done && !t.cancelled {
			live = append(live, t)
		}
	}
	m.timers = live
	sort.SliceStable(m.timers, func(i, j int) bool {
		if m.timers[i].at.Equal(m.timers[j].at) {
			return m.timers[i].seq < m.timers[j].seq
		}
		return m.timers[i].at.Before(m.timers[j].at)
	})
	if len(m.timers) == 0 || m.timers[0].at.After(target) {
		return nil
	}
	return m.timers[0]
}

func (m *Manual) runPosted() {
	for {
		m.mu.Lock()
		if len(m.posted) == 0 {
			m.mu.Unlock()
			return
		}
		fn := m.posted[0]
		m.posted = m.posted[1:]
		m.mu.Unlock()
		fn()
	}
}

// Call 在调用者 goroutine 上直接执行 fn，与 Loop.Call 保持同一签名。
func (m *Manual) Call(ctx context.Context, fn func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fn()
	m.runPosted()
	return nil
}
