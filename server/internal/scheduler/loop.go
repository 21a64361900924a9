package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Loop 为单个画面提供串行任务处理（Actor Model）
// 解决问题：
// 1. 引擎状态（队列、会话、立绘）只在一个 goroutine 上被修改，无需加锁
// 2. 打字机、淡入淡出、触发延迟等定时回调与用户输入严格按到达顺序执行
type Loop struct {
	name   string
	logger *zap.Logger

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// 统计信息
	posted    atomic.Int64
	processed atomic.Int64
	panics    atomic.Int64
	fired     atomic.Int64
	cancelled atomic.Int64
}

const (
	// 单个任务执行过久时记录警告
	slowTaskThreshold = 100 * time.Millisecond
)

// NewLoop 创建并启动调度循环
func NewLoop(name string, logger *zap.Logger) *Loop {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		name:   name,
		logger: logger.Named("loop").With(zap.String("loop", name)),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}

	l.wg.Add(1)
	go l.processLoop()

	l.logger.Debug("loop started")
	return l
}

// Post 将任务加入队列（异步，非阻塞）。循环关闭后提交的任务会被丢弃。
func (l *Loop) Post(fn func()) {
	select {
	case <-l.ctx.Done():
		l.logger.Debug("loop closed, dropping task")
		return
	default:
	}

	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	l.posted.Add(1)

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call 在循环线程上执行 fn 并等待完成（同步）。
// 注意：不能在循环线程内部调用，否则会死锁。
func (l *Loop) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	l.Post(func() {
		defer close(done)
		fn()
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for loop task: %w", ctx.Err())
	case <-l.ctx.Done():
		return fmt.Errorf("loop %s closed", l.name)
	}
}

// AfterFunc 在 d 之后把 fn 投递到循环线程执行
func (l *Loop) AfterFunc(d time.Duration, fn func()) Handle {
	t := &loopTimer{loop: l}
	t.timer = time.AfterFunc(d, func() {
		l.Post(func() {
			// 到期后、执行前仍可能被撤销，在循环线程上做最终判断
			if !t.state.CompareAndSwap(timerPending, timerFired) {
				return
			}
			l.fired.Add(1)
			fn()
		})
	})
	return t
}

const (
	timerPending int32 = iota
	timerFired
	timerCancelled
)

type loopTimer struct {
	loop  *Loop
	timer *time.Timer
	state atomic.Int32
}

func (t *loopTimer) Cancel() bool {
	if !t.state.CompareAndSwap(timerPending, timerCancelled) {
		return false
	}
	t.timer.Stop()
	t.loop.cancelled.Add(1)
	return true
}

// processLoop 串行处理任务（单线程）
func (l *Loop) processLoop() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				l.mu.Unlock()
				break
			}
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			l.run(fn)

			select {
			case <-l.ctx.Done():
				return
			default:
			}
		}
	}
}

// run 执行单个任务，任务 panic 不会打断循环
func (l *Loop) run(fn func()) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			l.panics.Add(1)
			l.logger.Error("loop task panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		l.processed.Add(1)
		if elapsed := time.Since(start); elapsed > slowTaskThreshold {
			l.logger.Warn("slow loop task", zap.Duration("elapsed", elapsed))
		}
	}()
	fn()
}

// Close 关闭循环并等待处理线程退出；未执行的任务被丢弃
func (l *Loop) Close() error {
	l.cancel()
	l.wg.Wait()

	l.mu.Lock()
	pending := len(l.queue)
	l.queue = nil
	l.mu.Unlock()

	l.logger.Debug("loop closed",
		zap.Int64("posted", l.posted.Load()),
		zap.Int64("processed", l.processed.Load()),
		zap.Int64("timers_fired", l.fired.Load()),
		zap.Int64("timers_cancelled", l.cancelled.Load()),
		zap.Int("pending", pending))
	return nil
}

// Stats 获取循环统计信息
func (l *Loop) Stats() map[string]any {
	l.mu.Lock()
	pending := len(l.queue)
	l.mu.Unlock()

	return map[string]any{
		"loop":             l.name,
		"posted_tasks":     l.posted.Load(),
		"processed_tasks":  l.processed.Load(),
		"panicked_tasks":   l.panics.Load(),
		"timers_fired":     l.fired.Load(),
		"timers_cancelled": l.cancelled.Load(),
		"pending_tasks":    pending,
	}
}
