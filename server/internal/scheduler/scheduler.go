package scheduler

import "time"

// Handle 是一次已调度任务的可撤销句柄。
type Handle interface {
	// Cancel 撤销任务；任务尚未执行时返回 true。
	Cancel() bool
}

// Scheduler 单线程协作式调度器。
// 约定：所有回调都在同一个逻辑线程上串行执行，调用方无需加锁。
type Scheduler interface {
	// AfterFunc 在 d 之后执行 fn。
	AfterFunc(d time.Duration, fn func()) Handle
	// Post 尽快在调度线程上执行 fn（排在已到期任务之后）。
	Post(fn func())
}

// Cancel 撤销句柄并返回 nil，便于 `h = scheduler.Cancel(h)` 的写法。
func Cancel(h Handle) Handle {
	if h != nil {
		h.Cancel()
	}
	return nil
}
