package stage

import (
	"time"

	"chickmaster/server/internal/scheduler"
)

// RevealHandle 标识一次逐字显示；零值表示无。
type RevealHandle uint64

// Revealer 打字机效果：每个间隔显示一个字符（按 rune 计），每个字符一次调度。
// 同一时刻只有一个进行中的显示；只能在调度线程上使用。
type Revealer struct {
	sched    scheduler.Scheduler
	interval time.Duration

	nextID uint64
	cur    *reveal
	// revealed 最近一次显示（含已取消/已完成）的当前文本
	revealed string
}

type reveal struct {
	id         RevealHandle
	runes      []rune
	shown      int
	timer      scheduler.Handle
	onChar     func(prefix string)
	onComplete func()
}

// NewRevealer 创建打字机
func NewRevealer(sched scheduler.Scheduler, interval time.Duration) *Revealer {
	return &Revealer{sched: sched, interval: interval}
}

// Reveal 开始逐字显示 text，先取消进行中的显示。
// onCharacter 收到已显示的前缀；onComplete 在自然结束或 Complete 时恰好调用一次，
// 被 Cancel 的显示不会调用。第一个字符同步显示。
func (r *Revealer) Reveal(text string, onCharacter func(prefix string), onComplete func()) RevealHandle {
	if r.cur != nil {
		r.Cancel(r.cur.id)
	}

	r.nextID++
	rv := &reveal{
		id:         RevealHandle(r.nextID),
		runes:      []rune(text),
		onChar:     onCharacter,
		onComplete: onComplete,
	}
	r.cur = rv
	r.revealed = ""
	r.step(rv)
	return rv.id
}

func (r *Revealer) step(rv *reveal) {
	if r.cur != rv {
		return
	}
	if rv.shown < len(rv.runes) {
		rv.shown++
		r.revealed = string(rv.runes[:rv.shown])
		if rv.onChar != nil {
			rv.onChar(r.revealed)
		}
	}
	// onChar 里可能已经开始了新的显示
	if r.cur != rv {
		return
	}
	if rv.shown >= len(rv.runes) {
		r.finish(rv)
		return
	}
	rv.timer = r.sched.AfterFunc(r.interval, func() { r.step(rv) })
}

func (r *Revealer) finish(rv *reveal) {
	rv.timer = scheduler.Cancel(rv.timer)
	r.cur = nil
	if rv.onComplete != nil {
		rv.onComplete()
	}
}

// Cancel 停止显示，保留已显示的前缀，不调用 onComplete。过期句柄被忽略。
func (r *Revealer) Cancel(h RevealHandle) {
	rv := r.cur
	if rv == nil || rv.id != h {
		return
	}
	rv.timer = scheduler.Cancel(rv.timer)
	r.cur = nil
}

// Complete 立即显示全文并调用 onComplete。过期句柄被忽略。
func (r *Revealer) Complete(h RevealHandle) {
	rv := r.cur
	if rv == nil || rv.id != h {
		return
	}
	rv.timer = scheduler.Cancel(rv.timer)
	if rv.shown < len(rv.runes) {
		rv.shown = len(rv.runes)
		r.revealed = string(rv.runes)
		if rv.onChar != nil {
			rv.onChar(r.revealed)
		}
	}
	if r.cur == rv {
		r.finish(rv)
	}
}

// Current 返回进行中的句柄，没有则为 0。
func (r *Revealer) Current() RevealHandle {
	if r.cur == nil {
		return 0
	}
	return r.cur.id
}

// Active 是否有进行中的显示
func (r *Revealer) Active() bool { return r.cur != nil }

// Revealed 返回当前已显示的文本。
func (r *Revealer) Revealed() string { return r.revealed }
