package stage

import (
	"sync"

	"chickmaster/server/internal/model"
)

// Surface 是呈现端口：引擎只通过它改变画面，不关心画面如何绘制。
type Surface interface {
	ShowDialog()
	HideDialog()
	SetSpeaker(speaker model.Speaker)
	SetText(text string, typing bool)
	SetSlot(view model.SlotView)
	SetBackground(image string)
	SetLocation(location, timeInfo string)
}

// Board 是 Surface 的内存实现：维护当前帧，每次变化递增 seq 并通知订阅者。
// 并发安全；订阅回调在修改者的 goroutine 上同步执行，回调内不得阻塞。
type Board struct {
	mu      sync.RWMutex
	frame   model.Frame
	nextSub int
	subs    map[int]func(model.Frame)
}

// NewBoard 创建空画面
func NewBoard() *Board {
	return &Board{
		frame: model.EmptyFrame(),
		subs:  make(map[int]func(model.Frame)),
	}
}

// Frame 返回当前帧的副本。
func (b *Board) Frame() model.Frame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.frame
}

// Subscribe 注册帧变化回调，返回取消函数。
func (b *Board) Subscribe(fn func(model.Frame)) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *Board) update(mutate func(f *model.Frame)) {
	b.mu.Lock()
	mutate(&b.frame)
	b.frame.Seq++
	snapshot := b.frame
	subs := make([]func(model.Frame), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(snapshot)
	}
}

func (b *Board) ShowDialog() {
	b.update(func(f *model.Frame) { f.DialogVisible = true })
}

func (b *Board) HideDialog() {
	b.update(func(f *model.Frame) {
		f.DialogVisible = false
		f.Typing = false
	})
}

func (b *Board) SetSpeaker(speaker model.Speaker) {
	b.update(func(f *model.Frame) { f.Speaker = speaker })
}

func (b *Board) SetText(text string, typing bool) {
	b.update(func(f *model.Frame) {
		f.Text = text
		f.Typing = typing
	})
}

func (b *Board) SetSlot(view model.SlotView) {
	if !view.Slot.Valid() {
		return
	}
	b.update(func(f *model.Frame) { f.Slots[view.Slot] = view })
}

func (b *Board) SetBackground(image string) {
	b.update(func(f *model.Frame) { f.Background = image })
}

func (b *Board) SetLocation(location, timeInfo string) {
	b.update(func(f *model.Frame) {
		f.Location = location
		f.TimeInfo = timeInfo
	})
}
