package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"chickmaster/server/internal/apperr"
	"chickmaster/server/internal/model"
	"chickmaster/server/internal/scheduler"
	"chickmaster/server/internal/stage"
)

// Phase 对话会话阶段：Idle → Active → Closing → Idle。
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseActive
	PhaseClosing
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseActive:
		return "active"
	case PhaseClosing:
		return "closing"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// ScriptResolver 按 key 解析剧本（script.Repository 实现）。
type ScriptResolver interface {
	Resolve(ctx context.Context, key string) (model.Script, error)
}

// Options 引擎节奏配置
type Options struct {
	// CloseGrace 对话框隐藏到会话回到 Idle 的宽限期。
	CloseGrace       time.Duration
	AutoAdvance      bool
	AutoAdvanceDelay time.Duration
}

// Session 当前会话的只读副本
type Session struct {
	Phase     Phase      `json:"phase"`
	ScriptKey string     `json:"script_key,omitempty"`
	LineIndex int        `json:"line_index"`
	Line      model.Line `json:"line"`
	Remaining int        `json:"remaining"`
	Typing    bool       `json:"typing"`
}

// Engine 队列驱动的对话播放器。
// 除 Prepare 外的所有方法都只能在调度线程上调用。
type Engine struct {
	sched     scheduler.Scheduler
	surface   stage.Surface
	revealer  *stage.Revealer
	presenter *stage.Presenter
	chars     stage.CharacterLookup
	scripts   ScriptResolver
	opts      Options
	logger    *zap.Logger

	phase   Phase
	key     string
	queue   []model.Line
	index   int
	current model.Line
	reveal  stage.RevealHandle

	autoTimer  scheduler.Handle
	closeTimer scheduler.Handle

	transitions []func(Phase)
	events      []func(model.Event)
}

// Deps 引擎依赖
type Deps struct {
	Scheduler  scheduler.Scheduler
	Surface    stage.Surface
	Revealer   *stage.Revealer
	Presenter  *stage.Presenter
	Characters stage.CharacterLookup
	Scripts    ScriptResolver
	Logger     *zap.Logger
}

// New 创建引擎，初始为 Idle。
func New(deps Deps, opts Options) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		sched:     deps.Scheduler,
		surface:   deps.Surface,
		revealer:  deps.Revealer,
		presenter: deps.Presenter,
		chars:     deps.Characters,
		scripts:   deps.Scripts,
		opts:      opts,
		logger:    logger.Named("engine"),
		index:     -1,
	}
}

// OnTransition 注册 Idle/Active 切换回调（Closing 不单独通知）。
func (e *Engine) OnTransition(fn func(Phase)) {
	e.transitions = append(e.transitions, fn)
}

// OnEvent 注册对话事实回调（写入时间线）。
func (e *Engine) OnEvent(fn func(model.Event)) {
	e.events = append(e.events, fn)
}

// Prepare 解析并校验剧本，不修改引擎状态，可在任意 goroutine 调用。
func (e *Engine) Prepare(ctx context.Context, src model.ScriptSource) (model.Script, error) {
	var s model.Script
	if key, ok := src.Key(); ok {
		resolved, err := e.scripts.Resolve(ctx, key)
		if err != nil {
			return model.Script{}, err
		}
		s = resolved.Clone()
	} else {
		lines, _ := src.Lines()
		s = model.Script{Key: "inline", Lines: lines}.Clone()
	}

	if err := s.Validate(); err != nil {
		return model.Script{}, apperr.Validation("start "+src.String(), err)
	}
	if _, err := e.chars.Lookup(s.Lines[0].Speaker); err != nil {
		return model.Script{}, err
	}
	return s, nil
}

// Start 解析剧本并开始播放；进行中的会话被替换。
// 失败时之前的状态保持不变，错误记录日志后返回。
func (e *Engine) Start(ctx context.Context, src model.ScriptSource) error {
	s, err := e.Prepare(ctx, src)
	if err != nil {
		e.startFailed(src.String(), err)
		return err
	}
	return e.Play(s)
}

// Play 播放已解析的剧本（Prepare 的结果）。
func (e *Engine) Play(s model.Script) error {
	if len(s.Lines) == 0 {
		err := apperr.Validation(fmt.Sprintf("script %q has no lines", s.Key), nil)
		e.startFailed(s.Key, err)
		return err
	}
	// 角色目录可能在 Prepare 之后变化
	if _, err := e.chars.Lookup(s.Lines[0].Speaker); err != nil {
		e.startFailed(s.Key, err)
		return err
	}

	prev := e.phase
	// Closing 中的会话还没发出 session_closed，同样按替换关闭
	if prev != PhaseIdle {
		e.logger.Info("superseding dialogue", zap.String("old", e.key), zap.String("new", s.Key))
		e.emit(model.Event{Type: model.EventSessionClosed, ScriptKey: e.key, LineIndex: e.index, Text: "superseded"})
	}
	e.teardown()
	if prev != PhaseIdle {
		e.presenter.ClearAll()
	}

	e.key = s.Key
	e.queue = s.Lines
	e.index = -1
	e.phase = PhaseActive
	e.surface.ShowDialog()

	e.logger.Info("dialogue started", zap.String("script", s.Key), zap.Int("lines", len(s.Lines)))
	e.emit(model.Event{Type: model.EventSessionStarted, ScriptKey: s.Key})
	if prev == PhaseIdle {
		e.notify(PhaseActive)
	}

	return e.advance()
}

// Continue 显示下一行；队列为空时关闭会话。
func (e *Engine) Continue() error {
	if e.phase != PhaseActive {
		return apperr.State("no active dialogue to continue", nil)
	}
	return e.advance()
}

// Skip 取消显示与自动推进，清空队列并关闭会话。Idle 时为空操作。
func (e *Engine) Skip() {
	if e.phase != PhaseActive {
		return
	}
	e.logger.Info("dialogue skipped", zap.String("script", e.key), zap.Int("remaining", len(e.queue)))
	e.queue = nil
	e.close()
}

// FinishLine 立即显示完当前行。
func (e *Engine) FinishLine() {
	if e.phase != PhaseActive || e.reveal == 0 {
		return
	}
	e.revealer.Complete(e.reveal)
}

// IsActive 会话是否进行中（Closing 也算）。
func (e *Engine) IsActive() bool {
	return e.phase != PhaseIdle
}

// Phase 当前阶段
func (e *Engine) Phase() Phase {
	return e.phase
}

// Session 返回当前会话副本。
func (e *Engine) Session() Session {
	return Session{
		Phase:     e.phase,
		ScriptKey: e.key,
		LineIndex: e.index,
		Line:      e.current,
		Remaining: len(e.queue),
		Typing:    e.reveal != 0 && e.revealer.Current() == e.reveal,
	}
}

func (e *Engine) advance() error {
	e.autoTimer = scheduler.Cancel(e.autoTimer)

	if len(e.queue) == 0 {
		e.close()
		return nil
	}

	line := e.queue[0]
	ch, err := e.chars.Lookup(line.Speaker)
	if err != nil {
		// 不消费该行，会话保持原样
		e.logger.Error("line speaker not found",
			zap.String("script", e.key), zap.Int("line", e.index+1), zap.String("speaker", line.Speaker), zap.Error(err))
		e.emit(model.Event{Type: model.EventLineFailed, ScriptKey: e.key, LineIndex: e.index + 1, Speaker: line.Speaker, Error: err.Error()})
		return err
	}

	e.queue = e.queue[1:]
	e.index++
	e.current = line
	e.cancelReveal()

	e.surface.SetSpeaker(model.Speaker{ID: ch.ID, Name: ch.Name, Avatar: ch.Avatar})
	if err := e.presenter.SetSlot(line.Slot, line.Speaker, line.EmotionOrDefault()); err != nil {
		e.logger.Warn("set slot failed", zap.String("speaker", line.Speaker), zap.Error(err))
	}
	e.surface.SetText("", true)
	e.reveal = e.revealer.Reveal(line.Text,
		func(prefix string) { e.surface.SetText(prefix, true) },
		e.lineRevealed,
	)
	e.presenter.HighlightActive(line.Slot, line.Speaker)

	e.emit(model.Event{Type: model.EventLineShown, ScriptKey: e.key, LineIndex: e.index, Speaker: line.Speaker, Text: line.Text})
	return nil
}

func (e *Engine) lineRevealed() {
	e.reveal = 0
	e.surface.SetText(e.current.Text, false)
	if e.opts.AutoAdvance && e.phase == PhaseActive {
		e.autoTimer = scheduler.Cancel(e.autoTimer)
		e.autoTimer = e.sched.AfterFunc(e.opts.AutoAdvanceDelay, func() {
			e.autoTimer = nil
			if e.phase == PhaseActive {
				_ = e.advance()
			}
		})
	}
}

// close 关闭序列：隐藏对话框，宽限期后清空立绘并回到 Idle。
func (e *Engine) close() {
	e.cancelReveal()
	e.autoTimer = scheduler.Cancel(e.autoTimer)
	e.phase = PhaseClosing
	e.surface.HideDialog()

	e.closeTimer = scheduler.Cancel(e.closeTimer)
	e.closeTimer = e.sched.AfterFunc(e.opts.CloseGrace, func() {
		e.closeTimer = nil
		if e.phase != PhaseClosing {
			return
		}
		e.presenter.ClearAll()
		key, index := e.key, e.index
		e.phase = PhaseIdle
		e.key = ""
		e.queue = nil
		e.index = -1
		e.current = model.Line{}

		e.logger.Info("dialogue closed", zap.String("script", key))
		e.emit(model.Event{Type: model.EventSessionClosed, ScriptKey: key, LineIndex: index})
		e.notify(PhaseIdle)
	})
}

func (e *Engine) teardown() {
	e.cancelReveal()
	e.autoTimer = scheduler.Cancel(e.autoTimer)
	e.closeTimer = scheduler.Cancel(e.closeTimer)
}

func (e *Engine) cancelReveal() {
	if e.reveal != 0 {
		e.revealer.Cancel(e.reveal)
		e.reveal = 0
	}
}

func (e *Engine) startFailed(src string, err error) {
	e.logger.Warn("start dialogue failed", zap.String("source", src), zap.Error(err))
	e.emit(model.Event{Type: model.EventStartFailed, ScriptKey: src, Error: err.Error()})
}

func (e *Engine) emit(evt model.Event) {
	for _, fn := range e.events {
		fn(evt)
	}
}

func (e *Engine) notify(p Phase) {
	for _, fn := range e.transitions {
		fn(p)
	}
}
