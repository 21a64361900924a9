package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"chickmaster/server/internal/catalog"
	"chickmaster/server/internal/config"
	"chickmaster/server/internal/engine"
	"chickmaster/server/internal/gamestate"
	"chickmaster/server/internal/model"
	"chickmaster/server/internal/scheduler"
	"chickmaster/server/internal/script"
	"chickmaster/server/internal/stage"
	"chickmaster/server/internal/timeline"
	"chickmaster/server/internal/trigger"
)

// Executor 单线程调度器，并能同步执行任务（scheduler.Loop / scheduler.Manual）。
type Executor interface {
	scheduler.Scheduler
	Call(ctx context.Context, fn func()) error
}

// Deps 多个 Stage 共享的依赖
type Deps struct {
	Scripts    *script.Repository
	Characters *catalog.Catalog
	Timeline   timeline.Store
	Logger     *zap.Logger
	// Rand 触发器随机数，nil 使用 math/rand。
	Rand func() float64
}

// Stage 负责一个 UI 画面的对话编排。
//
// 职责与契约：
// - 串行：引擎、立绘、触发器的状态只在 Executor 线程上修改，对外方法都经 Call 进入。
// - append-first：引擎与触发器产生的事实先写 Timeline，再归约为状态摘要。
// - 远程剧本在调用方 goroutine 上解析，不阻塞调度线程。
type Stage struct {
	id       string
	exec     Executor
	board    *stage.Board
	engine   *engine.Engine
	eval     *trigger.Evaluator
	scripts  *script.Repository
	chars    *catalog.Catalog
	timeline timeline.Store
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// 仅在调度线程上访问
	prev *gamestate.Snapshot

	mu     sync.RWMutex
	status model.StageStatus
}

// NewStage 组装一个画面的全部组件。
func NewStage(id string, exec Executor, cfg config.Config, deps Deps) *Stage {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("surface", id))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Stage{
		id:       id,
		exec:     exec,
		board:    stage.NewBoard(),
		scripts:  deps.Scripts,
		chars:    deps.Characters,
		timeline: deps.Timeline,
		logger:   logger.Named("stage"),
		ctx:      ctx,
		cancel:   cancel,
		status:   model.StageStatus{SurfaceID: id, LineIndex: -1},
	}

	d := cfg.Dialogue
	presenter := stage.NewPresenter(exec, s.board, deps.Characters, stage.PresenterTiming{
		FadeIn:  d.FadeInDelay + d.TransitionDuration,
		FadeOut: d.SlotClearDelay,
	}, logger)
	s.engine = engine.New(engine.Deps{
		Scheduler:  exec,
		Surface:    s.board,
		Revealer:   stage.NewRevealer(exec, d.TypewriterInterval),
		Presenter:  presenter,
		Characters: deps.Characters,
		Scripts:    deps.Scripts,
		Logger:     logger,
	}, engine.Options{
		CloseGrace:       d.CloseGrace,
		AutoAdvance:      d.AutoAdvance,
		AutoAdvanceDelay: d.AutoAdvanceDelay,
	})

	tc := cfg.Triggers
	s.eval = trigger.New(exec, stagePlayer{s}, trigger.DefaultRules(tc), trigger.Options{
		ReplayDelay:       tc.ReplayDelay,
		ActionProbability: tc.ActionProbability,
		ActionDelay:       tc.ActionDelay,
		Rand:              deps.Rand,
	}, logger)

	s.engine.OnTransition(s.eval.HandleTransition)
	s.engine.OnEvent(s.record)
	s.eval.OnEvent(s.record)
	return s
}

// ID 画面标识
func (s *Stage) ID() string { return s.id }

// Start 解析并播放剧本；已有会话会被替换。
func (s *Stage) Start(ctx context.Context, src model.ScriptSource) error {
	prepared, err := s.engine.Prepare(ctx, src)
	if err != nil {
		s.logger.Warn("start dialogue failed", zap.String("source", src.String()), zap.Error(err))
		s.record(model.Event{Type: model.EventStartFailed, ScriptKey: src.String(), Error: err.Error()})
		return err
	}

	return s.run(ctx, "start", func() error { return s.engine.Play(prepared) })
}

// Continue 显示下一行
func (s *Stage) Continue(ctx context.Context) error {
	return s.run(ctx, "continue", s.engine.Continue)
}

// Skip 跳过整段对话
func (s *Stage) Skip(ctx context.Context) error {
	return s.run(ctx, "skip", func() error {
		s.engine.Skip()
		return nil
	})
}

// FinishLine 立即显示完当前行
func (s *Stage) FinishLine(ctx context.Context) error {
	return s.run(ctx, "finish_line", func() error {
		s.engine.FinishLine()
		return nil
	})
}

type eventIDKey struct{}

// WithEventID 给宿主命令附上客户端事件 id。同一 id 的命令只执行一次，重试直接返回成功。
func WithEventID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, eventIDKey{}, id)
}

func eventIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(eventIDKey{}).(string)
	return id
}

// run 在调度线程上执行宿主命令。带事件 id 的命令先写入时间线，查重与执行在同一线程上，不会并发重复。
func (s *Stage) run(ctx context.Context, name string, fn func() error) error {
	id := eventIDFrom(ctx)
	var opErr error
	err := s.exec.Call(ctx, func() {
		if id != "" {
			if _, dup := s.timeline.Lookup(context.Background(), s.id, id); dup {
				s.logger.Debug("duplicate command ignored", zap.String("command", name), zap.String("event_id", id))
				return
			}
			s.record(model.Event{Type: model.EventCommand, EventID: id, Text: name})
		}
		opErr = fn()
	})
	if err != nil {
		return err
	}
	return opErr
}

// OnSnapshot 用新快照评估触发规则，返回触发的规则 id。服务端保留上一次快照。
func (s *Stage) OnSnapshot(ctx context.Context, snap gamestate.Snapshot) ([]string, error) {
	var fired []string
	err := s.exec.Call(ctx, func() {
		fired = s.eval.Evaluate(snap, s.prev)
		cur := snap
		s.prev = &cur
	})
	if err != nil {
		return nil, err
	}

	evt := model.Event{Type: model.EventSnapshot, Text: describeSnapshot(snap)}
	if len(fired) > 0 {
		evt.RuleID = strings.Join(fired, ",")
	}
	s.record(evt)
	return fired, nil
}

// OnAction 玩家经营操作后按概率播放对应剧本。
func (s *Stage) OnAction(ctx context.Context, actionType string) (bool, error) {
	var scheduled bool
	if err := s.exec.Call(ctx, func() { scheduled = s.eval.OnAction(actionType) }); err != nil {
		return false, err
	}
	return scheduled, nil
}

// ResetTriggers 新游戏：清空上一次快照与所有待执行触发。
func (s *Stage) ResetTriggers(ctx context.Context) error {
	return s.exec.Call(ctx, func() {
		s.eval.Reset()
		s.prev = nil
	})
}

// RegisterCustomScript 注册自定义脚本（全部画面共享）。
func (s *Stage) RegisterCustomScript(key string, lines []model.Line) error {
	return s.scripts.RegisterCustomScript(key, lines)
}

// RegisterCharacter 注册或覆盖角色（全部画面共享）。
func (s *Stage) RegisterCharacter(id string, c model.Character) error {
	return s.chars.Register(id, c)
}

// Scene 场景更新，nil 字段保持不变。
type Scene struct {
	Location   *string
	TimeInfo   *string
	Background *string
}

// UpdateScene 在调度线程上更新背景、地点与时间说明，返回更新后的帧。
func (s *Stage) UpdateScene(ctx context.Context, sc Scene) (model.Frame, error) {
	var f model.Frame
	err := s.exec.Call(ctx, func() {
		if sc.Background != nil {
			s.board.SetBackground(*sc.Background)
		}
		if sc.Location != nil || sc.TimeInfo != nil {
			cur := s.board.Frame()
			location, timeInfo := cur.Location, cur.TimeInfo
			if sc.Location != nil {
				location = *sc.Location
			}
			if sc.TimeInfo != nil {
				timeInfo = *sc.TimeInfo
			}
			s.board.SetLocation(location, timeInfo)
		}
		f = s.board.Frame()
	})
	return f, err
}

// Session 返回引擎会话副本。
func (s *Stage) Session(ctx context.Context) (engine.Session, error) {
	var sess engine.Session
	if err := s.exec.Call(ctx, func() { sess = s.engine.Session() }); err != nil {
		return engine.Session{}, err
	}
	return sess, nil
}

// TriggerState 返回待执行与被推迟的触发。
func (s *Stage) TriggerState(ctx context.Context) (pending, deferred []string, err error) {
	err = s.exec.Call(ctx, func() {
		pending = s.eval.Pending()
		deferred = s.eval.Deferred()
	})
	return pending, deferred, err
}

// Status 返回归约后的状态摘要。
func (s *Stage) Status() model.StageStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Frame 返回当前画面帧。
func (s *Stage) Frame() model.Frame {
	return s.board.Frame()
}

// Subscribe 订阅画面变化。
func (s *Stage) Subscribe(fn func(model.Frame)) func() {
	return s.board.Subscribe(fn)
}

// History 返回 afterSeq 之后的时间线事件。
func (s *Stage) History(ctx context.Context, afterSeq int64) ([]model.Event, error) {
	return s.timeline.Since(ctx, s.id, afterSeq)
}

// Close 停止后台解析。调度器由创建方关闭。
func (s *Stage) Close() {
	s.cancel()
}

// record append-first：先写时间线，再归约。
func (s *Stage) record(evt model.Event) {
	seq, err := s.timeline.Append(context.Background(), s.id, &evt)
	if err != nil {
		s.logger.Warn("append timeline failed", zap.String("type", evt.Type), zap.Error(err))
		return
	}
	evt.Seq = seq
	if evt.ServerTS.IsZero() {
		evt.ServerTS = time.Now()
	}

	s.mu.Lock()
	Reduce(&s.status, evt)
	s.mu.Unlock()
}

// stagePlayer 是触发器看到的播放端：本地剧本同步开始，服务端剧本异步解析后回到调度线程。
type stagePlayer struct {
	s *Stage
}

func (p stagePlayer) IsActive() bool {
	return p.s.engine.IsActive()
}

func (p stagePlayer) StartScript(key string, t *trigger.Ticket) error {
	s := p.s
	if kind, _ := script.ParseKey(key); kind == script.KindLocal {
		if !t.Claim() {
			return nil
		}
		return s.engine.Start(s.ctx, model.ByKey(key))
	}

	go func() {
		prepared, err := s.engine.Prepare(s.ctx, model.ByKey(key))
		if s.ctx.Err() != nil {
			return
		}
		s.exec.Post(func() {
			if err != nil {
				t.Release()
				s.logger.Warn("triggered script resolution failed", zap.String("script", key), zap.Error(err))
				s.record(model.Event{Type: model.EventStartFailed, ScriptKey: key, Error: err.Error()})
				return
			}
			// 解析期间可能已被游戏结束撤销，或已有别的会话开始（此时推迟）
			if !t.Claim() {
				return
			}
			_ = s.engine.Play(prepared)
		})
	}()
	return nil
}

func describeSnapshot(snap gamestate.Snapshot) string {
	var parts []string
	for _, f := range []gamestate.Field{gamestate.Day, gamestate.Money, gamestate.Reputation, gamestate.DailyCustomers} {
		if v, ok := snap.Value(f); ok {
			parts = append(parts, fmt.Sprintf("%s=%g", f, v))
		}
	}
	if snap.IsGameOver() {
		parts = append(parts, "game_over")
	}
	return strings.Join(parts, " ")
}
