package trigger

import (
	"context"
	"math/rand/v2"
	"sort"
	"time"

	"go.uber.org/zap"

	"chickmaster/server/internal/engine"
	"chickmaster/server/internal/gamestate"
	"chickmaster/server/internal/model"
	"chickmaster/server/internal/scheduler"
)

// Player 触发器驱动的播放端。
type Player interface {
	IsActive() bool
	// StartScript 播放 key。开播前必须在调度线程上调用 t.Claim()：
	// 同步实现立即 Claim；异步解析的实现在解析完成后 Claim，解析失败则 Release。
	StartScript(key string, t *Ticket) error
}

// Ticket 一次已到期、尚未开播的触发。解析期间它仍算待执行，游戏结束或 Reset 会撤销它。
type Ticket struct {
	ev         *Evaluator
	p          *pendingStart
	deferrable bool
	done       bool
	cancelled  bool
}

// Cancel 撤销；实现 scheduler.Handle。
func (t *Ticket) Cancel() bool {
	if t.done {
		return false
	}
	t.done, t.cancelled = true, true
	return true
}

// Claim 用最新快照复核，返回 true 时调用方应立即开播。
// 已撤销、条件不再成立或引擎忙时返回 false；引擎忙且允许推迟时记入推迟列表。
func (t *Ticket) Claim() bool {
	if t.cancelled {
		// 只有异步解析才会在撤销之后到达这里
		t.cancelled = false
		t.ev.drop(t.p.ruleID, t.p.scriptKey, "cancelled while resolving")
		return false
	}
	if t.done {
		return false
	}
	t.done = true
	ev, p := t.ev, t.p
	ev.forget(p)

	if p.holds != nil && !p.holds(ev.latest) {
		ev.drop(p.ruleID, p.scriptKey, "condition no longer holds")
		return false
	}
	if ev.player.IsActive() {
		if t.deferrable {
			ev.deferStart(p.entry())
		} else {
			ev.drop(p.ruleID, p.scriptKey, "engine busy")
		}
		return false
	}
	return true
}

// Release 放弃本次播放（解析失败）。
func (t *Ticket) Release() {
	if t.done {
		return
	}
	t.done = true
	t.ev.forget(t.p)
}

type enginePlayer struct {
	e *engine.Engine
}

// EnginePlayer 直接用引擎同步播放（剧本需可本地解析）。
func EnginePlayer(e *engine.Engine) Player {
	return enginePlayer{e: e}
}

func (p enginePlayer) IsActive() bool { return p.e.IsActive() }

func (p enginePlayer) StartScript(key string, t *Ticket) error {
	if !t.Claim() {
		return nil
	}
	return p.e.Start(context.Background(), model.ByKey(key))
}

// Options 评估器配置
type Options struct {
	ReplayDelay       time.Duration
	ActionProbability float64
	ActionDelay       time.Duration
	// Rand 返回 [0,1) 的随机数，nil 时使用 math/rand。
	Rand func() float64
}

type pendingStart struct {
	id        string
	ruleID    string
	category  string
	priority  int
	scriptKey string
	holds     Condition
	handle    scheduler.Handle
}

func (p *pendingStart) entry() deferredEntry {
	return deferredEntry{id: p.id, category: p.category, ruleID: p.ruleID, scriptKey: p.scriptKey, priority: p.priority, holds: p.holds}
}

type deferredEntry struct {
	id        string
	category  string
	ruleID    string
	scriptKey string
	priority  int
	holds     Condition
}

// Evaluator 对比前后快照触发剧本。只能在调度线程上使用。
type Evaluator struct {
	sched  scheduler.Scheduler
	player Player
	rules  []Rule
	opts   Options
	logger *zap.Logger

	latest    gamestate.Snapshot
	pending   map[string]*pendingStart
	deferred  map[string]deferredEntry
	replay    scheduler.Handle
	gameOver  bool
	listeners []func(model.Event)
}

// New 创建评估器
func New(sched scheduler.Scheduler, player Player, rules []Rule, opts Options, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Rand == nil {
		opts.Rand = rand.Float64
	}
	return &Evaluator{
		sched:    sched,
		player:   player,
		rules:    rules,
		opts:     opts,
		logger:   logger.Named("trigger"),
		pending:  make(map[string]*pendingStart),
		deferred: make(map[string]deferredEntry),
	}
}

// OnEvent 注册触发事实回调（写入时间线）。
func (ev *Evaluator) OnEvent(fn func(model.Event)) {
	ev.listeners = append(ev.listeners, fn)
}

// Evaluate 对比 cur 与 prev，返回本轮触发的规则 id。
// 每个类别每轮最多触发一次；Exclusive 规则触发后结束本轮。
// 游戏结束后只评估 Preempt 规则。
func (ev *Evaluator) Evaluate(cur gamestate.Snapshot, prev *gamestate.Snapshot) []string {
	ev.latest = cur
	over := cur.IsGameOver()
	if !over {
		ev.gameOver = false
	}

	var fired []string
	used := make(map[string]bool)
	for i := range ev.rules {
		r := &ev.rules[i]
		if used[r.Category] || (over && !r.Preempt) {
			continue
		}
		if !r.Predicate(cur, prev) {
			continue
		}
		used[r.Category] = true
		fired = append(fired, r.ID)

		ev.logger.Info("trigger fired", zap.String("rule", r.ID), zap.String("script", r.ScriptKey))
		ev.emit(model.Event{Type: model.EventTriggerFired, RuleID: r.ID, ScriptKey: r.ScriptKey})

		if r.Preempt {
			ev.preempt()
			ev.gameOver = true
		}
		ev.schedule(r.ID, r.ID, r.Category, r.Priority, r.ScriptKey, r.Delay, r.Holds)
		if r.FollowUp != nil {
			ev.schedule(r.ID+"/follow_up", r.ID, r.Category+"/follow_up", r.Priority-1, r.FollowUp.ScriptKey, r.FollowUp.Delay, notGameOver)
		}
		if r.Exclusive {
			break
		}
	}
	return fired
}

// OnAction 玩家操作后按概率播放对应剧本，仅在空闲时。返回是否已安排。
func (ev *Evaluator) OnAction(actionType string) bool {
	key, ok := ActionScript(actionType)
	if !ok || ev.gameOver || ev.player.IsActive() {
		return false
	}
	if ev.opts.Rand() >= ev.opts.ActionProbability {
		return false
	}

	id := "action"
	ev.cancelPending(id)
	p := &pendingStart{id: id, ruleID: "action:" + actionType, category: CategoryAction, scriptKey: key, holds: notGameOver}
	// 操作剧本不推迟：忙碌时直接放弃
	p.handle = ev.sched.AfterFunc(ev.opts.ActionDelay, func() { ev.fire(p, false) })
	ev.pending[id] = p
	ev.emit(model.Event{Type: model.EventTriggerFired, RuleID: p.ruleID, ScriptKey: key})
	return true
}

// HandleTransition 接收引擎 Idle/Active 切换。Idle 后重放被推迟的最高优先级剧本。
func (ev *Evaluator) HandleTransition(p engine.Phase) {
	if p != engine.PhaseIdle {
		ev.replay = scheduler.Cancel(ev.replay)
		return
	}
	if len(ev.deferred) == 0 {
		return
	}
	ev.replay = scheduler.Cancel(ev.replay)
	ev.replay = ev.sched.AfterFunc(ev.opts.ReplayDelay, func() {
		ev.replay = nil
		ev.replayDeferred()
	})
}

// Reset 新游戏：撤销所有待执行与被推迟的剧本。
func (ev *Evaluator) Reset() {
	ev.preempt()
	ev.latest = gamestate.Snapshot{}
	ev.gameOver = false
}

// Pending 返回待执行的触发 id（已排序）。
func (ev *Evaluator) Pending() []string {
	ids := make([]string, 0, len(ev.pending))
	for id := range ev.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Deferred 返回被推迟的剧本 key，按优先级从高到低。
func (ev *Evaluator) Deferred() []string {
	entries := ev.sortedDeferred()
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.scriptKey
	}
	return keys
}

func (ev *Evaluator) schedule(id, ruleID, category string, priority int, key string, delay time.Duration, holds Condition) {
	p := &pendingStart{id: id, ruleID: ruleID, category: category, priority: priority, scriptKey: key, holds: holds}
	if ev.player.IsActive() {
		ev.deferStart(p.entry())
		return
	}

	ev.cancelPending(id)
	p.handle = ev.sched.AfterFunc(delay, func() { ev.fire(p, true) })
	ev.pending[id] = p
}

func (ev *Evaluator) fire(p *pendingStart, deferrable bool) {
	if ev.pending[p.id] != p {
		return
	}
	ev.start(p, deferrable)
}

// start 交给播放端。异步解析期间 p 以 Ticket 为句柄留在待执行列表中。
func (ev *Evaluator) start(p *pendingStart, deferrable bool) {
	t := &Ticket{ev: ev, p: p, deferrable: deferrable}
	p.handle = t
	ev.pending[p.id] = p
	if err := ev.player.StartScript(p.scriptKey, t); err != nil {
		t.Release()
		ev.logger.Warn("triggered start failed", zap.String("rule", p.ruleID), zap.String("script", p.scriptKey), zap.Error(err))
	}
}

func (ev *Evaluator) forget(p *pendingStart) {
	if ev.pending[p.id] == p {
		delete(ev.pending, p.id)
	}
}

// deferStart 每个类别只保留最新一次。
func (ev *Evaluator) deferStart(e deferredEntry) {
	ev.deferred[e.category] = e
	ev.logger.Debug("trigger deferred", zap.String("rule", e.ruleID), zap.String("script", e.scriptKey))
	ev.emit(model.Event{Type: model.EventTriggerDeferred, RuleID: e.ruleID, ScriptKey: e.scriptKey})
}

func (ev *Evaluator) replayDeferred() {
	if ev.player.IsActive() {
		return
	}
	for _, e := range ev.sortedDeferred() {
		delete(ev.deferred, e.category)
		if e.holds != nil && !e.holds(ev.latest) {
			ev.drop(e.ruleID, e.scriptKey, "condition no longer holds")
			continue
		}
		ev.logger.Info("replaying deferred trigger", zap.String("rule", e.ruleID), zap.String("script", e.scriptKey))
		ev.cancelPending(e.id)
		ev.start(&pendingStart{id: e.id, ruleID: e.ruleID, category: e.category, priority: e.priority, scriptKey: e.scriptKey, holds: e.holds}, true)
		return
	}
}

func (ev *Evaluator) sortedDeferred() []deferredEntry {
	out := make([]deferredEntry, 0, len(ev.deferred))
	for _, e := range ev.deferred {
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].priority == out[j].priority {
			return out[i].scriptKey < out[j].scriptKey
		}
		return out[i].priority > out[j].priority
	})
	return out
}

func (ev *Evaluator) preempt() {
	for id := range ev.pending {
		ev.cancelPending(id)
	}
	if n := len(ev.deferred); n > 0 {
		ev.logger.Info("deferred triggers cleared", zap.Int("count", n))
	}
	ev.deferred = make(map[string]deferredEntry)
	ev.replay = scheduler.Cancel(ev.replay)
}

func (ev *Evaluator) cancelPending(id string) {
	if p, ok := ev.pending[id]; ok {
		p.handle.Cancel()
		delete(ev.pending, id)
	}
}

func (ev *Evaluator) drop(ruleID, key, reason string) {
	ev.logger.Info("trigger dropped", zap.String("rule", ruleID), zap.String("script", key), zap.String("reason", reason))
	ev.emit(model.Event{Type: model.EventTriggerDropped, RuleID: ruleID, ScriptKey: key, Text: reason})
}

func (ev *Evaluator) emit(evt model.Event) {
	for _, fn := range ev.listeners {
		fn(evt)
	}
}
