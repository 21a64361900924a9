package trigger

import (
	"time"

	"chickmaster/server/internal/config"
	"chickmaster/server/internal/gamestate"
)

// Predicate 判断本次快照相对上一次是否触发；prev 为 nil 表示首个快照。
type Predicate func(cur gamestate.Snapshot, prev *gamestate.Snapshot) bool

// Condition 判断单个快照上条件是否成立。缺失字段一律视为不成立。
type Condition func(s gamestate.Snapshot) bool

// FollowUp 规则触发后追加的剧本。
type FollowUp struct {
	ScriptKey string
	Delay     time.Duration
}

// Rule 一条自动触发规则。
type Rule struct {
	ID       string
	Category string
	// Priority 越大越优先，用于 Idle 后重放被推迟的剧本。
	Priority  int
	ScriptKey string
	Delay     time.Duration
	Predicate Predicate
	// Holds 在延迟到期时用最新快照复核，不成立则丢弃。
	Holds    Condition
	FollowUp *FollowUp
	// Exclusive 触发后结束本轮评估。
	Exclusive bool
	// Preempt 触发时撤销所有待执行与被推迟的剧本。
	Preempt bool
}

// Edge 边沿触发：当前成立且上一次不成立（没有上一次视为不成立）。
func Edge(c Condition) Predicate {
	return func(cur gamestate.Snapshot, prev *gamestate.Snapshot) bool {
		if !c(cur) {
			return false
		}
		return prev == nil || !c(*prev)
	}
}

// Below field < t
func Below(f gamestate.Field, t float64) Condition {
	return func(s gamestate.Snapshot) bool {
		v, ok := s.Value(f)
		return ok && v < t
	}
}

// Above field > t
func Above(f gamestate.Field, t float64) Condition {
	return func(s gamestate.Snapshot) bool {
		v, ok := s.Value(f)
		return ok && v > t
	}
}

// AtOrAbove field >= t
func AtOrAbove(f gamestate.Field, t float64) Condition {
	return func(s gamestate.Snapshot) bool {
		v, ok := s.Value(f)
		return ok && v >= t
	}
}

// Equals field == t
func Equals(f gamestate.Field, t float64) Condition {
	return func(s gamestate.Snapshot) bool {
		v, ok := s.Value(f)
		return ok && v == t
	}
}

// All 所有条件同时成立
func All(cs ...Condition) Condition {
	return func(s gamestate.Snapshot) bool {
		for _, c := range cs {
			if !c(s) {
				return false
			}
		}
		return true
	}
}

// Guarded 边沿只看 p，guard 只在当前快照上作为普通条件检查。
func Guarded(p Predicate, guard Condition) Predicate {
	return func(cur gamestate.Snapshot, prev *gamestate.Snapshot) bool {
		return guard(cur) && p(cur, prev)
	}
}

// CrossBelow 从 >= t 越过到 < t。
func CrossBelow(f gamestate.Field, t float64) Predicate { return Edge(Below(f, t)) }

// CrossAbove 从 <= t 越过到 > t。
func CrossAbove(f gamestate.Field, t float64) Predicate { return Edge(Above(f, t)) }

// CrossAtOrAbove 从 < t 越过到 >= t。
func CrossAtOrAbove(f gamestate.Field, t float64) Predicate { return Edge(AtOrAbove(f, t)) }

func gameOver(s gamestate.Snapshot) bool { return s.IsGameOver() }

func notGameOver(s gamestate.Snapshot) bool {
	v, ok := s.Value(gamestate.GameOver)
	return !ok || v == 0
}

// dayAdvanced 天数递增；首个快照的 day > 1 也算（中途接入的会话）。
func dayAdvanced(cur gamestate.Snapshot, prev *gamestate.Snapshot) bool {
	if !notGameOver(cur) {
		return false
	}
	day, ok := cur.Value(gamestate.Day)
	if !ok {
		return false
	}
	if prev == nil {
		return day > 1
	}
	prevDay, ok := prev.Value(gamestate.Day)
	return ok && day > prevDay
}

func firstDay(cur gamestate.Snapshot, prev *gamestate.Snapshot) bool {
	return prev == nil && Equals(gamestate.Day, 1)(cur) && notGameOver(cur)
}

// 规则类别
const (
	CategoryIntro      = "intro"
	CategoryGameOver   = "game_over"
	CategoryEconomy    = "economy"
	CategoryReputation = "reputation"
	CategoryDay        = "day"
	CategoryStress     = "stress"
	CategoryTraffic    = "traffic"
	CategoryAction     = "action"
)

// DefaultRules 返回默认规则表，按评估顺序排列。
func DefaultRules(cfg config.TriggerConfig) []Rule {
	lonelyGuard := Above(gamestate.Day, cfg.LonelyGraceDays)
	successGuard := Above(gamestate.Reputation, cfg.SuccessReputation)

	return []Rule{
		{
			ID: "welcome", Category: CategoryIntro, Priority: 90,
			ScriptKey: "welcome", Delay: time.Second,
			Predicate: firstDay,
			Holds:     notGameOver,
			FollowUp:  &FollowUp{ScriptKey: "first_customer", Delay: cfg.WelcomeFollowUp},
			Exclusive: true,
		},
		{
			ID: "game_over", Category: CategoryGameOver, Priority: 100,
			ScriptKey: "game_over", Delay: 500 * time.Millisecond,
			Predicate: Edge(gameOver),
			Holds:     gameOver,
			Exclusive: true,
			Preempt:   true,
		},
		{
			ID: "low_money", Category: CategoryEconomy, Priority: 50,
			ScriptKey: "low_money", Delay: 2 * time.Second,
			Predicate: CrossBelow(gamestate.Money, cfg.LowMoney),
			Holds:     Below(gamestate.Money, cfg.LowMoney),
		},
		{
			ID: "high_reputation", Category: CategoryReputation, Priority: 40,
			ScriptKey: "high_reputation", Delay: 1500 * time.Millisecond,
			Predicate: CrossAtOrAbove(gamestate.Reputation, cfg.HighReputation),
			Holds:     AtOrAbove(gamestate.Reputation, cfg.HighReputation),
		},
		{
			ID: "daily_start", Category: CategoryDay, Priority: 60,
			ScriptKey: "daily_start", Delay: time.Second,
			Predicate: dayAdvanced,
			Holds:     notGameOver,
		},
		{
			ID: "high_pain", Category: CategoryStress, Priority: 45,
			ScriptKey: "high_pain", Delay: 1500 * time.Millisecond,
			Predicate: CrossAtOrAbove(gamestate.Pain, cfg.HighPain),
			Holds:     AtOrAbove(gamestate.Pain, cfg.HighPain),
		},
		{
			ID: "busy_day", Category: CategoryTraffic, Priority: 30,
			ScriptKey: "busy_day", Delay: 2 * time.Second,
			Predicate: CrossAbove(gamestate.DailyCustomers, cfg.BusyCustomers),
			Holds:     Above(gamestate.DailyCustomers, cfg.BusyCustomers),
		},
		{
			ID: "lonely_day", Category: CategoryTraffic, Priority: 25,
			ScriptKey: "lonely_day", Delay: 2500 * time.Millisecond,
			Predicate: Guarded(CrossBelow(gamestate.DailyCustomers, cfg.LonelyCustomers), lonelyGuard),
			Holds:     All(Below(gamestate.DailyCustomers, cfg.LonelyCustomers), lonelyGuard),
		},
		{
			ID: "success_moment", Category: CategoryEconomy, Priority: 35,
			ScriptKey: "success_moment", Delay: 3 * time.Second,
			Predicate: Guarded(CrossAbove(gamestate.DailyRevenue, cfg.SuccessRevenue), successGuard),
			Holds:     All(Above(gamestate.DailyRevenue, cfg.SuccessRevenue), successGuard),
		},
	}
}

// actionScripts 玩家经营操作 → 对应的剧本。
var actionScripts = map[string]string{
	"price_change":     "price_increase",
	"order_inventory":  "inventory_order",
	"staff_management": "staff_rest",
	"facility_upgrade": "facility_upgrade",
}

// ActionScript 返回操作对应的剧本 key。
func ActionScript(actionType string) (string, bool) {
	key, ok := actionScripts[actionType]
	return key, ok
}
