package gamestate

import (
	"fmt"

	"github.com/tidwall/gjson"

	"chickmaster/server/internal/apperr"
)

// Field 快照中参与触发判断的字段。
type Field int

const (
	Money Field = iota
	Reputation
	Happiness
	Pain
	Day
	DailyCustomers
	DailyRevenue
	GameOver
	fieldCount
)

var fieldNames = [fieldCount]string{
	"money", "reputation", "happiness", "pain", "day",
	"daily_customers", "daily_revenue", "game_over",
}

func (f Field) String() string {
	if f >= 0 && f < fieldCount {
		return fieldNames[f]
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// Snapshot 外部经营后端上报的一次游戏状态。
// 每个字段带存在位：缺失或类型不符的字段视为不存在，永远不会产生越界事件。
type Snapshot struct {
	values  [fieldCount]float64
	present [fieldCount]bool

	// 以下字段仅作展示，原样保留。
	Inventory      int            `json:"inventory,omitempty"`
	StaffFatigue   float64        `json:"staff_fatigue,omitempty"`
	Facility       float64        `json:"facility,omitempty"`
	Demand         float64        `json:"demand,omitempty"`
	ChickenPrice   float64        `json:"chicken_price,omitempty"`
	GameOverReason string         `json:"game_over_reason,omitempty"`
	Raw            map[string]any `json:"-"`
}

// New 用给定字段构造快照（测试与宿主直接推送时使用）。
func New(values map[Field]float64) Snapshot {
	var s Snapshot
	for f, v := range values {
		s.Set(f, v)
	}
	return s
}

// Set 设置字段值并标记为存在。
func (s *Snapshot) Set(f Field, v float64) {
	s.values[f] = v
	s.present[f] = true
}

// Value 返回字段值；第二个返回值表示字段是否存在。
func (s Snapshot) Value(f Field) (float64, bool) {
	if f < 0 || f >= fieldCount {
		return 0, false
	}
	return s.values[f], s.present[f]
}

// Has 判断字段是否存在。
func (s Snapshot) Has(f Field) bool {
	_, ok := s.Value(f)
	return ok
}

// IsGameOver 仅当 game_over 存在且为真时返回 true。
func (s Snapshot) IsGameOver() bool {
	v, ok := s.Value(GameOver)
	return ok && v != 0
}

// Missing 返回缺失的触发字段，用于日志。
func (s Snapshot) Missing() []Field {
	var out []Field
	for f := Field(0); f < fieldCount; f++ {
		if !s.present[f] {
			out = append(out, f)
		}
	}
	return out
}

// Parse 解析后端 JSON。接受裸状态对象或 {"game_state": {...}} 包装。
func Parse(raw []byte) (Snapshot, error) {
	if !gjson.ValidBytes(raw) {
		return Snapshot{}, apperr.State("snapshot is not valid JSON", nil)
	}
	root := gjson.ParseBytes(raw)
	if wrapped := root.Get("game_state"); wrapped.IsObject() {
		root = wrapped
	}
	if !root.IsObject() {
		return Snapshot{}, apperr.State("snapshot must be a JSON object", nil)
	}

	var s Snapshot
	for f := Field(0); f < fieldCount; f++ {
		v := root.Get(fieldNames[f])
		switch {
		case f == GameOver && (v.Type == gjson.True || v.Type == gjson.False):
			if v.Bool() {
				s.Set(f, 1)
			} else {
				s.Set(f, 0)
			}
		case f != GameOver && v.Type == gjson.Number:
			s.Set(f, v.Float())
		}
	}

	s.Inventory = int(root.Get("inventory").Int())
	s.StaffFatigue = root.Get("staff_fatigue").Float()
	s.Facility = root.Get("facility").Float()
	s.Demand = root.Get("demand").Float()
	s.ChickenPrice = root.Get("chicken_price").Float()
	s.GameOverReason = root.Get("game_over_reason").String()
	if m, ok := root.Value().(map[string]any); ok {
		s.Raw = m
	}
	return s, nil
}

// UnmarshalJSON 委托给 Parse。
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
