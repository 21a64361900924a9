package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultEmotion 是立绘表情的兜底键，每个非旁白角色都必须提供。
const DefaultEmotion = "default"

// Slot 表示屏幕上三个固定的立绘位置之一。
type Slot int

const (
	SlotLeft Slot = iota
	SlotCenter
	SlotRight
)

// Slots 按固定顺序列出全部位置，替代 "character"+Slot 的字符串拼接寻址。
var Slots = [...]Slot{SlotLeft, SlotCenter, SlotRight}

// SlotCount 是位置总数。
const SlotCount = len(Slots)

var slotNames = [...]string{"left", "center", "right"}

func (s Slot) String() string {
	if s.Valid() {
		return slotNames[s]
	}
	return fmt.Sprintf("slot(%d)", int(s))
}

// Valid 判断是否为三个合法位置之一。
func (s Slot) Valid() bool {
	return s >= SlotLeft && s <= SlotRight
}

// ParseSlot 解析 "left"/"center"/"right"（大小写不敏感）。
func ParseSlot(name string) (Slot, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for i, candidate := range slotNames {
		if candidate == n {
			return Slot(i), nil
		}
	}
	return SlotCenter, fmt.Errorf("unknown slot %q", name)
}

func (s Slot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Slot) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	parsed, err := ParseSlot(name)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func (s Slot) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s *Slot) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := ParseSlot(node.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Character 角色展示信息。
// 字段命名沿用后端下发的角色库格式（name/avatar/images/isFirstPerson）。
type Character struct {
	ID        string            `json:"id,omitempty" yaml:"id,omitempty"`
	Name      string            `json:"name" yaml:"name"`
	Avatar    string            `json:"avatar" yaml:"avatar"`
	Portraits map[string]string `json:"images" yaml:"images"`
	Voice     string            `json:"voice,omitempty" yaml:"voice,omitempty"`
	// Narrator 旁白（玩家内心独白）角色永远不会出现在任何位置上。
	Narrator bool `json:"isFirstPerson" yaml:"narrator"`
}

// Portrait 返回指定表情的立绘，缺失时回退到 default。
func (c Character) Portrait(emotion string) string {
	if img, ok := c.Portraits[emotion]; ok && img != "" {
		return img
	}
	return c.Portraits[DefaultEmotion]
}

// Validate 校验角色数据。旁白角色不需要立绘。
func (c Character) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return fmt.Errorf("character %q: name is required", c.ID)
	}
	if !c.Narrator && c.Portraits[DefaultEmotion] == "" {
		return fmt.Errorf("character %q: default portrait is required", c.ID)
	}
	return nil
}

// Line 是脚本中的一行台词。
type Line struct {
	Speaker string `json:"speaker" yaml:"speaker"`
	Slot    Slot   `json:"position" yaml:"position"`
	Emotion string `json:"emotion,omitempty" yaml:"emotion,omitempty"`
	Text    string `json:"text" yaml:"text"`
}

// EmotionOrDefault 返回台词表情，空值视为 default。
func (l Line) EmotionOrDefault() string {
	if l.Emotion == "" {
		return DefaultEmotion
	}
	return l.Emotion
}

// Validate 校验单行台词。
func (l Line) Validate() error {
	if strings.TrimSpace(l.Speaker) == "" {
		return fmt.Errorf("line speaker is required")
	}
	if !l.Slot.Valid() {
		return fmt.Errorf("line slot %s is invalid", l.Slot)
	}
	if l.Text == "" {
		return fmt.Errorf("line text is required")
	}
	return nil
}

// Script 是按 key 寻址的一组有序台词；一旦解析给某次会话即视为不可变。
type Script struct {
	Key   string `json:"key"`
	Lines []Line `json:"lines"`
}

// Clone 返回台词切片的副本，避免调用方修改仓库内部数据。
func (s Script) Clone() Script {
	lines := make([]Line, len(s.Lines))
	copy(lines, s.Lines)
	return Script{Key: s.Key, Lines: lines}
}

// Validate 校验脚本非空且每行合法，同时补齐默认表情。
func (s *Script) Validate() error {
	if len(s.Lines) == 0 {
		return fmt.Errorf("script %q has no lines", s.Key)
	}
	for i := range s.Lines {
		if err := s.Lines[i].Validate(); err != nil {
			return fmt.Errorf("script %q line %d: %w", s.Key, i, err)
		}
		s.Lines[i].Emotion = s.Lines[i].EmotionOrDefault()
	}
	return nil
}

// ScriptSource 是 start 的输入：按 key 解析，或直接给出内联台词。
type ScriptSource struct {
	key    string
	inline []Line
}

// ByKey 构造按 key 解析的来源。
func ByKey(key string) ScriptSource {
	return ScriptSource{key: key}
}

// Inline 构造内联台词来源。
func Inline(lines []Line) ScriptSource {
	copied := make([]Line, len(lines))
	copy(copied, lines)
	return ScriptSource{inline: copied}
}

// Key 返回 key；内联来源返回 ("", false)。
func (s ScriptSource) Key() (string, bool) {
	return s.key, s.inline == nil
}

// Lines 返回内联台词；按 key 来源返回 (nil, false)。
func (s ScriptSource) Lines() ([]Line, bool) {
	return s.inline, s.inline != nil
}

func (s ScriptSource) String() string {
	if key, ok := s.Key(); ok {
		return key
	}
	return fmt.Sprintf("inline(%d lines)", len(s.inline))
}

// Occupant 记录某个位置上的角色与表情。
type Occupant struct {
	CharacterID string `json:"character_id"`
	Emotion     string `json:"emotion"`
}

// Event 表示时间线中的一个对话事实。
type Event struct {
	// Seq 由 timeline 分配的单调序号。
	Seq int64 `json:"seq,omitempty"`
	// SurfaceID 标识产生事件的 UI 画面。
	SurfaceID string `json:"surface_id,omitempty"`
	// EventID 用于去重与重试幂等。
	EventID string `json:"event_id,omitempty"`

	Type      string `json:"type"`
	ScriptKey string `json:"script_key,omitempty"`
	LineIndex int    `json:"line_index,omitempty"`
	Speaker   string `json:"speaker,omitempty"`
	RuleID    string `json:"rule_id,omitempty"`
	Text      string `json:"text,omitempty"`
	Error     string `json:"error,omitempty"`

	ServerTS time.Time `json:"server_ts,omitempty"`
}

// 时间线事件类型。
const (
	EventCommand         = "command"
	EventSessionStarted  = "session_started"
	EventLineShown       = "line_shown"
	EventLineFailed      = "line_failed"
	EventSessionClosed   = "session_closed"
	EventStartFailed     = "start_failed"
	EventTriggerFired    = "trigger_fired"
	EventTriggerDropped  = "trigger_dropped"
	EventTriggerDeferred = "trigger_deferred"
	EventSnapshot        = "snapshot"
)

// StageStatus 是由时间线归约出来的对外状态摘要。
type StageStatus struct {
	SurfaceID      string    `json:"surface_id"`
	Active         bool      `json:"active"`
	ScriptKey      string    `json:"script_key,omitempty"`
	LineIndex      int       `json:"line_index"`
	Speaker        string    `json:"speaker,omitempty"`
	SessionsPlayed int       `json:"sessions_played"`
	LinesShown     int       `json:"lines_shown"`
	LastTrigger    string    `json:"last_trigger,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}
