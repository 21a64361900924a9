package model

// Visibility 立绘的可见状态。
type Visibility string

const (
	VisibilityHidden    Visibility = "hidden"
	VisibilityFadingIn  Visibility = "fading_in"
	VisibilityVisible   Visibility = "visible"
	VisibilityFadingOut Visibility = "fading_out"
)

// Emphasis 立绘的强调状态（说话者高亮，其余变暗）。
type Emphasis string

const (
	EmphasisNone     Emphasis = "none"
	EmphasisActive   Emphasis = "active"
	EmphasisInactive Emphasis = "inactive"
)

// SlotView 是单个位置的呈现状态。
type SlotView struct {
	Slot       Slot       `json:"slot"`
	Image      string     `json:"image,omitempty"`
	Visibility Visibility `json:"visibility"`
	Emphasis   Emphasis   `json:"emphasis"`
}

// Shown 表示立绘当前在屏幕上（包含淡入淡出过程）。
func (v SlotView) Shown() bool {
	return v.Visibility != VisibilityHidden && v.Visibility != ""
}

// Speaker 是对话框中的说话人信息。
type Speaker struct {
	ID     string `json:"id,omitempty"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Frame 是一个画面的完整呈现状态，浏览器只负责按帧绘制。
type Frame struct {
	Seq           int64               `json:"seq"`
	DialogVisible bool                `json:"dialog_visible"`
	Speaker       Speaker             `json:"speaker"`
	Text          string              `json:"text"`
	Typing        bool                `json:"typing"`
	Slots         [SlotCount]SlotView `json:"slots"`
	Background    string              `json:"background,omitempty"`
	Location      string              `json:"location,omitempty"`
	TimeInfo      string              `json:"time_info,omitempty"`
}

// EmptyFrame 返回所有位置隐藏的初始帧。
func EmptyFrame() Frame {
	var f Frame
	for _, s := range Slots {
		f.Slots[s] = SlotView{Slot: s, Visibility: VisibilityHidden, Emphasis: EmphasisNone}
	}
	return f
}
