package stage

import (
	"time"

	"go.uber.org/zap"

	"chickmaster/server/internal/apperr"
	"chickmaster/server/internal/model"
	"chickmaster/server/internal/scheduler"
)

// CharacterLookup 角色查询（catalog.Catalog 实现）。
type CharacterLookup interface {
	Lookup(id string) (model.Character, error)
}

// PresenterTiming 立绘动画节奏
type PresenterTiming struct {
	// FadeIn 从出现到完全可见的时长（淡入延迟 + 过渡）。
	FadeIn time.Duration
	// FadeOut 从开始淡出到隐藏的时长。
	FadeOut time.Duration
}

// Presenter 管理三个立绘位置：占用者、立绘图与强调状态。
// 每个位置最多一个进行中的淡入/淡出；只能在调度线程上使用。
type Presenter struct {
	sched   scheduler.Scheduler
	surface Surface
	chars   CharacterLookup
	timing  PresenterTiming
	logger  *zap.Logger

	occupants [model.SlotCount]model.Occupant
	occupied  [model.SlotCount]bool
	views     [model.SlotCount]model.SlotView
	fades     [model.SlotCount]scheduler.Handle
}

// NewPresenter 创建立绘管理器，所有位置初始为隐藏。
func NewPresenter(sched scheduler.Scheduler, surface Surface, chars CharacterLookup, timing PresenterTiming, logger *zap.Logger) *Presenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Presenter{
		sched:   sched,
		surface: surface,
		chars:   chars,
		timing:  timing,
		logger:  logger.Named("presenter"),
	}
	for _, s := range model.Slots {
		p.views[s] = model.SlotView{Slot: s, Visibility: model.VisibilityHidden, Emphasis: model.EmphasisNone}
	}
	return p
}

// SetSlot 把角色放到指定位置。
// 角色不存在返回 ResolutionError 且不改变任何状态；旁白角色直接忽略。
func (p *Presenter) SetSlot(slot model.Slot, characterID, emotion string) error {
	if !slot.Valid() {
		return apperr.Validation("set slot: invalid "+slot.String(), nil)
	}
	ch, err := p.chars.Lookup(characterID)
	if err != nil {
		return err
	}
	if ch.Narrator {
		return nil
	}
	if emotion == "" {
		emotion = model.DefaultEmotion
	}

	image := ch.Portrait(emotion)
	view := p.views[slot]
	p.occupants[slot] = model.Occupant{CharacterID: characterID, Emotion: emotion}
	p.occupied[slot] = true

	// 同一张图已经在淡入或可见：只换数据，不重复淡入
	if view.Image == image && (view.Visibility == model.VisibilityVisible || view.Visibility == model.VisibilityFadingIn) {
		return nil
	}

	p.fades[slot] = scheduler.Cancel(p.fades[slot])
	view.Image = image
	view.Visibility = model.VisibilityFadingIn
	p.apply(view)
	p.fades[slot] = p.sched.AfterFunc(p.timing.FadeIn, func() {
		p.fades[slot] = nil
		v := p.views[slot]
		v.Visibility = model.VisibilityVisible
		p.apply(v)
	})
	return nil
}

// HighlightActive 说话者所在位置高亮，其余占用位置变暗。
// 说话者为旁白时所有占用位置都变暗。
func (p *Presenter) HighlightActive(slot model.Slot, speakerID string) {
	narrator := false
	if ch, err := p.chars.Lookup(speakerID); err == nil {
		narrator = ch.Narrator
	}

	for _, s := range model.Slots {
		if !p.occupied[s] {
			continue
		}
		v := p.views[s]
		if !narrator && s == slot {
			v.Emphasis = model.EmphasisActive
		} else {
			v.Emphasis = model.EmphasisInactive
		}
		if v != p.views[s] {
			p.apply(v)
		}
	}
}

// ClearAll 淡出所有可见位置并清空占用者。
func (p *Presenter) ClearAll() {
	for _, s := range model.Slots {
		p.occupied[s] = false
		p.occupants[s] = model.Occupant{}

		v := p.views[s]
		if !v.Shown() {
			continue
		}
		p.fades[s] = scheduler.Cancel(p.fades[s])
		v.Visibility = model.VisibilityFadingOut
		v.Emphasis = model.EmphasisNone
		p.apply(v)

		slot := s
		p.fades[s] = p.sched.AfterFunc(p.timing.FadeOut, func() {
			p.fades[slot] = nil
			p.apply(model.SlotView{Slot: slot, Visibility: model.VisibilityHidden, Emphasis: model.EmphasisNone})
		})
	}
	p.logger.Debug("slots cleared")
}

// Occupant 返回位置上的角色。
func (p *Presenter) Occupant(slot model.Slot) (model.Occupant, bool) {
	if !slot.Valid() {
		return model.Occupant{}, false
	}
	return p.occupants[slot], p.occupied[slot]
}

// Occupied 返回所有被占用的位置。
func (p *Presenter) Occupied() []model.Slot {
	var out []model.Slot
	for _, s := range model.Slots {
		if p.occupied[s] {
			out = append(out, s)
		}
	}
	return out
}

// View 返回位置当前呈现状态。
func (p *Presenter) View(slot model.Slot) model.SlotView {
	return p.views[slot]
}

func (p *Presenter) apply(v model.SlotView) {
	p.views[v.Slot] = v
	p.surface.SetSlot(v)
}
