package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chickmaster/server/internal/apperr"
	"chickmaster/server/internal/catalog"
	"chickmaster/server/internal/model"
	"chickmaster/server/internal/scheduler"
	"chickmaster/server/internal/script"
	"chickmaster/server/internal/stage"
)

type harness struct {
	sched  *scheduler.Manual
	board  *stage.Board
	pres   *stage.Presenter
	chars  *catalog.Catalog
	repo   *script.Repository
	engine *Engine
	phases []Phase
	events []model.Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{
		sched: scheduler.NewManual(time.Unix(0, 0)),
		board: stage.NewBoard(),
		chars: catalog.New(),
	}
	h.repo = script.New(h.chars, nil, nil)
	h.pres = stage.NewPresenter(h.sched, h.board, h.chars, stage.PresenterTiming{FadeIn: 600 * time.Millisecond, FadeOut: 500 * time.Millisecond}, nil)
	if opts.CloseGrace == 0 {
		opts.CloseGrace = 300 * time.Millisecond
	}
	h.engine = New(Deps{
		Scheduler:  h.sched,
		Surface:    h.board,
		Revealer:   stage.NewRevealer(h.sched, 50*time.Millisecond),
		Presenter:  h.pres,
		Characters: h.chars,
		Scripts:    h.repo,
	}, opts)
	h.engine.OnTransition(func(p Phase) { h.phases = append(h.phases, p) })
	h.engine.OnEvent(func(e model.Event) { h.events = append(h.events, e) })
	return h
}

func (h *harness) eventTypes() []string {
	var out []string
	for _, e := range h.events {
		out = append(out, e.Type)
	}
	return out
}

func TestPlayThroughThenIdleWithEmptySlots(t *testing.T) {
	h := newHarness(t, Options{})
	ctx := context.Background()

	require.NoError(t, h.engine.Start(ctx, model.ByKey("first_customer")))
	assert.True(t, h.engine.IsActive())
	assert.True(t, h.board.Frame().DialogVisible)

	// 3 行台词：再推进 3 次后关闭
	for i := 0; i < 3; i++ {
		h.sched.Advance(5 * time.Second)
		require.NoError(t, h.engine.Continue())
	}
	assert.Equal(t, PhaseClosing, h.engine.Phase())
	assert.False(t, h.board.Frame().DialogVisible)

	h.sched.Advance(300 * time.Millisecond)
	assert.False(t, h.engine.IsActive())
	assert.Empty(t, h.pres.Occupied())

	h.sched.Advance(time.Second)
	for _, v := range h.board.Frame().Slots {
		assert.Equal(t, model.VisibilityHidden, v.Visibility)
	}
	assert.Equal(t, []Phase{PhaseActive, PhaseIdle}, h.phases)
	assert.Equal(t, 0, h.sched.Pending())
}

func TestNarratorNeverSlotted(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.engine.Start(context.Background(), model.ByKey("daily_start")))
	assert.Equal(t, "boss", h.engine.Session().Line.Speaker)
	assert.Empty(t, h.pres.Occupied())
	assert.Equal(t, "나", h.board.Frame().Speaker.Name)
}

func TestSpeakerHighlighted(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.engine.Start(context.Background(), model.ByKey("busy_day")))
	f := h.board.Frame()
	assert.Equal(t, model.EmphasisActive, f.Slots[model.SlotLeft].Emphasis)

	require.NoError(t, h.engine.Continue())
	f = h.board.Frame()
	assert.Equal(t, model.EmphasisInactive, f.Slots[model.SlotLeft].Emphasis)
}

func TestRevealAndFinishLine(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.engine.Start(context.Background(), model.Inline([]model.Line{
		{Speaker: "customer", Slot: model.SlotLeft, Text: "abcdef"},
	})))
	f := h.board.Frame()
	assert.Equal(t, "a", f.Text)
	assert.True(t, f.Typing)
	assert.True(t, h.engine.Session().Typing)

	h.engine.FinishLine()
	f = h.board.Frame()
	assert.Equal(t, "abcdef", f.Text)
	assert.False(t, f.Typing)
	assert.True(t, h.engine.IsActive())
}

func TestSkipAtAnyPoint(t *testing.T) {
	h := newHarness(t, Options{})

	require.NoError(t, h.engine.Start(context.Background(), model.ByKey("welcome")))
	h.sched.Advance(100 * time.Millisecond)
	h.engine.Skip()

	assert.Equal(t, PhaseClosing, h.engine.Phase())
	assert.Equal(t, 0, h.engine.Session().Remaining)
	textAtSkip := h.board.Frame().Text

	h.sched.Advance(time.Second)
	assert.False(t, h.engine.IsActive())
	assert.Equal(t, textAtSkip, h.board.Frame().Text)
	assert.NotContains(t, h.eventTypes(), model.EventLineFailed)

	// Idle 时 Skip 为空操作
	h.engine.Skip()
	assert.Equal(t, PhaseIdle, h.engine.Phase())
}

func TestStartUnknownKeyStaysIdle(t *testing.T) {
	h := newHarness(t, Options{})
	before := h.board.Frame()

	err := h.engine.Start(context.Background(), model.ByKey("unknown_key"))
	assert.True(t, apperr.IsResolution(err))
	assert.False(t, h.engine.IsActive())
	assert.Equal(t, before, h.board.Frame())
	assert.Equal(t, []string{model.EventStartFailed}, h.eventTypes())
	assert.Empty(t, h.phases)
}

func TestStartFailureKeepsCurrentSession(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Start(context.Background(), model.ByKey("welcome")))
	before := h.engine.Session()

	err := h.engine.Start(context.Background(), model.Inline([]model.Line{
		{Speaker: "ghost", Slot: model.SlotLeft, Text: "boo"},
	}))
	assert.True(t, apperr.IsResolution(err))
	assert.Equal(t, before, h.engine.Session())
}

func TestUnknownSpeakerMidSession(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Start(context.Background(), model.Inline([]model.Line{
		{Speaker: "customer", Slot: model.SlotLeft, Text: "hi"},
		{Speaker: "ghost", Slot: model.SlotRight, Text: "boo"},
	})))

	err := h.engine.Continue()
	assert.True(t, apperr.IsResolution(err))
	s := h.engine.Session()
	assert.Equal(t, 0, s.LineIndex)
	assert.Equal(t, 1, s.Remaining)
	assert.Equal(t, PhaseActive, s.Phase)
	assert.Contains(t, h.eventTypes(), model.EventLineFailed)

	// 角色补注册后可以继续
	require.NoError(t, h.chars.Register("ghost", model.Character{Name: "Ghost", Portraits: map[string]string{"default": "g.png"}}))
	require.NoError(t, h.engine.Continue())
	assert.Equal(t, 1, h.engine.Session().LineIndex)
}

func TestStartSupersedes(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Start(context.Background(), model.ByKey("busy_day")))
	require.NoError(t, h.engine.Start(context.Background(), model.ByKey("first_customer")))

	s := h.engine.Session()
	assert.Equal(t, "first_customer", s.ScriptKey)
	assert.Equal(t, 0, s.LineIndex)
	assert.Equal(t, 2, s.Remaining)
	assert.Equal(t, []Phase{PhaseActive}, h.phases)
}

func TestStartDuringClosingCancelsClose(t *testing.T) {
	h := newHarness(t, Options{})
	require.NoError(t, h.engine.Start(context.Background(), model.ByKey("daily_start")))
	h.engine.Skip()
	require.NoError(t, h.engine.Start(context.Background(), model.ByKey("low_money")))

	h.sched.Advance(time.Second)
	assert.Equal(t, PhaseActive, h.engine.Phase())
	assert.True(t, h.board.Frame().DialogVisible)
	assert.Equal(t, []Phase{PhaseActive}, h.phases)

	// 关闭中的会话也要留下 session_closed
	var closed []model.Event
	for _, e := range h.events {
		if e.Type == model.EventSessionClosed {
			closed = append(closed, e)
		}
	}
	require.Len(t, closed, 1)
	assert.Equal(t, "daily_start", closed[0].ScriptKey)
	assert.Equal(t, "superseded", closed[0].Text)
}

func TestContinueWhenIdle(t *testing.T) {
	h := newHarness(t, Options{})
	assert.True(t, apperr.IsState(h.engine.Continue()))
}

func TestAutoAdvance(t *testing.T) {
	h := newHarness(t, Options{AutoAdvance: true, AutoAdvanceDelay: 3 * time.Second})
	require.NoError(t, h.engine.Start(context.Background(), model.ByKey("welcome")))

	h.sched.Advance(5 * time.Second)
	assert.Equal(t, 1, h.engine.Session().LineIndex)
	assert.Equal(t, PhaseActive, h.engine.Phase())

	h.sched.Advance(10 * time.Second)
	assert.False(t, h.engine.IsActive())
	assert.Equal(t, []Phase{PhaseActive, PhaseIdle}, h.phases)
}
