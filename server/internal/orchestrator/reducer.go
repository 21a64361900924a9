package orchestrator

import (
	"chickmaster/server/internal/model"
)

// Reduce 只做"事实归约"，不触发外部调用。
// 约定：状态摘要可以由时间线事件按 seq 顺序完整回放重建。
func Reduce(status *model.StageStatus, evt model.Event) *model.StageStatus {
	if status == nil {
		return nil
	}

	switch evt.Type {
	case model.EventSessionStarted:
		status.Active = true
		status.ScriptKey = evt.ScriptKey
		status.LineIndex = -1
		status.Speaker = ""
		status.LastError = ""
		status.SessionsPlayed++
	case model.EventLineShown:
		status.LineIndex = evt.LineIndex
		status.Speaker = evt.Speaker
		status.LinesShown++
	case model.EventSessionClosed:
		// 被新会话替换时紧接着会有 session_started，这里不改状态
		if evt.Text == "superseded" {
			break
		}
		status.Active = false
		status.ScriptKey = ""
		status.Speaker = ""
		status.LineIndex = -1
	case model.EventStartFailed, model.EventLineFailed:
		status.LastError = evt.Error
	case model.EventTriggerFired:
		status.LastTrigger = evt.RuleID
	}

	if !evt.ServerTS.IsZero() {
		status.UpdatedAt = evt.ServerTS
	}
	return status
}
