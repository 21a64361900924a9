package api

import (
	"time"

	"chickmaster/server/internal/engine"
	"chickmaster/server/internal/model"
)

// MessageType 定义了 stream 通道上的消息类型
type MessageType string

const (
	// 客户端 → 服务端
	MessageContinue   MessageType = "continue"    // 下一行
	MessageSkip       MessageType = "skip"        // 跳过整段对话
	MessageFinishLine MessageType = "finish_line" // 立即显示完当前行
	MessageStart      MessageType = "start"       // 按 key 开始剧本
	MessagePing       MessageType = "ping"

	// 服务端 → 客户端
	MessageFrame  MessageType = "frame"  // 画面帧
	MessageStatus MessageType = "status" // 状态摘要
	MessageError  MessageType = "error"
	MessagePong   MessageType = "pong"
)

// ClientMessage 客户端发送的消息（WebSocket 文本帧）
type ClientMessage struct {
	Type     MessageType `json:"type"`
	EventID  string      `json:"event_id,omitempty"`
	Key      string      `json:"key,omitempty"`
	ClientTS time.Time   `json:"client_ts,omitempty"`
}

// ServerMessage 服务端推送的消息
type ServerMessage struct {
	Type     MessageType        `json:"type"`
	Seq      int64              `json:"seq,omitempty"`
	EventID  string             `json:"event_id,omitempty"`
	Frame    *model.Frame       `json:"frame,omitempty"`
	Status   *model.StageStatus `json:"status,omitempty"`
	Error    string             `json:"error,omitempty"`
	Code     string             `json:"code,omitempty"`
	ServerTS time.Time          `json:"server_ts"`
}

type startRequest struct {
	Key   string       `json:"key"`
	Lines []model.Line `json:"lines"`
}

type scriptRequest struct {
	Lines []model.Line `json:"lines"`
}

type actionRequest struct {
	ActionType string `json:"action_type"`
}

type sceneRequest struct {
	Location   *string `json:"location"`
	TimeInfo   *string `json:"time_info"`
	Background *string `json:"background"`
}

type statusResponse struct {
	IsActive bool              `json:"isActive"`
	Status   model.StageStatus `json:"status"`
	Session  engine.Session    `json:"session"`
	Pending  []string          `json:"pending_triggers"`
	Deferred []string          `json:"deferred_triggers"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
