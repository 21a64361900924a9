package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chickmaster/server/internal/apperr"
	"chickmaster/server/internal/model"
	"chickmaster/server/internal/orchestrator"
)

const (
	streamSendBuffer   = 32
	streamWriteTimeout = 5 * time.Second
	streamPingInterval = 30 * time.Second
	streamPongWait     = 60 * time.Second
	streamReadLimit    = 4096
)

// streamConn 一个画面的 WebSocket 连接：推送帧，接收 continue/skip 等操作。
// 所有写操作都在 writeLoop 中串行进行。
type streamConn struct {
	stage  *orchestrator.Stage
	conn   *websocket.Conn
	logger *zap.Logger

	send      chan ServerMessage
	closeOnce sync.Once
	done      chan struct{}

	seqMu sync.Mutex
	seq   int64
}

// handleStream 升级到 WebSocket 并阻塞直到连接关闭。
func (s *Server) handleStream(c *gin.Context) {
	st, ok := s.stage(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade websocket failed", zap.String("surface", st.ID()), zap.Error(err))
		return
	}

	sc := &streamConn{
		stage:  st,
		conn:   conn,
		logger: s.logger.With(zap.String("surface", st.ID()), zap.String("remote", c.Request.RemoteAddr)),
		send:   make(chan ServerMessage, streamSendBuffer),
		done:   make(chan struct{}),
	}
	sc.logger.Info("stream connected")

	unsubscribe := st.Subscribe(sc.pushFrame)
	defer unsubscribe()

	// 先推送当前帧，客户端可以直接绘制
	sc.pushFrame(st.Frame())

	go sc.writeLoop()
	sc.readLoop()
	sc.logger.Info("stream disconnected")
}

// pushFrame 在画面修改者的 goroutine 上调用，不能阻塞：缓冲满时丢弃（下一帧包含完整状态）。
func (sc *streamConn) pushFrame(f model.Frame) {
	frame := f
	sc.enqueue(ServerMessage{Type: MessageFrame, Frame: &frame})
}

func (sc *streamConn) enqueue(msg ServerMessage) {
	select {
	case <-sc.done:
		return
	default:
	}

	select {
	case sc.send <- msg:
	default:
		sc.logger.Debug("stream buffer full, message dropped", zap.String("type", string(msg.Type)))
	}
}

func (sc *streamConn) readLoop() {
	defer sc.close()

	sc.conn.SetReadLimit(streamReadLimit)
	_ = sc.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		messageType, data, err := sc.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sc.logger.Debug("stream read error", zap.Error(err))
			}
			return
		}
		_ = sc.conn.SetReadDeadline(time.Now().Add(streamPongWait))
		if messageType != websocket.TextMessage {
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sc.sendError("", apperr.Validation("invalid message", err))
			continue
		}
		if err := sc.handle(&msg); err != nil {
			// 发送错误给客户端，但不断开连接
			sc.sendError(msg.EventID, err)
		}
	}
}

func (sc *streamConn) handle(msg *ClientMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), streamWriteTimeout)
	defer cancel()
	ctx = orchestrator.WithEventID(ctx, msg.EventID)

	switch msg.Type {
	case MessageContinue:
		return sc.stage.Continue(ctx)
	case MessageSkip:
		return sc.stage.Skip(ctx)
	case MessageFinishLine:
		return sc.stage.FinishLine(ctx)
	case MessageStart:
		if msg.Key == "" {
			return apperr.Validation("key required", nil)
		}
		return sc.stage.Start(ctx, model.ByKey(msg.Key))
	case MessagePing:
		status := sc.stage.Status()
		sc.enqueue(ServerMessage{Type: MessagePong, EventID: msg.EventID, Status: &status})
		return nil
	default:
		return apperr.Validation("unknown message type "+string(msg.Type), nil)
	}
}

func (sc *streamConn) sendError(eventID string, err error) {
	sc.enqueue(ServerMessage{Type: MessageError, EventID: eventID, Error: err.Error(), Code: apperr.CodeOf(err)})
}

func (sc *streamConn) writeLoop() {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()
	defer sc.close()

	for {
		select {
		case <-sc.done:
			return
		case msg := <-sc.send:
			if err := sc.write(msg); err != nil {
				sc.logger.Debug("stream write error", zap.Error(err))
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(streamWriteTimeout)
			if err := sc.conn.WriteControl(websocket.PingMessage, []byte{}, deadline); err != nil {
				return
			}
		}
	}
}

func (sc *streamConn) write(msg ServerMessage) error {
	// 分配序列号
	sc.seqMu.Lock()
	sc.seq++
	msg.Seq = sc.seq
	sc.seqMu.Unlock()

	if msg.ServerTS.IsZero() {
		msg.ServerTS = time.Now()
	}

	_ = sc.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return sc.conn.WriteJSON(msg)
}

func (sc *streamConn) close() {
	sc.closeOnce.Do(func() {
		close(sc.done)
		_ = sc.conn.Close()
	})
}
