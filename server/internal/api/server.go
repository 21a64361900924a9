package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"chickmaster/server/internal/apperr"
	"chickmaster/server/internal/catalog"
	"chickmaster/server/internal/config"
	"chickmaster/server/internal/engine"
	"chickmaster/server/internal/gamestate"
	"chickmaster/server/internal/model"
	"chickmaster/server/internal/orchestrator"
	"chickmaster/server/internal/script"
	"chickmaster/server/internal/session"
)

const eventIDHeader = "X-Event-ID"

type Server struct {
	config   *config.Config
	registry *session.Registry
	scripts  *script.Repository
	chars    *catalog.Catalog
	logger   *zap.Logger
	now      func() time.Time

	// WebSocket upgrader
	upgrader websocket.Upgrader
}

func NewServer(cfg *config.Config, registry *session.Registry, scripts *script.Repository, chars *catalog.Catalog, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		config:   cfg,
		registry: registry,
		scripts:  scripts,
		chars:    chars,
		logger:   logger.Named("api"),
		now:      time.Now,
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// 非浏览器客户端没有 Origin
			return origin == "" || s.originAllowed(origin)
		},
	}
	return s
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由
	router := gin.New()
	router.Use(s.requestLogger(), gin.Recovery(), s.corsMiddleware())
	router.GET("/healthz", s.handleHealthz)
	router.GET("/api/scripts", s.handleScripts)
	router.GET("/api/characters", s.handleCharacters)
	router.GET("/api/stats", s.handleStats)

	surface := router.Group("/api/surfaces/:surface")
	surface.POST("/dialogue/start", s.handleStart)
	surface.POST("/dialogue/continue", s.handleContinue)
	surface.POST("/dialogue/skip", s.handleSkip)
	surface.POST("/dialogue/finish-line", s.handleFinishLine)
	surface.GET("/dialogue/status", s.handleStatus)
	surface.GET("/frame", s.handleFrame)
	surface.GET("/history", s.handleHistory)
	surface.PUT("/scripts/:key", s.handleRegisterScript)
	surface.PUT("/characters/:id", s.handleRegisterCharacter)
	surface.POST("/snapshots", s.handleSnapshot)
	surface.POST("/actions", s.handleAction)
	surface.POST("/scene", s.handleScene)
	surface.POST("/triggers/reset", s.handleResetTriggers)
	surface.GET("/stream", s.handleStream)
	return router
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "surfaces": len(s.registry.List(c.Request.Context()))})
}

// handleScripts 返回所有已知剧本 key。
func (s *Server) handleScripts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"keys": s.scripts.Keys()})
}

// handleCharacters 返回所有角色 id。
func (s *Server) handleCharacters(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ids": s.chars.IDs()})
}

// handleStats 返回每个画面调度循环的统计。
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.registry.Stats())
}

// handleStart 开始剧本：{key} 或 {lines}。
func (s *Server) handleStart(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid json", err))
		return
	}

	var src model.ScriptSource
	switch {
	case len(req.Lines) > 0:
		src = model.Inline(req.Lines)
	case req.Key != "":
		src = model.ByKey(req.Key)
	default:
		s.respondError(c, apperr.Validation("key or lines required", nil))
		return
	}

	st, ok := s.stage(c)
	if !ok {
		return
	}
	if err := st.Start(commandContext(c), src); err != nil {
		s.respondError(c, err)
		return
	}
	s.respondStatus(c, st)
}

func (s *Server) handleContinue(c *gin.Context) {
	st, ok := s.stage(c)
	if !ok {
		return
	}
	if err := st.Continue(commandContext(c)); err != nil {
		s.respondError(c, err)
		return
	}
	s.respondStatus(c, st)
}

func (s *Server) handleSkip(c *gin.Context) {
	st, ok := s.stage(c)
	if !ok {
		return
	}
	if err := st.Skip(commandContext(c)); err != nil {
		s.respondError(c, err)
		return
	}
	s.respondStatus(c, st)
}

func (s *Server) handleFinishLine(c *gin.Context) {
	st, ok := s.stage(c)
	if !ok {
		return
	}
	if err := st.FinishLine(commandContext(c)); err != nil {
		s.respondError(c, err)
		return
	}
	s.respondStatus(c, st)
}

func (s *Server) handleStatus(c *gin.Context) {
	st, ok := s.stage(c)
	if !ok {
		return
	}
	s.respondStatus(c, st)
}

func (s *Server) handleFrame(c *gin.Context) {
	st, ok := s.stage(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, st.Frame())
}

// handleHistory 返回时间线，?after=seq 增量拉取。
func (s *Server) handleHistory(c *gin.Context) {
	var after int64
	if raw := c.Query("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			s.respondError(c, apperr.Validation("after must be a non-negative integer", err))
			return
		}
		after = v
	}

	st, ok := s.stage(c)
	if !ok {
		return
	}
	events, err := st.History(c.Request.Context(), after)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleRegisterScript(c *gin.Context) {
	var req scriptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid json", err))
		return
	}
	st, ok := s.stage(c)
	if !ok {
		return
	}
	if err := st.RegisterCustomScript(c.Param("key"), req.Lines); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"key": c.Param("key"), "lines": len(req.Lines)})
}

func (s *Server) handleRegisterCharacter(c *gin.Context) {
	var ch model.Character
	if err := c.ShouldBindJSON(&ch); err != nil {
		s.respondError(c, apperr.Validation("invalid json", err))
		return
	}
	st, ok := s.stage(c)
	if !ok {
		return
	}
	if err := st.RegisterCharacter(c.Param("id"), ch); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

// handleSnapshot 接收游戏状态快照并评估触发规则；服务端保留上一次快照。
func (s *Server) handleSnapshot(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		s.respondError(c, apperr.Validation("read body", err))
		return
	}
	snap, err := gamestate.Parse(body)
	if err != nil {
		s.respondError(c, apperr.Validation("invalid snapshot", err))
		return
	}

	st, ok := s.stage(c)
	if !ok {
		return
	}
	fired, err := st.OnSnapshot(c.Request.Context(), snap)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if fired == nil {
		fired = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"fired": fired})
}

func (s *Server) handleAction(c *gin.Context) {
	var req actionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ActionType == "" {
		s.respondError(c, apperr.Validation("action_type required", err))
		return
	}
	st, ok := s.stage(c)
	if !ok {
		return
	}
	scheduled, err := st.OnAction(c.Request.Context(), req.ActionType)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduled": scheduled})
}

// handleScene 更新背景与地点说明。
func (s *Server) handleScene(c *gin.Context) {
	var req sceneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperr.Validation("invalid json", err))
		return
	}
	st, ok := s.stage(c)
	if !ok {
		return
	}
	frame, err := st.UpdateScene(c.Request.Context(), orchestrator.Scene{
		Location:   req.Location,
		TimeInfo:   req.TimeInfo,
		Background: req.Background,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, frame)
}

func (s *Server) handleResetTriggers(c *gin.Context) {
	st, ok := s.stage(c)
	if !ok {
		return
	}
	if err := st.ResetTriggers(c.Request.Context()); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// commandContext 把 X-Event-ID 请求头带入命令，重试同一请求只执行一次。
func commandContext(c *gin.Context) context.Context {
	return orchestrator.WithEventID(c.Request.Context(), c.GetHeader(eventIDHeader))
}

func (s *Server) stage(c *gin.Context) (*orchestrator.Stage, bool) {
	st, err := s.registry.GetOrCreate(c.Request.Context(), c.Param("surface"))
	if err != nil {
		s.respondError(c, err)
		return nil, false
	}
	return st, true
}

func (s *Server) respondStatus(c *gin.Context, st *orchestrator.Stage) {
	ctx := c.Request.Context()
	sess, err := st.Session(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	pending, deferred, err := st.TriggerState(ctx)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, statusResponse{
		IsActive: sess.Phase != engine.PhaseIdle,
		Status:   st.Status(),
		Session:  sess,
		Pending:  nonNil(pending),
		Deferred: nonNil(deferred),
	})
}

// respondError 把错误类别映射为 HTTP 状态码；返回给前端的信息保持简洁。
func (s *Server) respondError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.KindResolution:
		code = http.StatusNotFound
	case apperr.KindValidation:
		code = http.StatusBadRequest
	case apperr.KindState:
		code = http.StatusConflict
	case apperr.KindTransport:
		code = http.StatusBadGateway
	default:
		if errors.Is(err, session.ErrClosed) {
			code = http.StatusServiceUnavailable
		}
	}

	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		msg = "internal error"
	}
	c.AbortWithStatusJSON(code, errorResponse{Error: msg, Code: apperr.CodeOf(err)})
}

func (s *Server) originAllowed(origin string) bool {
	return slices.Contains(s.config.Server.AllowedOrigins, origin) || slices.Contains(s.config.Server.AllowedOrigins, "*")
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, "+eventIDHeader)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// requestLogger 用 zap 记录每个请求。
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", s.now().Sub(start)))
	}
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
