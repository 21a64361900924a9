package gamestate

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"chickmaster/server/internal/apperr"
)

// Poller 定时从游戏后端拉取状态快照（对应网页版的 30 秒自动刷新）。
type Poller struct {
	url      string
	interval time.Duration
	client   *http.Client
	onState  func(Snapshot)
	logger   *zap.Logger

	stopped atomic.Bool
}

// NewPoller 创建轮询器；onState 在轮询 goroutine 上调用。
func NewPoller(baseURL string, interval, timeout time.Duration, onState func(Snapshot), logger *zap.Logger) *Poller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{
		url:      strings.TrimRight(baseURL, "/") + "/api/game/state",
		interval: interval,
		client:   &http.Client{Timeout: timeout},
		onState:  onState,
		logger:   logger.Named("poller"),
	}
}

// Fetch 拉取一次快照。
func (p *Poller) Fetch(ctx context.Context) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return Snapshot{}, apperr.Transport("build state request", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return Snapshot{}, apperr.Transport("fetch game state", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Snapshot{}, apperr.Transport("read game state", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, apperr.Transport(fmt.Sprintf("game state returned HTTP %d", resp.StatusCode), nil)
	}
	return Parse(body)
}

// Run 阻塞轮询直到 ctx 取消。游戏结束后不再轮询。
func (p *Poller) Run(ctx context.Context) {
	if p.interval <= 0 {
		return
	}
	p.logger.Info("state polling started", zap.String("url", p.url), zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("state polling stopped")
			return
		case <-ticker.C:
			if p.stopped.Load() {
				continue
			}
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	snap, err := p.Fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("poll game state failed", zap.Error(err))
		}
		return
	}
	if snap.IsGameOver() {
		p.stopped.Store(true)
	}
	if p.onState != nil {
		p.onState(snap)
	}
}

// Resume 游戏重开后恢复轮询。
func (p *Poller) Resume() {
	p.stopped.Store(false)
}

// Paused 表示是否因游戏结束暂停了轮询。
func (p *Poller) Paused() bool {
	return p.stopped.Load()
}
