package script

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"chickmaster/server/internal/apperr"
	"chickmaster/server/internal/catalog"
	"chickmaster/server/internal/model"
)

// RemoteSource 服务端剧本来源（游戏后端）。
type RemoteSource interface {
	FetchCatalog(ctx context.Context) (catalog.Bundle, error)
	FetchDailyStart(ctx context.Context) ([]model.Line, error)
	FetchEvent(ctx context.Context, eventID string) ([]model.Line, error)
}

// HTTPSource 通过游戏后端的 /api/dialogue/* 接口获取剧本。
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSource 创建远程来源；timeout 作用于每个请求。
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// FetchCatalog 拉取角色库与剧本集合。
// 兼容两种字段名：characters/scripts 与网页版的 CHARACTER_DATABASE/DIALOGUE_SCRIPTS。
func (s *HTTPSource) FetchCatalog(ctx context.Context) (catalog.Bundle, error) {
	body, err := s.get(ctx, "/api/dialogue/character-database")
	if err != nil {
		return catalog.Bundle{}, err
	}
	if err := checkSuccess(body); err != nil {
		return catalog.Bundle{}, err
	}

	data := gjson.GetBytes(body, "data")
	chars := firstExisting(data, "characters", "CHARACTER_DATABASE")
	scripts := firstExisting(data, "scripts", "DIALOGUE_SCRIPTS")
	if !chars.IsObject() || !scripts.IsObject() {
		return catalog.Bundle{}, apperr.Transport("catalog response missing characters or scripts", nil)
	}

	var b catalog.Bundle
	if err := json.Unmarshal([]byte(chars.Raw), &b.Characters); err != nil {
		return catalog.Bundle{}, apperr.Transport("decode characters", err)
	}
	if err := json.Unmarshal([]byte(scripts.Raw), &b.Scripts); err != nil {
		return catalog.Bundle{}, apperr.Transport("decode scripts", err)
	}
	if err := b.Normalize(); err != nil {
		return catalog.Bundle{}, apperr.Transport("invalid remote catalog", err)
	}
	return b, nil
}

// FetchDailyStart 拉取当天开场台词。
func (s *HTTPSource) FetchDailyStart(ctx context.Context) ([]model.Line, error) {
	return s.fetchDialogue(ctx, "/api/dialogue/daily-start")
}

// FetchEvent 拉取指定事件的台词。
func (s *HTTPSource) FetchEvent(ctx context.Context, eventID string) ([]model.Line, error) {
	return s.fetchDialogue(ctx, "/api/dialogue/event/"+url.PathEscape(eventID))
}

func (s *HTTPSource) fetchDialogue(ctx context.Context, path string) ([]model.Line, error) {
	body, err := s.get(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := checkSuccess(body); err != nil {
		return nil, err
	}
	return decodeDialogue(gjson.GetBytes(body, "dialogue"))
}

func (s *HTTPSource) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return nil, apperr.Transport("build request "+path, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, apperr.Transport("request "+path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, apperr.Transport("read "+path, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Transport(fmt.Sprintf("%s returned HTTP %d", path, resp.StatusCode), nil)
	}
	if !gjson.ValidBytes(body) {
		return nil, apperr.Transport(path+" returned invalid JSON", nil)
	}
	return body, nil
}

// checkSuccess 处理 {success:false, message} 形式的失败响应。
func checkSuccess(body []byte) error {
	res := gjson.GetManyBytes(body, "success", "message", "error")
	if res[0].Bool() {
		return nil
	}
	msg := res[1].String()
	if msg == "" {
		msg = res[2].String()
	}
	if msg == "" {
		msg = "success=false"
	}
	return apperr.Transport("remote dialogue: "+msg, nil)
}

// decodeDialogue 接受单行对象或台词数组。
func decodeDialogue(v gjson.Result) ([]model.Line, error) {
	raw := v.Raw
	switch {
	case v.IsObject():
		raw = "[" + raw + "]"
	case v.IsArray():
	default:
		return nil, apperr.Transport("remote dialogue payload missing", nil)
	}

	var lines []model.Line
	if err := json.Unmarshal([]byte(raw), &lines); err != nil {
		return nil, apperr.Transport("decode dialogue", err)
	}
	return lines, nil
}

func firstExisting(v gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := v.Get(k); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}
