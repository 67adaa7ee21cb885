package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"litechat-backend/internal/config"
	"litechat-backend/internal/model"
	"litechat-backend/internal/service"

	"github.com/gin-gonic/gin"
)

func newTestRouter(upstreamURL string) *gin.Engine {
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		API: config.APIConfig{
			BaseURL:      upstreamURL,
			Model:        "test-model",
			APIKeys:      []string{"k0"},
			MaxTokens:    256,
			Stream:       true,
			SystemPrompt: "你是一个助手",
			Timeout:      5 * time.Second,
			MaxHistory:   10,
		},
		Storage: config.StorageConfig{Type: "memory"},
		Session: config.SessionConfig{CleanupInterval: time.Hour},
	}

	h := NewChatHandler(service.NewChatService(cfg))

	router := gin.New()
	api := router.Group("/api")
	api.POST("/render", h.Render)
	api.GET("/usage", h.GetUsage)
	chat := api.Group("/chat")
	chat.POST("/stream", h.StreamChat)
	chat.POST("/session", h.CreateSession)
	chat.POST("/session/list", h.GetSessionList)
	chat.GET("/session/del/:session_id", h.DeleteSession)
	chat.POST("/session/clear", h.ClearAllSessions)
	chat.GET("/session/:session_id", h.GetSession)
	chat.GET("/messages/:session_id", h.GetMessages)
	chat.PUT("/session/:session_id", h.UpdateSessionTitle)

	return router
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createSession(t *testing.T, router *gin.Engine, title string) *model.Session {
	t.Helper()

	w := doJSON(t, router, http.MethodPost, "/api/chat/session", model.CreateSessionRequest{Title: title})
	if w.Code != http.StatusOK {
		t.Fatalf("CreateSession status = %d: %s", w.Code, w.Body.String())
	}

	var session model.Session
	if err := json.Unmarshal(w.Body.Bytes(), &session); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return &session
}

func TestSessionCRUD(t *testing.T) {
	router := newTestRouter("http://unused")

	session := createSession(t, router, "测试会话")
	if session.Title != "测试会话" {
		t.Errorf("Title = %q", session.Title)
	}

	w := doJSON(t, router, http.MethodGet, "/api/chat/session/"+session.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GetSession status = %d", w.Code)
	}
	var got model.SessionResponse
	json.Unmarshal(w.Body.Bytes(), &got)
	if got.SessionID != session.ID || got.Title != "测试会话" {
		t.Errorf("SessionResponse = %+v", got)
	}

	w = doJSON(t, router, http.MethodPut, "/api/chat/session/"+session.ID, gin.H{"title": "改名"})
	if w.Code != http.StatusOK {
		t.Fatalf("UpdateSessionTitle status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/api/chat/session/list", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GetSessionList status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "改名") {
		t.Errorf("列表缺少更新后的标题: %s", w.Body.String())
	}

	w = doJSON(t, router, http.MethodGet, "/api/chat/session/del/"+session.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("DeleteSession status = %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/api/chat/session/"+session.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("删除后 GetSession status = %d", w.Code)
	}
}

func TestUpdateSessionTitle_MissingTitle(t *testing.T) {
	router := newTestRouter("http://unused")
	session := createSession(t, router, "a")

	w := doJSON(t, router, http.MethodPut, "/api/chat/session/"+session.ID, gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestRender(t *testing.T) {
	router := newTestRouter("http://unused")

	w := doJSON(t, router, http.MethodPost, "/api/render", model.RenderRequest{Content: "**粗体**"})
	if w.Code != http.StatusOK {
		t.Fatalf("Render status = %d: %s", w.Code, w.Body.String())
	}

	var resp model.RenderResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.HTML != "<p><strong>粗体</strong></p>" {
		t.Errorf("HTML = %q", resp.HTML)
	}
}

func TestRender_MissingContent(t *testing.T) {
	router := newTestRouter("http://unused")

	w := doJSON(t, router, http.MethodPost, "/api/render", gin.H{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestGetUsage(t *testing.T) {
	router := newTestRouter("http://unused")

	w := doJSON(t, router, http.MethodGet, "/api/usage", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GetUsage status = %d", w.Code)
	}

	var resp model.UsageResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.TotalTokens != 0 || resp.KeyCursor != 0 {
		t.Errorf("usage = %+v", resp)
	}
}

func TestStreamChat_SSE(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"你好\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	router := newTestRouter(upstream.URL)
	session := createSession(t, router, "")

	w := doJSON(t, router, http.MethodPost, "/api/chat/stream", model.ChatRequest{
		SessionID: session.ID,
		Message:   "hi",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("StreamChat status = %d: %s", w.Code, w.Body.String())
	}

	body := w.Body.String()
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(body, "event: message") {
		t.Errorf("缺少message事件: %s", body)
	}
	if !strings.Contains(body, `"type":"delta"`) || !strings.Contains(body, "你好") {
		t.Errorf("缺少增量内容: %s", body)
	}
	if !strings.Contains(body, `"type":"done"`) {
		t.Errorf("缺少done事件: %s", body)
	}
	if !strings.Contains(body, "data: [DONE]") {
		t.Errorf("缺少流结束标记: %s", body)
	}

	// 消息已持久化
	w = doJSON(t, router, http.MethodGet, "/api/chat/messages/"+session.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GetMessages status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "你好") {
		t.Errorf("消息未持久化: %s", w.Body.String())
	}
}

func TestStreamChat_InvalidBody(t *testing.T) {
	router := newTestRouter("http://unused")

	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// brokenWriter 第一次写入后开始报错，模拟SSE下行断开
type brokenWriter struct {
	header http.Header
	writes int
}

func (b *brokenWriter) Header() http.Header {
	if b.header == nil {
		b.header = make(http.Header)
	}
	return b.header
}

func (b *brokenWriter) WriteHeader(int) {}

func (b *brokenWriter) Flush() {}

func (b *brokenWriter) Write(p []byte) (int, error) {
	b.writes++
	if b.writes > 1 {
		return 0, fmt.Errorf("write to closed connection")
	}
	return len(p), nil
}

func TestStreamChat_WriteFailureReleasesSession(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for i := 0; i < 5; i++ {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":\"part-%d \"}}]}\n\n", i)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	router := newTestRouter(upstream.URL)
	session := createSession(t, router, "")

	var buf bytes.Buffer
	json.NewEncoder(&buf).Encode(model.ChatRequest{SessionID: session.ID, Message: "hi"})
	req := httptest.NewRequest(http.MethodPost, "/api/chat/stream", &buf)
	req.Header.Set("Content-Type", "application/json")

	// 下行写失败后处理器应排空事件并退出，而不是把生产端卡死
	router.ServeHTTP(&brokenWriter{}, req)

	// 会话必须已释放，再次发送要能正常走完
	w := doJSON(t, router, http.MethodPost, "/api/chat/stream", model.ChatRequest{
		SessionID: session.ID,
		Message:   "again",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("第二次请求 status = %d: %s", w.Code, w.Body.String())
	}
	if strings.Contains(w.Body.String(), "session_busy") {
		t.Fatalf("会话未释放: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"type":"done"`) {
		t.Errorf("第二次请求缺少done事件: %s", w.Body.String())
	}
}

func TestStreamChat_SessionNotFound(t *testing.T) {
	router := newTestRouter("http://unused")

	w := doJSON(t, router, http.MethodPost, "/api/chat/stream", model.ChatRequest{
		SessionID: "missing",
		Message:   "hi",
	})

	// SSE已开流，错误以error事件下发
	if !strings.Contains(w.Body.String(), "event: error") {
		t.Errorf("缺少error事件: %s", w.Body.String())
	}
}
