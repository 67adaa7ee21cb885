package model

import "time"

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Role         string    `json:"role"`
	Content      string    `json:"content"`                // Markdown原文
	Images       []string  `json:"images,omitempty"`       // 图片附件（data URL）
	HTMLContent  string    `json:"html_content,omitempty"` // 渲染后的HTML内容
	IsRendered   bool      `json:"is_rendered"`            // 是否已渲染
	RenderTimeMs int64     `json:"render_time_ms,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

type Session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AppState 跨请求持久化的应用状态：密钥轮换游标与累计token用量
type AppState struct {
	KeyCursor   int       `json:"key_cursor"`
	TotalTokens int64     `json:"total_tokens"`
	UpdatedAt   time.Time `json:"updated_at"`
}
