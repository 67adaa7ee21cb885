package model

import "time"

type ChatResponse struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
	Role      string `json:"role"`
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type,omitempty"` // delta | done | error
	Usage     *Usage `json:"usage,omitempty"`
}

type SessionResponse struct {
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

type RenderResponse struct {
	HTML         string `json:"html"`
	RenderTimeMs int64  `json:"render_time_ms"`
}

type UsageResponse struct {
	TotalTokens int64 `json:"total_tokens"`
	KeyCursor   int   `json:"key_cursor"`
}
