package model

type ChatRequest struct {
	Message   string   `json:"message" binding:"required"`
	SessionID string   `json:"session_id"`
	Images    []string `json:"images"` // 随消息附带的图片（data URL）
}

type CreateSessionRequest struct {
	Title string `json:"title"`
}

type RenderRequest struct {
	Content string `json:"content" binding:"required"`
}
