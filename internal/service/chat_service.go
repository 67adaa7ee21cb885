package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"litechat-backend/internal/config"
	"litechat-backend/internal/keypool"
	"litechat-backend/internal/llm"
	"litechat-backend/internal/markdown"
	"litechat-backend/internal/model"
	"litechat-backend/internal/storage"
	"litechat-backend/pkg/logger"

	"github.com/google/uuid"
)

var (
	// ErrSessionBusy 会话已有进行中的补全，拒绝并发请求
	ErrSessionBusy = errors.New("session busy")
)

type ChatService struct {
	storage storage.Storage
	llm     *llm.Client
	pool    *keypool.Pool
	cfg     *config.Config

	mu   sync.Mutex
	busy map[string]bool
}

func NewChatService(cfg *config.Config) *ChatService {
	var store storage.Storage

	switch cfg.Storage.Type {
	case "disk":
		store = storage.NewDiskStorage(cfg.Storage.DataDir, cfg.Storage.CacheSize)
	case "sqlite":
		store = storage.NewSQLiteStorage(cfg.Storage.DataDir)
	default:
		store = storage.NewMemoryStorage()
	}

	if err := store.Init(); err != nil {
		logger.Errorf("存储初始化失败，降级为内存存储: %v", err)
		store = storage.NewMemoryStorage()
		store.Init()
	}

	// 从持久化状态恢复密钥游标，重启后继续轮换
	cursor := 0
	if state, err := store.GetState(); err != nil {
		logger.Errorf("读取应用状态失败: %v", err)
	} else {
		cursor = state.KeyCursor
	}

	pool := keypool.NewWithCursor(cfg.API.APIKeys, cursor)

	cs := &ChatService{
		storage: store,
		llm:     llm.NewClient(cfg.API, pool),
		pool:    pool,
		cfg:     cfg,
		busy:    make(map[string]bool),
	}

	go cs.cleanupOldSessions()

	return cs
}

func (s *ChatService) CreateSession(title string) (*model.Session, error) {
	if title == "" {
		title = "新对话 " + time.Now().Format("2006-01-02 15:04")
	}

	session := &model.Session{
		ID:        uuid.New().String(),
		Title:     title,
		Messages:  make([]model.Message, 0),
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	if err := s.storage.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

func (s *ChatService) GetSession(sessionID string) (*model.Session, error) {
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

func (s *ChatService) GetSessionMessages(sessionID string) ([]model.Message, error) {
	messages, err := s.storage.GetMessages(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get messages: %w", err)
	}

	result := make([]model.Message, len(messages))
	for i, msg := range messages {
		result[i] = *msg
	}

	return result, nil
}

func (s *ChatService) GetAllSessions() ([]*model.Session, error) {
	sessions, err := s.storage.ListSessions()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	return sessions, nil
}

func (s *ChatService) DeleteSession(sessionID string) error {
	if err := s.storage.DeleteSession(sessionID); err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		return fmt.Errorf("failed to delete session: %w", err)
	}

	return nil
}

func (s *ChatService) ClearAllSessions() error {
	sessions, err := s.storage.ListSessions()
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}

	for _, session := range sessions {
		if err := s.storage.DeleteSession(session.ID); err != nil {
			logger.Errorf("删除会话失败 %s: %v", session.ID, err)
		}
	}

	return nil
}

func (s *ChatService) UpdateSessionTitle(sessionID, title string) error {
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return fmt.Errorf("session not found: %s", sessionID)
		}
		return fmt.Errorf("failed to get session: %w", err)
	}

	session.Title = title
	session.UpdatedAt = time.Now()

	if err := s.storage.UpdateSession(session); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	return nil
}

func (s *ChatService) AddMessage(sessionID, role, content string, images []string) (*model.Message, error) {
	session, err := s.storage.GetSession(sessionID)
	if err != nil {
		if errors.Is(err, storage.ErrSessionNotFound) {
			return nil, fmt.Errorf("session not found: %s", sessionID)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	message := &model.Message{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Role:      role,
		Content:   content,
		Images:    images,
		Timestamp: time.Now(),
	}

	if err := s.storage.AddMessage(sessionID, message); err != nil {
		return nil, fmt.Errorf("failed to add message: %w", err)
	}

	// 第一条用户消息且标题还是默认值时，用消息内容生成标题
	if role == model.RoleUser && strings.HasPrefix(session.Title, "新对话") {
		messages, _ := s.storage.GetMessages(sessionID)
		if len(messages) == 1 {
			session.Title = truncateString(content, 30)
			session.UpdatedAt = time.Now()
			if err := s.storage.UpdateSession(session); err != nil {
				logger.Errorf("更新会话标题失败: %v", err)
			}
		}
	}

	return message, nil
}

// Usage 返回累计token消耗与当前密钥游标
func (s *ChatService) Usage() (*model.UsageResponse, error) {
	state, err := s.storage.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to get state: %w", err)
	}

	return &model.UsageResponse{
		TotalTokens: state.TotalTokens,
		KeyCursor:   s.pool.Cursor(),
	}, nil
}

func (s *ChatService) GetStorage() storage.Storage {
	return s.storage
}

// acquire 标记会话进入补全中，同一会话同时只允许一个补全
func (s *ChatService) acquire(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.busy[sessionID] {
		return false
	}
	s.busy[sessionID] = true
	return true
}

func (s *ChatService) release(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.busy, sessionID)
}

// buildHistory 把会话消息转成上游请求格式，只保留最近MaxHistory条。
// 预存的空助手消息不发给上游
func (s *ChatService) buildHistory(sessionID string) ([]model.ProviderMessage, error) {
	messages, err := s.storage.GetMessages(sessionID)
	if err != nil {
		return nil, err
	}

	history := make([]model.ProviderMessage, 0, len(messages))
	for _, msg := range messages {
		if msg.Content == "" && len(msg.Images) == 0 {
			continue
		}
		pm := model.ProviderMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if msg.Role == model.RoleUser {
			pm.Images = msg.Images
		}
		history = append(history, pm)
	}

	if max := s.cfg.API.MaxHistory; max > 0 && len(history) > max {
		history = history[len(history)-max:]
	}

	return history, nil
}

func (s *ChatService) StreamChat(ctx context.Context, sessionID, message string, images []string) (<-chan model.ChatResponse, <-chan error) {
	respChan := make(chan model.ChatResponse, 32)
	errChan := make(chan error, 1)

	if sessionID == "" {
		errChan <- fmt.Errorf("sessionID is required")
		close(respChan)
		close(errChan)
		return respChan, errChan
	}

	if !s.acquire(sessionID) {
		errChan <- ErrSessionBusy
		close(respChan)
		close(errChan)
		return respChan, errChan
	}

	go func() {
		// 先释放busy标记再关通道，消费端看到通道关闭时会话一定已可复用
		defer close(errChan)
		defer close(respChan)
		defer s.release(sessionID)

		if _, err := s.GetSession(sessionID); err != nil {
			errChan <- err
			return
		}

		if _, err := s.AddMessage(sessionID, model.RoleUser, message, images); err != nil {
			errChan <- err
			return
		}

		// 先落一条空的助手消息，流式过程中前端可按ID对齐增量
		messageID := uuid.New().String()
		assistant := &model.Message{
			ID:        messageID,
			SessionID: sessionID,
			Role:      model.RoleAssistant,
			Content:   "",
			Timestamp: time.Now(),
		}
		if err := s.storage.AddMessage(sessionID, assistant); err != nil {
			logger.Errorf("预存助手消息失败: %v", err)
			errChan <- err
			return
		}

		history, err := s.buildHistory(sessionID)
		if err != nil {
			errChan <- err
			return
		}

		// 消费端停止读取时缓冲可能写满，发送必须同时等待取消，
		// 否则回调会永久阻塞在通道上，busy标记也无法释放
		send := func(resp model.ChatResponse) {
			select {
			case respChan <- resp:
			case <-ctx.Done():
			}
		}

		onDelta := func(fragment string, final bool) {
			if fragment == "" {
				return
			}
			send(model.ChatResponse{
				SessionID: sessionID,
				MessageID: messageID,
				Content:   fragment,
				Role:      model.RoleAssistant,
				Timestamp: time.Now().Unix(),
				Type:      "delta",
			})
		}

		result, err := s.llm.Complete(ctx, history, onDelta)

		// 无论成功与否，已产生的内容都要落盘
		if result != nil && result.Text != "" {
			if uerr := s.storage.UpdateMessageContent(sessionID, messageID, result.Text); uerr != nil {
				logger.Errorf("更新助手消息失败: %v", uerr)
			} else {
				html, ms := markdown.RenderTimed(result.Text)
				if rerr := s.storage.UpdateMessageRender(sessionID, messageID, html, ms); rerr != nil {
					logger.Errorf("保存渲染结果失败: %v", rerr)
				}
			}
		}

		s.persistState(result)

		if err != nil {
			if errors.Is(err, llm.ErrStreamInterrupted) {
				// 部分内容已保存，补一条错误事件告知前端流中断
				logger.Warnf("会话 %s 流中断: %v", sessionID, err)
				send(model.ChatResponse{
					SessionID: sessionID,
					MessageID: messageID,
					Content:   "回复流中断，以上为已接收的部分内容",
					Role:      model.RoleAssistant,
					Timestamp: time.Now().Unix(),
					Type:      "error",
				})
				return
			}
			errChan <- err
			return
		}

		done := model.ChatResponse{
			SessionID: sessionID,
			MessageID: messageID,
			Role:      model.RoleAssistant,
			Timestamp: time.Now().Unix(),
			Type:      "done",
		}
		if result != nil {
			done.Content = result.Text
			if result.Usage.TotalTokens > 0 {
				usage := result.Usage
				done.Usage = &usage
			}
		}
		send(done)
	}()

	return respChan, errChan
}

// persistState 把密钥游标和累计token写回存储
func (s *ChatService) persistState(result *llm.Result) {
	state, err := s.storage.GetState()
	if err != nil {
		logger.Errorf("读取应用状态失败: %v", err)
		state = &model.AppState{}
	}

	state.KeyCursor = s.pool.Cursor()
	if result != nil {
		state.TotalTokens += int64(result.Usage.TotalTokens)
	}
	state.UpdatedAt = time.Now()

	if err := s.storage.SaveState(state); err != nil {
		logger.Errorf("保存应用状态失败: %v", err)
	}
}

func (s *ChatService) cleanupOldSessions() {
	if s.cfg.Session.TTL <= 0 {
		return
	}

	ticker := time.NewTicker(s.cfg.Session.CleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		sessions, err := s.storage.ListSessions()
		if err != nil {
			logger.Errorf("清理过期会话时列举失败: %v", err)
			continue
		}

		cutoff := time.Now().Add(-s.cfg.Session.TTL)
		for _, session := range sessions {
			if session.UpdatedAt.Before(cutoff) {
				if err := s.storage.DeleteSession(session.ID); err != nil {
					logger.Errorf("删除过期会话失败 %s: %v", session.ID, err)
				} else {
					logger.Infof("已清理过期会话: %s", session.ID)
				}
			}
		}
	}
}

func truncateString(str string, maxLen int) string {
	runes := []rune(str)
	if len(runes) <= maxLen {
		return str
	}
	return string(runes[:maxLen]) + "..."
}
