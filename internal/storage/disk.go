package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"litechat-backend/internal/model"
	"litechat-backend/pkg/logger"
)

// DiskStorage 每个会话一个JSON文件，外加索引文件和应用状态文件。
// 热会话缓存在内存中，按更新时间淘汰
type DiskStorage struct {
	dataDir   string
	mu        sync.RWMutex
	cache     map[string]*model.Session
	cacheSize int
}

type sessionIndex struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewDiskStorage(dataDir string, cacheSize int) *DiskStorage {
	return &DiskStorage{
		dataDir:   dataDir,
		cache:     make(map[string]*model.Session),
		cacheSize: cacheSize,
	}
}

func (d *DiskStorage) Init() error {
	for _, dir := range []string{d.dataDir, d.sessionsDir(), filepath.Join(d.dataDir, "backup")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageInit, err)
		}
	}

	indexPath := d.indexPath()
	if _, err := os.Stat(indexPath); os.IsNotExist(err) {
		if err := d.saveIndex([]*sessionIndex{}); err != nil {
			return fmt.Errorf("%w: %v", ErrStorageInit, err)
		}
	}

	logger.Info("磁盘存储初始化完成")
	return nil
}

func (d *DiskStorage) sessionsDir() string {
	return filepath.Join(d.dataDir, "sessions")
}

func (d *DiskStorage) indexPath() string {
	return filepath.Join(d.dataDir, "sessions.json")
}

func (d *DiskStorage) statePath() string {
	return filepath.Join(d.dataDir, "state.json")
}

func (d *DiskStorage) sessionPath(sessionID string) string {
	return filepath.Join(d.sessionsDir(), sessionID+".json")
}

// writeJSONAtomic 先写临时文件再rename，避免写一半的文件被读到
func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tempPath, path)
}

func (d *DiskStorage) loadSessionFromFile(sessionID string) (*model.Session, error) {
	data, err := os.ReadFile(d.sessionPath(sessionID))
	if err != nil {
		return nil, err
	}

	var session model.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	return &session, nil
}

func (d *DiskStorage) saveIndex(indexes []*sessionIndex) error {
	return writeJSONAtomic(d.indexPath(), indexes)
}

func (d *DiskStorage) loadIndex() ([]*sessionIndex, error) {
	data, err := os.ReadFile(d.indexPath())
	if err != nil {
		return nil, err
	}

	var indexes []*sessionIndex
	if err := json.Unmarshal(data, &indexes); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	return indexes, nil
}

// updateIndexEntry 增量维护索引，remove为true时删除条目
func (d *DiskStorage) updateIndexEntry(session *model.Session, remove bool) error {
	indexes, err := d.loadIndex()
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		indexes = []*sessionIndex{}
	}

	out := indexes[:0]
	for _, idx := range indexes {
		if idx.ID != session.ID {
			out = append(out, idx)
		}
	}
	if !remove {
		out = append(out, &sessionIndex{
			ID:        session.ID,
			Title:     session.Title,
			CreatedAt: session.CreatedAt,
			UpdatedAt: session.UpdatedAt,
		})
	}

	return d.saveIndex(out)
}

func (d *DiskStorage) persistSession(session *model.Session) error {
	if err := writeJSONAtomic(d.sessionPath(session.ID), session); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	if err := d.updateIndexEntry(session, false); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) CreateSession(session *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.persistSession(session); err != nil {
		return err
	}

	d.cache[session.ID] = session
	d.evictCache()

	return nil
}

func (d *DiskStorage) GetSession(sessionID string) (*model.Session, error) {
	d.mu.RLock()
	if session, exists := d.cache[sessionID]; exists {
		d.mu.RUnlock()
		return session, nil
	}
	d.mu.RUnlock()

	session, err := d.loadSessionFromFile(sessionID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.mu.Lock()
	d.cache[sessionID] = session
	d.evictCache()
	d.mu.Unlock()

	return session, nil
}

func (d *DiskStorage) UpdateSession(session *model.Session) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, cached := d.cache[session.ID]; !cached {
		if _, err := os.Stat(d.sessionPath(session.ID)); os.IsNotExist(err) {
			return ErrSessionNotFound
		}
	}

	if err := d.persistSession(session); err != nil {
		return err
	}

	d.cache[session.ID] = session
	return nil
}

func (d *DiskStorage) DeleteSession(sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	path := d.sessionPath(sessionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return ErrSessionNotFound
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	delete(d.cache, sessionID)

	return d.updateIndexEntry(&model.Session{ID: sessionID}, true)
}

func (d *DiskStorage) ListSessions() ([]*model.Session, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	indexes, err := d.loadIndex()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	sessions := make([]*model.Session, 0, len(indexes))
	for _, index := range indexes {
		sessions = append(sessions, &model.Session{
			ID:        index.ID,
			Title:     index.Title,
			CreatedAt: index.CreatedAt,
			UpdatedAt: index.UpdatedAt,
		})
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	return sessions, nil
}

// getForWrite 调用方必须持有写锁
func (d *DiskStorage) getForWrite(sessionID string) (*model.Session, error) {
	if session, exists := d.cache[sessionID]; exists {
		return session, nil
	}

	session, err := d.loadSessionFromFile(sessionID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	d.cache[sessionID] = session
	return session, nil
}

func (d *DiskStorage) AddMessage(sessionID string, message *model.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := d.getForWrite(sessionID)
	if err != nil {
		return err
	}

	session.Messages = append(session.Messages, *message)
	session.UpdatedAt = time.Now()

	return d.persistSession(session)
}

func (d *DiskStorage) GetMessages(sessionID string) ([]*model.Message, error) {
	session, err := d.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	messages := make([]*model.Message, len(session.Messages))
	for i := range session.Messages {
		messages[i] = &session.Messages[i]
	}

	return messages, nil
}

func (d *DiskStorage) UpdateMessageContent(sessionID, messageID, content string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := d.getForWrite(sessionID)
	if err != nil {
		return err
	}

	for i := range session.Messages {
		if session.Messages[i].ID == messageID {
			session.Messages[i].Content = content
			session.UpdatedAt = time.Now()
			return d.persistSession(session)
		}
	}

	return ErrMessageNotFound
}

func (d *DiskStorage) UpdateMessageRender(sessionID, messageID, htmlContent string, renderTimeMs int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, err := d.getForWrite(sessionID)
	if err != nil {
		return err
	}

	for i := range session.Messages {
		if session.Messages[i].ID == messageID {
			session.Messages[i].HTMLContent = htmlContent
			session.Messages[i].IsRendered = true
			session.Messages[i].RenderTimeMs = renderTimeMs
			return d.persistSession(session)
		}
	}

	return ErrMessageNotFound
}

func (d *DiskStorage) GetState() (*model.AppState, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	data, err := os.ReadFile(d.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return &model.AppState{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	var state model.AppState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidData, err)
	}

	return &state, nil
}

func (d *DiskStorage) SaveState(state *model.AppState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := writeJSONAtomic(d.statePath(), state); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	return nil
}

func (d *DiskStorage) evictCache() {
	if len(d.cache) <= d.cacheSize {
		return
	}

	type cacheEntry struct {
		id        string
		updatedAt time.Time
	}

	var entries []cacheEntry
	for id, session := range d.cache {
		entries = append(entries, cacheEntry{id: id, updatedAt: session.UpdatedAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].updatedAt.Before(entries[j].updatedAt)
	})

	toEvict := len(d.cache) - d.cacheSize
	for i := 0; i < toEvict; i++ {
		delete(d.cache, entries[i].id)
	}
}

func (d *DiskStorage) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cache = make(map[string]*model.Session)
	return nil
}

func (d *DiskStorage) Backup() error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	backupDir := filepath.Join(d.dataDir, "backup", fmt.Sprintf("backup_%d", time.Now().Unix()))
	if err := os.MkdirAll(filepath.Join(backupDir, "sessions"), 0755); err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}

	files, err := os.ReadDir(d.sessionsDir())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFileOperation, err)
	}
	for _, file := range files {
		if err := copyFile(
			filepath.Join(d.sessionsDir(), file.Name()),
			filepath.Join(backupDir, "sessions", file.Name()),
		); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	for _, name := range []string{"sessions.json", "state.json"} {
		src := filepath.Join(d.dataDir, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := copyFile(src, filepath.Join(backupDir, name)); err != nil {
			return fmt.Errorf("%w: %v", ErrFileOperation, err)
		}
	}

	logger.Infof("备份完成: %s", backupDir)
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0644)
}
