package keypool

import "sync"

// Pool 有序的API密钥池。cursor指向下一次请求优先尝试的密钥，
// 不变量：池非空时 cursor ∈ [0, len(keys))
type Pool struct {
	mu     sync.Mutex
	keys   []string
	cursor int
}

func New(keys []string) *Pool {
	return NewWithCursor(keys, 0)
}

// NewWithCursor 从持久化状态恢复池。游标越界时归零
func NewWithCursor(keys []string, cursor int) *Pool {
	p := &Pool{
		keys: append([]string(nil), keys...),
	}
	if cursor >= 0 && cursor < len(p.keys) {
		p.cursor = cursor
	}
	return p
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.keys)
}

// Snapshot 返回密钥副本和本次遍历的起始下标
func (p *Pool) Snapshot() ([]string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return append([]string(nil), p.keys...), p.cursor
}

func (p *Pool) Cursor() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.cursor
}

// SetCursor 设置游标，按池长度取模
func (p *Pool) SetCursor(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.keys) == 0 {
		p.cursor = 0
		return
	}
	p.cursor = ((i % len(p.keys)) + len(p.keys)) % len(p.keys)
}
