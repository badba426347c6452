package auth

import (
	"sync"
	"time"
)

// Blacklist 已吊销 token 的存储，由本组件独占持有（不使用全局变量），
// 条目带 TTL，后台定期清扫过期项。
type Blacklist struct {
	mu      sync.RWMutex
	entries map[string]time.Time // token -> 过期时间
	done    chan struct{}
	once    sync.Once
}

// NewBlacklist 创建黑名单并启动清扫协程。sweepInterval <= 0 时默认 1 分钟。
func NewBlacklist(sweepInterval time.Duration) *Blacklist {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	b := &Blacklist{
		entries: make(map[string]time.Time),
		done:    make(chan struct{}),
	}
	go b.sweep(sweepInterval)
	return b
}

// Revoke 将 token 加入黑名单，expiresAt 之后条目自动失效。
func (b *Blacklist) Revoke(token string, expiresAt time.Time) {
	if b == nil || token == "" {
		return
	}
	b.mu.Lock()
	b.entries[token] = expiresAt
	b.mu.Unlock()
}

// Contains 判断 token 是否被吊销且尚未过期。
func (b *Blacklist) Contains(token string) bool {
	if b == nil || token == "" {
		return false
	}
	b.mu.RLock()
	exp, ok := b.entries[token]
	b.mu.RUnlock()
	if !ok {
		return false
	}
	return time.Now().Before(exp)
}

// Close 停止清扫协程。
func (b *Blacklist) Close() {
	if b == nil {
		return
	}
	b.once.Do(func() { close(b.done) })
}

func (b *Blacklist) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for token, exp := range b.entries {
				if now.After(exp) {
					delete(b.entries, token)
				}
			}
			b.mu.Unlock()
		}
	}
}
