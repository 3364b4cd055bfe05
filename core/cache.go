package core

import (
	"sync"
	"time"
)

// ConfigCache 租户配置缓存抽象 (依赖注入)
// The resolver only ever talks to this interface, so tests can substitute a
// deterministic store and a multi-instance deployment could back it with
// something shared without touching resolution logic.
type ConfigCache interface {
	// Get 返回租户的任务配置表；过期或不存在返回 false
	Get(tenantID uint) (map[string]TaskConfig, bool)

	// Set 安装租户配置，无过期时间
	Set(tenantID uint, configs map[string]TaskConfig)

	// SetWithTTL 安装带过期时间的租户配置（用于 Store 故障时的默认配置）
	SetWithTTL(tenantID uint, configs map[string]TaskConfig, ttl time.Duration)

	// NextIndex 返回 (tenant, task) 轮询游标的当前值并推进到 (i+1) mod n
	NextIndex(tenantID uint, taskType string, n int) int

	// Invalidate 原子地清除租户配置和该租户的所有轮询游标
	Invalidate(tenantID uint)
}

type cacheEntry struct {
	configs   map[string]TaskConfig
	expiresAt time.Time // zero means no expiry
}

// MemoryConfigCache 进程内缓存实现 (线程安全)
type MemoryConfigCache struct {
	mu       sync.Mutex
	entries  map[uint]*cacheEntry
	counters map[uint]map[string]int

	now func() time.Time // test hook
}

func NewMemoryConfigCache() *MemoryConfigCache {
	return &MemoryConfigCache{
		entries:  make(map[uint]*cacheEntry),
		counters: make(map[uint]map[string]int),
		now:      time.Now,
	}
}

func (c *MemoryConfigCache) Get(tenantID uint) (map[string]TaskConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, exists := c.entries[tenantID]
	if !exists {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt) {
		// 懒惰清理过期条目
		delete(c.entries, tenantID)
		delete(c.counters, tenantID)
		return nil, false
	}
	return entry.configs, true
}

func (c *MemoryConfigCache) Set(tenantID uint, configs map[string]TaskConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tenantID] = &cacheEntry{configs: configs}
}

func (c *MemoryConfigCache) SetWithTTL(tenantID uint, configs map[string]TaskConfig, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[tenantID] = &cacheEntry{
		configs:   configs,
		expiresAt: c.now().Add(ttl),
	}
}

func (c *MemoryConfigCache) NextIndex(tenantID uint, taskType string, n int) int {
	if n <= 0 {
		return 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	byTask, exists := c.counters[tenantID]
	if !exists {
		byTask = make(map[string]int)
		c.counters[tenantID] = byTask
	}
	i := byTask[taskType] % n
	byTask[taskType] = (i + 1) % n
	return i
}

// Invalidate 同一把锁下同时清除配置与游标，保证调用方视角的原子性
func (c *MemoryConfigCache) Invalidate(tenantID uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
	delete(c.counters, tenantID)
}
