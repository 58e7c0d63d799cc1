package config

import (
	"sync"
	"sync/atomic"
)

// AtomicContainer 以 atomic.Value 承載配置的容器
// 讀取無鎖零拷貝，寫入走寫時複製。
type AtomicContainer struct {
	store atomic.Value // 存儲 *Config 指針
	mu    sync.Mutex   // 僅串行化 Update
}

// NewAtomicContainer 初始化容器
func NewAtomicContainer(cfg *Config) *AtomicContainer {
	c := &AtomicContainer{}
	// 存入深拷貝，調用方之後改動自己的指針不會污染容器
	c.store.Store(cfg.DeepCopy())
	return c
}

// Get 獲取當前配置快照
// 返回的指針視為只讀，修改必須通過 Update 進行。
func (c *AtomicContainer) Get() *Config {
	return c.store.Load().(*Config)
}

// Update 原子更新配置
// 複製舊配置，在副本上應用修改，驗證通過後整體替換。
// 持有舊快照的協程不受影響，繼續讀舊內存直到釋放引用。
func (c *AtomicContainer) Update(fn func(*Config) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldCfg := c.store.Load().(*Config)
	newCfg := oldCfg.DeepCopy()

	if err := fn(newCfg); err != nil {
		return err
	}

	if err := newCfg.Validate(); err != nil {
		return err
	}

	c.store.Store(newCfg)
	return nil
}
