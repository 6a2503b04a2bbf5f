package timer

import (
	"sync"
	"time"
)

// Clock 抽象時間來源，方便測試
type Clock interface {
	Now() time.Time
}

// SystemClock 使用系統時間（含單調時鐘讀數）
type SystemClock struct{}

// Now 回傳目前時間
func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock 手動推進的時鐘，用於測試與重播
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewManualClock 建立起始於 start 的手動時鐘
func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

// Now 回傳目前的手動時間
func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance 將時鐘往前推進 d
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Set 將時鐘設定為指定時間
func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
