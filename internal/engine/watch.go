package engine

import (
	"context"
	"time"
)

// Watch 定期查詢倒數中的計時器，讓沒有 UI 輪詢時也能偵測到期
//
// interval <= 0 時立即返回（完全由呼叫端輪詢驅動）。ctx 取消時返回。
func (e *Engine) Watch(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger().Info("Watch loop stopped")
			return

		case <-ticker.C:
			e.Poll()
		}
	}
}

// Poll 查詢一次所有倒數中的計時器，回傳這次到期的數量
func (e *Engine) Poll() int {
	e.mu.Lock()
	running := e.reg.Running()
	e.mu.Unlock()

	expired := 0
	for _, id := range running {
		if e.QueryRemainingMs(id) == 0 {
			expired++
		}
	}
	return expired
}
