// ============================================================================
// timerd 計時器 - 單一倒數計時的狀態機
// ============================================================================
//
// Package: internal/timer
// 文件: timer.go
// 功能: 維護單一計時器的狀態轉換與剩餘時間計算
//
// 計時器狀態轉換 (State Machine):
//   Idle (閒置)
//      ↓ Start()
//   Running (倒數中) ⇄ TogglePause() ⇄ Paused (暫停)
//      ↓ RemainingMs() 觀察到剩餘 0（自動 Reset）
//   Idle (閒置)
//
// 狀態不變式（任何時刻恰好成立其一）:
//   - Idle:    Active=false, Paused=true,  無截止時間
//   - Paused:  Active=true,  Paused=true,  無截止時間, Duration=剩餘時間快照
//   - Running: Active=true,  Paused=false, 有截止時間
//
// 時間計算:
//   - 所有時間差以「飽和減法」計算，最低為 0，不會變成負數
//   - 到期不是一個持久化狀態：由查詢剩餘時間時惰性偵測
//   - 到期偵測與重置發生在同一次呼叫，因此每次歸零只回報一次
//
// 並發安全:
//   - Timer 本身不加鎖，由持有註冊表的 engine 以單一互斥鎖保護
//
// ============================================================================

package timer

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/timerd/pkg/types"
)

// Timer 單一倒數計時器
type Timer struct {
	Category        types.Category // 所屬類別
	ID              types.TimerID  // 類別區段內唯一的 id
	Name            string         // 顯示名稱
	Duration        time.Duration  // 閒置/暫停時的剩餘時間
	InitialDuration time.Duration  // 建立（或重置）時的總長度
	EndTime         time.Time      // 截止時間，僅在 Running 時非零
	StartedAt       time.Time      // 最近一次（重新）啟動的時間點，僅在 Running 時有意義
	Active          bool           // 已啟動且尚未重置
	Paused          bool           // 目前未在倒數
}

// Expiry 到期事件，由 RemainingMs 在歸零的那次呼叫產生
type Expiry struct {
	Category        types.Category
	ID              types.TimerID
	Name            string
	InitialDuration time.Duration
	At              time.Time
}

// New 建立閒置狀態的計時器
func New(category types.Category, id types.TimerID, name string, d time.Duration) *Timer {
	if d < 0 {
		d = 0
	}
	return &Timer{
		Category:        category,
		ID:              id,
		Name:            name,
		Duration:        d,
		InitialDuration: d,
		Active:          false,
		Paused:          true,
	}
}

// Start 以目前的 Duration 開始倒數
func (t *Timer) Start(now time.Time) {
	t.EndTime = now.Add(t.Duration)
	t.StartedAt = now
	t.Active = true
	t.Paused = false
}

// TogglePause 在 Running 與 Paused 之間切換，回傳切換後的 Paused 值
//
// 對閒置的計時器不做任何事（仍回傳 true），避免出現 Active=false 卻在倒數的狀態。
func (t *Timer) TogglePause(now time.Time) bool {
	if !t.Active {
		return t.Paused
	}

	if t.Paused {
		// 恢復：以暫停時的剩餘時間重新計算截止時間
		t.EndTime = now.Add(t.Duration)
		t.StartedAt = now
		t.Paused = false
		return t.Paused
	}

	// 暫停：保存剩餘時間快照
	if !t.EndTime.IsZero() {
		t.Duration = saturatingSub(t.EndTime, now)
	}
	t.EndTime = time.Time{}
	t.StartedAt = time.Time{}
	t.Paused = true
	return t.Paused
}

// Reset 回到閒置狀態，恢復初始長度
func (t *Timer) Reset() {
	t.EndTime = time.Time{}
	t.StartedAt = time.Time{}
	t.Duration = t.InitialDuration
	t.Active = false
	t.Paused = true
}

// RemainingMs 回傳剩餘毫秒數
//
// 行為：
//   - 閒置或暫停：回傳 Duration，不改變狀態
//   - 倒數中：計算 EndTime-now（飽和）；若為 0 則 Reset 並回傳到期事件
//
// 返回值：
//   - uint64: 剩餘毫秒數（到期那一次為 0）
//   - *Expiry: 僅在這次呼叫觀察到歸零時非 nil
func (t *Timer) RemainingMs(now time.Time) (uint64, *Expiry) {
	if t.Paused {
		return durationMs(t.Duration), nil
	}

	if t.Active && !t.EndTime.IsZero() {
		remaining := durationMs(saturatingSub(t.EndTime, now))
		if remaining == 0 {
			expiry := &Expiry{
				Category:        t.Category,
				ID:              t.ID,
				Name:            t.Name,
				InitialDuration: t.InitialDuration,
				At:              now,
			}
			t.Reset()
			return 0, expiry
		}
		return remaining, nil
	}

	return durationMs(t.InitialDuration), nil
}

// Remaining 回傳剩餘時間，不觸發到期處理
func (t *Timer) Remaining(now time.Time) time.Duration {
	if t.State() == types.StateRunning {
		return saturatingSub(t.EndTime, now)
	}
	return t.Duration
}

// Elapsed 自最近一次（重新）啟動起經過的時間，非 Running 時為 0
func (t *Timer) Elapsed(now time.Time) time.Duration {
	if t.State() != types.StateRunning || t.StartedAt.IsZero() {
		return 0
	}
	return saturatingSub(now, t.StartedAt)
}

// State 回傳目前狀態
func (t *Timer) State() types.TimerState {
	switch {
	case !t.Active:
		return types.StateIdle
	case t.Paused:
		return types.StatePaused
	default:
		return types.StateRunning
	}
}

// Clone 回傳副本
func (t *Timer) Clone() *Timer {
	c := *t
	return &c
}

// View 轉為對外檢視
func (t *Timer) View() types.TimerView {
	return types.TimerView{
		Category:        t.Category,
		ID:              t.ID,
		Name:            t.Name,
		Duration:        types.NewDurationDoc(t.Duration),
		InitialDuration: types.NewDurationDoc(t.InitialDuration),
		Active:          t.Active,
		Paused:          t.Paused,
		State:           t.State(),
	}
}

// FormatHMS 將時間長度格式化為 HH:MM:SS
func FormatHMS(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int64(d / time.Second)
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

// saturatingSub 計算 a-b，最低為 0
func saturatingSub(a, b time.Time) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return 0
	}
	return d
}

func durationMs(d time.Duration) uint64 {
	if d <= 0 {
		return 0
	}
	return uint64(d / time.Millisecond)
}
