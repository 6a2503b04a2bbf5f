// Package types 定義了 timerd 系統中使用的核心領域模型與對外資料格式
package types

import (
	"strconv"
	"time"
)

// TimerID 計時器識別碼，在所屬類別的 id 區段內唯一
type TimerID uint8

// String 以十進位字串表示，用於持久化文件的 key
func (id TimerID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseTimerID 解析字串形式的計時器 id
func ParseTimerID(s string) (TimerID, error) {
	v, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, err
	}
	return TimerID(v), nil
}

// Category 計時器類別，決定使用哪一段 id 池
type Category string

// 預設類別
const (
	CategoryDefault Category = "Default" // 一般計時器
	CategoryTest    Category = "Test"    // 測驗用計時器
)

// TimerState 計時器狀態
type TimerState string

// 定義計時器狀態常數
const (
	StateIdle    TimerState = "idle"    // 閒置：未啟動或已重置
	StateRunning TimerState = "running" // 倒數中：有截止時間
	StatePaused  TimerState = "paused"  // 暫停：保留剩餘時間快照
)

// DurationDoc 秒 + 次秒餘數的時間長度表示（與舊版資料格式相容）
type DurationDoc struct {
	Secs  uint64 `json:"secs"`
	Nanos uint32 `json:"nanos"`
}

// NewDurationDoc 將 time.Duration 轉為 DurationDoc，負值視為 0
func NewDurationDoc(d time.Duration) DurationDoc {
	if d < 0 {
		d = 0
	}
	return DurationDoc{
		Secs:  uint64(d / time.Second),
		Nanos: uint32(d % time.Second),
	}
}

// Duration 轉回 time.Duration
func (d DurationDoc) Duration() time.Duration {
	return time.Duration(d.Secs)*time.Second + time.Duration(d.Nanos)
}

// TimerView 計時器的對外檢視，用於 API 回應
type TimerView struct {
	Category        Category    `json:"category"`
	ID              TimerID     `json:"id"`
	Name            string      `json:"name"`
	Duration        DurationDoc `json:"duration"`         // 閒置/暫停時的剩餘時間
	InitialDuration DurationDoc `json:"initial_duration"` // 建立時的總長度
	Active          bool        `json:"active"`
	Paused          bool        `json:"paused"`
	State           TimerState  `json:"state"`
}

// Entry 列表中的單一項目（id, 計時器）
type Entry struct {
	ID    TimerID   `json:"id"`
	Timer TimerView `json:"timer"`
}

// Snapshot 以字串 id 為 key 的整個註冊表檢視
type Snapshot map[string]TimerView

// TimerDoc 持久化文件中的單一計時器
//
// EndTime 保留舊格式語意：自最近一次（重新）啟動起經過的毫秒數。
// DeadlineMs 為絕對截止時間（Unix 毫秒），載入時優先使用。
type TimerDoc struct {
	Category        Category    `json:"category"`
	ID              TimerID     `json:"id"`
	Name            string      `json:"name"`
	EndTime         uint64      `json:"end_time"`
	DeadlineMs      *int64      `json:"deadline_ms,omitempty"`
	Duration        DurationDoc `json:"duration"`
	InitialDuration DurationDoc `json:"initial_duration"`
	Active          bool        `json:"active"`
	Paused          bool        `json:"paused"`
}

// Document 持久化文件：以字串 id 為 key 的計時器集合
type Document map[string]TimerDoc
