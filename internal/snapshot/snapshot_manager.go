package snapshot

// ============================================================================
// 職責說明：
// 1. 將整個註冊表序列化為單一 JSON 文件（data/timers.json）
// 2. 透過 Storage 寫入，由 Storage 負責原子性寫入
// 3. 載入失敗（不存在、格式錯誤）一律視為「沒有先前狀態」，不中斷啟動
// 4. 以序號丟棄過期快照，允許呼叫端在鎖外寫入
//
// 截止時間的持久化：
//   - end_time:    自最近一次（重新）啟動起經過的毫秒數（舊格式欄位）
//   - deadline_ms: 絕對截止時間（Unix 毫秒）
//   載入時優先使用 deadline_ms，與停機多久無關；
//   舊文件只有 end_time 時，以 now + (duration - elapsed) 重建。
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ChuLiYu/timerd/internal/storage"
	"github.com/ChuLiYu/timerd/internal/timer"
	"github.com/ChuLiYu/timerd/pkg/types"
)

// logger 每次呼叫時取得目前的預設 logger，CLI 安裝的 handler 才會生效
func logger() *slog.Logger { return slog.Default() }

// DefaultPath 計時器文件在 Storage 根目錄下的固定相對路徑
const DefaultPath = "data/timers.json"

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	ErrCorruptedSnapshot = errors.New("snapshot file is corrupted")
)

// ============================================================================
// 資料結構定義
// ============================================================================

// Storage 外部儲存協作者：以相對路徑讀寫刪除
type Storage interface {
	Read(path string) ([]byte, error)
	Write(path string, data []byte) error
	Delete(path string) error
}

// Manager 持久化橋接器
type Manager struct {
	store   Storage
	path    string
	clock   timer.Clock
	mu      sync.Mutex // 序列化寫入
	lastSeq uint64     // 最後一次寫入的快照序號
}

// NewManager 建立持久化橋接器實例
func NewManager(store Storage, path string, clock timer.Clock) *Manager {
	if path == "" {
		path = DefaultPath
	}
	if clock == nil {
		clock = timer.SystemClock{}
	}
	return &Manager{
		store: store,
		path:  path,
		clock: clock,
	}
}

// GetPath 取得文件相對路徑
func (m *Manager) GetPath() string {
	return m.path
}

// Write 寫入序號為 seq 的快照
//
// 序號不大於最後寫入的序號時，視為過期快照並略過（回傳 nil）。序號 0 一律寫入。
// 這讓呼叫端可以在釋放註冊表的鎖之後才寫檔，而不會被較慢的舊快照覆蓋。
//
// 返回值：
//   - error: 編碼或寫入失敗的錯誤
func (m *Manager) Write(seq uint64, timers []*timer.Timer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if seq != 0 && seq <= m.lastSeq {
		logger().Debug("Skipping stale snapshot", "seq", seq, "last_seq", m.lastSeq)
		return nil
	}

	data, err := Encode(timers, m.clock.Now())
	if err != nil {
		return err
	}

	if err := m.store.Write(m.path, data); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}

	if seq > m.lastSeq {
		m.lastSeq = seq
	}
	return nil
}

// Load 載入計時器
//
// 行為：
//   - 檔案不存在：首次啟動，回傳空集合
//   - 內容損壞：記錄警告，回傳空集合
//   - 單一項目無法解析：略過該項目
func (m *Manager) Load() []*timer.Timer {
	data, err := m.store.Read(m.path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			logger().Info("No saved timers, starting empty", "path", m.path)
		} else {
			logger().Warn("Failed to read saved timers, starting empty", "path", m.path, "error", err)
		}
		return nil
	}

	timers, err := Decode(data, m.clock.Now())
	if err != nil {
		logger().Warn("Saved timers unreadable, starting empty", "path", m.path, "error", err)
		return nil
	}
	return timers
}

// Delete 刪除持久化文件
func (m *Manager) Delete() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(m.path)
}

// ============================================================================
// 編解碼
// ============================================================================

// Encode 將計時器編碼為持久化文件
func Encode(timers []*timer.Timer, now time.Time) ([]byte, error) {
	doc := make(types.Document, len(timers))
	for _, t := range timers {
		doc[t.ID.String()] = toDoc(t, now)
	}

	// 帶縮排，方便人工閱讀與除錯
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// Decode 解碼持久化文件，now 為載入時間
func Decode(data []byte, now time.Time) ([]*timer.Timer, error) {
	var doc types.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}

	timers := make([]*timer.Timer, 0, len(doc))
	for key, d := range doc {
		id, err := types.ParseTimerID(key)
		if err != nil || id != d.ID {
			logger().Warn("Skipping saved timer with mismatched key", "key", key, "id", d.ID)
			continue
		}
		timers = append(timers, fromDoc(d, now))
	}

	sort.Slice(timers, func(i, j int) bool { return timers[i].ID < timers[j].ID })
	return timers, nil
}

func toDoc(t *timer.Timer, now time.Time) types.TimerDoc {
	d := types.TimerDoc{
		Category:        t.Category,
		ID:              t.ID,
		Name:            t.Name,
		EndTime:         uint64(t.Elapsed(now).Milliseconds()),
		Duration:        types.NewDurationDoc(t.Duration),
		InitialDuration: types.NewDurationDoc(t.InitialDuration),
		Active:          t.Active,
		Paused:          t.Paused,
	}
	if t.State() == types.StateRunning && !t.EndTime.IsZero() {
		deadline := t.EndTime.UnixMilli()
		d.DeadlineMs = &deadline
	}
	return d
}

func fromDoc(d types.TimerDoc, now time.Time) *timer.Timer {
	t := &timer.Timer{
		Category:        d.Category,
		ID:              d.ID,
		Name:            d.Name,
		Duration:        d.Duration.Duration(),
		InitialDuration: d.InitialDuration.Duration(),
		Active:          d.Active,
		Paused:          d.Paused || !d.Active,
	}

	if t.Active && !t.Paused {
		var end time.Time
		if d.DeadlineMs != nil {
			// 以載入時間為基準換算，保留 now 的單調時鐘讀數
			end = now.Add(time.UnixMilli(*d.DeadlineMs).Sub(now))
		} else {
			elapsed := time.Duration(d.EndTime) * time.Millisecond
			remaining := t.Duration - elapsed
			if remaining < 0 {
				remaining = 0
			}
			end = now.Add(remaining)
		}
		t.EndTime = end
		t.StartedAt = end.Add(-t.Duration)
	}
	return t
}
