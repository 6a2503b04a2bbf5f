// ============================================================================
// timerd 引擎 - 計時器命令的協調器
// ============================================================================
//
// Package: internal/engine
// 文件: engine.go
// 功能: 以單一互斥鎖擁有註冊表，提供所有計時器命令
//
// 架構設計:
//   引擎協調以下組件：
//   - Registry: 計時器的權威儲存與類別 id 分配
//   - Persister: 持久化橋接器，將整個註冊表寫成單一文件
//   - Notifier: 到期通知（盡力而為，失敗不影響命令結果）
//   - Lifecycle: 外部生命週期管理者（延遲關機）
//   - Recorder: Prometheus 指標
//
// 命令流程:
//   1. 取得鎖
//   2. 查詢/修改註冊表（可能推進狀態機、可能分配 id）
//   3. 若有修改：序號 +1，在鎖內複製快照
//   4. 釋放鎖
//   5. 在鎖外寫入快照、投遞到期通知
//
// 鎖外寫入:
//   快照帶有遞增序號，Persister 丟棄序號不大於最後寫入者的快照，
//   因此較慢的舊寫入不會覆蓋較新的狀態，磁碟延遲也不會阻塞其他命令。
//
// 到期處理:
//   到期偵測是鎖內的純狀態轉換（Running → Idle），同一次呼叫只會有一個
//   查詢者觀察到歸零；通知在鎖外投遞，失敗與 panic 一律吞下。
//
// 錯誤處理:
//   - ErrNotFound / ErrPoolExhausted / ErrRefused: 正常的否定結果
//   - ErrPersist: 寫入失敗回傳給呼叫端，記憶體變更仍生效，
//     下一次成功寫入會包含它
//   - 讀取失敗: 視為沒有先前狀態，不是錯誤
//
// ============================================================================

package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/ChuLiYu/timerd/internal/notify"
	"github.com/ChuLiYu/timerd/internal/registry"
	"github.com/ChuLiYu/timerd/internal/timer"
	"github.com/ChuLiYu/timerd/pkg/types"
)

// logger 每次呼叫時取得目前的預設 logger，CLI 安裝的 handler 才會生效
func logger() *slog.Logger { return slog.Default() }

// maxSeconds time.Duration 可表示的最大秒數
const maxSeconds = uint64(math.MaxInt64 / int64(time.Second))

// ============================================================================
// 資料結構定義
// ============================================================================

// Config 引擎配置，零值欄位使用預設值
type Config struct {
	Categories    *registry.CategoryTable // 類別表，nil 使用預設（Default、Test）
	Persister     Persister               // 持久化橋接器，nil 表示只存在記憶體
	Clock         timer.Clock             // 時鐘，nil 使用系統時鐘
	Notifier      notify.Notifier         // 到期通知，nil 不通知
	Recorder      Recorder                // 指標，nil 不記錄
	Lifecycle     Lifecycle               // 生命週期管理者，可稍後以 SetLifecycle 設定
	NotifyTimeout time.Duration           // 同步投遞通知的逾時
}

// Engine 計時器引擎
type Engine struct {
	mu        sync.Mutex         // 保護 reg、seq、lifecycle
	reg       *registry.Registry // 計時器註冊表
	seq       uint64             // 最後一次變更的快照序號
	lifecycle Lifecycle

	persister     Persister
	clock         timer.Clock
	notifier      notify.Notifier
	recorder      Recorder
	notifyTimeout time.Duration
	startTime     time.Time
}

// Stats 引擎狀態統計
type Stats struct {
	Total      int                    `json:"total"`
	Active     int                    `json:"active"`
	Running    int                    `json:"running"`
	Paused     int                    `json:"paused"`
	ByCategory map[types.Category]int `json:"by_category"`
	Uptime     time.Duration          `json:"uptime"`
}

// ============================================================================
// 建立與恢復
// ============================================================================

// New 建立引擎並從 Persister 載入先前的計時器
//
// 載入失敗（不存在、格式錯誤）不是錯誤，引擎以空註冊表啟動；
// 無法放入註冊表的項目（未知類別、超出區段）記錄警告後略過。
func New(cfg Config) *Engine {
	if cfg.Categories == nil {
		cfg.Categories = registry.MustCategoryTable(registry.DefaultCategories())
	}
	if cfg.Persister == nil {
		cfg.Persister = nopPersister{}
	}
	if cfg.Clock == nil {
		cfg.Clock = timer.SystemClock{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 5 * time.Second
	}

	e := &Engine{
		reg:           registry.New(cfg.Categories),
		lifecycle:     cfg.Lifecycle,
		persister:     cfg.Persister,
		clock:         cfg.Clock,
		notifier:      cfg.Notifier,
		recorder:      cfg.Recorder,
		notifyTimeout: cfg.NotifyTimeout,
		startTime:     time.Now(),
	}
	e.restore()
	return e
}

// restore 載入持久化文件並恢復註冊表
func (e *Engine) restore() {
	start := time.Now()
	loaded := e.persister.Load()

	e.mu.Lock()
	errs := e.reg.Restore(loaded)
	restored := e.reg.Len()
	stats := e.statsLocked()
	e.recorder.UpdateTimerStats(stats.Total, stats.Active, stats.Running)
	e.mu.Unlock()

	for _, err := range errs {
		logger().Warn("Skipping saved timer", "error", err)
	}

	e.recorder.SetRecovery(time.Since(start), restored)

	logger().Info("Timers loaded",
		"duration", time.Since(start),
		"restored", restored,
		"skipped", len(errs))
}

// SetLifecycle 設定外部生命週期管理者
func (e *Engine) SetLifecycle(l Lifecycle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lifecycle = l
}

// ============================================================================
// 查詢命令
// ============================================================================

// ListTimers 列出計時器，依 Duration 的整秒數遞增排序
//
// 參數：
//   - category: 非 nil 時只列出該類別
func (e *Engine) ListTimers(category *types.Category) []types.Entry {
	e.mu.Lock()
	timers := e.reg.List(category)
	e.mu.Unlock()

	entries := make([]types.Entry, 0, len(timers))
	for _, t := range timers {
		entries = append(entries, types.Entry{ID: t.ID, Timer: t.View()})
	}
	return entries
}

// GetTimer 取得單一計時器的檢視
func (e *Engine) GetTimer(id types.TimerID) (types.TimerView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.reg.Get(id)
	if t == nil {
		return types.TimerView{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return t.View(), nil
}

// HasActive 是否有任何 Active 的計時器（供生命週期管理者決定是否否決關機）
func (e *Engine) HasActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reg.HasActive()
}

// Stats 取得狀態統計
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statsLocked()
}

func (e *Engine) statsLocked() Stats {
	s := Stats{
		Total:      e.reg.Len(),
		ByCategory: make(map[types.Category]int),
		Uptime:     time.Since(e.startTime),
	}
	for _, c := range e.reg.Categories().Categories() {
		s.ByCategory[c] = e.reg.Count(c)
	}
	for _, t := range e.reg.Snapshot() {
		switch t.State() {
		case types.StateRunning:
			s.Active++
			s.Running++
		case types.StatePaused:
			s.Active++
			s.Paused++
		}
	}
	return s
}

// ============================================================================
// 變更命令
// ============================================================================

// CreateTimer 在類別區段內建立閒置的計時器
//
// 返回值：
//   - types.TimerID: 分配到的 id
//   - types.Snapshot: 建立後的整個註冊表
//   - error: ErrUnknownCategory、ErrPoolExhausted（註冊表不變）、
//     ErrInvalidDuration 或 ErrPersist
func (e *Engine) CreateTimer(category types.Category, seconds uint64, name string) (types.TimerID, types.Snapshot, error) {
	if seconds > maxSeconds {
		return 0, nil, fmt.Errorf("%w: %d seconds", ErrInvalidDuration, seconds)
	}

	e.mu.Lock()
	id, err := e.reg.AllocateID(category)
	if err != nil {
		e.mu.Unlock()
		return 0, nil, err
	}
	t := timer.New(category, id, name, time.Duration(seconds)*time.Second)
	if err := e.reg.Insert(t); err != nil {
		e.mu.Unlock()
		return 0, nil, err
	}
	seq, snap := e.commitLocked()
	e.mu.Unlock()

	e.recorder.RecordCreated(category)
	logger().Debug("Timer created", "id", id, "category", category, "seconds", seconds)
	return id, snapshotView(snap), e.persist(seq, snap)
}

// DeleteTimer 刪除閒置的計時器
//
// id 不存在時不做任何事並回傳目前的註冊表。
//
// 返回值：
//   - types.Snapshot: 刪除後的整個註冊表
//   - error: ErrRefused（計時器仍 Active，不做變更）或 ErrPersist
func (e *Engine) DeleteTimer(id types.TimerID) (types.Snapshot, error) {
	e.mu.Lock()
	var category types.Category
	if t := e.reg.Get(id); t != nil {
		category = t.Category
	}
	removed, err := e.reg.Remove(id)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}
	if !removed {
		snap := e.reg.Snapshot()
		e.mu.Unlock()
		return snapshotView(snap), nil
	}
	seq, snap := e.commitLocked()
	e.mu.Unlock()

	e.recorder.RecordDeleted(category)
	logger().Debug("Timer deleted", "id", id)
	return snapshotView(snap), e.persist(seq, snap)
}

// StartTimer 以目前的剩餘時間開始倒數
//
// 返回值：
//   - bool: 啟動後的 Active 值（恆為 true）
//   - error: ErrNotFound 或 ErrPersist
func (e *Engine) StartTimer(id types.TimerID) (bool, error) {
	e.mu.Lock()
	t := e.reg.Get(id)
	if t == nil {
		e.mu.Unlock()
		return false, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	t.Start(e.clock.Now())
	category, active := t.Category, t.Active
	seq, snap := e.commitLocked()
	e.mu.Unlock()

	e.recorder.RecordStarted(category)
	return active, e.persist(seq, snap)
}

// TogglePause 在倒數與暫停之間切換，只有 Active 的計時器會變更與寫入
//
// 返回值：
//   - bool: 切換後的 Paused 值；id 不存在時為 false
//   - error: ErrPersist
func (e *Engine) TogglePause(id types.TimerID) (bool, error) {
	e.mu.Lock()
	t := e.reg.Get(id)
	if t == nil {
		e.mu.Unlock()
		return false, nil
	}
	if !t.Active {
		// 閒置的計時器不受影響，不需寫入
		paused := t.Paused
		e.mu.Unlock()
		return paused, nil
	}
	paused := t.TogglePause(e.clock.Now())
	seq, snap := e.commitLocked()
	e.mu.Unlock()

	return paused, e.persist(seq, snap)
}

// ResetTimer 回到閒置狀態並恢復初始長度
//
// 返回值：
//   - bool: 重置後的 Active 值（恆為 false）
//   - error: ErrNotFound 或 ErrPersist
func (e *Engine) ResetTimer(id types.TimerID) (bool, error) {
	e.mu.Lock()
	t := e.reg.Get(id)
	if t == nil {
		e.mu.Unlock()
		return false, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	t.Reset()
	active := t.Active
	seq, snap := e.commitLocked()
	e.mu.Unlock()

	return active, e.persist(seq, snap)
}

// QueryRemainingMs 查詢剩餘毫秒數
//
// id 不存在時回傳 0。觀察到歸零的那一次呼叫會：
//  1. 自動重置計時器（下一次查詢回傳 initial_duration）
//  2. 寫入快照
//  3. 投遞一則到期通知
//  4. 若已無 Active 計時器且生命週期管理者不可見，呼叫 Close
//
// 寫入失敗只記錄，不影響回傳值。
func (e *Engine) QueryRemainingMs(id types.TimerID) uint64 {
	e.mu.Lock()
	t := e.reg.Get(id)
	if t == nil {
		e.mu.Unlock()
		return 0
	}
	ms, expiry := t.RemainingMs(e.clock.Now())
	if expiry == nil {
		e.mu.Unlock()
		return ms
	}
	seq, snap := e.commitLocked()
	idle := !e.reg.HasActive()
	lifecycle := e.lifecycle
	e.mu.Unlock()

	e.recorder.RecordExpired(expiry.Category)
	logger().Info("Timer expired", "id", expiry.ID, "name", expiry.Name, "category", expiry.Category)

	if err := e.persist(seq, snap); err != nil {
		logger().Error("Failed to persist expired timer", "id", id, "error", err)
	}

	e.deliver(expiry)

	if idle && lifecycle != nil && !lifecycle.Visible() {
		logger().Info("Last active timer expired while hidden, closing")
		lifecycle.Close()
	}
	return ms
}

// Flush 立即寫入目前的註冊表
func (e *Engine) Flush() error {
	e.mu.Lock()
	seq, snap := e.commitLocked()
	e.mu.Unlock()
	return e.persist(seq, snap)
}

// ============================================================================
// 內部輔助
// ============================================================================

// commitLocked 在持有鎖時遞增序號、複製快照並更新狀態指標
//
// 指標在鎖內更新，與序號同順序，因此不會被較舊的變更覆蓋。
func (e *Engine) commitLocked() (uint64, []*timer.Timer) {
	e.seq++
	stats := e.statsLocked()
	e.recorder.UpdateTimerStats(stats.Total, stats.Active, stats.Running)
	return e.seq, e.reg.Snapshot()
}

// persist 在鎖外寫入快照
func (e *Engine) persist(seq uint64, snap []*timer.Timer) error {
	start := time.Now()
	err := e.persister.Write(seq, snap)
	e.recorder.RecordPersist(time.Since(start), err)

	if err != nil {
		logger().Error("Failed to persist timers", "seq", seq, "error", err)
		return fmt.Errorf("%w: %w", ErrPersist, err)
	}
	return nil
}

// deliver 投遞到期通知，吞下錯誤與 panic
func (e *Engine) deliver(expiry *timer.Expiry) {
	n := notify.ExpiryNotification(expiry)

	defer func() {
		if r := recover(); r != nil {
			logger().Error("Notifier panic", "id", n.ID, "timer_id", n.TimerID, "panic", r)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.notifyTimeout)
	defer cancel()

	if err := e.notifier.Notify(ctx, n); err != nil {
		logger().Warn("Failed to deliver expiry notification", "id", n.ID, "timer_id", n.TimerID, "error", err)
	}
}

// snapshotView 將快照轉為以字串 id 為 key 的檢視
func snapshotView(timers []*timer.Timer) types.Snapshot {
	out := make(types.Snapshot, len(timers))
	for _, t := range timers {
		out[t.ID.String()] = t.View()
	}
	return out
}
