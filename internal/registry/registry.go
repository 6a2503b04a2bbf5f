// ============================================================================
// timerd 註冊表 - 計時器的權威儲存
// ============================================================================
//
// Package: internal/registry
// 文件: registry.go
// 功能: 維護 id → Timer 對照、類別 id 分配與唯一性不變式
//
// 設計理念:
//   timers map 為單一真實來源 (Single Source of Truth)，
//   每個類別擁有固定且互不重疊的 id 區段（見 categories.go），
//   分配時依序掃描區段並回傳第一個未使用的 id。
//
// 不變式:
//   - 每個 id 最多對應一個計時器
//   - 計時器的 id 必定落在其類別的區段內
//   - 每個類別的計時器數量不超過其容量
//   - Active 的計時器不可刪除
//
// 並發安全:
//   Registry 本身不加鎖。整個註冊表由 engine 的單一互斥鎖持有，
//   「分配 id + 插入」必須在同一段臨界區內完成。
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/timerd/internal/timer"
	"github.com/ChuLiYu/timerd/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// 類別 id 池已滿
	ErrPoolExhausted = errors.New("timer pool exhausted for category")
	// 計時器仍在使用中，拒絕刪除
	ErrRefused = errors.New("timer is active")
	// id 已存在
	ErrDuplicateID = errors.New("timer id already exists")
	// id 不在類別區段內
	ErrOutOfRange = errors.New("timer id outside category range")
)

// Registry 計時器註冊表
type Registry struct {
	categories *CategoryTable
	timers     map[types.TimerID]*timer.Timer
}

// New 建立空的註冊表
func New(categories *CategoryTable) *Registry {
	return &Registry{
		categories: categories,
		timers:     make(map[types.TimerID]*timer.Timer),
	}
}

// Categories 回傳類別表
func (r *Registry) Categories() *CategoryTable {
	return r.categories
}

// AllocateID 在類別區段內依序找出第一個未使用的 id
//
// 錯誤處理：
//   - ErrUnknownCategory: 類別不在類別表中
//   - ErrPoolExhausted: 區段已全部佔用
func (r *Registry) AllocateID(c types.Category) (types.TimerID, error) {
	spec, ok := r.categories.Spec(c)
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownCategory, c)
	}

	for id := spec.Base; id < spec.Base+spec.Capacity; id++ {
		if _, used := r.timers[types.TimerID(id)]; !used {
			return types.TimerID(id), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrPoolExhausted, c)
}

// Insert 加入計時器
func (r *Registry) Insert(t *timer.Timer) error {
	if _, ok := r.categories.Spec(t.Category); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownCategory, t.Category)
	}
	if !r.categories.Contains(t.Category, t.ID) {
		return fmt.Errorf("%w: id %d category %q", ErrOutOfRange, t.ID, t.Category)
	}
	if _, exists := r.timers[t.ID]; exists {
		return fmt.Errorf("%w: %d", ErrDuplicateID, t.ID)
	}
	r.timers[t.ID] = t
	return nil
}

// Remove 刪除計時器
//
// 返回值：
//   - bool: 是否實際刪除（id 不存在時為 false，不視為錯誤）
//   - error: 計時器仍 Active 時回傳 ErrRefused，且不做任何變更
func (r *Registry) Remove(id types.TimerID) (bool, error) {
	t, exists := r.timers[id]
	if !exists {
		return false, nil
	}
	if t.Active {
		return false, fmt.Errorf("%w: %d", ErrRefused, id)
	}
	delete(r.timers, id)
	return true, nil
}

// Get 取得計時器（可變指標），不存在時回傳 nil
func (r *Registry) Get(id types.TimerID) *timer.Timer {
	return r.timers[id]
}

// Len 計時器總數
func (r *Registry) Len() int {
	return len(r.timers)
}

// Count 指定類別的計時器數量
func (r *Registry) Count(c types.Category) int {
	n := 0
	for _, t := range r.timers {
		if t.Category == c {
			n++
		}
	}
	return n
}

// HasActive 是否有任何 Active 的計時器
func (r *Registry) HasActive() bool {
	for _, t := range r.timers {
		if t.Active {
			return true
		}
	}
	return false
}

// Running 回傳所有倒數中的計時器 id（遞增排序）
func (r *Registry) Running() []types.TimerID {
	var ids []types.TimerID
	for id, t := range r.timers {
		if t.State() == types.StateRunning {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// List 回傳計時器副本，依 Duration 的整秒數遞增排序（同秒數依 id）
//
// 參數：
//   - filter: 非 nil 時只回傳該類別
func (r *Registry) List(filter *types.Category) []*timer.Timer {
	out := make([]*timer.Timer, 0, len(r.timers))
	for _, t := range r.timers {
		if filter != nil && t.Category != *filter {
			continue
		}
		out = append(out, t.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		si, sj := wholeSeconds(out[i]), wholeSeconds(out[j])
		if si != sj {
			return si < sj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot 深拷貝所有計時器，依 id 排序
func (r *Registry) Snapshot() []*timer.Timer {
	out := make([]*timer.Timer, 0, len(r.timers))
	for _, t := range r.timers {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore 以給定計時器取代目前內容
//
// 無法插入的項目（未知類別、超出區段、重複 id）會被略過並收集為錯誤回傳，
// 其餘項目照常恢復。
func (r *Registry) Restore(timers []*timer.Timer) []error {
	r.timers = make(map[types.TimerID]*timer.Timer, len(timers))

	var errs []error
	for _, t := range timers {
		if err := r.Insert(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

func wholeSeconds(t *timer.Timer) int64 {
	return int64(t.Duration.Seconds())
}
