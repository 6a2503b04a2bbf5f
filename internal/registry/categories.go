package registry

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ChuLiYu/timerd/pkg/types"
)

// DefaultCapacity 每個類別預設的 id 池大小
const DefaultCapacity = 10

var (
	ErrUnknownCategory = errors.New("unknown timer category")
	ErrInvalidCategory = errors.New("invalid category table")
)

// CategorySpec 單一類別的 id 區段設定：[Base, Base+Capacity)
type CategorySpec struct {
	Name     types.Category `yaml:"name"`
	Base     int            `yaml:"base"`
	Capacity int            `yaml:"capacity"`
}

// DefaultCategories 預設類別表：Default=[0,10), Test=[10,20)
func DefaultCategories() []CategorySpec {
	return []CategorySpec{
		{Name: types.CategoryDefault, Base: 0, Capacity: DefaultCapacity},
		{Name: types.CategoryTest, Base: 10, Capacity: DefaultCapacity},
	}
}

// CategoryTable 類別到 id 區段的對照表
type CategoryTable struct {
	specs map[types.Category]CategorySpec
	order []types.Category // 依 Base 排序
}

// NewCategoryTable 建立並驗證類別表
//
// 錯誤處理：
//   - 名稱為空或重複
//   - 容量 <= 0 或區段超出 TimerID 範圍
//   - 區段互相重疊
func NewCategoryTable(specs []CategorySpec) (*CategoryTable, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("%w: no categories", ErrInvalidCategory)
	}

	ct := &CategoryTable{specs: make(map[types.Category]CategorySpec, len(specs))}
	for _, s := range specs {
		if s.Name == "" {
			return nil, fmt.Errorf("%w: empty category name", ErrInvalidCategory)
		}
		if _, dup := ct.specs[s.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate category %q", ErrInvalidCategory, s.Name)
		}
		if s.Capacity <= 0 {
			return nil, fmt.Errorf("%w: category %q has capacity %d", ErrInvalidCategory, s.Name, s.Capacity)
		}
		if s.Base < 0 || s.Base+s.Capacity > 256 {
			return nil, fmt.Errorf("%w: category %q range [%d,%d) outside id space", ErrInvalidCategory, s.Name, s.Base, s.Base+s.Capacity)
		}
		ct.specs[s.Name] = s
		ct.order = append(ct.order, s.Name)
	}

	sort.Slice(ct.order, func(i, j int) bool {
		return ct.specs[ct.order[i]].Base < ct.specs[ct.order[j]].Base
	})

	// 排序後相鄰區段不可重疊
	for i := 1; i < len(ct.order); i++ {
		prev, cur := ct.specs[ct.order[i-1]], ct.specs[ct.order[i]]
		if prev.Base+prev.Capacity > cur.Base {
			return nil, fmt.Errorf("%w: categories %q and %q overlap", ErrInvalidCategory, prev.Name, cur.Name)
		}
	}

	return ct, nil
}

// MustCategoryTable 同 NewCategoryTable，失敗時 panic
func MustCategoryTable(specs []CategorySpec) *CategoryTable {
	ct, err := NewCategoryTable(specs)
	if err != nil {
		panic(err)
	}
	return ct
}

// Spec 取得類別設定
func (ct *CategoryTable) Spec(c types.Category) (CategorySpec, bool) {
	s, ok := ct.specs[c]
	return s, ok
}

// Contains 檢查 id 是否落在類別區段內
func (ct *CategoryTable) Contains(c types.Category, id types.TimerID) bool {
	s, ok := ct.specs[c]
	if !ok {
		return false
	}
	return int(id) >= s.Base && int(id) < s.Base+s.Capacity
}

// Categories 依區段順序回傳所有類別
func (ct *CategoryTable) Categories() []types.Category {
	out := make([]types.Category, len(ct.order))
	copy(out, ct.order)
	return out
}
