package engine

import (
	"time"

	"github.com/ChuLiYu/timerd/internal/timer"
	"github.com/ChuLiYu/timerd/pkg/types"
)

// Persister 持久化橋接器：寫入帶序號的快照、啟動時載入
type Persister interface {
	Write(seq uint64, timers []*timer.Timer) error
	Load() []*timer.Timer
}

// Recorder 指標記錄（由 metrics.Collector 實作）
type Recorder interface {
	RecordCreated(category types.Category)
	RecordDeleted(category types.Category)
	RecordStarted(category types.Category)
	RecordExpired(category types.Category)
	RecordPersist(d time.Duration, err error)
	UpdateTimerStats(total, active, running int)
	SetRecovery(d time.Duration, restored int)
}

// Lifecycle 外部生命週期管理者（視窗/關機控制）
//
// 當查詢觀察到到期、已無 Active 計時器且 Visible 為 false 時，引擎呼叫 Close。
type Lifecycle interface {
	Visible() bool
	Close()
}

type nopPersister struct{}

func (nopPersister) Write(uint64, []*timer.Timer) error { return nil }
func (nopPersister) Load() []*timer.Timer               { return nil }

type nopRecorder struct{}

func (nopRecorder) RecordCreated(types.Category)       {}
func (nopRecorder) RecordDeleted(types.Category)       {}
func (nopRecorder) RecordStarted(types.Category)       {}
func (nopRecorder) RecordExpired(types.Category)       {}
func (nopRecorder) RecordPersist(time.Duration, error) {}
func (nopRecorder) UpdateTimerStats(int, int, int)     {}
func (nopRecorder) SetRecovery(time.Duration, int)     {}
