package engine

import (
	"errors"

	"github.com/ChuLiYu/timerd/internal/registry"
)

var (
	// ErrNotFound 計時器 id 不存在
	ErrNotFound = errors.New("timer not found")
	// ErrPersist 寫入持久化文件失敗；記憶體中的變更仍然生效
	ErrPersist = errors.New("failed to persist timers")
	// ErrInvalidDuration 秒數超出可表示的範圍
	ErrInvalidDuration = errors.New("invalid timer duration")

	// 由註冊表回傳，在此重新匯出方便呼叫端判斷
	ErrPoolExhausted   = registry.ErrPoolExhausted
	ErrRefused         = registry.ErrRefused
	ErrUnknownCategory = registry.ErrUnknownCategory
)
