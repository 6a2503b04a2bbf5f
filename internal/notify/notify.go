// Package notify delivers user-facing notifications for expired timers.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/timerd/internal/timer"
	"github.com/ChuLiYu/timerd/pkg/types"
	"github.com/google/uuid"
)

// Sound selects the audio cue attached to a notification.
type Sound string

const (
	SoundNone        Sound = ""
	SoundDefault     Sound = "default"
	SoundLoopingCall Sound = "looping_call"
)

// Length controls how long the notification stays on screen.
type Length string

const (
	LengthShort Length = "short"
	LengthLong  Length = "long"
)

// Notification is a single message handed to a Notifier.
type Notification struct {
	ID       uuid.UUID      `json:"id"`
	Title    string         `json:"title"`
	Body     string         `json:"body"`
	Sound    Sound          `json:"sound"`
	Length   Length         `json:"length"`
	TimerID  types.TimerID  `json:"timer_id"`
	Category types.Category `json:"category"`
	At       time.Time      `json:"at"`
}

// Notifier delivers notifications. Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify calls f(ctx, n).
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error {
	return f(ctx, n)
}

// Nop discards every notification.
var Nop Notifier = NotifierFunc(func(context.Context, Notification) error { return nil })

// ExpiryNotification builds the message shown when a timer reaches zero.
func ExpiryNotification(exp *timer.Expiry) Notification {
	return Notification{
		ID:       uuid.New(),
		Title:    fmt.Sprintf("Time's Up - %s", exp.Name),
		Body:     fmt.Sprintf("%s hrs are over!\nClick to Dismiss!", timer.FormatHMS(exp.InitialDuration)),
		Sound:    SoundLoopingCall,
		Length:   LengthLong,
		TimerID:  exp.ID,
		Category: exp.Category,
		At:       exp.At,
	}
}

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify logs n at info level.
func (l LogNotifier) Notify(_ context.Context, n Notification) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("Timer notification",
		"id", n.ID,
		"timer_id", n.TimerID,
		"category", n.Category,
		"title", n.Title,
		"body", n.Body,
		"sound", n.Sound,
		"length", n.Length)
	return nil
}

// Multi fans a notification out to every notifier and joins their errors.
type Multi []Notifier

// Notify delivers n to each notifier in order, continuing past failures.
func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, target := range m {
		if err := target.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
