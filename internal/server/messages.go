package server

import (
	"github.com/ChuLiYu/timerd/internal/engine"
	"github.com/ChuLiYu/timerd/pkg/types"
)

// Request and response payloads shared by the gRPC service and the JSON-RPC bridge.

// ListRequest filters list results by category when Category is set.
type ListRequest struct {
	Category *types.Category `json:"category,omitempty"`
}

// ListResponse carries timers sorted ascending by whole remaining seconds.
type ListResponse struct {
	Timers []types.Entry `json:"timers"`
}

// CreateRequest creates an idle timer.
type CreateRequest struct {
	Category types.Category `json:"category"`
	Seconds  uint64         `json:"seconds"`
	Name     string         `json:"name"`
}

// CreateResponse returns the allocated id and the whole registry.
type CreateResponse struct {
	ID     types.TimerID  `json:"id"`
	Timers types.Snapshot `json:"timers"`
}

// IDRequest addresses a single timer.
type IDRequest struct {
	ID types.TimerID `json:"id"`
}

// SnapshotResponse returns the whole registry.
type SnapshotResponse struct {
	Timers types.Snapshot `json:"timers"`
}

// ActiveResponse reports a timer's (or the registry's) active flag.
type ActiveResponse struct {
	Active bool `json:"active"`
}

// PausedResponse reports the paused flag after a toggle.
type PausedResponse struct {
	Paused bool `json:"paused"`
}

// RemainingResponse reports remaining milliseconds.
type RemainingResponse struct {
	RemainingMs uint64 `json:"remaining_ms"`
}

// StatusResponse summarizes the registry.
type StatusResponse struct {
	Total         int                    `json:"total"`
	Active        int                    `json:"active"`
	Running       int                    `json:"running"`
	Paused        int                    `json:"paused"`
	ByCategory    map[types.Category]int `json:"by_category"`
	UptimeSeconds float64                `json:"uptime_seconds"`
}

func newStatusResponse(s engine.Stats) StatusResponse {
	return StatusResponse{
		Total:         s.Total,
		Active:        s.Active,
		Running:       s.Running,
		Paused:        s.Paused,
		ByCategory:    s.ByCategory,
		UptimeSeconds: s.Uptime.Seconds(),
	}
}

// Service is the transport-independent command surface.
type Service struct {
	engine *engine.Engine
}

// NewService wraps an engine.
func NewService(e *engine.Engine) *Service {
	return &Service{engine: e}
}

func (s *Service) list(req ListRequest) ListResponse {
	return ListResponse{Timers: s.engine.ListTimers(req.Category)}
}

func (s *Service) create(req CreateRequest) (CreateResponse, error) {
	id, snap, err := s.engine.CreateTimer(req.Category, req.Seconds, req.Name)
	if err != nil {
		return CreateResponse{}, err
	}
	return CreateResponse{ID: id, Timers: snap}, nil
}

func (s *Service) delete(req IDRequest) (SnapshotResponse, error) {
	snap, err := s.engine.DeleteTimer(req.ID)
	if err != nil {
		return SnapshotResponse{}, err
	}
	return SnapshotResponse{Timers: snap}, nil
}

func (s *Service) start(req IDRequest) (ActiveResponse, error) {
	active, err := s.engine.StartTimer(req.ID)
	return ActiveResponse{Active: active}, err
}

func (s *Service) togglePause(req IDRequest) (PausedResponse, error) {
	paused, err := s.engine.TogglePause(req.ID)
	return PausedResponse{Paused: paused}, err
}

func (s *Service) reset(req IDRequest) (ActiveResponse, error) {
	active, err := s.engine.ResetTimer(req.ID)
	return ActiveResponse{Active: active}, err
}

func (s *Service) remaining(req IDRequest) RemainingResponse {
	return RemainingResponse{RemainingMs: s.engine.QueryRemainingMs(req.ID)}
}

func (s *Service) hasActive() ActiveResponse {
	return ActiveResponse{Active: s.engine.HasActive()}
}

func (s *Service) status() StatusResponse {
	return newStatusResponse(s.engine.Stats())
}
