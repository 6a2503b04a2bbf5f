package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ChuLiYu/timerd/internal/engine"
	"github.com/creachadair/jrpc2"
	"github.com/creachadair/jrpc2/handler"
	"github.com/creachadair/jrpc2/jhttp"
)

// Custom JSON-RPC error codes for timer operations.
const (
	codeTimerNotFound  = jrpc2.Code(-32001)
	codePoolExhausted  = jrpc2.Code(-32002)
	codeRefused        = jrpc2.Code(-32003)
	codePersistFailed  = jrpc2.Code(-32004)
	codeInvalidParams  = jrpc2.Code(-32602)
	codeUnauthorized   = jrpc2.Code(-32600)
	rpcAuthHeaderValue = "Bearer "
)

// RPCServer exposes the timer commands as JSON-RPC 2.0 over HTTP.
type RPCServer struct {
	bridge jhttp.Bridge
	svc    *Service
	secret string
}

// NewRPCServer creates the method table and HTTP bridge.
// An empty secret disables bearer-token authentication.
func NewRPCServer(e *engine.Engine, secret string) *RPCServer {
	rs := &RPCServer{svc: NewService(e), secret: secret}

	methods := handler.Map{
		"timer.list":        handler.New(rs.timerList),
		"timer.create":      handler.New(rs.timerCreate),
		"timer.delete":      handler.New(rs.timerDelete),
		"timer.start":       handler.New(rs.timerStart),
		"timer.togglePause": handler.New(rs.timerTogglePause),
		"timer.reset":       handler.New(rs.timerReset),
		"timer.remaining":   handler.New(rs.timerRemaining),
		"timer.hasActive":   handler.New(rs.timerHasActive),
		"system.status":     handler.New(rs.systemStatus),
	}

	rs.bridge = jhttp.NewBridge(methods, nil)
	return rs
}

// Handler returns the HTTP handler for the /jsonrpc endpoint.
func (rs *RPCServer) Handler() http.Handler {
	if rs.secret == "" {
		return rs.bridge
	}
	return requireToken(rs.secret, rs.bridge)
}

// Close shuts down the jrpc2 bridge, releasing internal goroutines.
func (rs *RPCServer) Close() {
	rs.bridge.Close()
}

func (rs *RPCServer) timerList(_ context.Context, p *ListRequest) (*ListResponse, error) {
	var req ListRequest
	if p != nil {
		req = *p
	}
	resp := rs.svc.list(req)
	return &resp, nil
}

func (rs *RPCServer) timerCreate(_ context.Context, p *CreateRequest) (*CreateResponse, error) {
	if p == nil || p.Category == "" {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "category is required"}
	}
	resp, err := rs.svc.create(*p)
	if err != nil {
		return nil, rpcError(err)
	}
	return &resp, nil
}

func (rs *RPCServer) timerDelete(_ context.Context, p *IDRequest) (*SnapshotResponse, error) {
	if p == nil {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "id is required"}
	}
	resp, err := rs.svc.delete(*p)
	if err != nil {
		return nil, rpcError(err)
	}
	return &resp, nil
}

func (rs *RPCServer) timerStart(_ context.Context, p *IDRequest) (*ActiveResponse, error) {
	if p == nil {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "id is required"}
	}
	resp, err := rs.svc.start(*p)
	if err != nil {
		return nil, rpcError(err)
	}
	return &resp, nil
}

func (rs *RPCServer) timerTogglePause(_ context.Context, p *IDRequest) (*PausedResponse, error) {
	if p == nil {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "id is required"}
	}
	resp, err := rs.svc.togglePause(*p)
	if err != nil {
		return nil, rpcError(err)
	}
	return &resp, nil
}

func (rs *RPCServer) timerReset(_ context.Context, p *IDRequest) (*ActiveResponse, error) {
	if p == nil {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "id is required"}
	}
	resp, err := rs.svc.reset(*p)
	if err != nil {
		return nil, rpcError(err)
	}
	return &resp, nil
}

// timerRemaining drives expiry detection, so polling clients see expiry here.
func (rs *RPCServer) timerRemaining(_ context.Context, p *IDRequest) (*RemainingResponse, error) {
	if p == nil {
		return nil, &jrpc2.Error{Code: codeInvalidParams, Message: "id is required"}
	}
	resp := rs.svc.remaining(*p)
	return &resp, nil
}

func (rs *RPCServer) timerHasActive(_ context.Context) (*ActiveResponse, error) {
	resp := rs.svc.hasActive()
	return &resp, nil
}

func (rs *RPCServer) systemStatus(_ context.Context) (*StatusResponse, error) {
	resp := rs.svc.status()
	return &resp, nil
}

// rpcError maps engine errors to JSON-RPC error objects.
func rpcError(err error) error {
	code := jrpc2.Code(-32000)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		code = codeTimerNotFound
	case errors.Is(err, engine.ErrPoolExhausted):
		code = codePoolExhausted
	case errors.Is(err, engine.ErrRefused):
		code = codeRefused
	case errors.Is(err, engine.ErrPersist):
		code = codePersistFailed
	case errors.Is(err, engine.ErrUnknownCategory), errors.Is(err, engine.ErrInvalidDuration):
		code = codeInvalidParams
	}
	return &jrpc2.Error{Code: code, Message: err.Error()}
}

// requireToken wraps an http.Handler with Bearer token authentication.
// Failures get a JSON-RPC error body, not a plain HTTP error.
func requireToken(secret string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !validToken(secret, r.Header.Get("Authorization")) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"error": map[string]any{
					"code":    codeUnauthorized,
					"message": "Unauthorized",
				},
				"id": nil,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func validToken(secret, authHeader string) bool {
	if !strings.HasPrefix(authHeader, rpcAuthHeaderValue) {
		return false
	}
	token := strings.TrimPrefix(authHeader, rpcAuthHeaderValue)
	return subtle.ConstantTimeCompare([]byte(token), []byte(secret)) == 1
}
