package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/aitachi/envom/internal/agent"
	"github.com/aitachi/envom/internal/capability"
	"github.com/aitachi/envom/internal/metrics"
	wire "github.com/aitachi/envom/pkg/dispatch"
)

// maxIntentBody caps POST /v1/intents bodies.
const maxIntentBody = 64 * 1024

// IntentHandler answers free-text requests.
type IntentHandler interface {
	Handle(ctx context.Context, text string) agent.Reply
}

// AdminOptions wires the admin endpoints. Nil fields disable the routes
// that need them.
type AdminOptions struct {
	Dispatcher capability.Dispatcher
	Agent      IntentHandler
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// NewAdmin returns the admin mux:
//
//	GET  /healthz      liveness
//	GET  /metrics      prometheus exposition
//	GET  /v1/dispatch  websocket, one dispatch envelope per text message
//	POST /v1/intents   {"text": "..."} -> agent reply
func NewAdmin(opts AdminOptions) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &admin{opts: opts, logger: logger.Named("admin")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.healthz)
	if opts.Metrics != nil {
		mux.Handle("GET /metrics", opts.Metrics.Handler())
	}
	if opts.Dispatcher != nil {
		mux.HandleFunc("GET /v1/dispatch", a.dispatch)
	}
	if opts.Agent != nil {
		mux.HandleFunc("POST /v1/intents", a.intents)
	}
	return mux
}

// RunAdmin serves h on addr until ctx is cancelled.
func RunAdmin(ctx context.Context, addr string, h http.Handler, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("admin server listening", zap.String("addr", addr))

	select {
	case err := <-errc:
		return fmt.Errorf("admin server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}
	logger.Info("admin server stopped")
	return nil
}

type admin struct {
	opts   AdminOptions
	logger *zap.Logger
}

func (a *admin) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *admin) dispatch(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Debug("websocket accept", zap.Error(err))
		return
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(wire.MaxLineSize)

	ctx := r.Context()
	callCtx := context.WithoutCancel(ctx)
	for {
		typ, msg, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure && !errors.Is(err, context.Canceled) {
				a.logger.Debug("websocket read", zap.Error(err))
			}
			return
		}

		var resp wire.Response
		req, err := wire.DecodeRequest(msg)
		if typ != websocket.MessageText || err != nil {
			resp = wire.Fail(nil, wire.UnsupportedRequest)
		} else {
			resp = a.opts.Dispatcher.Dispatch(callCtx, req)
		}

		out, err := json.Marshal(resp)
		if err != nil {
			out, _ = json.Marshal(wire.Fail(resp.ID, errUnencodable))
		}
		if err := conn.Write(ctx, websocket.MessageText, out); err != nil {
			a.logger.Debug("websocket write", zap.Error(err))
			return
		}
	}
}

type intentRequest struct {
	Text string `json:"text"`
}

func (a *admin) intents(w http.ResponseWriter, r *http.Request) {
	var body intentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxIntentBody)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "body must be {\"text\": \"...\"}"})
		return
	}
	reply := a.opts.Agent.Handle(context.WithoutCancel(r.Context()), body.Text)
	writeJSON(w, http.StatusOK, reply)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
