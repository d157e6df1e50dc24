package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"telemetryd/internal/link"
	rtsup "telemetryd/internal/runtime/supervisor"
	"telemetryd/internal/storage"
	"telemetryd/internal/stream"
	"telemetryd/internal/trigger"
	logx "telemetryd/pkg/logx"
)

// Sources are the read and control hooks behind the endpoints. Nil hooks
// make their endpoint answer 404.
type Sources struct {
	Streams  func() stream.Snapshot
	Emit     func(ctx context.Context, name, source string) (bool, error)
	Link     func() link.Stats
	Triggers func() []trigger.Info
	Loops    func() rtsup.Snapshot
	Events   func(ctx context.Context, limit int) ([]storage.Event, error)
	// Health returns nil while the daemon is healthy.
	Health func() error
}

type healthBody struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func newHandler(cfg Config, src Sources, log logx.Logger) http.Handler {
	mux := http.NewServeMux()
	auth := func(h http.HandlerFunc) http.HandlerFunc { return withAuth(cfg.Token, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if src.Health != nil {
			if err := src.Health(); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, healthBody{Status: "degraded", Error: err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, healthBody{Status: "ok"})
	})

	if src.Streams != nil {
		mux.HandleFunc("GET /streams", auth(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, src.Streams())
		}))
		mux.HandleFunc("GET /ws", auth(func(w http.ResponseWriter, r *http.Request) {
			serveWS(w, r, cfg.PushEvery, src.Streams, log)
		}))
	}
	if src.Emit != nil {
		mux.HandleFunc("POST /streams/{name}/emit", auth(func(w http.ResponseWriter, r *http.Request) {
			name := r.PathValue("name")
			ok, err := src.Emit(r.Context(), name, "http")
			switch {
			case errors.Is(err, stream.ErrUnknownStream):
				http.Error(w, err.Error(), http.StatusNotFound)
			case errors.Is(err, stream.ErrNoManualSend):
				http.Error(w, err.Error(), http.StatusConflict)
			case err != nil:
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
			default:
				writeJSON(w, http.StatusOK, map[string]any{"stream": name, "sent": ok})
			}
		}))
	}
	if src.Link != nil {
		mux.HandleFunc("GET /link", auth(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, src.Link())
		}))
	}
	if src.Triggers != nil {
		mux.HandleFunc("GET /triggers", auth(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, src.Triggers())
		}))
	}
	if src.Loops != nil {
		mux.HandleFunc("GET /loops", auth(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, src.Loops())
		}))
	}
	if src.Events != nil {
		mux.HandleFunc("GET /events", auth(func(w http.ResponseWriter, r *http.Request) {
			limit := 100
			if v := r.URL.Query().Get("limit"); v != "" {
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					http.Error(w, "invalid limit", http.StatusBadRequest)
					return
				}
				limit = n
			}
			evs, err := src.Events(r.Context(), limit)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			if evs == nil {
				evs = []storage.Event{}
			}
			writeJSON(w, http.StatusOK, evs)
		}))
	}

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", auth(hpprof.Index))
		mux.HandleFunc("/debug/pprof/cmdline", auth(hpprof.Cmdline))
		mux.HandleFunc("/debug/pprof/profile", auth(hpprof.Profile))
		mux.HandleFunc("/debug/pprof/symbol", auth(hpprof.Symbol))
		mux.HandleFunc("/debug/pprof/trace", auth(hpprof.Trace))
	}
	return mux
}

// serveWS pushes a stream snapshot every period until the client leaves.
func serveWS(w http.ResponseWriter, r *http.Request, every time.Duration, snap func() stream.Snapshot, log logx.Logger) {
	if every <= 0 {
		every = time.Second
	}
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug("ws accept failed", logx.Err(err))
		return
	}
	defer c.CloseNow()

	// Client messages are ignored; CloseRead notices the peer going away.
	ctx := c.CloseRead(r.Context())
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := wsjson.Write(wctx, c, snap())
		cancel()
		if err != nil {
			return
		}
		select {
		case <-ctx.Done():
			c.Close(websocket.StatusNormalClosure, "")
			return
		case <-t.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, h http.HandlerFunc) http.HandlerFunc {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("token"); got != "" {
			if got == tok {
				h(w, r)
				return
			}
			unauthorized(w)
			return
		}
		const p = "Bearer "
		if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && strings.TrimSpace(ah[len(p):]) == tok {
			h(w, r)
			return
		}
		unauthorized(w)
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, "unauthorized", http.StatusUnauthorized)
}
