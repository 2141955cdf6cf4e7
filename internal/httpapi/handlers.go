package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"

	"ofpmonitor/internal/servers"
)

// Source is the engine surface the API reads from and triggers.
type Source interface {
	Snapshot() servers.Snapshot
	Reload(ctx context.Context) bool
	Refresh(ctx context.Context) bool
}

// ServerView is one row of the responding server table.
type ServerView struct {
	Rank        int      `json:"rank"`
	Address     string   `json:"address"`
	Hostname    string   `json:"hostname"`
	Version     string   `json:"version"`
	GameType    string   `json:"gametype"`
	Mod         string   `json:"mod"`
	Status      string   `json:"status"`
	PlayerCount int      `json:"player_count"`
	MaxPlayers  int      `json:"max_players"`
	Players     []string `json:"players"`
	PingMS      int      `json:"ping_ms"`
}

// ListView is the body of GET /api/servers. Servers is null while offline and
// an empty list when online with nothing responding.
type ListView struct {
	Online         bool         `json:"online"`
	Loading        bool         `json:"loading"`
	Total          int          `json:"total"`
	Ready          int          `json:"ready"`
	Servers        []ServerView `json:"servers"`
	DirectoryError string       `json:"directory_error,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Options configures the handler.
type Options struct {
	// Debug exposes POST /api/reload and POST /api/refresh.
	Debug bool
	// RequestsPerSecond and Burst bound each client IP; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
}

// New returns the HTTP handler for src.
func New(src Source, opts Options) http.Handler {
	h := &handler{src: src}
	if opts.RequestsPerSecond > 0 {
		h.limits = newClientLimiters(opts.RequestsPerSecond, opts.Burst)
	}

	router := httprouter.New()
	router.HandlerFunc(http.MethodGet, "/api/servers", h.limit(h.serveList))
	router.HandlerFunc(http.MethodGet, "/api/servers/all", h.limit(h.serveAll))
	if opts.Debug {
		router.HandlerFunc(http.MethodPost, "/api/reload", h.limit(h.serveTrigger(src.Reload)))
		router.HandlerFunc(http.MethodPost, "/api/refresh", h.limit(h.serveTrigger(src.Refresh)))
	}
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	router.GlobalOPTIONS = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return WithCORS(router)
}

// WithCORS allows browser front-ends on other origins to read the API.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		next.ServeHTTP(w, r)
	})
}

type handler struct {
	src    Source
	limits *clientLimiters
}

func (h *handler) limit(next http.HandlerFunc) http.HandlerFunc {
	if h.limits == nil {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !h.limits.allow(ip) {
			klog.V(2).InfoS("Rate limit exceeded", "client", ip, "path", r.URL.Path)
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next(w, r)
	}
}

func (h *handler) serveList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, NewListView(h.src.Snapshot()))
}

func (h *handler) serveAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.src.Snapshot())
}

func (h *handler) serveTrigger(trigger func(context.Context) bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !trigger(r.Context()) {
			http.Error(w, "offline or a cycle is already running", http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// NewListView builds the consumer view of snap.
func NewListView(snap servers.Snapshot) ListView {
	view := ListView{
		Online:    snap.Online,
		Loading:   snap.Loading,
		Total:     len(snap.Records),
		Ready:     len(snap.Ready()),
		UpdatedAt: snap.UpdatedAt,
	}
	if snap.DirectoryErr != nil {
		view.DirectoryError = snap.DirectoryErr.Error()
	}
	if !snap.Online {
		return view
	}

	view.Servers = []ServerView{}
	for i, rec := range snap.Responding() {
		p := rec.Payload
		view.Servers = append(view.Servers, ServerView{
			Rank:        i + 1,
			Address:     rec.Address.String(),
			Hostname:    p.Hostname,
			Version:     p.GameVer,
			GameType:    p.GameType,
			Mod:         p.Mod,
			Status:      rec.HumanStatus(),
			PlayerCount: rec.NumPlayers,
			MaxPlayers:  parseInt(p.MaxPlayers),
			Players:     rec.PlayerNames(),
			PingMS:      rec.PingMillis(),
		})
	}
	return view
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.V(2).InfoS("Failed to write response", "err", err)
	}
}

func parseInt(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
