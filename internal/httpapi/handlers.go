package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"keywarden.org/internal/deviceauth"
	"keywarden.org/internal/obs"
	"keywarden.org/internal/stream"
	"keywarden.org/internal/vault"
)

// ReadyProbe — простая проверка готовности (например, ping БД).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API — HTTP слой.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	service    *vault.Service
	flow       *deviceauth.Flow
	stream     *stream.Stream

	rateBurst  int
	ratePerSec int
}

func New(service *vault.Service, flow *deviceauth.Flow, st *stream.Stream, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		service:    service,
		flow:       flow,
		stream:     st,
		rateBurst:  50,
		ratePerSec: 25,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// resources, guardians, fields, totp
	a.mux.HandleFunc("/v1/resources", a.handleResourcesCollection)
	a.mux.HandleFunc("/v1/resources/", a.handleResourceScoped)

	// approvals
	a.mux.HandleFunc("/v1/approvals", a.handleApprovalsCollection)
	a.mux.HandleFunc("/v1/approvals/", a.handleApprovalScoped)

	// device authorization grant
	a.mux.HandleFunc("/v1/device/code", a.handleDeviceCode)
	a.mux.HandleFunc("/v1/device/token", a.handleDeviceToken)
	a.mux.HandleFunc("/v1/device/", a.handleDeviceScoped)

	// approval event feed (SSE)
	a.mux.HandleFunc("/v1/events", a.Events)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// корень — 404
	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler возвращает http.Handler для сервера (без доп. аргументов).
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "warden-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "warden-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
