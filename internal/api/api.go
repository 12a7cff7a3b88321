// Package api exposes the service over HTTP. Path, query and JSON body
// parameters are merged so every operation works over GET for clients that
// cannot POST, mirroring the original wire contract.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/brucemcpherson/effex-fb/internal/access"
	"github.com/brucemcpherson/effex-fb/internal/admin"
	"github.com/brucemcpherson/effex-fb/internal/push"
	"github.com/brucemcpherson/effex-fb/internal/result"
)

// Server holds the handler dependencies.
type Server struct {
	access  *access.Resolver
	adm     *admin.Service
	hub     *push.Hub
	log     *zap.Logger
	metrics *metrics
	name    string
	version string
}

// New builds a Server.
func New(a *access.Resolver, adm *admin.Service, hub *push.Hub, log *zap.Logger, name, version string) *Server {
	return &Server{
		access:  a,
		adm:     adm,
		hub:     hub,
		log:     log,
		metrics: newMetrics(),
		name:    name,
		version: version,
	}
}

// Router wires every route. The returned handler includes the prometheus
// endpoint and a JSON 404 fallback.
func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /info", s.observe("info", s.handleInfo))
	mux.HandleFunc("GET /ping", s.observe("ping", s.handlePing))
	mux.HandleFunc("GET /validate/{key}", s.observe("validate", s.handleValidate))

	mux.HandleFunc("GET /writer/{writer}", s.observe("write", s.handleWrite))
	mux.HandleFunc("POST /writer/{writer}", s.observe("write", s.handleWrite))
	mux.HandleFunc("GET /writer/{writer}/alias/{alias}", s.observe("writeAlias", s.handleWrite))
	mux.HandleFunc("POST /writer/{writer}/alias/{alias}", s.observe("writeAlias", s.handleWrite))
	mux.HandleFunc("DELETE /writer/{writer}/{id}", s.observe("remove", s.handleRemove))

	mux.HandleFunc("GET /reader/{reader}/{id}", s.observe("read", s.handleRead))
	mux.HandleFunc("GET /updater/{updater}/{id}", s.observe("update", s.handleUpdate))
	mux.HandleFunc("POST /updater/{updater}/{id}", s.observe("update", s.handleUpdate))

	mux.HandleFunc("GET /alias/{writer}/{key}/{alias}/{id}", s.observe("registerAlias", s.handleRegisterAlias))
	mux.HandleFunc("POST /alias/{writer}/{key}/{alias}/{id}", s.observe("registerAlias", s.handleRegisterAlias))

	mux.HandleFunc("DELETE /release/{id}/{updater}/{intent}", s.observe("releaseIntent", s.handleReleaseIntent))

	mux.HandleFunc("GET /onregister/{reader}/{id}/{event}", s.observe("onRegister", s.handleOnRegister))
	mux.HandleFunc("POST /onregister/{reader}/{id}/{event}", s.observe("onRegister", s.handleOnRegister))
	mux.HandleFunc("DELETE /offregister/{watchable}", s.observe("offRegister", s.handleOffRegister))
	mux.HandleFunc("GET /watchable/{watchable}/{reader}", s.observe("getWatchable", s.handleGetWatchable))
	mux.HandleFunc("GET /eventlog/{reader}/{watchable}", s.observe("getEventlog", s.handleEventLog))
	mux.HandleFunc("GET /push/{watchable}", s.handlePush)

	mux.HandleFunc("GET /generate/{bosskey}/{mode}", s.observe("generateKeys", s.handleGenerateKeys))

	mux.HandleFunc("POST /admin/login", s.observe("admin/login", s.handleAdminLogin))
	mux.HandleFunc("PUT /admin/addaccount", s.observe("admin/addAccount", s.authed(s.handleAddAccount)))
	mux.HandleFunc("GET /admin/account/{accountid}", s.observe("admin/getAccount", s.authed(s.handleGetAccount)))
	mux.HandleFunc("POST /admin/account/{accountid}", s.observe("admin/updateAccount", s.authed(s.handleUpdateAccount)))
	mux.HandleFunc("DELETE /admin/account/{accountid}", s.observe("admin/removeAccount", s.authed(s.handleRemoveAccount)))
	mux.HandleFunc("GET /admin/account/{accountid}/boss", s.observe("admin/generateBoss", s.authed(s.handleGenerateBoss)))
	mux.HandleFunc("GET /admin/bosses/{accountid}", s.observe("admin/getBosses", s.authed(s.handleGetBosses)))
	mux.HandleFunc("DELETE /admin/bosses/{accountid}", s.observe("admin/removeBosses", s.authed(s.handleRemoveBosses)))
	mux.HandleFunc("DELETE /admin/prune/{accountid}", s.observe("admin/pruneBosses", s.authed(s.handlePruneBosses)))
	mux.HandleFunc("DELETE /admin/expired", s.observe("admin/expired", s.authed(s.handleSweep)))

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics.registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, result.Fail(result.NotFound, "api path doesnt exist"), nil)
	})
	return mux
}

// params merges path values, query parameters and a JSON body, in that
// order of precedence.
type params struct {
	r    *http.Request
	body map[string]any
}

func parseParams(r *http.Request) *params {
	p := &params{r: r}
	if r.Body != nil && (r.Method == http.MethodPost || r.Method == http.MethodPut) {
		_ = json.NewDecoder(r.Body).Decode(&p.body)
	}
	return p
}

// str returns the named parameter as a string.
func (p *params) str(name string) string {
	if v := p.r.PathValue(name); v != "" {
		return v
	}
	if v := p.r.URL.Query().Get(name); v != "" {
		return v
	}
	if v, ok := p.body[name]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// num returns the named parameter as an integer, 0 when absent or
// malformed.
func (p *params) num(name string) int64 {
	if v, ok := p.body[name]; ok {
		if f, ok := v.(float64); ok {
			return int64(f)
		}
	}
	n, _ := strconv.ParseInt(p.str(name), 10, 64)
	return n
}

// data returns the payload: the body's data field, or the data query
// parameter parsed as JSON with a fallback to the raw string.
func (p *params) data() any {
	if v, ok := p.body["data"]; ok {
		return v
	}
	raw := p.r.URL.Query().Get("data")
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

// list splits a comma-separated parameter; nil when absent.
func (p *params) list(name string) []string {
	v := p.str(name)
	if v == "" {
		return nil
	}
	return strings.Split(v, ",")
}

// writeResult renders any response that embeds a Result. The HTTP status
// tracks the protocol code.
func writeResult(w http.ResponseWriter, r result.Result, payload any) {
	if payload == nil {
		payload = r
	}
	status := r.Code.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if status == http.StatusNoContent {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// observe wraps a handler with request metrics and logging.
func (s *Server) observe(op string, next func(http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := prometheus.NewTimer(s.metrics.duration.WithLabelValues(op))
		next(rec, r)
		timer.ObserveDuration()
		s.metrics.requests.WithLabelValues(op, strconv.Itoa(rec.status)).Inc()
		s.log.Debug("request",
			zap.String("op", op),
			zap.String("method", r.Method),
			zap.Int("status", rec.status))
	}
}

// authed gates a handler behind an admin session token.
func (s *Server) authed(next func(http.ResponseWriter, *http.Request)) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if ar := s.adm.Authorize(token); !ar.OK {
			writeResult(w, ar, nil)
			return
		}
		next(w, r)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
