// Package httpapi wires the authentication, deployment and device-auth
// services to the HTTP surface: a ServeMux wrapped by an audit-logging
// middleware, per-route rate limiting, and a Prometheus metrics pair per
// request.
package httpapi

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	promhttp "github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/auth"
	"github.com/fleetctl/agentplane/internal/domain"
	"github.com/fleetctl/agentplane/internal/httpresp"
	"github.com/fleetctl/agentplane/internal/orchestrator"
	"github.com/fleetctl/agentplane/internal/repository"
	"github.com/fleetctl/agentplane/internal/runtime"
	"github.com/fleetctl/agentplane/internal/ws"
)

const (
	rateWindowDefault  = time.Minute
	rateWindowRealtime = 30 * time.Second
	rateLimitSignup    = 5
	rateLimitLogin     = 12
	rateLimitDevice    = 20
	rateLimitWrite     = 60
	rateLimitRead      = 120
	rateLimitWebsocket = 30
	rateLimitWebhook   = 60
	healthCheckTimeout = 2 * time.Second
)

// Router assembles the control plane's full HTTP route set.
type Router struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	auth    *auth.Service
	deploys repository.DeploymentRepository
	users   repository.UserRepository
	orch    *orchestrator.Service
	runtime runtime.Adapter
	hub     *ws.Hub
	upgrader websocket.Upgrader
	limiter RateLimiter

	maxDeployments        int
	webhookSecret         string
	defaultResourceLimits orchestrator.ResourceLimits

	dbHealth func(context.Context) error

	metricsOnce         sync.Once
	metricsInitialized  bool
	requestTotal        *prometheus.CounterVec
	requestLatency      *prometheus.HistogramVec
	rateLimitHits       *prometheus.CounterVec
}

// Config carries the static knobs the router needs beyond its service
// dependencies.
type Config struct {
	MaxDeployments        int
	WebhookSecret         string
	DefaultResourceLimits orchestrator.ResourceLimits
}

// New assembles a Router. limiter may be nil to fall back to the in-memory
// limiter; dbHealth may be nil to skip the dependency check in /healthz.
func New(
	logger *slog.Logger,
	authSvc *auth.Service,
	deploys repository.DeploymentRepository,
	users repository.UserRepository,
	orch *orchestrator.Service,
	rt runtime.Adapter,
	hub *ws.Hub,
	limiter RateLimiter,
	cfg Config,
	dbHealth func(context.Context) error,
) *Router {
	router := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		auth:    authSvc,
		deploys: deploys,
		users:   users,
		orch:    orch,
		runtime: rt,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		limiter:               limiter,
		maxDeployments:        cfg.MaxDeployments,
		webhookSecret:         cfg.WebhookSecret,
		defaultResourceLimits: cfg.DefaultResourceLimits,
		dbHealth:              dbHealth,
	}
	if router.limiter == nil {
		router.limiter = NewMemoryRateLimiter()
	}
	router.initMetrics()
	router.register()
	return router
}

// ServeHTTP implements http.Handler.
func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) { rt.mux.ServeHTTP(w, r) }

// Close releases the rate limiter's background goroutine.
func (rt *Router) Close() {
	if rt.limiter != nil {
		rt.limiter.Close()
	}
}

func (rt *Router) register() {
	rt.mux.HandleFunc("/api/healthz", rt.instrument("healthz", rt.handleHealthz))
	rt.mux.HandleFunc("/api/metrics", rt.handleMetrics)

	rt.mux.HandleFunc("/api/auth/signup", rt.instrument("auth_signup", rt.withRateLimit("auth_signup", rateLimitSignup, rateWindowDefault, rateLimitKeyIP, rt.handleSignup)))
	rt.mux.HandleFunc("/api/auth/login", rt.instrument("auth_login", rt.withRateLimit("auth_login", rateLimitLogin, rateWindowDefault, rateLimitKeyIP, rt.handleLogin)))
	rt.mux.HandleFunc("/api/auth/device/start", rt.instrument("device_start", rt.withRateLimit("device_start", rateLimitDevice, rateWindowDefault, rateLimitKeyIP, rt.handleDeviceStart)))
	rt.mux.HandleFunc("/api/auth/device/verify", rt.instrument("device_verify", rt.withRateLimit("device_verify", rateLimitDevice, rateWindowDefault, rateLimitKeyIP, rt.handleDeviceVerify)))
	rt.mux.HandleFunc("/api/auth/device/poll", rt.instrument("device_poll", rt.withRateLimit("device_poll", rateLimitDevice, rateWindowRealtime, rateLimitKeyIP, rt.handleDevicePoll)))

	rt.mux.HandleFunc("/api/deployments", rt.instrument("deployments_collection", rt.authRate("deployments_collection", rateLimitWrite, rateWindowDefault, rt.handleDeploymentsCollection)))
	rt.mux.HandleFunc("/api/deployments/", rt.instrument("deployments_item", rt.authRate("deployments_item", rateLimitRead, rateWindowDefault, rt.handleDeploymentSubroutes)))

	rt.mux.HandleFunc("/api/me", rt.instrument("me", rt.authRate("me", rateLimitRead, rateWindowDefault, rt.handleMe)))
	rt.mux.HandleFunc("/api/webhooks/payment", rt.instrument("webhook_payment", rt.withRateLimit("webhook_payment", rateLimitWebhook, rateWindowDefault, rateLimitKeyIP, rt.handlePaymentWebhook)))
}

// instrument wraps a handler with the combined audit-log + metrics
// middleware.
func (rt *Router) instrument(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		rt.recordRequestMetrics(req.Method, route, status, duration)

		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if info, ok := authInfoFromContext(req.Context()); ok {
			fields = append(fields, "user_id", info.UserID)
		}
		if rt.logger == nil {
			return
		}
		switch {
		case status >= http.StatusInternalServerError:
			rt.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			rt.logger.Warn("http_request", fields...)
		default:
			rt.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if len(parts) > 0 && strings.TrimSpace(parts[0]) != "" {
			return strings.TrimSpace(parts[0])
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

// fail translates an internal error to the error envelope, mapping known
// sentinel errors to their HTTP status codes.
func fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apierr.ErrCapacityFull):
		httpresp.Fail(w, http.StatusServiceUnavailable, apierr.CodeCapacityFull, err.Error())
	case errors.Is(err, apierr.ErrPortExhausted):
		httpresp.Fail(w, http.StatusServiceUnavailable, apierr.CodePortExhausted, err.Error())
	case errors.Is(err, apierr.ErrNotFound):
		httpresp.Fail(w, http.StatusNotFound, apierr.CodeDeploymentNotFound, err.Error())
	case errors.Is(err, apierr.ErrInvalidTransition):
		httpresp.Fail(w, http.StatusBadRequest, apierr.CodeInvalidStateTransition, err.Error())
	case errors.Is(err, apierr.ErrTamperedData):
		httpresp.Fail(w, http.StatusInternalServerError, apierr.CodeTamperedData, err.Error())
	case errors.Is(err, apierr.ErrNoModel):
		httpresp.Fail(w, http.StatusBadRequest, apierr.CodeNoModel, err.Error())
	case errors.Is(err, apierr.ErrModelKeyMismatch):
		httpresp.Fail(w, http.StatusBadRequest, apierr.CodeModelKeyMismatch, err.Error())
	case errors.Is(err, apierr.ErrUnauthorized):
		httpresp.Fail(w, http.StatusUnauthorized, apierr.CodeUnauthorized, err.Error())
	case errors.Is(err, apierr.ErrConflict):
		httpresp.Fail(w, http.StatusConflict, apierr.CodeValidationError, err.Error())
	case errors.Is(err, apierr.ErrInvalidArgument):
		httpresp.Fail(w, http.StatusBadRequest, apierr.CodeValidationError, err.Error())
	default:
		httpresp.Fail(w, http.StatusInternalServerError, apierr.CodeInternal, err.Error())
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		httpresp.Fail(w, http.StatusBadRequest, apierr.CodeValidationError, "invalid JSON body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	httpresp.Fail(w, http.StatusMethodNotAllowed, apierr.CodeValidationError, "method not allowed")
}

func notFound(w http.ResponseWriter) {
	httpresp.Fail(w, http.StatusNotFound, apierr.CodeDeploymentNotFound, "not found")
}

// --- auth handlers ---

func (rt *Router) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var payload struct{ Email, Password string }
	if !decodeJSON(w, r, &payload) {
		return
	}
	user, tokens, err := rt.auth.Signup(r.Context(), payload.Email, payload.Password)
	if err != nil {
		fail(w, err)
		return
	}
	httpresp.Created(w, signupResponse(user, tokens))
}

func (rt *Router) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var payload struct{ Email, Password string }
	if !decodeJSON(w, r, &payload) {
		return
	}
	user, tokens, err := rt.auth.Login(r.Context(), payload.Email, payload.Password)
	if err != nil {
		fail(w, err)
		return
	}
	httpresp.OK(w, signupResponse(user, tokens))
}

func signupResponse(user *domain.User, tokens auth.TokenPair) map[string]any {
	return map[string]any{
		"user":          map[string]any{"id": user.ID, "email": user.Email},
		"accessToken":   tokens.AccessToken,
		"refreshToken":  tokens.RefreshToken,
		"expiresInSecs": int(tokens.ExpiresIn.Seconds()),
	}
}

func (rt *Router) handleDeviceStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	code, err := rt.auth.StartDeviceAuthorization(r.Context())
	if err != nil {
		rt.failDevice(w, err)
		return
	}
	httpresp.Created(w, map[string]any{
		"deviceCode":      code.DeviceCode,
		"userCode":        code.UserCode,
		"verificationUrl": code.VerificationURL,
		"expiresInSecs":   int(time.Until(code.ExpiresAt).Seconds()),
		"intervalSecs":    code.IntervalSeconds,
	})
}

func (rt *Router) handleDeviceVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var payload struct{ UserCode, Email, Password string }
	if !decodeJSON(w, r, &payload) {
		return
	}
	code, err := rt.auth.VerifyDeviceCode(r.Context(), payload.UserCode, payload.Email, payload.Password)
	if err != nil {
		rt.failDevice(w, err)
		return
	}
	httpresp.OK(w, map[string]any{"status": string(code.Status)})
}

func (rt *Router) handleDevicePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var payload struct{ DeviceCode string }
	if !decodeJSON(w, r, &payload) {
		return
	}
	result, err := rt.auth.PollDeviceCode(r.Context(), payload.DeviceCode)
	if err != nil {
		if errors.Is(err, auth.ErrDeviceCodePending) {
			httpresp.OK(w, map[string]any{"status": string(result.Status), "intervalSecs": int(result.Interval.Seconds())})
			return
		}
		rt.failDevice(w, err)
		return
	}
	resp := map[string]any{"status": string(result.Status)}
	if result.Tokens != nil {
		resp["accessToken"] = result.Tokens.AccessToken
		resp["refreshToken"] = result.Tokens.RefreshToken
		resp["expiresInSecs"] = int(result.Tokens.ExpiresIn.Seconds())
	}
	httpresp.OK(w, resp)
}

func (rt *Router) failDevice(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrDeviceAuthDisabled):
		httpresp.Fail(w, http.StatusNotFound, apierr.CodeValidationError, "device authorization disabled")
	case errors.Is(err, auth.ErrDeviceCodeInvalid):
		httpresp.Fail(w, http.StatusBadRequest, apierr.CodeValidationError, err.Error())
	case errors.Is(err, auth.ErrDeviceCodeExpired):
		httpresp.Fail(w, http.StatusBadRequest, apierr.CodeValidationError, err.Error())
	case errors.Is(err, auth.ErrDeviceCodeConsumed):
		httpresp.Fail(w, http.StatusConflict, apierr.CodeValidationError, err.Error())
	case errors.Is(err, auth.ErrDeviceCodeNotApproved):
		httpresp.Fail(w, http.StatusConflict, apierr.CodeValidationError, err.Error())
	default:
		fail(w, err)
	}
}

// --- me ---

func (rt *Router) handleMe(w http.ResponseWriter, r *http.Request) {
	info, ok := authInfoFromContext(r.Context())
	if !ok {
		httpresp.Fail(w, http.StatusInternalServerError, apierr.CodeInternal, "authorization context missing")
		return
	}
	switch r.Method {
	case http.MethodGet:
		user, err := rt.users.GetUser(r.Context(), info.UserID)
		if err != nil {
			fail(w, err)
			return
		}
		httpresp.OK(w, userResponse(user))
	case http.MethodPatch:
		httpresp.Fail(w, http.StatusForbidden, apierr.CodeValidationError, "subscription fields are managed by the payment webhook")
	default:
		methodNotAllowed(w)
	}
}

func userResponse(u *domain.User) map[string]any {
	resp := map[string]any{
		"id":                 u.ID,
		"email":              u.Email,
		"subscriptionStatus": string(u.SubscriptionStatus),
		"maxAgents":          u.MaxAgents,
	}
	if u.Tier != nil {
		resp["tier"] = string(*u.Tier)
	}
	if u.SubscriptionExpiresAt != nil {
		resp["subscriptionExpiresAt"] = u.SubscriptionExpiresAt.Format(time.RFC3339)
	}
	return resp
}

// --- deployments ---

func (rt *Router) handleDeploymentsCollection(w http.ResponseWriter, r *http.Request) {
	info, ok := authInfoFromContext(r.Context())
	if !ok {
		httpresp.Fail(w, http.StatusInternalServerError, apierr.CodeInternal, "authorization context missing")
		return
	}
	switch r.Method {
	case http.MethodGet:
		deps, err := rt.deploys.ListDeployments(r.Context(), repository.DeploymentFilter{UserID: info.UserID})
		if err != nil {
			fail(w, err)
			return
		}
		out := make([]domain.Deployment, len(deps))
		for i, d := range deps {
			out[i] = d.Redact()
		}
		httpresp.OK(w, out)
	case http.MethodPost:
		rt.handleCreateDeployment(w, r, info)
	default:
		methodNotAllowed(w)
	}
}

func (rt *Router) handleCreateDeployment(w http.ResponseWriter, r *http.Request, info authInfo) {
	user, err := rt.users.GetUser(r.Context(), info.UserID)
	if err != nil {
		fail(w, err)
		return
	}
	total, err := rt.deploys.CountDeployments(r.Context(), repository.DeploymentFilter{UserID: info.UserID})
	if err != nil {
		fail(w, err)
		return
	}
	if total >= user.MaxAgents {
		httpresp.Fail(w, http.StatusForbidden, apierr.CodeCapacityFull, "per-user agent quota reached")
		return
	}
	if rt.maxDeployments > 0 {
		fleetTotal, err := rt.deploys.CountDeployments(r.Context(), repository.DeploymentFilter{})
		if err != nil {
			fail(w, err)
			return
		}
		if fleetTotal >= rt.maxDeployments {
			httpresp.Fail(w, http.StatusServiceUnavailable, apierr.CodeCapacityFull, "fleet deployment limit reached")
			return
		}
	}
	var payload struct {
		Subdomain    string
		Model        string
		SystemPrompt string
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	subdomain := strings.ToLower(strings.TrimSpace(payload.Subdomain))
	if subdomain == "" {
		httpresp.Fail(w, http.StatusBadRequest, apierr.CodeValidationError, "subdomain is required")
		return
	}
	d := &domain.Deployment{
		ID:        uuid.NewString(),
		UserID:    info.UserID,
		Subdomain: subdomain,
		Status:    domain.StatusIdle,
		Config:    domain.AgentConfig{Model: payload.Model, SystemPrompt: payload.SystemPrompt},
	}
	if err := rt.deploys.CreateDeployment(r.Context(), d); err != nil {
		fail(w, err)
		return
	}
	httpresp.Created(w, d.Redact())
}

func (rt *Router) handleDeploymentSubroutes(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/api/deployments/")
	parts := strings.Split(strings.Trim(trimmed, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		notFound(w)
		return
	}
	id := parts[0]
	if len(parts) == 1 {
		rt.handleDeploymentItem(w, r, id)
		return
	}
	switch parts[1] {
	case "spawn":
		rt.handleSpawn(w, r, id)
	case "stop":
		rt.handleStop(w, r, id)
	case "restart":
		rt.handleRestart(w, r, id)
	case "logs":
		rt.handleLogs(w, r, id)
	case "events":
		rt.handleEvents(w, r, id)
	default:
		notFound(w)
	}
}

func (rt *Router) loadOwnedDeployment(w http.ResponseWriter, r *http.Request, id string) (*domain.Deployment, bool) {
	info, ok := authInfoFromContext(r.Context())
	if !ok {
		httpresp.Fail(w, http.StatusInternalServerError, apierr.CodeInternal, "authorization context missing")
		return nil, false
	}
	d, err := rt.deploys.GetDeployment(r.Context(), id)
	if err != nil {
		fail(w, err)
		return nil, false
	}
	if d.UserID != info.UserID {
		notFound(w)
		return nil, false
	}
	return d, true
}

func (rt *Router) handleDeploymentItem(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		d, ok := rt.loadOwnedDeployment(w, r, id)
		if !ok {
			return
		}
		httpresp.OK(w, d.Redact())
	case http.MethodDelete:
		d, ok := rt.loadOwnedDeployment(w, r, id)
		if !ok {
			return
		}
		if err := rt.orch.Remove(r.Context(), d.ID); err != nil {
			fail(w, err)
			return
		}
		if err := rt.deploys.DeleteDeployment(r.Context(), d.ID); err != nil {
			fail(w, err)
			return
		}
		httpresp.OK(w, map[string]string{"status": "removed"})
	default:
		methodNotAllowed(w)
	}
}

func (rt *Router) handleSpawn(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	d, ok := rt.loadOwnedDeployment(w, r, id)
	if !ok {
		return
	}
	var payload struct {
		Model   string
		Secrets domain.Secrets
	}
	_ = decodeJSONOptional(r, &payload)
	model := payload.Model
	if model == "" {
		model = d.Config.Model
	}
	if err := rt.orch.SpawnAgent(r.Context(), d.ID, payload.Secrets, model, rt.defaultResourceLimits); err != nil {
		fail(w, err)
		return
	}
	httpresp.OK(w, map[string]string{"status": "spawning"})
}

func (rt *Router) handleStop(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	d, ok := rt.loadOwnedDeployment(w, r, id)
	if !ok {
		return
	}
	if err := rt.orch.Stop(r.Context(), d.ID); err != nil {
		fail(w, err)
		return
	}
	httpresp.OK(w, map[string]string{"status": "stopped"})
}

func (rt *Router) handleRestart(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	d, ok := rt.loadOwnedDeployment(w, r, id)
	if !ok {
		return
	}
	var payload struct{ Secrets domain.Secrets }
	_ = decodeJSONOptional(r, &payload)
	if err := rt.orch.Restart(r.Context(), d.ID, payload.Secrets, rt.defaultResourceLimits); err != nil {
		fail(w, err)
		return
	}
	httpresp.OK(w, map[string]string{"status": "restarting"})
}

func decodeJSONOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	err := dec.Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (rt *Router) handleLogs(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	d, ok := rt.loadOwnedDeployment(w, r, id)
	if !ok {
		return
	}
	if d.ContainerID == nil {
		httpresp.Fail(w, http.StatusConflict, apierr.CodeAgentNotReady, "deployment has no running container")
		return
	}
	tail := r.URL.Query().Get("tail")
	if tail == "" {
		tail = "200"
	}
	rc, err := rt.runtime.ContainerLogs(r.Context(), *d.ContainerID, runtime.LogOptions{Tail: tail, Timestamps: true})
	if err != nil {
		fail(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, rc)
}

func (rt *Router) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	d, ok := rt.loadOwnedDeployment(w, r, id)
	if !ok {
		return
	}
	conn, err := rt.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if rt.logger != nil {
			rt.logger.Warn("websocket upgrade failed", "error", err)
		}
		return
	}
	client := ws.NewClient(conn, rt.logger)
	rt.hub.Register(d.ID, client)
	go func() {
		defer func() {
			rt.hub.Unregister(d.ID, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// --- payment webhook ---

func (rt *Router) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		httpresp.Fail(w, http.StatusBadRequest, apierr.CodeValidationError, "could not read body")
		return
	}
	signature := r.Header.Get("X-Webhook-Signature")
	if err := verifyWebhookSignature(rt.webhookSecret, body, signature); err != nil {
		httpresp.Fail(w, http.StatusUnauthorized, apierr.CodeUnauthorized, err.Error())
		return
	}
	var event struct {
		UserID   string
		Tier     string
		Status   string
		ExpiresAt time.Time
	}
	if err := json.Unmarshal(body, &event); err != nil {
		httpresp.Fail(w, http.StatusBadRequest, apierr.CodeValidationError, "invalid JSON body")
		return
	}
	status := domain.SubscriptionStatus(event.Status)
	if status == "" {
		status = domain.SubscriptionActive
	}
	reminderSent := false
	upd := repository.UserUpdate{
		SubscriptionStatus:    &status,
		SubscriptionExpiresAt: &event.ExpiresAt,
		ExpiryReminderSent:    &reminderSent,
	}
	if event.Tier != "" {
		tier := domain.SubscriptionTier(event.Tier)
		upd.Tier = &tier
	}
	if err := rt.users.UpdateUser(r.Context(), event.UserID, upd); err != nil {
		fail(w, err)
		return
	}
	httpresp.OK(w, map[string]string{"status": "applied"})
}

func verifyWebhookSignature(secret string, payload []byte, provided string) error {
	if secret == "" {
		return errors.New("payment webhook not configured")
	}
	if provided == "" {
		return errors.New("missing webhook signature")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(provided), []byte(expected)) {
		return errors.New("invalid webhook signature")
	}
	return nil
}

// --- health / metrics ---

func (rt *Router) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	status := "ok"
	components := map[string]any{}
	if rt.dbHealth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := rt.dbHealth(ctx); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{"status": status, "components": components})
}

func (rt *Router) handleMetrics(w http.ResponseWriter, r *http.Request) {
	promhttp.Handler().ServeHTTP(w, r)
}
