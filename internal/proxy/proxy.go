// Package proxy implements the tenant-facing reverse proxy: subdomain
// extraction, a short-TTL deployment cache, throttled heartbeat touches,
// and auto-wake coordination, built on net/http/httputil.ReverseProxy.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetctl/agentplane/internal/apierr"
	"github.com/fleetctl/agentplane/internal/domain"
	"github.com/fleetctl/agentplane/internal/httpresp"
	"github.com/fleetctl/agentplane/internal/orchestrator"
	"github.com/fleetctl/agentplane/internal/repository"
)

var reservedLabels = map[string]bool{
	"www": true, "api": true, "app": true, "admin": true, "dashboard": true, "auth": true,
}

// ExtractSubdomain parses the Host header to find a tenant subdomain. It
// returns "" when the host does not address a tenant subdomain.
func ExtractSubdomain(host string) string {
	if h, _, err := splitHostPort(host); err == nil {
		host = h
	}
	labels := strings.Split(host, ".")
	var candidate string
	switch {
	case len(labels) >= 3:
		candidate = labels[0]
	case len(labels) == 2 && labels[1] == "localhost":
		candidate = labels[0]
	default:
		return ""
	}
	if reservedLabels[candidate] {
		return ""
	}
	return candidate
}

func splitHostPort(host string) (string, string, error) {
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host[i+1:], ":") {
		return host[:i], host[i+1:], nil
	}
	return host, "", fmt.Errorf("no port")
}

// statusMessages gives the 503 body for every non-healthy, non-wakeable
// status.
var statusMessages = map[domain.DeploymentStatus]string{
	domain.StatusIdle:         "Agent has not been started yet.",
	domain.StatusConfiguring:  "Agent is being configured.",
	domain.StatusProvisioning: "Agent is provisioning.",
	domain.StatusStarting:     "Agent is starting up.",
	domain.StatusRestarting:   "Agent is restarting.",
}

type cacheEntry struct {
	id        string
	port      int
	status    domain.DeploymentStatus
	fetchedAt time.Time
}

func (e cacheEntry) expired(now time.Time) bool {
	ttl := 2 * time.Second
	if e.status == domain.StatusHealthy {
		ttl = 5 * time.Second
	}
	return now.Sub(e.fetchedAt) > ttl
}

// Proxy forwards tenant subdomain traffic to the corresponding agent
// container and coordinates auto-wake.
type Proxy struct {
	repo repository.DeploymentRepository
	orch *orchestrator.Service
	next http.Handler
	log  *slog.Logger
	now  func() time.Time

	mu    sync.Mutex
	cache map[string]cacheEntry

	touchMu   sync.Mutex
	lastTouch map[string]time.Time

	wakeMu sync.Mutex
	waking map[string]chan struct{}
}

// New constructs a Proxy. next handles requests that are not addressed to a
// tenant subdomain (the dashboard/API mux).
func New(repo repository.DeploymentRepository, orch *orchestrator.Service, next http.Handler, logger *slog.Logger) *Proxy {
	if logger != nil {
		logger = logger.With("component", "proxy")
	}
	return &Proxy{
		repo: repo, orch: orch, next: next, log: logger, now: time.Now,
		cache: make(map[string]cacheEntry), lastTouch: make(map[string]time.Time),
		waking: make(map[string]chan struct{}),
	}
}

func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, "/api") {
		p.next.ServeHTTP(w, r)
		return
	}
	subdomain := ExtractSubdomain(r.Host)
	if subdomain == "" {
		p.next.ServeHTTP(w, r)
		return
	}

	ctx := r.Context()
	d, err := p.resolve(ctx, subdomain)
	if err != nil {
		httpresp.Fail(w, http.StatusNotFound, apierr.CodeDeploymentNotFound, "deployment not found for this subdomain")
		return
	}

	if isWebSocketUpgrade(r) {
		p.serveUpgrade(w, r, subdomain, d)
		return
	}

	switch {
	case d.status == domain.StatusHealthy:
		p.touch(ctx, subdomain, d.id)
		p.forward(w, r, d.port)
		return
	case d.status == domain.StatusStopped || d.status == domain.StatusError:
		woke := p.wake(ctx, subdomain)
		if !woke {
			httpresp.Fail(w, http.StatusServiceUnavailable, apierr.CodeAgentWaking, "agent is waking up, please retry shortly")
			return
		}
		d, err = p.resolve(ctx, subdomain)
		if err != nil || d.status != domain.StatusHealthy {
			httpresp.Fail(w, http.StatusServiceUnavailable, apierr.CodeAgentWaking, "agent is waking up, please retry shortly")
			return
		}
		p.touch(ctx, subdomain, d.id)
		p.forward(w, r, d.port)
		return
	default:
		msg, ok := statusMessages[d.status]
		if !ok {
			msg = "Agent is not ready."
		}
		httpresp.Fail(w, http.StatusServiceUnavailable, apierr.CodeAgentNotReady, msg)
	}
}

// isWebSocketUpgrade reports whether r is requesting a WebSocket upgrade.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// serveUpgrade handles a WebSocket upgrade request for subdomain. It reuses
// the same subdomain resolution as plain HTTP requests, but never auto-wakes
// a stopped or errored deployment: an unhealthy target just closes the
// socket by refusing the upgrade.
func (p *Proxy) serveUpgrade(w http.ResponseWriter, r *http.Request, subdomain string, d resolved) {
	if d.status != domain.StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	p.touch(r.Context(), subdomain, d.id)
	p.forward(w, r, d.port)
}

// resolved is the subset of deployment state the proxy routes on.
type resolved struct {
	id     string
	port   int
	status domain.DeploymentStatus
}

func (p *Proxy) resolve(ctx context.Context, subdomain string) (resolved, error) {
	now := p.now()
	p.mu.Lock()
	if entry, ok := p.cache[subdomain]; ok && !entry.expired(now) {
		p.mu.Unlock()
		return resolved{id: entry.id, port: entry.port, status: entry.status}, nil
	}
	p.mu.Unlock()

	d, err := p.repo.GetDeploymentBySubdomain(ctx, subdomain)
	if err != nil {
		return resolved{}, err
	}
	port := 0
	if d.InternalPort != nil {
		port = *d.InternalPort
	}
	p.mu.Lock()
	p.cache[subdomain] = cacheEntry{id: d.ID, port: port, status: d.Status, fetchedAt: now}
	p.mu.Unlock()
	return resolved{id: d.ID, port: port, status: d.Status}, nil
}

func (p *Proxy) invalidate(subdomain string) {
	p.mu.Lock()
	delete(p.cache, subdomain)
	p.mu.Unlock()
}

// touch performs the fire-and-forget throttled lastRequestAt update.
func (p *Proxy) touch(ctx context.Context, subdomain, deploymentID string) {
	now := p.now()
	p.touchMu.Lock()
	last, ok := p.lastTouch[subdomain]
	if ok && now.Sub(last) < 60*time.Second {
		p.touchMu.Unlock()
		return
	}
	p.lastTouch[subdomain] = now
	p.touchMu.Unlock()

	go func() {
		expected := domain.StatusHealthy
		ts := now.UTC()
		_, err := p.repo.UpdateDeployment(context.Background(), deploymentID, repository.DeploymentUpdate{
			ExpectedStatus: &expected,
			LastRequestAt:  &ts,
		})
		if err != nil && p.log != nil {
			p.log.Warn("throttled touch failed", "subdomain", subdomain, "error", err)
		}
	}()
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, port int) {
	target := &url.URL{Scheme: "http", Host: "127.0.0.1:" + strconv.Itoa(port)}
	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorLog = nil
	rp.ErrorHandler = func(rw http.ResponseWriter, req *http.Request, err error) {
		if p.log != nil {
			p.log.Warn("proxy forward failed", "port", port, "error", err)
		}
		httpresp.Fail(rw, http.StatusBadGateway, apierr.CodeProxyError, "failed to reach agent container")
	}
	rp.ServeHTTP(w, r)
}

// wake coordinates auto-wake: concurrent callers for the same subdomain
// join the first caller's in-flight spawn rather than triggering their own.
func (p *Proxy) wake(ctx context.Context, subdomain string) bool {
	p.wakeMu.Lock()
	if ch, inFlight := p.waking[subdomain]; inFlight {
		p.wakeMu.Unlock()
		<-ch
		return p.isHealthyNow(ctx, subdomain)
	}
	done := make(chan struct{})
	p.waking[subdomain] = done
	p.wakeMu.Unlock()

	ok := p.doWake(context.Background(), subdomain)
	p.wakeMu.Lock()
	delete(p.waking, subdomain)
	p.wakeMu.Unlock()
	close(done)
	return ok
}

func (p *Proxy) isHealthyNow(ctx context.Context, subdomain string) bool {
	d, err := p.repo.GetDeploymentBySubdomain(ctx, subdomain)
	return err == nil && d.Status == domain.StatusHealthy
}

func (p *Proxy) doWake(ctx context.Context, subdomain string) bool {
	d, err := p.repo.GetDeploymentBySubdomain(ctx, subdomain)
	if err != nil {
		return false
	}
	if d.Status != domain.StatusStopped && d.Status != domain.StatusError {
		return false
	}
	if err := p.orch.SpawnAgent(ctx, d.ID, d.Secrets, d.Config.Model, orchestrator.ResourceLimits{}); err != nil {
		if p.log != nil {
			p.log.Warn("auto-wake spawn failed", "subdomain", subdomain, "deployment_id", d.ID, "error", err)
		}
		return false
	}

	deadline := p.now().Add(60 * time.Second)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for p.now().Before(deadline) {
		<-ticker.C
		cur, err := p.repo.GetDeployment(ctx, d.ID)
		if err != nil {
			continue
		}
		if cur.Status == domain.StatusHealthy && cur.InternalPort != nil {
			p.invalidate(subdomain)
			return true
		}
		if cur.Status == domain.StatusError {
			return false
		}
	}
	return false
}
