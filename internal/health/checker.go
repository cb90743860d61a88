package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/braided/internal/chain"
	"github.com/jmerrifield20/braided/internal/ledger"
	"go.uber.org/zap"
)

// Statuses.
const (
	StatusUnknown  = "unknown"
	StatusHealthy  = "healthy"
	StatusDegraded = "degraded"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	CheckTimeout  time.Duration
	FailThreshold int
}

// CheckFunc returns nil when the dependency answers.
type CheckFunc func(ctx context.Context) error

// Target is one dependency to check.
type Target struct {
	Name  string
	Kind  string
	Check CheckFunc
}

// RegistryTarget checks a registry by reading its owner.
func RegistryTarget(name string, r ledger.Reader) Target {
	return Target{Name: name, Kind: "registry", Check: func(ctx context.Context) error {
		_, err := r.Owner(ctx)
		return err
	}}
}

// ChainTarget checks a watched chain by reading its head.
func ChainTarget(id string, s chain.Source) Target {
	return Target{Name: id, Kind: "chain", Check: func(ctx context.Context) error {
		_, err := s.LatestHead(ctx)
		return err
	}}
}

// MetricsRecordFunc is an optional callback for recording check results.
type MetricsRecordFunc func(target string, success bool)

// TargetStatus is the health of one target.
type TargetStatus struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Status    string    `json:"status"`
	Failures  int       `json:"failures"`
	LastError string    `json:"last_error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthChecker periodically checks the registries and chains a process
// depends on. A target is degraded after FailThreshold consecutive failures.
type HealthChecker struct {
	targets    []Target
	httpClient *http.Client
	mu         sync.Mutex
	status     map[string]*TargetStatus
	cfg        Config
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new HealthChecker.
func New(targets []Target, cfg Config, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.CheckTimeout == 0 {
		cfg.CheckTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	h := &HealthChecker{
		targets:    targets,
		httpClient: &http.Client{Timeout: cfg.CheckTimeout},
		status:     make(map[string]*TargetStatus),
		cfg:        cfg,
		logger:     logger,
	}
	for _, t := range targets {
		h.status[t.Kind+"/"+t.Name] = &TargetStatus{Name: t.Name, Kind: t.Kind, Status: StatusUnknown}
	}
	return h
}

// HTTPTarget checks a URL with HEAD, then GET.
func (h *HealthChecker) HTTPTarget(name, url string) Target {
	return Target{Name: name, Kind: "http", Check: func(ctx context.Context) error {
		if h.pingEndpoint(ctx, url) {
			return nil
		}
		return errUnhealthy
	}}
}

type healthError string

func (e healthError) Error() string { return string(e) }

const errUnhealthy = healthError("endpoint did not answer 2xx")

// SetMetricsRecord configures the metrics recording callback.
func (h *HealthChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Start runs one check immediately and then every CheckInterval until ctx
// is done.
func (h *HealthChecker) Start(ctx context.Context) {
	h.CheckAll(ctx)
	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll checks every target with bounded concurrency.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	sem := make(chan struct{}, 10)
	var wg sync.WaitGroup

	for _, t := range h.targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			checkCtx, cancel := context.WithTimeout(ctx, h.cfg.CheckTimeout)
			err := t.Check(checkCtx)
			cancel()

			if h.onMetrics != nil {
				h.onMetrics(t.Name, err == nil)
			}

			h.mu.Lock()
			st := h.status[t.Kind+"/"+t.Name]
			prev := st.Status
			st.CheckedAt = time.Now().UTC()
			if err == nil {
				st.Failures, st.LastError, st.Status = 0, "", StatusHealthy
			} else {
				st.Failures++
				st.LastError = err.Error()
				if st.Failures >= h.cfg.FailThreshold {
					st.Status = StatusDegraded
				}
			}
			count, status := st.Failures, st.Status
			h.mu.Unlock()

			switch {
			case status == StatusHealthy && prev == StatusDegraded:
				h.logger.Info("health: recovered", zap.String("kind", t.Kind), zap.String("target", t.Name))
			case status == StatusDegraded && prev != StatusDegraded:
				h.logger.Warn("health: degraded",
					zap.String("kind", t.Kind),
					zap.String("target", t.Name),
					zap.Int("fail_count", count),
					zap.Error(err),
				)
			}
		}(t)
	}

	wg.Wait()
}

// Statuses returns a copy of every target's status ordered by kind and name.
func (h *HealthChecker) Statuses() []TargetStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]TargetStatus, 0, len(h.status))
	for _, st := range h.status {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Healthy reports whether no target is degraded.
func (h *HealthChecker) Healthy() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.status {
		if st.Status == StatusDegraded {
			return false
		}
	}
	return true
}

// ServeHTTP reports the statuses as JSON, with 503 when any target is
// degraded.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	code := http.StatusOK
	status := "ok"
	if !h.Healthy() {
		code, status = http.StatusServiceUnavailable, StatusDegraded
	}
	writeJSON(w, code, map[string]any{"status": status, "targets": h.Statuses()})
}

// pingEndpoint attempts HEAD then GET, returning true if any 2xx response.
func (h *HealthChecker) pingEndpoint(ctx context.Context, endpoint string) bool {
	// Try HEAD first.
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err := h.httpClient.Do(req)
	if err == nil {
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return true
		}
	}

	// Fallback to GET.
	req, err = http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return false
	}
	resp, err = h.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
