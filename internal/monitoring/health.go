package monitoring

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/23skdu/quarrel-batch/internal/logger"
	"github.com/23skdu/quarrel-batch/internal/metrics"
)

// Run states reported by /status.
const (
	StateLoading     = "loading"
	StateRunning     = "running"
	StateDone        = "done"
	StateInterrupted = "interrupted"
	StateFailed      = "failed"
)

const maxAlerts = 50

// HealthStatus is the body of /status.
type HealthStatus struct {
	Status    string       `json:"status"`
	State     string       `json:"state"`
	Timestamp time.Time    `json:"timestamp"`
	Uptime    string       `json:"uptime"`
	System    SystemInfo   `json:"system"`
	Model     ModelInfo    `json:"model"`
	Progress  ProgressInfo `json:"progress"`
	Alerts    []Alert      `json:"alerts"`
}

type SystemInfo struct {
	GoVersion    string `json:"go_version"`
	OS           string `json:"os"`
	Arch         string `json:"arch"`
	NumCPU       int    `json:"num_cpu"`
	MemoryMB     int    `json:"memory_mb"`
	MemoryUsedMB int    `json:"memory_used_mb"`
}

type ModelInfo struct {
	Loaded    bool   `json:"loaded"`
	Path      string `json:"path,omitempty"`
	Backend   string `json:"backend,omitempty"`
	Device    string `json:"device,omitempty"`
	ModelType string `json:"model_type,omitempty"`
}

type ProgressInfo struct {
	Total      int       `json:"total"`
	ResumedAt  int       `json:"resumed_at"`
	CurrentRow int       `json:"current_row"`
	Processed  int       `json:"processed"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Rows       int       `json:"rows_persisted"`
	LastFlush  time.Time `json:"last_flush,omitempty"`
}

// Alert is a failed row or another event worth a look.
type Alert struct {
	Level     string    `json:"level"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
	Row       int       `json:"row"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthMonitor tracks the progress of a batch run and serves it over HTTP.
// It implements the runner's progress observer.
type HealthMonitor struct {
	startTime time.Time
	mu        sync.RWMutex
	state     string
	model     ModelInfo
	progress  ProgressInfo
	alerts    []Alert
}

func NewHealthMonitor() *HealthMonitor {
	return &HealthMonitor{
		startTime: time.Now(),
		state:     StateLoading,
		progress:  ProgressInfo{ResumedAt: -1, CurrentRow: -1},
	}
}

// Register adds /health, /healthz and /status to mux.
func (hm *HealthMonitor) Register(mux *http.ServeMux) {
	mux.HandleFunc("/health", hm.handleHealth)
	mux.HandleFunc("/healthz", hm.handleHealth)
	mux.HandleFunc("/status", hm.handleDetailedStatus)
}

func (hm *HealthMonitor) SetState(state string) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.state = state
}

func (hm *HealthMonitor) SetModel(m ModelInfo) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.model = m
}

func (hm *HealthMonitor) RunStarted(total, lastIndex int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.state = StateRunning
	hm.progress.Total = total
	hm.progress.ResumedAt = lastIndex
}

func (hm *HealthMonitor) RowStarted(index int) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	hm.progress.CurrentRow = index
}

// RowFinished records the outcome of a row. err is set for failed rows.
func (hm *HealthMonitor) RowFinished(index int, outcome string, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	switch outcome {
	case metrics.OutcomeProcessed:
		hm.progress.Processed++
	case metrics.OutcomeSkipped:
		hm.progress.Skipped++
	case metrics.OutcomeFailed:
		hm.progress.Failed++
		msg := "generation failed"
		if err != nil {
			msg = err.Error()
		}
		hm.addAlertLocked(Alert{Level: "error", Component: "generation", Message: msg, Row: index})
	}
}

func (hm *HealthMonitor) Flushed(rows int, err error) {
	hm.mu.Lock()
	defer hm.mu.Unlock()
	if err != nil {
		hm.addAlertLocked(Alert{Level: "critical", Component: "output", Message: err.Error(), Row: hm.progress.CurrentRow})
		return
	}
	hm.progress.Rows = rows
	hm.progress.LastFlush = time.Now()
}

func (hm *HealthMonitor) addAlertLocked(a Alert) {
	a.Timestamp = time.Now()
	hm.alerts = append(hm.alerts, a)
	if len(hm.alerts) > maxAlerts {
		hm.alerts = hm.alerts[len(hm.alerts)-maxAlerts:]
	}
	logger.Log.Debug("Alert", "level", a.Level, "component", a.Component, "row", a.Row, "message", a.Message)
}

func (hm *HealthMonitor) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := hm.Status()

	w.Header().Set("Content-Type", "application/json")
	if status.Status == "critical" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(map[string]string{
		"status":    status.Status,
		"state":     status.State,
		"timestamp": status.Timestamp.Format(time.RFC3339),
	})
}

func (hm *HealthMonitor) handleDetailedStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(hm.Status())
}

// Status is "critical" after a failed flush or a failed run, "degraded"
// when rows have failed, and "healthy" otherwise.
func (hm *HealthMonitor) Status() HealthStatus {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	status := "healthy"
	for _, a := range hm.alerts {
		if a.Level == "critical" {
			status = "critical"
			break
		}
		status = "degraded"
	}
	if hm.state == StateFailed {
		status = "critical"
	}

	alerts := make([]Alert, len(hm.alerts))
	copy(alerts, hm.alerts)
	return HealthStatus{
		Status:    status,
		State:     hm.state,
		Timestamp: time.Now(),
		Uptime:    time.Since(hm.startTime).Round(time.Second).String(),
		System:    systemInfo(),
		Model:     hm.model,
		Progress:  hm.progress,
		Alerts:    alerts,
	}
}

func systemInfo() SystemInfo {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return SystemInfo{
		GoVersion:    runtime.Version(),
		OS:           runtime.GOOS,
		Arch:         runtime.GOARCH,
		NumCPU:       runtime.NumCPU(),
		MemoryMB:     int(m.Sys / 1024 / 1024),
		MemoryUsedMB: int(m.Alloc / 1024 / 1024),
	}
}
