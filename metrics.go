package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// MetricsCollector 模擬器指標收集器
type MetricsCollector struct {
	mu sync.RWMutex

	// 歷史記錄 (用於計算速率)
	requestHistory []requestSample
	maxHistory     int

	server *http.Server

	// 參照
	bench  *Bench
	logger *zap.Logger
}

type requestSample struct {
	timestamp time.Time
	requests  uint64
}

// DeviceSnapshot 單一模擬設備指標
type DeviceSnapshot struct {
	Kind     string `json:"kind"`
	UnitID   uint8  `json:"unit_id"`
	Requests uint64 `json:"requests"`
	Errors   uint64 `json:"errors"`
}

// MetricsSnapshot 指標快照
type MetricsSnapshot struct {
	Timestamp       time.Time        `json:"timestamp"`
	Uptime          string           `json:"uptime"`
	State           string           `json:"state"`
	CurrentScenario string           `json:"current_scenario"`
	TotalRequests   uint64           `json:"total_requests"`
	TotalErrors     uint64           `json:"total_errors"`
	RequestsPerSec  float64          `json:"requests_per_sec"`
	Devices         []DeviceSnapshot `json:"devices"`

	// 樣本量測值
	SampleTemperature float64 `json:"sample_temperature"`
	SampleRelayStates uint8   `json:"sample_relay_states"`
	SampleVoltage     float64 `json:"sample_voltage"`
}

// NewMetricsCollector 建立指標收集器
func NewMetricsCollector(bench *Bench, logger *zap.Logger) *MetricsCollector {
	return &MetricsCollector{
		bench:      bench,
		logger:     logger,
		maxHistory: 60, // 保留 60 個樣本 (用於計算每秒速率)
	}
}

// Handler 指標 HTTP 路由
func (m *MetricsCollector) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", m.handleMetrics)
	mux.HandleFunc("/health", m.handleHealth)
	mux.HandleFunc("/ready", m.handleReady)
	return mux
}

// Start 啟動指標收集與 HTTP 伺服器
func (m *MetricsCollector) Start(ctx context.Context, port int) error {
	m.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           m.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go m.collectLoop(ctx)

	m.logger.Info("啟動指標伺服器", zap.String("addr", m.server.Addr))
	go func() {
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("指標伺服器錯誤", zap.Error(err))
		}
	}()

	return nil
}

// Stop 關閉 HTTP 伺服器
func (m *MetricsCollector) Stop(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

// collectLoop 背景收集迴圈
func (m *MetricsCollector) collectLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

// collect 記錄一筆請求數樣本
func (m *MetricsCollector) collect() {
	stats := m.bench.Stats()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requestHistory = append(m.requestHistory, requestSample{
		timestamp: time.Now(),
		requests:  stats.TotalRequests,
	})
	if len(m.requestHistory) > m.maxHistory {
		m.requestHistory = m.requestHistory[1:]
	}
}

// Snapshot 取得指標快照
func (m *MetricsCollector) Snapshot() MetricsSnapshot {
	stats := m.bench.Stats()

	snapshot := MetricsSnapshot{
		Timestamp:       time.Now(),
		Uptime:          time.Since(stats.StartTime).String(),
		State:           m.bench.State().String(),
		CurrentScenario: m.bench.GetScenario().String(),
		TotalRequests:   stats.TotalRequests,
		TotalErrors:     stats.TotalErrors,
	}

	// 計算每秒請求數 (使用最近的歷史記錄)
	m.mu.RLock()
	if len(m.requestHistory) >= 2 {
		first := m.requestHistory[0]
		last := m.requestHistory[len(m.requestHistory)-1]
		duration := last.timestamp.Sub(first.timestamp).Seconds()
		if duration > 0 {
			snapshot.RequestsPerSec = float64(last.requests-first.requests) / duration
		}
	}
	m.mu.RUnlock()

	for _, dev := range m.bench.Devices() {
		st := dev.GetStats()
		snapshot.Devices = append(snapshot.Devices, DeviceSnapshot{
			Kind:     dev.Kind.String(),
			UnitID:   dev.UnitID(),
			Requests: st.RequestCount.Load(),
			Errors:   st.ErrorCount.Load(),
		})

		rm := dev.Registers()
		switch dev.Kind {
		case KindTaidecent:
			snapshot.SampleTemperature = CelsiusFromRaw(rm.ReadHoldingRegister(0x0000))
		case KindWaveshare:
			if coils, err := rm.ReadCoils(0, WaveshareRelayCount); err == nil {
				snapshot.SampleRelayStates = uint8(RelayStatesFromBits(coils))
			}
		case KindSchneider:
			snapshot.SampleVoltage, _ = rm.GetFloat32(0x0BD3)
		}
	}

	return snapshot
}

// handleMetrics 處理 /metrics 請求
func (m *MetricsCollector) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot := m.Snapshot()

	accept := r.Header.Get("Accept")
	if accept == "application/json" || r.URL.Query().Get("format") == "json" {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(snapshot)
		return
	}

	// Prometheus 格式
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")

	fmt.Fprintf(w, "# HELP mbe_sim_requests_total Total number of requests\n")
	fmt.Fprintf(w, "# TYPE mbe_sim_requests_total counter\n")
	fmt.Fprintf(w, "mbe_sim_requests_total %d\n\n", snapshot.TotalRequests)

	fmt.Fprintf(w, "# HELP mbe_sim_errors_total Total number of exception responses\n")
	fmt.Fprintf(w, "# TYPE mbe_sim_errors_total counter\n")
	fmt.Fprintf(w, "mbe_sim_errors_total %d\n\n", snapshot.TotalErrors)

	fmt.Fprintf(w, "# HELP mbe_sim_requests_per_second Requests per second\n")
	fmt.Fprintf(w, "# TYPE mbe_sim_requests_per_second gauge\n")
	fmt.Fprintf(w, "mbe_sim_requests_per_second %f\n\n", snapshot.RequestsPerSec)

	fmt.Fprintf(w, "# HELP mbe_sim_device_requests_total Requests per simulated device\n")
	fmt.Fprintf(w, "# TYPE mbe_sim_device_requests_total counter\n")
	for _, d := range snapshot.Devices {
		fmt.Fprintf(w, "mbe_sim_device_requests_total{kind=%q,unit=\"%d\"} %d\n", d.Kind, d.UnitID, d.Requests)
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "# HELP mbe_sim_temperature_celsius Simulated thermometer reading\n")
	fmt.Fprintf(w, "# TYPE mbe_sim_temperature_celsius gauge\n")
	fmt.Fprintf(w, "mbe_sim_temperature_celsius %f\n\n", snapshot.SampleTemperature)

	fmt.Fprintf(w, "# HELP mbe_sim_relay_states Simulated relay bitmask\n")
	fmt.Fprintf(w, "# TYPE mbe_sim_relay_states gauge\n")
	fmt.Fprintf(w, "mbe_sim_relay_states %d\n\n", snapshot.SampleRelayStates)

	fmt.Fprintf(w, "# HELP mbe_sim_voltage_ln1 Simulated meter voltage L-N 1\n")
	fmt.Fprintf(w, "# TYPE mbe_sim_voltage_ln1 gauge\n")
	fmt.Fprintf(w, "mbe_sim_voltage_ln1 %f\n", snapshot.SampleVoltage)
}

// handleHealth 處理 /health 請求
func (m *MetricsCollector) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

// handleReady 處理 /ready 請求
func (m *MetricsCollector) handleReady(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if m.bench == nil || m.bench.State() != EngineStateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
		return
	}
	json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
