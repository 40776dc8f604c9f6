package backend

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"voltstream.dev/telemetry/pkg/metrics"
)

// APIConfig holds the configuration for the HTTP API.
type APIConfig struct {
	Logger    *slog.Logger
	Ingestor  *Ingestor
	Analytics *Analytics
	// Metrics is the optional Prometheus metrics collector.
	Metrics *metrics.BackendMetrics
}

// API is the HTTP boundary: it decodes and validates payloads, hands them
// to the Ingestor and Analytics, and maps their errors to status codes
// (validation 400, unknown device 404, storage 500).
type API struct {
	logger    *slog.Logger
	ingestor  *Ingestor
	analytics *Analytics
	metrics   *metrics.BackendMetrics
	router    *mux.Router
}

// apiResponse is the envelope every JSON endpoint answers with.
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// meterStateResponse is the wire shape of a meter's live state.
type meterStateResponse struct {
	MeterID       string    `json:"meterId"`
	KwhConsumedAc float64   `json:"kwhConsumedAc"`
	Voltage       float64   `json:"voltage"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// vehicleStateResponse is the wire shape of a vehicle's live state.
type vehicleStateResponse struct {
	VehicleID      string    `json:"vehicleId"`
	SOC            float64   `json:"soc"`
	KwhDeliveredDc float64   `json:"kwhDeliveredDc"`
	BatteryTemp    float64   `json:"batteryTemp"`
	LastUpdatedAt  time.Time `json:"lastUpdatedAt"`
}

// NewAPI creates the HTTP API and wires its routes.
func NewAPI(cfg *APIConfig) (*API, error) {
	if cfg == nil {
		return nil, errors.New("api config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor cannot be nil")
	}

	if cfg.Analytics == nil {
		return nil, errors.New("analytics cannot be nil")
	}

	a := &API{
		logger:    cfg.Logger,
		ingestor:  cfg.Ingestor,
		analytics: cfg.Analytics,
		metrics:   cfg.Metrics,
		router:    mux.NewRouter(),
	}
	a.routes()
	return a, nil
}

// Router returns the configured handler for the HTTP server.
func (a *API) Router() http.Handler {
	return a.router
}

func (a *API) routes() {
	a.router.Use(a.loggingMiddleware)

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.Use(jsonMiddleware)
	v1.HandleFunc("/telemetry/meters", a.handleIngestMeter).Methods(http.MethodPost)
	v1.HandleFunc("/telemetry/meters/batch", a.handleIngestMeterBatch).Methods(http.MethodPost)
	v1.HandleFunc("/telemetry/vehicles", a.handleIngestVehicle).Methods(http.MethodPost)
	v1.HandleFunc("/telemetry/vehicles/batch", a.handleIngestVehicleBatch).Methods(http.MethodPost)
	v1.HandleFunc("/meters/{id}/state", a.handleMeterState).Methods(http.MethodGet)
	v1.HandleFunc("/vehicles/{id}/state", a.handleVehicleState).Methods(http.MethodGet)
	v1.HandleFunc("/vehicles/{id}/performance", a.handleVehiclePerformance).Methods(http.MethodGet)

	a.router.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	a.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// loggingMiddleware logs each request and records the HTTP metrics.
func (a *API) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		duration := time.Since(start)
		path := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tmpl, err := route.GetPathTemplate(); err == nil {
				path = tmpl
			}
		}

		if a.metrics != nil {
			a.metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(recorder.status)).Inc()
			a.metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration.Seconds())
		}

		a.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration", duration,
		)
	})
}

// jsonMiddleware stamps the JSON content type on every API response.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data}); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *API) respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message}); err != nil {
		a.logger.Error("failed to encode error response", "error", err)
	}
}

func (a *API) handleIngestMeter(w http.ResponseWriter, r *http.Request) {
	var reading MeterReading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	if err := reading.Validate(); err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.ingestor.IngestMeter(r.Context(), reading)
	if err != nil {
		a.logger.Error("meter ingest failed", "meter_id", reading.MeterID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}
	a.respondJSON(w, http.StatusCreated, result)
}

func (a *API) handleIngestVehicle(w http.ResponseWriter, r *http.Request) {
	var reading VehicleReading
	if err := json.NewDecoder(r.Body).Decode(&reading); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	if err := reading.Validate(); err != nil {
		a.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := a.ingestor.IngestVehicle(r.Context(), reading)
	if err != nil {
		a.logger.Error("vehicle ingest failed", "vehicle_id", reading.VehicleID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to store reading")
		return
	}
	a.respondJSON(w, http.StatusCreated, result)
}

// handleIngestMeterBatch accepts a JSON array of meter readings. Items
// that fail validation are counted as failed without blocking the rest of
// the batch; the remainder fan out through the Ingestor.
func (a *API) handleIngestMeterBatch(w http.ResponseWriter, r *http.Request) {
	var readings []MeterReading
	if err := json.NewDecoder(r.Body).Decode(&readings); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	if len(readings) == 0 {
		a.respondError(w, http.StatusBadRequest, "batch cannot be empty")
		return
	}

	valid := make([]MeterReading, 0, len(readings))
	invalid := 0
	for _, reading := range readings {
		if err := reading.Validate(); err != nil {
			invalid++
			a.logger.Warn("rejecting meter reading in batch",
				"meter_id", reading.MeterID,
				"error", err,
			)
			continue
		}
		valid = append(valid, reading)
	}

	result := a.ingestor.IngestMeterBatch(r.Context(), valid)
	result.Total += invalid
	result.Failed += invalid
	a.respondJSON(w, http.StatusAccepted, result)
}

func (a *API) handleIngestVehicleBatch(w http.ResponseWriter, r *http.Request) {
	var readings []VehicleReading
	if err := json.NewDecoder(r.Body).Decode(&readings); err != nil {
		a.respondError(w, http.StatusBadRequest, "invalid JSON payload: "+err.Error())
		return
	}
	if len(readings) == 0 {
		a.respondError(w, http.StatusBadRequest, "batch cannot be empty")
		return
	}

	valid := make([]VehicleReading, 0, len(readings))
	invalid := 0
	for _, reading := range readings {
		if err := reading.Validate(); err != nil {
			invalid++
			a.logger.Warn("rejecting vehicle reading in batch",
				"vehicle_id", reading.VehicleID,
				"error", err,
			)
			continue
		}
		valid = append(valid, reading)
	}

	result := a.ingestor.IngestVehicleBatch(r.Context(), valid)
	result.Total += invalid
	result.Failed += invalid
	a.respondJSON(w, http.StatusAccepted, result)
}

func (a *API) handleMeterState(w http.ResponseWriter, r *http.Request) {
	meterID := mux.Vars(r)["id"]

	state, err := a.analytics.GetMeterLiveState(r.Context(), meterID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "meter not found")
			return
		}
		a.logger.Error("meter state lookup failed", "meter_id", meterID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to read meter state")
		return
	}

	a.respondJSON(w, http.StatusOK, meterStateResponse{
		MeterID:       state.MeterID,
		KwhConsumedAc: state.KwhConsumedAc,
		Voltage:       state.Voltage,
		LastUpdatedAt: state.LastUpdatedAt,
	})
}

func (a *API) handleVehicleState(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["id"]

	state, err := a.analytics.GetVehicleLiveState(r.Context(), vehicleID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "vehicle not found")
			return
		}
		a.logger.Error("vehicle state lookup failed", "vehicle_id", vehicleID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to read vehicle state")
		return
	}

	a.respondJSON(w, http.StatusOK, vehicleStateResponse{
		VehicleID:      state.VehicleID,
		SOC:            state.SOC,
		KwhDeliveredDc: state.KwhDeliveredDc,
		BatteryTemp:    state.BatteryTemp,
		LastUpdatedAt:  state.LastUpdatedAt,
	})
}

// handleVehiclePerformance reports the trailing 24-hour window ending at
// the current wall-clock instant.
func (a *API) handleVehiclePerformance(w http.ResponseWriter, r *http.Request) {
	vehicleID := mux.Vars(r)["id"]

	perf, err := a.analytics.GetVehiclePerformance(r.Context(), vehicleID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			a.respondError(w, http.StatusNotFound, "vehicle not found")
			return
		}
		a.logger.Error("performance query failed", "vehicle_id", vehicleID, "error", err)
		a.respondError(w, http.StatusInternalServerError, "failed to compute performance")
		return
	}
	a.respondJSON(w, http.StatusOK, perf)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	a.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
