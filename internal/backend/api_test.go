package backend_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gorm.io/gorm"

	"voltstream.dev/telemetry/internal/backend"
)

// envelope mirrors the JSON wrapper every endpoint answers with.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

var _ = Describe("API", func() {
	var (
		api   *backend.API
		store *backend.Store
		db    *gorm.DB
		ctx   context.Context
	)

	BeforeEach(func() {
		store, db = newTestStore()
		ctx = context.Background()
		logger := newTestLogger()

		ingestor, err := backend.NewIngestor(&backend.IngestorConfig{
			Logger: logger,
			Store:  store,
		})
		Expect(err).NotTo(HaveOccurred())

		analytics, err := backend.NewAnalytics(&backend.AnalyticsConfig{
			Logger: logger,
			Store:  store,
		})
		Expect(err).NotTo(HaveOccurred())

		api, err = backend.NewAPI(&backend.APIConfig{
			Logger:    logger,
			Ingestor:  ingestor,
			Analytics: analytics,
		})
		Expect(err).NotTo(HaveOccurred())
	})

	do := func(method, path string, body any) *httptest.ResponseRecorder {
		var reader *bytes.Reader
		if raw, ok := body.([]byte); ok {
			reader = bytes.NewReader(raw)
		} else if body != nil {
			payload, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(payload)
		} else {
			reader = bytes.NewReader(nil)
		}

		req := httptest.NewRequest(method, path, reader)
		rec := httptest.NewRecorder()
		api.Router().ServeHTTP(rec, req)
		return rec
	}

	decode := func(rec *httptest.ResponseRecorder) envelope {
		var env envelope
		Expect(json.Unmarshal(rec.Body.Bytes(), &env)).To(Succeed())
		return env
	}

	decodeData := func(rec *httptest.ResponseRecorder) map[string]any {
		env := decode(rec)
		Expect(env.Success).To(BeTrue())
		var data map[string]any
		Expect(json.Unmarshal(env.Data, &data)).To(Succeed())
		return data
	}

	meterPayload := func(id string) backend.MeterReading {
		return backend.MeterReading{
			MeterID:       id,
			KwhConsumedAc: 4.2,
			Voltage:       401.5,
			Timestamp:     testTime(),
		}
	}

	vehiclePayload := func(id string) backend.VehicleReading {
		return backend.VehicleReading{
			VehicleID:      id,
			SOC:            61.5,
			KwhDeliveredDc: 3.8,
			BatteryTemp:    27.0,
			Timestamp:      testTime(),
		}
	}

	Describe("NewAPI", func() {
		It("should return error when config is nil", func() {
			a, err := backend.NewAPI(nil)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("config cannot be nil"))
			Expect(a).To(BeNil())
		})

		It("should return error when logger is nil", func() {
			a, err := backend.NewAPI(&backend.APIConfig{})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("logger cannot be nil"))
			Expect(a).To(BeNil())
		})

		It("should return error when ingestor is nil", func() {
			a, err := backend.NewAPI(&backend.APIConfig{Logger: newTestLogger()})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("ingestor cannot be nil"))
			Expect(a).To(BeNil())
		})

		It("should return error when analytics is nil", func() {
			ingestor, err := backend.NewIngestor(&backend.IngestorConfig{
				Logger: newTestLogger(),
				Store:  store,
			})
			Expect(err).NotTo(HaveOccurred())

			a, err := backend.NewAPI(&backend.APIConfig{
				Logger:   newTestLogger(),
				Ingestor: ingestor,
			})
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring("analytics cannot be nil"))
			Expect(a).To(BeNil())
		})
	})

	Describe("POST /api/v1/telemetry/meters", func() {
		It("should accept a valid reading and answer 201", func() {
			rec := do(http.MethodPost, "/api/v1/telemetry/meters", meterPayload("MTR-0001"))
			Expect(rec.Code).To(Equal(http.StatusCreated))
			Expect(rec.Header().Get("Content-Type")).To(Equal("application/json"))

			data := decodeData(rec)
			Expect(data["meterId"]).To(Equal("MTR-0001"))

			state, err := store.ReadMeterLiveState(ctx, "MTR-0001")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.KwhConsumedAc).To(Equal(4.2))
		})

		It("should reject malformed JSON with 400", func() {
			rec := do(http.MethodPost, "/api/v1/telemetry/meters", []byte("{not json"))
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			env := decode(rec)
			Expect(env.Success).To(BeFalse())
			Expect(env.Error).To(ContainSubstring("invalid JSON payload"))
		})

		It("should reject an invalid reading with 400", func() {
			payload := meterPayload("MTR-0001")
			payload.KwhConsumedAc = -1

			rec := do(http.MethodPost, "/api/v1/telemetry/meters", payload)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			env := decode(rec)
			Expect(env.Success).To(BeFalse())
			Expect(env.Error).To(ContainSubstring("kwhConsumedAc"))
		})

		It("should answer 500 when storage is unavailable", func() {
			Expect(db.Exec("DROP TABLE meter_telemetry_history").Error).To(Succeed())

			rec := do(http.MethodPost, "/api/v1/telemetry/meters", meterPayload("MTR-0001"))
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))

			env := decode(rec)
			Expect(env.Success).To(BeFalse())
			Expect(env.Error).To(Equal("failed to store reading"))
		})
	})

	Describe("POST /api/v1/telemetry/vehicles", func() {
		It("should accept a valid reading and answer 201", func() {
			rec := do(http.MethodPost, "/api/v1/telemetry/vehicles", vehiclePayload("EV-0042"))
			Expect(rec.Code).To(Equal(http.StatusCreated))

			data := decodeData(rec)
			Expect(data["vehicleId"]).To(Equal("EV-0042"))
		})

		It("should reject an out-of-range state of charge with 400", func() {
			payload := vehiclePayload("EV-0042")
			payload.SOC = 130

			rec := do(http.MethodPost, "/api/v1/telemetry/vehicles", payload)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			env := decode(rec)
			Expect(env.Error).To(ContainSubstring("soc"))
		})
	})

	Describe("POST /api/v1/telemetry/meters/batch", func() {
		It("should accept a batch and answer 202 with counts", func() {
			batch := []backend.MeterReading{
				meterPayload("MTR-0001"),
				meterPayload("MTR-0002"),
				meterPayload("MTR-0003"),
			}

			rec := do(http.MethodPost, "/api/v1/telemetry/meters/batch", batch)
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			data := decodeData(rec)
			Expect(data["total"]).To(BeEquivalentTo(3))
			Expect(data["successful"]).To(BeEquivalentTo(3))
			Expect(data["failed"]).To(BeEquivalentTo(0))
		})

		It("should count invalid items as failed without blocking the rest", func() {
			bad := meterPayload("")
			batch := []backend.MeterReading{
				meterPayload("MTR-0001"),
				bad,
				meterPayload("MTR-0002"),
			}

			rec := do(http.MethodPost, "/api/v1/telemetry/meters/batch", batch)
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			data := decodeData(rec)
			Expect(data["total"]).To(BeEquivalentTo(3))
			Expect(data["successful"]).To(BeEquivalentTo(2))
			Expect(data["failed"]).To(BeEquivalentTo(1))

			_, err := store.ReadMeterLiveState(ctx, "MTR-0002")
			Expect(err).NotTo(HaveOccurred())
		})

		It("should reject an empty batch with 400", func() {
			rec := do(http.MethodPost, "/api/v1/telemetry/meters/batch", []backend.MeterReading{})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))

			env := decode(rec)
			Expect(env.Error).To(Equal("batch cannot be empty"))
		})

		It("should report storage failures in counts, not the status code", func() {
			Expect(db.Exec("DROP TABLE meter_telemetry_history").Error).To(Succeed())

			batch := []backend.MeterReading{
				meterPayload("MTR-0001"),
				meterPayload("MTR-0002"),
			}

			rec := do(http.MethodPost, "/api/v1/telemetry/meters/batch", batch)
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			data := decodeData(rec)
			Expect(data["total"]).To(BeEquivalentTo(2))
			Expect(data["successful"]).To(BeEquivalentTo(0))
			Expect(data["failed"]).To(BeEquivalentTo(2))
		})
	})

	Describe("POST /api/v1/telemetry/vehicles/batch", func() {
		It("should accept a batch and answer 202 with counts", func() {
			batch := []backend.VehicleReading{
				vehiclePayload("EV-0001"),
				vehiclePayload("EV-0002"),
			}

			rec := do(http.MethodPost, "/api/v1/telemetry/vehicles/batch", batch)
			Expect(rec.Code).To(Equal(http.StatusAccepted))

			data := decodeData(rec)
			Expect(data["total"]).To(BeEquivalentTo(2))
			Expect(data["successful"]).To(BeEquivalentTo(2))
		})

		It("should reject an empty batch with 400", func() {
			rec := do(http.MethodPost, "/api/v1/telemetry/vehicles/batch", []backend.VehicleReading{})
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /api/v1/meters/{id}/state", func() {
		It("should return the live state with 200", func() {
			Expect(store.WriteMeterReading(ctx, backend.MeterReading{
				MeterID: "MTR-0001", KwhConsumedAc: 7.5, Voltage: 399.1, Timestamp: testTime(),
			})).To(Succeed())

			rec := do(http.MethodGet, "/api/v1/meters/MTR-0001/state", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			data := decodeData(rec)
			Expect(data["meterId"]).To(Equal("MTR-0001"))
			Expect(data["kwhConsumedAc"]).To(Equal(7.5))
			Expect(data["voltage"]).To(Equal(399.1))
			Expect(data).To(HaveKey("lastUpdatedAt"))
		})

		It("should answer 404 for an unknown meter", func() {
			rec := do(http.MethodGet, "/api/v1/meters/MTR-MISSING/state", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))

			env := decode(rec)
			Expect(env.Success).To(BeFalse())
			Expect(env.Error).To(Equal("meter not found"))
		})
	})

	Describe("GET /api/v1/vehicles/{id}/state", func() {
		It("should return the live state with 200", func() {
			Expect(store.WriteVehicleReading(ctx, backend.VehicleReading{
				VehicleID: "EV-0042", SOC: 82.5, KwhDeliveredDc: 11.2, BatteryTemp: 29.5, Timestamp: testTime(),
			})).To(Succeed())

			rec := do(http.MethodGet, "/api/v1/vehicles/EV-0042/state", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			data := decodeData(rec)
			Expect(data["vehicleId"]).To(Equal("EV-0042"))
			Expect(data["soc"]).To(Equal(82.5))
			Expect(data["kwhDeliveredDc"]).To(Equal(11.2))
			Expect(data["batteryTemp"]).To(Equal(29.5))
			Expect(data).To(HaveKey("lastUpdatedAt"))
		})

		It("should answer 404 for an unknown vehicle", func() {
			rec := do(http.MethodGet, "/api/v1/vehicles/EV-MISSING/state", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))

			env := decode(rec)
			Expect(env.Error).To(Equal("vehicle not found"))
		})
	})

	Describe("GET /api/v1/vehicles/{id}/performance", func() {
		It("should report the trailing window with 200", func() {
			// The handler anchors the window at the wall clock
			recent := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)

			Expect(store.WriteVehicleReading(ctx, backend.VehicleReading{
				VehicleID: "EV-0042", SOC: 70, KwhDeliveredDc: 21.5, BatteryTemp: 26, Timestamp: recent,
			})).To(Succeed())
			Expect(store.WriteMeterReading(ctx, backend.MeterReading{
				MeterID: "EV-0042", KwhConsumedAc: 25.5, Voltage: 400, Timestamp: recent,
			})).To(Succeed())

			rec := do(http.MethodGet, "/api/v1/vehicles/EV-0042/performance", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			data := decodeData(rec)
			Expect(data["vehicleId"]).To(Equal("EV-0042"))
			Expect(data["energyDeliveredDc"]).To(Equal(21.5))
			Expect(data["energyConsumedAc"]).To(Equal(25.5))
			Expect(data["efficiencyRatio"]).To(Equal(84.31))
			Expect(data["averageBatteryTemp"]).To(Equal(26.0))
			Expect(data).To(HaveKey("period"))

			points, ok := data["dataPoints"].(map[string]any)
			Expect(ok).To(BeTrue())
			Expect(points["vehicle"]).To(BeEquivalentTo(1))
			Expect(points["meter"]).To(BeEquivalentTo(1))
		})

		It("should answer 404 for an unknown vehicle", func() {
			rec := do(http.MethodGet, "/api/v1/vehicles/EV-MISSING/performance", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))

			env := decode(rec)
			Expect(env.Error).To(Equal("vehicle not found"))
		})

		It("should answer 500 when the aggregation fails", func() {
			recent := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
			Expect(store.WriteVehicleReading(ctx, backend.VehicleReading{
				VehicleID: "EV-0042", SOC: 70, KwhDeliveredDc: 1, BatteryTemp: 26, Timestamp: recent,
			})).To(Succeed())
			Expect(db.Exec("DROP TABLE vehicle_telemetry_history").Error).To(Succeed())

			rec := do(http.MethodGet, "/api/v1/vehicles/EV-0042/performance", nil)
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))

			env := decode(rec)
			Expect(env.Error).To(Equal("failed to compute performance"))
		})
	})

	Describe("GET /health", func() {
		It("should answer 200 with status ok", func() {
			rec := do(http.MethodGet, "/health", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))

			data := decodeData(rec)
			Expect(data["status"]).To(Equal("ok"))
		})
	})

	Describe("GET /metrics", func() {
		It("should expose the Prometheus registry", func() {
			rec := do(http.MethodGet, "/metrics", nil)
			Expect(rec.Code).To(Equal(http.StatusOK))
			Expect(rec.Body.Len()).NotTo(BeZero())
		})
	})

	Describe("routing", func() {
		It("should reject unknown paths with 404", func() {
			rec := do(http.MethodGet, "/api/v1/unknown", nil)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})

		It("should reject a GET on an ingest route", func() {
			rec := do(http.MethodGet, "/api/v1/telemetry/meters", nil)
			Expect(rec.Code).To(Equal(http.StatusMethodNotAllowed))
		})

		It("should keep ingested ids addressable in URLs", func() {
			for n := 0; n < 3; n++ {
				id := fmt.Sprintf("MTR-%04d", n)
				rec := do(http.MethodPost, "/api/v1/telemetry/meters", meterPayload(id))
				Expect(rec.Code).To(Equal(http.StatusCreated))

				rec = do(http.MethodGet, "/api/v1/meters/"+id+"/state", nil)
				Expect(rec.Code).To(Equal(http.StatusOK))
			}
		})
	})
})
