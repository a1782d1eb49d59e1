package handlers

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bbeesley/temperature-logger/internal/alert"
	"github.com/bbeesley/temperature-logger/internal/models"
	"github.com/bbeesley/temperature-logger/internal/store"
)

// MeasurementHandler serves the ingestion and query endpoints. One
// instance is built at startup and shared by every request; it holds no
// per-request state.
type MeasurementHandler struct {
	store         store.Store
	alerts        *alert.Evaluator
	logger        *zap.Logger
	defaultLogger string // device assumed when a request names none

	now func() time.Time
}

func NewMeasurementHandler(s store.Store, alerts *alert.Evaluator, logger *zap.Logger, defaultLogger string) *MeasurementHandler {
	return &MeasurementHandler{
		store:         s,
		alerts:        alerts,
		logger:        logger.Named("measurements"),
		defaultLogger: defaultLogger,
		now:           time.Now,
	}
}

// RegisterRoutes wires the full HTTP surface. The api key check runs
// before any handler on every route, including unknown ones.
func RegisterRoutes(router *gin.Engine, h *MeasurementHandler, apiKey string, logger *zap.Logger) {
	router.HandleMethodNotAllowed = true
	router.Use(SoftRecovery(logger))
	router.Use(APIKeyAuth(apiKey))

	router.POST("/measurements", h.Ingest)
	router.GET("/measurements", h.History)
	router.GET("/measurements/:loggerId", h.DeviceHistory)
	router.GET("/battery", h.LatestBattery)
	router.GET("/battery/:loggerId", h.LatestBattery)
	router.GET("/temperature", h.LatestTemperature)
	router.GET("/temperature/:loggerId", h.LatestTemperature)

	router.NoRoute(func(c *gin.Context) {
		softFail(c, fmt.Sprintf("unsupported route %s", c.Request.URL.Path))
	})
	router.NoMethod(func(c *gin.Context) {
		softFail(c, fmt.Sprintf("unsupported method %s", c.Request.Method))
	})
}

// APIKeyAuth rejects any request whose x-api-key header does not match
// the shared secret. Nothing downstream runs on a mismatch.
func APIKeyAuth(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("x-api-key") != apiKey {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "missing api key"})
			return
		}
		c.Next()
	}
}

// SoftRecovery is the single catch-all boundary. Field loggers speak
// minimal HTTP and always parse the response body, so faults surface as
// a fixed 200 body instead of a 5xx.
func SoftRecovery(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("recovered from panic in request handler",
					zap.String("path", c.Request.URL.Path),
					zap.Any("panic", r),
				)
				c.AbortWithStatusJSON(http.StatusOK, gin.H{
					"status":  "failed",
					"message": fmt.Sprint(r),
				})
			}
		}()
		c.Next()
	}
}

// softFail reports a handling error inside a 200 response, keeping the
// body shape fixed for callers that cannot branch on status codes.
func softFail(c *gin.Context, message string) {
	c.JSON(http.StatusOK, gin.H{"status": "failed", "message": message})
}

// ingestRequest is the ingestion body. Every field is optional; loggerId
// is the current field name, logger the one the original firmware sends.
// A client-supplied timestamp is deliberately not modelled: the server
// assigns it.
type ingestRequest struct {
	LoggerID    *string  `json:"loggerId"`
	Logger      *string  `json:"logger"`
	Temperature *float64 `json:"temperature"`
	Humidity    *float64 `json:"humidity"`
	Pressure    *float64 `json:"pressure"`
	Charge      *float64 `json:"charge"`
}

// Ingest stores one measurement. POST /measurements
func (h *MeasurementHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// malformed bodies degrade to an empty record rather than a 4xx;
		// every field simply resolves to absent
		req = ingestRequest{}
	}

	m := models.Measurement{
		DeviceID:    h.resolveDevice(c, req),
		Timestamp:   h.now().UnixMilli(),
		Temperature: req.Temperature,
		Humidity:    req.Humidity,
		Pressure:    req.Pressure,
		Charge:      req.Charge,
	}

	if err := h.store.Put(c.Request.Context(), m); err != nil {
		h.logger.Error("unable to store measurement", zap.String("logger", m.DeviceID), zap.Error(err))
		softFail(c, err.Error())
		return
	}

	if m.Charge != nil {
		h.alerts.Evaluate(c.Request.Context(), m.DeviceID, *m.Charge)
	}

	c.JSON(http.StatusCreated, gin.H{"status": "ok"})
}

func (h *MeasurementHandler) resolveDevice(c *gin.Context, req ingestRequest) string {
	switch {
	case req.LoggerID != nil && *req.LoggerID != "":
		return *req.LoggerID
	case req.Logger != nil && *req.Logger != "":
		return *req.Logger
	case c.Param("loggerId") != "":
		return c.Param("loggerId")
	default:
		return h.defaultLogger
	}
}

// measurementResponse is a stored record plus the derived dateTime field
// added only in responses.
type measurementResponse struct {
	models.Measurement
	DateTime string `json:"dateTime"`
}

func annotate(records []models.Measurement) []measurementResponse {
	out := make([]measurementResponse, 0, len(records))
	for _, m := range records {
		out = append(out, measurementResponse{Measurement: m, DateTime: m.DateTime()})
	}
	return out
}

// History returns the whole table, or one page of it when the caller
// passes limit or endAt. GET /measurements
func (h *MeasurementHandler) History(c *gin.Context) {
	limitParam := c.Query("limit")
	endAt := c.Query("endAt")

	if limitParam == "" && endAt == "" {
		records, err := h.store.ScanAll(c.Request.Context())
		if err != nil {
			h.logger.Error("unable to scan measurements", zap.Error(err))
			softFail(c, err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": annotate(records)})
		return
	}

	limit := 100
	if limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed <= 0 {
			softFail(c, fmt.Sprintf("invalid limit %q", limitParam))
			return
		}
		limit = parsed
	}

	page, err := h.store.ScanPage(c.Request.Context(), limit, endAt)
	if err != nil {
		h.logger.Error("unable to scan measurement page", zap.Error(err))
		softFail(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": annotate(page.Items), "endAt": page.EndAt})
}

// DeviceHistory returns one device's full series in timestamp order.
// GET /measurements/:loggerId
func (h *MeasurementHandler) DeviceHistory(c *gin.Context) {
	deviceID := c.Param("loggerId")
	records, err := h.store.QueryByDevice(c.Request.Context(), deviceID, 0, false)
	if err != nil {
		h.logger.Error("unable to query measurements", zap.String("logger", deviceID), zap.Error(err))
		softFail(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": annotate(records)})
}

type latestTemperatureResponse struct {
	Temperature *float64 `json:"temperature,omitempty"`
	Humidity    *float64 `json:"humidity,omitempty"`
	Pressure    *float64 `json:"pressure,omitempty"`
	DateTime    string   `json:"dateTime"`
}

// LatestTemperature returns the newest sensor reading for one device.
// GET /temperature/:loggerId (and GET /temperature for the default one)
func (h *MeasurementHandler) LatestTemperature(c *gin.Context) {
	m, ok := h.latest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, latestTemperatureResponse{
		Temperature: m.Temperature,
		Humidity:    m.Humidity,
		Pressure:    m.Pressure,
		DateTime:    m.DateTime(),
	})
}

type latestBatteryResponse struct {
	Charge   *float64 `json:"charge,omitempty"`
	DateTime string   `json:"dateTime"`
}

// LatestBattery returns the newest charge reading for one device.
// GET /battery/:loggerId (and GET /battery for the default one)
func (h *MeasurementHandler) LatestBattery(c *gin.Context) {
	m, ok := h.latest(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, latestBatteryResponse{
		Charge:   m.Charge,
		DateTime: m.DateTime(),
	})
}

// latest runs the bounded reverse partition read shared by the two
// latest-value endpoints and writes the 404 for an empty partition.
func (h *MeasurementHandler) latest(c *gin.Context) (models.Measurement, bool) {
	deviceID := c.Param("loggerId")
	if deviceID == "" {
		deviceID = h.defaultLogger
	}
	records, err := h.store.QueryByDevice(c.Request.Context(), deviceID, 1, true)
	if err != nil {
		h.logger.Error("unable to query latest measurement", zap.String("logger", deviceID), zap.Error(err))
		softFail(c, err.Error())
		return models.Measurement{}, false
	}
	if len(records) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"message": "unknown device"})
		return models.Measurement{}, false
	}
	return records[0], true
}
