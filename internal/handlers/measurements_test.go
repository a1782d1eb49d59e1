package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bbeesley/temperature-logger/internal/alert"
	"github.com/bbeesley/temperature-logger/internal/models"
	"github.com/bbeesley/temperature-logger/internal/store"
)

const (
	testAPIKey  = "secret-key"
	frozenMilli = int64(1700000000000) // 2023-11-14T22:13:20.000Z
)

// memoryStore is an in-memory Store that counts calls so tests can assert
// the access gate short-circuits before any store access.
type memoryStore struct {
	records []models.Measurement
	calls   int
	putErr  error
}

func (s *memoryStore) Put(_ context.Context, m models.Measurement) error {
	s.calls++
	if s.putErr != nil {
		return s.putErr
	}
	s.records = append(s.records, m)
	return nil
}

func (s *memoryStore) QueryByDevice(_ context.Context, deviceID string, limit int, descending bool) ([]models.Measurement, error) {
	s.calls++
	var matched []models.Measurement
	for _, m := range s.records {
		if m.DeviceID == deviceID {
			matched = append(matched, m)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if descending {
			return matched[i].Timestamp > matched[j].Timestamp
		}
		return matched[i].Timestamp < matched[j].Timestamp
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *memoryStore) ScanAll(_ context.Context) ([]models.Measurement, error) {
	s.calls++
	return append([]models.Measurement(nil), s.records...), nil
}

func (s *memoryStore) ScanPage(_ context.Context, limit int, endAt string) (store.Page, error) {
	s.calls++
	start := 0
	if endAt != "" {
		parsed, err := strconv.Atoi(endAt)
		if err != nil {
			return store.Page{}, errors.New("invalid continuation token")
		}
		start = parsed
	}
	end := start + limit
	if end > len(s.records) {
		end = len(s.records)
	}
	page := store.Page{Items: append([]models.Measurement(nil), s.records[start:end]...)}
	if end < len(s.records) {
		page.EndAt = strconv.Itoa(end)
	}
	return page, nil
}

type countingNotifier struct {
	sent []string
}

func (n *countingNotifier) SendMessage(_ context.Context, text string) error {
	n.sent = append(n.sent, text)
	return nil
}

func newTestServer(t *testing.T) (*gin.Engine, *MeasurementHandler, *memoryStore, *countingNotifier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := &memoryStore{}
	notifier := &countingNotifier{}
	handler := NewMeasurementHandler(st, alert.NewEvaluator(notifier, zap.NewNop()), zap.NewNop(), "logger01")
	handler.now = func() time.Time { return time.UnixMilli(frozenMilli) }

	router := gin.New()
	RegisterRoutes(router, handler, testAPIKey, zap.NewNop())
	return router, handler, st, notifier
}

func doRequest(router *gin.Engine, method, path, body, apiKey string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestAccessGateRejectsEveryPath(t *testing.T) {
	router, _, st, _ := newTestServer(t)

	paths := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/measurements"},
		{http.MethodGet, "/measurements"},
		{http.MethodGet, "/measurements/logger01"},
		{http.MethodGet, "/battery/logger01"},
		{http.MethodGet, "/temperature/logger01"},
		{http.MethodGet, "/no/such/route"},
	}
	for _, p := range paths {
		for _, key := range []string{"", "wrong-key"} {
			rec := doRequest(router, p.method, p.path, "", key)
			assert.Equalf(t, http.StatusForbidden, rec.Code, "%s %s key=%q", p.method, p.path, key)
			assert.JSONEq(t, `{"error":"missing api key"}`, rec.Body.String())
		}
	}
	assert.Zero(t, st.calls, "store must not be touched before the gate passes")
}

func TestIngestStoresRecordAndAlerts(t *testing.T) {
	router, _, st, notifier := newTestServer(t)

	rec := doRequest(router, http.MethodPost, "/measurements",
		`{"temperature":21.5,"humidity":40,"charge":20,"loggerId":"logger02"}`, testAPIKey)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	require.Len(t, st.records, 1)
	m := st.records[0]
	assert.Equal(t, "logger02", m.DeviceID)
	assert.Equal(t, frozenMilli, m.Timestamp)
	assert.Equal(t, 21.5, *m.Temperature)
	assert.Equal(t, 40.0, *m.Humidity)
	assert.Equal(t, 20.0, *m.Charge)
	assert.Nil(t, m.Pressure)

	require.Len(t, notifier.sent, 1)
	assert.Contains(t, notifier.sent[0], "logger02")
}

func TestIngestTimestampIsServerAuthoritative(t *testing.T) {
	router, _, st, _ := newTestServer(t)

	rec := doRequest(router, http.MethodPost, "/measurements",
		`{"temperature":19,"timestamp":12345}`, testAPIKey)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, st.records, 1)
	assert.Equal(t, frozenMilli, st.records[0].Timestamp)
}

func TestIngestLegacyLoggerField(t *testing.T) {
	router, _, st, _ := newTestServer(t)

	doRequest(router, http.MethodPost, "/measurements",
		`{"temperature":19,"logger":"compact-logger-01"}`, testAPIKey)

	require.Len(t, st.records, 1)
	assert.Equal(t, "compact-logger-01", st.records[0].DeviceID)
}

func TestIngestMalformedBodyDegradesToEmptyRecord(t *testing.T) {
	router, _, st, notifier := newTestServer(t)

	rec := doRequest(router, http.MethodPost, "/measurements", `{"temperature":`, testAPIKey)

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.Len(t, st.records, 1)
	m := st.records[0]
	assert.Equal(t, "logger01", m.DeviceID)
	assert.Equal(t, frozenMilli, m.Timestamp)
	assert.Nil(t, m.Temperature)
	assert.Nil(t, m.Charge)
	assert.Empty(t, notifier.sent)
}

func TestIngestHealthyChargeDoesNotAlert(t *testing.T) {
	router, _, _, notifier := newTestServer(t)

	doRequest(router, http.MethodPost, "/measurements", `{"charge":50}`, testAPIKey)

	assert.Empty(t, notifier.sent)
}

func TestIngestStoreFailureIsSoft(t *testing.T) {
	router, _, st, notifier := newTestServer(t)
	st.putErr = errors.New("table unavailable")

	rec := doRequest(router, http.MethodPost, "/measurements", `{"charge":20}`, testAPIKey)

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "failed", body["status"])
	assert.Equal(t, "table unavailable", body["message"])
	assert.Empty(t, notifier.sent, "no alert when the record was not stored")
}

func TestLatestTemperature(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	doRequest(router, http.MethodPost, "/measurements",
		`{"temperature":21.5,"humidity":40,"charge":20,"loggerId":"logger02"}`, testAPIKey)

	rec := doRequest(router, http.MethodGet, "/temperature/logger02", "", testAPIKey)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"temperature":21.5,"humidity":40,"dateTime":"2023-11-14T22:13:20.000Z"}`,
		rec.Body.String())
}

func TestLatestTemperatureReturnsNewestRecord(t *testing.T) {
	router, handler, _, _ := newTestServer(t)

	doRequest(router, http.MethodPost, "/measurements", `{"temperature":18,"loggerId":"logger02"}`, testAPIKey)
	handler.now = func() time.Time { return time.UnixMilli(frozenMilli + 60000) }
	doRequest(router, http.MethodPost, "/measurements", `{"temperature":19,"loggerId":"logger02"}`, testAPIKey)

	rec := doRequest(router, http.MethodGet, "/temperature/logger02", "", testAPIKey)
	body := decodeBody(t, rec)
	assert.Equal(t, 19.0, body["temperature"])
}

func TestLatestBattery(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	doRequest(router, http.MethodPost, "/measurements", `{"charge":87.5,"loggerId":"logger02"}`, testAPIKey)

	rec := doRequest(router, http.MethodGet, "/battery/logger02", "", testAPIKey)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"charge":87.5,"dateTime":"2023-11-14T22:13:20.000Z"}`,
		rec.Body.String())
}

func TestLatestUnknownDeviceIsNotFound(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	for _, path := range []string{"/battery/unknownDevice", "/temperature/unknownDevice"} {
		rec := doRequest(router, http.MethodGet, path, "", testAPIKey)
		assert.Equalf(t, http.StatusNotFound, rec.Code, "path %s", path)
		assert.JSONEq(t, `{"message":"unknown device"}`, rec.Body.String())
	}
}

func TestLatestWithoutDeviceAssumesDefault(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	// no loggerId in the body either, so the record lands on the default device
	doRequest(router, http.MethodPost, "/measurements", `{"charge":60}`, testAPIKey)

	rec := doRequest(router, http.MethodGet, "/battery", "", testAPIKey)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, 60.0, body["charge"])
}

func TestDeviceHistoryIsolation(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	doRequest(router, http.MethodPost, "/measurements", `{"temperature":18,"loggerId":"logger01"}`, testAPIKey)
	doRequest(router, http.MethodPost, "/measurements", `{"temperature":22,"loggerId":"logger02"}`, testAPIKey)

	rec := doRequest(router, http.MethodGet, "/measurements/logger02", "", testAPIKey)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Items, 1)
	assert.Equal(t, "logger02", body.Items[0]["deviceId"])
	assert.Equal(t, 22.0, body.Items[0]["temperature"])
	assert.Equal(t, "2023-11-14T22:13:20.000Z", body.Items[0]["dateTime"])
}

func TestHistoryAcrossDevices(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	doRequest(router, http.MethodPost, "/measurements", `{"temperature":18,"loggerId":"logger01"}`, testAPIKey)
	doRequest(router, http.MethodPost, "/measurements", `{"temperature":22,"loggerId":"logger02"}`, testAPIKey)

	rec := doRequest(router, http.MethodGet, "/measurements", "", testAPIKey)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Items []map[string]any `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Items, 2)
}

func TestHistoryPagination(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	for _, logger := range []string{"a", "b", "c"} {
		doRequest(router, http.MethodPost, "/measurements", `{"loggerId":"`+logger+`"}`, testAPIKey)
	}

	rec := doRequest(router, http.MethodGet, "/measurements?limit=2", "", testAPIKey)
	assert.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items []map[string]any `json:"items"`
		EndAt string           `json:"endAt"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Items, 2)
	require.NotEmpty(t, page.EndAt)

	// resume with the token passed back verbatim
	rec = doRequest(router, http.MethodGet, "/measurements?limit=2&endAt="+page.EndAt, "", testAPIKey)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	assert.Len(t, page.Items, 1)
	assert.Empty(t, page.EndAt)
}

func TestHistoryInvalidLimitIsSoft(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	rec := doRequest(router, http.MethodGet, "/measurements?limit=banana", "", testAPIKey)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", decodeBody(t, rec)["status"])
}

func TestUnknownRouteIsSoftWithValidKey(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	rec := doRequest(router, http.MethodGet, "/no/such/route", "", testAPIKey)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", decodeBody(t, rec)["status"])
}

func TestUnsupportedMethodIsSoft(t *testing.T) {
	router, _, _, _ := newTestServer(t)

	rec := doRequest(router, http.MethodDelete, "/measurements", "", testAPIKey)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", decodeBody(t, rec)["status"])
}
