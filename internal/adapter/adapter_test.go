package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	typ, err := ParseType("rest")
	require.NoError(t, err)
	assert.Equal(t, TypeREST, typ)

	_, err = ParseType("soap")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	a, err := New(TypeMock, Options{})
	require.NoError(t, err)
	assert.Equal(t, "mock", a.Name())

	_, err = New(TypeREST, Options{})
	assert.Error(t, err, "rest adapter needs a base url")

	_, err = New(Type("fax"), Options{})
	assert.Error(t, err)
}

func TestMockAdapter_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMockAdapter()
	at := time.Date(2025, 11, 20, 14, 0, 0, 0, time.UTC)

	res, err := m.CreateAppointment(ctx, CreateRequest{PatientID: "p1", ScheduledAt: at})
	require.NoError(t, err)
	require.True(t, res.Success)
	assert.Equal(t, "MOCK-1", res.ExternalID)
	assert.Equal(t, "CONFIRMED", res.Appointment.Status)

	newTime := at.Add(time.Hour)
	res, err = m.UpdateAppointment(ctx, "MOCK-1", UpdateRequest{ScheduledAt: &newTime})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, newTime, res.Appointment.ScheduledAt)

	require.NoError(t, m.CancelAppointment(ctx, "MOCK-1", "patient request"))

	res, err = m.GetAppointment(ctx, "MOCK-1")
	require.NoError(t, err)
	assert.Equal(t, "CANCELLED", res.Appointment.Status)

	res, err = m.GetAppointment(ctx, "MOCK-404")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "not found")

	assert.True(t, m.HealthCheck(ctx))
}

func TestMockAdapter_RejectsMissingPatient(t *testing.T) {
	res, err := NewMockAdapter().CreateAppointment(context.Background(), CreateRequest{})
	require.NoError(t, err, "business rejection is not a transport error")
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)
}

func TestMockAdapter_CheckAvailability(t *testing.T) {
	ctx := context.Background()
	m := NewMockAdapter()
	day := time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC)

	_, err := m.CreateAppointment(ctx, CreateRequest{PatientID: "p1", ScheduledAt: day.Add(9 * time.Hour)})
	require.NoError(t, err)

	slots, err := m.CheckAvailability(ctx, AvailabilityFilter{StartDate: day, EndDate: day.AddDate(0, 0, 1)})
	require.NoError(t, err)
	assert.Len(t, slots, 32)

	assert.Equal(t, "2025-11-20", slots[0].Date)
	assert.Equal(t, "09:00", slots[0].Time)
	assert.False(t, slots[0].Available)
	assert.True(t, slots[1].Available)
	assert.Equal(t, "16:30", slots[15].Time)

	_, err = m.CheckAvailability(ctx, AvailabilityFilter{StartDate: day, EndDate: day.AddDate(0, 0, -1)})
	assert.Error(t, err)
}

func newRESTServer(t *testing.T, handler http.HandlerFunc) *RESTAdapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	a, err := NewRESTAdapter(Options{BaseURL: srv.URL, APIKey: "secret", Timeout: time.Second})
	require.NoError(t, err)
	return a
}

func TestRESTAdapter_CreateSuccess(t *testing.T) {
	a := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/appointments", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req CreateRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "p1", req.PatientID)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ExternalAppointment{ExternalID: "X-1", PatientID: "p1", Status: "CONFIRMED"})
	})

	res, err := a.CreateAppointment(context.Background(), CreateRequest{PatientID: "p1", ScheduledAt: time.Now()})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "X-1", res.ExternalID)
}

func TestRESTAdapter_ClientErrorIsBusinessRejection(t *testing.T) {
	a := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":"slot already taken"}`)
	})

	res, err := a.CreateAppointment(context.Background(), CreateRequest{PatientID: "p1"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "slot already taken", res.Error)
}

func TestRESTAdapter_ServerErrorIsTransportFailure(t *testing.T) {
	a := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = io.WriteString(w, "upstream down")
	})

	res, err := a.UpdateAppointment(context.Background(), "X-1", UpdateRequest{})
	assert.Nil(t, res)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnexpectedStatus))
	assert.Contains(t, err.Error(), "upstream down")
}

func TestRESTAdapter_TooManyRequestsIsRetryable(t *testing.T) {
	a := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := a.GetAppointment(context.Background(), "X-1")
	assert.ErrorIs(t, err, ErrUnexpectedStatus)
}

func TestRESTAdapter_Cancel(t *testing.T) {
	var gotReason string
	a := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/appointments/X-1/cancel", r.URL.Path)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		gotReason = body["reason"]
		if gotReason == "fail" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, a.CancelAppointment(context.Background(), "X-1", "sick"))
	assert.Equal(t, "sick", gotReason)

	assert.Error(t, a.CancelAppointment(context.Background(), "X-1", "fail"))
}

func TestRESTAdapter_Availability(t *testing.T) {
	a := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2025-11-20", r.URL.Query().Get("startDate"))
		assert.Equal(t, "doc-7", r.URL.Query().Get("professionalId"))
		_ = json.NewEncoder(w).Encode([]Slot{{Date: "2025-11-20", Time: "10:00", Available: true}})
	})

	slots, err := a.CheckAvailability(context.Background(), AvailabilityFilter{
		StartDate:      time.Date(2025, 11, 20, 0, 0, 0, 0, time.UTC),
		ProfessionalID: "doc-7",
	})
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.Equal(t, "10:00", slots[0].Time)
}

func TestRESTAdapter_HealthCheck(t *testing.T) {
	healthy := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	assert.True(t, healthy.HealthCheck(context.Background()))

	unhealthy := newRESTServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	assert.False(t, unhealthy.HealthCheck(context.Background()))
}

func TestRESTAdapter_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	a, err := NewRESTAdapter(Options{BaseURL: url, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)

	_, err = a.CreateAppointment(context.Background(), CreateRequest{PatientID: "p1"})
	assert.Error(t, err)
	assert.False(t, a.HealthCheck(context.Background()))
}
