package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-sync/internal/adapter"
	"github.com/hackgods/appointment-sync/internal/breaker"
	redisclient "github.com/hackgods/appointment-sync/internal/redis"
	"github.com/hackgods/appointment-sync/internal/retry"
)

// memRepo is an in-memory Repository.
type memRepo struct {
	mu    sync.Mutex
	appts map[uuid.UUID]Appointment
	logs  []SyncLog
}

func newMemRepo() *memRepo {
	return &memRepo{appts: make(map[uuid.UUID]Appointment)}
}

func (r *memRepo) CreateAppointment(ctx context.Context, appt *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appts[appt.ID] = *appt
	return nil
}

func (r *memRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (r *memRepo) UpdateAppointment(ctx context.Context, appt *Appointment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.appts[appt.ID]; !ok {
		return ErrAppointmentNotFound
	}
	r.appts[appt.ID] = *appt
	return nil
}

func (r *memRepo) ListAppointmentsByPatient(ctx context.Context, patientID string) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Appointment{}
	for _, a := range r.appts {
		if a.PatientID == patientID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) ListAppointmentsForSync(ctx context.Context, limit int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Appointment{}
	for _, a := range r.appts {
		if a.ExternalID != nil && !a.Status.Terminal() && len(out) < limit {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *memRepo) InsertSyncLog(ctx context.Context, entry *SyncLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = int64(len(r.logs) + 1)
	r.logs = append(r.logs, *entry)
	return nil
}

func (r *memRepo) ListSyncLogs(ctx context.Context, appointmentID uuid.UUID) ([]SyncLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []SyncLog{}
	for _, l := range r.logs {
		if l.AppointmentID != nil && *l.AppointmentID == appointmentID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (r *memRepo) syncLogs() []SyncLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]SyncLog(nil), r.logs...)
}

func (r *memRepo) seed(appt Appointment) Appointment {
	if appt.ID == uuid.Nil {
		appt.ID = uuid.New()
	}
	if appt.Status == "" {
		appt.Status = StatusConfirmed
	}
	appt.AdapterType = "mock"
	r.appts[appt.ID] = appt
	return appt
}

type mockAdapter struct {
	mock.Mock
}

func (m *mockAdapter) Name() string { return "mock" }

func (m *mockAdapter) CreateAppointment(ctx context.Context, req adapter.CreateRequest) (*adapter.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*adapter.Result)
	return res, args.Error(1)
}

func (m *mockAdapter) UpdateAppointment(ctx context.Context, externalID string, req adapter.UpdateRequest) (*adapter.Result, error) {
	args := m.Called(ctx, externalID, req)
	res, _ := args.Get(0).(*adapter.Result)
	return res, args.Error(1)
}

func (m *mockAdapter) CancelAppointment(ctx context.Context, externalID, reason string) error {
	args := m.Called(ctx, externalID, reason)
	return args.Error(0)
}

func (m *mockAdapter) GetAppointment(ctx context.Context, externalID string) (*adapter.Result, error) {
	args := m.Called(ctx, externalID)
	res, _ := args.Get(0).(*adapter.Result)
	return res, args.Error(1)
}

func (m *mockAdapter) CheckAvailability(ctx context.Context, filter adapter.AvailabilityFilter) ([]adapter.Slot, error) {
	args := m.Called(ctx, filter)
	slots, _ := args.Get(0).([]adapter.Slot)
	return slots, args.Error(1)
}

func (m *mockAdapter) HealthCheck(ctx context.Context) bool {
	return m.Called(ctx).Bool(0)
}

type mockEmitter struct {
	mock.Mock
}

func (m *mockEmitter) AppointmentUpdated(ctx context.Context, appt *Appointment) error {
	return m.Called(ctx, appt).Error(0)
}

// passLocker always grants the lock.
type passLocker struct{}

func (passLocker) WithAppointmentLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type busyLocker struct{}

func (busyLocker) WithAppointmentLock(context.Context, uuid.UUID, func(ctx context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

type fixture struct {
	svc     *Service
	repo    *memRepo
	adapter *mockAdapter
	events  *mockEmitter
	breaker *breaker.Breaker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	repo := newMemRepo()
	adp := &mockAdapter{}
	events := &mockEmitter{}
	cb := breaker.New("test-adapter", breaker.DefaultConfig(), zerolog.Nop())
	retrier := retry.NewExecutor(retry.Options{
		MaxAttempts:     3,
		BaseDelay:       time.Millisecond,
		MaxDelay:        5 * time.Millisecond,
		ExponentialBase: 2,
	}, zerolog.Nop())

	t.Cleanup(func() {
		adp.AssertExpectations(t)
		events.AssertExpectations(t)
	})

	return &fixture{
		svc:     NewService(repo, adp, cb, retrier, passLocker{}, events, zerolog.Nop()),
		repo:    repo,
		adapter: adp,
		events:  events,
		breaker: cb,
	}
}

func strPtr(s string) *string { return &s }

var scheduledAt = time.Date(2025, 11, 20, 14, 0, 0, 0, time.UTC)

func TestCreateAppointment_Success(t *testing.T) {
	f := newFixture(t)
	f.adapter.On("CreateAppointment", mock.Anything, mock.MatchedBy(func(req adapter.CreateRequest) bool {
		return req.PatientID == "p1" && req.ScheduledAt.Equal(scheduledAt)
	})).Return(&adapter.Result{Success: true, ExternalID: "X-1"}, nil).Once()

	appt, err := f.svc.CreateAppointment(context.Background(), CreateInput{PatientID: "p1", ScheduledAt: scheduledAt})
	require.NoError(t, err)

	assert.Equal(t, StatusConfirmed, appt.Status)
	require.NotNil(t, appt.ExternalID)
	assert.Equal(t, "X-1", *appt.ExternalID)
	assert.Equal(t, "mock", appt.AdapterType)

	stored, err := f.repo.GetAppointmentByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, "X-1", *stored.ExternalID)

	logs := f.repo.syncLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, OperationCreate, logs[0].Operation)
	assert.True(t, logs[0].Success)
	assert.Nil(t, logs[0].Error)
	require.NotNil(t, logs[0].AppointmentID)
	assert.Equal(t, appt.ID, *logs[0].AppointmentID)
	assert.JSONEq(t, `{"patientId":"p1","scheduledAt":"2025-11-20T14:00:00Z"}`, string(logs[0].Request))
}

func TestCreateAppointment_BusinessRejection(t *testing.T) {
	f := newFixture(t)
	f.adapter.On("CreateAppointment", mock.Anything, mock.Anything).
		Return(&adapter.Result{Success: false, Error: "rejected"}, nil).Once()

	appt, err := f.svc.CreateAppointment(context.Background(), CreateInput{PatientID: "p1", ScheduledAt: scheduledAt})
	require.Error(t, err)
	assert.Nil(t, appt)
	assert.ErrorIs(t, err, ErrBusinessRejection)
	assert.Contains(t, err.Error(), "rejected")

	assert.Empty(t, f.repo.appts)

	logs := f.repo.syncLogs()
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Nil(t, logs[0].AppointmentID)
	require.NotNil(t, logs[0].Error)
	assert.Contains(t, *logs[0].Error, "rejected")

	assert.Equal(t, uint32(0), f.breaker.Stats().Failures, "business rejection does not count against the breaker")
}

func TestCreateAppointment_MissingExternalIDIsRejection(t *testing.T) {
	f := newFixture(t)
	f.adapter.On("CreateAppointment", mock.Anything, mock.Anything).
		Return(&adapter.Result{Success: true}, nil).Once()

	_, err := f.svc.CreateAppointment(context.Background(), CreateInput{PatientID: "p1", ScheduledAt: scheduledAt})
	assert.ErrorIs(t, err, ErrBusinessRejection)
	assert.Len(t, f.repo.syncLogs(), 1)
}

func TestCreateAppointment_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateAppointment(context.Background(), CreateInput{PatientID: "  ", ScheduledAt: scheduledAt})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.svc.CreateAppointment(context.Background(), CreateInput{PatientID: "p1"})
	assert.ErrorIs(t, err, ErrValidation)

	assert.Empty(t, f.repo.syncLogs())
}

func TestCreateAppointment_TransientFailureRetried(t *testing.T) {
	f := newFixture(t)
	f.adapter.On("CreateAppointment", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset")).Twice()
	f.adapter.On("CreateAppointment", mock.Anything, mock.Anything).
		Return(&adapter.Result{Success: true, ExternalID: "X-2"}, nil).Once()

	appt, err := f.svc.CreateAppointment(context.Background(), CreateInput{PatientID: "p1", ScheduledAt: scheduledAt})
	require.NoError(t, err)
	assert.Equal(t, "X-2", *appt.ExternalID)

	logs := f.repo.syncLogs()
	require.Len(t, logs, 1, "one row per operation regardless of retries")
	assert.True(t, logs[0].Success)
	assert.Equal(t, uint32(0), f.breaker.Stats().Failures)
}

func TestUpdateAppointment_PartialUpdate(t *testing.T) {
	f := newFixture(t)
	existing := f.repo.seed(Appointment{
		ExternalID:     strPtr("X-1"),
		PatientID:      "p1",
		ProfessionalID: strPtr("doc-1"),
		ScheduledAt:    scheduledAt,
		Notes:          strPtr("first visit"),
	})

	newTime := scheduledAt.Add(2 * time.Hour)
	f.adapter.On("UpdateAppointment", mock.Anything, "X-1", mock.MatchedBy(func(req adapter.UpdateRequest) bool {
		return req.ScheduledAt != nil && req.ScheduledAt.Equal(newTime) && req.Notes == nil && req.ProfessionalID == nil
	})).Return(&adapter.Result{Success: true, ExternalID: "X-1"}, nil).Once()
	f.events.On("AppointmentUpdated", mock.Anything, mock.MatchedBy(func(a *Appointment) bool {
		return a.ID == existing.ID
	})).Return(nil).Once()

	appt, err := f.svc.UpdateAppointment(context.Background(), existing.ID, UpdateInput{ScheduledAt: &newTime})
	require.NoError(t, err)

	assert.True(t, appt.ScheduledAt.Equal(newTime))
	assert.Equal(t, "doc-1", *appt.ProfessionalID, "absent fields untouched")
	assert.Equal(t, "first visit", *appt.Notes)

	logs := f.repo.syncLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, OperationUpdate, logs[0].Operation)
	assert.True(t, logs[0].Success)
}

func TestUpdateAppointment_EmitFailureDoesNotFailUpdate(t *testing.T) {
	f := newFixture(t)
	existing := f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt})

	status := StatusInProgress
	f.adapter.On("UpdateAppointment", mock.Anything, "X-1", mock.Anything).
		Return(&adapter.Result{Success: true}, nil).Once()
	f.events.On("AppointmentUpdated", mock.Anything, mock.Anything).Return(errors.New("broker down")).Once()

	appt, err := f.svc.UpdateAppointment(context.Background(), existing.ID, UpdateInput{Status: &status})
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, appt.Status)
}

func TestUpdateAppointment_Rejected(t *testing.T) {
	f := newFixture(t)
	existing := f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt})

	f.adapter.On("UpdateAppointment", mock.Anything, "X-1", mock.Anything).
		Return(&adapter.Result{Success: false, Error: "slot unavailable"}, nil).Once()

	newTime := scheduledAt.Add(time.Hour)
	_, err := f.svc.UpdateAppointment(context.Background(), existing.ID, UpdateInput{ScheduledAt: &newTime})
	assert.ErrorIs(t, err, ErrBusinessRejection)

	stored, _ := f.repo.GetAppointmentByID(context.Background(), existing.ID)
	assert.True(t, stored.ScheduledAt.Equal(scheduledAt), "local state unchanged on rejection")

	logs := f.repo.syncLogs()
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
}

func TestUpdateAndCancel_RequireExternalID(t *testing.T) {
	f := newFixture(t)
	existing := f.repo.seed(Appointment{PatientID: "p1", ScheduledAt: scheduledAt, Status: StatusPending})

	notes := "x"
	_, err := f.svc.UpdateAppointment(context.Background(), existing.ID, UpdateInput{Notes: &notes})
	assert.ErrorIs(t, err, ErrMissingExternalID)

	_, err = f.svc.CancelAppointment(context.Background(), existing.ID, "sick")
	assert.ErrorIs(t, err, ErrMissingExternalID)

	f.adapter.AssertNotCalled(t, "UpdateAppointment", mock.Anything, mock.Anything, mock.Anything)
	f.adapter.AssertNotCalled(t, "CancelAppointment", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateAndCancel_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.UpdateAppointment(context.Background(), uuid.New(), UpdateInput{})
	assert.ErrorIs(t, err, ErrAppointmentNotFound)

	_, err = f.svc.CancelAppointment(context.Background(), uuid.New(), "")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestUpdateAppointment_InvalidStatus(t *testing.T) {
	f := newFixture(t)
	status := AppointmentStatus("LOST")

	_, err := f.svc.UpdateAppointment(context.Background(), uuid.New(), UpdateInput{Status: &status})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCancelAppointment_AppendsReason(t *testing.T) {
	f := newFixture(t)
	existing := f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt, Notes: strPtr("bring exams")})

	f.adapter.On("CancelAppointment", mock.Anything, "X-1", "patient sick").Return(nil).Once()

	appt, err := f.svc.CancelAppointment(context.Background(), existing.ID, "patient sick")
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, appt.Status)
	assert.Equal(t, "bring exams\nCancellation reason: patient sick", *appt.Notes)

	logs := f.repo.syncLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, OperationCancel, logs[0].Operation)
	assert.True(t, logs[0].Success)

	f.events.AssertNotCalled(t, "AppointmentUpdated", mock.Anything, mock.Anything)
}

func TestCancelAppointment_NoPriorNotes(t *testing.T) {
	f := newFixture(t)
	existing := f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt})

	f.adapter.On("CancelAppointment", mock.Anything, "X-1", "").Return(nil).Once()

	appt, err := f.svc.CancelAppointment(context.Background(), existing.ID, "")
	require.NoError(t, err)
	assert.Nil(t, appt.Notes)
}

func TestCancelAppointment_AlreadyCancelledIsNoop(t *testing.T) {
	f := newFixture(t)
	existing := f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt, Notes: strPtr("bring exams")})

	f.adapter.On("CancelAppointment", mock.Anything, "X-1", "patient sick").Return(nil).Once()

	_, err := f.svc.CancelAppointment(context.Background(), existing.ID, "patient sick")
	require.NoError(t, err)

	appt, err := f.svc.CancelAppointment(context.Background(), existing.ID, "patient sick")
	require.NoError(t, err)

	assert.Equal(t, StatusCancelled, appt.Status)
	assert.Equal(t, "bring exams\nCancellation reason: patient sick", *appt.Notes)
	f.adapter.AssertNumberOfCalls(t, "CancelAppointment", 1)

	logs := f.repo.syncLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, OperationCancel, logs[0].Operation)
}

func TestCancelAppointment_RejectsFinishedAppointment(t *testing.T) {
	for _, status := range []AppointmentStatus{StatusCompleted, StatusNoShow} {
		t.Run(string(status), func(t *testing.T) {
			f := newFixture(t)
			existing := f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt, Status: status})

			_, err := f.svc.CancelAppointment(context.Background(), existing.ID, "r")
			assert.ErrorIs(t, err, ErrValidation)

			stored, err := f.svc.GetAppointment(context.Background(), existing.ID)
			require.NoError(t, err)
			assert.Equal(t, status, stored.Status)
			f.adapter.AssertNotCalled(t, "CancelAppointment", mock.Anything, mock.Anything, mock.Anything)
			assert.Empty(t, f.repo.syncLogs())
		})
	}
}

func TestCancelAppointment_ExhaustedCountsOneBreakerFailure(t *testing.T) {
	f := newFixture(t)
	existing := f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt})

	f.adapter.On("CancelAppointment", mock.Anything, "X-1", "r").Return(errors.New("timeout")).Times(3)

	_, err := f.svc.CancelAppointment(context.Background(), existing.ID, "r")
	require.Error(t, err)

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)

	stats := f.breaker.Stats()
	assert.Equal(t, uint32(1), stats.Failures)
	assert.Equal(t, breaker.StateClosed, stats.State)

	stored, _ := f.repo.GetAppointmentByID(context.Background(), existing.ID)
	assert.Equal(t, StatusConfirmed, stored.Status)

	logs := f.repo.syncLogs()
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Equal(t, OperationCancel, logs[0].Operation)
}

func TestOperations_FailFastWhenCircuitOpen(t *testing.T) {
	f := newFixture(t)
	existing := f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt})

	for i := 0; i < 5; i++ {
		_ = f.breaker.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	}
	require.Equal(t, breaker.StateOpen, f.breaker.State())

	_, err := f.svc.CancelAppointment(context.Background(), existing.ID, "r")
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)

	_, err = f.svc.CheckAvailability(context.Background(), adapter.AvailabilityFilter{StartDate: scheduledAt, EndDate: scheduledAt})
	assert.ErrorIs(t, err, breaker.ErrCircuitOpen)

	logs := f.repo.syncLogs()
	require.Len(t, logs, 1)
	assert.Contains(t, *logs[0].Error, "circuit breaker is open")
}

func TestCheckAvailability_NotRetried(t *testing.T) {
	f := newFixture(t)
	filter := adapter.AvailabilityFilter{StartDate: scheduledAt, EndDate: scheduledAt.AddDate(0, 0, 1)}

	f.adapter.On("CheckAvailability", mock.Anything, filter).Return(nil, errors.New("timeout")).Once()

	_, err := f.svc.CheckAvailability(context.Background(), filter)
	require.Error(t, err)
	assert.False(t, retry.IsExhausted(err))
	assert.Equal(t, uint32(1), f.breaker.Stats().Failures)
	assert.Empty(t, f.repo.syncLogs(), "availability is not audited")
}

func TestCheckAvailability_Success(t *testing.T) {
	f := newFixture(t)
	filter := adapter.AvailabilityFilter{StartDate: scheduledAt, EndDate: scheduledAt, ProfessionalID: "doc-1"}

	f.adapter.On("CheckAvailability", mock.Anything, filter).
		Return([]adapter.Slot{{Date: "2025-11-20", Time: "14:00", Available: true}}, nil).Once()

	slots, err := f.svc.CheckAvailability(context.Background(), filter)
	require.NoError(t, err)
	assert.Len(t, slots, 1)

	_, err = f.svc.CheckAvailability(context.Background(), adapter.AvailabilityFilter{StartDate: scheduledAt, EndDate: scheduledAt.AddDate(0, 0, -1)})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestGetAppointmentsByPatient(t *testing.T) {
	f := newFixture(t)
	f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt})
	f.repo.seed(Appointment{ExternalID: strPtr("X-2"), PatientID: "p1", ScheduledAt: scheduledAt.Add(time.Hour)})
	f.repo.seed(Appointment{ExternalID: strPtr("X-3"), PatientID: "p2", ScheduledAt: scheduledAt})

	appts, err := f.svc.GetAppointmentsByPatient(context.Background(), "p1")
	require.NoError(t, err)
	assert.Len(t, appts, 2)

	appts, err = f.svc.GetAppointmentsByPatient(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Empty(t, appts)
}

func TestSyncAppointment_ReconcilesRemoteState(t *testing.T) {
	f := newFixture(t)
	existing := f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt})

	moved := scheduledAt.Add(24 * time.Hour)
	f.adapter.On("GetAppointment", mock.Anything, "X-1").Return(&adapter.Result{
		Success:    true,
		ExternalID: "X-1",
		Appointment: &adapter.ExternalAppointment{
			ExternalID:  "X-1",
			ScheduledAt: moved,
			Status:      "completed",
		},
	}, nil).Once()
	f.events.On("AppointmentUpdated", mock.Anything, mock.Anything).Return(nil).Once()

	appt, err := f.svc.SyncAppointment(context.Background(), existing.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, appt.Status)
	assert.True(t, appt.ScheduledAt.Equal(moved))

	logs := f.repo.syncLogs()
	require.Len(t, logs, 1)
	assert.Equal(t, OperationSync, logs[0].Operation)
	assert.True(t, logs[0].Success)
}

func TestSyncAppointment_UnchangedEmitsNothing(t *testing.T) {
	f := newFixture(t)
	existing := f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt})

	f.adapter.On("GetAppointment", mock.Anything, "X-1").Return(&adapter.Result{
		Success:     true,
		Appointment: &adapter.ExternalAppointment{ExternalID: "X-1", ScheduledAt: scheduledAt, Status: "CONFIRMED"},
	}, nil).Once()

	_, err := f.svc.SyncAppointment(context.Background(), existing.ID)
	require.NoError(t, err)
	f.events.AssertNotCalled(t, "AppointmentUpdated", mock.Anything, mock.Anything)
}

func TestSyncPending_StopsWhenCircuitOpens(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.repo.seed(Appointment{ExternalID: strPtr("X"), PatientID: "p1", ScheduledAt: scheduledAt})
	}
	for i := 0; i < 5; i++ {
		_ = f.breaker.Execute(context.Background(), func(context.Context) error { return errors.New("down") })
	}

	synced, failed, err := f.svc.SyncPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, synced)
	assert.Equal(t, 1, failed)
	f.adapter.AssertNotCalled(t, "GetAppointment", mock.Anything, mock.Anything)
}

func TestListSyncLogs(t *testing.T) {
	f := newFixture(t)
	existing := f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt})

	f.adapter.On("CancelAppointment", mock.Anything, "X-1", "").Return(nil).Once()
	_, err := f.svc.CancelAppointment(context.Background(), existing.ID, "")
	require.NoError(t, err)

	logs, err := f.svc.ListSyncLogs(context.Background(), existing.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, OperationCancel, logs[0].Operation)

	_, err = f.svc.ListSyncLogs(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestMutations_BusyWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	f.svc.locker = busyLocker{}
	existing := f.repo.seed(Appointment{ExternalID: strPtr("X-1"), PatientID: "p1", ScheduledAt: scheduledAt})

	_, err := f.svc.CancelAppointment(context.Background(), existing.ID, "r")
	assert.ErrorIs(t, err, ErrAppointmentBusy)
}
