package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const (
	mockDayStart     = 9
	mockDayEnd       = 17
	mockSlotDuration = 30 * time.Minute
	mockMaxDays      = 31
)

// MockAdapter is an in-memory scheduling system for local development.
// Every booking is confirmed immediately.
type MockAdapter struct {
	mu           sync.Mutex
	seq          int
	appointments map[string]*ExternalAppointment
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		appointments: make(map[string]*ExternalAppointment),
	}
}

func (m *MockAdapter) Name() string {
	return string(TypeMock)
}

func (m *MockAdapter) CreateAppointment(ctx context.Context, req CreateRequest) (*Result, error) {
	if req.PatientID == "" {
		return &Result{Success: false, Error: "patientId is required"}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	id := fmt.Sprintf("MOCK-%d", m.seq)

	appt := &ExternalAppointment{
		ExternalID:     id,
		PatientID:      req.PatientID,
		ProfessionalID: req.ProfessionalID,
		ScheduledAt:    req.ScheduledAt.UTC(),
		Status:         "CONFIRMED",
		Notes:          req.Notes,
		Metadata:       req.Metadata,
	}
	m.appointments[id] = appt

	return &Result{Success: true, ExternalID: id, Appointment: copyExternal(appt)}, nil
}

// UpdateAppointment upserts: the mock forgets everything on restart, so unknown ids are adopted.
func (m *MockAdapter) UpdateAppointment(ctx context.Context, externalID string, req UpdateRequest) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	appt, ok := m.appointments[externalID]
	if !ok {
		appt = &ExternalAppointment{ExternalID: externalID, Status: "CONFIRMED"}
		m.appointments[externalID] = appt
	}

	if req.ProfessionalID != nil {
		appt.ProfessionalID = *req.ProfessionalID
	}
	if req.ScheduledAt != nil {
		appt.ScheduledAt = req.ScheduledAt.UTC()
	}
	if req.Status != nil {
		appt.Status = *req.Status
	}
	if req.Notes != nil {
		appt.Notes = *req.Notes
	}
	if req.Metadata != nil {
		appt.Metadata = req.Metadata
	}

	return &Result{Success: true, ExternalID: externalID, Appointment: copyExternal(appt)}, nil
}

// CancelAppointment is a no-op for ids the mock never saw.
func (m *MockAdapter) CancelAppointment(ctx context.Context, externalID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if appt, ok := m.appointments[externalID]; ok {
		appt.Status = "CANCELLED"
	}
	return nil
}

func (m *MockAdapter) GetAppointment(ctx context.Context, externalID string) (*Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	appt, ok := m.appointments[externalID]
	if !ok {
		return &Result{Success: false, Error: fmt.Sprintf("appointment %s not found", externalID)}, nil
	}

	return &Result{Success: true, ExternalID: externalID, Appointment: copyExternal(appt)}, nil
}

// CheckAvailability returns half-hour slots between 09:00 and 17:00 UTC for each
// day in the range, marking the ones already booked.
func (m *MockAdapter) CheckAvailability(ctx context.Context, filter AvailabilityFilter) ([]Slot, error) {
	start := filter.StartDate.UTC().Truncate(24 * time.Hour)
	end := filter.EndDate.UTC().Truncate(24 * time.Hour)
	if filter.EndDate.IsZero() {
		end = start
	}
	if end.Before(start) {
		return nil, fmt.Errorf("invalid date range: end %s before start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	professional := filter.ProfessionalID
	if professional == "" {
		professional = "mock-professional"
	}

	m.mu.Lock()
	booked := make(map[time.Time]bool, len(m.appointments))
	for _, a := range m.appointments {
		if a.Status == "CANCELLED" {
			continue
		}
		if filter.ProfessionalID != "" && a.ProfessionalID != filter.ProfessionalID {
			continue
		}
		booked[a.ScheduledAt.UTC()] = true
	}
	m.mu.Unlock()

	var slots []Slot
	for day, n := start, 0; !day.After(end) && n < mockMaxDays; day, n = day.AddDate(0, 0, 1), n+1 {
		for at := day.Add(mockDayStart * time.Hour); at.Before(day.Add(mockDayEnd * time.Hour)); at = at.Add(mockSlotDuration) {
			slots = append(slots, Slot{
				Date:         at.Format(time.DateOnly),
				Time:         at.Format("15:04"),
				Available:    !booked[at],
				Professional: professional,
				Location:     "Mock Clinic",
			})
		}
	}

	return slots, nil
}

func (m *MockAdapter) HealthCheck(ctx context.Context) bool {
	return true
}

func copyExternal(a *ExternalAppointment) *ExternalAppointment {
	c := *a
	return &c
}
