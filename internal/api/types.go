package api

type CreateAppointmentRequest struct {
	PatientID      string         `json:"patientId"`
	ProfessionalID string         `json:"professionalId,omitempty"`
	ScheduledAt    string         `json:"scheduledAt"`
	Notes          string         `json:"notes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// UpdateAppointmentRequest is a partial update: omitted fields are left unchanged.
type UpdateAppointmentRequest struct {
	ProfessionalID *string        `json:"professionalId,omitempty"`
	ScheduledAt    *string        `json:"scheduledAt,omitempty"`
	Status         *string        `json:"status,omitempty"`
	Notes          *string        `json:"notes,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
