package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrUnexpectedStatus marks a transport-level HTTP failure (5xx or unreadable reply).
var ErrUnexpectedStatus = errors.New("unexpected status from scheduling system")

// RESTAdapter talks JSON over HTTP to an external scheduling API.
type RESTAdapter struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewRESTAdapter(opts Options) (*RESTAdapter, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("rest adapter: base url is required")
	}
	if _, err := url.Parse(opts.BaseURL); err != nil {
		return nil, fmt.Errorf("rest adapter: invalid base url: %w", err)
	}

	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &RESTAdapter{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		client:  client,
	}, nil
}

func (a *RESTAdapter) Name() string {
	return string(TypeREST)
}

func (a *RESTAdapter) CreateAppointment(ctx context.Context, req CreateRequest) (*Result, error) {
	return a.appointmentCall(ctx, http.MethodPost, "/appointments", req, "create appointment")
}

func (a *RESTAdapter) UpdateAppointment(ctx context.Context, externalID string, req UpdateRequest) (*Result, error) {
	return a.appointmentCall(ctx, http.MethodPut, "/appointments/"+url.PathEscape(externalID), req, "update appointment")
}

func (a *RESTAdapter) GetAppointment(ctx context.Context, externalID string) (*Result, error) {
	return a.appointmentCall(ctx, http.MethodGet, "/appointments/"+url.PathEscape(externalID), nil, "get appointment")
}

// CancelAppointment treats every non-2xx reply as a failure.
func (a *RESTAdapter) CancelAppointment(ctx context.Context, externalID, reason string) error {
	body := map[string]string{}
	if reason != "" {
		body["reason"] = reason
	}

	resp, err := a.do(ctx, http.MethodPost, "/appointments/"+url.PathEscape(externalID)+"/cancel", body)
	if err != nil {
		return fmt.Errorf("rest adapter: cancel appointment: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("rest adapter: cancel appointment: %w: %d %s", ErrUnexpectedStatus, resp.StatusCode, readErrorMessage(resp.Body))
	}

	return nil
}

func (a *RESTAdapter) CheckAvailability(ctx context.Context, filter AvailabilityFilter) ([]Slot, error) {
	q := url.Values{}
	if !filter.StartDate.IsZero() {
		q.Set("startDate", filter.StartDate.UTC().Format(time.DateOnly))
	}
	if !filter.EndDate.IsZero() {
		q.Set("endDate", filter.EndDate.UTC().Format(time.DateOnly))
	}
	if filter.ProfessionalID != "" {
		q.Set("professionalId", filter.ProfessionalID)
	}

	path := "/availability"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	resp, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("rest adapter: check availability: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rest adapter: check availability: %w: %d %s", ErrUnexpectedStatus, resp.StatusCode, readErrorMessage(resp.Body))
	}

	var slots []Slot
	if err := json.NewDecoder(resp.Body).Decode(&slots); err != nil {
		return nil, fmt.Errorf("rest adapter: decode availability: %w", err)
	}

	return slots, nil
}

func (a *RESTAdapter) HealthCheck(ctx context.Context) bool {
	resp, err := a.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode >= 200 && resp.StatusCode <= 299
}

// appointmentCall maps 2xx to success, 4xx to a business rejection and
// everything else to a transport error.
func (a *RESTAdapter) appointmentCall(ctx context.Context, method, path string, body any, op string) (*Result, error) {
	resp, err := a.do(ctx, method, path, body)
	if err != nil {
		return nil, fmt.Errorf("rest adapter: %s: %w", op, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		var appt ExternalAppointment
		if err := json.NewDecoder(resp.Body).Decode(&appt); err != nil {
			return nil, fmt.Errorf("rest adapter: %s: decode response: %w", op, err)
		}
		return &Result{Success: true, ExternalID: appt.ExternalID, Appointment: &appt}, nil

	case resp.StatusCode >= 400 && resp.StatusCode <= 499 && resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout:
		return &Result{Success: false, Error: readErrorMessage(resp.Body)}, nil

	default:
		return nil, fmt.Errorf("rest adapter: %s: %w: %d %s", op, ErrUnexpectedStatus, resp.StatusCode, readErrorMessage(resp.Body))
	}
}

func (a *RESTAdapter) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.apiKey)
	}

	return a.client.Do(req)
}

// readErrorMessage pulls "error" or "message" out of a JSON body, or returns the raw text.
func readErrorMessage(r io.Reader) string {
	raw, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(raw) == 0 {
		return "no response body"
	}

	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &body) == nil {
		if body.Error != "" {
			return body.Error
		}
		if body.Message != "" {
			return body.Message
		}
	}

	return strings.TrimSpace(string(raw))
}
