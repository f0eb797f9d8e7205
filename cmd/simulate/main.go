package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-sync/internal/observability"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	CreateRatio  float64
	CancelRatio  float64
	ReadRatio    float64
	PatientCount int
}

type DataPool struct {
	Patients     []string
	mu           sync.RWMutex
	appointments []uuid.UUID // Thread-safe list of created appointment IDs
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) RandomAppointment(faker *gofakeit.Faker) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[faker.Number(0, len(dp.appointments)-1)], true
}

// Outcome classifies a response for the report.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeRejected        // any other 4xx
	OutcomeUnavailable     // 503 while the circuit is open
	OutcomeError
)

func classify(status int, want int) Outcome {
	switch {
	case status == want:
		return OutcomeSuccess
	case status == http.StatusServiceUnavailable:
		return OutcomeUnavailable
	case status >= 400 && status < 500:
		return OutcomeRejected
	default:
		return OutcomeError
	}
}

type OperationMetrics struct {
	Total       int64
	Success     int64
	Rejected    int64
	Unavailable int64
	Error       int64
	Latencies   []time.Duration
	mu          sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, outcome Outcome) {
	atomic.AddInt64(&om.Total, 1)
	switch outcome {
	case OutcomeSuccess:
		atomic.AddInt64(&om.Success, 1)
	case OutcomeRejected:
		atomic.AddInt64(&om.Rejected, 1)
	case OutcomeUnavailable:
		atomic.AddInt64(&om.Unavailable, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]
	p50 = latencies[percentileIndex(len(latencies), 50)]
	p95 = latencies[percentileIndex(len(latencies), 95)]

	return avg, min, max, p50, p95
}

func percentileIndex(n, p int) int {
	idx := n * p / 100
	if idx >= n {
		idx = n - 1
	}
	return idx
}

type Metrics struct {
	Create        OperationMetrics
	Cancel        OperationMetrics
	ReadByID      OperationMetrics
	ListByPatient OperationMetrics
	Availability  OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	logger  zerolog.Logger
}

func main() {
	_ = godotenv.Load()

	logger := observability.NewLogger("simulate", getEnv("APP_ENV", "dev"), getEnv("LOG_LEVEL", "info"))

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("create", cfg.CreateRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	sim := &Simulator{
		config: cfg,
		pool:   newDataPool(gofakeit.New(uint64(time.Now().UnixNano())), cfg.PatientCount),
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}

	sim.Run()
	sim.PrintReport(os.Stdout)
}

func loadConfig() SimConfig {
	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		CreateRatio:  getFloat("SIM_CREATE_RATIO", 0.4),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.5),
		PatientCount: getInt("SIM_PATIENT_COUNT", 500),
	}

	// Normalize ratios
	total := cfg.CreateRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.CreateRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.APIBaseURL == "" {
		return fmt.Errorf("SIM_API_BASE_URL is required")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.PatientCount <= 0 {
		return fmt.Errorf("SIM_PATIENT_COUNT must be > 0")
	}
	return nil
}

func newDataPool(faker *gofakeit.Faker, patients int) *DataPool {
	dp := &DataPool{Patients: make([]string, 0, patients)}
	for i := 0; i < patients; i++ {
		dp.Patients = append(dp.Patients, faker.UUID())
	}
	return dp
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info().Msg("starting simulation")

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.logger.Info().Msg("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	faker := gofakeit.New(uint64(time.Now().UnixNano()) + uint64(workerID))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := faker.Float64()
			switch {
			case r < s.config.CreateRatio:
				s.doCreate(ctx, faker)
			case r < s.config.CreateRatio+s.config.CancelRatio:
				s.doCancel(ctx, faker)
			default:
				// Read operations - distribute evenly
				switch faker.Number(0, 2) {
				case 0:
					s.doReadByID(ctx, faker)
				case 1:
					s.doListByPatient(ctx, faker)
				case 2:
					s.doAvailability(ctx, faker)
				}
			}
		}
	}
}

func (s *Simulator) doCreate(ctx context.Context, faker *gofakeit.Faker) {
	scheduledAt := time.Now().UTC().
		Truncate(time.Hour).
		Add(time.Duration(faker.Number(24, 24*30)) * time.Hour)

	body, _ := json.Marshal(map[string]any{
		"patientId":      faker.RandomString(s.pool.Patients),
		"professionalId": "PRO-" + strconv.Itoa(faker.Number(1000, 1010)),
		"scheduledAt":    scheduledAt.Format(time.RFC3339),
		"notes":          faker.Name() + " referral",
	})

	start := time.Now()
	status, respBody, err := s.send(ctx, http.MethodPost, "/scheduling/appointments", body)
	latency := time.Since(start)
	if err != nil {
		s.metrics.Create.Record(latency, OutcomeError)
		return
	}

	if status == http.StatusCreated {
		var appt struct {
			ID uuid.UUID `json:"id"`
		}
		if json.Unmarshal(respBody, &appt) == nil && appt.ID != uuid.Nil {
			s.pool.AddAppointment(appt.ID)
		}
	}

	s.metrics.Create.Record(latency, classify(status, http.StatusCreated))
}

func (s *Simulator) doCancel(ctx context.Context, faker *gofakeit.Faker) {
	apptID, ok := s.pool.RandomAppointment(faker)
	if !ok {
		return
	}

	path := fmt.Sprintf("/scheduling/appointments/%s?reason=%s", apptID, url.QueryEscape("load test"))
	s.timed(ctx, &s.metrics.Cancel, http.MethodDelete, path, http.StatusNoContent)
}

func (s *Simulator) doReadByID(ctx context.Context, faker *gofakeit.Faker) {
	apptID, ok := s.pool.RandomAppointment(faker)
	if !ok {
		return
	}

	s.timed(ctx, &s.metrics.ReadByID, http.MethodGet, "/scheduling/appointments/"+apptID.String(), http.StatusOK)
}

func (s *Simulator) doListByPatient(ctx context.Context, faker *gofakeit.Faker) {
	patientID := faker.RandomString(s.pool.Patients)
	s.timed(ctx, &s.metrics.ListByPatient, http.MethodGet, "/scheduling/appointments/patient/"+patientID, http.StatusOK)
}

func (s *Simulator) doAvailability(ctx context.Context, faker *gofakeit.Faker) {
	start := time.Now().UTC().AddDate(0, 0, faker.Number(1, 14))
	end := start.AddDate(0, 0, faker.Number(1, 7))

	q := url.Values{}
	q.Set("startDate", start.Format(time.DateOnly))
	q.Set("endDate", end.Format(time.DateOnly))

	s.timed(ctx, &s.metrics.Availability, http.MethodGet, "/scheduling/availability?"+q.Encode(), http.StatusOK)
}

func (s *Simulator) timed(ctx context.Context, om *OperationMetrics, method, path string, want int) {
	start := time.Now()
	status, _, err := s.send(ctx, method, path, nil)
	latency := time.Since(start)

	if err != nil {
		om.Record(latency, OutcomeError)
		return
	}
	om.Record(latency, classify(status, want))
}

func (s *Simulator) send(ctx context.Context, method, path string, body []byte) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	return resp.StatusCode, respBody, err
}

func (s *Simulator) PrintReport(w io.Writer) {
	fmt.Fprintln(w, "\n"+strings.Repeat("=", 80))
	fmt.Fprintln(w, "SIMULATION REPORT")
	fmt.Fprintln(w, strings.Repeat("=", 80))
	fmt.Fprintf(w, "Duration: %s\n", s.config.Duration)
	fmt.Fprintf(w, "Workers: %d\n", s.config.Workers)
	fmt.Fprintln(w)

	printOperationReport(w, "Create", &s.metrics.Create)
	printOperationReport(w, "Cancel", &s.metrics.Cancel)
	printOperationReport(w, "Read by ID", &s.metrics.ReadByID)
	printOperationReport(w, "List by Patient", &s.metrics.ListByPatient)
	printOperationReport(w, "Availability", &s.metrics.Availability)
}

func printOperationReport(w io.Writer, name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	pct := func(n int64) float64 { return float64(n) / float64(total) * 100 }

	success := atomic.LoadInt64(&om.Success)
	rejected := atomic.LoadInt64(&om.Rejected)
	unavailable := atomic.LoadInt64(&om.Unavailable)
	errCount := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Fprintf(w, "%s:\n", name)
	fmt.Fprintf(w, "  Total: %d\n", total)
	fmt.Fprintf(w, "  Success: %d (%.1f%%)\n", success, pct(success))
	if rejected > 0 {
		fmt.Fprintf(w, "  Rejected: %d (%.1f%%)\n", rejected, pct(rejected))
	}
	if unavailable > 0 {
		fmt.Fprintf(w, "  Circuit open: %d (%.1f%%)\n", unavailable, pct(unavailable))
	}
	if errCount > 0 {
		fmt.Fprintf(w, "  Errors: %d (%.1f%%)\n", errCount, pct(errCount))
	}
	fmt.Fprintf(w, "  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Fprintln(w)
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
