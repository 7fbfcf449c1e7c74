// internal/chaos/chaos.go
package chaos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrSteadyStateInvalid = errors.New("steady state invalid - aborting experiment")

// Experiment defines a chaos engineering test
type Experiment struct {
	Name        string
	Hypothesis  string
	SteadyState []Metric
	// Method injects the fault. Load runs for Duration while it is active.
	Method   []Action
	Rollback []Action
	Load     func(context.Context) error
	// Validation is checked against the last observation of each metric.
	Validation []Assertion
	Duration   time.Duration
	Interval   time.Duration
}

// Metric defines a measurable system property
type Metric struct {
	Name      string
	Query     func(context.Context) (float64, error)
	Threshold Threshold
}

type Threshold struct {
	Operator string // >, <, >=, <=, ==
	Value    float64
}

func (t Threshold) holds(value float64) bool {
	switch t.Operator {
	case ">":
		return value > t.Value
	case "<":
		return value < t.Value
	case ">=":
		return value >= t.Value
	case "<=":
		return value <= t.Value
	case "==":
		return value == t.Value
	default:
		return false
	}
}

// Action represents a fault injection or recovery action
type Action struct {
	Type    string // latency, failure
	Target  string
	Execute func(context.Context) error
}

// Assertion validates experiment outcome
type Assertion struct {
	Metric    string
	Condition func(float64) bool
	Message   string
}

// Result captures experiment execution data
type Result struct {
	ExperimentName   string                 `json:"experiment_name"`
	StartTime        time.Time              `json:"start_time"`
	EndTime          time.Time              `json:"end_time"`
	Duration         time.Duration          `json:"duration"`
	HypothesisHeld   bool                   `json:"hypothesis_held"`
	SteadyStateValid bool                   `json:"steady_state_valid"`
	Violations       []MetricViolation      `json:"violations"`
	Observations     map[string][]DataPoint `json:"observations"`
	ErrorEvents      []ErrorEvent           `json:"error_events"`
	FailedAssertions []string               `json:"failed_assertions,omitempty"`
	MTTR             *time.Duration         `json:"mttr,omitempty"`
}

type MetricViolation struct {
	MetricName string    `json:"metric_name"`
	Expected   float64   `json:"expected"`
	Actual     float64   `json:"actual"`
	Timestamp  time.Time `json:"timestamp"`
}

type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

type ErrorEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Component string    `json:"component"`
}

// Engine orchestrates chaos experiments
type Engine struct {
	tracer trace.Tracer
	now    func() time.Time

	mu      sync.Mutex
	results []Result
}

func NewEngine() *Engine {
	return &Engine{
		tracer: otel.Tracer("gatorlibrary/chaos"),
		now:    time.Now,
	}
}

// Results returns the results of every experiment run so far.
func (e *Engine) Results() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Result(nil), e.results...)
}

// Run executes a single chaos experiment: check the steady state, inject the
// fault, drive load while sampling the metrics, roll back, then validate.
func (e *Engine) Run(ctx context.Context, exp Experiment) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.run_experiment",
		trace.WithAttributes(attribute.String("experiment.name", exp.Name)),
	)
	defer span.End()

	result := &Result{
		ExperimentName: exp.Name,
		StartTime:      e.now(),
		Observations:   make(map[string][]DataPoint),
		ErrorEvents:    make([]ErrorEvent, 0),
	}

	span.AddEvent("validating_steady_state")
	if violations := e.violations(ctx, exp.SteadyState); len(violations) > 0 {
		result.Violations = violations
		return result, ErrSteadyStateInvalid
	}
	result.SteadyStateValid = true

	span.AddEvent("injecting_chaos")
	for _, action := range exp.Method {
		if err := action.Execute(ctx); err != nil {
			e.recordError(result, err, action.Target)
			span.RecordError(err)
		}
	}

	span.AddEvent("observing_system")
	e.observe(ctx, exp, result)

	span.AddEvent("rolling_back")
	for _, action := range exp.Rollback {
		if err := action.Execute(ctx); err != nil {
			e.recordError(result, err, action.Target)
			span.RecordError(err)
		}
	}
	e.sample(ctx, exp.SteadyState, result, nil)

	span.AddEvent("validating_assertions")
	result.FailedAssertions = failedAssertions(exp.Validation, result)
	result.HypothesisHeld = len(result.FailedAssertions) == 0
	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	e.mu.Lock()
	e.results = append(e.results, *result)
	e.mu.Unlock()

	span.SetAttributes(
		attribute.Bool("hypothesis_held", result.HypothesisHeld),
		attribute.Int("violations", len(result.Violations)),
	)
	return result, nil
}

func (e *Engine) observe(ctx context.Context, exp Experiment, result *Result) {
	observationCtx, cancel := context.WithTimeout(ctx, exp.Duration)
	defer cancel()

	var wg sync.WaitGroup
	var loadMu sync.Mutex
	if exp.Load != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for observationCtx.Err() == nil {
				if err := exp.Load(observationCtx); err != nil && observationCtx.Err() == nil {
					loadMu.Lock()
					e.recordError(result, err, "load")
					loadMu.Unlock()
				}
			}
		}()
	}

	interval := exp.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var recoveryStart time.Time
	for {
		select {
		case <-observationCtx.Done():
			wg.Wait()
			return
		case <-ticker.C:
			loadMu.Lock()
			e.sample(ctx, exp.SteadyState, result, &recoveryStart)
			loadMu.Unlock()
		}
	}
}

// sample records one observation per metric. With recoveryStart set it also
// tracks threshold violations and the time to recover from them.
func (e *Engine) sample(ctx context.Context, metrics []Metric, result *Result, recoveryStart *time.Time) {
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			e.recordError(result, err, metric.Name)
			continue
		}
		now := e.now()
		result.Observations[metric.Name] = append(result.Observations[metric.Name], DataPoint{Timestamp: now, Value: value})
		if recoveryStart == nil {
			continue
		}

		if !metric.Threshold.holds(value) {
			if recoveryStart.IsZero() {
				*recoveryStart = now
			}
			result.Violations = append(result.Violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  now,
			})
		} else if !recoveryStart.IsZero() && result.MTTR == nil {
			mttr := now.Sub(*recoveryStart)
			result.MTTR = &mttr
		}
	}
}

func (e *Engine) violations(ctx context.Context, metrics []Metric) []MetricViolation {
	var violations []MetricViolation
	for _, metric := range metrics {
		value, err := metric.Query(ctx)
		if err != nil {
			value = -1
		}
		if err != nil || !metric.Threshold.holds(value) {
			violations = append(violations, MetricViolation{
				MetricName: metric.Name,
				Expected:   metric.Threshold.Value,
				Actual:     value,
				Timestamp:  e.now(),
			})
		}
	}
	return violations
}

func (e *Engine) recordError(result *Result, err error, component string) {
	result.ErrorEvents = append(result.ErrorEvents, ErrorEvent{
		Timestamp: e.now(),
		Error:     err.Error(),
		Component: component,
	})
}

func failedAssertions(assertions []Assertion, result *Result) []string {
	var failed []string
	for _, a := range assertions {
		observations := result.Observations[a.Metric]
		if len(observations) == 0 || !a.Condition(observations[len(observations)-1].Value) {
			failed = append(failed, a.Message)
		}
	}
	return failed
}

// GameDay orchestrates a series of chaos experiments.
type GameDay struct {
	Name      string
	Scenarios []Experiment
	Pause     time.Duration
}

// ExecuteGameDay runs every scenario in turn and writes a report to w. It
// returns how many hypotheses were violated.
func (e *Engine) ExecuteGameDay(ctx context.Context, w io.Writer, gameDay GameDay) (int, error) {
	ctx, span := e.tracer.Start(ctx, "chaos.game_day",
		trace.WithAttributes(attribute.String("gameday.name", gameDay.Name)),
	)
	defer span.End()

	fmt.Fprintf(w, "Starting Game Day: %s\n", gameDay.Name)
	violated := 0
	for i, scenario := range gameDay.Scenarios {
		fmt.Fprintf(w, "\nExperiment %d/%d: %s\n", i+1, len(gameDay.Scenarios), scenario.Name)
		fmt.Fprintf(w, "Hypothesis: %s\n", scenario.Hypothesis)

		result, err := e.Run(ctx, scenario)
		if err != nil {
			fmt.Fprintf(w, "Experiment failed: %v\n", err)
			violated++
			continue
		}
		printResult(w, result)
		if !result.HypothesisHeld {
			violated++
		}

		if i < len(gameDay.Scenarios)-1 && gameDay.Pause > 0 {
			select {
			case <-ctx.Done():
				return violated, ctx.Err()
			case <-time.After(gameDay.Pause):
			}
		}
	}
	return violated, nil
}

func printResult(w io.Writer, result *Result) {
	if result.HypothesisHeld {
		fmt.Fprintln(w, "Hypothesis held - system behaved as expected")
	} else {
		fmt.Fprintln(w, "Hypothesis violated - unexpected behavior observed")
		for _, msg := range result.FailedAssertions {
			fmt.Fprintf(w, "   - %s\n", msg)
		}
	}
	if len(result.Violations) > 0 {
		fmt.Fprintf(w, "Violations detected: %d\n", len(result.Violations))
	}
	if result.MTTR != nil {
		fmt.Fprintf(w, "MTTR: %s\n", *result.MTTR)
	}
	fmt.Fprintf(w, "Duration: %s\n", result.Duration)
}
