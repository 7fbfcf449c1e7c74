// internal/chaos/chaos_test.go
package chaos

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"gatorlibrary/internal/catalog"
	"gatorlibrary/internal/storage"
)

func TestFaultyStoreInjectsAndHeals(t *testing.T) {
	ctx := context.Background()
	f := NewFaultyStore(storage.NewMemory(), 1)
	add := catalog.Change{Kind: catalog.BookAdded, BookID: 1, Title: "T", Author: "A"}

	f.Inject(1, 0)
	assert.ErrorIs(t, f.Apply(ctx, add), ErrInjected)
	_, err := f.Entries(ctx)
	assert.ErrorIs(t, err, ErrInjected)

	f.Heal()
	require.NoError(t, f.Apply(ctx, add))
	records, err := f.Entries(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	assert.Equal(t, int64(4), f.Calls())
	assert.Equal(t, int64(2), f.Injected())
}

func TestFaultyStoreLatencyHonorsContext(t *testing.T) {
	f := NewFaultyStore(storage.NewMemory(), 1)
	f.Inject(0, time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Entries(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestThresholdOperators(t *testing.T) {
	tests := []struct {
		op    string
		value float64
		want  bool
	}{
		{">", 2, true}, {">", 1, false},
		{"<", 0, true}, {"<", 1, false},
		{">=", 1, true}, {"<=", 1, true},
		{"==", 1, true}, {"==", 2, false},
		{"!=", 2, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Threshold{Operator: tt.op, Value: 1}.holds(tt.value), "%v %s 1", tt.value, tt.op)
	}
}

func TestRunAbortsOnInvalidSteadyState(t *testing.T) {
	injected := false
	exp := Experiment{
		Name: "broken",
		SteadyState: []Metric{{
			Name:      "always_zero",
			Query:     func(context.Context) (float64, error) { return 0, nil },
			Threshold: Threshold{Operator: ">", Value: 0},
		}},
		Method:   []Action{{Execute: func(context.Context) error { injected = true; return nil }}},
		Duration: time.Millisecond,
	}

	result, err := NewEngine().Run(context.Background(), exp)
	assert.ErrorIs(t, err, ErrSteadyStateInvalid)
	assert.False(t, result.SteadyStateValid)
	require.Len(t, result.Violations, 1)
	assert.False(t, injected)
}

func TestRunTracksViolationsAndRecovery(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	var level atomic.Int64
	level.Store(1)
	exp := Experiment{
		Name: "dip",
		SteadyState: []Metric{{
			Name:      "level",
			Query:     func(context.Context) (float64, error) { return float64(level.Load()), nil },
			Threshold: Threshold{Operator: "==", Value: 1},
		}},
		Method:   []Action{{Target: "level", Execute: func(context.Context) error { level.Store(0); return nil }}},
		Rollback: []Action{{Target: "level", Execute: func(context.Context) error { return errors.New("rollback noise") }}},
		Load: func(ctx context.Context) error {
			time.Sleep(15 * time.Millisecond)
			level.Store(1)
			<-ctx.Done()
			return nil
		},
		Validation: []Assertion{{Metric: "level", Condition: func(v float64) bool { return v == 1 }, Message: "level did not recover"}},
		Duration:   60 * time.Millisecond,
		Interval:   5 * time.Millisecond,
	}

	engine := NewEngine()
	engine.tracer = tp.Tracer("test")
	result, err := engine.Run(context.Background(), exp)
	require.NoError(t, err)

	assert.True(t, result.HypothesisHeld)
	assert.NotEmpty(t, result.Violations)
	require.NotNil(t, result.MTTR)
	require.Len(t, result.ErrorEvents, 1)
	assert.Equal(t, "rollback noise", result.ErrorEvents[0].Error)
	assert.Len(t, engine.Results(), 1)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "chaos.run_experiment", spans[0].Name())
}

func TestCirculatePersistsPastLoadDeadline(t *testing.T) {
	target, err := NewTarget(context.Background(), 4, 4, 7)
	require.NoError(t, err)
	target.Faults.Inject(0, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.NoError(t, target.Circulate(ctx))

	rate, err := target.SuccessRate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, float64(100), rate)

	target.Faults.Heal()
	records, err := target.Store.Entries(context.Background())
	require.NoError(t, err)
	for _, r := range records {
		assert.False(t, r.Lent, "book %d left lent in the store", r.ID)
	}
}

func TestGameDayAgainstCatalog(t *testing.T) {
	if testing.Short() {
		t.Skip("game day drives load for several hundred milliseconds")
	}
	ctx := context.Background()
	target, err := NewTarget(ctx, 8, 4, 42)
	require.NoError(t, err)

	var out bytes.Buffer
	violated, err := NewEngine().ExecuteGameDay(ctx, &out, GameDay{
		Name:      "test",
		Scenarios: target.Scenarios(200 * time.Millisecond),
	})
	require.NoError(t, err)
	assert.Zero(t, violated, out.String())
	assert.Contains(t, out.String(), "concurrent-borrow-race")
	assert.Positive(t, target.Faults.Injected())

	require.NoError(t, target.Service.Validate(ctx))
	book, err := target.Service.GetBook(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, book.BorrowedBy)
}
