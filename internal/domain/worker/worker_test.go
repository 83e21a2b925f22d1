package worker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/agent-coordinator/internal/domain/worker"
)

func TestNew_NormalizesCapabilities(t *testing.T) {
	w := worker.New(" w1 ", []string{"go", " go", "", "sql"}, 2, time.Now())
	assert.Equal(t, "w1", w.ID)
	assert.Equal(t, []string{"go", "sql"}, w.Capabilities)
	assert.Equal(t, worker.HealthHealthy, w.Health)
	assert.Equal(t, w.RegisteredAt, w.LastHeartbeatAt)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		w       worker.Worker
		wantErr bool
	}{
		{name: "valid", w: worker.New("w1", []string{"go"}, 1, time.Now())},
		{name: "empty id", w: worker.New("", []string{"go"}, 1, time.Now()), wantErr: true},
		{name: "no capabilities", w: worker.New("w1", nil, 1, time.Now()), wantErr: true},
		{name: "blank capabilities only", w: worker.New("w1", []string{" "}, 1, time.Now()), wantErr: true},
		{name: "zero capacity", w: worker.New("w1", []string{"go"}, 0, time.Now()), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.w.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, worker.ErrInvalid))
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestEligible(t *testing.T) {
	base := worker.New("w1", []string{"go"}, 1, time.Now())

	tests := []struct {
		name       string
		mutate     func(w *worker.Worker)
		capability string
		want       bool
	}{
		{name: "idle healthy capable", mutate: func(*worker.Worker) {}, capability: "go", want: true},
		{name: "missing capability", mutate: func(*worker.Worker) {}, capability: "rust", want: false},
		{name: "at capacity", mutate: func(w *worker.Worker) { w.Load = 1 }, capability: "go", want: false},
		{name: "degraded", mutate: func(w *worker.Worker) { w.Health = worker.HealthDegraded }, capability: "go", want: false},
		{name: "unreachable", mutate: func(w *worker.Worker) { w.Health = worker.HealthUnreachable }, capability: "go", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := base.Clone()
			tt.mutate(&w)
			assert.Equal(t, tt.want, w.Eligible(tt.capability))
		})
	}
}

func TestRecordHeartbeat(t *testing.T) {
	start := time.Now()
	w := worker.New("w1", []string{"go"}, 1, start)
	w.Health = worker.HealthDegraded

	later := start.Add(time.Minute)
	w.RecordHeartbeat(3, later)
	assert.Equal(t, worker.HealthHealthy, w.Health)
	assert.Equal(t, 3, w.ReportedLoad)
	assert.Equal(t, later.UTC(), w.LastHeartbeatAt)

	// A negative snapshot means "not reported" and leaves the previous value.
	w.RecordHeartbeat(-1, later)
	assert.Equal(t, 3, w.ReportedLoad)
	assert.Equal(t, time.Duration(0), w.SilentFor(later))
}

func TestTemplates(t *testing.T) {
	names := worker.TemplateNames()
	require.NotEmpty(t, names)
	assert.Contains(t, names, "frontend_developer")

	tpl, ok := worker.LookupTemplate("qa_tester")
	require.True(t, ok)
	assert.Contains(t, tpl.Capabilities, "qa")

	// Mutating a looked-up template must not leak into the registry of presets.
	tpl.Capabilities[0] = "mutated"
	again, _ := worker.LookupTemplate("qa_tester")
	assert.NotEqual(t, "mutated", again.Capabilities[0])

	_, ok = worker.LookupTemplate("wizard")
	assert.False(t, ok)
}
