package registry_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/agent-coordinator/internal/domain/worker"
	"github.com/alanyang/agent-coordinator/internal/service/registry"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func register(t *testing.T, r *registry.Registry, id string, maxConc int, at time.Time, caps ...string) {
	t.Helper()
	require.NoError(t, r.Register(worker.New(id, caps, maxConc, at)))
}

func eligibleIDs(r *registry.Registry, capability string) []string {
	var out []string
	for _, w := range r.FindEligible(capability) {
		out = append(out, w.ID)
	}
	return out
}

func TestRegister_Errors(t *testing.T) {
	r := registry.New()
	register(t, r, "w1", 1, t0, "go")

	tests := []struct {
		name    string
		w       worker.Worker
		wantErr error
	}{
		{"duplicate", worker.New("w1", []string{"go"}, 1, t0), worker.ErrDuplicate},
		{"empty id", worker.New("", []string{"go"}, 1, t0), worker.ErrInvalid},
		{"no capabilities", worker.New("w2", nil, 1, t0), worker.ErrInvalid},
		{"zero capacity", worker.New("w3", []string{"go"}, 0, t0), worker.ErrInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(tt.w)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
	assert.Equal(t, 1, r.Len())
}

func TestFindEligible_Ordering(t *testing.T) {
	r := registry.New()
	register(t, r, "busy", 2, t0, "go")
	register(t, r, "stale", 2, t0, "go")
	register(t, r, "fresh", 2, t0.Add(time.Minute), "go")
	register(t, r, "other", 2, t0, "python")

	require.NoError(t, r.AddLoad("busy", 1))

	assert.Equal(t, []string{"fresh", "stale", "busy"}, eligibleIDs(r, "go"))
	assert.Equal(t, []string{"other"}, eligibleIDs(r, "python"))
	assert.Empty(t, eligibleIDs(r, "rust"))
}

func TestFindEligible_ExcludesFullAndUnhealthy(t *testing.T) {
	r := registry.New()
	register(t, r, "full", 1, t0, "go")
	register(t, r, "sick", 1, t0, "go")
	require.NoError(t, r.AddLoad("full", 1))
	require.NoError(t, r.SetHealth("sick", worker.HealthDegraded))

	assert.Empty(t, eligibleIDs(r, "go"))
}

func TestAddLoad_Bounds(t *testing.T) {
	r := registry.New()
	register(t, r, "w1", 1, t0, "go")

	assert.True(t, errors.Is(r.AddLoad("w1", -1), worker.ErrOverCapacity))
	require.NoError(t, r.AddLoad("w1", 1))
	assert.True(t, errors.Is(r.AddLoad("w1", 1), worker.ErrOverCapacity))
	assert.True(t, errors.Is(r.AddLoad("ghost", 1), worker.ErrUnknown))
}

func TestHeartbeat_ReturnsPreviousHealth(t *testing.T) {
	r := registry.New()
	register(t, r, "w1", 1, t0, "go")
	require.NoError(t, r.SetHealth("w1", worker.HealthUnreachable))

	prev, err := r.Heartbeat("w1", 3, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, worker.HealthUnreachable, prev)

	w, err := r.Get("w1")
	require.NoError(t, err)
	assert.Equal(t, worker.HealthHealthy, w.Health)
	assert.Equal(t, 3, w.ReportedLoad)
	assert.Zero(t, w.Load, "reported load is advisory")

	_, err = r.Heartbeat("ghost", 0, t0)
	assert.True(t, errors.Is(err, worker.ErrUnknown))
}

func TestDeregister(t *testing.T) {
	r := registry.New()
	register(t, r, "w1", 2, t0, "go")
	require.NoError(t, r.AddLoad("w1", 1))

	_, err := r.Deregister("w1", false)
	assert.True(t, errors.Is(err, worker.ErrBusy))

	w, err := r.Deregister("w1", true)
	require.NoError(t, err)
	assert.Equal(t, "w1", w.ID)

	_, err = r.Get("w1")
	assert.True(t, errors.Is(err, worker.ErrNotFound))
	_, err = r.Deregister("w1", true)
	assert.True(t, errors.Is(err, worker.ErrUnknown))
}

func TestList_RegistrationOrder(t *testing.T) {
	r := registry.New()
	for _, id := range []string{"c", "a", "b"} {
		register(t, r, id, 1, t0, "go")
	}
	var got []string
	for _, w := range r.List() {
		got = append(got, w.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, got)
}
