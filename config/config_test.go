package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutForAdaptiveVsFixed(t *testing.T) {
	timing := TimingConfig{FixedTimeout: 120 * time.Second, AdaptiveTimeout: 150 * time.Second}

	assert.Equal(t, 150*time.Second, timing.TimeoutFor(0))
	assert.Equal(t, 150*time.Second, timing.TimeoutFor(100))
	assert.Equal(t, 150*time.Second, timing.TimeoutFor(108))
	assert.Equal(t, 120*time.Second, timing.TimeoutFor(3))
	assert.Equal(t, 120*time.Second, timing.TimeoutFor(8))
}

func TestIsAuthorizedWorker(t *testing.T) {
	w := WorkerConfig{AuthorizedUserIDs: []string{"worker-1"}}

	assert.True(t, w.IsAuthorizedWorker(""), "system caller is always authorized")
	assert.True(t, w.IsAuthorizedWorker("worker-1"))
	assert.False(t, w.IsAuthorizedWorker("some-player"))
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	assert.Equal(t, 4*time.Second, cfg.Timing.CountdownDuration)
	assert.Equal(t, 5, cfg.Outbox.MaxAttempts)
	assert.Equal(t, 8, cfg.Timing.DayBoundaryHourUTC)
}

func TestLoadMergesAuthorizedUsersFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("authorized_user_ids:\n  - ops-1\n  - ops-2\n"), 0o600))
	t.Setenv("WORKER_AUTHORIZED_USERS_FILE", path)
	t.Setenv("WORKER_AUTHORIZED_USER_IDS", "env-worker")

	cfg, err := Load()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"env-worker", "ops-1", "ops-2"}, cfg.Worker.AuthorizedUserIDs)
}

func TestLoadToleratesMissingAuthorizedUsersFile(t *testing.T) {
	t.Setenv("WORKER_AUTHORIZED_USERS_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	require.NoError(t, err)
}
