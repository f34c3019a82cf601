package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fleetnav/internal/domain"
	"fleetnav/internal/planner"
)

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fleetnav.toml")
	body := `
[grid]
min_x = -5
max_x = 5
min_y = -5
max_y = 5

[ledger]
lock_window_ms = 60000

[battery]
reserve = 15
[battery.task_costs]
"Weeding" = 6

[coordinator]
pending_timeout_ms = 120000

[fleet]
strategy = "direct"
auto_move = false
[fleet.priorities]
"Irrigation" = 9
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, path, cfg.Path)
	require.Equal(t, 5, cfg.Grid.MaxX)
	require.Equal(t, time.Minute, cfg.LedgerConfig().LockWindow)

	bat := cfg.BatteryConfig()
	require.Equal(t, 15.0, bat.Reserve)
	require.Equal(t, 1.0, bat.MoveCost)
	require.Equal(t, 6.0, bat.TaskCosts[domain.TaskWeeding])

	co := cfg.CoordinatorConfig()
	require.Equal(t, 30*time.Second, co.DwellDuration)
	require.Equal(t, 2*time.Minute, co.PendingTimeout)

	fl := cfg.FleetConfig()
	require.Equal(t, planner.StrategyDirect, fl.Strategy)
	require.False(t, fl.AutoMove)
	require.Equal(t, 9, fl.Priorities[domain.TaskIrrigation])

	require.Equal(t, 5, cfg.Sim.Rovers)
	require.Equal(t, "127.0.0.1:5000", cfg.Server.Addr)
}

func TestLoadMissingDefaultFallsBack(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().Grid, cfg.Grid)
	require.Empty(t, cfg.Path)
}

func TestLoadRejectsBadFiles(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.toml"))
	require.Error(t, err)

	inverted := filepath.Join(dir, "inverted.toml")
	require.NoError(t, os.WriteFile(inverted, []byte("[grid]\nmin_x = 4\nmax_x = -4\n"), 0o644))
	_, err = Load(inverted)
	require.Error(t, err)

	unknownTask := filepath.Join(dir, "task.toml")
	require.NoError(t, os.WriteFile(unknownTask, []byte("[battery.task_costs]\n\"Harvest\" = 3\n"), 0o644))
	_, err = Load(unknownTask)
	require.Error(t, err)

	badStrategy := filepath.Join(dir, "strategy.toml")
	require.NoError(t, os.WriteFile(badStrategy, []byte("[fleet]\nstrategy = \"dijkstra\"\n"), 0o644))
	_, err = Load(badStrategy)
	require.Error(t, err)

	for name, body := range map[string]string{
		"reserve.toml":   "[battery]\nreserve = 0\n",
		"move.toml":      "[battery]\nmove_cost = -1\n",
		"cost.toml":      "[battery.task_costs]\n\"Weeding\" = 0\n",
		"peers.toml":     "[sensor]\nmax_peers = 0\n",
		"threshold.toml": "[sensor]\nbase_threshold = 0\n",
	} {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		_, err = Load(p)
		require.Error(t, err, name)
		require.Contains(t, err.Error(), "must be positive", name)
	}
}
