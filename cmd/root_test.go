package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockstep-sim/lockstep/sim/scenario"
)

func shortScenario() *scenario.Scenario {
	sc := scenario.Defaults()
	sc.DurationTicks = 3
	sc.TickTimeout = scenario.Duration(2 * time.Second)
	return sc
}

func TestRunScenario_CompletesShortRun(t *testing.T) {
	outDir, metricsAddr = "", ""

	require.NoError(t, runScenario(shortScenario()))
}

func TestRunScenario_RecordsBundlesWhenOutDirSet(t *testing.T) {
	dir := t.TempDir()
	outDir, metricsAddr = dir, ""
	defer func() { outDir = "" }()

	require.NoError(t, runScenario(shortScenario()))

	// The journal and the default sensor's frames were written.
	_, err := os.Stat(filepath.Join(dir, "frames.log"))
	require.NoError(t, err)
	entries, err := os.ReadDir(filepath.Join(dir, "front-rgb"))
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRunScenario_NoSensorsStillAligns(t *testing.T) {
	outDir, metricsAddr = "", ""
	sc := shortScenario()
	sc.Sensors = nil

	require.NoError(t, runScenario(sc))
}
