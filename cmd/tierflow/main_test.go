package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetRoutine = `id: greet
name: Greet
version: 1.1.0
steps:
  - id: hello
    kind: tool
    tool: echo
    params:
      message: hi
    credits: 1
  - id: done
    kind: noop
    depends_on: [hello]
    credits: 2
`

const failingRoutine = `id: broken
name: Broken
version: 0.1.0
steps:
  - id: explode
    kind: tool
    tool: fail
    params:
      message: on purpose
`

func cleanEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"REDIS_ADDR", "REDIS_DB", "DATABASE_URL", "TIERFLOW_CONFIG",
		"TIERFLOW_ROUTINES_DIR", "RUN_TIMEOUT", "TELEMETRY_ENABLED"} {
		t.Setenv(k, "")
	}
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("TIERFLOW_DATA_DIR", t.TempDir())
}

func writeRoutines(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
	}
	return dir
}

func run(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := Run(append([]string{"tierflow"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Dispatch(t *testing.T) {
	code, out, _ := run("help")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "USAGE")
	assert.Contains(t, out, "validate")

	code, _, errOut := run()
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "USAGE")

	code, _, errOut = run("bogus")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "Unknown command: bogus")

	code, out, _ = run("version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "tierflow "+version)
}

func TestValidateCmd(t *testing.T) {
	cleanEnv(t)
	dir := writeRoutines(t, map[string]string{
		"greet.yaml":  greetRoutine,
		"broken.yml":  "id: x\nname: X\nversion: nope\nsteps: []\n",
		"ignored.txt": "not a routine",
	})

	code, out, _ := run("validate", "--dir", dir)
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "OK    "+filepath.Join(dir, "greet.yaml")+" (greet@1.1.0, 2 steps)")
	assert.Contains(t, out, "FAIL  "+filepath.Join(dir, "broken.yml"))
	assert.Contains(t, out, "2 routines, 1 invalid")

	code, out, _ = run("validate", "--dir", dir, "--json")
	assert.Equal(t, 1, code)
	var results []validateResult
	require.NoError(t, json.Unmarshal([]byte(out), &results))
	require.Len(t, results, 2)
	assert.False(t, results[0].Valid)
	assert.True(t, results[1].Valid)

	good := writeRoutines(t, map[string]string{"greet.yaml": greetRoutine})
	t.Setenv("TIERFLOW_ROUTINES_DIR", good)
	code, _, _ = run("validate")
	assert.Equal(t, 0, code)

	code, _, errOut := run("validate", "--dir", t.TempDir())
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "no routine files")
}

func TestLimitsCmd(t *testing.T) {
	cleanEnv(t)

	code, out, errOut := run("limits")
	require.Equal(t, 0, code, errOut)
	var report limitsReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.True(t, report.Limits.Safety.Bypass)
	assert.Nil(t, report.Status)
	assert.Positive(t, report.MaxConcurrentRuns)

	code, out, errOut = run("limits", "--user", "u1", "--event", "step.tool_call")
	require.Equal(t, 0, code, errOut)
	report = limitsReport{}
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.NotNil(t, report.Status)
	assert.Equal(t, "u1", report.Status.UserID)
	assert.Equal(t, int64(100), report.Status.Cost)
	assert.True(t, report.Status.Allowed)
	assert.NotEmpty(t, report.Status.Buckets)
}

type runOutput struct {
	Swarm struct {
		ID    string `json:"id"`
		State string `json:"state"`
		Usage struct {
			CreditsUsed int64 `json:"creditsUsed"`
		} `json:"usage"`
		Runs []struct {
			State            string `json:"state"`
			RoutineVersionID string `json:"routineVersionId"`
		} `json:"runs"`
	} `json:"swarm"`
	Monitor json.RawMessage `json:"monitor"`
}

func TestRunCmd_CompletesSwarm(t *testing.T) {
	cleanEnv(t)
	t.Setenv("DATABASE_URL", "sqlite://"+filepath.Join(t.TempDir(), "runs.db"))
	dir := writeRoutines(t, map[string]string{"greet.yaml": greetRoutine})

	code, out, errOut := run("run", "--dir", dir, "--routine", "greet", "--routine", "greet@^1", "--goal", "say hi", "--json")
	require.Equal(t, 0, code, errOut)

	var res runOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "COMPLETED", res.Swarm.State)
	require.Len(t, res.Swarm.Runs, 2)
	for _, r := range res.Swarm.Runs {
		assert.Equal(t, "COMPLETED", r.State)
	}
	assert.Equal(t, int64(6), res.Swarm.Usage.CreditsUsed)
	assert.NotEmpty(t, res.Monitor)
}

func TestRunCmd_FailedSwarm(t *testing.T) {
	cleanEnv(t)
	dir := writeRoutines(t, map[string]string{"greet.yaml": greetRoutine, "broken.yaml": failingRoutine})

	code, out, _ := run("run", "--dir", dir, "--routine", "greet,broken", "--credits", "-1")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, "greet")
	assert.Contains(t, out, "on purpose")
}

func TestRunCmd_Usage(t *testing.T) {
	cleanEnv(t)
	code, _, errOut := run("run")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "--routine is required")

	code, _, _ = run("run", "--no-such-flag")
	assert.Equal(t, 2, code)

	code, _, errOut = run("run", "--dir", t.TempDir(), "--routine", "ghost", "--user", "")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "MISSING_USER")
}
