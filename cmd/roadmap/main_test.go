package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alem-hub/roadmap-tracker/internal/domain/analytics"
)

const roadmapJSON = `{
  "go": [
    {"id": "tour", "title": "A Tour of Go", "kind": "interactive", "estimatedMinutes": 90},
    {"id": "effective", "title": "Effective Go", "kind": "article", "estimatedMinutes": 60}
  ]
}`

type cli struct {
	t   *testing.T
	dir string
}

func newCLI(t *testing.T) *cli {
	t.Setenv("LOG_LEVEL", "error")
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "roadmap.json"), []byte(roadmapJSON), 0o644))
	return &cli{t: t, dir: dir}
}

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetIn(bytes.NewReader(nil))
	cmd.SetArgs(append(args, "--backend", "file", "--dir", filepath.Join(c.dir, "store")))
	err := cmd.Execute()
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, "roadmap %v", args)
	return out
}

var startedPath = regexp.MustCompile(`started path (\S+): go \(2 milestones\)`)

func TestCLI_ProgressLifecycle(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun("start", "go", "--roadmap", filepath.Join(c.dir, "roadmap.json"), "--user", "alice")
	m := startedPath.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	pathID := m[1]

	out = c.mustRun("complete", "tour", "--path", pathID, "--minutes", "90", "--user", "alice")
	assert.Contains(t, out, "completed tour")
	assert.Contains(t, out, "achievement unlocked: 🎯 First Step")

	_, err := c.run("complete", "tour", "--path", pathID, "--user", "alice")
	assert.ErrorIs(t, err, errNoChange, "already complete")

	// A fresh process reads the state back from the file tier.
	out = c.mustRun("stats", "--json", "--user", "alice")
	var b analytics.Bundle
	require.NoError(t, json.Unmarshal([]byte(out), &b))
	assert.Equal(t, 1, b.CompletedMilestones)
	assert.Equal(t, 2, b.TotalMilestones)
	assert.Equal(t, 50, b.CompletionPercentage)
	assert.Equal(t, 5400, b.TotalTimeSpent)

	out = c.mustRun("stats", "--user", "alice")
	assert.Contains(t, out, "50% (1/2 milestones)")
	assert.Contains(t, out, "1h 30m")

	exported := filepath.Join(c.dir, "alice.json")
	c.mustRun("export", "--output", exported, "--user", "alice")
	out = c.mustRun("import", exported, "--user", "bob")
	assert.Contains(t, out, "imported 1 paths, 0 skills, 0 practice sessions")

	out = c.mustRun("export", "--format", "csv", "--user", "bob")
	assert.Contains(t, out, "A Tour of Go")

	_, err = c.run("reset", "--user", "alice")
	assert.ErrorContains(t, err, "--yes")
	assert.Contains(t, c.mustRun("reset", "--yes", "--user", "alice"), "progress of alice cleared")

	require.NoError(t, json.Unmarshal([]byte(c.mustRun("stats", "--json", "--user", "alice")), &b))
	assert.Zero(t, b.TotalMilestones)
}

func TestCLI_Dispatch(t *testing.T) {
	c := newCLI(t)

	out := c.mustRun("dispatch",
		`{"type":"start_skill_deconstruction","payload":{"skillId":"guitar","spec":{"skillName":"Guitar","levels":[{"number":1,"title":"Basics","milestones":[{"id":"chords","title":"Chords"}]}]}}}`,
		"--user", "alice")
	assert.Contains(t, out, "start_skill_deconstruction applied")

	_, err := c.run("dispatch", `{"type":"fly_to_moon","payload":{}}`, "--user", "alice")
	assert.Error(t, err)

	out = c.mustRun("complete", "chords", "--skill", "guitar", "--user", "alice")
	assert.Contains(t, out, "completed chords")

	_, err = c.run("dispatch", `{"type":"switch_to_skill","payload":{"skillId":"nope"}}`, "--user", "alice")
	assert.ErrorIs(t, err, errNoChange)
}

func TestCLI_RejectsBadInput(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("complete", "tour", "--user", "alice")
	assert.ErrorContains(t, err, "--path or --skill")

	_, err = c.run("stats", "--user", "a b")
	assert.ErrorContains(t, err, "--user")

	_, err = c.run("export", "--format", "xml")
	assert.Error(t, err)

	_, err = c.run("stats", "--granularity", "year")
	assert.ErrorContains(t, err, "granularity")

	_, err = c.run("start", "rust", "--roadmap", filepath.Join(c.dir, "roadmap.json"))
	assert.ErrorContains(t, err, "rust")
}

func TestCLI_ImportDisabled(t *testing.T) {
	c := newCLI(t)
	c.mustRun("start", "go", "--roadmap", filepath.Join(c.dir, "roadmap.json"))
	exported := filepath.Join(c.dir, "local.json")
	c.mustRun("export", "--output", exported)

	t.Setenv("FEATURE_API_IMPORT", "false")
	_, err := c.run("import", exported, "--user", "bob")
	assert.ErrorContains(t, err, "api.import")
}
