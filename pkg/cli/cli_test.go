package cli_test

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pnpforge/pnpjob/internal/store"
	"github.com/pnpforge/pnpjob/pkg/cli"
	"github.com/pnpforge/pnpjob/pkg/config"
	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
)

const boardYAML = `kind: board
name: sensor
placements:
  - id: R1
    part: R0402-10k
    x: 1
    y: 2
  - id: C1
    part: C0603-100n
    x: 5
    y: 2
    rotation: 90
`

const panelYAML = `kind: panel
name: sensor panel
children:
  - id: B1
    file: sensor.board.yaml
  - id: B2
    file: sensor.board.yaml
    x: 50
`

const configYAML = `version: "1.0"
job:
  roots:
    - file: sensor.panel.yaml
      id: P1
      x: 100
      y: 10
parts:
  - id: R0402-10k
    package: "0402"
  - id: C0603-100n
    package: "0603"
nozzleTips:
  - id: N502
    packages: ["0402", "0603"]
`

func writeJob(t *testing.T, cfg string) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"sensor.board.yaml": boardYAML,
		"sensor.panel.yaml": panelYAML,
	}
	if cfg != "" {
		files["pnpjob.yaml"] = cfg
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatalf("failed to write %s: %v", name, err)
		}
	}
	return dir
}

func execute(t *testing.T, input string, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	c := cli.NewCLIWithOutput(&cli.Config{Version: "1.2.3"}, &out, &errOut)
	c.SetInput(strings.NewReader(input))
	err := c.Execute(args)
	if testing.Verbose() && errOut.Len() > 0 {
		t.Log(errOut.String())
	}
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "", "version")
	if err != nil {
		t.Fatalf("version failed: %v", err)
	}
	if !strings.Contains(out, "pnpjob v1.2.3") {
		t.Errorf("unexpected output: %s", out)
	}
}

func TestValidateCommand(t *testing.T) {
	dir := writeJob(t, configYAML)

	out, err := execute(t, "", "validate", "--root", dir)
	if err != nil {
		t.Fatalf("validate failed: %v\n%s", err, out)
	}
	for _, want := range []string{"3 locations from 2 definitions", "4 placements", "Job is valid"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output:\n%s", want, out)
		}
	}
}

func TestValidateCommand_Failures(t *testing.T) {
	t.Run("no compatible nozzle tip", func(t *testing.T) {
		dir := writeJob(t, strings.Replace(configYAML, `["0402", "0603"]`, `["0402"]`, 1))
		_, err := execute(t, "", "validate", "--root", dir)
		if !errors.Is(err, types.ErrNoCompatibleTool) {
			t.Errorf("expected ErrNoCompatibleTool, got %v", err)
		}
	})

	t.Run("missing config", func(t *testing.T) {
		dir := writeJob(t, "")
		if _, err := execute(t, "", "validate", "--root", dir); err == nil {
			t.Error("expected an error without a configuration")
		}
	})

	t.Run("missing definition", func(t *testing.T) {
		dir := writeJob(t, strings.Replace(configYAML, "sensor.panel.yaml", "other.panel.yaml", 1))
		if _, err := execute(t, "", "validate", "--config", filepath.Join(dir, "pnpjob.yaml")); err == nil {
			t.Error("expected an error for a missing definition file")
		}
	})
}

func TestTreeCommand(t *testing.T) {
	dir := writeJob(t, configYAML)

	out, err := execute(t, "", "tree", "--root", dir)
	if err != nil {
		t.Fatalf("tree failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d:\n%s", len(lines), out)
	}
	if !strings.Contains(lines[0], "P1") || !strings.Contains(lines[0], "panel") {
		t.Errorf("unexpected root line: %s", lines[0])
	}
	if !strings.HasPrefix(lines[2], "  ") || !strings.Contains(lines[2], "B2") {
		t.Errorf("expected B2 indented under P1: %s", lines[2])
	}
	if !strings.Contains(lines[2], "(150.000, 10.000)") || !strings.Contains(lines[2], "Top") {
		t.Errorf("unexpected global pose for B2: %s", lines[2])
	}
	if !strings.Contains(lines[2], "0/2 placed") {
		t.Errorf("expected placement progress: %s", lines[2])
	}
}

func TestRunCommand_Policy(t *testing.T) {
	dir := writeJob(t, configYAML)

	out, err := execute(t, "", "run", "--root", dir, "--policy", "retry", "--fail-every", "2")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "All 4 placements placed") {
		t.Errorf("expected a complete run:\n%s", out)
	}
	if !strings.Contains(out, "Recovery: retry") {
		t.Errorf("expected the retries to be reported:\n%s", out)
	}
}

func TestRunCommand_UnattendedPauseStops(t *testing.T) {
	dir := writeJob(t, configYAML)

	out, err := execute(t, "", "run", "--root", dir, "--policy", "pause", "--fail-every", "1")
	if err != nil {
		t.Fatalf("run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Finished with 0 of 4 placements placed") {
		t.Errorf("expected the paused run to stop:\n%s", out)
	}
}

func TestRunCommand_Interactive(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"skip", "s\n", "Finished with 3 of 4 placements placed"},
		{"ignore", "ignore\n", "All 4 placements placed"},
		{"unknown answer then retry", "x\nr\n", "All 4 placements placed"},
		{"pause then resume", "p\nr\n", "All 4 placements placed"},
		{"pause then quit", "p\nq\n", "Finished with 3 of 4 placements placed"},
		{"no answer pauses and stops", "", "Finished with 3 of 4 placements placed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := writeJob(t, configYAML)

			out, err := execute(t, tt.input, "run", "--root", dir, "--fail-every", "4")
			if err != nil {
				t.Fatalf("run failed: %v\n%s", err, out)
			}
			if !strings.Contains(out, "Step failed:") {
				t.Errorf("expected the failure to be shown:\n%s", out)
			}
			if !strings.Contains(out, tt.want) {
				t.Errorf("expected %q:\n%s", tt.want, out)
			}
		})
	}
}

func TestRunCommand_ResumesProgress(t *testing.T) {
	dir := writeJob(t, configYAML)

	out, err := execute(t, "", "run", "--root", dir, "--policy", "skip", "--fail-every", "4")
	if err != nil {
		t.Fatalf("first run failed: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Finished with 3 of 4 placements placed") {
		t.Fatalf("expected one skipped placement:\n%s", out)
	}

	out, err = execute(t, "", "tree", "--root", dir)
	if err != nil {
		t.Fatalf("tree failed: %v", err)
	}
	if !strings.Contains(out, "2/2 placed") || !strings.Contains(out, "1/2 placed") {
		t.Errorf("expected the saved progress in the tree:\n%s", out)
	}

	out, err = execute(t, "", "run", "--root", dir, "--policy", "retry")
	if err != nil {
		t.Fatalf("second run failed: %v\n%s", err, out)
	}
	for _, want := range []string{"Restored 3 placed flags", "(3 placed)", "All 4 placements placed"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "", "run", "--root", dir, "--policy", "retry", "--fresh")
	if err != nil {
		t.Fatalf("fresh run failed: %v\n%s", err, out)
	}
	if strings.Contains(out, "Restored") || !strings.Contains(out, "(0 placed)") {
		t.Errorf("expected a fresh run to ignore saved progress:\n%s", out)
	}

	out, err = execute(t, "", "status", "--root", dir)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "pnpjob stopped, 4 placed, 3 runs (3 completed, 0 aborted)") {
		t.Errorf("unexpected status:\n%s", out)
	}
	if strings.Contains(out, "running (pid") {
		t.Errorf("a finished run still shows as running:\n%s", out)
	}
}

func TestStatusCommand_NoProgress(t *testing.T) {
	dir := writeJob(t, configYAML)
	out, err := execute(t, "", "status", "--root", dir)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if strings.Contains(out, "pnpjob") {
		t.Errorf("expected no jobs:\n%s", out)
	}
}

func TestRunCommand_InvalidPolicy(t *testing.T) {
	dir := writeJob(t, configYAML)
	if _, err := execute(t, "", "run", "--root", dir, "--policy", "explode"); err == nil {
		t.Error("expected an error for an unknown policy")
	}
}

func TestArrayCommand(t *testing.T) {
	dir := writeJob(t, "")
	panelPath := filepath.Join(dir, "sensor.panel.yaml")

	out, err := execute(t, "", "array", panelPath, "B1", "--rows", "2", "--cols", "2", "--x-pitch", "25", "--y-pitch", "30", "--dry-run")
	if err != nil {
		t.Fatalf("array --dry-run failed: %v", err)
	}
	if !strings.Contains(out, "B1_R2C2 at (25.000, 30.000)") {
		t.Errorf("unexpected grid:\n%s", out)
	}
	before, _ := os.ReadFile(panelPath)
	if string(before) != panelYAML {
		t.Error("dry run modified the panel")
	}

	if _, err := execute(t, "", "array", panelPath, "B1", "--rows", "2", "--cols", "2", "--x-pitch", "25", "--y-pitch", "30", "--replace"); err != nil {
		t.Fatalf("array failed: %v", err)
	}

	h, err := store.New(logger.NewNopLogger()).Load(panelPath)
	if err != nil {
		t.Fatalf("failed to reload panel: %v", err)
	}
	var ids []string
	for _, c := range h.Children {
		ids = append(ids, c.ID)
	}
	if got := strings.Join(ids, ","); got != "B2,B1_R1C1,B1_R1C2,B1_R2C1,B1_R2C2" {
		t.Errorf("unexpected children: %s", got)
	}
	if h.Children[0].File != filepath.Join(dir, "sensor.board.yaml") {
		t.Errorf("child file not resolved: %s", h.Children[0].File)
	}

	_, err = execute(t, "", "array", panelPath, "B9", "--rows", "2")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for an unknown child, got %v", err)
	}
	_, err = execute(t, "", "array", filepath.Join(dir, "sensor.board.yaml"), "R1")
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument for a board, got %v", err)
	}
}

const fiducialBoardYAML = `kind: board
name: sensor
placements:
  - id: FID1
    x: 1
    y: 0
    type: fiducial
  - id: R1
    part: R0402-10k
    x: 1
    y: 2
`

func TestFiducialsCommand(t *testing.T) {
	dir := writeJob(t, "")
	panelPath := filepath.Join(dir, "sensor.panel.yaml")
	if err := os.WriteFile(filepath.Join(dir, "sensor.board.yaml"), []byte(fiducialBoardYAML), 0644); err != nil {
		t.Fatalf("failed to write board: %v", err)
	}

	out, err := execute(t, "", "fiducials", panelPath, "B2", "--dry-run")
	if err != nil {
		t.Fatalf("fiducials --dry-run failed: %v", err)
	}
	if !strings.Contains(out, "FID1@B2 at (51.000, 0.000) top") {
		t.Errorf("unexpected fiducials:\n%s", out)
	}
	before, _ := os.ReadFile(panelPath)
	if string(before) != panelYAML {
		t.Error("dry run modified the panel")
	}

	for _, child := range []string{"B1", "B2"} {
		if _, err := execute(t, "", "fiducials", panelPath, child); err != nil {
			t.Fatalf("fiducials %s failed: %v", child, err)
		}
	}
	h, err := store.New(logger.NewNopLogger()).Load(panelPath)
	if err != nil {
		t.Fatalf("failed to reload panel: %v", err)
	}
	var ids []string
	for _, p := range h.PseudoFiducials {
		ids = append(ids, p.ID)
	}
	if got := strings.Join(ids, ","); got != "FID1@B1,FID1@B2" {
		t.Errorf("unexpected projected fiducials: %s", got)
	}
	if h.PseudoFiducials[1].SourceChild != "B2" {
		t.Errorf("unexpected source child: %s", h.PseudoFiducials[1].SourceChild)
	}

	if _, err := execute(t, "", "fiducials", panelPath, "--clear"); err != nil {
		t.Fatalf("fiducials --clear failed: %v", err)
	}
	h, err = store.New(logger.NewNopLogger()).Load(panelPath)
	if err != nil {
		t.Fatalf("failed to reload panel: %v", err)
	}
	if len(h.PseudoFiducials) != 0 {
		t.Errorf("expected no projected fiducials after --clear, got %d", len(h.PseudoFiducials))
	}

	_, err = execute(t, "", "fiducials", panelPath)
	if !errors.Is(err, types.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument without a child, got %v", err)
	}
	_, err = execute(t, "", "fiducials", panelPath, "B9")
	if !errors.Is(err, types.ErrNotFound) {
		t.Errorf("expected ErrNotFound for an unknown child, got %v", err)
	}
}

func TestInitCommand(t *testing.T) {
	dir := writeJob(t, "")

	out, err := execute(t, "", "init", "--root", dir)
	if err != nil {
		t.Fatalf("init failed: %v", err)
	}
	if !strings.Contains(out, "Created configuration") {
		t.Errorf("unexpected output: %s", out)
	}

	cfg, err := config.NewManager().LoadConfig(filepath.Join(dir, "pnpjob.yaml"))
	if err != nil {
		t.Fatalf("generated config does not load: %v", err)
	}
	if len(cfg.Job.Roots) != 2 || cfg.Job.Roots[0].File != filepath.Join(dir, "sensor.panel.yaml") {
		t.Errorf("expected the panel first, got %+v", cfg.Job.Roots)
	}

	if _, err := execute(t, "", "init", "--root", dir); err == nil {
		t.Error("expected init to refuse overwriting")
	}
	if _, err := execute(t, "", "init", "--root", dir, "--force", "sensor.board.yaml"); err != nil {
		t.Errorf("init --force failed: %v", err)
	}
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	dir := writeJob(t, configYAML)
	t.Setenv("PNPJOB_ROOT", dir)

	out, err := execute(t, "", "validate")
	if err != nil {
		t.Fatalf("validate with PNPJOB_ROOT failed: %v", err)
	}
	if !strings.Contains(out, "Job is valid") {
		t.Errorf("unexpected output: %s", out)
	}
}
