package state_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pnpforge/pnpjob/internal/hierarchy"
	"github.com/pnpforge/pnpjob/internal/state"
	"github.com/pnpforge/pnpjob/internal/store"
	"github.com/pnpforge/pnpjob/pkg/logger"
	"github.com/pnpforge/pnpjob/pkg/types"
)

// twoBoardJob builds a panel P1 holding boards B1 and B2, each with R1 and R2
func twoBoardJob(t *testing.T) *hierarchy.Job {
	t.Helper()
	dir := t.TempDir()
	log := logger.NewNopLogger()
	job := hierarchy.NewJob(store.New(log), log)

	board := types.NewBoard(filepath.Join(dir, "b.board.yaml"))
	board.Placements = []*types.Placement{
		{ID: "R1", Part: "R1k", Type: types.PlacementTypePlace, Enabled: true},
		{ID: "R2", Part: "R1k", Type: types.PlacementTypePlace, Enabled: true},
	}
	panel := types.NewPanel(filepath.Join(dir, "p.panel.yaml"))
	if _, err := job.AddRoot(panel, types.ChildSpec{ID: "P1", Enabled: true}); err != nil {
		t.Fatalf("AddRoot failed: %v", err)
	}
	if err := job.Store().Put(board); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	p1, _ := job.Find("P1")
	for i, id := range []string{"B1", "B2"} {
		spec := types.ChildSpec{ID: id, File: board.Path, Pose: types.NewPose(float64(i)*50, 0, 0), Enabled: true}
		if _, err := job.AddChild(p1, spec); err != nil {
			t.Fatalf("AddChild %s failed: %v", id, err)
		}
	}
	return job
}

func setPlaced(t *testing.T, job *hierarchy.Job, path, placement string) {
	t.Helper()
	id, ok := job.Find(path)
	if !ok {
		t.Fatalf("no location %s", path)
	}
	if err := job.SetPlaced(id, placement, true); err != nil {
		t.Fatalf("SetPlaced failed: %v", err)
	}
}

func TestManager_Initialize(t *testing.T) {
	tmpDir := t.TempDir()
	m := state.NewManager(tmpDir, nil)

	p, err := m.Initialize("sensor")
	if err != nil {
		t.Fatalf("failed to initialize state: %v", err)
	}
	if p.JobName != "sensor" {
		t.Errorf("expected job name 'sensor', got %s", p.JobName)
	}
	if p.State != types.JobStateStopped {
		t.Errorf("expected stopped, got %s", p.State)
	}
	if p.ProcessID != os.Getpid() {
		t.Errorf("expected current PID, got %d", p.ProcessID)
	}

	stateFile := filepath.Join(tmpDir, ".pnpjob", "state", "sensor.json")
	if _, err := os.Stat(stateFile); os.IsNotExist(err) {
		t.Error("state file was not created")
	}

	if _, err := m.Read("nonexistent"); err == nil {
		t.Error("expected error reading non-existent state")
	}
}

func TestManager_CaptureAndRestore(t *testing.T) {
	tmpDir := t.TempDir()
	m := state.NewManager(tmpDir, nil)
	if _, err := m.Initialize("sensor"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	job := twoBoardJob(t)
	setPlaced(t, job, "P1/B1", "R1")
	setPlaced(t, job, "P1/B1", "R2")
	setPlaced(t, job, "P1/B2", "R2")

	if err := m.Capture("sensor", job); err != nil {
		t.Fatalf("Capture failed: %v", err)
	}

	// A fresh manager reads the file back
	saved, err := state.NewManager(tmpDir, nil).Read("sensor")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got := saved.Placed["P1/B1"]; len(got) != 2 || got[0] != "R1" || got[1] != "R2" {
		t.Errorf("unexpected B1 progress: %v", got)
	}

	other := twoBoardJob(t)
	restored, err := m.Restore("sensor", other)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored != 3 {
		t.Errorf("expected 3 restored flags, got %d", restored)
	}
	total, placed := other.PlacementStats()
	if total != 4 || placed != 3 {
		t.Errorf("expected 3 of 4 placed, got %d of %d", placed, total)
	}
	b2, _ := other.Find("P1/B2")
	if other.IsPlaced(b2, "R1") || !other.IsPlaced(b2, "R2") {
		t.Error("placed flags restored on the wrong placement")
	}
}

func TestManager_RestoreSkipsUnknownEntries(t *testing.T) {
	tmpDir := t.TempDir()
	m := state.NewManager(tmpDir, nil)
	if _, err := m.Initialize("sensor"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	stateFile := filepath.Join(tmpDir, ".pnpjob", "state", "sensor.json")
	data, _ := json.Marshal(&state.JobProgress{
		JobName: "sensor",
		Placed: map[string][]string{
			"P1/B1": {"R1", "R9"},
			"P1/B7": {"R1"},
			"P1":    {"R1"},
		},
	})
	if err := os.WriteFile(stateFile, data, 0644); err != nil {
		t.Fatal(err)
	}

	job := twoBoardJob(t)
	restored, err := state.NewManager(tmpDir, nil).Restore("sensor", job)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored != 1 {
		t.Errorf("expected only P1/B1:R1 restored, got %d", restored)
	}
}

func TestManager_RecordRun(t *testing.T) {
	m := state.NewManager(t.TempDir(), nil)
	if _, err := m.Initialize("sensor"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := m.RecordState("sensor", types.JobStateRunning); err != nil {
		t.Fatalf("RecordState failed: %v", err)
	}
	if err := m.RecordRun("sensor", false, 0, errors.New("feeder jam")); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}
	if err := m.RecordRun("sensor", true, 90*time.Second, nil); err != nil {
		t.Fatalf("RecordRun failed: %v", err)
	}

	p, _ := m.Read("sensor")
	if p.RunCount != 2 || p.CompletedCount != 1 || p.AbortCount != 1 {
		t.Errorf("unexpected counters: %+v", p)
	}
	if p.LastError != "" || p.RunDuration != 90*time.Second || p.State != types.JobStateStopped {
		t.Errorf("last run not recorded: %+v", p)
	}

	if err := m.RecordRun("unknown", true, 0, nil); err == nil {
		t.Error("expected an error for an unknown job")
	}
}

func TestManager_Remove(t *testing.T) {
	tmpDir := t.TempDir()
	m := state.NewManager(tmpDir, nil)
	if _, err := m.Initialize("sensor"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}

	if err := m.Remove("sensor"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(tmpDir, ".pnpjob", "state", "sensor.json")); !os.IsNotExist(err) {
		t.Error("state file was not removed")
	}
	if err := m.Remove("sensor"); err != nil {
		t.Errorf("removing twice should succeed: %v", err)
	}
}

func TestManager_IsLocked(t *testing.T) {
	tmpDir := t.TempDir()
	m := state.NewManager(tmpDir, nil)

	if _, err := m.Initialize("sensor"); err != nil {
		t.Fatalf("failed to initialize state: %v", err)
	}

	locked, err := m.IsLocked("sensor")
	if err != nil {
		t.Fatalf("failed to check lock: %v", err)
	}
	if locked {
		t.Error("state should not be locked by own process")
	}

	stateFile := filepath.Join(tmpDir, ".pnpjob", "state", "sensor.json")
	write := func(p *state.JobProgress) {
		data, _ := json.Marshal(p)
		if err := os.WriteFile(stateFile, data, 0644); err != nil {
			t.Fatal(err)
		}
	}

	// Old heartbeat
	write(&state.JobProgress{JobName: "sensor", ProcessID: 99999, Heartbeat: time.Now().Add(-time.Hour)})
	if locked, _ := m.IsLocked("sensor"); locked {
		t.Error("state with old heartbeat should not be locked")
	}

	// The parent process (the test runner) is alive
	write(&state.JobProgress{JobName: "sensor", ProcessID: os.Getppid(), Heartbeat: time.Now()})
	locked, err = m.IsLocked("sensor")
	if err != nil {
		t.Fatalf("failed to check lock: %v", err)
	}
	if !locked {
		t.Skip("parent process is not signalable on this platform")
	}
	_, err = state.NewManager(tmpDir, nil).Initialize("sensor")
	if !errors.Is(err, types.ErrJobAlreadyRunning) {
		t.Errorf("expected ErrJobAlreadyRunning, got %v", err)
	}
}

func TestManager_Discover(t *testing.T) {
	tmpDir := t.TempDir()
	m := state.NewManager(tmpDir, nil)

	for _, name := range []string{"top", "bottom"} {
		if _, err := m.Initialize(name); err != nil {
			t.Fatalf("Initialize %s failed: %v", name, err)
		}
	}
	// Ignored
	if err := os.WriteFile(filepath.Join(tmpDir, ".pnpjob", "state", "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tmpDir, ".pnpjob", "state", "broken.json"), []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}

	found, err := m.Discover()
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(found) != 2 || found["top"] == nil || found["bottom"] == nil {
		t.Errorf("unexpected states: %v", found)
	}
}

func TestManager_Heartbeat(t *testing.T) {
	m := state.NewManager(t.TempDir(), nil)
	p, err := m.Initialize("sensor")
	if err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	first := p.Heartbeat

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartHeartbeat(ctx, 10*time.Millisecond)
	m.StartHeartbeat(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		p, _ = m.Read("sensor")
		if p.Heartbeat.After(first) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !p.Heartbeat.After(first) {
		t.Error("heartbeat was not refreshed")
	}
	m.StopHeartbeat()
	m.StopHeartbeat()
}

func TestManager_Cleanup(t *testing.T) {
	tmpDir := t.TempDir()
	m := state.NewManager(tmpDir, nil)
	if _, err := m.Initialize("sensor"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	if err := m.RecordState("sensor", types.JobStatePaused); err != nil {
		t.Fatalf("RecordState failed: %v", err)
	}

	if err := m.Cleanup(); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}

	p, err := state.NewManager(tmpDir, nil).Read("sensor")
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if p.ProcessID != 0 || p.State != types.JobStateStopped {
		t.Errorf("job not released: %+v", p)
	}
}

func TestManager_ConcurrentCaptures(t *testing.T) {
	m := state.NewManager(t.TempDir(), nil)
	if _, err := m.Initialize("sensor"); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	job := twoBoardJob(t)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- m.Capture("sensor", job)
		}()
		go func(i int) {
			defer wg.Done()
			errs <- m.RecordState("sensor", types.JobStateRunning)
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent update failed: %v", err)
		}
	}
	if p, err := m.Read("sensor"); err != nil || p.JobName != "sensor" {
		t.Errorf("state corrupted during concurrent updates: %v %+v", err, p)
	}
}
