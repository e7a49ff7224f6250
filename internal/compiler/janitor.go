package compiler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/brook-data/brook/manager/internal/domain"
)

// GCStore is the slice of the program store the janitor needs.
// *postgres.ProgramStore satisfies it.
type GCStore interface {
	DeleteSupersededArtifacts(ctx context.Context) ([]domain.CompiledArtifact, error)
}

// Janitor garbage-collects build directories whose artifact was superseded by
// a newer program version. It runs on a cron schedule (default @hourly).
type Janitor struct {
	store      GCStore
	workingDir string
	cron       *cron.Cron
}

// NewJanitor creates a janitor sweeping under workingDir on the given cron
// schedule.
func NewJanitor(store GCStore, workingDir, schedule string) (*Janitor, error) {
	j := &Janitor{
		store:      store,
		workingDir: workingDir,
		cron:       cron.New(),
	}
	if _, err := j.cron.AddFunc(schedule, j.sweep); err != nil {
		return nil, fmt.Errorf("invalid gc schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins the cron scheduler.
func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the cron scheduler and waits for a running sweep to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := j.Sweep(ctx); err != nil {
		slog.Error("compiler: artifact sweep failed", "error", err)
	}
}

// Sweep deletes superseded artifact rows and removes their build directories.
// Exported so one-shot maintenance can invoke it directly.
func (j *Janitor) Sweep(ctx context.Context) error {
	stale, err := j.store.DeleteSupersededArtifacts(ctx)
	if err != nil {
		return fmt.Errorf("delete superseded artifacts: %w", err)
	}

	for _, a := range stale {
		dir := buildDir(j.workingDir, a.ProgramID, a.Version)
		// Only remove paths we own. A row pointing elsewhere (relocated
		// working dir) keeps its files.
		rel, err := filepath.Rel(j.workingDir, a.BinaryPath)
		if err != nil || strings.HasPrefix(rel, "..") {
			slog.Warn("compiler: skipping artifact outside working dir", "path", a.BinaryPath)
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			slog.Warn("compiler: failed to remove build dir", "dir", dir, "error", err)
			continue
		}
		artifactsReclaimed.Inc()
		slog.Info("compiler: reclaimed superseded build",
			"program_id", a.ProgramID, "version", a.Version)
	}
	return nil
}
