// Package update replaces a running container with a fresh copy of its image
// while holding a renamed backup for rollback. The sequence must reach a
// terminal state once started; it detaches from caller cancellation and runs
// on its own per-step deadlines.
package update

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/updeck/updeck/internal/docker"
)

// ErrStartVerification means the replacement container was started but did
// not stay in the running state.
var ErrStartVerification = errors.New("replacement did not reach running state")

// ErrSnapshot wraps failures to capture the container's configuration before
// any change is made.
var ErrSnapshot = errors.New("configuration capture failed")

const (
	backupSep        = "_backup_"
	backupTimeFormat = "20060102150405"

	defaultStepTimeout = time.Minute
	defaultPullTimeout = 10 * time.Minute
)

// Attempt is the full record of one update, success or not. The ordered step
// log is always populated, also on failure, so operators can see how far the
// sequence got.
type Attempt struct {
	Host      string    `json:"host,omitempty"`
	Container string    `json:"container"`
	OldImage  string    `json:"oldImage"`
	NewImage  string    `json:"newImage"`
	StartedAt time.Time `json:"startedAt"`
	Duration  string    `json:"duration"`

	Steps    []string `json:"steps"`
	Warnings []string `json:"warnings,omitempty"`

	Success    bool   `json:"success"`
	RolledBack bool   `json:"rolledBack"`
	Error      string `json:"error,omitempty"`

	// Err is the original failure, nil on success. Not serialized; Error
	// carries the message over the wire.
	Err error `json:"-"`
}

// Orchestrator runs the update sequence against one Engine. Zero values for
// the timeouts and clock pick sensible defaults.
type Orchestrator struct {
	Engine docker.Engine

	StepTimeout time.Duration
	PullTimeout time.Duration

	// Now is the clock used for backup names. Tests pin it.
	Now func() time.Time

	// OnStep, when set, receives each step log line as it happens, for live
	// progress streaming.
	OnStep func(line string)
}

func (o *Orchestrator) stepTimeout() time.Duration {
	if o.StepTimeout > 0 {
		return o.StepTimeout
	}
	return defaultStepTimeout
}

func (o *Orchestrator) pullTimeout() time.Duration {
	if o.PullTimeout > 0 {
		return o.PullTimeout
	}
	return defaultPullTimeout
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

func (a *Attempt) log(o *Orchestrator, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	a.Steps = append(a.Steps, line)
	if o.OnStep != nil {
		o.OnStep(line)
	}
}

func (a *Attempt) warn(format string, args ...any) {
	a.Warnings = append(a.Warnings, fmt.Sprintf(format, args...))
}

func (a *Attempt) fail(err error) *Attempt {
	a.Success = false
	a.Err = err
	a.Error = err.Error()
	return a
}

// Run updates one container to newImage. An empty newImage re-pulls the
// container's current image reference. The attempt always reaches a terminal
// state: once the original has been renamed, any failure rolls back to it.
func (o *Orchestrator) Run(ctx context.Context, name, newImage string) *Attempt {
	// The sequence must not be torn down halfway by the caller going away;
	// per-step timeouts bound each operation instead.
	ctx = context.WithoutCancel(ctx)

	a := &Attempt{Container: name, StartedAt: o.now()}
	defer func() { a.Duration = time.Since(a.StartedAt).Round(time.Millisecond).String() }()

	// Step 1: capture configuration.
	a.log(o, "[1/7] Capturing configuration of %s", name)
	insp, err := o.inspect(ctx, name)
	if err != nil {
		return a.fail(fmt.Errorf("%w: %w", ErrSnapshot, err))
	}
	cfg := docker.Snapshot(insp)
	wasRunning := insp.State != nil && insp.State.Running
	a.OldImage = cfg.Image
	if newImage == "" {
		newImage = cfg.Image
	}
	a.NewImage = newImage

	// Step 2: pull the target image before touching the container.
	a.log(o, "[2/7] Pulling image %s", newImage)
	if err := o.withTimeout(ctx, o.pullTimeout(), func(ctx context.Context) error {
		return o.Engine.Pull(ctx, newImage)
	}); err != nil {
		return a.fail(err)
	}

	// Step 3: stop, unless it already is.
	if wasRunning {
		a.log(o, "[3/7] Stopping %s", name)
		if err := o.step(ctx, func(ctx context.Context) error {
			return o.Engine.Stop(ctx, name, cfg.StopTimeout)
		}); err != nil {
			return a.fail(err)
		}
	} else {
		a.log(o, "[3/7] %s is not running, skipping stop", name)
	}

	// Step 4: rename the original out of the way. From here on every failure
	// must roll back.
	backupName := name + backupSep + o.now().UTC().Format(backupTimeFormat)
	a.log(o, "[4/7] Renaming %s to %s", name, backupName)
	if err := o.step(ctx, func(ctx context.Context) error {
		return o.Engine.Rename(ctx, name, backupName)
	}); err != nil {
		return a.fail(err)
	}

	// Step 5: create the replacement from the captured configuration with the
	// image swapped.
	a.log(o, "[5/7] Creating replacement from %s", newImage)
	newCfg := *cfg
	newCfg.Image = newImage
	if err := o.step(ctx, func(ctx context.Context) error {
		_, err := o.Engine.Create(ctx, &newCfg)
		return err
	}); err != nil {
		return o.rollback(ctx, a, name, wasRunning, err)
	}

	// The daemon accepts one network at create time; attach the rest now.
	// Attach failures degrade connectivity but do not doom the update.
	for _, extra := range newCfg.ExtraNetworks() {
		att := extra
		if err := o.step(ctx, func(ctx context.Context) error {
			return o.Engine.ConnectNetwork(ctx, att.Name, name, &att)
		}); err != nil {
			a.warn("could not attach network %s: %v", att.Name, err)
		}
	}

	// Step 6: start, only if the original had been running. A container
	// stopped before the update stays stopped after.
	if wasRunning {
		a.log(o, "[6/7] Starting %s", name)
		if err := o.step(ctx, func(ctx context.Context) error {
			return o.Engine.Start(ctx, name)
		}); err != nil {
			return o.rollback(ctx, a, name, wasRunning, err)
		}

		insp, err := o.inspect(ctx, name)
		if err != nil {
			return o.rollback(ctx, a, name, wasRunning, err)
		}
		if insp.State == nil || !insp.State.Running {
			return o.rollback(ctx, a, name, wasRunning, ErrStartVerification)
		}
	} else {
		a.log(o, "[6/7] %s was stopped before the update, leaving it stopped", name)
	}

	// Step 7: the replacement is good, drop the backup.
	a.log(o, "[7/7] Removing backup %s", backupName)
	if err := o.step(ctx, func(ctx context.Context) error {
		return o.Engine.Remove(ctx, backupName, true)
	}); err != nil {
		a.warn("could not remove backup %s: %v", backupName, err)
	}

	a.Success = true
	return a
}

// rollback restores the original container after a failed update: any
// half-created replacement holding the name is force-removed, the most recent
// backup is renamed back, and it is restarted if it had been running. Rollback
// problems are logged and annotated but never mask the original error.
func (o *Orchestrator) rollback(ctx context.Context, a *Attempt, name string, wasRunning bool, cause error) *Attempt {
	a.log(o, "Update failed, rolling back %s", name)
	a.RolledBack = true

	if err := o.step(ctx, func(ctx context.Context) error {
		return o.Engine.Remove(ctx, name, true)
	}); err != nil && !errors.Is(err, docker.ErrNotFound) {
		a.warn("rollback: could not remove failed replacement: %v", err)
	}

	backupName, err := o.latestBackup(ctx, name)
	if err != nil {
		a.warn("rollback: could not locate backup: %v", err)
		slog.Error("rollback failed", "container", name, "err", err)
		return a.fail(cause)
	}

	if err := o.step(ctx, func(ctx context.Context) error {
		return o.Engine.Rename(ctx, backupName, name)
	}); err != nil {
		a.warn("rollback: could not restore %s from %s: %v", name, backupName, err)
		slog.Error("rollback failed", "container", name, "backup", backupName, "err", err)
		return a.fail(cause)
	}

	if wasRunning {
		if err := o.step(ctx, func(ctx context.Context) error {
			return o.Engine.Start(ctx, name)
		}); err != nil {
			a.warn("rollback: restored %s but could not start it: %v", name, err)
			slog.Error("rollback restart failed", "container", name, "err", err)
			return a.fail(cause)
		}
	}

	a.log(o, "Rolled back %s to %s", name, a.OldImage)
	return a.fail(cause)
}

// latestBackup finds the newest backup container for name. Backup names embed
// a sortable timestamp, so the lexicographically greatest match wins.
func (o *Orchestrator) latestBackup(ctx context.Context, name string) (string, error) {
	var containers []docker.Container
	err := o.step(ctx, func(ctx context.Context) error {
		var err error
		containers, err = o.Engine.List(ctx, true)
		return err
	})
	if err != nil {
		return "", err
	}

	prefix := name + backupSep
	var backups []string
	for _, c := range containers {
		if strings.HasPrefix(c.Name, prefix) {
			backups = append(backups, c.Name)
		}
	}
	if len(backups) == 0 {
		return "", fmt.Errorf("no backup of %s found", name)
	}
	sort.Strings(backups)
	return backups[len(backups)-1], nil
}

func (o *Orchestrator) inspect(ctx context.Context, name string) (insp *container.InspectResponse, err error) {
	err = o.step(ctx, func(ctx context.Context) error {
		var e error
		insp, e = o.Engine.Inspect(ctx, name)
		return e
	})
	return insp, err
}

func (o *Orchestrator) step(ctx context.Context, fn func(context.Context) error) error {
	return o.withTimeout(ctx, o.stepTimeout(), fn)
}

func (o *Orchestrator) withTimeout(ctx context.Context, d time.Duration, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
