package update

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/updeck/updeck/internal/docker"
)

func fixedClock() time.Time {
	return time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
}

func newOrchestrator(eng docker.Engine) *Orchestrator {
	return &Orchestrator{Engine: eng, Now: fixedClock}
}

func webConfig(image string) *docker.ContainerConfig {
	return &docker.ContainerConfig{
		Name:  "web",
		Image: image,
		Env:   map[string]string{"MODE": "prod"},
		Networks: []docker.NetworkAttachment{
			{Name: "backend", Aliases: []string{"web"}},
		},
	}
}

func TestUpdateSuccess(t *testing.T) {
	t.Parallel()
	fake := docker.NewFakeEngine()
	fake.AddContainer(webConfig("app:v1"), true)

	a := newOrchestrator(fake).Run(context.Background(), "web", "app:v2")

	if !a.Success {
		t.Fatalf("update failed: %s\nsteps: %v", a.Error, a.Steps)
	}
	if a.OldImage != "app:v1" || a.NewImage != "app:v2" {
		t.Errorf("images = %s -> %s", a.OldImage, a.NewImage)
	}
	if a.RolledBack {
		t.Error("successful update marked rolled back")
	}

	if got := fake.Image("web"); got != "app:v2" {
		t.Errorf("web image = %s, want app:v2", got)
	}
	if got := fake.State("web"); got != "running" {
		t.Errorf("web state = %s, want running", got)
	}
	// The backup must be gone.
	if names := fake.Names(); len(names) != 1 || names[0] != "web" {
		t.Errorf("containers left: %v", names)
	}

	if len(a.Steps) < 7 {
		t.Errorf("step log too short: %v", a.Steps)
	}
	if !strings.HasPrefix(a.Steps[0], "[1/7]") {
		t.Errorf("step log not ordered: %v", a.Steps[0])
	}
}

func TestUpdateCreateFailureRollsBack(t *testing.T) {
	t.Parallel()
	fake := docker.NewFakeEngine()
	fake.AddContainer(webConfig("app:v1"), true)
	fake.Errs["create"] = errors.New("invalid mount spec")

	a := newOrchestrator(fake).Run(context.Background(), "web", "app:v2")

	if a.Success {
		t.Fatal("update should have failed")
	}
	if !a.RolledBack {
		t.Error("rollback not recorded")
	}
	if !strings.Contains(a.Error, "invalid mount spec") {
		t.Errorf("original error masked: %s", a.Error)
	}

	// Rollback guarantee: web exists, runs its old image.
	if got := fake.Image("web"); got != "app:v1" {
		t.Errorf("web image = %s, want app:v1", got)
	}
	if got := fake.State("web"); got != "running" {
		t.Errorf("web state = %s, want running", got)
	}
	if names := fake.Names(); len(names) != 1 {
		t.Errorf("containers left: %v", names)
	}
}

func TestUpdateStartVerificationRollsBack(t *testing.T) {
	t.Parallel()
	fake := docker.NewFakeEngine()
	fake.AddContainer(webConfig("app:v1"), true)
	fake.ExitOnStart["web"] = true

	a := newOrchestrator(fake).Run(context.Background(), "web", "app:v2")

	if a.Success {
		t.Fatal("update should have failed verification")
	}
	if !errors.Is(a.Err, ErrStartVerification) {
		t.Errorf("err = %v, want ErrStartVerification", a.Err)
	}
	if got := fake.Image("web"); got != "app:v1" {
		t.Errorf("web image = %s, want app:v1", got)
	}
}

func TestUpdateStoppedStaysStopped(t *testing.T) {
	t.Parallel()
	fake := docker.NewFakeEngine()
	fake.AddContainer(webConfig("app:v1"), false)

	a := newOrchestrator(fake).Run(context.Background(), "web", "app:v2")

	if !a.Success {
		t.Fatalf("update failed: %s", a.Error)
	}
	if got := fake.State("web"); got == "running" {
		t.Error("stopped container was started by the update")
	}

	var sawSkip bool
	for _, s := range a.Steps {
		if strings.Contains(s, "skipping stop") {
			sawSkip = true
		}
	}
	if !sawSkip {
		t.Errorf("skip not recorded in step log: %v", a.Steps)
	}

	// Stop and Start must not have been called at all.
	for _, call := range fake.Calls {
		if strings.HasPrefix(call, "stop") || strings.HasPrefix(call, "start") {
			t.Errorf("unexpected call %q", call)
		}
	}
}

func TestUpdateReconnectsExtraNetworks(t *testing.T) {
	t.Parallel()
	cfg := webConfig("app:v1")
	cfg.Networks = append(cfg.Networks,
		docker.NetworkAttachment{Name: "metrics"},
		docker.NetworkAttachment{Name: "mesh", IPv4: "172.30.0.9"},
	)
	fake := docker.NewFakeEngine()
	fake.AddContainer(cfg, true)

	a := newOrchestrator(fake).Run(context.Background(), "web", "app:v2")

	if !a.Success {
		t.Fatalf("update failed: %s", a.Error)
	}
	attached := fake.AttachedNetworks("web")
	if len(attached) != 3 {
		t.Fatalf("attached networks = %v, want 3", attached)
	}
	if attached[0].Name != "backend" {
		t.Errorf("first network = %s, want backend (create-time attach)", attached[0].Name)
	}
	for _, att := range attached {
		if att.Name == "mesh" && att.IPv4 != "172.30.0.9" {
			t.Errorf("static address lost on reattach: %+v", att)
		}
	}
}

func TestUpdateNetworkAttachFailureIsWarning(t *testing.T) {
	t.Parallel()
	cfg := webConfig("app:v1")
	cfg.Networks = append(cfg.Networks, docker.NetworkAttachment{Name: "metrics"})
	fake := docker.NewFakeEngine()
	fake.AddContainer(cfg, true)
	fake.Errs["connect"] = errors.New("network not found")

	a := newOrchestrator(fake).Run(context.Background(), "web", "app:v2")

	if !a.Success {
		t.Fatalf("attach failure should not fail the update: %s", a.Error)
	}
	if len(a.Warnings) == 0 {
		t.Error("attach failure not recorded as warning")
	}
}

func TestUpdateBackupRemovalFailureIsWarning(t *testing.T) {
	t.Parallel()
	fake := docker.NewFakeEngine()
	fake.AddContainer(webConfig("app:v1"), true)
	fake.Errs["remove"] = errors.New("device busy")

	a := newOrchestrator(fake).Run(context.Background(), "web", "app:v2")

	if !a.Success {
		t.Fatalf("removal failure should not fail the update: %s", a.Error)
	}
	if len(a.Warnings) == 0 {
		t.Error("removal failure not recorded as warning")
	}
	// Backup lingers until the next cleanup.
	if names := fake.Names(); len(names) != 2 {
		t.Errorf("containers = %v, want web plus backup", names)
	}
}

func TestUpdateMissingContainer(t *testing.T) {
	t.Parallel()
	fake := docker.NewFakeEngine()

	a := newOrchestrator(fake).Run(context.Background(), "ghost", "app:v2")

	if a.Success {
		t.Fatal("update of missing container should fail")
	}
	if !errors.Is(a.Err, ErrSnapshot) || !errors.Is(a.Err, docker.ErrNotFound) {
		t.Errorf("err = %v", a.Err)
	}
	if a.RolledBack {
		t.Error("nothing to roll back before rename")
	}
}

func TestUpdateSameImageRepullsFullCycle(t *testing.T) {
	t.Parallel()
	fake := docker.NewFakeEngine()
	fake.AddContainer(webConfig("app:v1"), true)

	a := newOrchestrator(fake).Run(context.Background(), "web", "")

	if !a.Success {
		t.Fatalf("update failed: %s", a.Error)
	}
	if a.NewImage != "app:v1" {
		t.Errorf("empty target should re-pull current image, got %s", a.NewImage)
	}

	var pulled bool
	for _, call := range fake.Calls {
		if call == "pull app:v1" {
			pulled = true
		}
	}
	if !pulled {
		t.Errorf("no pull recorded: %v", fake.Calls)
	}
}

func TestBackupNameFormat(t *testing.T) {
	t.Parallel()
	fake := docker.NewFakeEngine()
	fake.AddContainer(webConfig("app:v1"), true)
	fake.Errs["remove"] = errors.New("keep the backup around")

	newOrchestrator(fake).Run(context.Background(), "web", "app:v2")

	want := "web_backup_20240315103000"
	var found bool
	for _, name := range fake.Names() {
		if name == want {
			found = true
		}
	}
	if !found {
		t.Errorf("backup %s not found in %v", want, fake.Names())
	}
}

// cancelAwareEngine refuses new work once the passed context is done, the
// way a real transport would. The plain fake ignores contexts entirely.
type cancelAwareEngine struct {
	*docker.FakeEngine
}

func (e *cancelAwareEngine) List(ctx context.Context, all bool) ([]docker.Container, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.FakeEngine.List(ctx, all)
}

func (e *cancelAwareEngine) Inspect(ctx context.Context, name string) (*container.InspectResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.FakeEngine.Inspect(ctx, name)
}

func (e *cancelAwareEngine) Pull(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.FakeEngine.Pull(ctx, ref)
}

func (e *cancelAwareEngine) Create(ctx context.Context, cfg *docker.ContainerConfig) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return e.FakeEngine.Create(ctx, cfg)
}

func (e *cancelAwareEngine) Start(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.FakeEngine.Start(ctx, name)
}

func (e *cancelAwareEngine) Stop(ctx context.Context, name string, timeout *int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.FakeEngine.Stop(ctx, name, timeout)
}

func (e *cancelAwareEngine) Rename(ctx context.Context, name, newName string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.FakeEngine.Rename(ctx, name, newName)
}

func (e *cancelAwareEngine) Remove(ctx context.Context, name string, force bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.FakeEngine.Remove(ctx, name, force)
}

func (e *cancelAwareEngine) ConnectNetwork(ctx context.Context, network, name string, att *docker.NetworkAttachment) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.FakeEngine.ConnectNetwork(ctx, network, name, att)
}

// A caller that goes away mid-update must not strand the container between
// states: the sequence keeps running on its own deadlines to completion.
func TestUpdateFinishesAfterCallerCancel(t *testing.T) {
	t.Parallel()
	fake := docker.NewFakeEngine()
	fake.AddContainer(webConfig("app:v1"), true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := newOrchestrator(&cancelAwareEngine{FakeEngine: fake})
	o.OnStep = func(line string) {
		if strings.HasPrefix(line, "[2/7]") {
			cancel()
		}
	}

	a := o.Run(ctx, "web", "app:v2")

	if !a.Success {
		t.Fatalf("update failed after caller cancel: %s\nsteps: %v", a.Error, a.Steps)
	}
	if got := fake.Image("web"); got != "app:v2" {
		t.Errorf("web image = %s, want app:v2", got)
	}
	if got := fake.State("web"); got != "running" {
		t.Errorf("web state = %s, want running", got)
	}
	if names := fake.Names(); len(names) != 1 || names[0] != "web" {
		t.Errorf("containers left: %v", names)
	}
}

// The same holds on the failure path: a canceled caller still gets a full
// rollback, not a half-renamed container.
func TestUpdateRollsBackAfterCallerCancel(t *testing.T) {
	t.Parallel()
	fake := docker.NewFakeEngine()
	fake.AddContainer(webConfig("app:v1"), true)
	fake.Errs["create"] = errors.New("disk full")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	o := newOrchestrator(&cancelAwareEngine{FakeEngine: fake})
	o.OnStep = func(line string) {
		if strings.HasPrefix(line, "[2/7]") {
			cancel()
		}
	}

	a := o.Run(ctx, "web", "app:v2")

	if a.Success {
		t.Fatal("update should have failed")
	}
	if !a.RolledBack {
		t.Error("rollback not recorded")
	}
	if got := fake.Image("web"); got != "app:v1" {
		t.Errorf("web image = %s, want app:v1", got)
	}
	if got := fake.State("web"); got != "running" {
		t.Errorf("web state = %s, want running", got)
	}
}

type fixedResolver struct {
	digest string
	err    error
}

func (r fixedResolver) Digest(ctx context.Context, ref string) (string, error) {
	return r.digest, r.err
}

func TestCheckAvailable(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		local     string
		remote    string
		remoteErr error
		want      bool
	}{
		{"digests differ", "sha256:aaa", "sha256:bbb", nil, true},
		{"digests equal", "sha256:aaa", "sha256:aaa", nil, false},
		{"local unknown", "", "sha256:bbb", nil, false},
		{"remote unknown", "sha256:aaa", "", nil, false},
		{"resolver error", "sha256:aaa", "", errors.New("registry down"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			fake := docker.NewFakeEngine()
			if tc.local != "" {
				fake.SetLocalImage("app:v1", tc.local)
			}
			av := CheckAvailable(context.Background(), fake, fixedResolver{tc.remote, tc.remoteErr}, "app:v1")
			if av.Available != tc.want {
				t.Errorf("Available = %v, want %v", av.Available, tc.want)
			}
		})
	}
}
