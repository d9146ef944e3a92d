// Package fleet coordinates operations across all inventory hosts: container
// update checks and updates, OS package runs, and auth-log analysis. Batch
// runs fan out one goroutine per host behind a bounded semaphore; one host's
// failure never aborts the batch.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/updeck/updeck/internal/docker"
	"github.com/updeck/updeck/internal/inventory"
	"github.com/updeck/updeck/internal/models"
	"github.com/updeck/updeck/internal/pkgmgr"
	"github.com/updeck/updeck/internal/secrets"
	"github.com/updeck/updeck/internal/soc"
	"github.com/updeck/updeck/internal/sshx"
	"github.com/updeck/updeck/internal/update"
)

// Per-host batch outcomes.
const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// Batch kinds.
const (
	KindCheck   = "check_updates"
	KindAnalyze = "analyze"
)

// ErrBusy means a batch of the same kind is already running. A declined run
// is reported to the caller, never queued.
var ErrBusy = errors.New("fleet: run already in progress")

// ErrUnknownHost means the named host is not in the current inventory.
var ErrUnknownHost = errors.New("fleet: unknown host")

const defaultConcurrency = 4

// HostResult is one host's line in a batch report.
type HostResult struct {
	Host   string         `json:"host"`
	Status string         `json:"status"`
	Reason string         `json:"reason,omitempty"`
	Counts map[string]int `json:"counts,omitempty"`
}

// BatchReport summarizes one fleet-wide run.
type BatchReport struct {
	Kind       string       `json:"kind"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	Hosts      []HostResult `json:"hosts"`
}

// HostStatus is the last-known batch outcome for a host, kept for the hosts
// listing.
type HostStatus struct {
	HostResult
	Kind string    `json:"kind"`
	At   time.Time `json:"at"`
}

// ContainerInfo is a container listing entry with its update availability.
type ContainerInfo struct {
	docker.Container
	Update update.Availability `json:"update"`
}

// Conn is one live connection to a host. Runner is nil for TCP hosts, which
// expose only the daemon API.
type Conn struct {
	Engine docker.Engine
	Runner pkgmgr.Runner
	Close  func()
}

// Service owns fleet-wide operations. All collaborators are injected; the
// zero timeouts fall back to each layer's defaults.
type Service struct {
	Inventory *inventory.Manager
	Secrets   *secrets.Resolver
	Runs      *models.UpdateRunStore
	Registry  update.DigestResolver
	Analyzer  *soc.Analyzer

	Concurrency    int
	ConnectTimeout time.Duration
	StepTimeout    time.Duration
	PullTimeout    time.Duration
	PackageTimeout time.Duration

	// AutoApply updates every container a fleet check finds stale, instead
	// of only reporting.
	AutoApply bool

	// OnEvent, when set, receives live events ("update_step", "update_done",
	// "batch_done") for streaming.
	OnEvent func(event string, payload any)

	// Dial establishes a host connection. Defaults to the real SSH/TCP
	// transports; tests swap it for fakes.
	Dial func(ctx context.Context, host *inventory.Host) (*Conn, error)

	checking  atomic.Bool
	analyzing atomic.Bool

	statusMu sync.Mutex
	statuses map[string]HostStatus
}

func New(inv *inventory.Manager, sec *secrets.Resolver, runs *models.UpdateRunStore, reg update.DigestResolver, analyzer *soc.Analyzer) *Service {
	s := &Service{
		Inventory: inv,
		Secrets:   sec,
		Runs:      runs,
		Registry:  reg,
		Analyzer:  analyzer,
		statuses:  make(map[string]HostStatus),
	}
	s.Dial = s.connect
	return s
}

func (s *Service) concurrency() int {
	if s.Concurrency > 0 {
		return s.Concurrency
	}
	return defaultConcurrency
}

func (s *Service) emit(event string, payload any) {
	if s.OnEvent != nil {
		s.OnEvent(event, payload)
	}
}

// connect resolves credentials and opens the transport appropriate to the
// host kind.
func (s *Service) connect(ctx context.Context, host *inventory.Host) (*Conn, error) {
	if host.Kind == inventory.KindTCP {
		eng, err := docker.NewSDKEngine(host.Address, host.Docker.Port, host.Docker.TLS)
		if err != nil {
			return nil, err
		}
		return &Conn{Engine: eng, Close: func() { eng.Close() }}, nil
	}

	client, err := sshx.Dial(ctx, host, s.credentials(host), s.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	// sudo because the SSH user is typically not in the docker group.
	eng := docker.NewCLIEngine(client, true)
	eng.CommandTimeout = s.StepTimeout
	return &Conn{
		Engine: eng,
		Runner: client,
		Close:  func() { client.Close() },
	}, nil
}

const defaultStepTimeout = time.Minute

func (s *Service) stepTimeout() time.Duration {
	if s.StepTimeout > 0 {
		return s.StepTimeout
	}
	return defaultStepTimeout
}

// step bounds one engine call. A hung host must surface as a failed result,
// not hold the batch guard forever.
func (s *Service) step(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.stepTimeout())
	defer cancel()
	return fn(ctx)
}

func (s *Service) checkAvailable(ctx context.Context, eng docker.Engine, image string) update.Availability {
	ctx, cancel := context.WithTimeout(ctx, s.stepTimeout())
	defer cancel()
	return update.CheckAvailable(ctx, eng, s.Registry, image)
}

// credentials decrypts the host's credential blobs. A blob that fails to
// decrypt is treated as absent: the dial may still succeed on another method.
func (s *Service) credentials(host *inventory.Host) sshx.Credentials {
	decrypt := func(field, blob string) string {
		plain, err := s.Secrets.Decrypt(blob)
		if err != nil {
			slog.Warn("credential unavailable", "host", host.Name, "field", field, "err", err)
			return ""
		}
		return plain
	}

	creds := sshx.Credentials{
		KeyPassphrase: decrypt("key_passphrase", host.SSH.KeyPassphrase),
		Password:      decrypt("password", host.SSH.Password),
	}
	if key := decrypt("key", host.SSH.Key); key != "" {
		creds.PrivateKey = []byte(key)
	}
	return creds
}

// CheckAllHosts checks every container-enabled host for image updates,
// applying them when AutoApply is set. Non-reentrant.
func (s *Service) CheckAllHosts(ctx context.Context) (*BatchReport, error) {
	if !s.checking.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.checking.Store(false)

	report := s.forEachHost(ctx, KindCheck, func(h *inventory.Host) string {
		if !h.ContainersEnabled() {
			return "container updates disabled"
		}
		return ""
	}, s.checkHost)

	s.emit("batch_done", report)
	return report, nil
}

// AnalyzeAllHosts runs auth-log analysis on every security-enabled SSH host.
// Non-reentrant.
func (s *Service) AnalyzeAllHosts(ctx context.Context) (*BatchReport, error) {
	if !s.analyzing.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	defer s.analyzing.Store(false)

	report := s.forEachHost(ctx, KindAnalyze, func(h *inventory.Host) string {
		if !h.SecurityEnabled() {
			return "log analysis disabled"
		}
		if h.Kind != inventory.KindSSH {
			return "log analysis requires ssh"
		}
		return ""
	}, s.analyzeHost)

	s.emit("batch_done", report)
	return report, nil
}

// forEachHost fans work out across the inventory snapshot, one goroutine per
// eligible host behind a bounded semaphore. skip returns a non-empty reason
// for hosts the batch does not apply to.
func (s *Service) forEachHost(ctx context.Context, kind string, skip func(*inventory.Host) string, work func(context.Context, *inventory.Host) HostResult) *BatchReport {
	hosts := s.Inventory.Hosts()
	report := &BatchReport{Kind: kind, StartedAt: time.Now().UTC()}
	results := make([]HostResult, 0, len(hosts))

	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.concurrency())

	for i := range hosts {
		h := &hosts[i]
		if reason := skip(h); reason != "" {
			mu.Lock()
			results = append(results, HostResult{Host: h.Name, Status: StatusSkipped, Reason: reason})
			mu.Unlock()
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(h *inventory.Host) {
			defer wg.Done()
			defer func() { <-sem }()

			res := work(ctx, h)
			res.Host = h.Name

			mu.Lock()
			results = append(results, res)
			mu.Unlock()
		}(h)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Host < results[j].Host })
	report.Hosts = results
	report.FinishedAt = time.Now().UTC()

	s.rememberStatuses(kind, report.FinishedAt, results)

	slog.Info("fleet batch finished", "kind", kind,
		"hosts", len(results), "duration", report.FinishedAt.Sub(report.StartedAt))
	return report
}

func (s *Service) checkHost(ctx context.Context, h *inventory.Host) HostResult {
	c, err := s.Dial(ctx, h)
	if err != nil {
		// Unreachable or unauthenticated hosts are skipped for this run.
		return HostResult{Status: StatusSkipped, Reason: err.Error()}
	}
	defer c.Close()

	if err := s.step(ctx, c.Engine.Ping); err != nil {
		if errors.Is(err, docker.ErrNoCLI) {
			return HostResult{Status: StatusSkipped, Reason: "no docker cli (ssh-only host)"}
		}
		return HostResult{Status: StatusFailed, Reason: err.Error()}
	}

	var containers []docker.Container
	err = s.step(ctx, func(ctx context.Context) error {
		var lerr error
		containers, lerr = c.Engine.List(ctx, false)
		return lerr
	})
	if err != nil {
		return HostResult{Status: StatusFailed, Reason: err.Error()}
	}

	counts := map[string]int{"containers": len(containers), "updatesAvailable": 0}
	for _, ct := range containers {
		av := s.checkAvailable(ctx, c.Engine, ct.Image)
		if !av.Available {
			continue
		}
		counts["updatesAvailable"]++
		slog.Info("update available",
			"host", h.Name, "container", ct.Name, "image", ct.Image)

		if s.AutoApply {
			attempt := s.runUpdate(ctx, c.Engine, h.Name, ct.Name, "")
			if attempt.Success {
				counts["updated"]++
			} else {
				counts["updateFailed"]++
			}
		}
	}
	return HostResult{Status: StatusOK, Counts: counts}
}

func (s *Service) analyzeHost(ctx context.Context, h *inventory.Host) HostResult {
	c, err := s.Dial(ctx, h)
	if err != nil {
		return HostResult{Status: StatusSkipped, Reason: err.Error()}
	}
	defer c.Close()

	analysis, err := s.Analyzer.AnalyzeHost(ctx, h.Name, c.Runner)
	if err != nil {
		return HostResult{Status: StatusFailed, Reason: err.Error()}
	}

	counts := map[string]int{"incidents": 0, "deduplicated": 0}
	if analysis.Incident != nil {
		if analysis.Deduped {
			counts["deduplicated"] = 1
		} else {
			counts["incidents"] = 1
		}
	}
	return HostResult{Status: StatusOK, Counts: counts}
}

// ListContainers lists a host's containers with per-image update flags.
func (s *Service) ListContainers(ctx context.Context, hostName string) ([]ContainerInfo, error) {
	h, err := s.findHost(hostName)
	if err != nil {
		return nil, err
	}
	if !h.ContainersEnabled() {
		return nil, fmt.Errorf("container updates disabled for host %s", hostName)
	}

	c, err := s.Dial(ctx, h)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	var containers []docker.Container
	err = s.step(ctx, func(ctx context.Context) error {
		var lerr error
		containers, lerr = c.Engine.List(ctx, true)
		return lerr
	})
	if err != nil {
		return nil, err
	}

	result := make([]ContainerInfo, 0, len(containers))
	for _, ct := range containers {
		result = append(result, ContainerInfo{
			Container: ct,
			Update:    s.checkAvailable(ctx, c.Engine, ct.Image),
		})
	}
	return result, nil
}

// UpdateContainer runs the full update state machine for one container.
// newImage empty means re-pull the current reference. The attempt is returned
// even on failure; the error return covers only "could not start at all".
func (s *Service) UpdateContainer(ctx context.Context, hostName, containerName, newImage string) (*update.Attempt, error) {
	h, err := s.findHost(hostName)
	if err != nil {
		return nil, err
	}

	c, err := s.Dial(ctx, h)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	return s.runUpdate(ctx, c.Engine, h.Name, containerName, newImage), nil
}

func (s *Service) runUpdate(ctx context.Context, eng docker.Engine, hostName, containerName, newImage string) *update.Attempt {
	o := &update.Orchestrator{
		Engine:      eng,
		StepTimeout: s.StepTimeout,
		PullTimeout: s.PullTimeout,
		OnStep: func(line string) {
			s.emit("update_step", map[string]string{
				"host": hostName, "container": containerName, "step": line,
			})
		},
	}

	attempt := o.Run(ctx, containerName, newImage)
	attempt.Host = hostName

	s.emit("update_done", attempt)
	s.recordContainerRun(attempt)
	return attempt
}

// CheckHostPackages lists available OS package updates on an SSH host.
func (s *Service) CheckHostPackages(ctx context.Context, hostName string) (*pkgmgr.CheckReport, error) {
	c, err := s.packageConn(ctx, hostName)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	return s.packageManager(c).CheckUpdates(ctx)
}

// ApplyHostPackages upgrades packages on an SSH host (all when packages is
// empty) and records the run.
func (s *Service) ApplyHostPackages(ctx context.Context, hostName string, packages []string) (*pkgmgr.ApplyReport, error) {
	c, err := s.packageConn(ctx, hostName)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	started := time.Now().UTC()
	report, err := s.packageManager(c).ApplyUpdates(ctx, packages)
	if err != nil {
		return nil, err
	}

	s.recordPackageRun(hostName, packages, report, started)
	return report, nil
}

func (s *Service) packageConn(ctx context.Context, hostName string) (*Conn, error) {
	h, err := s.findHost(hostName)
	if err != nil {
		return nil, err
	}
	if !h.SystemEnabled() {
		return nil, fmt.Errorf("system updates disabled for host %s", hostName)
	}
	if h.Kind != inventory.KindSSH {
		return nil, fmt.Errorf("package operations require ssh, host %s is %s", hostName, h.Kind)
	}
	return s.Dial(ctx, h)
}

func (s *Service) packageManager(c *Conn) *pkgmgr.Manager {
	mgr := pkgmgr.New(c.Runner)
	mgr.ApplyTimeout = s.PackageTimeout
	return mgr
}

// AnalyzeHost runs auth-log analysis against one SSH host on demand.
func (s *Service) AnalyzeHost(ctx context.Context, hostName string) (*soc.HostAnalysis, error) {
	h, err := s.findHost(hostName)
	if err != nil {
		return nil, err
	}
	if !h.SecurityEnabled() {
		return nil, fmt.Errorf("log analysis disabled for host %s", hostName)
	}
	if h.Kind != inventory.KindSSH {
		return nil, fmt.Errorf("log analysis requires ssh, host %s is %s", hostName, h.Kind)
	}

	c, err := s.Dial(ctx, h)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	return s.Analyzer.AnalyzeHost(ctx, h.Name, c.Runner)
}

func (s *Service) findHost(name string) (*inventory.Host, error) {
	h := s.Inventory.Find(name)
	if h == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHost, name)
	}
	return h, nil
}

// LastStatus returns the host's most recent batch outcome, if any.
func (s *Service) LastStatus(name string) (HostStatus, bool) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	st, ok := s.statuses[name]
	return st, ok
}

func (s *Service) rememberStatuses(kind string, at time.Time, results []HostResult) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	for _, res := range results {
		s.statuses[res.Host] = HostStatus{HostResult: res, Kind: kind, At: at}
	}
}

func (s *Service) recordContainerRun(attempt *update.Attempt) {
	if s.Runs == nil {
		return
	}

	status := models.RunSuccess
	switch {
	case attempt.RolledBack:
		status = models.RunRolledBack
	case !attempt.Success:
		status = models.RunFailed
	}

	run := &models.UpdateRun{
		Host:      attempt.Host,
		Kind:      "container",
		Container: attempt.Container,
		OldImage:  attempt.OldImage,
		NewImage:  attempt.NewImage,
		Status:    status,
		Error:     attempt.Error,
		Steps:     attempt.Steps,
		StartedAt: attempt.StartedAt,
	}
	if err := s.Runs.Append(run); err != nil {
		slog.Warn("update history append failed", "host", attempt.Host, "err", err)
	}
}

func (s *Service) recordPackageRun(hostName string, packages []string, report *pkgmgr.ApplyReport, started time.Time) {
	if s.Runs == nil {
		return
	}

	run := &models.UpdateRun{
		Host:      hostName,
		Kind:      "packages",
		Packages:  packages,
		Status:    models.RunSuccess,
		StartedAt: started,
	}
	if !report.Success {
		run.Status = models.RunFailed
		run.Error = "package upgrade failed"
	}
	if err := s.Runs.Append(run); err != nil {
		slog.Warn("update history append failed", "host", hostName, "err", err)
	}
}
