// Package pkgmgr checks and applies OS package updates on remote hosts,
// dispatching to the host's native package manager by /etc/os-release.
package pkgmgr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/updeck/updeck/internal/sshx"
)

// Family is a package manager family.
type Family string

const (
	FamilyApt     Family = "apt"
	FamilyDnf     Family = "dnf"
	FamilyApk     Family = "apk"
	FamilyUnknown Family = "unknown"
)

// Update is one available package upgrade.
type Update struct {
	Name           string `json:"name"`
	CurrentVersion string `json:"currentVersion"`
	NewVersion     string `json:"newVersion"`
	Repository     string `json:"repository,omitempty"`
}

// OSInfo is what the dispatcher learned about the host.
type OSInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Kernel string `json:"kernel,omitempty"`
	Family Family `json:"family"`
}

// CheckReport is the outcome of one update check. Supported is false for OS
// families without a known package manager; that is a result, not an error.
type CheckReport struct {
	OS        OSInfo   `json:"os"`
	Supported bool     `json:"supported"`
	Updates   []Update `json:"updates"`
}

// ApplyReport is the outcome of one upgrade run, with the combined command
// output for the audit trail.
type ApplyReport struct {
	OS        OSInfo `json:"os"`
	Supported bool   `json:"supported"`
	Success   bool   `json:"success"`
	Output    string `json:"output"`
}

// Runner executes a shell command on the target host. *sshx.Client satisfies
// it.
type Runner interface {
	Run(ctx context.Context, command string, opts sshx.RunOpts) (sshx.Result, error)
}

const (
	refreshTimeout      = 2 * time.Minute
	checkTimeout        = time.Minute
	defaultApplyTimeout = 10 * time.Minute
)

// Manager drives one host's package manager over a Runner.
type Manager struct {
	run Runner

	// ApplyTimeout bounds the upgrade command. Zero means the default.
	ApplyTimeout time.Duration
}

func New(run Runner) *Manager { return &Manager{run: run} }

func (m *Manager) applyTimeout() time.Duration {
	if m.ApplyTimeout > 0 {
		return m.ApplyTimeout
	}
	return defaultApplyTimeout
}

// DetectOS reads /etc/os-release and classifies the package manager family
// from ID, falling back to ID_LIKE tokens for derivatives.
func (m *Manager) DetectOS(ctx context.Context) (OSInfo, error) {
	res, err := m.run.Run(ctx, "cat /etc/os-release", sshx.RunOpts{Timeout: checkTimeout})
	if err != nil {
		return OSInfo{Family: FamilyUnknown}, fmt.Errorf("read os-release: %w", err)
	}

	fields := parseOSRelease(res.Stdout)
	info := OSInfo{
		ID:     fields["ID"],
		Name:   fields["PRETTY_NAME"],
		Family: classify(fields["ID"], fields["ID_LIKE"]),
	}
	if info.Name == "" {
		info.Name = info.ID
	}

	if kres, err := m.run.Run(ctx, "uname -r", sshx.RunOpts{Timeout: checkTimeout}); err == nil {
		info.Kernel = strings.TrimSpace(kres.Stdout)
	}
	return info, nil
}

// CheckUpdates refreshes the package index and lists available upgrades.
// Unparsable lines are skipped, never fatal.
func (m *Manager) CheckUpdates(ctx context.Context) (*CheckReport, error) {
	info, err := m.DetectOS(ctx)
	if err != nil {
		return nil, err
	}
	report := &CheckReport{OS: info}

	switch info.Family {
	case FamilyApt:
		report.Supported = true
		report.Updates, err = m.checkApt(ctx)
	case FamilyDnf:
		report.Supported = true
		report.Updates, err = m.checkDnf(ctx)
	case FamilyApk:
		report.Supported = true
		report.Updates, err = m.checkApk(ctx)
	default:
		return report, nil
	}
	if err != nil {
		return nil, err
	}
	return report, nil
}

// ApplyUpdates upgrades the given packages, or everything when the list is
// empty. Package manager prompts are forced to their default answers. A
// nonzero exit or a timeout is a failed report with output, not an error.
func (m *Manager) ApplyUpdates(ctx context.Context, packages []string) (*ApplyReport, error) {
	info, err := m.DetectOS(ctx)
	if err != nil {
		return nil, err
	}
	report := &ApplyReport{OS: info}

	var cmd string
	switch info.Family {
	case FamilyApt:
		confOpts := "-o Dpkg::Options::='--force-confdef' -o Dpkg::Options::='--force-confold'"
		if len(packages) > 0 {
			cmd = fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get install -y %s %s", confOpts, strings.Join(packages, " "))
		} else {
			cmd = fmt.Sprintf("DEBIAN_FRONTEND=noninteractive apt-get upgrade -y %s", confOpts)
		}
	case FamilyDnf:
		cmd = "yum update -y"
		if len(packages) > 0 {
			cmd += " " + strings.Join(packages, " ")
		}
	case FamilyApk:
		cmd = "apk upgrade"
		if len(packages) > 0 {
			cmd += " " + strings.Join(packages, " ")
		}
	default:
		report.Output = fmt.Sprintf("unsupported OS: %s", info.ID)
		return report, nil
	}
	report.Supported = true

	res, err := m.run.Run(ctx, cmd, sshx.RunOpts{Sudo: true, Timeout: m.applyTimeout()})
	report.Output = res.Combined()
	if err != nil {
		var cmdErr *sshx.CommandError
		if errors.As(err, &cmdErr) || errors.Is(err, context.DeadlineExceeded) {
			return report, nil
		}
		return nil, fmt.Errorf("apply updates: %w", err)
	}
	report.Success = true
	return report, nil
}

func (m *Manager) checkApt(ctx context.Context) ([]Update, error) {
	// Index refresh failures are tolerated; the listing then reflects the
	// last successful refresh.
	m.run.Run(ctx, "apt-get update", sshx.RunOpts{Sudo: true, Timeout: refreshTimeout})

	res, err := m.run.Run(ctx, "apt list --upgradable 2>/dev/null | tail -n +2", sshx.RunOpts{Timeout: checkTimeout})
	if err != nil {
		return nil, fmt.Errorf("apt list: %w", err)
	}
	return parseAptUpgradable(res.Stdout), nil
}

func (m *Manager) checkDnf(ctx context.Context) ([]Update, error) {
	// check-update exits 100 when updates exist; the || true keeps the exit
	// code from reading as failure.
	res, err := m.run.Run(ctx, "yum check-update --quiet 2>/dev/null || true", sshx.RunOpts{Timeout: refreshTimeout})
	if err != nil {
		return nil, fmt.Errorf("yum check-update: %w", err)
	}
	return parseDnfCheckUpdate(res.Stdout), nil
}

func (m *Manager) checkApk(ctx context.Context) ([]Update, error) {
	m.run.Run(ctx, "apk update", sshx.RunOpts{Sudo: true, Timeout: refreshTimeout})

	res, err := m.run.Run(ctx, "apk version -l '<'", sshx.RunOpts{Timeout: checkTimeout})
	if err != nil {
		return nil, fmt.Errorf("apk version: %w", err)
	}
	return parseApkVersions(res.Stdout), nil
}

func parseOSRelease(text string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(text, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		out[key] = strings.Trim(value, `"`)
	}
	return out
}

func classify(id, idLike string) Family {
	switch id {
	case "debian", "ubuntu", "linuxmint":
		return FamilyApt
	case "centos", "rhel", "fedora", "rocky", "almalinux":
		return FamilyDnf
	case "alpine":
		return FamilyApk
	}
	for _, like := range strings.Fields(idLike) {
		switch like {
		case "debian", "ubuntu":
			return FamilyApt
		case "rhel", "fedora", "centos":
			return FamilyDnf
		}
	}
	return FamilyUnknown
}

// parseAptUpgradable parses apt list --upgradable lines:
//
//	package/repo new-version arch [upgradable from: old-version]
func parseAptUpgradable(text string) []Update {
	var updates []Update
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Listing") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		name, repo, _ := strings.Cut(parts[0], "/")
		u := Update{
			Name:           name,
			Repository:     repo,
			NewVersion:     parts[1],
			CurrentVersion: "unknown",
		}
		if _, from, ok := strings.Cut(line, "upgradable from:"); ok {
			u.CurrentVersion = strings.TrimSuffix(strings.TrimSpace(from), "]")
		}
		updates = append(updates, u)
	}
	return updates
}

// parseDnfCheckUpdate parses yum/dnf check-update lines:
//
//	package.arch new-version repo
func parseDnfCheckUpdate(text string) []Update {
	var updates []Update
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Obsoleting") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		name := parts[0]
		if i := strings.LastIndexByte(name, '.'); i > 0 {
			name = name[:i]
		}
		u := Update{
			Name:           name,
			NewVersion:     parts[1],
			CurrentVersion: "installed",
		}
		if len(parts) > 2 {
			u.Repository = parts[2]
		}
		updates = append(updates, u)
	}
	return updates
}

// parseApkVersions parses apk version -l '<' lines:
//
//	package-current-rel < new-version
func parseApkVersions(text string) []Update {
	var updates []Update
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "Installed:") {
			continue
		}
		nameVersion, newVersion, ok := strings.Cut(line, "<")
		if !ok {
			continue
		}
		nameVersion = strings.TrimSpace(nameVersion)

		// Package name and version separate at the second-to-last dash:
		// "musl-1.2.4-r2" is musl at 1.2.4-r2.
		parts := strings.Split(nameVersion, "-")
		if len(parts) < 3 {
			continue
		}
		updates = append(updates, Update{
			Name:           strings.Join(parts[:len(parts)-2], "-"),
			CurrentVersion: strings.Join(parts[len(parts)-2:], "-"),
			NewVersion:     strings.TrimSpace(newVersion),
		})
	}
	return updates
}
