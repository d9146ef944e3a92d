package docker

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/go-connections/nat"
)

// restartPoliciesWithRetry are the policy names for which the daemon honors a
// maximum retry count.
func restartPolicyHasRetry(name string) bool {
	return name == "on-failure"
}

// Snapshot converts a daemon inspection document into a ContainerConfig. It
// is a pure transformation: missing or null sub-structures become empty
// collections and never an error. The inspection shape is identical for the
// Engine API and for docker inspect CLI output, so both engines share it.
func Snapshot(insp *container.InspectResponse) *ContainerConfig {
	cfg := &ContainerConfig{
		Name: strings.TrimPrefix(insp.Name, "/"),
	}

	if c := insp.Config; c != nil {
		cfg.Image = c.Image
		cfg.Cmd = c.Cmd
		cfg.Entrypoint = c.Entrypoint
		cfg.Env = parseEnv(c.Env)
		cfg.Labels = c.Labels
		cfg.Hostname = c.Hostname
		cfg.Domainname = c.Domainname
		cfg.User = c.User
		cfg.WorkingDir = c.WorkingDir
		cfg.Tty = c.Tty
		cfg.OpenStdin = c.OpenStdin
		cfg.StopSignal = c.StopSignal
		cfg.StopTimeout = c.StopTimeout
		cfg.Healthcheck = c.Healthcheck
	}

	if hc := insp.HostConfig; hc != nil {
		cfg.NetworkMode = string(hc.NetworkMode)
		cfg.Ports = hc.PortBindings
		cfg.ExtraHosts = hc.ExtraHosts
		cfg.DNS = hc.DNS
		cfg.DNSSearch = hc.DNSSearch
		cfg.VolumesFrom = hc.VolumesFrom

		cfg.Memory = hc.Memory
		cfg.MemorySwap = hc.MemorySwap
		cfg.MemoryReservation = hc.MemoryReservation
		cfg.NanoCPUs = hc.NanoCPUs
		cfg.CPUShares = hc.CPUShares
		cfg.CPUPeriod = hc.CPUPeriod
		cfg.CPUQuota = hc.CPUQuota
		cfg.CpusetCpus = hc.CpusetCpus
		cfg.CpusetMems = hc.CpusetMems

		cfg.Privileged = hc.Privileged
		cfg.CapAdd = hc.CapAdd
		cfg.CapDrop = hc.CapDrop
		cfg.SecurityOpt = hc.SecurityOpt
		cfg.GroupAdd = hc.GroupAdd
		cfg.ReadOnlyRootfs = hc.ReadonlyRootfs

		cfg.RestartPolicy = string(hc.RestartPolicy.Name)
		if restartPolicyHasRetry(cfg.RestartPolicy) {
			cfg.RestartRetries = hc.RestartPolicy.MaximumRetryCount
		}
		cfg.AutoRemove = hc.AutoRemove

		cfg.PidMode = string(hc.PidMode)
		cfg.IpcMode = string(hc.IpcMode)
		cfg.UTSMode = string(hc.UTSMode)
		cfg.UsernsMode = string(hc.UsernsMode)
		cfg.ShmSize = hc.ShmSize
		cfg.Sysctls = hc.Sysctls
		cfg.Runtime = hc.Runtime

		cfg.LogDriver = hc.LogConfig.Type
		cfg.LogOpts = hc.LogConfig.Config
		cfg.Devices = hc.Devices
		cfg.Ulimits = hc.Ulimits
	}

	if ns := insp.NetworkSettings; ns != nil {
		// The inspect document holds networks in a map; sort the names so
		// the "first network at create time" choice is deterministic.
		names := make([]string, 0, len(ns.Networks))
		for name := range ns.Networks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			ep := ns.Networks[name]
			att := NetworkAttachment{Name: name}
			if ep != nil {
				att.Aliases = ep.Aliases
				if ep.IPAMConfig != nil {
					att.IPv4 = ep.IPAMConfig.IPv4Address
				}
			}
			cfg.Networks = append(cfg.Networks, att)
		}
	}

	for _, m := range insp.Mounts {
		cfg.Mounts = append(cfg.Mounts, MountSpec{
			Type:     string(m.Type),
			Source:   mountSource(m),
			Target:   m.Destination,
			ReadOnly: !m.RW,
		})
	}

	return cfg
}

// mountSource picks the recreate-able source for a mount point: named
// volumes recreate by name, binds by path.
func mountSource(m container.MountPoint) string {
	if m.Type == mount.TypeVolume && m.Name != "" {
		return m.Name
	}
	return m.Source
}

// parseEnv splits KEY=VALUE lines on the first '='. Lines without '=' are
// dropped.
func parseEnv(env []string) map[string]string {
	if len(env) == 0 {
		return nil
	}
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// envSlice renders the env map back into sorted KEY=VALUE lines.
func (c *ContainerConfig) envSlice() []string {
	if len(c.Env) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// CreateParams builds the Engine API create payload from the snapshot, with
// every populated field carried over. Only the first network appears in the
// networking config; the caller attaches the rest afterwards.
func (c *ContainerConfig) CreateParams() (*container.Config, *container.HostConfig, *network.NetworkingConfig) {
	conf := &container.Config{
		Hostname:    c.Hostname,
		Domainname:  c.Domainname,
		User:        c.User,
		Tty:         c.Tty,
		OpenStdin:   c.OpenStdin,
		Env:         c.envSlice(),
		Cmd:         strslice.StrSlice(c.Cmd),
		Entrypoint:  strslice.StrSlice(c.Entrypoint),
		Image:       c.Image,
		WorkingDir:  c.WorkingDir,
		Labels:      c.Labels,
		StopSignal:  c.StopSignal,
		StopTimeout: c.StopTimeout,
		Healthcheck: c.Healthcheck,
	}

	if len(c.Ports) > 0 {
		exposed := make(nat.PortSet, len(c.Ports))
		for port := range c.Ports {
			exposed[port] = struct{}{}
		}
		conf.ExposedPorts = exposed
	}

	host := &container.HostConfig{
		NetworkMode:  container.NetworkMode(c.NetworkMode),
		PortBindings: c.Ports,
		RestartPolicy: container.RestartPolicy{
			Name: container.RestartPolicyMode(c.RestartPolicy),
		},
		AutoRemove:     c.AutoRemove,
		VolumesFrom:    c.VolumesFrom,
		CapAdd:         strslice.StrSlice(c.CapAdd),
		CapDrop:        strslice.StrSlice(c.CapDrop),
		DNS:            c.DNS,
		DNSSearch:      c.DNSSearch,
		ExtraHosts:     c.ExtraHosts,
		GroupAdd:       c.GroupAdd,
		IpcMode:        container.IpcMode(c.IpcMode),
		PidMode:        container.PidMode(c.PidMode),
		Privileged:     c.Privileged,
		ReadonlyRootfs: c.ReadOnlyRootfs,
		SecurityOpt:    c.SecurityOpt,
		UTSMode:        container.UTSMode(c.UTSMode),
		UsernsMode:     container.UsernsMode(c.UsernsMode),
		ShmSize:        c.ShmSize,
		Sysctls:        c.Sysctls,
		Runtime:        c.Runtime,
		LogConfig: container.LogConfig{
			Type:   c.LogDriver,
			Config: c.LogOpts,
		},
		Resources: container.Resources{
			Memory:            c.Memory,
			MemorySwap:        c.MemorySwap,
			MemoryReservation: c.MemoryReservation,
			NanoCPUs:          c.NanoCPUs,
			CPUShares:         c.CPUShares,
			CPUPeriod:         c.CPUPeriod,
			CPUQuota:          c.CPUQuota,
			CpusetCpus:        c.CpusetCpus,
			CpusetMems:        c.CpusetMems,
			Devices:           c.Devices,
			Ulimits:           c.Ulimits,
		},
	}
	if restartPolicyHasRetry(c.RestartPolicy) {
		host.RestartPolicy.MaximumRetryCount = c.RestartRetries
	}

	for _, m := range c.Mounts {
		host.Mounts = append(host.Mounts, mount.Mount{
			Type:     mount.Type(m.Type),
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	var netConf *network.NetworkingConfig
	if first := c.FirstNetwork(); first != nil && !builtinNetwork(first.Name) {
		ep := &network.EndpointSettings{Aliases: first.Aliases}
		if first.IPv4 != "" {
			ep.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: first.IPv4}
		}
		netConf = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{first.Name: ep},
		}
	}

	return conf, host, netConf
}

// builtinNetwork reports whether the name is one of the daemon's implicit
// networks, which need no explicit endpoint config.
func builtinNetwork(name string) bool {
	return name == "bridge" || name == "host" || name == "none"
}

// CreateArgs renders the snapshot as argv for docker create, the CLI-mode
// inverse of Snapshot. The argument order groups flags the way docker run
// documentation does, which makes the step log legible.
func (c *ContainerConfig) CreateArgs() []string {
	args := []string{"create", "--name", c.Name}

	addStr := func(flag, val string) {
		if val != "" {
			args = append(args, flag, val)
		}
	}
	addEach := func(flag string, vals []string) {
		for _, v := range vals {
			args = append(args, flag, v)
		}
	}
	addInt := func(flag string, val int64) {
		if val != 0 {
			args = append(args, flag, strconv.FormatInt(val, 10))
		}
	}

	addStr("--hostname", c.Hostname)
	addStr("--domainname", c.Domainname)
	addStr("--user", c.User)
	addStr("--workdir", c.WorkingDir)
	if c.Tty {
		args = append(args, "--tty")
	}
	if c.OpenStdin {
		args = append(args, "--interactive")
	}
	addStr("--stop-signal", c.StopSignal)
	if c.StopTimeout != nil {
		args = append(args, "--stop-timeout", strconv.Itoa(*c.StopTimeout))
	}

	for _, kv := range c.envSlice() {
		args = append(args, "--env", kv)
	}
	for _, l := range sortedPairs(c.Labels) {
		args = append(args, "--label", l)
	}

	if c.NetworkMode != "" && c.NetworkMode != "default" {
		addStr("--network", c.NetworkMode)
	} else if first := c.FirstNetwork(); first != nil {
		addStr("--network", first.Name)
		addEach("--network-alias", first.Aliases)
		addStr("--ip", first.IPv4)
	}
	for _, binding := range portArgs(c.Ports) {
		args = append(args, "--publish", binding)
	}
	addEach("--add-host", c.ExtraHosts)
	addEach("--dns", c.DNS)
	addEach("--dns-search", c.DNSSearch)

	for _, m := range c.Mounts {
		args = append(args, "--mount", mountArg(m))
	}
	addEach("--volumes-from", c.VolumesFrom)

	addInt("--memory", c.Memory)
	addInt("--memory-swap", c.MemorySwap)
	addInt("--memory-reservation", c.MemoryReservation)
	if c.NanoCPUs != 0 {
		args = append(args, "--cpus", strconv.FormatFloat(float64(c.NanoCPUs)/1e9, 'f', -1, 64))
	}
	addInt("--cpu-shares", c.CPUShares)
	addInt("--cpu-period", c.CPUPeriod)
	addInt("--cpu-quota", c.CPUQuota)
	addStr("--cpuset-cpus", c.CpusetCpus)
	addStr("--cpuset-mems", c.CpusetMems)

	if c.Privileged {
		args = append(args, "--privileged")
	}
	addEach("--cap-add", c.CapAdd)
	addEach("--cap-drop", c.CapDrop)
	addEach("--security-opt", c.SecurityOpt)
	addEach("--group-add", c.GroupAdd)
	if c.ReadOnlyRootfs {
		args = append(args, "--read-only")
	}

	if c.RestartPolicy != "" && c.RestartPolicy != "no" {
		policy := c.RestartPolicy
		if restartPolicyHasRetry(policy) && c.RestartRetries > 0 {
			policy = fmt.Sprintf("%s:%d", policy, c.RestartRetries)
		}
		args = append(args, "--restart", policy)
	}
	if c.AutoRemove {
		args = append(args, "--rm")
	}

	addStr("--pid", c.PidMode)
	addStr("--ipc", c.IpcMode)
	addStr("--uts", c.UTSMode)
	addStr("--userns", c.UsernsMode)
	addInt("--shm-size", c.ShmSize)
	for _, s := range sortedPairs(c.Sysctls) {
		args = append(args, "--sysctl", s)
	}
	addStr("--runtime", c.Runtime)

	if h := c.Healthcheck; h != nil && len(h.Test) > 0 {
		args = append(args, healthArgs(h)...)
	}
	addStr("--log-driver", c.LogDriver)
	for _, o := range sortedPairs(c.LogOpts) {
		args = append(args, "--log-opt", o)
	}
	for _, d := range c.Devices {
		args = append(args, "--device", deviceArg(d))
	}
	for _, u := range c.Ulimits {
		args = append(args, "--ulimit", fmt.Sprintf("%s=%d:%d", u.Name, u.Soft, u.Hard))
	}

	if len(c.Entrypoint) > 0 {
		// docker create takes a single --entrypoint value; multi-element
		// entrypoints are joined, matching docker's own shell-form handling.
		args = append(args, "--entrypoint", strings.Join(c.Entrypoint, " "))
	}

	args = append(args, c.Image)
	args = append(args, c.Cmd...)

	return args
}

// portArgs renders port bindings as -p values, sorted for determinism.
func portArgs(ports nat.PortMap) []string {
	keys := make([]string, 0, len(ports))
	for port := range ports {
		keys = append(keys, string(port))
	}
	sort.Strings(keys)

	var out []string
	for _, key := range keys {
		port := nat.Port(key)
		for _, b := range ports[port] {
			var s string
			switch {
			case b.HostIP != "":
				s = fmt.Sprintf("%s:%s:%s", b.HostIP, b.HostPort, key)
			case b.HostPort != "":
				s = fmt.Sprintf("%s:%s", b.HostPort, key)
			default:
				s = key
			}
			out = append(out, s)
		}
	}
	return out
}

func mountArg(m MountSpec) string {
	var sb strings.Builder
	sb.WriteString("type=")
	sb.WriteString(m.Type)
	if m.Source != "" {
		sb.WriteString(",source=")
		sb.WriteString(m.Source)
	}
	sb.WriteString(",target=")
	sb.WriteString(m.Target)
	if m.ReadOnly {
		sb.WriteString(",readonly")
	}
	return sb.String()
}

func deviceArg(d container.DeviceMapping) string {
	s := d.PathOnHost
	if d.PathInContainer != "" {
		s += ":" + d.PathInContainer
	}
	if d.CgroupPermissions != "" && d.CgroupPermissions != "rwm" {
		s += ":" + d.CgroupPermissions
	}
	return s
}

func healthArgs(h *container.HealthConfig) []string {
	var args []string
	test := h.Test
	if test[0] == "CMD-SHELL" && len(test) > 1 {
		args = append(args, "--health-cmd", test[1])
	} else if test[0] == "CMD" {
		args = append(args, "--health-cmd", strings.Join(test[1:], " "))
	} else if test[0] == "NONE" {
		return []string{"--no-healthcheck"}
	}
	if h.Interval > 0 {
		args = append(args, "--health-interval", h.Interval.String())
	}
	if h.Timeout > 0 {
		args = append(args, "--health-timeout", h.Timeout.String())
	}
	if h.StartPeriod > 0 {
		args = append(args, "--health-start-period", h.StartPeriod.String())
	}
	if h.Retries > 0 {
		args = append(args, "--health-retries", strconv.Itoa(h.Retries))
	}
	return args
}

// sortedPairs renders a map as sorted key=value strings.
func sortedPairs(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
