package docker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
)

// FakeEngine is an in-memory Engine for tests. It models just enough daemon
// behavior for the update sequence: name uniqueness, running state, network
// attachment order, and local image digests. Inject failures per operation
// through Errs.
type FakeEngine struct {
	mu         sync.Mutex
	seq        int
	containers map[string]*fakeContainer

	// images maps a locally present image ref to its repo digest.
	images map[string]string

	// PullDigest is the digest an image ref resolves to after Pull. Unset
	// refs pull to a synthetic digest.
	PullDigest map[string]string

	// Errs injects a persistent failure for an operation, keyed by
	// "pull", "create", "start", "stop", "rename", "remove", "connect",
	// "inspect", "ping".
	Errs map[string]error

	// ExitOnStart lists containers that accept Start but immediately exit,
	// for start-verification paths.
	ExitOnStart map[string]bool

	// Calls records every operation in order, for sequence assertions.
	Calls []string
}

type fakeContainer struct {
	id       string
	state    string
	cfg      *ContainerConfig
	attached []NetworkAttachment
}

func NewFakeEngine() *FakeEngine {
	return &FakeEngine{
		containers:  make(map[string]*fakeContainer),
		images:      make(map[string]string),
		PullDigest:  make(map[string]string),
		Errs:        make(map[string]error),
		ExitOnStart: make(map[string]bool),
	}
}

// AddContainer seeds a steady-state container with all of its configured
// networks attached, as if it had been created and connected long ago.
func (f *FakeEngine) AddContainer(cfg *ContainerConfig, running bool) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	fc := &fakeContainer{
		id:       fmt.Sprintf("fake%08d", f.seq),
		state:    "exited",
		cfg:      cfg,
		attached: append([]NetworkAttachment(nil), cfg.Networks...),
	}
	if running {
		fc.state = "running"
	}
	f.containers[cfg.Name] = fc
	return fc.id
}

// SetLocalImage marks an image as present with the given digest.
func (f *FakeEngine) SetLocalImage(ref, digest string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = digest
}

// State returns a container's state, or "" when absent.
func (f *FakeEngine) State(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.containers[name]; ok {
		return fc.state
	}
	return ""
}

// Names returns all container names, sorted.
func (f *FakeEngine) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.containers))
	for name := range f.containers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AttachedNetworks returns the networks a container is connected to, in
// attachment order.
func (f *FakeEngine) AttachedNetworks(name string) []NetworkAttachment {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.containers[name]; ok {
		return append([]NetworkAttachment(nil), fc.attached...)
	}
	return nil
}

// Image returns the image ref a container was created from.
func (f *FakeEngine) Image(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.containers[name]; ok {
		return fc.cfg.Image
	}
	return ""
}

func (f *FakeEngine) record(op string, err error) error {
	f.Calls = append(f.Calls, op)
	if err != nil {
		return err
	}
	return f.Errs[opKey(op)]
}

func opKey(op string) string {
	key, _, _ := strings.Cut(op, " ")
	return key
}

func (f *FakeEngine) find(nameOrID string) (*fakeContainer, string, bool) {
	if fc, ok := f.containers[nameOrID]; ok {
		return fc, nameOrID, true
	}
	for name, fc := range f.containers {
		if fc.id == nameOrID {
			return fc, name, true
		}
	}
	return nil, "", false
}

func (f *FakeEngine) List(ctx context.Context, all bool) ([]Container, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("list", nil); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(f.containers))
	for name := range f.containers {
		names = append(names, name)
	}
	sort.Strings(names)

	var out []Container
	for _, name := range names {
		fc := f.containers[name]
		if !all && fc.state != "running" {
			continue
		}
		out = append(out, Container{ID: fc.id, Name: name, Image: fc.cfg.Image, State: fc.state})
	}
	return out, nil
}

func (f *FakeEngine) Inspect(ctx context.Context, nameOrID string) (*container.InspectResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("inspect "+nameOrID, nil); err != nil {
		return nil, err
	}
	fc, name, ok := f.find(nameOrID)
	if !ok {
		return nil, fmt.Errorf("inspect %s: %w", nameOrID, ErrNotFound)
	}

	cfg := *fc.cfg
	cfg.Name = name
	cfg.Networks = fc.attached
	return InspectDoc(&cfg, fc.id, fc.state), nil
}

func (f *FakeEngine) Pull(ctx context.Context, imageRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("pull "+imageRef, nil); err != nil {
		return err
	}
	digest := f.PullDigest[imageRef]
	if digest == "" {
		digest = "sha256:pulled-" + imageRef
	}
	f.images[imageRef] = digest
	return nil
}

func (f *FakeEngine) Create(ctx context.Context, cfg *ContainerConfig) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("create "+cfg.Name, nil); err != nil {
		return "", err
	}
	if _, ok := f.containers[cfg.Name]; ok {
		return "", fmt.Errorf("create %s: name already in use", cfg.Name)
	}

	f.seq++
	fc := &fakeContainer{
		id:    fmt.Sprintf("fake%08d", f.seq),
		state: "created",
		cfg:   cfg,
	}
	if first := cfg.FirstNetwork(); first != nil {
		fc.attached = append(fc.attached, *first)
	}
	f.containers[cfg.Name] = fc
	return fc.id, nil
}

func (f *FakeEngine) Start(ctx context.Context, nameOrID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("start "+nameOrID, nil); err != nil {
		return err
	}
	fc, name, ok := f.find(nameOrID)
	if !ok {
		return fmt.Errorf("start %s: %w", nameOrID, ErrNotFound)
	}
	if f.ExitOnStart[name] {
		fc.state = "exited"
		return nil
	}
	fc.state = "running"
	return nil
}

func (f *FakeEngine) Stop(ctx context.Context, nameOrID string, timeout *int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("stop "+nameOrID, nil); err != nil {
		return err
	}
	fc, _, ok := f.find(nameOrID)
	if !ok {
		return fmt.Errorf("stop %s: %w", nameOrID, ErrNotFound)
	}
	fc.state = "exited"
	return nil
}

func (f *FakeEngine) Rename(ctx context.Context, nameOrID, newName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record(fmt.Sprintf("rename %s %s", nameOrID, newName), nil); err != nil {
		return err
	}
	fc, name, ok := f.find(nameOrID)
	if !ok {
		return fmt.Errorf("rename %s: %w", nameOrID, ErrNotFound)
	}
	if _, taken := f.containers[newName]; taken {
		return fmt.Errorf("rename %s: name %s already in use", nameOrID, newName)
	}
	delete(f.containers, name)
	f.containers[newName] = fc
	return nil
}

func (f *FakeEngine) Remove(ctx context.Context, nameOrID string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("remove "+nameOrID, nil); err != nil {
		return err
	}
	fc, name, ok := f.find(nameOrID)
	if !ok {
		return fmt.Errorf("remove %s: %w", nameOrID, ErrNotFound)
	}
	if fc.state == "running" && !force {
		return fmt.Errorf("remove %s: container is running", nameOrID)
	}
	delete(f.containers, name)
	return nil
}

func (f *FakeEngine) ConnectNetwork(ctx context.Context, netName, nameOrID string, att *NetworkAttachment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("connect "+netName, nil); err != nil {
		return err
	}
	fc, _, ok := f.find(nameOrID)
	if !ok {
		return fmt.Errorf("connect %s: %w", nameOrID, ErrNotFound)
	}
	a := NetworkAttachment{Name: netName}
	if att != nil {
		a.Aliases = att.Aliases
		a.IPv4 = att.IPv4
	}
	fc.attached = append(fc.attached, a)
	return nil
}

func (f *FakeEngine) ImageDigest(ctx context.Context, imageRef string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("digest "+imageRef, nil); err != nil {
		return "", err
	}
	return f.images[imageRef], nil
}

func (f *FakeEngine) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("ping", nil)
}

func (f *FakeEngine) Close() error { return nil }

// InspectDoc builds an inspection document from a ContainerConfig, the
// inverse of Snapshot. Shared by the fake and by round-trip tests.
func InspectDoc(cfg *ContainerConfig, id, state string) *container.InspectResponse {
	env := cfg.envSlice()

	conf := &container.Config{
		Hostname:    cfg.Hostname,
		Domainname:  cfg.Domainname,
		User:        cfg.User,
		Tty:         cfg.Tty,
		OpenStdin:   cfg.OpenStdin,
		Env:         env,
		Cmd:         strslice.StrSlice(cfg.Cmd),
		Entrypoint:  strslice.StrSlice(cfg.Entrypoint),
		Image:       cfg.Image,
		WorkingDir:  cfg.WorkingDir,
		Labels:      cfg.Labels,
		StopSignal:  cfg.StopSignal,
		StopTimeout: cfg.StopTimeout,
		Healthcheck: cfg.Healthcheck,
	}

	host := &container.HostConfig{
		NetworkMode:  container.NetworkMode(cfg.NetworkMode),
		PortBindings: cfg.Ports,
		RestartPolicy: container.RestartPolicy{
			Name:              container.RestartPolicyMode(cfg.RestartPolicy),
			MaximumRetryCount: cfg.RestartRetries,
		},
		AutoRemove:     cfg.AutoRemove,
		VolumesFrom:    cfg.VolumesFrom,
		CapAdd:         strslice.StrSlice(cfg.CapAdd),
		CapDrop:        strslice.StrSlice(cfg.CapDrop),
		DNS:            cfg.DNS,
		DNSSearch:      cfg.DNSSearch,
		ExtraHosts:     cfg.ExtraHosts,
		GroupAdd:       cfg.GroupAdd,
		IpcMode:        container.IpcMode(cfg.IpcMode),
		PidMode:        container.PidMode(cfg.PidMode),
		Privileged:     cfg.Privileged,
		ReadonlyRootfs: cfg.ReadOnlyRootfs,
		SecurityOpt:    cfg.SecurityOpt,
		UTSMode:        container.UTSMode(cfg.UTSMode),
		UsernsMode:     container.UsernsMode(cfg.UsernsMode),
		ShmSize:        cfg.ShmSize,
		Sysctls:        cfg.Sysctls,
		Runtime:        cfg.Runtime,
		LogConfig: container.LogConfig{
			Type:   cfg.LogDriver,
			Config: cfg.LogOpts,
		},
		Resources: container.Resources{
			Memory:            cfg.Memory,
			MemorySwap:        cfg.MemorySwap,
			MemoryReservation: cfg.MemoryReservation,
			NanoCPUs:          cfg.NanoCPUs,
			CPUShares:         cfg.CPUShares,
			CPUPeriod:         cfg.CPUPeriod,
			CPUQuota:          cfg.CPUQuota,
			CpusetCpus:        cfg.CpusetCpus,
			CpusetMems:        cfg.CpusetMems,
			Devices:           cfg.Devices,
			Ulimits:           cfg.Ulimits,
		},
	}

	nets := make(map[string]*network.EndpointSettings, len(cfg.Networks))
	for _, att := range cfg.Networks {
		ep := &network.EndpointSettings{Aliases: att.Aliases}
		if att.IPv4 != "" {
			ep.IPAMConfig = &network.EndpointIPAMConfig{IPv4Address: att.IPv4}
		}
		nets[att.Name] = ep
	}

	var mounts []container.MountPoint
	for _, m := range cfg.Mounts {
		mp := container.MountPoint{
			Type:        mount.Type(m.Type),
			Source:      m.Source,
			Destination: m.Target,
			RW:          !m.ReadOnly,
		}
		if mp.Type == mount.TypeVolume {
			mp.Name = m.Source
			mp.Source = ""
		}
		mounts = append(mounts, mp)
	}

	return &container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{
			ID:   id,
			Name: "/" + cfg.Name,
			State: &container.State{
				Status:  state,
				Running: state == "running",
			},
			HostConfig: host,
		},
		Config: conf,
		Mounts: mounts,
		NetworkSettings: &container.NetworkSettings{
			Networks: nets,
		},
	}
}

var _ Engine = (*FakeEngine)(nil)
