package docker

import (
	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
)

// NetworkAttachment is one network a container is connected to, with the
// settings needed to re-attach a replacement container identically.
type NetworkAttachment struct {
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
	IPv4    string   `json:"ipv4,omitempty"`
}

// MountSpec is one bind, volume or tmpfs mount.
type MountSpec struct {
	Type     string `json:"type"` // bind, volume, tmpfs
	Source   string `json:"source,omitempty"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"readOnly,omitempty"`
}

// ContainerConfig is the complete declarative snapshot of a container: every
// field captured from a running container must be reproducible through
// Create. It is built fresh from inspection data immediately before an update
// and discarded afterwards, never persisted.
type ContainerConfig struct {
	Name       string
	Image      string
	Cmd        []string
	Entrypoint []string

	Env    map[string]string
	Labels map[string]string

	Hostname    string
	Domainname  string
	User        string
	WorkingDir  string
	Tty         bool
	OpenStdin   bool
	StopSignal  string
	StopTimeout *int

	NetworkMode string
	// Networks preserves the daemon's attachment order: the first entry is
	// supplied at creation, the rest are attached afterwards.
	Networks   []NetworkAttachment
	Ports      nat.PortMap
	ExtraHosts []string
	DNS        []string
	DNSSearch  []string

	Mounts      []MountSpec
	VolumesFrom []string

	// Resources.
	Memory            int64
	MemorySwap        int64
	MemoryReservation int64
	NanoCPUs          int64
	CPUShares         int64
	CPUPeriod         int64
	CPUQuota          int64
	CpusetCpus        string
	CpusetMems        string

	// Security.
	Privileged     bool
	CapAdd         []string
	CapDrop        []string
	SecurityOpt    []string
	GroupAdd       []string
	ReadOnlyRootfs bool

	// Lifecycle. RestartRetries is meaningful only for on-failure policies.
	RestartPolicy  string
	RestartRetries int
	AutoRemove     bool

	PidMode    string
	IpcMode    string
	UTSMode    string
	UsernsMode string
	ShmSize    int64
	Sysctls    map[string]string
	Runtime    string

	Healthcheck *container.HealthConfig
	LogDriver   string
	LogOpts     map[string]string
	Devices     []container.DeviceMapping
	Ulimits     []*units.Ulimit
}

// FirstNetwork returns the network supplied at creation time, or nil when the
// container uses no user-defined networks.
func (c *ContainerConfig) FirstNetwork() *NetworkAttachment {
	if len(c.Networks) == 0 {
		return nil
	}
	return &c.Networks[0]
}

// ExtraNetworks returns the networks to attach after creation. The daemon
// accepts a single network at create time, so any further attachments happen
// as a separate step.
func (c *ContainerConfig) ExtraNetworks() []NetworkAttachment {
	if len(c.Networks) < 2 {
		return nil
	}
	return c.Networks[1:]
}
