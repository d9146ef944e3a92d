// Package inventory loads and watches the hosts.yml fleet declaration.
//
// The inventory is config-as-file: each host entry names the machine, how to
// reach it (ssh or tcp), which credentials unlock it (opaque enc: blobs
// decrypted on use), and which features run against it. The Manager holds an
// immutable snapshot behind a lock and hot-reloads it when the file changes.
package inventory

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Connection kinds.
const (
	KindSSH = "ssh"
	KindTCP = "tcp"
)

// SSHConfig is the SSH half of a host declaration. Credential fields hold
// enc: blobs (or plaintext in dev inventories) resolved via secrets.Resolver.
type SSHConfig struct {
	Port          int    `yaml:"port"`
	User          string `yaml:"user"`
	Key           string `yaml:"key,omitempty"`
	KeyPassphrase string `yaml:"key_passphrase,omitempty"`
	Password      string `yaml:"password,omitempty"`
}

// DockerConfig configures TCP-mode daemon access.
type DockerConfig struct {
	Port int  `yaml:"port"`
	TLS  bool `yaml:"tls"`
}

// Features toggles which subsystems run against a host. All default to true.
type Features struct {
	Containers *bool `yaml:"containers,omitempty"`
	System     *bool `yaml:"system,omitempty"`
	Security   *bool `yaml:"security,omitempty"`
}

// Host is one fleet member. Immutable once loaded; a reload produces a fresh
// snapshot rather than mutating hosts in place.
type Host struct {
	Name    string       `yaml:"name"`
	Address string       `yaml:"address"`
	Kind    string       `yaml:"kind"`
	SSH     SSHConfig    `yaml:"ssh,omitempty"`
	Docker  DockerConfig `yaml:"docker,omitempty"`
	Feature Features     `yaml:"features,omitempty"`
	Tags    []string     `yaml:"tags,omitempty"`
}

// ContainersEnabled reports whether container operations run on this host.
func (h *Host) ContainersEnabled() bool { return h.Feature.Containers == nil || *h.Feature.Containers }

// SystemEnabled reports whether OS package operations run on this host.
func (h *Host) SystemEnabled() bool { return h.Feature.System == nil || *h.Feature.System }

// SecurityEnabled reports whether auth-log analysis runs on this host.
func (h *Host) SecurityEnabled() bool { return h.Feature.Security == nil || *h.Feature.Security }

type file struct {
	Hosts []Host `yaml:"hosts"`
}

// Load reads and validates an inventory file. On any validation error the
// whole load fails; a watcher keeps the previous snapshot in that case.
func Load(path string) ([]Host, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read inventory: %w", err)
	}
	return Parse(data)
}

// Parse validates raw inventory YAML.
func Parse(data []byte) ([]Host, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse inventory: %w", err)
	}

	seen := make(map[string]bool, len(f.Hosts))
	for i := range f.Hosts {
		h := &f.Hosts[i]
		if h.Name == "" {
			return nil, fmt.Errorf("inventory: host %d has no name", i)
		}
		if seen[h.Name] {
			return nil, fmt.Errorf("inventory: duplicate host name %q", h.Name)
		}
		seen[h.Name] = true

		if h.Address == "" {
			return nil, fmt.Errorf("inventory: host %q has no address", h.Name)
		}

		switch h.Kind {
		case KindSSH:
			if h.SSH.User == "" {
				return nil, fmt.Errorf("inventory: host %q: ssh user required", h.Name)
			}
			if h.SSH.Port == 0 {
				h.SSH.Port = 22
			}
		case KindTCP:
			if h.Docker.Port == 0 {
				if h.Docker.TLS {
					h.Docker.Port = 2376
				} else {
					h.Docker.Port = 2375
				}
			}
		default:
			return nil, fmt.Errorf("inventory: host %q: unknown kind %q", h.Name, h.Kind)
		}
	}

	return f.Hosts, nil
}
