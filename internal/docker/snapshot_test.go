package docker

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	units "github.com/docker/go-units"
)

func sampleConfig() *ContainerConfig {
	stopTimeout := 30
	return &ContainerConfig{
		Name:       "web",
		Image:      "nginx:1.25",
		Cmd:        []string{"nginx", "-g", "daemon off;"},
		Entrypoint: []string{"/docker-entrypoint.sh"},
		Env:        map[string]string{"TZ": "UTC", "MODE": "prod"},
		Labels:     map[string]string{"app": "web"},

		Hostname:    "web",
		User:        "1000:1000",
		WorkingDir:  "/srv",
		StopSignal:  "SIGQUIT",
		StopTimeout: &stopTimeout,

		Networks: []NetworkAttachment{
			{Name: "backend", Aliases: []string{"web", "frontdoor"}, IPv4: "172.20.0.10"},
			{Name: "metrics"},
		},
		Ports: nat.PortMap{
			"80/tcp": []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: "8080"}},
		},
		ExtraHosts: []string{"db:172.20.0.2"},
		DNS:        []string{"1.1.1.1"},

		Mounts: []MountSpec{
			{Type: "volume", Source: "webdata", Target: "/data"},
			{Type: "bind", Source: "/etc/app.conf", Target: "/etc/app.conf", ReadOnly: true},
		},

		Memory:     512 * 1024 * 1024,
		NanoCPUs:   1500000000,
		CpusetCpus: "0-1",

		CapAdd:         []string{"NET_ADMIN"},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadOnlyRootfs: true,

		RestartPolicy:  "on-failure",
		RestartRetries: 5,

		ShmSize: 64 * 1024 * 1024,
		Sysctls: map[string]string{"net.core.somaxconn": "1024"},

		Healthcheck: &container.HealthConfig{
			Test:     []string{"CMD-SHELL", "curl -f http://localhost/ || exit 1"},
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
			Retries:  3,
		},
		LogDriver: "json-file",
		LogOpts:   map[string]string{"max-size": "10m"},
		Devices: []container.DeviceMapping{
			{PathOnHost: "/dev/fuse", PathInContainer: "/dev/fuse", CgroupPermissions: "rwm"},
		},
		Ulimits: []*units.Ulimit{{Name: "nofile", Soft: 1024, Hard: 4096}},
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	t.Parallel()
	want := sampleConfig()

	got := Snapshot(InspectDoc(want, "abc123", "running"))

	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got, want)
	}
}

func TestSnapshotNilSubstructures(t *testing.T) {
	t.Parallel()
	insp := &container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{Name: "/bare"},
	}

	cfg := Snapshot(insp)
	if cfg.Name != "bare" {
		t.Errorf("Name = %q, want bare", cfg.Name)
	}
	if cfg.Image != "" || len(cfg.Networks) != 0 || len(cfg.Mounts) != 0 {
		t.Errorf("expected empty config, got %+v", cfg)
	}
}

func TestSnapshotNetworkOrderDeterministic(t *testing.T) {
	t.Parallel()
	cfg := &ContainerConfig{
		Name:  "multi",
		Image: "busybox",
		Networks: []NetworkAttachment{
			{Name: "zeta"}, {Name: "alpha"}, {Name: "mid"},
		},
	}

	for i := 0; i < 10; i++ {
		got := Snapshot(InspectDoc(cfg, "id", "running"))
		names := make([]string, len(got.Networks))
		for j, n := range got.Networks {
			names[j] = n.Name
		}
		if !reflect.DeepEqual(names, []string{"alpha", "mid", "zeta"}) {
			t.Fatalf("iteration %d: network order %v", i, names)
		}
	}
}

func TestParseEnv(t *testing.T) {
	t.Parallel()
	got := parseEnv([]string{"A=1", "B=x=y", "MALFORMED", "EMPTY="})
	want := map[string]string{"A": "1", "B": "x=y", "EMPTY": ""}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("parseEnv = %v, want %v", got, want)
	}
	if parseEnv(nil) != nil {
		t.Error("parseEnv(nil) should be nil")
	}
}

func TestCreateParamsFirstNetworkOnly(t *testing.T) {
	t.Parallel()
	cfg := sampleConfig()

	conf, host, netConf := cfg.CreateParams()

	if conf.Image != "nginx:1.25" {
		t.Errorf("Image = %q", conf.Image)
	}
	if _, ok := conf.ExposedPorts["80/tcp"]; !ok {
		t.Error("80/tcp not exposed")
	}
	if host.RestartPolicy.Name != "on-failure" || host.RestartPolicy.MaximumRetryCount != 5 {
		t.Errorf("restart policy = %+v", host.RestartPolicy)
	}
	if len(host.Mounts) != 2 {
		t.Errorf("mounts = %d, want 2", len(host.Mounts))
	}

	if netConf == nil {
		t.Fatal("networking config missing")
	}
	if len(netConf.EndpointsConfig) != 1 {
		t.Fatalf("endpoints = %d, want 1 (extras attach after create)", len(netConf.EndpointsConfig))
	}
	ep := netConf.EndpointsConfig["backend"]
	if ep == nil {
		t.Fatal("backend endpoint missing")
	}
	if ep.IPAMConfig == nil || ep.IPAMConfig.IPv4Address != "172.20.0.10" {
		t.Errorf("static address not carried: %+v", ep.IPAMConfig)
	}
}

func TestCreateParamsBuiltinNetwork(t *testing.T) {
	t.Parallel()
	cfg := &ContainerConfig{
		Name:     "plain",
		Image:    "busybox",
		Networks: []NetworkAttachment{{Name: "bridge"}},
	}
	if _, _, netConf := cfg.CreateParams(); netConf != nil {
		t.Errorf("bridge should not produce an endpoint config, got %+v", netConf)
	}
}

func TestCreateArgs(t *testing.T) {
	t.Parallel()
	cfg := sampleConfig()
	args := cfg.CreateArgs()
	joined := strings.Join(args, " ")

	if args[0] != "create" {
		t.Fatalf("args[0] = %q", args[0])
	}
	if args[len(args)-4] != "nginx:1.25" {
		t.Errorf("image not before cmd: %v", args[len(args)-5:])
	}
	if !strings.HasSuffix(joined, "nginx:1.25 nginx -g daemon off;") {
		t.Errorf("cmd not trailing: ...%s", joined[len(joined)-60:])
	}

	for _, want := range []string{
		"--name web",
		"--env MODE=prod --env TZ=UTC",
		"--network backend --network-alias web --network-alias frontdoor --ip 172.20.0.10",
		"--publish 0.0.0.0:8080:80/tcp",
		"--mount type=volume,source=webdata,target=/data",
		"--mount type=bind,source=/etc/app.conf,target=/etc/app.conf,readonly",
		"--restart on-failure:5",
		"--read-only",
		"--health-cmd",
		"--ulimit nofile=1024:4096",
		"--entrypoint /docker-entrypoint.sh",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q:\n%s", want, joined)
		}
	}

	// Only the first network goes on the create line.
	if strings.Contains(joined, "metrics") {
		t.Error("extra network leaked into create args")
	}
}

func TestCreateArgsMinimal(t *testing.T) {
	t.Parallel()
	cfg := &ContainerConfig{Name: "min", Image: "busybox"}
	args := cfg.CreateArgs()
	want := []string{"create", "--name", "min", "busybox"}
	if !reflect.DeepEqual(args, want) {
		t.Errorf("args = %v, want %v", args, want)
	}
}

func TestHealthArgsNone(t *testing.T) {
	t.Parallel()
	got := healthArgs(&container.HealthConfig{Test: []string{"NONE"}})
	if !reflect.DeepEqual(got, []string{"--no-healthcheck"}) {
		t.Errorf("got %v", got)
	}
}

func TestShQuote(t *testing.T) {
	t.Parallel()
	cases := []struct{ in, want string }{
		{"plain", "plain"},
		{"", "''"},
		{"has space", "'has space'"},
		{"it's", `'it'\''s'`},
		{"$HOME", "'$HOME'"},
		{"a;b", "'a;b'"},
	}
	for _, tc := range cases {
		if got := shQuote(tc.in); got != tc.want {
			t.Errorf("shQuote(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}
