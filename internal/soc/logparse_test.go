package soc

import (
	"fmt"
	"strings"
	"testing"
)

func TestFilterAuthLog(t *testing.T) {
	t.Parallel()
	raw := strings.Join([]string{
		"Jan 10 10:00:01 h1 CRON[1]: pam_unix: ordinary cron noise",
		"Jan 10 10:00:02 h1 sshd[2]: Failed password for root from 10.0.0.5 port 22 ssh2",
		"Jan 10 10:00:03 h1 kernel: [12345] eth0 link up",
		"Jan 10 10:00:04 h1 sudo: alice : TTY=pts/0 ; PWD=/ ; USER=root ; COMMAND=/usr/bin/id",
		"Jan 10 10:00:05 h1 sshd[3]: Accepted publickey for alice from 10.0.0.9",
	}, "\n")

	got := FilterAuthLog(raw)
	lines := strings.Split(got, "\n")
	if len(lines) != 3 {
		t.Fatalf("kept %d lines, want 3:\n%s", len(lines), got)
	}
	if strings.Contains(got, "CRON") || strings.Contains(got, "kernel") {
		t.Errorf("noise kept:\n%s", got)
	}
}

func TestFilterAuthLogCapsExcerpt(t *testing.T) {
	t.Parallel()
	var sb strings.Builder
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&sb, "Jan 10 10:00:00 h1 sshd[%d]: Failed password for root from 10.0.0.5 port 22 ssh2\n", i)
	}

	got := FilterAuthLog(sb.String())
	if n := len(strings.Split(got, "\n")); n != excerptLines {
		t.Errorf("excerpt lines = %d, want %d", n, excerptLines)
	}
	// The tail wins: the last emitted line must survive.
	if !strings.Contains(got, "sshd[299]") {
		t.Error("excerpt did not keep the most recent lines")
	}
}

func TestExtractFailedLogins(t *testing.T) {
	t.Parallel()
	log := strings.Join([]string{
		"Jan 10 10:00:01 h1 sshd[1]: Failed password for root from 10.0.0.5 port 22 ssh2",
		"Jan 10 10:00:02 h1 sshd[2]: Failed password for root from 10.0.0.5 port 22 ssh2",
		"Jan 10 10:00:03 h1 sshd[3]: Failed password for invalid user admin from 10.0.0.5 port 22 ssh2",
		"Jan 10 10:00:04 h1 sshd[4]: Failed password for bob from 192.0.2.1 port 22 ssh2",
		"Jan 10 10:00:05 h1 sshd[5]: Accepted password for bob from 192.0.2.1 port 22 ssh2",
	}, "\n")

	got := ExtractFailedLogins(log)
	if len(got) != 3 {
		t.Fatalf("pairs = %d, want 3: %+v", len(got), got)
	}
	if got[0].User != "root" || got[0].IP != "10.0.0.5" || got[0].Count != 2 {
		t.Errorf("top pair = %+v", got[0])
	}
	for _, fl := range got {
		if fl.User == "admin" && fl.IP != "10.0.0.5" {
			t.Errorf("invalid-user form parsed wrong: %+v", fl)
		}
	}
}

func TestHeuristicFinding(t *testing.T) {
	t.Parallel()

	t.Run("below threshold", func(t *testing.T) {
		t.Parallel()
		log := strings.Repeat("Jan 10 10:00:01 h1 sshd[1]: Failed password for root from 10.0.0.5 port 22 ssh2\n", bruteForceThreshold-1)
		if f := HeuristicFinding(log); !f.None() {
			t.Errorf("flagged below threshold: %+v", f)
		}
	})

	t.Run("burst from one source", func(t *testing.T) {
		t.Parallel()
		log := strings.Repeat("Jan 10 10:00:01 h1 sshd[1]: Failed password for root from 10.0.0.5 port 22 ssh2\n", 6)
		f := HeuristicFinding(log)
		if f.None() {
			t.Fatal("burst not flagged")
		}
		if f.ThreatType != "brute_force" {
			t.Errorf("threat type = %s", f.ThreatType)
		}
		if f.EventCount != 6 {
			t.Errorf("event count = %d, want 6", f.EventCount)
		}
		if len(f.SourceIPs) != 1 || f.SourceIPs[0] != "10.0.0.5" {
			t.Errorf("source ips = %v", f.SourceIPs)
		}
		if f.Severity != "medium" {
			t.Errorf("severity = %s, want medium", f.Severity)
		}
	})

	t.Run("large burst escalates", func(t *testing.T) {
		t.Parallel()
		log := strings.Repeat("Jan 10 10:00:01 h1 sshd[1]: Failed password for root from 10.0.0.5 port 22 ssh2\n", 25)
		f := HeuristicFinding(log)
		if f.Severity != "high" {
			t.Errorf("severity = %s, want high", f.Severity)
		}
		if len(f.Techniques) == 0 || f.Techniques[0] != "T1110" {
			t.Errorf("techniques = %v", f.Techniques)
		}
	})
}
