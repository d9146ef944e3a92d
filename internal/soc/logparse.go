package soc

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// securityKeywords mark auth log lines worth keeping for analysis.
var securityKeywords = []string{
	"sshd", "sudo", "su:", "Failed", "Accepted", "authentication",
	"session opened", "session closed", "Invalid user", "Disconnected",
}

const (
	// rawTailLines bounds how much raw log is considered at all.
	rawTailLines = 500
	// excerptLines bounds the excerpt handed to the classifier.
	excerptLines = 100
)

// FilterAuthLog reduces raw auth log content to the security-relevant tail:
// keyword-matched lines from the last rawTailLines, capped at excerptLines.
func FilterAuthLog(raw string) string {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	if len(lines) > rawTailLines {
		lines = lines[len(lines)-rawTailLines:]
	}

	var kept []string
	for _, line := range lines {
		for _, kw := range securityKeywords {
			if strings.Contains(line, kw) {
				kept = append(kept, line)
				break
			}
		}
	}
	if len(kept) > excerptLines {
		kept = kept[len(kept)-excerptLines:]
	}
	return strings.Join(kept, "\n")
}

var failedLoginRe = regexp.MustCompile(`Failed password for (?:invalid user )?(\S+) from (\S+)`)

// FailedLogin aggregates failed password attempts for one user@ip pair.
type FailedLogin struct {
	User  string
	IP    string
	Count int
}

// ExtractFailedLogins counts failed password attempts per user@ip pair,
// ordered by descending count.
func ExtractFailedLogins(log string) []FailedLogin {
	byKey := make(map[string]*FailedLogin)
	var order []string
	for _, line := range strings.Split(log, "\n") {
		m := failedLoginRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := m[1] + "@" + m[2]
		if fl, ok := byKey[key]; ok {
			fl.Count++
			continue
		}
		byKey[key] = &FailedLogin{User: m[1], IP: m[2], Count: 1}
		order = append(order, key)
	}

	out := make([]FailedLogin, 0, len(order))
	for _, key := range order {
		out = append(out, *byKey[key])
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

// bruteForceThreshold is the failed-attempt count per source that flags an
// obvious brute force without consulting the classifier.
const bruteForceThreshold = 5

// HeuristicFinding flags brute-force bursts from the failed-login counts
// alone, as a floor under classifier availability. Returns a "none" finding
// when nothing crosses the threshold.
func HeuristicFinding(log string) *Finding {
	failed := ExtractFailedLogins(log)

	perIP := make(map[string]int)
	users := make(map[string]bool)
	total := 0
	for _, fl := range failed {
		perIP[fl.IP] += fl.Count
		users[fl.User] = true
		total += fl.Count
	}

	var ips []string
	for ip, n := range perIP {
		if n >= bruteForceThreshold {
			ips = append(ips, ip)
		}
	}
	if len(ips) == 0 {
		return &Finding{ThreatType: "none"}
	}
	sort.Strings(ips)

	var userList []string
	for u := range users {
		userList = append(userList, u)
	}
	sort.Strings(userList)

	severity := "medium"
	if total >= 4*bruteForceThreshold {
		severity = "high"
	}

	return &Finding{
		ThreatType:  "brute_force",
		Severity:    severity,
		Title:       fmt.Sprintf("Brute force attempt from %s", strings.Join(ips, ", ")),
		Description: fmt.Sprintf("%d failed password attempts from %d source(s) against %d account(s)", total, len(ips), len(userList)),
		Recommendations: "Block the source addresses, enforce key-based authentication, " +
			"and review fail2ban or equivalent rate limiting.",
		SourceIPs:     ips,
		AffectedUsers: userList,
		Techniques:    []string{"T1110"},
		EventCount:    total,
	}
}
