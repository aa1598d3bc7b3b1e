package probe

import "strings"

// NameCandidate is a display-name suggestion for a camera, gathered from
// reverse DNS, SNMP or the static inventory.
type NameCandidate struct {
	Name   string `json:"name"`
	Source string `json:"source"` // "reverse_dns" | "snmp" | "inventory"
}

type normalizedCandidate struct {
	Source      string
	StoredName  string
	DisplayName string
	Score       int
}

// NormalizeCandidate trims and lowercases a raw name, strips the domain for
// display and scores it by source quality and hostname plausibility.
func NormalizeCandidate(source, rawName string) (storedName string, displayName string, score int, ok bool) {
	source = strings.ToLower(strings.TrimSpace(source))
	name := strings.TrimSuffix(strings.TrimSpace(rawName), ".")
	if name == "" {
		return "", "", 0, false
	}

	stored := name
	if source == "reverse_dns" {
		stored = strings.ToLower(stored)
	}

	display := stored
	if strings.Contains(display, ".") && !strings.ContainsAny(display, " \t") {
		parts := strings.SplitN(display, ".", 2)
		if parts[0] != "" {
			display = parts[0]
		}
	}

	s := scoreCandidate(source, stored, display)
	if s < 0 {
		return stored, display, s, false
	}
	return stored, display, s, true
}

// ChooseBestDisplayName picks the highest-scoring candidate above the
// quality bar, or reports that none qualifies.
func ChooseBestDisplayName(candidates []NameCandidate) (string, bool) {
	best := normalizedCandidate{Score: -1_000_000}

	for _, c := range candidates {
		stored, display, score, ok := NormalizeCandidate(c.Source, c.Name)
		if !ok || score < 70 {
			continue
		}
		next := normalizedCandidate{Source: c.Source, StoredName: stored, DisplayName: display, Score: score}
		if betterCandidate(next, best) {
			best = next
		}
	}

	if best.Score < 70 || strings.TrimSpace(best.DisplayName) == "" {
		return "", false
	}
	return best.DisplayName, true
}

func betterCandidate(a, b normalizedCandidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	// Shorter display names win ties; avoids noisy FQDN leftovers.
	if len(a.DisplayName) != len(b.DisplayName) {
		return len(a.DisplayName) < len(b.DisplayName)
	}
	if a.DisplayName != b.DisplayName {
		return a.DisplayName < b.DisplayName
	}
	return a.StoredName < b.StoredName
}

func scoreCandidate(source, stored, display string) int {
	normalized := strings.ToLower(stored)
	if looksGarbage(normalized) {
		return -1
	}

	base := 50
	switch source {
	case "inventory":
		base = 95
	case "reverse_dns":
		base = 90
	case "snmp":
		base = 88
	}

	if len(display) < 2 {
		base -= 50
	}
	if strings.ContainsAny(display, " \t") {
		base -= 25
	}
	if !looksHostnameLabel(display) {
		base -= 20
	}
	if strings.HasSuffix(normalized, ".local") || strings.HasSuffix(normalized, ".localdomain") {
		base -= 5
	}
	return base
}

func looksHostnameLabel(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

func looksGarbage(normalized string) bool {
	if normalized == "" {
		return true
	}
	if strings.Contains(normalized, "in-addr.arpa") || strings.Contains(normalized, "ip6.arpa") {
		return true
	}
	switch normalized {
	case "localdomain", "localhost", "workgroup":
		return true
	}
	return false
}
