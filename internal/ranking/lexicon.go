package ranking

import (
	"strings"

	"github.com/kalambet/resolv/internal/source"
)

var incidentTypeTerms = map[string][]string{
	"network":        {"network", "vpn", "dns", "firewall", "latency", "packet", "router", "gateway", "proxy", "bandwidth"},
	"authentication": {"login", "password", "sso", "token", "certificate", "ssl", "tls", "auth", "401", "403", "permission", "mfa"},
	"database":       {"database", "sql", "query", "deadlock", "connection", "replication", "index", "schema", "migration"},
	"performance":    {"slow", "latency", "cpu", "memory", "timeout", "load", "throughput", "leak"},
	"deployment":     {"deploy", "deployment", "release", "rollback", "patch", "upgrade", "build", "pipeline", "version"},
	"hardware":       {"disk", "printer", "laptop", "battery", "monitor", "power", "keyboard", "device"},
	"application":    {"error", "exception", "crash", "bug", "stack", "null", "500", "freeze"},
	"email":          {"email", "smtp", "mailbox", "outlook", "exchange", "spam", "attachment"},
}

var urgencyTerms = map[string][]string{
	"critical": {"outage", "down", "critical", "urgent", "emergency", "all users", "production", "sev1", "p1"},
	"high":     {"degraded", "major", "production", "customers", "blocked", "failing", "sev2", "p2"},
	"medium":   {"intermittent", "some users", "workaround", "slow", "sev3", "p3"},
	"low":      {"minor", "cosmetic", "question", "request", "how to", "sev4", "p4"},
}

// lexiconFraction returns the fraction of a category's terms present in text,
// or 0.5 when the category is unknown.
func lexiconFraction(table map[string][]string, category, lowerText string) float64 {
	terms, ok := table[strings.ToLower(strings.TrimSpace(category))]
	if !ok || len(terms) == 0 {
		return neutral
	}
	var hits int
	for _, t := range terms {
		if strings.Contains(lowerText, t) {
			hits++
		}
	}
	return float64(hits) / float64(len(terms))
}

// systemProfile holds the static quality signals of a knowledge system.
type systemProfile struct {
	reliability    float64
	responseTime   float64
	contentQuality float64
}

func profileFor(s source.System) systemProfile {
	switch s {
	case source.ServiceNow:
		return systemProfile{reliability: 0.90, responseTime: 0.70, contentQuality: 0.80}
	case source.Jira:
		return systemProfile{reliability: 0.85, responseTime: 0.80, contentQuality: 0.70}
	case source.Confluence:
		return systemProfile{reliability: 0.85, responseTime: 0.75, contentQuality: 0.85}
	case source.GitHub:
		return systemProfile{reliability: 0.95, responseTime: 0.85, contentQuality: 0.75}
	case source.SharePoint:
		return systemProfile{reliability: 0.80, responseTime: 0.60, contentQuality: 0.65}
	case source.KnowledgeBase:
		return systemProfile{reliability: 0.90, responseTime: 0.95, contentQuality: 0.80}
	}
	return systemProfile{reliability: neutral, responseTime: neutral, contentQuality: neutral}
}
