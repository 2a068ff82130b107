package app

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"docsync/internal/docmanager"
)

type compactor interface {
	Compact(ctx context.Context, workspaceID, guid string) (docmanager.CompactResult, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// Service backs the operational HTTP endpoints: readiness and on-demand
// compaction.
type Service struct {
	docs       compactor
	checks     map[string]Pinger
	adminToken string
}

func New(docs compactor, adminToken string, checks map[string]Pinger) *Service {
	return &Service{docs: docs, checks: checks, adminToken: adminToken}
}

// Ready pings every dependency and returns the failures by name.
func (s *Service) Ready(ctx context.Context) map[string]error {
	failures := make(map[string]error)
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			failures[name] = err
		}
	}
	return failures
}

func (s *Service) CheckNames() []string {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	return names
}

func (s *Service) Compact(ctx context.Context, token, workspaceID, guid string) (docmanager.CompactResult, error) {
	if strings.TrimSpace(s.adminToken) == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		return docmanager.CompactResult{}, domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return s.docs.Compact(ctx, workspaceID, guid)
}
