package analytics

import (
	"context"
	"time"

	"warden/internal/punishment"
	"warden/internal/storage"
)

type Service struct {
	store *storage.Store
}

func New(store *storage.Store) *Service {
	return &Service{store: store}
}

type Report struct {
	Total       int
	ByKind      map[punishment.Kind]int
	AuditTotal  int
	AuditByTier map[string]int
}

// Report summarizes a guild's punishment volume and recent audit activity.
func (s *Service) Report(ctx context.Context, guildID string, since time.Time) (Report, error) {
	counts, err := s.store.CountByKind(ctx, guildID)
	if err != nil {
		return Report{}, err
	}

	report := Report{ByKind: counts, AuditByTier: make(map[string]int)}
	for _, count := range counts {
		report.Total += count
	}

	logs, err := s.store.ListAuditLogs(ctx, guildID, since)
	if err != nil {
		return Report{}, err
	}
	for _, log := range logs {
		report.AuditTotal++
		report.AuditByTier[log.Level]++
	}
	return report, nil
}
