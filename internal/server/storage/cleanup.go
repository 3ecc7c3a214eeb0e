package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"hermes/internal/server/database"
)

// TicketRevoker drops the outstanding upload ticket of a file record.
type TicketRevoker interface {
	Revoke(fileID string) bool
}

// CleanupService periodically removes incomplete file records, ones whose
// bytes never arrived, once they are older than maxAge.
type CleanupService struct {
	repo     database.Store
	tickets  TicketRevoker
	interval time.Duration
	maxAge   time.Duration
	now      func() time.Time
	done     chan struct{}
}

// NewCleanupService creates a new cleanup service.
func NewCleanupService(repo database.Store, tickets TicketRevoker, interval, maxAge time.Duration) *CleanupService {
	return &CleanupService{
		repo:     repo,
		tickets:  tickets,
		interval: interval,
		maxAge:   maxAge,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval, "max_age", cs.maxAge)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		cs.RunOnce(ctx)

		for {
			select {
			case <-ticker.C:
				cs.RunOnce(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

// RunOnce performs a single sweep and returns how many records it removed.
func (cs *CleanupService) RunOnce(ctx context.Context) int {
	cutoff := cs.now().Add(-cs.maxAge)

	stale, err := cs.repo.Find(ctx, database.Query{IncompleteBefore: &cutoff})
	if err != nil {
		slog.Error("failed to find incomplete files", "error", err)
		return 0
	}

	if len(stale) == 0 {
		slog.Debug("no incomplete files to clean up")
		return 0
	}

	var cleaned, failed int
	for _, file := range stale {
		// Revoke first so no new upload can start. An upload already in
		// flight may still finalize; the conditional delete then keeps it.
		cs.tickets.Revoke(file.ID)

		if err := cs.repo.DeleteIncomplete(ctx, file.ID); err != nil {
			if errors.Is(err, database.ErrNotFound) {
				slog.Info("incomplete file completed or removed during cleanup", "file_id", file.ID)
				continue
			}
			slog.Error("failed to delete incomplete file",
				"file_id", file.ID,
				"error", err,
			)
			failed++
			continue
		}

		cleaned++
		slog.Info("cleaned up incomplete file",
			"file_id", file.ID,
			"filename", file.Filename,
			"created_at", file.CreatedAt,
		)
	}

	slog.Info("cleanup cycle complete",
		"cleaned", cleaned,
		"failed", failed,
		"total_incomplete", len(stale),
	)
	return cleaned
}
