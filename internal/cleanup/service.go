package cleanup

import (
	"context"
	"log/slog"
	"time"

	"github.com/avandra/agora/internal/store"
	"github.com/avandra/agora/pkg/schema"
)

// DefaultRetentionDays is the message retention window used when the
// caller does not specify one.
const DefaultRetentionDays = 30

// Service removes messages that have aged out of the retention window.
// Only messages in a terminal status are touched; agents are never
// deleted.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// Report summarizes one cleanup pass.
type Report struct {
	Removed  int64     `json:"removed"`
	Archived bool      `json:"archived"`
	Cutoff   time.Time `json:"cutoff"`
}

// NewService creates a cleanup service backed by the given store.
func NewService(s store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: s, logger: logger}
}

// Cleanup removes terminal messages older than retentionDays. When
// archive is true each message is copied into the archive before
// deletion; both happen in a single transaction, so a message is never
// half removed. Re-running with the same window removes nothing.
func (s *Service) Cleanup(ctx context.Context, retentionDays int, archive bool) (*Report, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := store.CutoffFilter{
		Before:       time.Now().UTC().AddDate(0, 0, -retentionDays),
		TerminalOnly: true,
	}

	var removed int64
	var err error
	if archive {
		removed, err = s.store.ArchiveMessages(ctx, cutoff)
	} else {
		removed, err = s.store.PurgeMessages(ctx, cutoff)
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "cleanup failed: %v", err).WithCause(err)
	}

	s.logger.InfoContext(ctx, "cleanup pass finished",
		"removed", removed,
		"archive", archive,
		"cutoff", cutoff.Before.Format(time.RFC3339))
	return &Report{Removed: removed, Archived: archive, Cutoff: cutoff.Before}, nil
}
