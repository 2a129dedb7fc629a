package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/jaakkos/showrunner/internal/domain"
	"github.com/jaakkos/showrunner/internal/metrics"
)

// CheckpointService persists work snapshots and renders them back as
// resumption context for restarted workers.
type CheckpointService struct {
	store  Store
	logger zerolog.Logger
}

// NewCheckpointService creates the service over store.
func NewCheckpointService(store Store, logger zerolog.Logger) *CheckpointService {
	return &CheckpointService{store: store, logger: logger}
}

// Save appends a checkpoint for role. The caller may leave CreatedAt
// zero; the store stamps it. The checkpoint id is filled in on return.
func (c *CheckpointService) Save(ctx context.Context, role string, cp *domain.Checkpoint) error {
	role = domain.NormalizeRole(role)
	if role == "" {
		return domain.Validationf("checkpoint role must not be empty")
	}
	cp.Role = role
	if err := c.store.AppendCheckpoint(ctx, cp); err != nil {
		return err
	}
	metrics.CheckpointsSaved.WithLabelValues(role).Inc()
	c.logger.Debug().Str("role", role).Int64("checkpoint_id", cp.ID).Msg("checkpoint saved")
	return nil
}

// Latest returns the most recent checkpoint for role, or nil when the
// role has never checkpointed.
func (c *CheckpointService) Latest(ctx context.Context, role string) (*domain.Checkpoint, error) {
	return c.store.LatestCheckpoint(ctx, domain.NormalizeRole(role))
}

// History returns up to limit checkpoints for role, newest first.
func (c *CheckpointService) History(ctx context.Context, role string, limit int) ([]*domain.Checkpoint, error) {
	return c.store.Checkpoints(ctx, domain.NormalizeRole(role), limit)
}

// ResumptionContext renders the latest checkpoint for role as markdown
// a restarted worker can pick up from. Returns "" when the role has no
// checkpoint. The layout is fixed so restarted workers always see the
// same shape: header, summary, progress line, completed and remaining
// item lists, active files when present, notes, and a closing
// directive.
func (c *CheckpointService) ResumptionContext(ctx context.Context, role string) (string, error) {
	cp, err := c.Latest(ctx, role)
	if err != nil {
		return "", err
	}
	if cp == nil {
		return "", nil
	}
	return RenderResumption(cp), nil
}

// RenderResumption builds the resumption markdown for a single
// checkpoint. List fields that fail to parse as JSON arrays are
// embedded verbatim rather than lost.
func RenderResumption(cp *domain.Checkpoint) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# Resuming from checkpoint (%s)\n\n", cp.CreatedAt.UTC().Format(time.RFC3339))

	b.WriteString("## Summary\n")
	summary := strings.TrimSpace(cp.Summary)
	if summary == "" {
		summary = "No summary recorded."
	}
	b.WriteString(summary)
	b.WriteString("\n\n")

	completed, completedOK := domain.DecodeList(cp.CompletedItems)
	pending, pendingOK := domain.DecodeList(cp.PendingItems)
	total := len(completed) + len(pending)
	fmt.Fprintf(&b, "Progress: %d%% (%d/%d items completed)\n\n", cp.PercentComplete(), len(completed), total)

	b.WriteString("## Completed\n")
	writeItemLines(&b, cp.CompletedItems, completed, completedOK, "- [x] ")
	b.WriteString("\n")

	b.WriteString("## Remaining\n")
	writeItemLines(&b, cp.PendingItems, pending, pendingOK, "- [ ] ")
	b.WriteString("\n")

	files, filesOK := domain.DecodeList(cp.ActiveFiles)
	if !filesOK || len(files) > 0 {
		b.WriteString("## Active Files\n")
		if !filesOK {
			b.WriteString(cp.ActiveFiles)
			b.WriteString("\n")
		} else {
			for _, f := range files {
				fmt.Fprintf(&b, "- `%s`\n", f)
			}
		}
		b.WriteString("\n")
	}

	b.WriteString("## Notes\n")
	notes := strings.TrimSpace(cp.Notes)
	if notes == "" {
		notes = "No additional notes."
	}
	b.WriteString(notes)
	b.WriteString("\n\n")

	b.WriteString("Continue from this checkpoint.\n")
	return b.String()
}

func writeItemLines(b *strings.Builder, raw string, items []string, ok bool, prefix string) {
	if !ok {
		b.WriteString(raw)
		b.WriteString("\n")
		return
	}
	if len(items) == 0 {
		b.WriteString("- None\n")
		return
	}
	for _, item := range items {
		b.WriteString(prefix)
		b.WriteString(item)
		b.WriteString("\n")
	}
}
