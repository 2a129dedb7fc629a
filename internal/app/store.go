package app

import (
	"context"
	"time"

	"github.com/jaakkos/showrunner/internal/domain"
)

// Store is the durable persistence the engine runs on. The sqlite
// repository implements it; tests substitute an in-memory fake.
type Store interface {
	SaveProject(ctx context.Context, p *domain.Project) error
	Project(ctx context.Context) (*domain.Project, error)

	UpsertAgent(ctx context.Context, a *domain.Agent) error
	Agent(ctx context.Context, role string) (*domain.Agent, error)
	Agents(ctx context.Context) ([]*domain.Agent, error)

	AppendCheckpoint(ctx context.Context, c *domain.Checkpoint) error
	LatestCheckpoint(ctx context.Context, role string) (*domain.Checkpoint, error)
	Checkpoints(ctx context.Context, role string, limit int) ([]*domain.Checkpoint, error)

	AppendMessage(ctx context.Context, m *domain.Message) (bool, error)
	MessagesForRole(ctx context.Context, role string, since time.Time) ([]*domain.Message, error)
	Messages(ctx context.Context, limit int) ([]*domain.Message, error)

	AppendTask(ctx context.Context, t *domain.Task) error
	FinishTask(ctx context.Context, id, status string) error
	Tasks(ctx context.Context, role string, limit int) ([]*domain.Task, error)

	Close() error
}
