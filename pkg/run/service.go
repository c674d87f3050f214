package run

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/terrapod/terrapod/internal/apierr"
	"github.com/terrapod/terrapod/pkg/workspace"
)

// CVStatusChecker is the narrow slice of the configuration-version store the
// run service needs: whether a CV is already uploaded, and what workspace it
// belongs to. Kept as an interface here to avoid an import cycle between
// pkg/run and pkg/configversion.
type CVStatusChecker interface {
	IsUploaded(ctx context.Context, cvID uuid.UUID) (bool, error)
}

// Service composes the store and transition engine into the operations
// §6 exposes over HTTP.
type Service struct {
	store      *Store
	engine     *Engine
	cvs        CVStatusChecker
	workspaces *workspace.Store
}

func NewService(store *Store, engine *Engine, cvs CVStatusChecker, workspaces *workspace.Store) *Service {
	return &Service{store: store, engine: engine, cvs: cvs, workspaces: workspaces}
}

// CreateParams is the body of POST /runs.
type CreateParams struct {
	WorkspaceRef     uuid.UUID
	CVRef            *uuid.UUID
	Message          string
	IsDestroy        bool
	AutoApply        bool
	PlanOnly         bool
	TerraformVersion string
	Source           string
	CreatedBy        string
}

// Create inserts a run and immediately queues it when there's no CV to wait
// on, or the named CV is already uploaded. The run inherits its workspace's
// pool_ref, resource requests, and terraform_version; a request may override
// terraform_version explicitly, but pool_ref and resource requests always
// follow the workspace.
func (s *Service) Create(ctx context.Context, p CreateParams) (Run, error) {
	ws, err := s.workspaces.Get(ctx, p.WorkspaceRef)
	if err != nil {
		return Run{}, err
	}

	tfVersion := p.TerraformVersion
	if tfVersion == "" {
		tfVersion = ws.TerraformVersion
	}

	r, err := s.store.Create(ctx, Run{
		WorkspaceRef:     p.WorkspaceRef,
		CVRef:            p.CVRef,
		Message:          p.Message,
		IsDestroy:        p.IsDestroy,
		AutoApply:        p.AutoApply,
		PlanOnly:         p.PlanOnly,
		TerraformVersion: tfVersion,
		Source:           p.Source,
		PoolRef:          ws.PoolRef,
		ResourceCPU:      ws.ResourceCPU,
		ResourceMemory:   ws.ResourceMemory,
		CreatedBy:        p.CreatedBy,
	})
	if err != nil {
		return Run{}, err
	}

	shouldQueue := p.CVRef == nil
	if p.CVRef != nil {
		uploaded, err := s.cvs.IsUploaded(ctx, *p.CVRef)
		if err != nil {
			return Run{}, err
		}
		shouldQueue = uploaded
	}

	if shouldQueue {
		return s.engine.Transition(ctx, r.ID, StatusQueued, "queued")
	}
	return r, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (Run, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByWorkspace(ctx context.Context, workspaceID uuid.UUID, limit, offset int) ([]Run, error) {
	return s.store.ListByWorkspace(ctx, workspaceID, limit, offset)
}

// QueuePendingForCV transitions every run pending on a newly-uploaded CV to
// queued — called by the configuration-version upload handler.
func (s *Service) QueuePendingForCV(ctx context.Context, cvID uuid.UUID) error {
	pending, err := s.store.ListPendingForCV(ctx, cvID)
	if err != nil {
		return err
	}
	for _, r := range pending {
		if _, err := s.engine.Transition(ctx, r.ID, StatusQueued, "queued on configuration upload"); err != nil {
			return fmt.Errorf("queuing run %s: %w", r.ID, err)
		}
	}
	return nil
}

func (s *Service) Confirm(ctx context.Context, id uuid.UUID) (Run, error) {
	return s.engine.ConfirmRun(ctx, id)
}

func (s *Service) Discard(ctx context.Context, id uuid.UUID) (Run, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return Run{}, err
	}
	if r.Status != StatusPlanned {
		return Run{}, apierr.New(apierr.KindNotDiscardable, "only a planned run can be discarded")
	}
	return s.engine.DiscardRun(ctx, id)
}

func (s *Service) Cancel(ctx context.Context, id uuid.UUID) (Run, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return Run{}, err
	}
	if r.Status.Terminal() {
		return Run{}, apierr.New(apierr.KindIllegalTransition, "run is already terminal")
	}
	return s.engine.CancelRun(ctx, id)
}
