package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-enrolment-api/internal/models"
	"github.com/noah-isme/lms-enrolment-api/pkg/events"
)

type progressLOReader interface {
	Children(ctx context.Context, loID string) ([]models.ChildLearningObject, error)
	ElectiveMinimum(ctx context.Context, loID string) (*int, error)
	Dependants(ctx context.Context, loID string) ([]models.ChildLearningObject, error)
}

type progressEnrolmentStore interface {
	FindByUserLOPortal(ctx context.Context, exec sqlx.ExtContext, userID, loID, portalID string) (*models.Enrolment, error)
	FindChildren(ctx context.Context, exec sqlx.ExtContext, parentEnrolmentID string) ([]models.Enrolment, error)
	AncestorChain(ctx context.Context, exec sqlx.ExtContext, enrolmentID string) ([]models.Enrolment, error)
	Update(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, note string) error
}

// ProgressService recomputes ancestor enrolment status and pass from child
// enrolments. It never commits: callers own the transaction and flush the
// event buffer only after a successful commit.
type ProgressService struct {
	los        progressLOReader
	enrolments progressEnrolmentStore
	logger     *zap.Logger
	metrics    *MetricsService
}

// NewProgressService constructs the propagation engine.
func NewProgressService(los progressLOReader, enrolments progressEnrolmentStore, logger *zap.Logger, metrics *MetricsService) *ProgressService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProgressService{los: los, enrolments: enrolments, logger: logger, metrics: metrics}
}

// aggregate is the computed state of one parent from its children.
type aggregate struct {
	status models.EnrolmentStatus
	pass   models.PassStatus
	// skipped marks parents exempt from auto-recomputation: no children, or
	// the single non-elective child shortcut. Their state is driven purely by
	// direct updates.
	skipped bool
}

func childStarted(status models.EnrolmentStatus) bool {
	return status == models.EnrolmentStatusInProgress || status == models.EnrolmentStatusCompleted
}

// computeAggregate applies the elective-quorum rules to one parent level.
// An elective that completed without passing counts toward the completion
// quorum but not the pass quorum, so COMPLETED with pass FAILED is reachable.
func (s *ProgressService) computeAggregate(parent *models.Enrolment, children []models.ChildLearningObject, byLO map[string]*models.Enrolment, electiveMin *int) aggregate {
	if len(children) == 0 {
		return aggregate{status: parent.Status, pass: parent.Pass, skipped: true}
	}
	if len(children) == 1 && !children[0].Elective {
		return aggregate{status: parent.Status, pass: parent.Pass, skipped: true}
	}

	var (
		electiveTotal      int
		completedElectives int
		passedElectives    int
		mandatoryComplete  = true
		mandatoryPassed    = true
		anyStarted         bool
	)
	for _, child := range children {
		enr := byLO[child.ID]
		status := models.EnrolmentStatusNotStarted
		pass := models.PassUnset
		if enr != nil {
			status = enr.Status
			pass = enr.Pass
		}
		if childStarted(status) {
			anyStarted = true
		}
		if child.Elective {
			electiveTotal++
			if status == models.EnrolmentStatusCompleted {
				completedElectives++
				if pass.Passed() {
					passedElectives++
				}
			}
			continue
		}
		if status != models.EnrolmentStatusCompleted {
			mandatoryComplete = false
		}
		if !pass.Passed() {
			mandatoryPassed = false
		}
	}

	minimum := electiveTotal
	if electiveMin != nil {
		minimum = *electiveMin
	}
	quorumVacuous := electiveTotal == 0 || minimum <= 0
	completionQuorum := quorumVacuous || completedElectives >= minimum
	passQuorum := quorumVacuous || passedElectives >= minimum

	if mandatoryComplete && completionQuorum {
		pass := models.PassFailed
		if mandatoryPassed && passQuorum {
			pass = models.PassPassed
		}
		return aggregate{status: models.EnrolmentStatusCompleted, pass: pass}
	}
	if anyStarted {
		return aggregate{status: models.EnrolmentStatusInProgress, pass: parent.Pass}
	}
	// Explicit PENDING from upstream assignment survives until a child starts.
	return aggregate{status: parent.Status, pass: parent.Pass}
}

func (s *ProgressService) recompute(ctx context.Context, exec sqlx.ExtContext, parent *models.Enrolment) (aggregate, error) {
	children, err := s.los.Children(ctx, parent.LOID)
	if err != nil {
		return aggregate{}, err
	}
	childEnrolments, err := s.enrolments.FindChildren(ctx, exec, parent.ID)
	if err != nil {
		return aggregate{}, err
	}
	byLO := make(map[string]*models.Enrolment, len(childEnrolments))
	for i := range childEnrolments {
		byLO[childEnrolments[i].LOID] = &childEnrolments[i]
	}
	electiveMin, err := s.los.ElectiveMinimum(ctx, parent.LOID)
	if err != nil {
		return aggregate{}, err
	}
	return s.computeAggregate(parent, children, byLO, electiveMin), nil
}

// applyAggregate persists the computed state and buffers the update event.
func (s *ProgressService) applyAggregate(ctx context.Context, exec sqlx.ExtContext, enr *models.Enrolment, agg aggregate, actorID *string, action string, buffer *events.Buffer) error {
	before := enrolmentDiffFields(enr)
	enr.Status = agg.status
	enr.Pass = agg.pass
	now := time.Now().UTC()
	if agg.status == models.EnrolmentStatusInProgress && enr.StartDate == nil {
		enr.StartDate = &now
	}
	if agg.status == models.EnrolmentStatusCompleted && enr.EndDate == nil {
		enr.EndDate = &now
	}
	if err := s.enrolments.Update(ctx, exec, enr, actorID, "recomputed from children"); err != nil {
		return err
	}
	buffer.Add(models.EventMessage{
		Topic:    models.TopicEnrolmentUpdate,
		EntityID: enr.ID,
		Before:   before,
		After:    enrolmentDiffFields(enr),
		Context: models.EventContext{
			Action:   action,
			ActorID:  actorValue(actorID),
			PortalID: enr.TakenPortalID,
		},
	})
	return nil
}

// Propagate recomputes every strict ancestor of the enrolment, bottom-up,
// persisting and buffering one ENROLMENT_UPDATE per changed level. The walk
// stops at the root or at an ancestor whose computed status and pass are both
// unchanged; a pass delta alone keeps the walk going.
func (s *ProgressService) Propagate(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, buffer *events.Buffer) error {
	chain, err := s.enrolments.AncestorChain(ctx, exec, enrolment.ID)
	if err != nil {
		return err
	}

	levels := 0
	var completedModules []*models.Enrolment
	for i := range chain {
		ancestor := &chain[i]
		agg, err := s.recompute(ctx, exec, ancestor)
		if err != nil {
			return err
		}
		if agg.skipped {
			break
		}
		if agg.status == ancestor.Status && agg.pass == ancestor.Pass {
			break
		}
		wasCompleted := ancestor.Status == models.EnrolmentStatusCompleted
		if err := s.applyAggregate(ctx, exec, ancestor, agg, actorID, models.EventActionUpdate, buffer); err != nil {
			return err
		}
		levels++
		if !wasCompleted && ancestor.Status == models.EnrolmentStatusCompleted {
			completedModules = append(completedModules, ancestor)
		}
	}

	if err := s.notifyDependants(ctx, exec, enrolment, completedModules, actorID, buffer); err != nil {
		return err
	}

	s.metrics.RecordPropagation(levels)
	s.logger.Debug("propagation walk finished",
		zap.String("enrolment_id", enrolment.ID),
		zap.Int("levels_changed", levels),
	)
	return nil
}

// notifyDependants recomputes enrolments of learning objects that declare a
// dependency on a newly completed node, in dependency order, so downstream
// consumers observe ENROLMENT_UPDATE messages for every affected enrolment.
func (s *ProgressService) notifyDependants(ctx context.Context, exec sqlx.ExtContext, origin *models.Enrolment, completed []*models.Enrolment, actorID *string, buffer *events.Buffer) error {
	sources := make([]*models.Enrolment, 0, len(completed)+1)
	if origin.Status == models.EnrolmentStatusCompleted {
		sources = append(sources, origin)
	}
	sources = append(sources, completed...)

	for _, src := range sources {
		dependants, err := s.los.Dependants(ctx, src.LOID)
		if err != nil {
			return err
		}
		for _, dep := range dependants {
			enr, err := s.enrolments.FindByUserLOPortal(ctx, exec, src.UserID, dep.ID, src.TakenPortalID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					continue
				}
				return err
			}
			agg, err := s.recompute(ctx, exec, enr)
			if err != nil {
				return err
			}
			if agg.skipped || (agg.status == enr.Status && agg.pass == enr.Pass) {
				continue
			}
			if err := s.applyAggregate(ctx, exec, enr, agg, actorID, models.EventActionUpdate, buffer); err != nil {
				return err
			}
		}
	}
	return nil
}

// Recalculate recomputes a single node from its current children without a
// triggering write. When nothing changed this is a strict no-op: no row
// update, no revision, no events. On change the node is persisted and the
// upward walk continues from it.
func (s *ProgressService) Recalculate(ctx context.Context, exec sqlx.ExtContext, enrolment *models.Enrolment, actorID *string, buffer *events.Buffer) (bool, error) {
	agg, err := s.recompute(ctx, exec, enrolment)
	if err != nil {
		return false, err
	}
	if agg.skipped || (agg.status == enrolment.Status && agg.pass == enrolment.Pass) {
		return false, nil
	}
	if err := s.applyAggregate(ctx, exec, enrolment, agg, actorID, models.EventActionUpdate, buffer); err != nil {
		return false, err
	}
	if err := s.Propagate(ctx, exec, enrolment, actorID, buffer); err != nil {
		return false, err
	}
	return true, nil
}

// enrolmentDiffFields captures the diffable enrolment fields for messages.
func enrolmentDiffFields(e *models.Enrolment) map[string]interface{} {
	fields := map[string]interface{}{
		"status": string(e.Status),
		"pass":   string(e.Pass),
	}
	if e.Result != nil {
		fields["result"] = *e.Result
	}
	if e.DueDate != nil {
		fields["due_date"] = e.DueDate.UTC().Format(time.RFC3339)
	}
	return fields
}

func actorValue(actorID *string) string {
	if actorID == nil {
		return ""
	}
	return *actorID
}
