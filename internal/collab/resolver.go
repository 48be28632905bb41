package collab

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	perrors "github.com/p-blackswan/stageflow/internal/errors"
	"github.com/p-blackswan/stageflow/internal/metrics"
	"github.com/p-blackswan/stageflow/internal/models"
	"github.com/p-blackswan/stageflow/internal/store"
)

// DefaultTimeout is how long a user-choice conflict waits for an explicit
// resolution before degrading to last-write-wins.
const DefaultTimeout = 5 * time.Minute

// Conflict is a pending user-choice conflict exposing both competing
// versions.
type Conflict struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Stage     string    `json:"stage"`
	Section   string    `json:"section"`
	CreatedAt time.Time `json:"created_at"`
	Deadline  time.Time `json:"deadline"`

	// Theirs is the currently stored section state and the edit that
	// produced it.
	Theirs      *models.Section `json:"theirs"`
	TheirEditID string          `json:"their_edit_id"`
	TheirAuthor string          `json:"their_author"`
	TheirTime   time.Time       `json:"their_time"`

	// Yours is the queued incoming edit awaiting resolution.
	Yours *models.CollaborationEdit `json:"yours"`

	timer *time.Timer
}

// Outcome reports what happened to a submitted edit.
type Outcome struct {
	Resolution Resolution           `json:"resolution"`
	Version    int                  `json:"version"`            // content version after the check
	Conflict   *Conflict            `json:"conflict,omitempty"` // set for user_choice
	Discarded  bool                 `json:"discarded"`          // last-write-wins lost
	Content    *models.StageContent `json:"-"`
}

// Resolver runs the per-edit state machine:
// received -> conflict-checked -> {applied | queued-for-resolution}.
type Resolver struct {
	store   *store.Store
	metrics *metrics.Metrics
	logger  zerolog.Logger
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]*Conflict
}

// NewResolver creates a Resolver. A non-positive timeout uses DefaultTimeout.
func NewResolver(st *store.Store, m *metrics.Metrics, timeout time.Duration, logger zerolog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		store:   st,
		metrics: m,
		logger:  logger.With().Str("component", "collab").Logger(),
		timeout: timeout,
		pending: make(map[string]*Conflict),
	}
}

// Submit runs an incoming edit through conflict check and resolution. All
// outcomes leave exactly one stored content state.
func (r *Resolver) Submit(edit *models.CollaborationEdit) (*Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if edit.ID == "" {
		edit.ID = uuid.New().String()
	}
	if edit.Timestamp.IsZero() {
		edit.Timestamp = time.Now()
	}

	content, err := r.store.GetStageContent(edit.ProjectID, edit.Stage)
	if err != nil {
		return nil, err
	}
	if content.Status == models.ContentComplete {
		return nil, perrors.ErrStageLocked
	}
	if edit.BaseVersion > content.Version {
		return nil, &perrors.VersionConflictError{
			Resource: fmt.Sprintf("content %s/%s", edit.ProjectID, edit.Stage),
			Expected: edit.BaseVersion,
			Actual:   content.Version,
		}
	}

	intervening, err := r.store.EditsSince(edit.ProjectID, edit.Stage, edit.BaseVersion)
	if err != nil {
		return nil, err
	}

	switch resolution := Classify(edit, intervening); resolution {
	case ResolutionApplied, ResolutionAutoMerge:
		if err := r.apply(content, edit); err != nil {
			return nil, err
		}
		r.record(resolution)
		return &Outcome{Resolution: resolution, Version: content.Version, Content: content}, nil

	case ResolutionLastWriteWins:
		return r.resolveCommentLWW(content, edit, lastOverlapping(edit, intervening))

	default: // ResolutionUserChoice
		conflict := r.queueConflict(content, edit, lastOverlapping(edit, intervening))
		r.record(ResolutionUserChoice)
		return &Outcome{Resolution: ResolutionUserChoice, Version: content.Version, Conflict: conflict}, nil
	}
}

// Pending lists unresolved conflicts for a project.
func (r *Resolver) Pending(projectID string) []*Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Conflict
	for _, c := range r.pending {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	return out
}

// Choice selects the winner of a pending conflict.
type Choice string

const (
	ChooseTheirs Choice = "theirs"
	ChooseYours  Choice = "yours"
)

// Resolve applies an explicit user selection to a pending conflict.
func (r *Resolver) Resolve(conflictID string, choice Choice, actorID string) (*Outcome, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conflict, ok := r.pending[conflictID]
	if !ok {
		return nil, perrors.ErrNotFound
	}
	if choice != ChooseTheirs && choice != ChooseYours {
		return nil, fmt.Errorf("%w: choice must be %q or %q", perrors.ErrInvalidInput, ChooseTheirs, ChooseYours)
	}

	return r.settle(conflict, choice, actorID, models.AuditConflictResolved)
}

// expire degrades a timed-out conflict to last-write-wins and flags it as
// auto-resolved for audit.
func (r *Resolver) expire(conflictID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conflict, ok := r.pending[conflictID]
	if !ok {
		return // resolved explicitly before the timer fired
	}

	choice := ChooseTheirs
	if conflict.Yours.Timestamp.After(conflict.TheirTime) {
		choice = ChooseYours
	}

	if _, err := r.settle(conflict, choice, "system", models.AuditConflictAutoLWW); err != nil {
		r.logger.Error().Err(err).Str("conflict_id", conflictID).Msg("timeout resolution failed")
	}
}

// settle applies the chosen side, removes the conflict and audits the
// resolution referencing both original edits. Caller holds r.mu.
func (r *Resolver) settle(conflict *Conflict, choice Choice, actorID, auditAction string) (*Outcome, error) {
	content, err := r.store.GetStageContent(conflict.ProjectID, conflict.Stage)
	if err != nil {
		return nil, err
	}

	if choice == ChooseYours {
		edit := conflict.Yours
		setSection(content, edit)
		// The episode's version bump happened when the competing edit
		// applied; the resolution replaces state at the same version.
		if err := r.store.ReplaceStageContent(content, content.Version); err != nil {
			return nil, err
		}
		if err := r.store.AppendEdit(edit, content.Version); err != nil {
			return nil, err
		}
	}

	delete(r.pending, conflict.ID)
	if conflict.timer != nil {
		conflict.timer.Stop()
	}

	detail, _ := json.Marshal(map[string]any{
		"conflict_id": conflict.ID,
		"section":     conflict.Section,
		"winner":      string(choice),
		"their_edit":  conflict.TheirEditID,
		"your_edit":   conflict.Yours.ID,
	})
	if err := r.store.AppendAudit(&models.AuditEntry{
		ProjectID: conflict.ProjectID,
		ActorID:   actorID,
		Action:    auditAction,
		Resource:  conflict.Stage + "/" + conflict.Section,
		Detail:    string(detail),
	}); err != nil {
		r.logger.Error().Err(err).Msg("failed to audit conflict resolution")
	}
	if auditAction == models.AuditConflictAutoLWW {
		r.record(ResolutionLastWriteWins)
	}

	r.logger.Info().
		Str("conflict_id", conflict.ID).
		Str("winner", string(choice)).
		Str("resolved_by", actorID).
		Msg("conflict resolved")

	return &Outcome{
		Resolution: ResolutionUserChoice,
		Version:    content.Version,
		Discarded:  choice == ChooseTheirs,
		Content:    content,
	}, nil
}

// resolveCommentLWW settles overlapping comment edits immediately by
// timestamp; the superseded comment is discarded and both authors notified
// through the audit trail.
func (r *Resolver) resolveCommentLWW(content *models.StageContent, edit *models.CollaborationEdit, prior *models.CollaborationEdit) (*Outcome, error) {
	incomingWins := prior == nil || edit.Timestamp.After(prior.Timestamp)

	if incomingWins {
		setSection(content, edit)
		if err := r.store.ReplaceStageContent(content, content.Version); err != nil {
			return nil, err
		}
		if err := r.store.AppendEdit(edit, content.Version); err != nil {
			return nil, err
		}
	}

	detail, _ := json.Marshal(map[string]any{
		"section":       edit.Section,
		"incoming_edit": edit.ID,
		"prior_edit":    editID(prior),
		"incoming_won":  incomingWins,
	})
	if err := r.store.AppendAudit(&models.AuditEntry{
		ProjectID: edit.ProjectID,
		ActorID:   edit.AuthorID,
		Action:    models.AuditConflictResolved,
		Resource:  edit.Stage + "/" + edit.Section,
		Detail:    string(detail),
	}); err != nil {
		r.logger.Error().Err(err).Msg("failed to audit comment resolution")
	}
	r.record(ResolutionLastWriteWins)

	return &Outcome{
		Resolution: ResolutionLastWriteWins,
		Version:    content.Version,
		Discarded:  !incomingWins,
		Content:    content,
	}, nil
}

func (r *Resolver) queueConflict(content *models.StageContent, edit *models.CollaborationEdit, prior *models.CollaborationEdit) *Conflict {
	conflict := &Conflict{
		ID:        uuid.New().String(),
		ProjectID: edit.ProjectID,
		Stage:     edit.Stage,
		Section:   edit.Section,
		CreatedAt: time.Now(),
		Deadline:  time.Now().Add(r.timeout),
		Theirs:    content.Sections[edit.Section],
		Yours:     edit,
	}
	if prior != nil {
		conflict.TheirEditID = prior.ID
		conflict.TheirAuthor = prior.AuthorID
		conflict.TheirTime = prior.Timestamp
	}

	conflict.timer = time.AfterFunc(r.timeout, func() { r.expire(conflict.ID) })
	r.pending[conflict.ID] = conflict

	r.logger.Info().
		Str("conflict_id", conflict.ID).
		Str("project_id", edit.ProjectID).
		Str("section", edit.Section).
		Time("deadline", conflict.Deadline).
		Msg("edit queued for user resolution")

	return conflict
}

// apply writes the edit with the version guard and logs it. A concurrent
// write between read and apply surfaces as a retryable version conflict.
func (r *Resolver) apply(content *models.StageContent, edit *models.CollaborationEdit) error {
	setSection(content, edit)
	if err := r.store.PutStageContent(content, content.Version); err != nil {
		return err
	}
	return r.store.AppendEdit(edit, content.Version)
}

func (r *Resolver) record(resolution Resolution) {
	if r.metrics != nil {
		r.metrics.RecordConflict(string(resolution))
	}
}

func setSection(content *models.StageContent, edit *models.CollaborationEdit) {
	if content.Sections == nil {
		content.Sections = make(map[string]*models.Section)
	}
	content.Sections[edit.Section] = &models.Section{
		Name:      edit.Section,
		Kind:      edit.Kind,
		Body:      edit.Body,
		Items:     edit.Items,
		UpdatedBy: edit.AuthorID,
		UpdatedAt: edit.Timestamp.UnixMilli(),
	}
}

func lastOverlapping(edit *models.CollaborationEdit, intervening []*models.CollaborationEdit) *models.CollaborationEdit {
	var last *models.CollaborationEdit
	for _, e := range intervening {
		if e.Section == edit.Section {
			last = e
		}
	}
	return last
}

func editID(e *models.CollaborationEdit) string {
	if e == nil {
		return ""
	}
	return e.ID
}
