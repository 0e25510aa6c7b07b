package canvas

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/example/momento/internal/apperr"
	"github.com/example/momento/internal/identity"
	"github.com/example/momento/internal/kv"
)

const defaultProjectType = "canvas"

type Service struct {
	store   kv.Store
	dir     identity.Directory
	valid   *validator
	siteURL string
	log     logrus.FieldLogger
	now     func() time.Time
	newID   func() string

	listMu sync.Mutex
}

// NewService builds the canvas service. siteURL is the public origin used for
// invitation links.
func NewService(store kv.Store, dir identity.Directory, siteURL string, log logrus.FieldLogger) (*Service, error) {
	v, err := newValidator()
	if err != nil {
		return nil, err
	}
	return &Service{
		store:   store,
		dir:     dir,
		valid:   v,
		siteURL: strings.TrimRight(siteURL, "/"),
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
	}, nil
}

// access resolves the caller's role on a project. The owner always has
// RoleOwner; anyone else needs a member record linked to their identity.
// An invited member is activated on first access.
func (s *Service) access(ctx context.Context, projectID, userID string) (*Project, Role, error) {
	if userID == "" {
		return nil, "", apperr.New(apperr.Unauthorized, "authentication required")
	}
	p, err := s.loadProject(ctx, projectID)
	if err != nil {
		return nil, "", err
	}
	if p.OwnerID == userID {
		return p, RoleOwner, nil
	}
	members, err := s.loadMembers(ctx, projectID)
	if err != nil {
		return nil, "", err
	}
	for _, m := range members {
		if m.SupabaseUserID != userID {
			continue
		}
		switch m.Status {
		case MemberActive:
			return p, m.Role, nil
		case MemberInvited:
			m.Status = MemberActive
			m.UpdatedAt = s.now()
			if err := s.putJSON(ctx, memberKey(projectID, m.ID), m); err != nil {
				return nil, "", writeErr(err)
			}
			s.log.WithFields(logrus.Fields{"project_id": projectID, "user_id": userID}).Info("invited member activated")
			return p, m.Role, nil
		}
	}
	return nil, "", apperr.New(apperr.Forbidden, "you do not have access to this project")
}

func (s *Service) writeAccess(ctx context.Context, projectID, userID string) (*Project, Role, error) {
	p, role, err := s.access(ctx, projectID, userID)
	if err != nil {
		return nil, "", err
	}
	if !role.canWrite() {
		return nil, "", apperr.New(apperr.Forbidden, "viewers cannot modify this project")
	}
	return p, role, nil
}

func (s *Service) touchProject(ctx context.Context, p *Project) error {
	p.UpdatedAt = s.now()
	return s.putJSON(ctx, projectKey(p.ID), p)
}

// CreateProject writes the project, its empty snapshot, the owner member and
// the owner's project list entry. A failure after the first write rolls back
// what was written and reports PERSISTENCE_PARTIAL_FAILURE.
func (s *Service) CreateProject(ctx context.Context, ownerID, ownerEmail string, in CreateProjectInput) (*Project, error) {
	if ownerID == "" {
		return nil, apperr.New(apperr.Unauthorized, "authentication required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, apperr.New(apperr.ValidationError, "title is required")
	}
	if in.Type == "" {
		in.Type = defaultProjectType
	}
	if in.Status == "" {
		in.Status = ProjectActive
	}
	if !in.Status.valid() {
		return nil, apperr.New(apperr.ValidationError, "status must be active, archived or template")
	}

	now := s.now()
	p := &Project{
		ID:          s.newID(),
		Title:       title,
		Description: in.Description,
		Type:        in.Type,
		Status:      in.Status,
		OwnerID:     ownerID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	owner := Member{
		ID:             s.newID(),
		ProjectID:      p.ID,
		Email:          ownerEmail,
		Role:           RoleOwner,
		Status:         MemberActive,
		SupabaseUserID: ownerID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	log := s.log.WithFields(logrus.Fields{"project_id": p.ID, "user_id": ownerID})

	if err := s.putJSON(ctx, projectKey(p.ID), p); err != nil {
		return nil, writeErr(err)
	}
	written := []string{projectKey(p.ID)}
	steps := []struct {
		key string
		run func() error
	}{
		{canvasKey(p.ID), func() error { return s.putSnapshot(ctx, p.ID, emptyCanvas(), now) }},
		{memberKey(p.ID, owner.ID), func() error { return s.putJSON(ctx, memberKey(p.ID, owner.ID), owner) }},
		{"", func() error { return s.addUserProject(ctx, ownerID, p.ID) }},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			log.WithError(err).Error("project creation failed part way, rolling back")
			if rerr := s.store.DeleteMany(ctx, written...); rerr != nil {
				log.WithError(rerr).Error("project rollback failed, inconsistent project left behind")
			}
			return nil, apperr.Wrap(apperr.PersistencePartialFailure, "project was only partially created", err)
		}
		if step.key != "" {
			written = append(written, step.key)
		}
	}
	log.Info("project created")
	return p, nil
}

// ListProjects returns the caller's projects, most recently updated first.
func (s *Service) ListProjects(ctx context.Context, userID string) ([]Project, error) {
	ids, err := s.loadUserProjects(ctx, userID)
	if err != nil {
		return nil, readErr(err)
	}
	out := make([]Project, 0, len(ids))
	for _, id := range ids {
		p, err := s.loadProject(ctx, id)
		if apperr.Is(err, apperr.NotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *Service) GetProject(ctx context.Context, projectID, userID string) (*Project, error) {
	p, _, err := s.access(ctx, projectID, userID)
	return p, err
}

func (s *Service) UpdateProject(ctx context.Context, projectID, userID string, in UpdateProjectInput) (*Project, error) {
	p, _, err := s.writeAccess(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, apperr.New(apperr.ValidationError, "title cannot be empty")
		}
		p.Title = title
	}
	if in.Description != nil {
		p.Description = *in.Description
	}
	if in.Type != nil && *in.Type != "" {
		p.Type = *in.Type
	}
	if in.Status != nil {
		if !in.Status.valid() {
			return nil, apperr.New(apperr.ValidationError, "status must be active, archived or template")
		}
		p.Status = *in.Status
	}
	if err := s.touchProject(ctx, p); err != nil {
		return nil, writeErr(err)
	}
	return p, nil
}

// DeleteProject removes the project and everything under it. Owner only.
func (s *Service) DeleteProject(ctx context.Context, projectID, userID string) error {
	p, role, err := s.access(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if role != RoleOwner {
		return apperr.New(apperr.Forbidden, "only the owner can delete a project")
	}

	members, err := s.loadMembers(ctx, projectID)
	if err != nil {
		return err
	}
	keys := []string{projectKey(projectID), canvasKey(projectID), viewportKey(projectID)}
	for _, prefix := range []string{blockPrefix(projectID), relationPrefix(projectID), memberPrefix(projectID)} {
		entries, err := s.store.List(ctx, prefix)
		if err != nil {
			return readErr(err)
		}
		for _, e := range entries {
			keys = append(keys, e.Key)
		}
	}
	invitations, invitationKeys, err := listJSON[Invitation](ctx, s, invitationPrefix())
	if err != nil {
		return readErr(err)
	}
	for i, inv := range invitations {
		if inv.ProjectID == projectID {
			keys = append(keys, invitationKeys[i])
		}
	}

	if err := s.store.DeleteMany(ctx, keys...); err != nil {
		return writeErr(err)
	}

	users := map[string]bool{p.OwnerID: true}
	for _, m := range members {
		if m.SupabaseUserID != "" {
			users[m.SupabaseUserID] = true
		}
	}
	for uid := range users {
		if err := s.removeUserProject(ctx, uid, projectID); err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"project_id": projectID, "user_id": uid}).Warn("could not remove deleted project from user list")
		}
	}
	s.log.WithFields(logrus.Fields{"project_id": projectID, "user_id": userID, "keys": len(keys)}).Info("project deleted")
	return nil
}

func isNotFound(err error) bool { return errors.Is(err, kv.ErrNotFound) }
