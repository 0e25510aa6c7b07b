package canvas

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/momento/internal/apperr"
	"github.com/example/momento/internal/identity"
)

const (
	InvitationTTL = 7 * 24 * time.Hour

	// invitationRetention keeps an expired invitation readable so accepting
	// it reports EXPIRED rather than NOT_FOUND.
	invitationRetention = 30 * 24 * time.Hour
	invitationBytes     = 32
)

func genToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *Service) ListMembers(ctx context.Context, projectID, userID string) ([]Member, error) {
	if _, _, err := s.access(ctx, projectID, userID); err != nil {
		return nil, err
	}
	return s.loadMembers(ctx, projectID)
}

// InviteMember adds email to the project. Accounts that already exist get a
// pending member and a direct acceptance link; unknown addresses are invited
// through the identity provider and get an invited member tied to the new
// account.
func (s *Service) InviteMember(ctx context.Context, projectID, inviterID, email string, role Role) (*InviteResult, error) {
	p, _, err := s.writeAccess(ctx, projectID, inviterID)
	if err != nil {
		return nil, err
	}
	email = strings.TrimSpace(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, apperr.New(apperr.ValidationError, "a valid email is required")
	}
	if role == "" {
		role = RoleViewer
	}
	if role != RoleEditor && role != RoleViewer {
		return nil, apperr.New(apperr.ValidationError, "role must be editor or viewer")
	}

	members, err := s.loadMembers(ctx, projectID)
	if err != nil {
		return nil, err
	}
	want := identity.NormalizeEmail(email)
	for _, m := range members {
		if identity.NormalizeEmail(m.Email) == want {
			return nil, apperr.New(apperr.AlreadyExists, "this email is already a member of the project")
		}
	}

	log := s.log.WithFields(logrus.Fields{"project_id": projectID, "user_id": inviterID, "role": role})
	existing, err := s.dir.FindUserByEmail(ctx, email)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "could not look up the invited account", err)
	}
	if existing != nil {
		return s.inviteExisting(ctx, p, inviterID, email, role)
	}

	invited, err := s.dir.InviteUserByEmail(ctx, email, s.siteURL+"/projects/"+projectID)
	if errors.Is(err, identity.ErrEmailExists) {
		log.Info("identity provider reports the email as registered, sending a direct invitation instead")
		return s.inviteExisting(ctx, p, inviterID, email, role)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "could not send the invitation", err)
	}

	now := s.now()
	m := &Member{
		ID:             s.newID(),
		ProjectID:      projectID,
		Email:          email,
		Role:           role,
		Status:         MemberInvited,
		InvitedBy:      inviterID,
		SupabaseUserID: invited.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.putJSON(ctx, memberKey(projectID, m.ID), m); err != nil {
		return nil, writeErr(err)
	}
	if err := s.addUserProject(ctx, invited.ID, projectID); err != nil {
		log.WithError(err).Warn("could not add project to invited user's list")
	}
	log.Info("new account invited to project")
	return &InviteResult{Member: m}, nil
}

func (s *Service) inviteExisting(ctx context.Context, p *Project, inviterID, email string, role Role) (*InviteResult, error) {
	token, err := genToken(invitationBytes)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "could not create invitation", err)
	}
	now := s.now()
	inv := Invitation{
		Token:     token,
		ProjectID: p.ID,
		Email:     email,
		Role:      role,
		InvitedBy: inviterID,
		CreatedAt: now,
		ExpiresAt: now.Add(InvitationTTL),
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, "could not create invitation", err)
	}
	if err := s.store.Set(ctx, invitationKey(token), data, InvitationTTL+invitationRetention); err != nil {
		return nil, writeErr(err)
	}
	m := &Member{
		ID:        s.newID(),
		ProjectID: p.ID,
		Email:     email,
		Role:      role,
		Status:    MemberPending,
		InvitedBy: inviterID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.putJSON(ctx, memberKey(p.ID, m.ID), m); err != nil {
		if derr := s.store.Delete(ctx, invitationKey(token)); derr != nil {
			s.log.WithError(derr).WithField("project_id", p.ID).Error("could not remove invitation after member write failed")
		}
		return nil, writeErr(err)
	}
	s.log.WithFields(logrus.Fields{"project_id": p.ID, "user_id": inviterID, "role": role}).Info("existing account invited to project")
	return &InviteResult{Member: m, AcceptURL: s.siteURL + "/invitations/" + token}, nil
}

// AcceptInvitation activates the pending member matching the invitation for
// the accepting user. The token is single use.
func (s *Service) AcceptInvitation(ctx context.Context, token, userID, userEmail string) (*Project, error) {
	if userID == "" {
		return nil, apperr.New(apperr.Unauthorized, "authentication required")
	}
	var inv Invitation
	err := s.getJSON(ctx, invitationKey(token), &inv)
	if isNotFound(err) {
		return nil, apperr.New(apperr.NotFound, "invitation not found")
	}
	if err != nil {
		return nil, readErr(err)
	}
	if !s.now().Before(inv.ExpiresAt) {
		return nil, apperr.New(apperr.Expired, "this invitation has expired")
	}
	if identity.NormalizeEmail(userEmail) != identity.NormalizeEmail(inv.Email) {
		return nil, apperr.New(apperr.EmailMismatch, "this invitation was sent to a different email address")
	}

	p, err := s.loadProject(ctx, inv.ProjectID)
	if err != nil {
		return nil, err
	}
	members, err := s.loadMembers(ctx, inv.ProjectID)
	if err != nil {
		return nil, err
	}
	var member *Member
	for i := range members {
		if members[i].Status == MemberPending && identity.NormalizeEmail(members[i].Email) == identity.NormalizeEmail(inv.Email) {
			member = &members[i]
			break
		}
	}
	if member == nil {
		return nil, apperr.New(apperr.NotFound, "invitation is no longer valid")
	}

	// Take makes concurrent accepts of the same token race safely.
	raw, err := s.store.Take(ctx, invitationKey(token))
	if isNotFound(err) {
		return nil, apperr.New(apperr.NotFound, "invitation not found")
	}
	if err != nil {
		return nil, writeErr(err)
	}

	log := s.log.WithFields(logrus.Fields{"project_id": p.ID, "user_id": userID})
	member.Status = MemberActive
	member.SupabaseUserID = userID
	member.UpdatedAt = s.now()
	if err := s.putJSON(ctx, memberKey(p.ID, member.ID), member); err != nil {
		if rerr := s.store.Set(ctx, invitationKey(token), raw, time.Until(inv.ExpiresAt)+invitationRetention); rerr != nil {
			log.WithError(rerr).Error("could not restore invitation after member update failed")
		}
		return nil, writeErr(err)
	}
	if err := s.addUserProject(ctx, userID, p.ID); err != nil {
		return nil, writeErr(err)
	}
	log.Info("invitation accepted")
	return p, nil
}
