package canvas

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/momento/internal/apperr"
	"github.com/example/momento/internal/identity"
	"github.com/example/momento/internal/kv"
)

// racingDirectory never finds the user but the provider then reports the
// address as registered, as when an account is created between the two calls.
type racingDirectory struct{ invites int }

func (d *racingDirectory) FindUserByEmail(context.Context, string) (*identity.User, error) {
	return nil, nil
}

func (d *racingDirectory) InviteUserByEmail(context.Context, string, string) (*identity.User, error) {
	d.invites++
	return nil, identity.ErrEmailExists
}

type brokenDirectory struct{ racingDirectory }

func (d *brokenDirectory) InviteUserByEmail(context.Context, string, string) (*identity.User, error) {
	return nil, errors.New("smtp unavailable")
}

func tokenFromURL(t *testing.T, acceptURL string) string {
	t.Helper()
	i := strings.LastIndex(acceptURL, "/")
	require.Positive(t, i)
	return acceptURL[i+1:]
}

func TestInviteSameEmailTwiceFails(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	dir.AddUser(identity.User{ID: "u2", Email: "friend@example.com"})
	s := newTestService(t, kv.NewMemoryStore(), dir)
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "u1", "owner@example.com", CreateProjectInput{Title: "Team"})
	require.NoError(t, err)

	_, err = s.InviteMember(ctx, p.ID, "u1", "friend@example.com", RoleEditor)
	require.NoError(t, err)
	_, err = s.InviteMember(ctx, p.ID, "u1", "Friend@Example.COM", RoleViewer)
	requireCode(t, err, apperr.AlreadyExists)
	_, err = s.InviteMember(ctx, p.ID, "u1", "OWNER@example.com", RoleViewer)
	requireCode(t, err, apperr.AlreadyExists)
}

func TestInviteValidation(t *testing.T) {
	s := newTestService(t, kv.NewMemoryStore(), identity.NewMemoryDirectory())
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "u1", "", CreateProjectInput{Title: "Team"})
	require.NoError(t, err)

	_, err = s.InviteMember(ctx, p.ID, "u1", "not-an-email", RoleEditor)
	requireCode(t, err, apperr.ValidationError)
	_, err = s.InviteMember(ctx, p.ID, "u1", "x@example.com", RoleOwner)
	requireCode(t, err, apperr.ValidationError)
	_, err = s.InviteMember(ctx, p.ID, "u9", "x@example.com", RoleViewer)
	requireCode(t, err, apperr.Forbidden)
}

func TestInviteExistingAccountAndAccept(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	dir.AddUser(identity.User{ID: "u2", Email: "Friend@Example.com"})
	s := newTestService(t, kv.NewMemoryStore(), dir)
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "u1", "", CreateProjectInput{Title: "Team"})
	require.NoError(t, err)

	res, err := s.InviteMember(ctx, p.ID, "u1", "friend@example.com", RoleEditor)
	require.NoError(t, err)
	require.Equal(t, MemberPending, res.Member.Status)
	require.True(t, strings.HasPrefix(res.AcceptURL, "https://app.example.com/invitations/"))
	require.Empty(t, dir.Invites())
	token := tokenFromURL(t, res.AcceptURL)
	require.Len(t, token, invitationBytes*2)

	// pending members have no access yet
	_, err = s.GetCanvas(ctx, p.ID, "u2")
	requireCode(t, err, apperr.Forbidden)

	_, err = s.AcceptInvitation(ctx, token, "u3", "someone-else@example.com")
	requireCode(t, err, apperr.EmailMismatch)

	accepted, err := s.AcceptInvitation(ctx, token, "u2", "FRIEND@example.COM")
	require.NoError(t, err)
	require.Equal(t, p.ID, accepted.ID)

	members, err := s.ListMembers(ctx, p.ID, "u2")
	require.NoError(t, err)
	require.Len(t, members, 2)
	var friend Member
	for _, m := range members {
		if m.Role == RoleEditor {
			friend = m
		}
	}
	require.Equal(t, MemberActive, friend.Status)
	require.Equal(t, "u2", friend.SupabaseUserID)

	projects, err := s.ListProjects(ctx, "u2")
	require.NoError(t, err)
	require.Len(t, projects, 1)

	_, err = s.CreateBlock(ctx, p.ID, "u2", BlockInput{Title: "From editor"})
	require.NoError(t, err)

	_, err = s.AcceptInvitation(ctx, token, "u2", "friend@example.com")
	requireCode(t, err, apperr.NotFound)
	_, err = s.AcceptInvitation(ctx, "unknown", "u2", "friend@example.com")
	requireCode(t, err, apperr.NotFound)
}

func TestAcceptExpiredInvitation(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore().WithClock(clock.now)
	dir := identity.NewMemoryDirectory()
	dir.AddUser(identity.User{ID: "u2", Email: "friend@example.com"})
	s := newTestService(t, store, dir)
	s.now = clock.now
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "u1", "", CreateProjectInput{Title: "Team"})
	require.NoError(t, err)
	res, err := s.InviteMember(ctx, p.ID, "u1", "friend@example.com", RoleViewer)
	require.NoError(t, err)

	clock.t = clock.t.Add(InvitationTTL + time.Minute)
	_, err = s.AcceptInvitation(ctx, tokenFromURL(t, res.AcceptURL), "u2", "friend@example.com")
	requireCode(t, err, apperr.Expired)
}

func TestInviteNewAccount(t *testing.T) {
	dir := identity.NewMemoryDirectory()
	s := newTestService(t, kv.NewMemoryStore(), dir)
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "u1", "", CreateProjectInput{Title: "Team"})
	require.NoError(t, err)

	res, err := s.InviteMember(ctx, p.ID, "u1", "new@example.com", RoleViewer)
	require.NoError(t, err)
	require.Equal(t, MemberInvited, res.Member.Status)
	require.Empty(t, res.AcceptURL)
	require.NotEmpty(t, res.Member.SupabaseUserID)
	require.Equal(t, []string{"new@example.com"}, dir.Invites())

	invitedID := res.Member.SupabaseUserID
	projects, err := s.ListProjects(ctx, invitedID)
	require.NoError(t, err)
	require.Len(t, projects, 1)

	_, err = s.GetCanvas(ctx, p.ID, invitedID)
	require.NoError(t, err)
	members, err := s.ListMembers(ctx, p.ID, invitedID)
	require.NoError(t, err)
	for _, m := range members {
		require.Equal(t, MemberActive, m.Status)
	}

	_, err = s.SaveCanvas(ctx, p.ID, invitedID, emptyCanvas())
	requireCode(t, err, apperr.Forbidden)
}

func TestInviteRaceFallsBackToDirectInvitation(t *testing.T) {
	dir := &racingDirectory{}
	s := newTestService(t, kv.NewMemoryStore(), dir)
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "u1", "", CreateProjectInput{Title: "Team"})
	require.NoError(t, err)

	res, err := s.InviteMember(ctx, p.ID, "u1", "late@example.com", RoleEditor)
	require.NoError(t, err)
	require.Equal(t, 1, dir.invites)
	require.Equal(t, MemberPending, res.Member.Status)
	require.NotEmpty(t, res.AcceptURL)

	_, err = s.AcceptInvitation(ctx, tokenFromURL(t, res.AcceptURL), "u5", "late@example.com")
	require.NoError(t, err)
}

func TestInviteProviderFailureIsInternal(t *testing.T) {
	s := newTestService(t, kv.NewMemoryStore(), &brokenDirectory{})
	ctx := context.Background()
	p, err := s.CreateProject(ctx, "u1", "", CreateProjectInput{Title: "Team"})
	require.NoError(t, err)

	_, err = s.InviteMember(ctx, p.ID, "u1", "x@example.com", RoleEditor)
	requireCode(t, err, apperr.Internal)
	members, err := s.ListMembers(ctx, p.ID, "u1")
	require.NoError(t, err)
	require.Len(t, members, 1)
}
