package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"github.com/example/momento/internal/apperr"
	"github.com/example/momento/internal/kv"
)

const namespace = "momento"

func projectKey(projectID string) string  { return kv.Key(namespace, "project", projectID) }
func canvasKey(projectID string) string   { return kv.Key(namespace, "canvas", projectID) }
func viewportKey(projectID string) string { return kv.Key(namespace, "viewport", projectID) }
func blockKey(projectID, blockID string) string {
	return kv.Key(namespace, "block", projectID, blockID)
}
func relationKey(projectID, relationID string) string {
	return kv.Key(namespace, "relation", projectID, relationID)
}
func memberKey(projectID, memberID string) string {
	return kv.Key(namespace, "member", projectID, memberID)
}
func invitationKey(token string) string   { return kv.Key(namespace, "invitation", token) }
func userProjectsKey(userID string) string { return kv.Key(namespace, "user_projects", userID) }

// The trailing separator keeps project p1 from matching p10.
func blockPrefix(projectID string) string    { return kv.Key(namespace, "block", projectID, "") }
func relationPrefix(projectID string) string { return kv.Key(namespace, "relation", projectID, "") }
func memberPrefix(projectID string) string   { return kv.Key(namespace, "member", projectID, "") }
func invitationPrefix() string               { return kv.Key(namespace, "invitation", "") }

// snapshotRecord stores the graph as strings so a load returns exactly the
// bytes that were saved.
type snapshotRecord struct {
	ProjectID string `json:"projectId"`
	Nodes     string `json:"nodes"`
	Edges     string `json:"edges"`
	Viewport  string `json:"viewport,omitempty"`
	UpdatedAt int64  `json:"updatedAt"`
}

func (s *Service) getJSON(ctx context.Context, key string, dst any) error {
	data, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func (s *Service) putJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.store.Set(ctx, key, data, 0)
}

// listJSON decodes every entry under prefix. Entries that fail to
// decode are logged and skipped.
func listJSON[T any](ctx context.Context, s *Service, prefix string) ([]T, []string, error) {
	entries, err := s.store.List(ctx, prefix)
	if err != nil {
		return nil, nil, err
	}
	out := make([]T, 0, len(entries))
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			s.log.WithError(err).WithField("key", e.Key).Warn("skipping undecodable record")
			continue
		}
		out = append(out, v)
		keys = append(keys, e.Key)
	}
	return out, keys, nil
}

func (s *Service) loadProject(ctx context.Context, projectID string) (*Project, error) {
	var p Project
	err := s.getJSON(ctx, projectKey(projectID), &p)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, apperr.New(apperr.NotFound, "project not found")
	}
	if err != nil {
		return nil, readErr(err)
	}
	return &p, nil
}

func (s *Service) loadMembers(ctx context.Context, projectID string) ([]Member, error) {
	members, _, err := listJSON[Member](ctx, s, memberPrefix(projectID))
	if err != nil {
		return nil, readErr(err)
	}
	sort.SliceStable(members, func(i, j int) bool {
		if !members[i].CreatedAt.Equal(members[j].CreatedAt) {
			return members[i].CreatedAt.Before(members[j].CreatedAt)
		}
		return members[i].Email < members[j].Email
	})
	return members, nil
}

func (s *Service) loadBlocks(ctx context.Context, projectID string) ([]Block, error) {
	blocks, _, err := listJSON[Block](ctx, s, blockPrefix(projectID))
	if err != nil {
		return nil, readErr(err)
	}
	return blocks, nil
}

func (s *Service) loadRelations(ctx context.Context, projectID string) ([]Relation, error) {
	relations, _, err := listJSON[Relation](ctx, s, relationPrefix(projectID))
	if err != nil {
		return nil, readErr(err)
	}
	return relations, nil
}

func (s *Service) loadUserProjects(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.getJSON(ctx, userProjectsKey(userID), &ids)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	return ids, err
}

// addUserProject and removeUserProject read-modify-write the user's project
// list under the service lock. The lock is process local.
func (s *Service) addUserProject(ctx context.Context, userID, projectID string) error {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	ids, err := s.loadUserProjects(ctx, userID)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if id == projectID {
			return nil
		}
	}
	return s.putJSON(ctx, userProjectsKey(userID), append(ids, projectID))
}

func (s *Service) removeUserProject(ctx context.Context, userID, projectID string) error {
	s.listMu.Lock()
	defer s.listMu.Unlock()
	ids, err := s.loadUserProjects(ctx, userID)
	if err != nil {
		return err
	}
	kept := ids[:0]
	for _, id := range ids {
		if id != projectID {
			kept = append(kept, id)
		}
	}
	if len(kept) == len(ids) {
		return nil
	}
	if len(kept) == 0 {
		return s.store.Delete(ctx, userProjectsKey(userID))
	}
	return s.putJSON(ctx, userProjectsKey(userID), kept)
}

func readErr(err error) error {
	return apperr.Wrap(apperr.Internal, "could not read from storage", err)
}

func writeErr(err error) error {
	return apperr.Wrap(apperr.PersistenceFailed, "could not write to storage", err)
}
