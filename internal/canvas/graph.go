package canvas

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/example/momento/internal/apperr"
)

// Blocks and relations are the source of truth for a project's graph, with
// the viewport kept under momento:viewport:<id>. The snapshot under
// momento:canvas:<id> is a cache: every block or relation write deletes it and
// GetCanvas rebuilds it when it is missing.

type canvasNode struct {
	ID       string    `json:"id"`
	Type     BlockType `json:"type,omitempty"`
	Position Position  `json:"position"`
	Data     nodeData  `json:"data"`
}

type nodeData struct {
	Title    string         `json:"title,omitempty"`
	Label    string         `json:"label,omitempty"`
	Status   string         `json:"status,omitempty"`
	Config   map[string]any `json:"config,omitempty"`
	Inputs   []Port         `json:"inputs,omitempty"`
	Outputs  []Port         `json:"outputs,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type canvasEdge struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Style        map[string]any `json:"style,omitempty"`
	Animated     bool           `json:"animated,omitempty"`
	Data         edgeData       `json:"data"`
}

type edgeData struct {
	Type RelationType `json:"type,omitempty"`
}

func emptyCanvas() CanvasData {
	return CanvasData{Nodes: json.RawMessage("[]"), Edges: json.RawMessage("[]")}
}

func (s *Service) putSnapshot(ctx context.Context, projectID string, data CanvasData, at time.Time) error {
	return s.putJSON(ctx, canvasKey(projectID), snapshotRecord{
		ProjectID: projectID,
		Nodes:     string(data.Nodes),
		Edges:     string(data.Edges),
		Viewport:  string(data.Viewport),
		UpdatedAt: at.UnixMilli(),
	})
}

func (rec snapshotRecord) snapshot() *Snapshot {
	data := CanvasData{Nodes: json.RawMessage(rec.Nodes), Edges: json.RawMessage(rec.Edges)}
	if rec.Viewport != "" {
		data.Viewport = json.RawMessage(rec.Viewport)
	}
	return &Snapshot{ProjectID: rec.ProjectID, CanvasData: data, UpdatedAt: time.UnixMilli(rec.UpdatedAt).UTC()}
}

func (s *Service) invalidateSnapshot(ctx context.Context, projectID string) error {
	if err := s.store.Delete(ctx, canvasKey(projectID)); err != nil {
		return writeErr(err)
	}
	return nil
}

// GetCanvas returns the project's graph, rebuilding the snapshot from blocks
// and relations when it has been invalidated.
func (s *Service) GetCanvas(ctx context.Context, projectID, userID string) (*Snapshot, error) {
	p, _, err := s.access(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	var rec snapshotRecord
	err = s.getJSON(ctx, canvasKey(projectID), &rec)
	if err == nil {
		return rec.snapshot(), nil
	}
	if !isNotFound(err) {
		return nil, readErr(err)
	}
	return s.rebuildSnapshot(ctx, p)
}

func (s *Service) rebuildSnapshot(ctx context.Context, p *Project) (*Snapshot, error) {
	blocks, err := s.loadBlocks(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	relations, err := s.loadRelations(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	sortBlocks(blocks)
	sortRelations(relations)

	nodes := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		nodes = append(nodes, blockNode(b))
	}
	edges := make([]map[string]any, 0, len(relations))
	for _, r := range relations {
		edges = append(edges, relationEdge(r))
	}
	nodesJSON, err := json.Marshal(nodes)
	if err != nil {
		return nil, err
	}
	edgesJSON, err := json.Marshal(edges)
	if err != nil {
		return nil, err
	}
	data := CanvasData{Nodes: nodesJSON, Edges: edgesJSON}
	viewport, err := s.store.Get(ctx, viewportKey(p.ID))
	switch {
	case err == nil:
		data.Viewport = viewport
	case !isNotFound(err):
		return nil, readErr(err)
	}
	if err := s.putSnapshot(ctx, p.ID, data, p.UpdatedAt); err != nil {
		s.log.WithError(err).WithField("project_id", p.ID).Warn("could not cache rebuilt canvas snapshot")
	}
	return &Snapshot{ProjectID: p.ID, CanvasData: data, UpdatedAt: p.UpdatedAt}, nil
}

// blockNode lays the block's fields over the node it was saved from.
func blockNode(b Block) map[string]any {
	node := decodeObject(b.Node)
	data, _ := node["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	_, hadTitle := data["title"]
	_, hadLabel := data["label"]

	node["id"] = b.ID
	node["type"] = b.Type
	node["position"] = b.Position
	setField(data, "title", b.Title, b.Title == "")
	// label mirrors the title unless the node carried both
	if !hadTitle || !hadLabel {
		setField(data, "label", b.Title, b.Title == "")
	}
	setField(data, "status", b.Status, b.Status == "")
	setField(data, "config", b.Config, len(b.Config) == 0)
	setField(data, "inputs", b.Inputs, len(b.Inputs) == 0)
	setField(data, "outputs", b.Outputs, len(b.Outputs) == 0)
	setField(data, "metadata", b.Metadata, len(b.Metadata) == 0)
	node["data"] = data
	return node
}

// relationEdge lays the relation's fields over the edge it was saved from.
func relationEdge(r Relation) map[string]any {
	edge := decodeObject(r.Edge)
	data, _ := edge["data"].(map[string]any)
	if data == nil {
		data = map[string]any{}
	}
	edge["id"] = r.ID
	edge["source"] = r.SourceBlockID
	edge["target"] = r.TargetBlockID
	setField(edge, "sourceHandle", r.SourceHandle, r.SourceHandle == "")
	setField(edge, "targetHandle", r.TargetHandle, r.TargetHandle == "")
	setField(edge, "style", r.Style, len(r.Style) == 0)
	setField(edge, "animated", r.Animated, !r.Animated)
	data["type"] = r.Type
	edge["data"] = data
	return edge
}

// decodeObject returns raw as a JSON object, or an empty one. Numbers are
// kept as json.Number so large values survive the round trip.
func decodeObject(raw json.RawMessage) map[string]any {
	obj := map[string]any{}
	if len(raw) == 0 {
		return obj
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func setField(obj map[string]any, key string, v any, empty bool) {
	if empty {
		delete(obj, key)
		return
	}
	obj[key] = v
}

func (s *Service) putViewport(ctx context.Context, projectID string, viewport json.RawMessage) error {
	if isNull(viewport) {
		return s.store.Delete(ctx, viewportKey(projectID))
	}
	return s.store.Set(ctx, viewportKey(projectID), viewport, 0)
}

// SaveCanvas replaces the project's graph with data. Blocks and relations are
// written first, then the snapshot with the exact bytes given. Concurrent
// saves are last writer wins.
func (s *Service) SaveCanvas(ctx context.Context, projectID, userID string, data CanvasData) (*Snapshot, error) {
	p, _, err := s.writeAccess(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.valid.canvasPayload(data); err != nil {
		return nil, err
	}
	var rawNodes []json.RawMessage
	if err := json.Unmarshal(data.Nodes, &rawNodes); err != nil {
		return nil, apperr.Wrap(apperr.ValidationError, "canvasData.nodes is malformed", err)
	}
	var rawEdges []json.RawMessage
	if err := json.Unmarshal(data.Edges, &rawEdges); err != nil {
		return nil, apperr.Wrap(apperr.ValidationError, "canvasData.edges is malformed", err)
	}

	existing, err := s.loadBlocks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	created := make(map[string]time.Time, len(existing))
	for _, b := range existing {
		created[b.ID] = b.CreatedAt
	}

	now := s.now()
	blocks := make([]Block, 0, len(rawNodes))
	seen := make(map[string]bool, len(rawNodes))
	for _, raw := range rawNodes {
		var n canvasNode
		if err := json.Unmarshal(raw, &n); err != nil {
			return nil, apperr.Wrap(apperr.ValidationError, "canvasData.nodes is malformed", err)
		}
		if seen[n.ID] {
			return nil, apperr.New(apperr.ValidationError, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		seen[n.ID] = true
		b := Block{
			ID:        n.ID,
			ProjectID: projectID,
			Title:     n.Data.Title,
			Type:      n.Type,
			Status:    n.Data.Status,
			Position:  n.Position,
			Config:    n.Data.Config,
			Inputs:    n.Data.Inputs,
			Outputs:   n.Data.Outputs,
			Metadata:  n.Data.Metadata,
			Node:      raw,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if b.Title == "" {
			b.Title = n.Data.Label
		}
		if b.Type == "" {
			b.Type = BlockStandard
		}
		if t, ok := created[b.ID]; ok {
			b.CreatedAt = t
		}
		if err := s.valid.blockConfig(b.Type, b.Config); err != nil {
			return nil, err
		}
		blocks = append(blocks, b)
	}

	relations := make([]Relation, 0, len(rawEdges))
	edgeIDs := make(map[string]bool, len(rawEdges))
	for _, raw := range rawEdges {
		var e canvasEdge
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, apperr.Wrap(apperr.ValidationError, "canvasData.edges is malformed", err)
		}
		if edgeIDs[e.ID] {
			return nil, apperr.New(apperr.ValidationError, fmt.Sprintf("duplicate edge id %q", e.ID))
		}
		edgeIDs[e.ID] = true
		if !seen[e.Source] || !seen[e.Target] {
			return nil, apperr.New(apperr.ValidationError, fmt.Sprintf("edge %q references a node that is not on the canvas", e.ID))
		}
		t := e.Data.Type
		if t == "" {
			t = RelationInspire
		}
		relations = append(relations, Relation{
			ID:            e.ID,
			ProjectID:     projectID,
			SourceBlockID: e.Source,
			TargetBlockID: e.Target,
			Type:          t,
			SourceHandle:  e.SourceHandle,
			TargetHandle:  e.TargetHandle,
			Style:         e.Style,
			Animated:      e.Animated,
			Edge:          raw,
			CreatedAt:     now,
		})
	}

	log := s.log.WithFields(logrus.Fields{"project_id": projectID, "user_id": userID})
	fail := func(msg string, err error) (*Snapshot, error) {
		log.WithError(err).Error(msg)
		if ierr := s.invalidateSnapshot(ctx, projectID); ierr != nil {
			log.WithError(ierr).Error("could not invalidate canvas snapshot after failed save")
		}
		return nil, writeErr(err)
	}
	if err := s.replaceGraph(ctx, projectID, blocks, relations); err != nil {
		return fail("canvas save failed while writing blocks and relations", err)
	}
	if err := s.putViewport(ctx, projectID, data.Viewport); err != nil {
		return fail("canvas viewport write failed", err)
	}
	if err := s.putSnapshot(ctx, projectID, data, now); err != nil {
		return fail("canvas snapshot write failed", err)
	}
	if err := s.touchProject(ctx, p); err != nil {
		return nil, writeErr(err)
	}
	log.WithFields(logrus.Fields{"blocks": len(blocks), "relations": len(relations)}).Debug("canvas saved")
	return &Snapshot{ProjectID: projectID, CanvasData: data, UpdatedAt: now}, nil
}

// replaceGraph writes blocks and relations and removes the ones no longer
// present.
func (s *Service) replaceGraph(ctx context.Context, projectID string, blocks []Block, relations []Relation) error {
	keep := make(map[string]bool, len(blocks)+len(relations))
	for _, b := range blocks {
		key := blockKey(projectID, b.ID)
		if err := s.putJSON(ctx, key, b); err != nil {
			return err
		}
		keep[key] = true
	}
	for _, r := range relations {
		key := relationKey(projectID, r.ID)
		if err := s.putJSON(ctx, key, r); err != nil {
			return err
		}
		keep[key] = true
	}
	var stale []string
	for _, prefix := range []string{blockPrefix(projectID), relationPrefix(projectID)} {
		entries, err := s.store.List(ctx, prefix)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if !keep[e.Key] {
				stale = append(stale, e.Key)
			}
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return s.store.DeleteMany(ctx, stale...)
}

// graphChanged invalidates the snapshot and bumps the project after a block
// or relation write.
func (s *Service) graphChanged(ctx context.Context, p *Project) error {
	if err := s.invalidateSnapshot(ctx, p.ID); err != nil {
		return err
	}
	if err := s.touchProject(ctx, p); err != nil {
		return writeErr(err)
	}
	return nil
}

func sortBlocks(blocks []Block) {
	sort.SliceStable(blocks, func(i, j int) bool {
		if !blocks[i].CreatedAt.Equal(blocks[j].CreatedAt) {
			return blocks[i].CreatedAt.Before(blocks[j].CreatedAt)
		}
		return blocks[i].ID < blocks[j].ID
	})
}

func sortRelations(relations []Relation) {
	sort.SliceStable(relations, func(i, j int) bool {
		if !relations[i].CreatedAt.Equal(relations[j].CreatedAt) {
			return relations[i].CreatedAt.Before(relations[j].CreatedAt)
		}
		return relations[i].ID < relations[j].ID
	})
}

func (s *Service) loadBlock(ctx context.Context, projectID, blockID string) (*Block, error) {
	var b Block
	err := s.getJSON(ctx, blockKey(projectID, blockID), &b)
	if isNotFound(err) {
		return nil, apperr.New(apperr.NotFound, "block not found")
	}
	if err != nil {
		return nil, readErr(err)
	}
	return &b, nil
}

func (s *Service) ListBlocks(ctx context.Context, projectID, userID string) ([]Block, error) {
	if _, _, err := s.access(ctx, projectID, userID); err != nil {
		return nil, err
	}
	blocks, err := s.loadBlocks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	sortBlocks(blocks)
	return blocks, nil
}

func (s *Service) CreateBlock(ctx context.Context, projectID, userID string, in BlockInput) (*Block, error) {
	p, _, err := s.writeAccess(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = BlockStandard
	}
	if err := s.valid.blockConfig(in.Type, in.Config); err != nil {
		return nil, err
	}
	now := s.now()
	b := &Block{
		ID:        s.newID(),
		ProjectID: projectID,
		Title:     in.Title,
		Type:      in.Type,
		Status:    in.Status,
		Position:  in.Position,
		Config:    in.Config,
		Inputs:    in.Inputs,
		Outputs:   in.Outputs,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.putJSON(ctx, blockKey(projectID, b.ID), b); err != nil {
		return nil, writeErr(err)
	}
	if err := s.graphChanged(ctx, p); err != nil {
		return nil, err
	}
	return b, nil
}

func (s *Service) UpdateBlock(ctx context.Context, projectID, userID, blockID string, patch BlockPatch) (*Block, error) {
	p, _, err := s.writeAccess(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	b, err := s.loadBlock(ctx, projectID, blockID)
	if err != nil {
		return nil, err
	}
	if patch.Title != nil {
		b.Title = *patch.Title
	}
	if patch.Type != nil && *patch.Type != "" {
		b.Type = *patch.Type
	}
	if patch.Status != nil {
		b.Status = *patch.Status
	}
	if patch.Position != nil {
		b.Position = *patch.Position
	}
	if patch.Config != nil {
		b.Config = patch.Config
	}
	if patch.Inputs != nil {
		b.Inputs = patch.Inputs
	}
	if patch.Outputs != nil {
		b.Outputs = patch.Outputs
	}
	if patch.Metadata != nil {
		b.Metadata = patch.Metadata
	}
	if err := s.valid.blockConfig(b.Type, b.Config); err != nil {
		return nil, err
	}
	b.UpdatedAt = s.now()
	if err := s.putJSON(ctx, blockKey(projectID, b.ID), b); err != nil {
		return nil, writeErr(err)
	}
	if err := s.graphChanged(ctx, p); err != nil {
		return nil, err
	}
	return b, nil
}

// UpdateBlockPositions applies a batch of drag moves. Every id is checked
// before anything is written.
func (s *Service) UpdateBlockPositions(ctx context.Context, projectID, userID string, updates []PositionUpdate) ([]Block, error) {
	p, _, err := s.writeAccess(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if len(updates) == 0 {
		return []Block{}, nil
	}
	blocks, err := s.loadBlocks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*Block, len(blocks))
	for i := range blocks {
		byID[blocks[i].ID] = &blocks[i]
	}
	for _, u := range updates {
		if _, ok := byID[u.ID]; !ok {
			return nil, apperr.New(apperr.NotFound, fmt.Sprintf("block %q not found", u.ID))
		}
	}
	now := s.now()
	out := make([]Block, 0, len(updates))
	for _, u := range updates {
		b := byID[u.ID]
		b.Position = u.Position
		b.UpdatedAt = now
		if err := s.putJSON(ctx, blockKey(projectID, b.ID), b); err != nil {
			return nil, writeErr(err)
		}
		out = append(out, *b)
	}
	if err := s.graphChanged(ctx, p); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteBlock removes the block and every relation touching it.
func (s *Service) DeleteBlock(ctx context.Context, projectID, userID, blockID string) error {
	p, _, err := s.writeAccess(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if _, err := s.loadBlock(ctx, projectID, blockID); err != nil {
		return err
	}
	relations, err := s.loadRelations(ctx, projectID)
	if err != nil {
		return err
	}
	keys := []string{blockKey(projectID, blockID)}
	for _, r := range relations {
		if r.SourceBlockID == blockID || r.TargetBlockID == blockID {
			keys = append(keys, relationKey(projectID, r.ID))
		}
	}
	if err := s.store.DeleteMany(ctx, keys...); err != nil {
		return writeErr(err)
	}
	return s.graphChanged(ctx, p)
}

func (s *Service) ListRelations(ctx context.Context, projectID, userID string) ([]Relation, error) {
	if _, _, err := s.access(ctx, projectID, userID); err != nil {
		return nil, err
	}
	relations, err := s.loadRelations(ctx, projectID)
	if err != nil {
		return nil, err
	}
	sortRelations(relations)
	return relations, nil
}

// CreateRelation links two existing blocks of the project.
func (s *Service) CreateRelation(ctx context.Context, projectID, userID string, in RelationInput) (*Relation, error) {
	p, _, err := s.writeAccess(ctx, projectID, userID)
	if err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = RelationInspire
	}
	if !in.Type.valid() {
		return nil, apperr.New(apperr.ValidationError, "type must be one of inspire, cause, support, depend, contradict")
	}
	for _, id := range []string{in.SourceBlockID, in.TargetBlockID} {
		if id == "" {
			return nil, apperr.New(apperr.ValidationError, "sourceBlockId and targetBlockId are required")
		}
		if _, err := s.loadBlock(ctx, projectID, id); err != nil {
			if apperr.Is(err, apperr.NotFound) {
				return nil, apperr.New(apperr.ValidationError, fmt.Sprintf("block %q does not exist in this project", id))
			}
			return nil, err
		}
	}
	r := &Relation{
		ID:            s.newID(),
		ProjectID:     projectID,
		SourceBlockID: in.SourceBlockID,
		TargetBlockID: in.TargetBlockID,
		Type:          in.Type,
		SourceHandle:  in.SourceHandle,
		TargetHandle:  in.TargetHandle,
		Style:         in.Style,
		Animated:      in.Animated,
		CreatedAt:     s.now(),
	}
	if err := s.putJSON(ctx, relationKey(projectID, r.ID), r); err != nil {
		return nil, writeErr(err)
	}
	if err := s.graphChanged(ctx, p); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Service) DeleteRelation(ctx context.Context, projectID, userID, relationID string) error {
	p, _, err := s.writeAccess(ctx, projectID, userID)
	if err != nil {
		return err
	}
	if _, err := s.store.Get(ctx, relationKey(projectID, relationID)); err != nil {
		if isNotFound(err) {
			return apperr.New(apperr.NotFound, "relation not found")
		}
		return readErr(err)
	}
	if err := s.store.Delete(ctx, relationKey(projectID, relationID)); err != nil {
		return writeErr(err)
	}
	return s.graphChanged(ctx, p)
}
