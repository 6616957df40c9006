package canvas

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"canvaslink/internal/domain"
	"canvaslink/internal/infra/config"
	"canvaslink/internal/usecase/chunker"
	"canvaslink/internal/usecase/dispatch"
	"canvaslink/internal/usecase/progress"
)

// Host-side execution budgets. The gateway's client-side timeouts must sit
// above these with margin; see the default command_timeouts table.
const (
	quickTimeout   = 5 * time.Second
	mutateTimeout  = 10 * time.Second
	chunkedTimeout = 45 * time.Second
)

const (
	nodeIDSchema = `{
		"type": "object",
		"required": ["nodeId"],
		"properties": {
			"nodeId": {"type": "string", "minLength": 1}
		}
	}`

	createShapeSchema = `{
		"type": "object",
		"required": ["name"],
		"properties": {
			"name": {"type": "string", "minLength": 1},
			"parentId": {"type": "string"},
			"x": {"type": "number"},
			"y": {"type": "number"},
			"width": {"type": "number", "minimum": 0},
			"height": {"type": "number", "minimum": 0}
		}
	}`

	createTextSchema = `{
		"type": "object",
		"required": ["characters"],
		"properties": {
			"characters": {"type": "string"},
			"name": {"type": "string"},
			"parentId": {"type": "string"},
			"x": {"type": "number"},
			"y": {"type": "number"},
			"fontSize": {"type": "number", "minimum": 1}
		}
	}`

	setTextSchema = `{
		"type": "object",
		"required": ["nodeId", "characters"],
		"properties": {
			"nodeId": {"type": "string", "minLength": 1},
			"characters": {"type": "string"}
		}
	}`

	scanTextSchema = `{
		"type": "object",
		"properties": {
			"nodeId": {"type": "string"}
		}
	}`

	setMultipleTextSchema = `{
		"type": "object",
		"required": ["updates"],
		"properties": {
			"updates": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["nodeId", "text"],
					"properties": {
						"nodeId": {"type": "string", "minLength": 1},
						"text": {"type": "string"}
					}
				}
			}
		}
	}`
)

type shapeParams struct {
	Name     string  `json:"name"`
	ParentID string  `json:"parentId"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
}

type textParams struct {
	Characters string  `json:"characters"`
	Name       string  `json:"name"`
	ParentID   string  `json:"parentId"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	FontSize   float64 `json:"fontSize"`
}

type nodeIDParams struct {
	NodeID string `json:"nodeId"`
}

type setTextParams struct {
	NodeID     string `json:"nodeId"`
	Characters string `json:"characters"`
}

// TextUpdate is one entry of a set_multiple_text_contents call.
type TextUpdate struct {
	NodeID string `json:"nodeId"`
	Text   string `json:"text"`
}

type setMultipleTextParams struct {
	Updates []TextUpdate `json:"updates"`
}

type textSummary struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	Characters string  `json:"characters"`
	FontSize   float64 `json:"fontSize"`
}

type scanResult struct {
	Total int                 `json:"total"`
	Items []domain.ItemResult `json:"items"`
}

type applyResult struct {
	Total   int                 `json:"total"`
	Applied int                 `json:"applied"`
	Items   []domain.ItemResult `json:"items"`
}

// Spec is the wire-facing description of one command: the metadata an
// automation client needs to present the command as a callable tool.
type Spec struct {
	Name    string
	Summary string
	Schema  json.RawMessage
}

// Specs returns the command set metadata in registration order. The backing
// handlers are bound to a throwaway document and must not be invoked.
func Specs() []Spec {
	descs := Commands(NewDocument(""), config.ChunkConfig{})
	specs := make([]Spec, len(descs))
	for i, d := range descs {
		specs[i] = Spec{Name: d.Name, Summary: d.Summary, Schema: d.Schema}
	}
	return specs
}

// Commands returns the reference command set bound to doc. Chunked commands
// take their chunk geometry from cfg.
func Commands(doc *Document, cfg config.ChunkConfig) []dispatch.Descriptor {
	return []dispatch.Descriptor{
		{
			Name:    "ping",
			Summary: "Liveness check; echoes params back when present.",
			Timeout: quickTimeout,
			Handler: func(_ context.Context, _ *domain.Session, params json.RawMessage) (any, error) {
				if len(params) > 0 && string(params) != "null" {
					return params, nil
				}
				return map[string]bool{"pong": true}, nil
			},
		},
		{
			Name:    "get_document_info",
			Summary: "Returns the document name and node census.",
			Timeout: quickTimeout,
			Handler: func(context.Context, *domain.Session, json.RawMessage) (any, error) {
				return doc.Info(), nil
			},
		},
		{
			Name:    "get_node_info",
			Summary: "Returns one node by id.",
			Schema:  json.RawMessage(nodeIDSchema),
			Timeout: quickTimeout,
			Handler: func(_ context.Context, _ *domain.Session, params json.RawMessage) (any, error) {
				var p nodeIDParams
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, domain.NewDomainError("canvas.get_node_info", domain.ErrInvalidInput, err.Error())
				}
				return doc.Node(p.NodeID)
			},
		},
		{
			Name:          "create_frame",
			Summary:       "Creates a frame; frames are the only nodes that hold children.",
			Schema:        json.RawMessage(createShapeSchema),
			Timeout:       mutateTimeout,
			RequiresWrite: true,
			Handler: func(_ context.Context, _ *domain.Session, params json.RawMessage) (any, error) {
				var p shapeParams
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, domain.NewDomainError("canvas.create_frame", domain.ErrInvalidInput, err.Error())
				}
				return doc.CreateFrame(p.ParentID, p.Name, p.X, p.Y, p.Width, p.Height)
			},
		},
		{
			Name:          "create_rectangle",
			Summary:       "Creates a rectangle node.",
			Schema:        json.RawMessage(createShapeSchema),
			Timeout:       mutateTimeout,
			RequiresWrite: true,
			Handler: func(_ context.Context, _ *domain.Session, params json.RawMessage) (any, error) {
				var p shapeParams
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, domain.NewDomainError("canvas.create_rectangle", domain.ErrInvalidInput, err.Error())
				}
				return doc.CreateRectangle(p.ParentID, p.Name, p.X, p.Y, p.Width, p.Height)
			},
		},
		{
			Name:          "create_text",
			Summary:       "Creates a text node.",
			Schema:        json.RawMessage(createTextSchema),
			Timeout:       mutateTimeout,
			RequiresWrite: true,
			Handler: func(_ context.Context, _ *domain.Session, params json.RawMessage) (any, error) {
				var p textParams
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, domain.NewDomainError("canvas.create_text", domain.ErrInvalidInput, err.Error())
				}
				name := p.Name
				if name == "" {
					name = p.Characters
				}
				return doc.CreateText(p.ParentID, name, p.Characters, p.X, p.Y, p.FontSize)
			},
		},
		{
			Name:          "set_text_content",
			Summary:       "Replaces the characters of one text node.",
			Schema:        json.RawMessage(setTextSchema),
			Timeout:       mutateTimeout,
			RequiresWrite: true,
			Handler: func(_ context.Context, _ *domain.Session, params json.RawMessage) (any, error) {
				var p setTextParams
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, domain.NewDomainError("canvas.set_text_content", domain.ErrInvalidInput, err.Error())
				}
				return doc.SetTextContent(p.NodeID, p.Characters)
			},
		},
		{
			Name:          "delete_node",
			Summary:       "Deletes a node and its subtree.",
			Schema:        json.RawMessage(nodeIDSchema),
			Timeout:       mutateTimeout,
			RequiresWrite: true,
			Handler: func(_ context.Context, _ *domain.Session, params json.RawMessage) (any, error) {
				var p nodeIDParams
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, domain.NewDomainError("canvas.delete_node", domain.ErrInvalidInput, err.Error())
				}
				deleted, err := doc.DeleteNode(p.NodeID)
				if err != nil {
					return nil, err
				}
				return map[string]int{"deleted": deleted}, nil
			},
		},
		{
			Name:    "scan_text_nodes",
			Summary: "Collects every text node under a root, in chunks.",
			Schema:  json.RawMessage(scanTextSchema),
			Timeout: chunkedTimeout,
			Handler: func(ctx context.Context, _ *domain.Session, params json.RawMessage) (any, error) {
				var p nodeIDParams
				if len(params) > 0 {
					if err := json.Unmarshal(params, &p); err != nil {
						return nil, domain.NewDomainError("canvas.scan_text_nodes", domain.ErrInvalidInput, err.Error())
					}
				}

				// Planning phase: the traversal that finds the work.
				ids, err := doc.TextNodesIn(p.NodeID)
				if err != nil {
					return nil, err
				}

				opts := chunker.FromConfig(cfg, func(id string) string { return id })
				items, err := chunker.Run(ctx, opts, progress.FromContext(ctx), ids,
					func(_ context.Context, id string) (json.RawMessage, error) {
						n, err := doc.Node(id)
						if err != nil {
							return nil, err
						}
						return json.Marshal(textSummary{
							ID:         n.ID,
							Name:       n.Name,
							Characters: n.Characters,
							FontSize:   n.FontSize,
						})
					})
				if err != nil {
					return nil, err
				}
				return scanResult{Total: len(ids), Items: items}, nil
			},
		},
		{
			Name:          "set_multiple_text_contents",
			Summary:       "Applies a batch of text replacements; failures are per item.",
			Schema:        json.RawMessage(setMultipleTextSchema),
			Timeout:       chunkedTimeout,
			RequiresWrite: true,
			Handler: func(ctx context.Context, _ *domain.Session, params json.RawMessage) (any, error) {
				var p setMultipleTextParams
				if err := json.Unmarshal(params, &p); err != nil {
					return nil, domain.NewDomainError("canvas.set_multiple_text_contents", domain.ErrInvalidInput, err.Error())
				}

				opts := chunker.FromConfig(cfg, func(u TextUpdate) string { return u.NodeID })
				items, err := chunker.Run(ctx, opts, progress.FromContext(ctx), p.Updates,
					func(_ context.Context, u TextUpdate) (json.RawMessage, error) {
						n, err := doc.SetTextContent(u.NodeID, u.Text)
						if err != nil {
							return nil, err
						}
						return json.Marshal(map[string]string{"nodeId": n.ID, "characters": n.Characters})
					})
				if err != nil {
					return nil, err
				}

				applied := 0
				for _, item := range items {
					if item.Success {
						applied++
					}
				}
				return applyResult{Total: len(p.Updates), Applied: applied, Items: items}, nil
			},
		},
	}
}

// Register adds the full command set to reg.
func Register(reg *dispatch.Registry, doc *Document, cfg config.ChunkConfig) error {
	for _, desc := range Commands(doc, cfg) {
		if err := reg.Register(desc); err != nil {
			return fmt.Errorf("register %s: %w", desc.Name, err)
		}
	}
	return nil
}
