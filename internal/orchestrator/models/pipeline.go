// Copyright (C) 2026 Lazyaf
// SPDX-License-Identifier: AGPL-3.0-or-later

package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// StepType discriminates the tagged step variants.
type StepType string

const (
	StepTypeScript StepType = "script"
	StepTypeDocker StepType = "docker"
	StepTypeAgent  StepType = "agent"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeScript, StepTypeDocker, StepTypeAgent:
		return true
	}
	return false
}

// EdgeCondition selects when an edge routes to its target.
type EdgeCondition string

const (
	EdgeOnSuccess EdgeCondition = "success"
	EdgeOnFailure EdgeCondition = "failure"
	EdgeAlways    EdgeCondition = "always"
)

// GraphVersion is the persisted graph file format version.
const GraphVersion = 2

// Position is an optional layout hint, persisted verbatim and never
// interpreted server-side.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// GraphStep defines one node in a pipeline graph.
type GraphStep struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Type              StepType  `json:"type"`
	Config            ConfigMap `json:"config"`
	TimeoutSeconds    int       `json:"timeout,omitempty"`
	ContinueInContext bool      `json:"continue_in_context,omitempty"`
	Position          *Position `json:"position,omitempty"`
}

// GraphEdge connects two steps under a condition.
type GraphEdge struct {
	ID        string        `json:"id"`
	FromStep  string        `json:"from_step"`
	ToStep    string        `json:"to_step"`
	Condition EdgeCondition `json:"condition"`
}

// PipelineGraph is the canonical pipeline form: a step map, condition
// edges, and at least one entry point.
type PipelineGraph struct {
	Version     int                  `json:"version"`
	Steps       map[string]GraphStep `json:"steps"`
	Edges       []GraphEdge          `json:"edges"`
	EntryPoints []string             `json:"entry_points"`
}

// Scan implements the sql.Scanner interface
func (g *PipelineGraph) Scan(value any) error {
	if value == nil {
		*g = PipelineGraph{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, g)
	case string:
		return json.Unmarshal([]byte(v), g)
	default:
		return errors.New("cannot scan PipelineGraph from non-string/[]byte value")
	}
}

// Value implements the driver.Valuer interface
func (g PipelineGraph) Value() (driver.Value, error) {
	return json.Marshal(g)
}

// Validate checks the structural invariants: every edge endpoint and every
// entry point references an existing step, and the entry-point list is
// non-empty.
func (g *PipelineGraph) Validate() error {
	if len(g.Steps) == 0 {
		return errors.New("pipeline graph has no steps")
	}
	if len(g.EntryPoints) == 0 {
		return errors.New("pipeline graph has no entry points")
	}
	for id, step := range g.Steps {
		if step.ID != "" && step.ID != id {
			return fmt.Errorf("step %q declares mismatched id %q", id, step.ID)
		}
		if !step.Type.Valid() {
			return fmt.Errorf("step %q has unknown type %q", id, step.Type)
		}
	}
	for _, edge := range g.Edges {
		if _, ok := g.Steps[edge.FromStep]; !ok {
			return fmt.Errorf("edge %q references unknown from_step %q", edge.ID, edge.FromStep)
		}
		if _, ok := g.Steps[edge.ToStep]; !ok {
			return fmt.Errorf("edge %q references unknown to_step %q", edge.ID, edge.ToStep)
		}
		switch edge.Condition {
		case EdgeOnSuccess, EdgeOnFailure, EdgeAlways:
		default:
			return fmt.Errorf("edge %q has unknown condition %q", edge.ID, edge.Condition)
		}
	}
	for _, ep := range g.EntryPoints {
		if _, ok := g.Steps[ep]; !ok {
			return fmt.Errorf("entry point references unknown step %q", ep)
		}
	}
	return nil
}

// OutgoingEdges returns all edges leaving stepID.
func (g *PipelineGraph) OutgoingEdges(stepID string) []GraphEdge {
	var out []GraphEdge
	for _, e := range g.Edges {
		if e.FromStep == stepID {
			out = append(out, e)
		}
	}
	return out
}

// IncomingEdges returns all edges entering stepID.
func (g *PipelineGraph) IncomingEdges(stepID string) []GraphEdge {
	var in []GraphEdge
	for _, e := range g.Edges {
		if e.ToStep == stepID {
			in = append(in, e)
		}
	}
	return in
}

// StableOrder returns every step id in a deterministic order: breadth-first
// from the entry points with lexicographic tie-breaks, unreachable steps
// appended sorted. Step indexes, execution keys, and context-directory log
// names all derive from this order.
func (g *PipelineGraph) StableOrder() []string {
	order := make([]string, 0, len(g.Steps))
	seen := make(map[string]bool, len(g.Steps))

	frontier := append([]string(nil), g.EntryPoints...)
	sort.Strings(frontier)

	for len(frontier) > 0 {
		next := make([]string, 0)
		for _, id := range frontier {
			if seen[id] {
				continue
			}
			seen[id] = true
			order = append(order, id)
			for _, e := range g.OutgoingEdges(id) {
				if !seen[e.ToStep] {
					next = append(next, e.ToStep)
				}
			}
		}
		sort.Strings(next)
		frontier = next
	}

	var rest []string
	for id := range g.Steps {
		if !seen[id] {
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

// IndexOf returns the stable index of stepID, or -1.
func (g *PipelineGraph) IndexOf(stepID string) int {
	for i, id := range g.StableOrder() {
		if id == stepID {
			return i
		}
	}
	return -1
}

// Legacy linear pipeline form.
//
// on_success / on_failure grammar:
//
//	next | stop | merge:<branch> | trigger:<card_id> | trigger:pipeline:<pipeline_id>
const (
	LegacyActionNext = "next"
	LegacyActionStop = "stop"
)

// LegacyStep is one entry of the legacy ordered-list pipeline form.
type LegacyStep struct {
	Name      string    `json:"name"`
	Type      StepType  `json:"type"`
	Config    ConfigMap `json:"config"`
	OnSuccess string    `json:"on_success"`
	OnFailure string    `json:"on_failure"`
}

// LegacySteps is a JSON-serializable ordered list of legacy steps.
type LegacySteps []LegacyStep

func (ls *LegacySteps) Scan(value any) error {
	if value == nil {
		*ls = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, ls)
	case string:
		return json.Unmarshal([]byte(v), ls)
	default:
		return errors.New("cannot scan LegacySteps from non-string/[]byte value")
	}
}

func (ls LegacySteps) Value() (driver.Value, error) {
	if len(ls) == 0 {
		return "[]", nil
	}
	return json.Marshal(ls)
}

// LegacyStepID returns the synthetic graph id for legacy step index i.
func LegacyStepID(i int) string {
	return fmt.Sprintf("step-%03d", i)
}

// legacyActionContinues reports whether a legacy on_success action proceeds
// to the following step. merge and trigger:pipeline both continue after
// their side effect; stop and trigger:<card> do not.
func legacyActionContinues(action string) bool {
	switch {
	case action == LegacyActionNext, action == "":
		return true
	case strings.HasPrefix(action, "merge"):
		return true
	case strings.HasPrefix(action, "trigger:pipeline:"):
		return true
	default:
		return false
	}
}

// ToGraph converts the legacy linear form to the canonical graph: a success
// edge is emitted for every continuing action, no edge for stop.
func (ls LegacySteps) ToGraph() *PipelineGraph {
	g := &PipelineGraph{
		Version: GraphVersion,
		Steps:   make(map[string]GraphStep, len(ls)),
	}
	for i, step := range ls {
		id := LegacyStepID(i)
		g.Steps[id] = GraphStep{
			ID:     id,
			Name:   step.Name,
			Type:   step.Type,
			Config: step.Config,
		}
		if i == 0 {
			g.EntryPoints = []string{id}
		}
		if i+1 < len(ls) && legacyActionContinues(step.OnSuccess) {
			g.Edges = append(g.Edges, GraphEdge{
				ID:        fmt.Sprintf("edge-%03d", i),
				FromStep:  id,
				ToStep:    LegacyStepID(i + 1),
				Condition: EdgeOnSuccess,
			})
		}
	}
	return g
}

// Pipeline represents a named step graph owned by a repository.
type Pipeline struct {
	ID           string        `gorm:"primaryKey;type:text" json:"id"`
	RepositoryID string        `gorm:"not null;type:text;index" json:"repository_id"`
	Name         string        `gorm:"not null;type:text" json:"name"`
	Description  string        `gorm:"type:text" json:"description"`
	Graph        PipelineGraph `gorm:"type:text;column:steps_graph" json:"graph"`

	// Legacy is set when the pipeline was defined in the linear form; the
	// original list is retained so in-step actions can be replayed.
	Legacy      bool        `gorm:"not null;default:false" json:"legacy"`
	LegacySteps LegacySteps `gorm:"type:text" json:"legacy_steps,omitempty"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// TableName returns the table name for Pipeline
func (Pipeline) TableName() string {
	return "pipelines"
}

// StepsTotal returns the number of steps in the canonical graph.
func (p *Pipeline) StepsTotal() int {
	return len(p.Graph.Steps)
}
