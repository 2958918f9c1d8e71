// Package board groups backend records into stage columns and reconciles
// optimistic drag-and-drop moves against a remote status updater.
package board

import (
	"fmt"
	"sort"
	"time"
)

// Record is one backend record as decoded from JSON.
type Record map[string]any

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

// String returns the field formatted as a string, or "" when absent.
func (r Record) String(field string) string {
	return formatValue(r[field])
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case Record:
		return t.Clone()
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		// JSON numbers decode as float64; integral values print without a fraction.
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}

// Schema names the record fields the board reads and writes.
type Schema struct {
	IDField          string
	StatusField      string
	StatusLabelField string
	OwnerField       string
	DateField        string
	SearchFields     []string
	DisplayFields    []string
}

// DefaultSchema matches the field names of the lead records served by the
// reference backend.
func DefaultSchema() Schema {
	return Schema{
		IDField:          "id",
		StatusField:      "status",
		StatusLabelField: "statusLabel",
		OwnerField:       "owner",
		DateField:        "createdOn",
		SearchFields:     []string{"name", "owner", "statusLabel", "description"},
		DisplayFields:    []string{"name", "owner", "createdOn"},
	}
}

// Stage is one column of the board, derived from a backend status enum entry.
type Stage struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Order int    `json:"order"`
	Value int    `json:"value"`
}

// SortStages orders stages by Order, keeping insertion order for ties.
func SortStages(stages []Stage) {
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })
}

// Card is the movable representation of one record.
type Card struct {
	ID      string            `json:"id"`
	StageID string            `json:"stageId"`
	Label   string            `json:"label"`
	Fields  map[string]string `json:"fields"`
	Raw     Record            `json:"raw"`
}

func (c Card) clone() Card {
	out := c
	if c.Fields != nil {
		out.Fields = make(map[string]string, len(c.Fields))
		for k, v := range c.Fields {
			out.Fields[k] = v
		}
	}
	out.Raw = c.Raw.Clone()
	return out
}

// Column is a stage together with the cards it currently owns.
type Column struct {
	Stage Stage  `json:"stage"`
	Cards []Card `json:"cards"`
}

// Board is the stage to card grouping at one point in time. Records whose
// status matches no stage are kept in Unassigned.
type Board struct {
	Columns    []Column `json:"columns"`
	Unassigned []Card   `json:"unassigned,omitempty"`
}

// Clone returns a deep copy of the board.
func (b Board) Clone() Board {
	out := Board{}
	if b.Columns != nil {
		out.Columns = make([]Column, len(b.Columns))
		for i, col := range b.Columns {
			out.Columns[i] = Column{Stage: col.Stage, Cards: cloneCards(col.Cards)}
		}
	}
	out.Unassigned = cloneCards(b.Unassigned)
	return out
}

// Column returns the column for a stage id.
func (b Board) Column(stageID string) (Column, bool) {
	for _, col := range b.Columns {
		if col.Stage.ID == stageID {
			return col, true
		}
	}
	return Column{}, false
}

// CardCount returns the number of cards across all columns and Unassigned.
func (b Board) CardCount() int {
	n := len(b.Unassigned)
	for _, col := range b.Columns {
		n += len(col.Cards)
	}
	return n
}

func cloneCards(cards []Card) []Card {
	if cards == nil {
		return nil
	}
	out := make([]Card, len(cards))
	for i, c := range cards {
		out[i] = c.clone()
	}
	return out
}

// Filters narrows the set of records shown on the board. Zero values disable
// the corresponding filter.
type Filters struct {
	Owners   []string  `json:"owners,omitempty"`
	Statuses []string  `json:"statuses,omitempty"`
	From     time.Time `json:"from,omitempty"`
	To       time.Time `json:"to,omitempty"`
}

// DragSession describes an in-progress move.
type DragSession struct {
	SourceStageID string    `json:"sourceStageId"`
	CardID        string    `json:"cardId"`
	StartedAt     time.Time `json:"startedAt"`
}

// MoveResult describes a committed move.
type MoveResult struct {
	Card      Card   `json:"card"`
	From      string `json:"from"`
	To        string `json:"to"`
	SameStage bool   `json:"sameStage"`
}
