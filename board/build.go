package board

import (
	"fmt"
	"strings"
	"time"
)

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// BuildBoard partitions records into the given stages after applying the
// filters and search term. It has no side effects: the same inputs always
// produce the same board.
//
// Filters run in a fixed order: owners, status labels, date lower bound,
// date upper bound, then search. Within a column cards keep the relative
// order of records.
func BuildBoard(stages []Stage, records []Record, filters Filters, search string, schema Schema) Board {
	byID, byTitle := stageIndex(stages)
	resolve := func(rec Record) (Stage, bool) {
		status := rec.String(schema.StatusField)
		if s, ok := byID[status]; ok {
			return s, true
		}
		s, ok := byTitle[status]
		return s, ok
	}

	type entry struct {
		index int
		rec   Record
	}
	filtered := make([]entry, 0, len(records))
	for i, rec := range records {
		filtered = append(filtered, entry{index: i, rec: rec})
	}

	keep := func(pred func(Record) bool) {
		out := filtered[:0:0]
		for _, e := range filtered {
			if pred(e.rec) {
				out = append(out, e)
			}
		}
		filtered = out
	}

	if len(filters.Owners) > 0 {
		owners := toSet(filters.Owners)
		keep(func(rec Record) bool {
			_, ok := owners[rec.String(schema.OwnerField)]
			return ok
		})
	}
	if len(filters.Statuses) > 0 {
		labels := toSet(filters.Statuses)
		keep(func(rec Record) bool {
			label := rec.String(schema.StatusLabelField)
			if s, ok := resolve(rec); ok {
				label = s.Title
			}
			_, ok := labels[label]
			return ok
		})
	}
	if !filters.From.IsZero() {
		from := startOfDay(filters.From)
		keep(func(rec Record) bool {
			t, ok := parseDate(rec[schema.DateField])
			return ok && !t.Before(from)
		})
	}
	if !filters.To.IsZero() {
		to := endOfDay(filters.To)
		keep(func(rec Record) bool {
			t, ok := parseDate(rec[schema.DateField])
			return ok && !t.After(to)
		})
	}
	if term := strings.ToLower(strings.TrimSpace(search)); term != "" {
		keep(func(rec Record) bool {
			for _, f := range schema.SearchFields {
				if strings.Contains(strings.ToLower(rec.String(f)), term) {
					return true
				}
			}
			return false
		})
	}

	b := Board{Columns: make([]Column, len(stages))}
	pos := make(map[string]int, len(stages))
	for i, s := range stages {
		b.Columns[i] = Column{Stage: s, Cards: []Card{}}
		if _, dup := pos[s.ID]; !dup {
			pos[s.ID] = i
		}
	}
	for _, e := range filtered {
		s, ok := resolve(e.rec)
		if !ok {
			b.Unassigned = append(b.Unassigned, newCard(e.rec, e.index, "", schema))
			continue
		}
		card := newCard(e.rec, e.index, s.ID, schema)
		card.Label = s.Title
		i := pos[s.ID]
		b.Columns[i].Cards = append(b.Columns[i].Cards, card)
	}
	return b
}

func newCard(rec Record, index int, stageID string, schema Schema) Card {
	id := rec.String(schema.IDField)
	if id == "" {
		id = fmt.Sprintf("#%d", index)
	}
	fields := make(map[string]string, len(schema.DisplayFields))
	for _, f := range schema.DisplayFields {
		fields[f] = rec.String(f)
	}
	return Card{
		ID:      id,
		StageID: stageID,
		Label:   rec.String(schema.StatusLabelField),
		Fields:  fields,
		Raw:     rec.Clone(),
	}
}

func stageIndex(stages []Stage) (byID, byTitle map[string]Stage) {
	byID = make(map[string]Stage, len(stages))
	byTitle = make(map[string]Stage, len(stages))
	for _, s := range stages {
		if _, ok := byID[s.ID]; !ok {
			byID[s.ID] = s
		}
		if _, ok := byTitle[s.Title]; !ok {
			byTitle[s.Title] = s
		}
	}
	return byID, byTitle
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func parseDate(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok || s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func endOfDay(t time.Time) time.Time {
	return startOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
