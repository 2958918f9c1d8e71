package board

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// StageSource loads the status enum that defines the board's columns.
type StageSource interface {
	FetchStages(ctx context.Context) ([]Stage, error)
}

// RecordSource loads the full, unfiltered record set.
type RecordSource interface {
	FetchRecords(ctx context.Context) ([]Record, error)
}

// StatusUpdater persists a record's new status. It may return the record as
// confirmed by the backend, or nil when the backend echoes nothing back.
type StatusUpdater interface {
	UpdateStatus(ctx context.Context, rec Record, status int) (Record, error)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithSchema overrides DefaultSchema.
func WithSchema(s Schema) Option {
	return func(r *Reconciler) { r.schema = s }
}

// WithLogger sets the logger used for load and move events.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithOnChange registers a callback invoked with a copy of the board after
// every replacement. Calls are serialized and never go back to an older
// board. The callback may read the reconciler but must not mutate it.
func WithOnChange(fn func(Board)) Option {
	return func(r *Reconciler) { r.onChange = fn }
}

// Reconciler owns one board: the loaded stages, the original record set, the
// current grouping and at most one drag session.
//
// Every mutation replaces the board as a whole. Moves are applied
// optimistically, then confirmed or rolled back once the updater answers.
type Reconciler struct {
	stageSrc  StageSource
	recordSrc RecordSource
	updater   StatusUpdater
	schema    Schema
	log       logrus.FieldLogger
	onChange  func(Board)
	now       func() time.Time

	// emitMu orders onChange calls; emitted is the generation last delivered.
	emitMu  sync.Mutex
	emitted uint64

	mu            sync.Mutex
	stages        []Stage
	records       []Record
	stagesLoaded  bool
	recordsLoaded bool
	filters       Filters
	search        string
	board         Board
	generation    uint64
	recordsRev    uint64
	session       *DragSession
	inFlight      bool
	errs          map[string]error
	closed        bool
}

// NewReconciler creates a reconciler with an empty board.
func NewReconciler(stages StageSource, records RecordSource, updater StatusUpdater, opts ...Option) *Reconciler {
	r := &Reconciler{
		stageSrc:  stages,
		recordSrc: records,
		updater:   updater,
		schema:    DefaultSchema(),
		log:       logrus.StandardLogger(),
		now:       time.Now,
		errs:      make(map[string]error),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.WithField("component", "board")
	return r
}

// LoadStages fetches the stage enum. On failure the stages and the board are
// cleared and the error is kept for Err.
func (r *Reconciler) LoadStages(ctx context.Context) ([]Stage, error) {
	stages, err := r.stageSrc.FetchStages(ctx)
	var loaded []Stage
	if err == nil {
		loaded, err = normalizeStages(stages)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.stagesLoaded = true
	if err != nil {
		ferr := &FetchError{Resource: "stages", Err: err}
		r.stages = nil
		r.errs["stages"] = ferr
		r.rebuildLocked()
		b, gen := r.board.Clone(), r.generation
		r.mu.Unlock()

		r.log.WithError(err).Warn("Failed to load stages")
		r.emit(b, gen)
		return nil, ferr
	}

	SortStages(loaded)
	r.stages = loaded
	delete(r.errs, "stages")
	changed := r.rebuildLocked()
	b, gen := r.board.Clone(), r.generation
	out := r.stagesCopyLocked()
	r.mu.Unlock()

	r.log.WithField("stages", len(out)).Debug("Loaded stages")
	if changed {
		r.emit(b, gen)
	}
	return out, nil
}

// LoadRecords fetches the original record set. On failure the record set is
// cleared and the error is kept for Err.
func (r *Reconciler) LoadRecords(ctx context.Context) ([]Record, error) {
	records, err := r.recordSrc.FetchRecords(ctx)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.recordsLoaded = true
	if err != nil {
		ferr := &FetchError{Resource: "records", Err: err}
		r.records = nil
		r.recordsRev++
		r.errs["records"] = ferr
		r.rebuildLocked()
		b, gen := r.board.Clone(), r.generation
		r.mu.Unlock()

		r.log.WithError(err).Warn("Failed to load records")
		r.emit(b, gen)
		return nil, ferr
	}

	loaded := make([]Record, len(records))
	for i, rec := range records {
		loaded[i] = rec.Clone()
	}
	r.records = loaded
	r.recordsRev++
	delete(r.errs, "records")
	changed := r.rebuildLocked()
	b, gen := r.board.Clone(), r.generation
	out := r.recordsCopyLocked()
	r.mu.Unlock()

	r.log.WithField("records", len(out)).Debug("Loaded records")
	if changed {
		r.emit(b, gen)
	}
	return out, nil
}

// Refresh loads stages and records concurrently. A failure of one load does
// not cancel the other; the first error is returned.
func (r *Reconciler) Refresh(ctx context.Context) error {
	var g errgroup.Group
	g.Go(func() error {
		_, err := r.LoadStages(ctx)
		return err
	})
	g.Go(func() error {
		_, err := r.LoadRecords(ctx)
		return err
	})
	return g.Wait()
}

// SetFilters replaces the filter criteria and rebuilds the board.
func (r *Reconciler) SetFilters(f Filters) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.filters = Filters{
		Owners:   append([]string(nil), f.Owners...),
		Statuses: append([]string(nil), f.Statuses...),
		From:     f.From,
		To:       f.To,
	}
	changed := r.rebuildLocked()
	b, gen := r.board.Clone(), r.generation
	r.mu.Unlock()

	if changed {
		r.emit(b, gen)
	}
}

// SetSearch replaces the search term and rebuilds the board.
func (r *Reconciler) SetSearch(term string) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.search = term
	changed := r.rebuildLocked()
	b, gen := r.board.Clone(), r.generation
	r.mu.Unlock()

	if changed {
		r.emit(b, gen)
	}
}

// UpsertRecord inserts or replaces one original record, matched by id, and
// rebuilds the board. It is used to fold in updates pushed by the backend.
func (r *Reconciler) UpsertRecord(rec Record) error {
	id := rec.String(r.schema.IDField)
	if id == "" {
		return fmt.Errorf("board: upsert record: missing %q field", r.schema.IDField)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	records := r.recordsCopyLocked()
	replaced := false
	for i, existing := range records {
		if existing.String(r.schema.IDField) == id {
			records[i] = rec.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		records = append(records, rec.Clone())
	}
	r.records = records
	r.recordsRev++
	changed := r.rebuildLocked()
	b, gen := r.board.Clone(), r.generation
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{"record": id, "replaced": replaced}).Debug("Upserted record")
	if changed {
		r.emit(b, gen)
	}
	return nil
}

// StartDrag opens a drag session. It fails with ErrDragActive while another
// session is open, including one whose drop is still waiting on the updater.
func (r *Reconciler) StartDrag(sourceStageID, cardID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if r.session != nil {
		return fmt.Errorf("%w: card %s from stage %s", ErrDragActive, r.session.CardID, r.session.SourceStageID)
	}
	r.session = &DragSession{
		SourceStageID: sourceStageID,
		CardID:        cardID,
		StartedAt:     r.now(),
	}
	return nil
}

// EndDrag discards the current drag session. A session whose drop is in
// flight belongs to that drop and is left alone.
func (r *Reconciler) EndDrag() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inFlight {
		return
	}
	r.session = nil
}

// DropOn moves the dragged card to the target stage. A session whose source
// stage is "" moves a card out of Board.Unassigned.
//
// The move is applied to the board before the updater is called. If the
// updater fails the board is restored to the exact state it had before the
// move and a *MoveRejectedError is returned. In every outcome the drag
// session is cleared.
func (r *Reconciler) DropOn(ctx context.Context, targetStageID string) (*MoveResult, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	sess := r.session
	if sess == nil {
		r.mu.Unlock()
		return nil, ErrInvalidDragState
	}
	if r.inFlight {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: drop of %s already in flight", ErrInvalidDragState, sess.CardID)
	}

	col, ok := r.board.Column(targetStageID)
	if !ok {
		r.session = nil
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownStage, targetStageID)
	}
	target := col.Stage

	snapshot := r.board.Clone()
	next, card, ok := moveCard(r.board, sess.SourceStageID, sess.CardID, target, r.schema)
	if !ok {
		r.session = nil
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: card %s is not in stage %s", ErrInvalidDragState, sess.CardID, sess.SourceStageID)
	}
	ref := r.recordRefLocked(card.ID)
	r.board = next
	r.generation++
	applied := r.generation
	r.inFlight = true
	b, gen := r.board.Clone(), r.generation
	r.mu.Unlock()

	r.emit(b, gen)

	log := r.log.WithFields(logrus.Fields{"card": card.ID, "from": sess.SourceStageID, "to": target.ID})
	sent := target.Value
	confirmed, err := r.updater.UpdateStatus(ctx, card.Raw.Clone(), sent)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		log.Debug("Reconciler closed before move resolved")
		return nil, ErrClosed
	}
	r.session = nil
	r.inFlight = false

	if err != nil {
		r.board = snapshot
		r.generation++
		b, gen := r.board.Clone(), r.generation
		r.mu.Unlock()

		reason := rejectReason(err)
		log.WithError(err).Warn("Move rejected, rolled back")
		r.emit(b, gen)
		return nil, &MoveRejectedError{CardID: card.ID, StageID: target.ID, Reason: reason, Err: err}
	}

	merged := r.commitLocked(ref, target, sent, confirmed)
	if merged != nil {
		card.Raw = merged.Clone()
	} else {
		log.Warn("Original record changed while the move was pending, status not merged")
	}
	if r.generation != applied {
		// The board was rebuilt while the update was pending.
		r.rebuildLocked()
	} else {
		r.board = replaceCard(r.board, card)
		r.generation++
	}
	b, gen = r.board.Clone(), r.generation
	r.mu.Unlock()

	log.Info("Move committed")
	r.emit(b, gen)
	return &MoveResult{
		Card:      card.clone(),
		From:      sess.SourceStageID,
		To:        target.ID,
		SameStage: sess.SourceStageID == target.ID,
	}, nil
}

// Board returns a copy of the current grouping.
func (r *Reconciler) Board() Board {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.board.Clone()
}

// Session returns the current drag session, if any.
func (r *Reconciler) Session() (DragSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.session == nil {
		return DragSession{}, false
	}
	return *r.session, true
}

// Stages returns a copy of the loaded stages.
func (r *Reconciler) Stages() []Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stagesCopyLocked()
}

// Records returns a copy of the original record set.
func (r *Reconciler) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recordsCopyLocked()
}

// Err returns the outstanding load errors, or nil.
func (r *Reconciler) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs["stages"], r.errs["records"])
}

// Close disposes the reconciler. Drops still waiting on the updater resolve
// to ErrClosed without touching state.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.session = nil
	r.inFlight = false
}

// emit delivers b, taken at generation gen, to the observer. Boards older
// than one already delivered are dropped so the observer always ends on the
// reconciler's current board.
func (r *Reconciler) emit(b Board, gen uint64) {
	if r.onChange == nil {
		return
	}
	r.emitMu.Lock()
	defer r.emitMu.Unlock()
	if gen < r.emitted {
		return
	}
	r.emitted = gen
	r.onChange(b)
}

// rebuildLocked recomputes the board once both loads have resolved. It
// reports whether the board was replaced.
func (r *Reconciler) rebuildLocked() bool {
	if !r.stagesLoaded || !r.recordsLoaded {
		return false
	}
	if r.errs["stages"] != nil {
		r.board = Board{}
	} else {
		r.board = BuildBoard(r.stages, r.records, r.filters, r.search, r.schema)
	}
	r.generation++
	return true
}

// recordRef locates the original record behind a card at drop time.
type recordRef struct {
	cardID string
	index  int
	rev    uint64
}

func (r *Reconciler) recordRefLocked(cardID string) recordRef {
	ref := recordRef{cardID: cardID, index: -1, rev: r.recordsRev}
	for i, rec := range r.records {
		if cardIDOf(rec, i, r.schema) == cardID {
			ref.index = i
			break
		}
	}
	return ref
}

// resolveLocked returns the current index of the record ref points at, or -1.
// Cards without an id are only found while the record set is unchanged,
// since their ids are positional.
func (r *Reconciler) resolveLocked(ref recordRef) int {
	if ref.rev == r.recordsRev {
		return ref.index
	}
	for i, rec := range r.records {
		if id := rec.String(r.schema.IDField); id != "" && id == ref.cardID {
			return i
		}
	}
	return -1
}

// commitLocked writes the status that was sent to the updater, the target's
// label and any confirmed values into the original record, and returns the
// merged record. A string status is stored as the stage id, which normalized
// stages guarantee to be the decimal form of the sent value when numeric.
func (r *Reconciler) commitLocked(ref recordRef, target Stage, sent int, confirmed Record) Record {
	i := r.resolveLocked(ref)
	if i < 0 || i >= len(r.records) {
		return nil
	}
	records := r.recordsCopyLocked()
	rec := records[i]
	if cur, ok := rec[r.schema.StatusField].(string); ok && cur != "" {
		rec[r.schema.StatusField] = target.ID
	} else {
		rec[r.schema.StatusField] = float64(sent)
	}
	if r.schema.StatusLabelField != "" {
		rec[r.schema.StatusLabelField] = target.Title
	}
	for _, f := range []string{r.schema.StatusField, r.schema.StatusLabelField} {
		if v, ok := confirmed[f]; ok && f != "" {
			rec[f] = cloneValue(v)
		}
	}
	records[i] = rec
	r.records = records
	r.recordsRev++
	return rec
}

// normalizeStages copies stages, deriving Value from a numeric ID when the
// source left it unset. A numeric ID that disagrees with Value is rejected:
// the updater would be sent one status while the record stores another.
func normalizeStages(stages []Stage) ([]Stage, error) {
	out := make([]Stage, len(stages))
	copy(out, stages)
	for i, st := range out {
		n, err := strconv.Atoi(strings.TrimSpace(st.ID))
		if err != nil {
			continue
		}
		switch {
		case st.Value == 0:
			out[i].Value = n
		case st.Value != n:
			return nil, fmt.Errorf("stage %s has value %d", st.ID, st.Value)
		}
	}
	return out, nil
}

func (r *Reconciler) stagesCopyLocked() []Stage {
	if r.stages == nil {
		return nil
	}
	out := make([]Stage, len(r.stages))
	copy(out, r.stages)
	return out
}

func (r *Reconciler) recordsCopyLocked() []Record {
	if r.records == nil {
		return nil
	}
	out := make([]Record, len(r.records))
	for i, rec := range r.records {
		out[i] = rec.Clone()
	}
	return out
}

func cardIDOf(rec Record, index int, schema Schema) string {
	if id := rec.String(schema.IDField); id != "" {
		return id
	}
	return fmt.Sprintf("#%d", index)
}

// moveCard returns a copy of b with the card removed from the source column
// (Unassigned when sourceID is "") and appended to the target column,
// relabelled for the target stage.
func moveCard(b Board, sourceID, cardID string, target Stage, schema Schema) (Board, Card, bool) {
	next := b.Clone()
	src, dst := -1, -1
	for i, col := range next.Columns {
		if col.Stage.ID == sourceID && src < 0 {
			src = i
		}
		if col.Stage.ID == target.ID && dst < 0 {
			dst = i
		}
	}
	if dst < 0 || (src < 0 && sourceID != "") {
		return b, Card{}, false
	}

	cards := next.Unassigned
	if src >= 0 {
		cards = next.Columns[src].Cards
	}
	at := -1
	for i, c := range cards {
		if c.ID == cardID {
			at = i
			break
		}
	}
	if at < 0 {
		return b, Card{}, false
	}
	card := cards[at]
	rest := append(cards[:at:at], cards[at+1:]...)
	if src >= 0 {
		next.Columns[src].Cards = rest
	} else if len(rest) > 0 {
		next.Unassigned = rest
	} else {
		next.Unassigned = nil
	}

	card.StageID = target.ID
	card.Label = target.Title
	if f := schema.StatusLabelField; f != "" {
		if card.Raw == nil {
			card.Raw = Record{}
		}
		card.Raw[f] = target.Title
		if _, shown := card.Fields[f]; shown {
			card.Fields[f] = target.Title
		}
	}
	next.Columns[dst].Cards = append(next.Columns[dst].Cards, card)
	return next, card.clone(), true
}

// replaceCard returns a copy of b with the card matching c.ID in c.StageID
// swapped for c.
func replaceCard(b Board, c Card) Board {
	next := b.Clone()
	for i, col := range next.Columns {
		if col.Stage.ID != c.StageID {
			continue
		}
		for j, existing := range col.Cards {
			if existing.ID == c.ID {
				next.Columns[i].Cards[j] = c.clone()
				return next
			}
		}
	}
	return next
}
