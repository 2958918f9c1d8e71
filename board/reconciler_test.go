package board

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	stages  []Stage
	records []Record
	err     error
	recErr  error
}

func (f *fakeSource) FetchStages(context.Context) ([]Stage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.stages, nil
}

func (f *fakeSource) FetchRecords(context.Context) ([]Record, error) {
	if f.recErr != nil {
		return nil, f.recErr
	}
	return f.records, nil
}

type updateCall struct {
	rec    Record
	status int
}

type fakeUpdater struct {
	mu      sync.Mutex
	calls   []updateCall
	respond func(rec Record, status int) (Record, error)
}

func (f *fakeUpdater) UpdateStatus(_ context.Context, rec Record, status int) (Record, error) {
	f.mu.Lock()
	f.calls = append(f.calls, updateCall{rec: rec, status: status})
	respond := f.respond
	f.mu.Unlock()
	if respond == nil {
		return nil, nil
	}
	return respond(rec, status)
}

type remoteErr struct{ msg string }

func (e remoteErr) Error() string       { return "remote: " + e.msg }
func (e remoteErr) UserMessage() string { return e.msg }

func quietLogger() logrus.FieldLogger {
	l, _ := test.NewNullLogger()
	return l
}

func newLoaded(t *testing.T, upd *fakeUpdater, opts ...Option) *Reconciler {
	t.Helper()
	src := &fakeSource{stages: leadStages(), records: leadRecords()}
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	r := NewReconciler(src, src, upd, opts...)
	require.NoError(t, r.Refresh(context.Background()))
	return r
}

func TestReconciler_RefreshBuildsBoard(t *testing.T) {
	r := newLoaded(t, &fakeUpdater{})

	b := r.Board()
	require.Len(t, b.Columns, 3)
	assert.Equal(t, []string{"L1", "L4"}, columnIDs(t, b, "1"))
	assert.Len(t, r.Records(), 5)
	assert.Len(t, r.Stages(), 3)
	assert.NoError(t, r.Err())
}

func TestReconciler_BoardWaitsForBothLoads(t *testing.T) {
	src := &fakeSource{stages: leadStages(), records: leadRecords()}
	r := NewReconciler(src, src, &fakeUpdater{}, WithLogger(quietLogger()))

	_, err := r.LoadStages(context.Background())
	require.NoError(t, err)
	assert.Empty(t, r.Board().Columns)

	_, err = r.LoadRecords(context.Background())
	require.NoError(t, err)
	assert.Len(t, r.Board().Columns, 3)
}

func TestReconciler_LoadStagesFailureClearsBoard(t *testing.T) {
	r := newLoaded(t, &fakeUpdater{})
	src := &fakeSource{err: errors.New("connection refused")}
	r.stageSrc = src

	_, err := r.LoadStages(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetch)
	var ferr *FetchError
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, "stages", ferr.Resource)
	assert.Empty(t, r.Board().Columns)
	assert.Empty(t, r.Stages())
	assert.ErrorIs(t, r.Err(), ErrFetch)
}

func TestReconciler_LoadRecordsFailureClearsRecords(t *testing.T) {
	r := newLoaded(t, &fakeUpdater{})
	r.recordSrc = &fakeSource{recErr: errors.New("502 bad gateway")}

	err := r.Refresh(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFetch)
	assert.Empty(t, r.Records())
	assert.Equal(t, 0, r.Board().CardCount())
	assert.Len(t, r.Board().Columns, 3)

	r.recordSrc = &fakeSource{records: leadRecords()}
	require.NoError(t, r.Refresh(context.Background()))
	assert.NoError(t, r.Err())
	assert.Equal(t, 5, r.Board().CardCount())
}

func TestReconciler_CommitMovesCard(t *testing.T) {
	upd := &fakeUpdater{}
	r := newLoaded(t, upd)

	require.NoError(t, r.StartDrag("1", "L1"))
	res, err := r.DropOn(context.Background(), "3")
	require.NoError(t, err)

	assert.Equal(t, "1", res.From)
	assert.Equal(t, "3", res.To)
	assert.False(t, res.SameStage)
	assert.Equal(t, "Won", res.Card.Label)

	b := r.Board()
	assert.Equal(t, []string{"L4"}, columnIDs(t, b, "1"))
	assert.Equal(t, []string{"L2", "L1"}, columnIDs(t, b, "3"))
	won, _ := b.Column("3")
	assert.Equal(t, "Won", won.Cards[1].Label)
	assert.Equal(t, "Won", won.Cards[1].Raw["statusLabel"])

	require.Len(t, upd.calls, 1)
	assert.Equal(t, 3, upd.calls[0].status)
	assert.Equal(t, "L1", upd.calls[0].rec["id"])

	_, active := r.Session()
	assert.False(t, active)
}

func TestReconciler_CommitUpdatesOriginalRecords(t *testing.T) {
	r := newLoaded(t, &fakeUpdater{})

	require.NoError(t, r.StartDrag("1", "L1"))
	_, err := r.DropOn(context.Background(), "2")
	require.NoError(t, err)

	rec := r.Records()[0]
	assert.Equal(t, float64(2), rec["status"])
	assert.Equal(t, "Contacted", rec["statusLabel"])

	// A filter rebuild must agree with the optimistic view.
	r.SetSearch("")
	assert.Equal(t, []string{"L1", "L3"}, columnIDs(t, r.Board(), "2"))
}

func TestReconciler_CommitMergesConfirmedFields(t *testing.T) {
	upd := &fakeUpdater{respond: func(rec Record, status int) (Record, error) {
		out := rec.Clone()
		out["statusLabel"] = "Contacted (confirmed)"
		out["status"] = float64(status)
		return out, nil
	}}
	r := newLoaded(t, upd)

	require.NoError(t, r.StartDrag("1", "L1"))
	res, err := r.DropOn(context.Background(), "2")
	require.NoError(t, err)

	assert.Equal(t, "Contacted (confirmed)", res.Card.Raw["statusLabel"])
	assert.Equal(t, "Contacted (confirmed)", r.Records()[0]["statusLabel"])
}

func TestReconciler_RollbackRestoresExactBoard(t *testing.T) {
	upd := &fakeUpdater{respond: func(Record, int) (Record, error) {
		return nil, remoteErr{msg: "Lead cannot skip qualification"}
	}}
	r := newLoaded(t, upd)
	before := r.Board()
	recordsBefore := r.Records()

	require.NoError(t, r.StartDrag("1", "L1"))
	res, err := r.DropOn(context.Background(), "3")

	assert.Nil(t, res)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMoveRejected)
	var rej *MoveRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "Lead cannot skip qualification", rej.Reason)
	assert.Equal(t, "L1", rej.CardID)
	assert.Equal(t, "3", rej.StageID)

	if diff := cmp.Diff(before, r.Board()); diff != "" {
		t.Errorf("board not restored (-before +after):\n%s", diff)
	}
	if diff := cmp.Diff(recordsBefore, r.Records()); diff != "" {
		t.Errorf("records changed (-before +after):\n%s", diff)
	}
	_, active := r.Session()
	assert.False(t, active)
}

func TestReconciler_RollbackUsesGenericReason(t *testing.T) {
	upd := &fakeUpdater{respond: func(Record, int) (Record, error) {
		return nil, errors.New("dial tcp: connection refused")
	}}
	r := newLoaded(t, upd)

	require.NoError(t, r.StartDrag("1", "L1"))
	_, err := r.DropOn(context.Background(), "2")

	var rej *MoveRejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, defaultRejectReason, rej.Reason)
}

func TestReconciler_OptimisticApplyPrecedesRemoteCall(t *testing.T) {
	var r *Reconciler
	var seen Board
	upd := &fakeUpdater{respond: func(Record, int) (Record, error) {
		seen = r.Board()
		return nil, nil
	}}
	r = newLoaded(t, upd)

	require.NoError(t, r.StartDrag("1", "L4"))
	_, err := r.DropOn(context.Background(), "2")
	require.NoError(t, err)

	assert.Equal(t, []string{"L1"}, columnIDs(t, seen, "1"))
	assert.Equal(t, []string{"L3", "L4"}, columnIDs(t, seen, "2"))
}

func TestReconciler_SameStageDropIsCommitted(t *testing.T) {
	upd := &fakeUpdater{}
	r := newLoaded(t, upd)
	before, _ := r.Board().Column("1")

	require.NoError(t, r.StartDrag("1", "L1"))
	res, err := r.DropOn(context.Background(), "1")
	require.NoError(t, err)

	assert.True(t, res.SameStage)
	require.Len(t, upd.calls, 1)
	assert.Equal(t, 1, upd.calls[0].status)
	after, _ := r.Board().Column("1")
	assert.Len(t, after.Cards, len(before.Cards))
	assert.ElementsMatch(t, cardIDs(before.Cards), cardIDs(after.Cards))
}

func TestReconciler_DragSessionRejectsSecondDrag(t *testing.T) {
	r := newLoaded(t, &fakeUpdater{})

	require.NoError(t, r.StartDrag("1", "L1"))
	err := r.StartDrag("2", "L3")
	assert.ErrorIs(t, err, ErrDragActive)

	sess, ok := r.Session()
	require.True(t, ok)
	assert.Equal(t, "L1", sess.CardID)
	assert.Equal(t, "1", sess.SourceStageID)

	r.EndDrag()
	require.NoError(t, r.StartDrag("2", "L3"))
	sess, _ = r.Session()
	assert.Equal(t, "L3", sess.CardID)
}

func TestReconciler_DropWithoutSession(t *testing.T) {
	upd := &fakeUpdater{}
	r := newLoaded(t, upd)
	before := r.Board()

	res, err := r.DropOn(context.Background(), "2")

	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrInvalidDragState)
	assert.Empty(t, upd.calls)
	assert.Empty(t, cmp.Diff(before, r.Board()))
}

func TestReconciler_DropOnUnknownStage(t *testing.T) {
	upd := &fakeUpdater{}
	r := newLoaded(t, upd)

	require.NoError(t, r.StartDrag("1", "L1"))
	_, err := r.DropOn(context.Background(), "42")

	assert.ErrorIs(t, err, ErrUnknownStage)
	assert.Empty(t, upd.calls)
	_, active := r.Session()
	assert.False(t, active)
}

func TestReconciler_DropCardNotInSource(t *testing.T) {
	upd := &fakeUpdater{}
	r := newLoaded(t, upd)

	require.NoError(t, r.StartDrag("2", "L1"))
	_, err := r.DropOn(context.Background(), "3")

	assert.ErrorIs(t, err, ErrInvalidDragState)
	assert.Empty(t, upd.calls)
	_, active := r.Session()
	assert.False(t, active)
}

// blockingUpdater parks UpdateStatus until release is closed.
type blockingUpdater struct {
	started chan struct{}
	release chan struct{}
	err     error
}

func newBlockingUpdater(err error) *blockingUpdater {
	return &blockingUpdater{started: make(chan struct{}), release: make(chan struct{}), err: err}
}

func (b *blockingUpdater) UpdateStatus(context.Context, Record, int) (Record, error) {
	close(b.started)
	<-b.release
	return nil, b.err
}

func TestReconciler_InFlightDropBlocksNewDrags(t *testing.T) {
	upd := newBlockingUpdater(nil)
	src := &fakeSource{stages: leadStages(), records: leadRecords()}
	r := NewReconciler(src, src, upd, WithLogger(quietLogger()))
	require.NoError(t, r.Refresh(context.Background()))

	require.NoError(t, r.StartDrag("1", "L1"))
	done := make(chan error, 1)
	go func() {
		_, err := r.DropOn(context.Background(), "2")
		done <- err
	}()
	<-upd.started

	assert.ErrorIs(t, r.StartDrag("1", "L4"), ErrDragActive)
	_, err := r.DropOn(context.Background(), "3")
	assert.ErrorIs(t, err, ErrInvalidDragState)
	r.EndDrag()
	_, active := r.Session()
	assert.True(t, active, "EndDrag must not discard an in-flight drop")

	close(upd.release)
	require.NoError(t, <-done)
	require.NoError(t, r.StartDrag("1", "L4"))
}

func TestReconciler_RollbackIgnoresConcurrentFilterChange(t *testing.T) {
	upd := newBlockingUpdater(remoteErr{msg: "nope"})
	src := &fakeSource{stages: leadStages(), records: leadRecords()}
	r := NewReconciler(src, src, upd, WithLogger(quietLogger()))
	require.NoError(t, r.Refresh(context.Background()))
	before := r.Board()

	require.NoError(t, r.StartDrag("1", "L1"))
	done := make(chan error, 1)
	go func() {
		_, err := r.DropOn(context.Background(), "2")
		done <- err
	}()
	<-upd.started
	r.SetFilters(Filters{Owners: []string{"Bob"}})
	close(upd.release)

	assert.ErrorIs(t, <-done, ErrMoveRejected)
	assert.Empty(t, cmp.Diff(before, r.Board()))
}

func TestReconciler_CommitAfterConcurrentRebuild(t *testing.T) {
	upd := newBlockingUpdater(nil)
	src := &fakeSource{stages: leadStages(), records: leadRecords()}
	r := NewReconciler(src, src, upd, WithLogger(quietLogger()))
	require.NoError(t, r.Refresh(context.Background()))

	require.NoError(t, r.StartDrag("1", "L1"))
	done := make(chan error, 1)
	go func() {
		_, err := r.DropOn(context.Background(), "3")
		done <- err
	}()
	<-upd.started
	r.SetSearch("corp")
	close(upd.release)

	require.NoError(t, <-done)
	b := r.Board()
	assert.Equal(t, []string{"L1"}, columnIDs(t, b, "3"))
	assert.Empty(t, columnIDs(t, b, "1"))
}

func TestReconciler_CloseDuringInFlightDrop(t *testing.T) {
	upd := newBlockingUpdater(remoteErr{msg: "late"})
	var changes int
	var mu sync.Mutex
	src := &fakeSource{stages: leadStages(), records: leadRecords()}
	r := NewReconciler(src, src, upd, WithLogger(quietLogger()), WithOnChange(func(Board) {
		mu.Lock()
		changes++
		mu.Unlock()
	}))
	require.NoError(t, r.Refresh(context.Background()))

	require.NoError(t, r.StartDrag("1", "L1"))
	done := make(chan error, 1)
	go func() {
		_, err := r.DropOn(context.Background(), "2")
		done <- err
	}()
	<-upd.started
	optimistic := r.Board()
	mu.Lock()
	seen := changes
	mu.Unlock()

	r.Close()
	close(upd.release)

	assert.ErrorIs(t, <-done, ErrClosed)
	assert.Empty(t, cmp.Diff(optimistic, r.Board()))
	mu.Lock()
	assert.Equal(t, seen, changes)
	mu.Unlock()
	assert.ErrorIs(t, r.StartDrag("1", "L4"), ErrClosed)
}

func TestReconciler_OnChangeReceivesCopies(t *testing.T) {
	var boards []Board
	r := newLoaded(t, &fakeUpdater{}, WithOnChange(func(b Board) { boards = append(boards, b) }))
	require.NotEmpty(t, boards)

	last := boards[len(boards)-1]
	last.Columns[0].Cards[0].Fields["name"] = "mutated"
	col, _ := r.Board().Column("1")
	assert.Equal(t, "Acme Corp", col.Cards[0].Fields["name"])
}

func TestReconciler_UpsertRecord(t *testing.T) {
	r := newLoaded(t, &fakeUpdater{})

	require.NoError(t, r.UpsertRecord(Record{"id": "L4", "name": "Delta Inc", "owner": "Carol", "status": float64(3), "createdOn": "2024-03-01"}))
	require.NoError(t, r.UpsertRecord(Record{"id": "L9", "name": "Epsilon", "owner": "Dan", "status": float64(2), "createdOn": "2024-04-01"}))

	b := r.Board()
	assert.Equal(t, []string{"L1"}, columnIDs(t, b, "1"))
	assert.Equal(t, []string{"L3", "L9"}, columnIDs(t, b, "2"))
	assert.Equal(t, []string{"L2", "L4"}, columnIDs(t, b, "3"))

	assert.Error(t, r.UpsertRecord(Record{"name": "no id"}))
}

func TestReconciler_StartDragRecordsTime(t *testing.T) {
	r := newLoaded(t, &fakeUpdater{})
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	require.NoError(t, r.StartDrag("1", "L1"))
	sess, ok := r.Session()
	require.True(t, ok)
	assert.Equal(t, fixed, sess.StartedAt)
}

// parkHook blocks the first entry logged with message until release is
// closed, signalling parked when it does.
type parkHook struct {
	message string
	armed   atomic.Bool
	parked  chan struct{}
	release chan struct{}
}

func (h *parkHook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *parkHook) Fire(e *logrus.Entry) error {
	if e.Message == h.message && h.armed.CompareAndSwap(true, false) {
		close(h.parked)
		<-h.release
	}
	return nil
}

func TestReconciler_ObserverNeverEndsOnStaleBoard(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.DebugLevel)
	hook := &parkHook{message: "Loaded stages", parked: make(chan struct{}), release: make(chan struct{})}
	logger.AddHook(hook)

	var (
		mu     sync.Mutex
		boards []Board
	)
	last := func() (Board, int) {
		mu.Lock()
		defer mu.Unlock()
		return boards[len(boards)-1], len(boards)
	}

	src := &fakeSource{stages: leadStages(), records: leadRecords()}
	r := NewReconciler(src, src, &fakeUpdater{}, WithLogger(logger), WithOnChange(func(b Board) {
		mu.Lock()
		boards = append(boards, b)
		mu.Unlock()
	}))
	require.NoError(t, r.Refresh(context.Background()))
	_, seen := last()

	// Stages reload fine and park between rebuilding and notifying; the
	// records reload fails meanwhile and empties the board.
	src.recErr = errors.New("records unavailable")
	hook.armed.Store(true)
	done := make(chan error, 1)
	go func() { done <- r.Refresh(context.Background()) }()

	<-hook.parked
	require.Eventually(t, func() bool {
		b, n := last()
		return n > seen && b.CardCount() == 0
	}, 2*time.Second, 5*time.Millisecond)
	close(hook.release)

	assert.ErrorIs(t, <-done, ErrFetch)
	final, _ := last()
	assert.Empty(t, cmp.Diff(r.Board(), final))
	assert.Equal(t, 0, final.CardCount())
}

func TestReconciler_StageValueDerivedFromID(t *testing.T) {
	upd := &fakeUpdater{}
	src := &fakeSource{
		stages:  []Stage{{ID: "1", Title: "New"}, {ID: "2", Title: "Won", Order: 1}},
		records: []Record{{"id": "L1", "name": "Acme", "status": "New"}},
	}
	r := NewReconciler(src, src, upd, WithLogger(quietLogger()))
	require.NoError(t, r.Refresh(context.Background()))
	assert.Equal(t, 2, r.Stages()[1].Value)

	require.NoError(t, r.StartDrag("1", "L1"))
	_, err := r.DropOn(context.Background(), "2")
	require.NoError(t, err)

	require.Len(t, upd.calls, 1)
	assert.Equal(t, 2, upd.calls[0].status)
	assert.Equal(t, "2", r.Records()[0]["status"])
	assert.Equal(t, []string{"L1"}, columnIDs(t, r.Board(), "2"))
}

func TestReconciler_StageValueMismatchRejected(t *testing.T) {
	src := &fakeSource{stages: []Stage{{ID: "3", Title: "Won", Value: 4}}, records: leadRecords()}
	r := NewReconciler(src, src, &fakeUpdater{}, WithLogger(quietLogger()))

	_, err := r.LoadStages(context.Background())
	assert.ErrorIs(t, err, ErrFetch)
	assert.Empty(t, r.Stages())
}

func TestReconciler_DragOutOfUnassigned(t *testing.T) {
	upd := &fakeUpdater{}
	r := newLoaded(t, upd)
	require.Equal(t, []string{"L5"}, cardIDs(r.Board().Unassigned))

	require.NoError(t, r.StartDrag("", "L5"))
	res, err := r.DropOn(context.Background(), "2")
	require.NoError(t, err)
	assert.Equal(t, "", res.From)

	b := r.Board()
	assert.Empty(t, b.Unassigned)
	assert.Equal(t, []string{"L3", "L5"}, columnIDs(t, b, "2"))
	require.Len(t, upd.calls, 1)
	assert.Equal(t, 2, upd.calls[0].status)
	assert.Equal(t, float64(2), r.Records()[4]["status"])
}

func TestReconciler_DragOutOfUnassignedRollsBack(t *testing.T) {
	upd := &fakeUpdater{respond: func(Record, int) (Record, error) { return nil, remoteErr{msg: "locked"} }}
	r := newLoaded(t, upd)
	before := r.Board()

	require.NoError(t, r.StartDrag("", "L5"))
	_, err := r.DropOn(context.Background(), "2")
	assert.ErrorIs(t, err, ErrMoveRejected)
	assert.Empty(t, cmp.Diff(before, r.Board()))
}

func TestReconciler_CommitSkipsPositionalIDAfterReload(t *testing.T) {
	upd := newBlockingUpdater(nil)
	src := &fakeSource{stages: leadStages(), records: []Record{
		{"name": "Alpha", "status": float64(1)},
		{"name": "Bravo", "status": float64(1)},
	}}
	r := NewReconciler(src, src, upd, WithLogger(quietLogger()))
	require.NoError(t, r.Refresh(context.Background()))
	require.Equal(t, []string{"#0", "#1"}, columnIDs(t, r.Board(), "1"))

	require.NoError(t, r.StartDrag("1", "#1"))
	done := make(chan error, 1)
	go func() {
		_, err := r.DropOn(context.Background(), "2")
		done <- err
	}()
	<-upd.started

	// The reload swaps the records, so "#1" now names a different record.
	src.records = []Record{
		{"name": "Bravo", "status": float64(1)},
		{"name": "Alpha", "status": float64(1)},
	}
	_, err := r.LoadRecords(context.Background())
	require.NoError(t, err)
	close(upd.release)
	require.NoError(t, <-done)

	for _, rec := range r.Records() {
		assert.Equal(t, float64(1), rec["status"], "record %s", rec["name"])
	}
}

func TestReconciler_CommitFindsRecordByIDAfterReload(t *testing.T) {
	upd := newBlockingUpdater(nil)
	src := &fakeSource{stages: leadStages(), records: leadRecords()}
	r := NewReconciler(src, src, upd, WithLogger(quietLogger()))
	require.NoError(t, r.Refresh(context.Background()))

	require.NoError(t, r.StartDrag("1", "L1"))
	done := make(chan error, 1)
	go func() {
		_, err := r.DropOn(context.Background(), "3")
		done <- err
	}()
	<-upd.started

	reordered := leadRecords()
	reordered[0], reordered[3] = reordered[3], reordered[0]
	src.records = reordered
	_, err := r.LoadRecords(context.Background())
	require.NoError(t, err)
	close(upd.release)
	require.NoError(t, <-done)

	recs := r.Records()
	assert.Equal(t, "L1", recs[3]["id"])
	assert.Equal(t, float64(3), recs[3]["status"])
	assert.Equal(t, float64(1), recs[0]["status"])
}
