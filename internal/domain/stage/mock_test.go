package stage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lims/lims/internal/domain/order"
	"github.com/lims/lims/internal/domain/workflow"
	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
)

// -- stage repository --

type mockRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*StageState
	rows  map[uuid.UUID]*sync.Mutex
	// afterLock runs while the row lock is held.
	afterLock func()
}

func newMockRepo() *mockRepo {
	return &mockRepo{store: make(map[uuid.UUID]*StageState), rows: make(map[uuid.UUID]*sync.Mutex)}
}

// Lock holds a per-row mutex until the mockTx transaction in ctx ends.
func (m *mockRepo) Lock(ctx context.Context, id uuid.UUID) (StageState, error) {
	m.mu.Lock()
	row, ok := m.rows[id]
	if !ok {
		row = &sync.Mutex{}
		m.rows[id] = row
	}
	m.mu.Unlock()

	row.Lock()
	if locks, ok := ctx.Value(txLocksKey{}).(*txLocks); ok {
		locks.release = append(locks.release, row.Unlock)
	} else {
		defer row.Unlock()
	}
	st, err := m.GetByID(ctx, id)
	if m.afterLock != nil {
		m.afterLock()
	}
	return st, err
}

func (m *mockRepo) Create(_ context.Context, s *StageState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.store {
		if existing.ItemID == s.ItemID && existing.Open() {
			return ErrOpenStageExists
		}
	}
	s.ID = uuid.New()
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := s.Snapshot()
	m.store[s.ID] = &cp
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (StageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store[id]
	if !ok {
		return StageState{}, pgx.ErrNoRows
	}
	return s.Snapshot(), nil
}

func (m *mockRepo) ListByItem(_ context.Context, itemID uuid.UUID) ([]StageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []StageState
	for _, s := range m.store {
		if s.ItemID == itemID {
			out = append(out, s.Snapshot())
		}
	}
	return out, nil
}

func (m *mockRepo) Transition(_ context.Context, id uuid.UUID, from Status, t Transition) (StageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store[id]
	if !ok || s.Status != from {
		return StageState{}, pgx.ErrNoRows
	}
	s.Status = t.To
	at, actor := t.At, t.Actor
	switch t.To {
	case StatusProcessing:
		s.StartedAt, s.StartedBy, s.AssignedTechnicianID = &at, &actor, &actor
	case StatusFinished, StatusRejected:
		s.FinishedAt, s.FinishedBy = &at, &actor
	}
	if t.SampleID != nil {
		s.BoundSampleID = t.SampleID
	}
	if t.Details != nil {
		s.Details = *t.Details
	}
	if t.Parameters != nil {
		s.Parameters = Parameters{}.Merge(t.Parameters)
	}
	s.UpdatedAt = time.Now()
	return s.Snapshot(), nil
}

func (m *mockRepo) UpdateParameters(_ context.Context, id uuid.UUID, p Parameters) (StageState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.store[id]
	if !ok || s.Status != StatusProcessing {
		return StageState{}, pgx.ErrNoRows
	}
	s.Parameters = Parameters{}.Merge(p)
	return s.Snapshot(), nil
}

func (m *mockRepo) CountBySection(_ context.Context, sectionID uuid.UUID) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[Status]int)
	for _, s := range m.store {
		if s.SectionID == sectionID {
			out[s.Status]++
		}
	}
	return out, nil
}

func (m *mockRepo) ListBySection(_ context.Context, sectionID uuid.UUID, status Status, limit, offset int) ([]StageState, int, error) {
	m.mu.Lock()
	var all []StageState
	for _, s := range m.store {
		if s.SectionID == sectionID && (status == "" || s.Status == status) {
			all = append(all, s.Snapshot())
		}
	}
	m.mu.Unlock()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.Before(all[j].CreatedAt) })
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

// -- templates --

type mockTemplates struct {
	mu    sync.Mutex
	steps map[uuid.UUID]workflow.Steps
	// fail makes Resolve return the error for a method.
	fail map[uuid.UUID]error
}

func (m *mockTemplates) Resolve(_ context.Context, methodID uuid.UUID) (workflow.Steps, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[methodID]; err != nil {
		return nil, err
	}
	steps, ok := m.steps[methodID]
	if !ok {
		return nil, apperr.NotFound(workflow.CodeTemplateNotConfigured, "method %s has no workflow", methodID)
	}
	return steps, nil
}

// -- order side --

type mockOrders struct {
	mu    sync.Mutex
	store map[uuid.UUID]*order.Order
	items *mockItems
}

func (m *mockOrders) Create(_ context.Context, o *order.Order, items []*order.Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = uuid.New()
	o.Status = order.StatusProcessing
	cp := *o
	m.store[o.ID] = &cp
	for _, it := range items {
		it.ID = uuid.New()
		it.OrderID = o.ID
		m.items.add(it)
	}
	return nil
}

func (m *mockOrders) GetByID(_ context.Context, id uuid.UUID) (*order.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrders) LockByID(ctx context.Context, id uuid.UUID) (*order.Order, error) {
	return m.GetByID(ctx, id)
}

func (m *mockOrders) SetStatus(_ context.Context, id uuid.UUID, status order.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[id].Status = status
	return nil
}

func (m *mockOrders) stamp(id uuid.UUID, field func(*order.Order) **time.Time, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := field(m.store[id])
	if *p != nil {
		return false, nil
	}
	*p = &at
	return true, nil
}

func (m *mockOrders) MarkReportReadySignaled(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return m.stamp(id, func(o *order.Order) **time.Time { return &o.ReportReadySignaledAt }, at)
}

func (m *mockOrders) MarkReadyNotified(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return m.stamp(id, func(o *order.Order) **time.Time { return &o.ReadyNotifiedAt }, at)
}

func (m *mockOrders) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return m.stamp(id, func(o *order.Order) **time.Time { return &o.PublishedAt }, at)
}

type mockItems struct {
	mu    sync.Mutex
	store map[uuid.UUID]*order.Item
	ids   []uuid.UUID
}

func (m *mockItems) add(it *order.Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[it.ID] = it
	m.ids = append(m.ids, it.ID)
}

func (m *mockItems) GetByID(_ context.Context, id uuid.UUID) (*order.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *it
	return &cp, nil
}

func (m *mockItems) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*order.Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*order.Item
	for _, id := range m.ids {
		if it := m.store[id]; it.OrderID == orderID {
			cp := *it
			out = append(out, &cp)
		}
	}
	return out, nil
}

type mockSamples struct {
	mu       sync.Mutex
	samples  map[uuid.UUID]*order.Sample
	bindings map[uuid.UUID][]uuid.UUID
}

func (m *mockSamples) Create(_ context.Context, s *order.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.New()
	m.samples[s.ID] = s
	return nil
}

func (m *mockSamples) GetByID(_ context.Context, id uuid.UUID) (*order.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.samples[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return s, nil
}

func (m *mockSamples) GetByBarcode(_ context.Context, barcode string) (*order.Sample, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.samples {
		if s.Barcode == barcode {
			return s, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockSamples) ActiveItemIDs(_ context.Context, sampleID uuid.UUID) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID(nil), m.bindings[sampleID]...), nil
}

func (m *mockSamples) Bind(_ context.Context, b *order.Binding) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b.ID = uuid.New()
	b.Active = true
	m.bindings[b.SampleID] = append(m.bindings[b.SampleID], b.ItemID)
	return nil
}

func (m *mockSamples) Void(_ context.Context, sampleID, itemID uuid.UUID, _ time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.bindings[sampleID]
	for i, id := range ids {
		if id == itemID {
			m.bindings[sampleID] = append(ids[:i], ids[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

type mockReports struct {
	mu       sync.Mutex
	approved map[uuid.UUID]bool
}

func (m *mockReports) HasApprovedReport(_ context.Context, itemID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.approved[itemID], nil
}

func (m *mockReports) approve(itemID uuid.UUID) {
	m.mu.Lock()
	m.approved[itemID] = true
	m.mu.Unlock()
}

// -- transactor --

type txLocksKey struct{}

type txLocks struct{ release []func() }

// mockTx releases row locks taken through mockRepo.Lock when the outermost
// transaction returns. Nested calls join the outer one.
type mockTx struct{}

var _ db.Transactor = mockTx{}

func (mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txLocksKey{}).(*txLocks); ok {
		return fn(ctx)
	}
	locks := &txLocks{}
	defer func() {
		for i := len(locks.release) - 1; i >= 0; i-- {
			locks.release[i]()
		}
	}()
	return fn(context.WithValue(ctx, txLocksKey{}, locks))
}

// -- fixture --

var (
	secReception = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	secChemistry = uuid.MustParse("00000000-0000-0000-0000-00000000000b")
	secReview    = uuid.MustParse("00000000-0000-0000-0000-00000000000c")
)

type fixture struct {
	repo      *mockRepo
	templates *mockTemplates
	orders    *mockOrders
	items     *mockItems
	samples   *mockSamples
	reports   *mockReports
	pub       *events.Recorder
	store     *Store
	agg       *order.Aggregator
	coord     *Coordinator
	engine    *Engine
	reader    *Reader

	denyMu sync.Mutex
	denied map[string]bool
}

func newFixture() *fixture {
	f := &fixture{
		repo:      newMockRepo(),
		templates: &mockTemplates{steps: make(map[uuid.UUID]workflow.Steps), fail: make(map[uuid.UUID]error)},
		samples:   &mockSamples{samples: make(map[uuid.UUID]*order.Sample), bindings: make(map[uuid.UUID][]uuid.UUID)},
		reports:   &mockReports{approved: make(map[uuid.UUID]bool)},
		pub:       &events.Recorder{},
		denied:    make(map[string]bool),
	}
	f.items = &mockItems{store: make(map[uuid.UUID]*order.Item)}
	f.orders = &mockOrders{store: make(map[uuid.UUID]*order.Order), items: f.items}

	tx := mockTx{}
	gate := GateFunc(func(_ context.Context, user, action string, _ uuid.UUID) bool {
		f.denyMu.Lock()
		defer f.denyMu.Unlock()
		return !f.denied[user+":"+action]
	})
	f.store = NewStore(f.repo, f.templates)
	f.agg = order.NewAggregator(tx, f.orders, f.items, f.store, f.reports, order.NewEventNotifier(f.pub), f.pub)
	f.coord = NewCoordinator(tx, f.store, f.repo, f.templates, f.items, f.samples, gate, f.pub)
	f.engine = NewEngine(tx, f.store, f.repo, f.templates, f.items, f.orders, f.agg, gate, f.pub)
	f.reader = NewReader(f.store, f.repo, f.templates, f.items)
	return f
}

func (f *fixture) deny(user, action string) {
	f.denyMu.Lock()
	f.denied[user+":"+action] = true
	f.denyMu.Unlock()
}

// method registers a workflow whose steps run in the given sections, in
// order. schemas[i], when present, is the parameter schema of step i+1.
func (f *fixture) method(sections []uuid.UUID, schemas ...[]workflow.ParameterField) uuid.UUID {
	methodID := uuid.New()
	wfID := uuid.New()
	steps := make([]workflow.Step, len(sections))
	for i, sec := range sections {
		steps[i] = workflow.Step{ID: uuid.New(), WorkflowID: wfID, SectionID: sec, Order: i + 1}
		if i < len(schemas) {
			steps[i].Schema = schemas[i]
		}
	}
	f.templates.mu.Lock()
	f.templates.steps[methodID] = workflow.NewSteps(steps)
	f.templates.mu.Unlock()
	return methodID
}

// order creates an order with one item per method and seeds first stages.
func (f *fixture) order(o *order.Order, items ...*order.Item) *order.Order {
	ctx := context.Background()
	if o.PatientID == uuid.Nil {
		o.PatientID = uuid.New()
	}
	if err := f.orders.Create(ctx, o, items); err != nil {
		panic(err)
	}
	for _, it := range items {
		if _, err := f.store.SeedItem(ctx, it); err != nil {
			panic(err)
		}
	}
	return o
}

func (f *fixture) sample(barcode string, items ...*order.Item) *order.Sample {
	ctx := context.Background()
	s := &order.Sample{Barcode: barcode}
	if err := f.samples.Create(ctx, s); err != nil {
		panic(err)
	}
	for _, it := range items {
		if err := f.samples.Bind(ctx, &order.Binding{SampleID: s.ID, ItemID: it.ID}); err != nil {
			panic(err)
		}
	}
	return s
}

func (f *fixture) history(itemID uuid.UUID) History {
	h, err := f.store.History(context.Background(), itemID)
	if err != nil {
		panic(err)
	}
	return h
}

func (f *fixture) open(itemID uuid.UUID) StageState {
	st, ok := f.history(itemID).Open()
	if !ok {
		panic("no open stage for item " + itemID.String())
	}
	return st
}

func (f *fixture) orderStatus(id uuid.UUID) order.Status {
	o, err := f.orders.GetByID(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return o.Status
}

func intp(v int) *int { return &v }

func errNoRows() error { return pgx.ErrNoRows }
