package order

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/lims/lims/internal/platform/db"
	"github.com/lims/lims/internal/platform/events"
)

type mockOrderRepo struct {
	mu     sync.Mutex
	store  map[uuid.UUID]*Order
	items  *mockItemRepo
	writes int
}

func newMockOrderRepo(items *mockItemRepo) *mockOrderRepo {
	return &mockOrderRepo{store: make(map[uuid.UUID]*Order), items: items}
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order, items []*Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = uuid.New()
	o.CreatedAt = time.Now()
	cp := *o
	m.store[o.ID] = &cp
	for _, it := range items {
		it.ID = uuid.New()
		it.OrderID = o.ID
		m.items.add(it)
	}
	return nil
}

func (m *mockOrderRepo) get(id uuid.UUID) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id uuid.UUID) (*Order, error)  { return m.get(id) }
func (m *mockOrderRepo) LockByID(_ context.Context, id uuid.UUID) (*Order, error) { return m.get(id) }

func (m *mockOrderRepo) SetStatus(_ context.Context, id uuid.UUID, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[id].Status = status
	m.writes++
	return nil
}

func (m *mockOrderRepo) stamp(id uuid.UUID, field func(*Order) **time.Time, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.store[id]
	if !ok {
		return false, nil
	}
	p := field(o)
	if *p != nil {
		return false, nil
	}
	*p = &at
	return true, nil
}

func (m *mockOrderRepo) MarkReportReadySignaled(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return m.stamp(id, func(o *Order) **time.Time { return &o.ReportReadySignaledAt }, at)
}

func (m *mockOrderRepo) MarkReadyNotified(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return m.stamp(id, func(o *Order) **time.Time { return &o.ReadyNotifiedAt }, at)
}

func (m *mockOrderRepo) MarkPublished(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	return m.stamp(id, func(o *Order) **time.Time { return &o.PublishedAt }, at)
}

type mockItemRepo struct {
	mu    sync.Mutex
	store map[uuid.UUID]*Item
	order []uuid.UUID
}

func newMockItemRepo() *mockItemRepo {
	return &mockItemRepo{store: make(map[uuid.UUID]*Item)}
}

func (m *mockItemRepo) add(it *Item) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store[it.ID] = it
	m.order = append(m.order, it.ID)
}

func (m *mockItemRepo) GetByID(_ context.Context, id uuid.UUID) (*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.store[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return it, nil
}

func (m *mockItemRepo) ListByOrder(_ context.Context, orderID uuid.UUID) ([]*Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Item
	for _, id := range m.order {
		if it := m.store[id]; it.OrderID == orderID {
			out = append(out, it)
		}
	}
	return out, nil
}

type mockSampleRepo struct {
	samples  map[uuid.UUID]*Sample
	bindings map[[2]uuid.UUID]*Binding
}

func newMockSampleRepo() *mockSampleRepo {
	return &mockSampleRepo{samples: make(map[uuid.UUID]*Sample), bindings: make(map[[2]uuid.UUID]*Binding)}
}

func (m *mockSampleRepo) Create(_ context.Context, s *Sample) error {
	s.ID = uuid.New()
	m.samples[s.ID] = s
	return nil
}

func (m *mockSampleRepo) GetByID(_ context.Context, id uuid.UUID) (*Sample, error) {
	s, ok := m.samples[id]
	if !ok {
		return nil, pgx.ErrNoRows
	}
	return s, nil
}

func (m *mockSampleRepo) GetByBarcode(_ context.Context, barcode string) (*Sample, error) {
	for _, s := range m.samples {
		if s.Barcode == barcode {
			return s, nil
		}
	}
	return nil, pgx.ErrNoRows
}

func (m *mockSampleRepo) ActiveItemIDs(_ context.Context, sampleID uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for k, b := range m.bindings {
		if k[0] == sampleID && b.Active {
			out = append(out, k[1])
		}
	}
	return out, nil
}

func (m *mockSampleRepo) Bind(_ context.Context, b *Binding) error {
	key := [2]uuid.UUID{b.SampleID, b.ItemID}
	if existing, ok := m.bindings[key]; ok && existing.Active {
		*b = *existing
		return nil
	}
	b.ID = uuid.New()
	b.Active = true
	cp := *b
	m.bindings[key] = &cp
	return nil
}

func (m *mockSampleRepo) Void(_ context.Context, sampleID, itemID uuid.UUID, at time.Time) (bool, error) {
	b, ok := m.bindings[[2]uuid.UUID{sampleID, itemID}]
	if !ok || !b.Active {
		return false, nil
	}
	b.Active = false
	b.VoidedAt = &at
	return true, nil
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

func (m *mockReports) Approve(_ context.Context, itemID uuid.UUID, _ string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.approved[itemID] = true
	return nil
}

// mockPipeline treats items listed in done as complete.
type mockPipeline struct {
	mu   sync.Mutex
	done map[uuid.UUID]bool
}

func (m *mockPipeline) PipelineComplete(_ context.Context, item *Item) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done[item.ID], nil
}

func (m *mockPipeline) set(id uuid.UUID) {
	m.mu.Lock()
	m.done[id] = true
	m.mu.Unlock()
}

type mockSeeder struct {
	seeded    map[uuid.UUID]bool
	stageless map[uuid.UUID]bool
}

func (m *mockSeeder) SeedItem(_ context.Context, item *Item) (bool, error) {
	if m.stageless[item.MethodID] || m.seeded[item.ID] {
		return false, nil
	}
	m.seeded[item.ID] = true
	return true, nil
}

type fixture struct {
	svc      *Service
	agg      *Aggregator
	orders   *mockOrderRepo
	items    *mockItemRepo
	samples  *mockSampleRepo
	reports  *mockReports
	pipeline *mockPipeline
	seeder   *mockSeeder
	rec      *events.Recorder
}

func newFixture() *fixture {
	items := newMockItemRepo()
	f := &fixture{
		orders:   newMockOrderRepo(items),
		items:    items,
		samples:  newMockSampleRepo(),
		reports:  &mockReports{approved: make(map[uuid.UUID]bool)},
		pipeline: &mockPipeline{done: make(map[uuid.UUID]bool)},
		seeder:   &mockSeeder{seeded: make(map[uuid.UUID]bool), stageless: make(map[uuid.UUID]bool)},
		rec:      &events.Recorder{},
	}
	tx := db.NopTransactor{}
	f.agg = NewAggregator(tx, f.orders, f.items, f.pipeline, f.reports, NewEventNotifier(f.rec), f.rec)
	f.svc = NewService(tx, f.orders, f.items, f.samples, f.reports, f.seeder, f.agg, f.rec)
	return f
}

func (f *fixture) createOrder(notify bool, items ...*Item) *Order {
	o := &Order{PatientID: uuid.New(), NotifyPatient: notify}
	if err := f.svc.CreateOrder(context.Background(), o, items); err != nil {
		panic(err)
	}
	return o
}
