package stage

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/domain/order"
	"github.com/lims/lims/internal/platform/apperr"
)

func TestStore_SeedItem(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	m := f.method([]uuid.UUID{secReception, secChemistry})
	item := &order.Item{MethodID: m}
	f.order(&order.Order{}, item)

	h := f.history(item.ID)
	if len(h) != 1 {
		t.Fatalf("expected 1 stage, got %d", len(h))
	}
	first := h[0]
	if !first.IsFirstStage || first.Order != 1 || first.Attempt != 1 || first.Status != StatusWaiting {
		t.Errorf("unexpected first stage %+v", first)
	}
	if first.SectionID != secReception {
		t.Errorf("expected section copied from template, got %s", first.SectionID)
	}

	seeded, err := f.store.SeedItem(ctx, item)
	if err != nil || seeded {
		t.Errorf("second seed = %v, %v; want false, nil", seeded, err)
	}
	if len(f.history(item.ID)) != 1 {
		t.Error("seeding twice must not create a second stage")
	}
}

func TestStore_SeedItem_NoWorkflow(t *testing.T) {
	f := newFixture()
	item := &order.Item{MethodID: uuid.New()}
	f.order(&order.Order{}, item)
	if len(f.history(item.ID)) != 0 {
		t.Error("expected no stages for a method without workflow")
	}
	_, err := f.store.CreateInitialStage(context.Background(), item)
	if !apperr.HasCode(err, "TemplateNotConfigured") {
		t.Errorf("expected TemplateNotConfigured, got %v", err)
	}
}

func TestStore_CreateInitialStage_Twice(t *testing.T) {
	f := newFixture()
	item := &order.Item{MethodID: f.method([]uuid.UUID{secReception})}
	f.order(&order.Order{}, item)
	_, err := f.store.CreateInitialStage(context.Background(), item)
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("expected conflict, got %v", err)
	}
}

func TestStore_OneOpenStagePerItem(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	item := &order.Item{MethodID: f.method([]uuid.UUID{secReception, secChemistry})}
	f.order(&order.Order{}, item)
	steps, _ := f.templates.Resolve(ctx, item.MethodID)

	_, _, err := f.store.MaterializeNextStage(ctx, item.ID, steps, 1)
	if !apperr.HasCode(err, CodeStaleStage) {
		t.Errorf("expected StaleStage while stage 1 is open, got %v", err)
	}
}

func TestStore_MaterializeNextStage_Last(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	item := &order.Item{MethodID: f.method([]uuid.UUID{secReception})}
	f.order(&order.Order{}, item)
	steps, _ := f.templates.Resolve(ctx, item.MethodID)
	_, ok, err := f.store.MaterializeNextStage(ctx, item.ID, steps, 1)
	if err != nil || ok {
		t.Errorf("expected no next stage after the last step, got %v, %v", ok, err)
	}
}

func TestStore_FindActiveStage(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	item := &order.Item{MethodID: f.method([]uuid.UUID{secReception, secChemistry})}
	f.order(&order.Order{}, item)

	st, ok, err := f.store.FindActiveStage(ctx, item)
	if err != nil || !ok || st.Order != 1 {
		t.Fatalf("expected first stage active, got %+v %v %v", st, ok, err)
	}

	stageless := &order.Item{MethodID: uuid.New()}
	f.order(&order.Order{}, stageless)
	if _, ok, err := f.store.FindActiveStage(ctx, stageless); ok || err != nil {
		t.Errorf("expected no active stage for stage-less item, got %v %v", ok, err)
	}
}

func TestStore_PipelineComplete(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	sampleless := &order.Item{MethodID: f.method([]uuid.UUID{secReception}), Sampleless: true}
	stageless := &order.Item{MethodID: uuid.New()}
	regular := &order.Item{MethodID: f.method([]uuid.UUID{secReception})}
	f.order(&order.Order{}, sampleless, stageless, regular)

	for _, tt := range []struct {
		name string
		item *order.Item
		want bool
	}{
		{"sampleless waiting", sampleless, false},
		{"stageless", stageless, true},
		{"regular waiting", regular, false},
	} {
		got, err := f.store.PipelineComplete(ctx, tt.item)
		if err != nil || got != tt.want {
			t.Errorf("%s: PipelineComplete = %v, %v; want %v", tt.name, got, err, tt.want)
		}
	}
}
