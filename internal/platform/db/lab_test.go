package db

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractLabID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		jwt    interface{}
		want   string
	}{
		{"default", "", nil, "main"},
		{"header", "north_lab", nil, "north_lab"},
		{"jwt wins over header", "north_lab", "south_lab", "south_lab"},
		{"empty jwt falls through", "north_lab", "", "north_lab"},
		{"wrong jwt type falls through", "", 42, "main"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set(LabHeader, tt.header)
			}
			c := e.NewContext(req, httptest.NewRecorder())
			if tt.jwt != nil {
				c.Set("jwt_lab_id", tt.jwt)
			}
			if got := extractLabID(c, "main"); got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestLabIDPattern(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"main", true},
		{"North_1", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"'; DROP TABLE", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := labIDPattern.MatchString(tt.input); got != tt.valid {
			t.Errorf("labIDPattern.MatchString(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestSchemaFor(t *testing.T) {
	if got := SchemaFor("main"); got != "lab_main" {
		t.Errorf("expected lab_main, got %s", got)
	}
}

func TestCreateLabSchema_InvalidID(t *testing.T) {
	for _, id := range []string{"lab-with-dash", "lab.dot", "la b", "drop;table"} {
		if err := CreateLabSchema(context.Background(), nil, id, nil); err == nil {
			t.Errorf("expected error for invalid lab ID %q", id)
		}
	}
}

func TestContextAccessors_Empty(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn from empty context")
	}
	if LabFromContext(ctx) != "" {
		t.Error("expected empty lab from empty context")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx from empty context")
	}
}

func TestContextAccessors_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	ctx = context.WithValue(ctx, DBTxKey, "not-a-tx")
	ctx = context.WithValue(ctx, LabIDKey, 12345)
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn for wrong type")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx for wrong type")
	}
	if LabFromContext(ctx) != "" {
		t.Error("expected empty lab for wrong type")
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background())
	if err == nil {
		t.Fatal("expected error when no connection in context")
	}
	if err.Error() != "no database connection in context" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}

func TestNopTransactor_PropagatesError(t *testing.T) {
	called := false
	err := NopTransactor{}.InTx(context.Background(), func(ctx context.Context) error {
		called = true
		return context.Canceled
	})
	if !called {
		t.Error("expected fn to run")
	}
	if err != context.Canceled {
		t.Errorf("expected fn error to propagate, got %v", err)
	}
}
