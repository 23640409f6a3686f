package router

import (
	"context"
	"testing"

	"github.com/manifolddb/manifold/internal/srverr"
)

func TestListDatabases(t *testing.T) {
	r, _ := newTestRouter(t, map[string][]string{"dev": usersSeed})
	names, err := r.ListDatabases(context.Background(), "dev")
	if err != nil {
		t.Fatalf("ListDatabases: %v", err)
	}
	if len(names) != 1 || names[0] != "main" {
		t.Errorf("names = %v", names)
	}
}

func TestListTables(t *testing.T) {
	seed := append([]string{}, usersSeed...)
	seed = append(seed, "CREATE TABLE orders (id INTEGER PRIMARY KEY)")
	r, _ := newTestRouter(t, map[string][]string{"dev": seed})

	names, err := r.ListTables(context.Background(), "dev")
	if err != nil {
		t.Fatalf("ListTables: %v", err)
	}
	if len(names) != 2 || names[0] != "orders" || names[1] != "users" {
		t.Errorf("names = %v", names)
	}
}

func TestDescribeTable(t *testing.T) {
	r, _ := newTestRouter(t, map[string][]string{"dev": usersSeed})

	cols, err := r.DescribeTable(context.Background(), "dev", "users")
	if err != nil {
		t.Fatalf("DescribeTable: %v", err)
	}
	if len(cols) != 2 {
		t.Fatalf("cols = %+v", cols)
	}
	if cols[0].Name != "id" || cols[1].Name != "name" {
		t.Errorf("cols = %+v", cols)
	}
	if cols[1].Type != "TEXT" {
		t.Errorf("name column type = %q", cols[1].Type)
	}

	t.Run("missing table", func(t *testing.T) {
		_, err := r.DescribeTable(context.Background(), "dev", "ghosts")
		if e := srverr.From(err); e == nil || e.Kind != srverr.KindValidation {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("hostile identifier", func(t *testing.T) {
		_, err := r.DescribeTable(context.Background(), "dev", "users; DROP TABLE users")
		if e := srverr.From(err); e == nil || e.Kind != srverr.KindValidation {
			t.Errorf("err = %v", err)
		}
	})
}

func TestCompareTableSchema(t *testing.T) {
	altered := []string{
		"CREATE TABLE users (id INTEGER PRIMARY KEY, name BLOB, email TEXT)",
	}
	r, _ := newTestRouter(t, map[string][]string{
		"a-staging": usersSeed,
		"b-prod":    altered,
	})

	t.Run("drifted", func(t *testing.T) {
		cmp, err := r.CompareTableSchema(context.Background(), nil, "users")
		if err != nil {
			t.Fatalf("CompareTableSchema: %v", err)
		}
		if cmp.Baseline != "a-staging" || cmp.Match {
			t.Errorf("cmp = %+v", cmp)
		}
		diffs := cmp.Diffs["b-prod"]
		if len(diffs) != 2 {
			t.Fatalf("diffs = %v", diffs)
		}
	})

	t.Run("matching", func(t *testing.T) {
		cmp, err := r.CompareTableSchema(context.Background(), []string{"a-staging", "a-staging"}, "users")
		if err != nil {
			t.Fatalf("CompareTableSchema: %v", err)
		}
		if !cmp.Match || cmp.Diffs != nil {
			t.Errorf("cmp = %+v", cmp)
		}
	})

	t.Run("table absent in one environment", func(t *testing.T) {
		seedless := map[string][]string{
			"a-staging": usersSeed,
			"b-prod":    {"CREATE TABLE other (id INTEGER)"},
		}
		r2, _ := newTestRouter(t, seedless)
		cmp, err := r2.CompareTableSchema(context.Background(), nil, "users")
		if err != nil {
			t.Fatalf("CompareTableSchema: %v", err)
		}
		if cmp.Match {
			t.Error("Match = true with the table missing in one environment")
		}
		if cmp.Errors["b-prod"] == "" {
			t.Errorf("Errors = %v", cmp.Errors)
		}
	})

	t.Run("table absent everywhere", func(t *testing.T) {
		_, err := r.CompareTableSchema(context.Background(), nil, "ghosts")
		if e := srverr.From(err); e == nil || e.Kind != srverr.KindMultiEnvironment {
			t.Errorf("err = %v", err)
		}
	})
}
