package memkv

import (
	"context"
	"errors"
	"testing"

	"github.com/matheus3301/sbcache/internal/kv"
)

func TestFailedUpdateLeavesTableUntouched(t *testing.T) {
	ctx := context.Background()
	tbl, _ := New().Open(ctx, "db", "t")

	_ = tbl.Update(ctx, func(tx kv.Tx) error { return tx.Put("keep", []byte(`1`)) })
	boom := errors.New("boom")
	err := tbl.Update(ctx, func(tx kv.Tx) error {
		_ = tx.Delete("keep")
		_ = tx.Put("new", []byte(`2`))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Update error = %v, want boom", err)
	}

	_ = tbl.View(ctx, func(tx kv.Tx) error {
		if _, found, _ := tx.Get("keep"); !found {
			t.Error("keep removed by failed transaction")
		}
		if _, found, _ := tx.Get("new"); found {
			t.Error("new written by failed transaction")
		}
		return nil
	})
}

func TestSameTableAcrossOpens(t *testing.T) {
	ctx := context.Background()
	e := New()
	a, _ := e.Open(ctx, "db", "t")
	b, _ := e.Open(ctx, "db", "t")
	other, _ := e.Open(ctx, "db2", "t")

	_ = a.Update(ctx, func(tx kv.Tx) error { return tx.Insert("k", []byte(`1`)) })
	_ = b.View(ctx, func(tx kv.Tx) error {
		if _, found, _ := tx.Get("k"); !found {
			t.Error("second handle does not see the write")
		}
		return nil
	})
	_ = other.View(ctx, func(tx kv.Tx) error {
		if _, found, _ := tx.Get("k"); found {
			t.Error("write leaked into another database")
		}
		return nil
	})
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	tbl, _ := New().Open(ctx, "db", "t")
	_ = tbl.Update(ctx, func(tx kv.Tx) error { return tx.Put("k", []byte(`"abc"`)) })

	_ = tbl.View(ctx, func(tx kv.Tx) error {
		v, _, _ := tx.Get("k")
		v[1] = 'z'
		return nil
	})
	_ = tbl.View(ctx, func(tx kv.Tx) error {
		v, _, _ := tx.Get("k")
		if string(v) != `"abc"` {
			t.Errorf("stored value mutated through Get: %s", v)
		}
		return nil
	})
}
