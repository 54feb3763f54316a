package store

import (
	"context"
	"errors"
	"testing"

	"aerosol/internal/checksum"
	"aerosol/internal/errs"
	"aerosol/internal/model"
)

func TestStore_UserEpoch(t *testing.T) {
	ctx := context.Background()
	users := New().Users()

	if err := users.Create(ctx, &model.User{ID: "u1", Name: "alice"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := users.Create(ctx, &model.User{ID: "u1", Name: "bob"}); !errors.Is(err, errs.ErrAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}

	epoch, err := users.BumpEpoch(ctx, "u1")
	if err != nil {
		t.Fatalf("BumpEpoch: %v", err)
	}
	if epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", epoch)
	}

	u, err := users.GetByID(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if u.Name != "alice" || u.RefreshEpoch != 1 {
		t.Fatalf("unexpected user: %+v", u)
	}

	if _, err := users.GetByID(ctx, "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := users.BumpEpoch(ctx, "missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStore_RegistrationTokenSingleUse(t *testing.T) {
	ctx := context.Background()
	tokens := New().RegistrationTokens()

	if err := tokens.Create(ctx, &model.RegistrationToken{Value: "T1", IssuedAt: 1000}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := tokens.Consume(ctx, "T1")
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if got.IssuedAt != 1000 {
		t.Fatalf("unexpected token: %+v", got)
	}
	if _, err := tokens.Consume(ctx, "T1"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("second consume should fail, got %v", err)
	}
}

func TestStore_Checksums(t *testing.T) {
	ctx := context.Background()
	repo := New().Checksums()

	snap, err := repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Entries) != 0 || !snap.Consistent() {
		t.Fatalf("unexpected empty snapshot: %+v", snap)
	}

	ix := checksum.NewIndex(nil)
	fp, agg := ix.Update("a.md", []byte("hello"))
	if err := repo.Put(ctx, "a.md", fp, agg); err != nil {
		t.Fatalf("Put: %v", err)
	}
	_, agg = ix.Rename("a.md", "b.md")
	if err := repo.Rename(ctx, "a.md", "b.md", agg); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if err := repo.Rename(ctx, "a.md", "c.md", agg); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	snap, err = repo.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Entries["b.md"] != fp || !snap.Consistent() {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	_, agg = ix.Remove("b.md")
	if err := repo.Delete(ctx, "b.md", agg); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	snap, _ = repo.Load(ctx)
	if len(snap.Entries) != 0 || snap.Aggregate != checksum.AggregateOf(nil) {
		t.Fatalf("unexpected snapshot after delete: %+v", snap)
	}
}

func TestStore_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := New().Users().Create(ctx, &model.User{ID: "u1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, got %v", err)
	}
}
