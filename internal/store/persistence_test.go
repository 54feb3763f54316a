package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"aerosol/internal/checksum"
	"aerosol/internal/model"
)

func TestStore_Persistence_RoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	stateFile := filepath.Join(dir, "state", "aerosol-state.json")

	s1, err := NewWithOptions(Options{StateFile: stateFile})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	if err := s1.Users().Create(ctx, &model.User{ID: "u1", Name: "alice"}); err != nil {
		t.Fatalf("Create user: %v", err)
	}
	if _, err := s1.Users().BumpEpoch(ctx, "u1"); err != nil {
		t.Fatalf("BumpEpoch: %v", err)
	}
	if err := s1.RegistrationTokens().Create(ctx, &model.RegistrationToken{Value: "T1", IssuedAt: 5}); err != nil {
		t.Fatalf("Create token: %v", err)
	}
	if err := s1.Vaults().Upsert(ctx, &model.Vault{Name: "vault", PasswordHash: []byte("h"), PasswordSalt: []byte("s")}); err != nil {
		t.Fatalf("Upsert vault: %v", err)
	}
	snap := checksum.NewSnapshot(checksum.Entries{"a.md": checksum.ComputeEntry([]byte("hello"))})
	if err := s1.Checksums().ReplaceAll(ctx, snap); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}

	info, err := os.Stat(stateFile)
	if err != nil {
		t.Fatalf("expected state file written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected state file mode 0600, got %o", info.Mode().Perm())
	}

	s2, err := NewWithOptions(Options{StateFile: stateFile})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	u, err := s2.Users().GetByID(ctx, "u1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if u.Name != "alice" || u.RefreshEpoch != 1 {
		t.Fatalf("unexpected user loaded: %+v", u)
	}
	if _, err := s2.RegistrationTokens().Consume(ctx, "T1"); err != nil {
		t.Fatalf("token not persisted: %v", err)
	}
	v, err := s2.Vaults().Get(ctx, "vault")
	if err != nil {
		t.Fatalf("Get vault: %v", err)
	}
	if string(v.PasswordHash) != "h" || string(v.PasswordSalt) != "s" {
		t.Fatalf("unexpected vault loaded: %+v", v)
	}
	loaded, err := s2.Checksums().Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Aggregate != snap.Aggregate || !loaded.Entries.Equal(snap.Entries) {
		t.Fatalf("unexpected checksums loaded: %+v", loaded)
	}

	s3, err := NewWithOptions(Options{StateFile: stateFile})
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := s3.RegistrationTokens().Consume(ctx, "T1"); err == nil {
		t.Fatalf("consumed token must stay consumed after reload")
	}
}

func TestStore_Persistence_RejectsUnknownVersion(t *testing.T) {
	stateFile := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(stateFile, []byte(`{"version":99}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := NewWithOptions(Options{StateFile: stateFile}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestStore_Persistence_MissingFileIsEmpty(t *testing.T) {
	s, err := NewWithOptions(Options{StateFile: filepath.Join(t.TempDir(), "none.json")})
	if err != nil {
		t.Fatalf("NewWithOptions: %v", err)
	}
	if _, err := s.Vaults().Get(context.Background(), "vault"); err == nil {
		t.Fatalf("expected empty store")
	}
}

func TestStore_Persistence_ConcurrentWritesKeepLatestState(t *testing.T) {
	ctx := context.Background()
	stateFile := filepath.Join(t.TempDir(), "state.json")

	for round := 0; round < 20; round++ {
		s, err := NewWithOptions(Options{StateFile: stateFile})
		if err != nil {
			t.Fatalf("NewWithOptions: %v", err)
		}

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			value := fmt.Sprintf("R%d-T%d", round, i)
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.RegistrationTokens().Create(ctx, &model.RegistrationToken{Value: value}); err != nil {
					t.Errorf("Create %s: %v", value, err)
					return
				}
				if _, err := s.RegistrationTokens().Consume(ctx, value); err != nil {
					t.Errorf("Consume %s: %v", value, err)
				}
			}()
		}
		wg.Wait()

		reloaded, err := NewWithOptions(Options{StateFile: stateFile})
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
		for i := 0; i < 8; i++ {
			value := fmt.Sprintf("R%d-T%d", round, i)
			if _, err := reloaded.RegistrationTokens().Consume(ctx, value); err == nil {
				t.Fatalf("round %d: consumed token %s usable again after reload", round, value)
			}
		}
	}
}
