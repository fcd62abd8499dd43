package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func exerciseRepository(t *testing.T, repo Repository) {
	t.Helper()
	ctx := context.Background()
	now := time.UnixMilli(time.Now().UnixMilli()).UTC()

	accounts := []Account{
		{Name: "worker-001", WalletSeed: "AA", WalletAddress: "nano_1aa", Earnings: "340282366920938463463374607431768211456", UpdatedAt: now},
		{Name: "worker-002", WalletSeed: "BB", WalletAddress: "nano_1bb", Earnings: "0", UpdatedAt: now},
	}
	if err := repo.SaveAccounts(ctx, accounts); err != nil {
		t.Fatalf("save accounts: %v", err)
	}
	accounts[1].Earnings = "42"
	if err := repo.SaveAccounts(ctx, accounts[1:]); err != nil {
		t.Fatalf("update account: %v", err)
	}
	gotAccounts, err := repo.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("list accounts: %v", err)
	}
	if diff := cmp.Diff(accounts, gotAccounts); diff != "" {
		t.Fatalf("accounts mismatch (-want +got):\n%s", diff)
	}

	first := Session{WorkerName: "worker-001", SessionToken: "t1", WalletSeed: "AA", WalletAddress: "nano_1aa", Earnings: "5", SavedAt: now}
	second := first
	second.SessionToken = "t2"
	second.Earnings = "7"
	for _, s := range []Session{first, second} {
		if err := repo.SaveSession(ctx, s); err != nil {
			t.Fatalf("save session: %v", err)
		}
	}
	sessions, err := repo.LoadSessions(ctx)
	if err != nil {
		t.Fatalf("load sessions: %v", err)
	}
	if diff := cmp.Diff(map[string]Session{"worker-001": second}, sessions); diff != "" {
		t.Fatalf("sessions mismatch (-want +got):\n%s", diff)
	}

	entry := RescueEntry{WorkerName: "worker-001", Address: "nano_1aa", Seed: "AA", Balance: "1000", RescuedAt: now}
	added, err := repo.AddRescue(ctx, entry)
	if err != nil || !added {
		t.Fatalf("add rescue: added=%v err=%v", added, err)
	}
	dup := entry
	dup.Balance = "2000"
	added, err = repo.AddRescue(ctx, dup)
	if err != nil {
		t.Fatalf("add duplicate rescue: %v", err)
	}
	if added {
		t.Fatal("duplicate seed must not be recorded twice")
	}
	if _, err := repo.AddRescue(ctx, RescueEntry{WorkerName: "x"}); err == nil {
		t.Fatal("expected rescue entry without seed to be rejected")
	}
	entries, err := repo.ListRescue(ctx)
	if err != nil {
		t.Fatalf("list rescue: %v", err)
	}
	if diff := cmp.Diff([]RescueEntry{entry}, entries); diff != "" {
		t.Fatalf("rescue mismatch (-want +got):\n%s", diff)
	}
	if err := repo.ClearRescue(ctx); err != nil {
		t.Fatalf("clear rescue: %v", err)
	}
	entries, err = repo.ListRescue(ctx)
	if err != nil {
		t.Fatalf("list rescue after clear: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty ledger, got %d entries", len(entries))
	}
	if added, _ := repo.AddRescue(ctx, entry); !added {
		t.Fatal("seed must be recordable again after clear")
	}

	empty, err := repo.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load empty settings: %v", err)
	}
	if diff := cmp.Diff(Settings{}, empty); diff != "" {
		t.Fatalf("expected zero settings:\n%s", diff)
	}
	settings := Settings{MasterAddress: "nano_1master", AutoSweep: true, SweepThresholdRaw: "100", FleetSize: 3}
	if err := repo.SaveSettings(ctx, settings); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	loaded, err := repo.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if diff := cmp.Diff(settings, loaded); diff != "" {
		t.Fatalf("settings mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryRepository(t *testing.T) {
	repo := NewMemory()
	defer repo.Close()
	exerciseRepository(t, repo)
}

func TestSQLiteRepository(t *testing.T) {
	repo, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "fleet", "state.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer repo.Close()
	exerciseRepository(t, repo)
}

func TestSQLiteRepositorySurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()
	repo, err := NewSQLite(ctx, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if _, err := repo.AddRescue(ctx, RescueEntry{WorkerName: "w", Address: "nano_1w", Seed: "CC", Balance: "9"}); err != nil {
		t.Fatalf("add rescue: %v", err)
	}
	if err := repo.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := NewSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	defer reopened.Close()
	added, err := reopened.AddRescue(ctx, RescueEntry{WorkerName: "w", Address: "nano_1w", Seed: "CC", Balance: "10"})
	if err != nil {
		t.Fatalf("add rescue after reopen: %v", err)
	}
	if added {
		t.Fatal("seed dedup must survive a restart")
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open(context.Background(), Config{Driver: "etcd"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
	repo, err := Open(context.Background(), Config{Driver: "memory"})
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	_ = repo.Close()
}

var (
	_ Repository = (*Memory)(nil)
	_ Repository = (*SQLStore)(nil)
	_ Repository = (*RedisStore)(nil)
)
