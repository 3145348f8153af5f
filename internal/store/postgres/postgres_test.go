package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/copybot/internal/domain"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{"explicit dsn wins", ClientConfig{DSN: "postgres://x", Host: "ignored"}, "postgres://x"},
		{"defaults", ClientConfig{Host: "db", User: "u", Password: "p", Database: "copybot"},
			"postgres://u:p@db:5432/copybot?sslmode=disable"},
		{"explicit port and ssl", ClientConfig{Host: "db", Port: 6543, User: "u", Password: "p", Database: "c", SSLMode: "require"},
			"postgres://u:p@db:6543/c?sslmode=require"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Fatalf("DSN=%q, expected %q", got, tt.want)
			}
		})
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	names, err := migrationNames()
	if err != nil {
		t.Fatalf("migrationNames: %v", err)
	}
	if len(names) == 0 || names[0] != "001_init.sql" {
		t.Fatalf("migrations=%v", names)
	}
}

// The tests below need a scratch database; set COPYBOT_TEST_POSTGRES_DSN.
func testClient(t *testing.T) *Client {
	t.Helper()
	dsn := os.Getenv("COPYBOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("COPYBOT_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	c, err := New(ctx, ClientConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	if err := c.RunMigrations(ctx); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	return c
}

func TestAccountAndTradeRoundTrip(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	accounts := NewAccountStore(c.Pool())
	trades := NewTradeStore(c.Pool())

	id := "it-" + uuid.NewString()[:8]
	acct := domain.Account{
		ID: id, Exchange: domain.ExchangePaper, Role: domain.RoleSlave, Active: true, TradingEnabled: true,
		RiskPct: 2, Leverage: 10,
		Subscriptions: []domain.Subscription{{StrategyID: "alpha", AllocationPct: 50, Active: true}},
	}
	if err := accounts.Upsert(ctx, acct); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := accounts.FlagForReview(ctx, id, "bad key"); err != nil {
		t.Fatalf("FlagForReview: %v", err)
	}
	got, err := accounts.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.TradingEnabled || got.FlaggedReason != "bad key" {
		t.Fatalf("flag not applied: %+v", got)
	}

	r := domain.ExecutionResult{
		ID: uuid.NewString(), SignalID: "sig", AccountID: id, Role: domain.RoleSlave, Exchange: domain.ExchangePaper,
		Symbol: "BTCUSDT", Action: domain.ActionOpenLong, Status: domain.StatusFilled, FilledQty: 0.004,
		CreatedAt: time.Now().UTC(),
	}
	if err := trades.Record(ctx, r); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := trades.Record(ctx, r); err != nil {
		t.Fatalf("duplicate Record should be ignored: %v", err)
	}
	list, err := trades.ListRecent(ctx, id, domain.ListOpts{Limit: 10})
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(list) != 1 || list[0].ExecutionResult.ID != r.ID {
		t.Fatalf("ListRecent=%+v", list)
	}
}

func TestMasterTradesHaveNullAccount(t *testing.T) {
	c := testClient(t)
	ctx := context.Background()
	trades := NewTradeStore(c.Pool())

	r := domain.ExecutionResult{
		ID: uuid.NewString(), SignalID: "sig", AccountID: "house", Role: domain.RoleMaster,
		Exchange: domain.ExchangePaper, Symbol: "ETHUSDT", Action: domain.ActionClose, Status: domain.StatusSkipped,
	}
	if err := trades.Record(ctx, r); err != nil {
		t.Fatalf("Record: %v", err)
	}
	list, err := trades.ListRecent(ctx, domain.MasterTrades, domain.ListOpts{Limit: 50})
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	for _, tr := range list {
		if tr.ExecutionResult.ID == r.ID {
			if tr.AccountID != "" {
				t.Fatalf("master row kept account id %q", tr.AccountID)
			}
			return
		}
	}
	t.Fatalf("master row not listed")
}
