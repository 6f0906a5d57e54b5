package ledger

import (
	"bytes"
	"context"
	"database/sql"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aschepis/backscratcher/relay/llm"
	"github.com/aschepis/backscratcher/relay/proxy"
	"github.com/rs/zerolog"
)

func setupTestStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close() //nolint:errcheck // Test cleanup
	})
	return NewStore(db, "instance-1", zerolog.Nop()), db
}

func TestOpen_ReportsSchemaVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")

	// Opening twice exercises the already-migrated path
	for i := 0; i < 2; i++ {
		var buf bytes.Buffer
		db, err := Open(path, zerolog.New(&buf))
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i+1, err)
		}
		_ = db.Close() //nolint:errcheck // Test cleanup
		if !strings.Contains(buf.String(), `"schema_version":1`) {
			t.Errorf("Expected schema version 1 to be logged, got %s", buf.String())
		}
	}
}

func TestOpen_RefusesDirtySchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(path, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if _, err := db.Exec("UPDATE schema_migrations SET dirty = 1"); err != nil {
		t.Fatalf("Failed to mark schema dirty: %v", err)
	}
	_ = db.Close() //nolint:errcheck // Test cleanup

	if _, err := Open(path, zerolog.Nop()); err == nil {
		t.Error("Expected Open to fail on a dirty schema")
	}
}

func TestStore_RecordAndTotals(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	entries := []Entry{
		{RequestID: "req_1", Model: "claude-a", InputTokens: 100, OutputTokens: 50, Cost: 0.5, CreatedAt: base},
		{RequestID: "req_2", Model: "claude-a", InputTokens: 10, OutputTokens: 5, Cost: 0.25, CacheHit: true, CreatedAt: base.Add(time.Minute)},
		{RequestID: "req_3", Model: "claude-b", InputTokens: 1, OutputTokens: 1, Cost: 1, Retries: 2, CreatedAt: base.Add(2 * time.Minute)},
	}
	for _, e := range entries {
		if err := store.Record(ctx, e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	// Duplicate request ids are ignored
	if err := store.Record(ctx, entries[0]); err != nil {
		t.Fatalf("duplicate Record failed: %v", err)
	}

	totals, err := store.Totals(ctx, time.Time{})
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if len(totals) != 2 {
		t.Fatalf("Expected totals for 2 models, got %d", len(totals))
	}
	a := totals[0]
	if a.Model != "claude-a" || a.Calls != 2 || a.CacheHits != 1 || a.InputTokens != 110 || a.OutputTokens != 55 {
		t.Errorf("Unexpected totals for claude-a: %+v", a)
	}
	if math.Abs(a.Cost-0.75) > 1e-9 {
		t.Errorf("Expected cost 0.75, got %v", a.Cost)
	}

	recent, err := store.Totals(ctx, base.Add(time.Minute))
	if err != nil {
		t.Fatalf("Totals failed: %v", err)
	}
	if len(recent) != 2 || recent[0].Calls != 1 {
		t.Errorf("Expected since filter to drop the first call, got %+v", recent)
	}
}

func TestStore_Recent(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i, id := range []string{"req_1", "req_2", "req_3"} {
		if err := store.Record(ctx, Entry{RequestID: id, Model: "claude-a", CreatedAt: base.Add(time.Duration(i) * time.Second)}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	entries, err := store.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(entries))
	}
	if entries[0].RequestID != "req_3" || entries[1].RequestID != "req_2" {
		t.Errorf("Expected newest first, got %s, %s", entries[0].RequestID, entries[1].RequestID)
	}
	if entries[0].InstanceID != "instance-1" {
		t.Errorf("Expected store instance id, got %q", entries[0].InstanceID)
	}
}

func TestStore_Prune(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()
	base := time.Unix(1_700_000_000, 0)

	for i, id := range []string{"req_1", "req_2", "req_3"} {
		if err := store.Record(ctx, Entry{RequestID: id, Model: "claude-a", CreatedAt: base.Add(time.Duration(i) * time.Hour)}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	removed, err := store.Prune(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 entries pruned, got %d", removed)
	}

	entries, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 1 || entries[0].RequestID != "req_3" {
		t.Errorf("Expected only req_3 to remain, got %+v", entries)
	}
}

func TestStore_AsResponseInterceptor(t *testing.T) {
	store, _ := setupTestStore(t)
	ctx := context.Background()

	client := llm.ClientFunc(func(context.Context, *llm.Request) (*llm.Response, error) {
		return &llm.Response{
			Content:    []llm.ContentBlock{{Type: llm.ContentBlockTypeText, Text: "ok"}},
			StopReason: "end_turn",
			Usage:      &llm.Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000},
		}, nil
	})
	p, err := proxy.New(client, proxy.Config{
		DefaultModel: "claude-a",
		Prices:       proxy.PriceTable{"claude-a": {Input: 3, Output: 15}},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("proxy.New failed: %v", err)
	}
	if err := p.AddResponseInterceptor(store, proxy.Optional()); err != nil {
		t.Fatalf("AddResponseInterceptor failed: %v", err)
	}

	req := proxy.Request{Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "hello")}}
	resp, err := p.SendMessage(ctx, req)
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	entries, err := store.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 ledger entry, got %d", len(entries))
	}
	if entries[0].RequestID != resp.Metrics.RequestID {
		t.Errorf("Expected request id %s, got %s", resp.Metrics.RequestID, entries[0].RequestID)
	}
	if entries[0].Cost != 18 {
		t.Errorf("Expected cost 18, got %v", entries[0].Cost)
	}
}

func TestStore_FailureDoesNotFailOptionalCall(t *testing.T) {
	store, db := setupTestStore(t)
	_ = db.Close() //nolint:errcheck // force database errors

	client := llm.ClientFunc(func(context.Context, *llm.Request) (*llm.Response, error) {
		return &llm.Response{
			Content:    []llm.ContentBlock{{Type: llm.ContentBlockTypeText, Text: "ok"}},
			StopReason: "end_turn",
		}, nil
	})
	p, err := proxy.New(client, proxy.Config{DefaultModel: "claude-a"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("proxy.New failed: %v", err)
	}
	if err := p.AddResponseInterceptor(store, proxy.Optional()); err != nil {
		t.Fatalf("AddResponseInterceptor failed: %v", err)
	}

	req := proxy.Request{Messages: []llm.Message{llm.NewTextMessage(llm.RoleUser, "hello")}}
	if _, err := p.SendMessage(context.Background(), req); err != nil {
		t.Errorf("Expected optional ledger failure to be skipped, got %v", err)
	}
}
