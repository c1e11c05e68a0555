package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	logx "mailq/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	for _, d := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: d}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("driver %q: expected disabled store, got %v %v", d, st, err)
		}
	}
	if _, err := Open(Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatalf("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatalf("expected missing dsn error")
	}
}

func TestStores(t *testing.T) {
	drivers := []struct {
		name string
		cfg  func(dir string) Config
	}{
		{"file", func(dir string) Config { return Config{Driver: "file", Path: filepath.Join(dir, "mailq.db")} }},
		{"sqlite", func(dir string) Config {
			return Config{Driver: "sqlite", Path: filepath.Join(dir, "mailq.sqlite"), BusyTimeout: time.Second}
		}},
	}
	for _, d := range drivers {
		t.Run(d.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := d.cfg(dir)
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			ctx := context.Background()
			now := time.Now()

			old := SendRecord{At: now.Add(-48 * time.Hour), JobID: "email-1", Recipient: "old@x", Status: StatusSent, MessageID: "<1@x>"}
			mid := SendRecord{At: now.Add(-time.Hour), JobID: "email-2", ParentBulkID: "bulk-1", Recipient: "mid@x", Status: StatusFailed, Error: "550 no such user"}
			recent := SendRecord{At: now, JobID: "email-3", Recipient: "new@x", Subject: "S", Provider: "smtp"}
			for _, r := range []SendRecord{old, mid, recent} {
				if err := st.AppendSend(ctx, r); err != nil {
					t.Fatalf("AppendSend: %v", err)
				}
			}

			got, err := st.RecentSends(ctx, 2)
			if err != nil {
				t.Fatalf("RecentSends: %v", err)
			}
			if len(got) != 2 || got[0].JobID != "email-3" || got[1].JobID != "email-2" {
				t.Fatalf("unexpected order: %+v", got)
			}
			if got[0].ID == "" || got[0].Status != StatusSent {
				t.Fatalf("record not normalized: %+v", got[0])
			}
			if got[1].ParentBulkID != "bulk-1" || got[1].Error != "550 no such user" {
				t.Fatalf("fields lost: %+v", got[1])
			}

			n, err := st.PruneSends(ctx, now.Add(-24*time.Hour))
			if err != nil || n != 1 {
				t.Fatalf("PruneSends: n=%d err=%v", n, err)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			// Reopen: history survives and the pruned row stays gone.
			st, err = Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			all, err := st.RecentSends(ctx, 100)
			if err != nil {
				t.Fatalf("RecentSends: %v", err)
			}
			if len(all) != 2 {
				t.Fatalf("expected 2 records after reopen, got %d", len(all))
			}
			for _, r := range all {
				if r.JobID == "email-1" {
					t.Fatalf("pruned record came back")
				}
			}
		})
	}
}

func TestPlaceholderRewrite(t *testing.T) {
	s := &sqlStore{bind: dollarN}
	got := s.q(`DELETE FROM sends WHERE at < ? AND status = ?`)
	if got != `DELETE FROM sends WHERE at < $1 AND status = $2` {
		t.Fatalf("unexpected rewrite %q", got)
	}
	s.bind = questionMarks
	if got := s.q(`SELECT ?`); got != `SELECT ?` {
		t.Fatalf("sqlite query should be untouched: %q", got)
	}
}
