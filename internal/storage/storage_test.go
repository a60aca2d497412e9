package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, zeroLogger)
		if err != nil || st != nil {
			t.Fatalf("driver %q: got (%v, %v), want (nil, nil)", driver, st, err)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "redis"}, zeroLogger); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestStores(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"file", "sqlite"} {
		driver := driver
		t.Run(driver, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "sub", "dispatch."+driver)
			cfg := Config{Driver: driver, Path: path, BusyTimeout: time.Second, Retain: 3}
			ctx := context.Background()

			st, err := Open(cfg, zeroLogger)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
			for i := 0; i < 5; i++ {
				err := st.RecordDispatch(ctx, DispatchRecord{
					At:       base.Add(time.Duration(i) * time.Minute),
					Schedule: "reports",
					Messages: []string{"RequestUptimeReport"},
					Selected: []string{fmt.Sprintf("k%d", i)},
				})
				if err != nil {
					t.Fatalf("record %d: %v", i, err)
				}
			}

			got, err := st.Recent(ctx, 2)
			if err != nil {
				t.Fatalf("recent: %v", err)
			}
			if len(got) != 2 || got[0].Selected[0] != "k4" || got[1].Selected[0] != "k3" {
				t.Fatalf("recent(2) = %+v, want k4,k3", got)
			}
			if !got[0].At.Equal(base.Add(4 * time.Minute)) {
				t.Fatalf("at = %v", got[0].At)
			}
			if got[0].Messages[0] != "RequestUptimeReport" {
				t.Fatalf("messages = %v", got[0].Messages)
			}
			if err := st.Close(); err != nil {
				t.Fatalf("close: %v", err)
			}

			// Reopen keeps history.
			st, err = Open(cfg, zeroLogger)
			if err != nil {
				t.Fatalf("reopen: %v", err)
			}
			defer st.Close()
			got, err = st.Recent(ctx, 1)
			if err != nil {
				t.Fatalf("recent after reopen: %v", err)
			}
			if len(got) != 1 || got[0].Selected[0] != "k4" {
				t.Fatalf("recent after reopen = %+v", got)
			}
		})
	}
}

func TestFileStoreRetainAndCompact(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "dispatch.jsonl")
	st, err := Open(Config{Driver: "file", Path: path, Retain: 2}, zeroLogger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	fs := st.(*fileStore)
	fs.compact = 3
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		if err := st.RecordDispatch(ctx, DispatchRecord{Selected: []string{fmt.Sprint(i)}}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	all, _ := st.Recent(ctx, 0)
	if len(all) != 2 || all[0].Selected[0] != "3" || all[1].Selected[0] != "2" {
		t.Fatalf("recent = %+v", all)
	}
	_ = st.Close()

	// After compaction at write 3 the file holds records 1,2 and then 3.
	tail, err := loadTail(path, 10)
	if err != nil {
		t.Fatalf("loadTail: %v", err)
	}
	if len(tail) != 3 || tail[0].Selected[0] != "1" || tail[2].Selected[0] != "3" {
		t.Fatalf("file contents = %+v", tail)
	}
}
