package security

import (
	"context"
	"testing"
	"time"

	"github.com/savegress/chartsync/pkg/models"
)

func startedLogger(t *testing.T, capacity int) *AuditLogger {
	t.Helper()
	l := NewAuditLogger(true, capacity, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("failed to start logger: %v", err)
	}
	t.Cleanup(l.Stop)
	return l
}

// waitEntries polls until the async append catches up.
func waitEntries(t *testing.T, l *AuditLogger, filter EntryFilter, want int) []*models.AccessLogEntry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		entries := l.Entries(filter)
		if len(entries) >= want || time.Now().After(deadline) {
			return entries
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAuditLogger_LogAndFilter(t *testing.T) {
	l := startedLogger(t, 16)

	l.Log(&models.AccessLogEntry{Actor: "dr-kim", Action: "read", ResourceType: models.ResourceTypeObservation})
	l.Log(&models.AccessLogEntry{Actor: "dr-kim", Action: "write", ResourceType: models.ResourceTypeObservation})
	l.Log(&models.AccessLogEntry{Actor: "dr-lee", Action: "read", Emergency: true})

	all := waitEntries(t, l, EntryFilter{}, 3)
	if len(all) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(all))
	}
	if all[0].ID == "" || all[0].Timestamp.IsZero() {
		t.Error("entries must get an id and timestamp")
	}

	byActor := l.Entries(EntryFilter{Actor: "dr-kim"})
	if len(byActor) != 2 {
		t.Errorf("expected 2 entries for dr-kim, got %d", len(byActor))
	}

	emergency := true
	byEmergency := l.Entries(EntryFilter{Emergency: &emergency})
	if len(byEmergency) != 1 || byEmergency[0].Actor != "dr-lee" {
		t.Errorf("emergency filter wrong: %+v", byEmergency)
	}

	limited := l.Entries(EntryFilter{Limit: 1})
	if len(limited) != 1 {
		t.Errorf("limit not applied, got %d", len(limited))
	}
}

func TestAuditLogger_RingDisplacesOldest(t *testing.T) {
	var flushed []*models.AccessLogEntry
	l := NewAuditLogger(true, 2, func(entries []*models.AccessLogEntry) {
		flushed = append(flushed, entries...)
	})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("failed to start logger: %v", err)
	}
	defer l.Stop()

	l.Log(&models.AccessLogEntry{Action: "a"})
	l.Log(&models.AccessLogEntry{Action: "b"})
	l.Log(&models.AccessLogEntry{Action: "c"})

	entries := waitEntries(t, l, EntryFilter{Action: "c"}, 1)
	if len(entries) != 1 {
		t.Fatal("newest entry missing from ring")
	}
	if len(l.Entries(EntryFilter{Action: "a"})) != 0 {
		t.Error("oldest entry should be displaced")
	}
	if len(flushed) != 1 || flushed[0].Action != "a" {
		t.Errorf("displaced entry should reach the flush hook, got %+v", flushed)
	}

	stats := l.GetStats()
	if stats.TotalEntries != 3 || stats.BufferedEntries != 2 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestAuditLogger_Disabled(t *testing.T) {
	l := NewAuditLogger(false, 16, nil)
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("failed to start logger: %v", err)
	}
	defer l.Stop()

	l.Log(&models.AccessLogEntry{Action: "read"})
	time.Sleep(20 * time.Millisecond)
	if got := l.GetStats().TotalEntries; got != 0 {
		t.Errorf("disabled logger recorded %d entries", got)
	}
}

func TestAuditLogger_Stats(t *testing.T) {
	l := startedLogger(t, 16)

	l.Log(&models.AccessLogEntry{Action: "read"})
	l.Log(&models.AccessLogEntry{Action: "read"})
	l.Log(&models.AccessLogEntry{Action: "write", Emergency: true})
	waitEntries(t, l, EntryFilter{}, 3)

	stats := l.GetStats()
	if stats.ByAction["read"] != 2 || stats.ByAction["write"] != 1 {
		t.Errorf("action counts wrong: %v", stats.ByAction)
	}
	if stats.EmergencyUses != 1 {
		t.Errorf("expected 1 emergency use, got %d", stats.EmergencyUses)
	}
}
