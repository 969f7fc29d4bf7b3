package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	snapshot "github.com/always-cache/prefetch-worker/pkg/response-snapshot"
)

var epoch = time.Unix(1700000000, 0)

func okSnapshot() *snapshot.Snapshot {
	return &snapshot.Snapshot{StatusCode: http.StatusOK, Header: http.Header{}, Body: []byte("ok")}
}

func TestReserveInstallsInflightEntry(t *testing.T) {
	table := NewTable(100)
	res := table.Reserve("k", epoch, time.Second)
	if !res.Installed || res.Entry == nil || res.Entry.Inflight == nil {
		t.Fatalf("Expected an installed in-flight entry, got %+v", res)
	}
	if res.Entry.Response != nil {
		t.Fatalf("In-flight entry must not have a response")
	}
	again := table.Reserve("k", epoch.Add(time.Millisecond), time.Second)
	if again.Installed || again.Entry != res.Entry {
		t.Fatalf("Second reservation should find the installed entry")
	}
}

func TestReserveWithoutTTLDoesNotInstall(t *testing.T) {
	table := NewTable(100)
	res := table.Reserve("k", epoch, 0)
	if res.Installed || res.Entry != nil {
		t.Fatalf("Nothing should be installed without a ttl, got %+v", res)
	}
	if table.Len() != 0 {
		t.Fatalf("Table has %d entries, expected 0", table.Len())
	}
}

func TestCompleteSwapsToResponse(t *testing.T) {
	table := NewTable(100)
	res := table.Reserve("k", epoch, time.Second)
	snap := okSnapshot()
	if !table.Complete("k", res.Entry, snap, epoch) {
		t.Fatalf("Expected 200 response to be stored")
	}
	entry, ok := table.Get("k")
	if !ok || entry.Response != snap || entry.Inflight != nil {
		t.Fatalf("Entry was not swapped to the response state: %+v", entry)
	}
	if !entry.ExpireAt.Equal(epoch.Add(time.Second)) {
		t.Fatalf("Expiry changed to %v", entry.ExpireAt)
	}
	got, err := res.Entry.Inflight.Wait(context.Background())
	if err != nil || got != snap {
		t.Fatalf("Future resolved to %v, %v", got, err)
	}
}

func TestCompleteNon200RemovesEntry(t *testing.T) {
	table := NewTable(100)
	res := table.Reserve("k", epoch, time.Second)
	snap := &snapshot.Snapshot{StatusCode: http.StatusNotFound}
	if table.Complete("k", res.Entry, snap, epoch) {
		t.Fatalf("404 must not be stored")
	}
	if _, ok := table.Get("k"); ok {
		t.Fatalf("Entry should be gone")
	}
	got, err := res.Entry.Inflight.Wait(context.Background())
	if err != nil || got.StatusCode != http.StatusNotFound {
		t.Fatalf("Waiters should share the 404, got %v, %v", got, err)
	}
}

func TestCompleteAfterExpiryRemovesEntry(t *testing.T) {
	table := NewTable(100)
	res := table.Reserve("k", epoch, time.Second)
	if table.Complete("k", res.Entry, okSnapshot(), epoch.Add(2*time.Second)) {
		t.Fatalf("Expired entry must not be stored")
	}
	if table.Len() != 0 {
		t.Fatalf("Table has %d entries, expected 0", table.Len())
	}
}

func TestCompleteReplacedEntryLeavesTableAlone(t *testing.T) {
	table := NewTable(100)
	first := table.Reserve("k", epoch, time.Second)
	table.Remove("k", first.Entry)
	second := table.Reserve("k", epoch, time.Second)

	if table.Complete("k", first.Entry, okSnapshot(), epoch) {
		t.Fatalf("Stale entry must not overwrite the current one")
	}
	entry, _ := table.Get("k")
	if entry != second.Entry {
		t.Fatalf("Current entry was replaced")
	}
}

func TestFailRejectsAndRemoves(t *testing.T) {
	table := NewTable(100)
	res := table.Reserve("k", epoch, time.Second)
	table.Fail("k", res.Entry, errors.New("connection refused"))

	if _, ok := table.Get("k"); ok {
		t.Fatalf("Failed entry should be removed")
	}
	_, err := res.Entry.Inflight.Wait(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("Expected ErrRejected, got %v", err)
	}
}

func TestReserveDiscardsExpired(t *testing.T) {
	table := NewTable(100)
	res := table.Reserve("k", epoch, time.Second)
	table.Complete("k", res.Entry, okSnapshot(), epoch)

	// Expiry is exclusive: an entry is invalid at its expiry time.
	later := table.Reserve("k", epoch.Add(time.Second), 0)
	if !later.Expired || later.Entry != nil {
		t.Fatalf("Expected expired entry to be discarded, got %+v", later)
	}
	if table.Len() != 0 {
		t.Fatalf("Table has %d entries, expected 0", table.Len())
	}
}

func TestSweepOnlyRemovesExpired(t *testing.T) {
	table := NewTable(2)
	for i := 0; i < 3; i++ {
		table.Reserve(fmt.Sprintf("short-%d", i), epoch, time.Second)
	}
	table.Reserve("long", epoch, time.Hour)

	// More than max entries, so this reservation sweeps first.
	res := table.Reserve("new", epoch.Add(2*time.Second), time.Second)
	if !res.Sweep || res.Swept != 3 {
		t.Fatalf("Swept %d entries, expected 3", res.Swept)
	}
	if table.Len() != 2 {
		t.Fatalf("Table has %d entries, expected 2", table.Len())
	}
	if _, ok := table.Get("long"); !ok {
		t.Fatalf("Unexpired entry was evicted")
	}
}

func TestSweepKeepsUnexpiredAboveMax(t *testing.T) {
	table := NewTable(1)
	for i := 0; i < 5; i++ {
		table.Reserve(fmt.Sprintf("k-%d", i), epoch, time.Hour)
	}
	if table.Len() != 5 {
		t.Fatalf("Table has %d entries, expected 5", table.Len())
	}
	if n := table.Sweep(epoch); n != 0 {
		t.Fatalf("Swept %d unexpired entries", n)
	}
}

func TestConcurrentReserveInstallsOnce(t *testing.T) {
	table := NewTable(100)
	var wg sync.WaitGroup
	var mu sync.Mutex
	installed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if table.Reserve("k", epoch, time.Second).Installed {
				mu.Lock()
				installed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if installed != 1 {
		t.Fatalf("Installed %d entries, expected 1", installed)
	}
}
