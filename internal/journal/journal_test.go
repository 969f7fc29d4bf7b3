package journal

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func openJournal(t *testing.T, config Config) *Journal {
	t.Helper()
	j, err := Open(config)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	t.Cleanup(func() {
		_ = j.Close()
	})
	return j
}

func TestJournal_RecordAndRecent(t *testing.T) {
	j := openJournal(t, Config{})
	now := time.Now().Truncate(time.Microsecond)

	j.Record(Record{Time: now, Key: "k1", Method: "GET", URL: "http://dev.localhost/api/a", Outcome: "stored", Status: 200, Duration: 3 * time.Millisecond})
	j.Record(Record{Time: now.Add(time.Second), Key: "k1", Method: "GET", URL: "http://dev.localhost/api/a", Outcome: "hit", Status: 200})
	j.Record(Record{Time: now.Add(2 * time.Second), Method: "DELETE", URL: "http://dev.localhost/api/a", Outcome: "error", Error: "connection refused"})

	if err := j.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	records, err := j.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Outcome != "error" || records[0].Error != "connection refused" || records[0].Key != "" {
		t.Fatalf("unexpected newest record: %+v", records[0])
	}
	if records[2].Outcome != "stored" || records[2].Duration != 3*time.Millisecond {
		t.Fatalf("unexpected oldest record: %+v", records[2])
	}
	if !records[2].Time.Equal(now) {
		t.Fatalf("time round trip: got %v, want %v", records[2].Time, now)
	}
}

func TestJournal_TrimsToLimit(t *testing.T) {
	j := openJournal(t, Config{Limit: 5, Buffer: 64})
	for i := 0; i < 12; i++ {
		j.Record(Record{Method: "GET", URL: fmt.Sprintf("http://dev.localhost/api/%d", i), Outcome: "miss"})
	}
	if err := j.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	records, err := j.Recent(context.Background(), 0)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 5 {
		t.Fatalf("expected 5 records, got %d", len(records))
	}
	if records[0].URL != "http://dev.localhost/api/11" {
		t.Fatalf("newest record is %s", records[0].URL)
	}
}

func TestJournal_SeparateDatabases(t *testing.T) {
	a := openJournal(t, Config{})
	b := openJournal(t, Config{})
	a.Record(Record{Method: "GET", URL: "http://dev.localhost/api", Outcome: "hit"})
	if err := a.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	records, err := b.Recent(context.Background(), 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("journals share a database")
	}
}

func TestJournal_RecordAfterClose(t *testing.T) {
	j, err := Open(Config{})
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	j.Record(Record{Method: "GET", URL: "http://dev.localhost/api", Outcome: "hit"})
	if err := j.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	var nilJournal *Journal
	nilJournal.Record(Record{})
}
