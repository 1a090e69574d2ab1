package engine

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/SYSNET-LUMS/urlmeter/internal/domain"
	"github.com/SYSNET-LUMS/urlmeter/internal/ledger"
	"github.com/SYSNET-LUMS/urlmeter/internal/monitoring"
	"github.com/SYSNET-LUMS/urlmeter/internal/retry"
)

// fakeFetcher replays scripted outcomes per URL and records call order and
// peak concurrency.
type fakeFetcher struct {
	mu      sync.Mutex
	scripts map[string][]domain.FetchOutcome
	calls   map[string]int
	order   []string

	delay    time.Duration
	inFlight atomic.Int64
	maxSeen  atomic.Int64
	total    atomic.Int64
}

func newFakeFetcher(scripts map[string][]domain.FetchOutcome) *fakeFetcher {
	return &fakeFetcher{scripts: scripts, calls: make(map[string]int)}
}

func (f *fakeFetcher) Fetch(_ context.Context, url string) domain.FetchOutcome {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxSeen.Load()
		if cur <= max || f.maxSeen.CompareAndSwap(max, cur) {
			break
		}
	}
	f.total.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, url)
	n := f.calls[url]
	f.calls[url] = n + 1
	script := f.scripts[url]
	if len(script) == 0 {
		return domain.FetchOutcome{StatusCode: 200, Bytes: 1}
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n]
}

func newTestEngine(t *testing.T, opts Options, f *fakeFetcher, led ledger.Ledger, completed map[domain.Pair]struct{}) *Engine {
	t.Helper()
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	return New(opts, f, led, nil, metrics, zap.NewNop(), completed)
}

func openTestLedger(t *testing.T, path string) *ledger.CSVLedger {
	t.Helper()
	l, err := ledger.OpenCSV(path)
	if err != nil {
		t.Fatalf("OpenCSV: %v", err)
	}
	return l
}

// readRows returns the ledger's data rows as column maps.
func readRows(t *testing.T, path string) []map[string]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer f.Close()
	all, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if len(all) == 0 {
		t.Fatal("ledger has no header")
	}
	header := all[0]
	rows := make([]map[string]string, 0, len(all)-1)
	for _, raw := range all[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(raw) {
				row[col] = raw[i]
			}
		}
		rows = append(rows, row)
	}
	return rows
}

func TestEngine_EndToEndScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	led := openTestLedger(t, path)
	defer led.Close()

	fetcher := newFakeFetcher(map[string][]domain.FetchOutcome{
		"https://a.test": {{StatusCode: 200, Bytes: 1000}},
		"https://b.test": {
			{StatusCode: 429, Headers: map[string]string{"retry-after": "1"}},
			{StatusCode: 200, Bytes: 500},
		},
		"https://c.test": {{Err: "timeout"}},
	})

	groups := []domain.Group{
		{ID: "g1", Items: []domain.WorkItem{
			{GroupID: "g1", URL: "https://a.test", Attempt: 1},
			{GroupID: "g1", URL: "https://b.test", Attempt: 1},
		}},
		{ID: "g2", Items: []domain.WorkItem{
			{GroupID: "g2", URL: "https://c.test", Attempt: 1},
		}},
	}

	e := newTestEngine(t, Options{
		Concurrency: 2,
		Limits:      retry.Limits{Max429: 5, Max403: 3},
	}, fetcher, led, nil)

	if err := e.Run(context.Background(), groups); err != nil {
		t.Fatalf("Run: %v", err)
	}

	rows := readRows(t, path)

	finals := make(map[string][]map[string]string)
	for _, row := range rows {
		if row["final"] == "true" {
			key := row["group_id"] + "|" + row["url"]
			finals[key] = append(finals[key], row)
		}
	}
	for _, key := range []string{"g1|https://a.test", "g1|https://b.test", "g2|https://c.test"} {
		if len(finals[key]) != 1 {
			t.Fatalf("pair %s has %d final rows, want exactly 1", key, len(finals[key]))
		}
	}

	// b needed two attempts: one non-final 429 row, one final 200 row.
	var bRows []map[string]string
	for _, row := range rows {
		if row["url"] == "https://b.test" {
			bRows = append(bRows, row)
		}
	}
	if len(bRows) != 2 {
		t.Fatalf("b has %d rows, want 2", len(bRows))
	}
	if bRows[0]["final"] != "false" || bRows[0]["http_status"] != "429" {
		t.Fatalf("b first attempt row = %v", bRows[0])
	}
	if bRows[1]["final"] != "true" || bRows[1]["http_status"] != "200" || bRows[1]["attempt"] != "2" {
		t.Fatalf("b second attempt row = %v", bRows[1])
	}

	// c failed structurally: no retry, error note carried.
	cRow := finals["g2|https://c.test"][0]
	if fetcher.calls["https://c.test"] != 1 {
		t.Fatalf("c fetched %d times, want 1", fetcher.calls["https://c.test"])
	}
	if cRow["note"] != "timeout" || cRow["http_status"] != "" {
		t.Fatalf("c final row = %v", cRow)
	}

	if got := e.Counters().Completed.Load(); got != 3 {
		t.Fatalf("completed counter = %d, want 3", got)
	}
	if got := e.Counters().Pending.Load(); got != 0 {
		t.Fatalf("pending counter = %d, want 0", got)
	}
}

func TestEngine_ResumeSkipsCompletedPairs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")

	groups := []domain.Group{
		{ID: "g1", Items: []domain.WorkItem{
			{GroupID: "g1", URL: "https://a.test", Attempt: 1},
			{GroupID: "g1", URL: "https://b.test", Attempt: 1},
		}},
	}

	led := openTestLedger(t, path)
	fetcher := newFakeFetcher(map[string][]domain.FetchOutcome{})
	e := newTestEngine(t, Options{Concurrency: 2, Limits: retry.Limits{Max429: 5, Max403: 3}}, fetcher, led, nil)
	if err := e.Run(context.Background(), groups); err != nil {
		t.Fatalf("first run: %v", err)
	}
	led.Close()

	// Second run against the same ledger: zero fetches, zero new rows.
	led2 := openTestLedger(t, path)
	defer led2.Close()
	completed, err := led2.Completed(context.Background())
	if err != nil {
		t.Fatalf("Completed: %v", err)
	}
	fetcher2 := newFakeFetcher(map[string][]domain.FetchOutcome{})
	e2 := newTestEngine(t, Options{Concurrency: 2, Limits: retry.Limits{Max429: 5, Max403: 3}}, fetcher2, led2, completed)
	if err := e2.Run(context.Background(), groups); err != nil {
		t.Fatalf("second run: %v", err)
	}

	if n := fetcher2.total.Load(); n != 0 {
		t.Fatalf("resumed run performed %d fetches, want 0", n)
	}
	if got := e2.Counters().Total.Load(); got != 0 {
		t.Fatalf("resumed run total = %d, want 0", got)
	}
	if rows := readRows(t, path); len(rows) != 2 {
		t.Fatalf("resumed run appended rows: %d total, want 2", len(rows))
	}
}

func TestEngine_ConcurrencyNeverExceedsSlots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	led := openTestLedger(t, path)
	defer led.Close()

	var items []domain.WorkItem
	scripts := make(map[string][]domain.FetchOutcome)
	for i := 0; i < 40; i++ {
		url := fmt.Sprintf("https://site-%02d.test", i)
		items = append(items, domain.WorkItem{GroupID: "g", URL: url, Attempt: 1})
		scripts[url] = []domain.FetchOutcome{{StatusCode: 200, Bytes: 10}}
	}
	fetcher := newFakeFetcher(scripts)
	fetcher.delay = 5 * time.Millisecond

	const slots = 4
	e := newTestEngine(t, Options{Concurrency: slots, Limits: retry.Limits{Max429: 5, Max403: 3}},
		fetcher, led, nil)
	if err := e.Run(context.Background(), []domain.Group{{ID: "g", Items: items}}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if peak := fetcher.maxSeen.Load(); peak > slots {
		t.Fatalf("peak concurrency %d exceeded %d slots", peak, slots)
	}
	if rows := readRows(t, path); len(rows) != 40 {
		t.Fatalf("row count = %d, want 40", len(rows))
	}
}

func TestEngine_ChunkedWavesDoNotInterleaveGroups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	led := openTestLedger(t, path)
	defer led.Close()

	groupOf := make(map[string]string)
	var groups []domain.Group
	for g := 0; g < 3; g++ {
		id := fmt.Sprintf("group-%d", g)
		var items []domain.WorkItem
		for i := 0; i < 4; i++ {
			url := fmt.Sprintf("https://%s.test/page-%d", id, i)
			items = append(items, domain.WorkItem{GroupID: id, URL: url, Attempt: 1})
			groupOf[url] = id
		}
		groups = append(groups, domain.Group{ID: id, Items: items})
	}

	fetcher := newFakeFetcher(map[string][]domain.FetchOutcome{})
	fetcher.delay = 2 * time.Millisecond

	// One group per wave: fetch order must never return to an earlier group.
	e := newTestEngine(t, Options{
		Concurrency: 2,
		Limits:      retry.Limits{Max429: 5, Max403: 3},
		Chunking:    true,
		NumChunks:   3,
	}, fetcher, led, nil)
	if err := e.Run(context.Background(), groups); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seen := make(map[string]bool)
	current := ""
	for _, url := range fetcher.order {
		g := groupOf[url]
		if g != current {
			if seen[g] {
				t.Fatalf("group %s resumed after a later wave started: order %v", g, fetcher.order)
			}
			seen[g] = true
			current = g
		}
	}
	if len(seen) != 3 {
		t.Fatalf("%d groups fetched, want 3", len(seen))
	}
	if rows := readRows(t, path); len(rows) != 12 {
		t.Fatalf("row count = %d, want 12", len(rows))
	}
}

func TestEngine_RetryKeepsWaveOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	led := openTestLedger(t, path)
	defer led.Close()

	fetcher := newFakeFetcher(map[string][]domain.FetchOutcome{
		"https://limited.test": {
			{StatusCode: 429, Headers: map[string]string{"retry-after": "0"}},
			{StatusCode: 200, Bytes: 7},
		},
	})

	groups := []domain.Group{
		{ID: "g1", Items: []domain.WorkItem{{GroupID: "g1", URL: "https://limited.test", Attempt: 1}}},
		{ID: "g2", Items: []domain.WorkItem{{GroupID: "g2", URL: "https://other.test", Attempt: 1}}},
	}

	e := newTestEngine(t, Options{
		Concurrency: 1,
		Limits:      retry.Limits{Max429: 5, Max403: 3},
		Chunking:    true,
		NumChunks:   2,
	}, fetcher, led, nil)
	if err := e.Run(context.Background(), groups); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The retried pair must be final before the run ends, and its retry must
	// not have leaked into another wave's accounting.
	if fetcher.calls["https://limited.test"] != 2 {
		t.Fatalf("limited.test fetched %d times, want 2", fetcher.calls["https://limited.test"])
	}
	if got := e.Counters().Pending.Load(); got != 0 {
		t.Fatalf("pending = %d at end of run", got)
	}

	finals := 0
	for _, row := range readRows(t, path) {
		if row["final"] == "true" {
			finals++
		}
	}
	if finals != 2 {
		t.Fatalf("final rows = %d, want 2", finals)
	}
}

func TestEngine_CancelStopsNewSubmissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.csv")
	led := openTestLedger(t, path)
	defer led.Close()

	var items []domain.WorkItem
	for i := 0; i < 200; i++ {
		items = append(items, domain.WorkItem{
			GroupID: "g", URL: fmt.Sprintf("https://slow-%03d.test", i), Attempt: 1,
		})
	}
	fetcher := newFakeFetcher(map[string][]domain.FetchOutcome{})
	fetcher.delay = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	e := newTestEngine(t, Options{Concurrency: 2, Limits: retry.Limits{Max429: 5, Max403: 3}},
		fetcher, led, nil)

	go func() {
		time.Sleep(40 * time.Millisecond)
		cancel()
	}()
	err := e.Run(ctx, []domain.Group{{ID: "g", Items: items}})
	if err != context.Canceled {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
	if n := fetcher.total.Load(); n >= 200 {
		t.Fatalf("all %d items fetched despite cancellation", n)
	}
}
