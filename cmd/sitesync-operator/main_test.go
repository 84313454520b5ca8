package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/sitesync/internal/logistics"
	"github.com/agentworkforce/sitesync/internal/remote"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("SITESYNC_TEST_FLOAT", "0.35")
	if got := floatEnv("SITESYNC_TEST_FLOAT", 0.2); got != 0.35 {
		t.Fatalf("expected 0.35, got %v", got)
	}
}

func TestFloatEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("SITESYNC_TEST_FLOAT_BAD", "abc")
	if got := floatEnv("SITESYNC_TEST_FLOAT_BAD", 0.2); got != 0.2 {
		t.Fatalf("expected fallback 0.2, got %v", got)
	}
}

func TestDurationEnvParsesValue(t *testing.T) {
	t.Setenv("SITESYNC_TEST_RETRY", "750ms")
	if got := durationEnv("SITESYNC_TEST_RETRY", time.Second); got != 750*time.Millisecond {
		t.Fatalf("expected 750ms, got %s", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-1); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
	if got := clampJitterRatio(0.4); got != 0.4 {
		t.Fatalf("expected 0.4, got %v", got)
	}
	if got := clampJitterRatio(3); got != 1 {
		t.Fatalf("expected 1, got %v", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("expected 8s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0.5); got != 10*time.Second {
		t.Fatalf("expected 10s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("expected 12s, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0, 0.9); got != base {
		t.Fatalf("expected base interval without jitter, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 0.5); got != time.Second {
		t.Fatalf("expected 1s for non-positive base, got %s", got)
	}
}

func TestParseCommandKeepsMultiWordItemNames(t *testing.T) {
	cmd, ok := parseCommand("  COLLECT Folding Chairs  12 ")
	if !ok {
		t.Fatalf("expected command to parse")
	}
	if cmd.verb != "collect" {
		t.Fatalf("expected lower-cased verb, got %q", cmd.verb)
	}
	name, qty, err := cmd.nameAndQuantity()
	if err != nil {
		t.Fatalf("nameAndQuantity failed: %v", err)
	}
	if name != "Folding Chairs" || qty != "12" {
		t.Fatalf("unexpected name/quantity: %q %q", name, qty)
	}

	if _, ok := parseCommand("   "); ok {
		t.Fatalf("expected blank line to be ignored")
	}
	short, _ := parseCommand("collect 5")
	if _, _, err := short.nameAndQuantity(); !errors.Is(err, logistics.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing name, got %v", err)
	}
}

type scriptedLoader struct {
	failures int
	calls    int
	degraded error
}

func (l *scriptedLoader) Load(context.Context) error {
	l.calls++
	if l.calls <= l.failures {
		l.degraded = errors.New("connection refused")
		return l.degraded
	}
	l.degraded = nil
	return nil
}

func (l *scriptedLoader) Degraded() error { return l.degraded }

type scriptedFeed struct {
	failures int
	calls    int
}

func (f *scriptedFeed) Start(context.Context) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("websocket dial failed")
	}
	return nil
}

func TestConnectUntilReadyRetriesWhileDegraded(t *testing.T) {
	loader := &scriptedLoader{failures: 2}
	feed := &scriptedFeed{}
	waits := 0
	next := func() time.Duration {
		waits++
		return time.Millisecond
	}
	if err := connectUntilReady(context.Background(), feed, loader, next, quietLogger()); err != nil {
		t.Fatalf("connectUntilReady failed: %v", err)
	}
	if loader.calls != 3 || waits != 2 {
		t.Fatalf("expected 3 loads and 2 waits, got %d loads and %d waits", loader.calls, waits)
	}
}

func TestConnectUntilReadySubscribesBeforeLoading(t *testing.T) {
	loader := &scriptedLoader{}
	feed := &scriptedFeed{failures: 2}
	next := func() time.Duration { return time.Millisecond }
	if err := connectUntilReady(context.Background(), feed, loader, next, quietLogger()); err != nil {
		t.Fatalf("connectUntilReady failed: %v", err)
	}
	if feed.calls != 3 || loader.calls != 1 {
		t.Fatalf("expected load only after a successful subscribe, got %d starts and %d loads", feed.calls, loader.calls)
	}
}

func TestConnectUntilReadyStopsOnCancel(t *testing.T) {
	loader := &scriptedLoader{failures: 1000}
	ctx, cancel := context.WithCancel(context.Background())
	next := func() time.Duration {
		cancel()
		return time.Hour
	}
	if err := connectUntilReady(ctx, &scriptedFeed{}, loader, next, quietLogger()); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

// lateWriteStore commits one more site right after the first site fetch has
// taken its snapshot.
type lateWriteStore struct {
	*remote.MemoryStore
	once sync.Once
}

func (s *lateWriteStore) Select(ctx context.Context, collection string, q remote.Query) ([]remote.Record, error) {
	records, err := s.MemoryStore.Select(ctx, collection, q)
	if collection == logistics.CollectionSites {
		s.once.Do(func() {
			_, _ = s.MemoryStore.Insert(ctx, collection, remote.Record{"id": "site-late", "name": "Late Mission", "status": "assigned"})
		})
	}
	return records, err
}

func TestConnectKeepsWriteCommittedAfterFetch(t *testing.T) {
	backing := &lateWriteStore{MemoryStore: remote.NewMemoryStore()}
	store, err := logistics.NewEntityStore(backing, logistics.EntityStoreOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewEntityStore failed: %v", err)
	}
	listener, err := logistics.NewFeedListener(store, logistics.FeedListenerOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewFeedListener failed: %v", err)
	}
	defer listener.Close()

	next := func() time.Duration { return time.Millisecond }
	if err := connectUntilReady(context.Background(), listener, store, next, quietLogger()); err != nil {
		t.Fatalf("connectUntilReady failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := store.Site("site-late")
		return ok
	})
}

func TestKeepSyncedResubscribesAfterFeedBreaks(t *testing.T) {
	mem := remote.NewMemoryStore()
	store, err := logistics.NewEntityStore(mem, logistics.EntityStoreOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewEntityStore failed: %v", err)
	}
	listener, err := logistics.NewFeedListener(store, logistics.FeedListenerOptions{
		Logger:      quietLogger(),
		Collections: []string{logistics.CollectionSites},
	})
	if err != nil {
		t.Fatalf("NewFeedListener failed: %v", err)
	}
	defer listener.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	next := func() time.Duration { return time.Millisecond }
	if err := connectUntilReady(ctx, listener, store, next, quietLogger()); err != nil {
		t.Fatalf("connectUntilReady failed: %v", err)
	}
	go keepSynced(ctx, listener, store, next, quietLogger())

	release := make(chan struct{})
	sub := store.SubscribeSites(func([]logistics.Site) { <-release })
	defer sub.Close()
	for i := 0; i < 300; i++ {
		if _, err := mem.Insert(ctx, logistics.CollectionSites, remote.Record{"name": "Depot"}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	close(release)

	waitFor(t, 2*time.Second, func() bool { return len(store.Sites()) == 300 })
	if _, err := mem.Insert(ctx, logistics.CollectionSites, remote.Record{"id": "after", "name": "After Resync"}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := store.Site("after")
		return ok
	})
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func newTestOperator(t *testing.T) (*operator, *logistics.EntityStore, *bytes.Buffer) {
	t.Helper()
	mem := remote.NewMemoryStore()
	ctx := context.Background()
	_, err := mem.Insert(ctx, logistics.CollectionSites, remote.Record{
		"id":         "site-1",
		"name":       "Riverside Hall",
		"status":     "assigned",
		"created_at": "2024-03-01T09:30:00.000Z",
		"products": []any{
			map[string]any{"name": "Folding Chairs", "count": 40},
			map[string]any{"name": "Tables", "count": "6"},
		},
	})
	if err != nil {
		t.Fatalf("seed site: %v", err)
	}
	store, err := logistics.NewEntityStore(mem, logistics.EntityStoreOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewEntityStore failed: %v", err)
	}
	listener, err := logistics.NewFeedListener(store, logistics.FeedListenerOptions{Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewFeedListener failed: %v", err)
	}
	t.Cleanup(listener.Close)
	next := func() time.Duration { return time.Millisecond }
	if err := connectUntilReady(ctx, listener, store, next, quietLogger()); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	out := &bytes.Buffer{}
	op := newOperator(store, &lockedBuffer{buf: out}, quietLogger(), filepath.Join(t.TempDir(), "operator.json"))
	t.Cleanup(op.shutdown)
	return op, store, out
}

// lockedBuffer lets feed callbacks and the test write output concurrently.
type lockedBuffer struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func run(t *testing.T, op *operator, line string) {
	t.Helper()
	if _, err := op.handle(context.Background(), line); err != nil {
		t.Fatalf("%q failed: %v", line, err)
	}
}

func TestOperatorOutboundThenInbound(t *testing.T) {
	op, store, out := newTestOperator(t)

	run(t, op, "sites")
	if !strings.Contains(out.String(), "* site-1") {
		t.Fatalf("expected selectable marker in site list, got %q", out.String())
	}

	run(t, op, "open site-1")
	run(t, op, "collect Folding Chairs 38")
	run(t, op, "add Extension Cord 2")
	run(t, op, "commit")

	site, _ := store.Site("site-1")
	if site.Status != logistics.StatusOutboundComplete {
		t.Fatalf("expected outbound_complete, got %q", site.Status)
	}
	if len(site.Products) != 3 || site.Products[0].Collected != 38 {
		t.Fatalf("unexpected committed products: %+v", site.Products)
	}

	run(t, op, "open site-1")
	if op.current().Phase() != logistics.PhaseInbound {
		t.Fatalf("expected inbound phase from site status, got %s", op.current().Phase())
	}
	run(t, op, "return Folding Chairs 36")
	out.Reset()
	run(t, op, "gaps")
	if want := fmt.Sprintf("%-24s %d\n", "Folding Chairs", 2); !strings.Contains(out.String(), want) {
		t.Fatalf("expected chairs gap of 2, got %q", out.String())
	}
	run(t, op, "commit")

	site, _ = store.Site("site-1")
	if site.Status != logistics.StatusCompleted {
		t.Fatalf("expected completed, got %q", site.Status)
	}
	if op.current() != nil {
		t.Fatalf("expected inbound commit to close the session")
	}
}

func TestOperatorCommandErrors(t *testing.T) {
	op, _, _ := newTestOperator(t)

	if _, err := op.handle(context.Background(), "collect Tables 3"); !errors.Is(err, logistics.ErrInvalidState) {
		t.Fatalf("expected invalid state without open site, got %v", err)
	}
	if _, err := op.handle(context.Background(), "open missing"); !errors.Is(err, logistics.ErrNotFound) {
		t.Fatalf("expected not found for unknown site, got %v", err)
	}
	run(t, op, "open site-1 outbound")
	if _, err := op.handle(context.Background(), "collect Lamps 3"); !errors.Is(err, logistics.ErrNotFound) {
		t.Fatalf("expected not found for unknown item, got %v", err)
	}
	if _, err := op.handle(context.Background(), "dance"); !errors.Is(err, logistics.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown command, got %v", err)
	}
	if _, err := op.handle(context.Background(), "open site-1 sideways"); !errors.Is(err, logistics.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown phase, got %v", err)
	}
	quit, err := op.handle(context.Background(), "quit")
	if err != nil || !quit {
		t.Fatalf("expected quit, got %v %v", quit, err)
	}
}

func TestOperatorTeamCommandsNeedPIN(t *testing.T) {
	op, store, _ := newTestOperator(t)
	ctx := context.Background()

	for _, line := range []string{"team site-1 Asha", "paid site-1 Labour=100", "paidsites", "contacts", "setpin 9999"} {
		if _, err := op.handle(ctx, line); !errors.Is(err, logistics.ErrInvalidState) {
			t.Fatalf("%q: expected locked error, got %v", line, err)
		}
	}
	if _, err := op.handle(ctx, "pin 0000"); !errors.Is(err, logistics.ErrInvalidInput) {
		t.Fatalf("expected wrong pin error, got %v", err)
	}
	run(t, op, "pin "+logistics.DefaultTeamPIN)

	run(t, op, "setpin 4321")
	if store.TeamPIN() != "4321" {
		t.Fatalf("expected pin 4321, got %q", store.TeamPIN())
	}
	run(t, op, "lock")
	if _, err := op.handle(ctx, "team site-1 Asha"); !errors.Is(err, logistics.ErrInvalidState) {
		t.Fatalf("expected lock to guard team commands again, got %v", err)
	}
	if _, err := op.handle(ctx, "pin "+logistics.DefaultTeamPIN); !errors.Is(err, logistics.ErrInvalidInput) {
		t.Fatalf("expected old pin to be rejected, got %v", err)
	}
	run(t, op, "pin 4321")
}

func TestOperatorTeamPaymentAndLocation(t *testing.T) {
	op, store, out := newTestOperator(t)
	run(t, op, "pin "+logistics.DefaultTeamPIN)

	run(t, op, "team site-1 Asha, Ravi Kumar,  ")
	site, _ := store.Site("site-1")
	if len(site.TeamMembers) != 2 || site.TeamMembers[1] != "Ravi Kumar" || site.CompletedAt == "" {
		t.Fatalf("unexpected team completion: %+v", site)
	}
	if _, err := op.handle(context.Background(), "team site-1 Asha"); !errors.Is(err, logistics.ErrInvalidState) {
		t.Fatalf("expected second team entry to be rejected, got %v", err)
	}

	if _, err := op.handle(context.Background(), "paid site-1 Labour"); !errors.Is(err, logistics.ErrInvalidInput) {
		t.Fatalf("expected malformed payment to be rejected, got %v", err)
	}
	run(t, op, "paid site-1 Transport=1200, Labour=800.50")
	out.Reset()
	run(t, op, "paidsites")
	if !strings.Contains(out.String(), "site-1") || !strings.Contains(out.String(), "2000.50") {
		t.Fatalf("expected paid site with total 2000.50, got %q", out.String())
	}

	run(t, op, "locate site-1 12.9716 77.5946")
	site, _ = store.Site("site-1")
	if site.Location != "https://www.google.com/maps?q=12.9716,77.5946" {
		t.Fatalf("unexpected location %q", site.Location)
	}
	if _, err := op.handle(context.Background(), "locate site-1 1 2"); !errors.Is(err, logistics.ErrInvalidState) {
		t.Fatalf("expected first location to win, got %v", err)
	}
	if _, err := op.handle(context.Background(), "locate site-1 north 2"); !errors.Is(err, logistics.ErrInvalidInput) {
		t.Fatalf("expected bad latitude to be rejected, got %v", err)
	}
}

func TestOperatorContacts(t *testing.T) {
	op, store, out := newTestOperator(t)
	run(t, op, "pin "+logistics.DefaultTeamPIN)

	run(t, op, "contact add Drivers 9876543210 Asha Rao")
	run(t, op, "contact add electricians +919876543211 Ravi")
	waitFor(t, 2*time.Second, func() bool { return len(store.Contacts()) == 2 })

	var asha logistics.Contact
	for _, contact := range store.Contacts() {
		if contact.Name == "Asha Rao" {
			asha = contact
		}
	}
	if asha.Phone != "+919876543210" {
		t.Fatalf("expected normalised phone, got %+v", asha)
	}

	waitFor(t, 2*time.Second, func() bool {
		out.Reset()
		run(t, op, "contacts")
		text := out.String()
		return strings.Index(text, "Drivers") >= 0 && strings.Index(text, "Drivers") < strings.Index(text, "electricians")
	})

	run(t, op, "contact move "+asha.ID+" Loaders")
	if got, _ := store.Contact(asha.ID); got.Category != "Loaders" {
		t.Fatalf("expected category Loaders, got %+v", got)
	}
	run(t, op, "contact rm "+asha.ID)
	waitFor(t, 2*time.Second, func() bool {
		_, ok := store.Contact(asha.ID)
		return !ok
	})
	if _, err := op.handle(context.Background(), "contact add Drivers notaphone Someone"); !errors.Is(err, logistics.ErrInvalidInput) {
		t.Fatalf("expected invalid phone to be rejected, got %v", err)
	}
}

func TestOperatorUnseenBadgePersists(t *testing.T) {
	op, store, out := newTestOperator(t)
	missions := logistics.WatchMissions(store, nil)
	defer missions.Close()

	op.announceUnseen(missions)
	if !strings.Contains(out.String(), "new sites since your last visit") {
		t.Fatalf("expected badge for a first visit, got %q", out.String())
	}

	run(t, op, "sites")
	restarted := newOperator(store, io.Discard, quietLogger(), op.statePath)
	defer restarted.shutdown()
	if restarted.state.LastSeenSites != 1 {
		t.Fatalf("expected persisted last-seen count 1, got %d", restarted.state.LastSeenSites)
	}
	badge := &bytes.Buffer{}
	restarted.out = badge
	restarted.announceUnseen(missions)
	if badge.Len() != 0 {
		t.Fatalf("expected no badge once every site was seen, got %q", badge.String())
	}
}

func TestLoadOperatorState(t *testing.T) {
	dir := t.TempDir()
	if state, err := loadOperatorState(filepath.Join(dir, "missing.json")); err != nil || state.LastSeenSites != 0 {
		t.Fatalf("expected empty state for a missing file, got %+v %v", state, err)
	}
	path := filepath.Join(dir, "nested", "state.json")
	if err := saveOperatorState(path, operatorState{LastSeenSites: 4}); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if state, err := loadOperatorState(path); err != nil || state.LastSeenSites != 4 {
		t.Fatalf("expected 4, got %+v %v", state, err)
	}
}

func TestParsePayments(t *testing.T) {
	amounts, err := parsePayments("Transport = 1200 , Labour=800.50,")
	if err != nil {
		t.Fatalf("parsePayments failed: %v", err)
	}
	if len(amounts) != 2 || amounts[0].Name != "Transport" || !amounts[1].Amount.Equal(decimal.RequireFromString("800.5")) {
		t.Fatalf("unexpected amounts: %+v", amounts)
	}
	if _, err := parsePayments(" , "); !errors.Is(err, logistics.ErrInvalidInput) {
		t.Fatalf("expected empty payment list to be rejected, got %v", err)
	}
	if _, err := parsePayments("Labour=lots"); !errors.Is(err, logistics.ErrInvalidInput) {
		t.Fatalf("expected bad amount to be rejected, got %v", err)
	}
}

func TestOperatorPrintsAlerts(t *testing.T) {
	op, _, out := newTestOperator(t)
	op.alert(logistics.Alert{Kind: logistics.AlertNewMission, SiteName: "Dock 4"})
	op.alert(logistics.Alert{Kind: logistics.AlertNewRequest, SiteName: "Dock 4", Added: 2})
	got := out.String()
	if !strings.Contains(got, "new site: Dock 4") || !strings.Contains(got, "2 new item(s) requested for Dock 4") {
		t.Fatalf("unexpected alert output: %q", got)
	}
}
