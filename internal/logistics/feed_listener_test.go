package logistics

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/agentworkforce/sitesync/internal/remote"
)

func siteEvent(kind remote.EventKind, record remote.Record, fields ...string) remote.Event {
	return remote.Event{Kind: kind, Collection: CollectionSites, Record: record, Fields: fields}
}

func TestApplyInsertIsIdempotent(t *testing.T) {
	store := newTestEntityStore(t, remote.NewMemoryStore())
	listener := newTestListener(t, store, MergeChangedFields)

	ev := siteEvent(remote.EventInsert, remote.Record{"id": "s1", "name": "Depot", "status": "assigned"})
	for i := 0; i < 2; i++ {
		if err := listener.Apply(ev); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	if sites := store.Sites(); len(sites) != 1 || sites[0].Name != "Depot" {
		t.Fatalf("expected a single site, got %+v", sites)
	}
}

func TestApplyUpdateMergesOnlyChangedFields(t *testing.T) {
	mem := remote.NewMemoryStore()
	seed(t, mem, CollectionSites, remote.Record{"id": "s1", "name": "Depot", "status": "assigned"})
	store := newTestEntityStore(t, mem)
	load(t, store)
	listener := newTestListener(t, store, MergeChangedFields)

	if err := store.UpdateSite(context.Background(), "s1", remote.Record{"status": StatusOutboundComplete}); err != nil {
		t.Fatalf("local update failed: %v", err)
	}
	// An admin rename written against a stale copy of the record.
	stale := siteEvent(remote.EventUpdate, remote.Record{"id": "s1", "name": "Depot North", "status": "assigned"}, "name")
	if err := listener.Apply(stale); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	site := mustSite(t, store, "s1")
	if site.Name != "Depot North" || site.Status != StatusOutboundComplete {
		t.Fatalf("expected rename merged over local status, got %+v", site)
	}
}

func TestApplyUpdateReplaceWholeRecord(t *testing.T) {
	mem := remote.NewMemoryStore()
	seed(t, mem, CollectionSites, remote.Record{"id": "s1", "name": "Depot", "status": "assigned"})
	store := newTestEntityStore(t, mem)
	load(t, store)
	listener := newTestListener(t, store, ReplaceWholeRecord)

	if err := store.UpdateSite(context.Background(), "s1", remote.Record{"status": StatusOutboundComplete}); err != nil {
		t.Fatalf("local update failed: %v", err)
	}
	stale := siteEvent(remote.EventUpdate, remote.Record{"id": "s1", "name": "Depot North", "status": "assigned"}, "name")
	if err := listener.Apply(stale); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if site := mustSite(t, store, "s1"); site.Status != StatusAssigned {
		t.Fatalf("expected whole-record replacement, got %+v", site)
	}
}

func TestApplyUpdateWithoutFieldsReplaces(t *testing.T) {
	mem := remote.NewMemoryStore()
	seed(t, mem, CollectionSites, remote.Record{"id": "s1", "name": "Depot", "address": "Dock St"})
	store := newTestEntityStore(t, mem)
	load(t, store)
	listener := newTestListener(t, store, MergeChangedFields)

	if err := listener.Apply(siteEvent(remote.EventUpdate, remote.Record{"id": "s1", "name": "Depot"})); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	if site := mustSite(t, store, "s1"); site.Address != "" {
		t.Fatalf("expected address dropped by replacement, got %+v", site)
	}
}

func TestApplyUpdateUnknownIDInsertsAtFront(t *testing.T) {
	mem := remote.NewMemoryStore()
	seed(t, mem, CollectionSites, remote.Record{"id": "s1", "name": "Depot"})
	store := newTestEntityStore(t, mem)
	load(t, store)
	listener := newTestListener(t, store, MergeChangedFields)

	if err := listener.Apply(siteEvent(remote.EventUpdate, remote.Record{"id": "s2", "name": "Yard"}, "name")); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	sites := store.Sites()
	if len(sites) != 2 || sites[0].ID != "s2" {
		t.Fatalf("expected s2 first, got %+v", sites)
	}
}

func TestApplyUpdateReplayEqualsSingleApply(t *testing.T) {
	mem := remote.NewMemoryStore()
	seed(t, mem, CollectionSites, remote.Record{"id": "s1", "name": "Depot", "products": productRecords(ProductItem{Name: "Rice", Count: 10})})
	once := newTestEntityStore(t, mem)
	twice := newTestEntityStore(t, mem)
	load(t, once)
	load(t, twice)

	ev := siteEvent(remote.EventUpdate, remote.Record{
		"id":       "s1",
		"name":     "Depot",
		"products": productRecords(ProductItem{Name: "Rice", Count: 12}, ProductItem{Name: "Sugar", Count: 3, IsAdminAdded: true}),
	}, "products")

	if err := newTestListener(t, once, MergeChangedFields).Apply(ev); err != nil {
		t.Fatalf("apply failed: %v", err)
	}
	replay := newTestListener(t, twice, MergeChangedFields)
	for i := 0; i < 2; i++ {
		if err := replay.Apply(ev); err != nil {
			t.Fatalf("apply failed: %v", err)
		}
	}
	if !reflect.DeepEqual(once.Sites(), twice.Sites()) {
		t.Fatalf("replay diverged:\n once=%+v\ntwice=%+v", once.Sites(), twice.Sites())
	}
}

func TestApplyDelete(t *testing.T) {
	mem := remote.NewMemoryStore()
	seed(t, mem, CollectionSites, remote.Record{"id": "s1", "name": "Depot"})
	store := newTestEntityStore(t, mem)
	load(t, store)
	listener := newTestListener(t, store, MergeChangedFields)

	if err := listener.Apply(siteEvent(remote.EventDelete, remote.Record{"id": "missing"})); err != nil {
		t.Fatalf("delete of unknown id should be a no-op, got %v", err)
	}
	if len(store.Sites()) != 1 {
		t.Fatalf("unknown delete changed the store")
	}
	if err := listener.Apply(siteEvent(remote.EventDelete, remote.Record{"id": "s1"})); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if len(store.Sites()) != 0 {
		t.Fatalf("expected site removed")
	}
}

func TestApplyRejectsInvalidRecords(t *testing.T) {
	store := newTestEntityStore(t, remote.NewMemoryStore())
	listener := newTestListener(t, store, MergeChangedFields)

	cases := []remote.Event{
		siteEvent(remote.EventInsert, remote.Record{"name": "No id"}),
		siteEvent(remote.EventInsert, remote.Record{"id": "s1", "status": "archived"}),
		siteEvent(remote.EventInsert, remote.Record{"id": "s1", "products": "Rice"}),
		siteEvent(remote.EventInsert, remote.Record{"id": "s1", "products": []any{map[string]any{"count": 1}}}),
	}
	for _, ev := range cases {
		if err := listener.Apply(ev); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput for %+v, got %v", ev.Record, err)
		}
	}
	if len(store.Sites()) != 0 {
		t.Fatalf("invalid records must not be applied")
	}
}

func TestApplyContactsAndSettings(t *testing.T) {
	store := newTestEntityStore(t, remote.NewMemoryStore())
	listener := newTestListener(t, store, MergeChangedFields)

	events := []remote.Event{
		{Kind: remote.EventInsert, Collection: CollectionContacts, Record: remote.Record{"id": "c1", "name": "Asha", "phone": "+919876543210"}},
		{Kind: remote.EventUpdate, Collection: CollectionContacts, Record: remote.Record{"id": "c1", "name": "Asha", "category": "Drivers"}, Fields: []string{"category"}},
		{Kind: remote.EventInsert, Collection: CollectionSettings, Record: remote.Record{"id": SettingTeamPIN, "key": SettingTeamPIN, "value": "2468"}},
	}
	for _, ev := range events {
		if err := listener.Apply(ev); err != nil {
			t.Fatalf("apply %s %s failed: %v", ev.Kind, ev.Collection, err)
		}
	}
	contact, ok := store.Contact("c1")
	if !ok || contact.Phone != "+919876543210" || contact.Category != "Drivers" {
		t.Fatalf("unexpected contact: %+v (%v)", contact, ok)
	}
	if store.TeamPIN() != "2468" {
		t.Fatalf("expected PIN from feed, got %q", store.TeamPIN())
	}

	if err := listener.Apply(remote.Event{Kind: remote.EventDelete, Collection: CollectionSettings, Record: remote.Record{"id": SettingTeamPIN}}); err != nil {
		t.Fatalf("delete setting failed: %v", err)
	}
	if store.TeamPIN() != DefaultTeamPIN {
		t.Fatalf("expected default PIN after delete")
	}
}

func TestStartAppliesRemoteChanges(t *testing.T) {
	mem := remote.NewMemoryStore()
	store := newTestEntityStore(t, mem)
	load(t, store)
	listener := newTestListener(t, store, MergeChangedFields)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := listener.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer listener.Close()

	id, err := store.CreateSite(ctx, NewSite{Name: "Depot"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := store.Site(id)
		return ok
	})

	if _, err := mem.Update(ctx, CollectionSites, id, remote.Record{"name": "Depot North"}); err != nil {
		t.Fatalf("remote update failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		site, ok := store.Site(id)
		return ok && site.Name == "Depot North"
	})

	if err := store.DeleteSite(ctx, id); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := store.Site(id)
		return !ok
	})
}

func TestRunReturnsWhenContextEnds(t *testing.T) {
	store := newTestEntityStore(t, remote.NewMemoryStore())
	listener := newTestListener(t, store, MergeChangedFields)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- listener.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
}

func TestLaggingStreamEndsListenerAndStartResubscribes(t *testing.T) {
	mem := remote.NewMemoryStore()
	store := newTestEntityStore(t, mem)
	load(t, store)
	listener := newTestListener(t, store, MergeChangedFields)

	release := make(chan struct{})
	sub := store.SubscribeSites(func([]Site) { <-release })
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := listener.Start(ctx); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer listener.Close()
	firstRun := listener.Done()

	for i := 0; i < 300; i++ {
		if _, err := mem.Insert(ctx, CollectionSites, remote.Record{"name": "Depot"}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
	}
	close(release)

	select {
	case <-firstRun:
	case <-time.After(2 * time.Second):
		t.Fatalf("listener kept running after its stream lagged")
	}
	if err := listener.Err(); !errors.Is(err, remote.ErrLagging) {
		t.Fatalf("expected ErrLagging, got %v", err)
	}

	load(t, store)
	if got := len(store.Sites()); got != 300 {
		t.Fatalf("expected reload to recover all 300 sites, got %d", got)
	}
	if err := listener.Start(ctx); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	if listener.Done() == firstRun {
		t.Fatalf("expected a new run after restart")
	}
	id, err := store.CreateSite(ctx, NewSite{Name: "After Resync"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		_, ok := store.Site(id)
		return ok
	})
}
