package logistics

import "sync"

type AlertKind string

const (
	AlertNewRequest AlertKind = "new_request"
	AlertNewMission AlertKind = "new_mission"
)

// Alert is a one-shot signal for the presentation layer (tone, toast, badge).
type Alert struct {
	Kind     AlertKind
	SiteID   string
	SiteName string
	// Added is how far the watched count grew since the last observation.
	Added int
}

// CountWatcher is the Uninitialized -> Baseline(n) state machine behind every
// "something new arrived" alert. The first observation only records a
// baseline. After that growth signals, shrinkage silently lowers the baseline
// and an unchanged count does nothing.
type CountWatcher struct {
	// IgnoreEmptyBaseline keeps the watcher uninitialized while it only sees
	// zero, for collections that are empty until their first fetch lands.
	IgnoreEmptyBaseline bool

	initialized bool
	baseline    int
}

// Observe feeds the next count and reports by how much it grew, if at all.
func (w *CountWatcher) Observe(n int) (int, bool) {
	if !w.initialized {
		if n == 0 && w.IgnoreEmptyBaseline {
			return 0, false
		}
		w.initialized = true
		w.baseline = n
		return 0, false
	}
	prev := w.baseline
	w.baseline = n
	if n > prev {
		return n - prev, true
	}
	return 0, false
}

// Baseline returns the last observed count and whether one exists yet.
func (w *CountWatcher) Baseline() (int, bool) {
	return w.baseline, w.initialized
}

func (w *CountWatcher) Reset() {
	w.initialized = false
	w.baseline = 0
}

// MissionWatcher raises AlertNewMission when the site collection grows after
// a non-empty baseline. The newest site is the first in store order.
type MissionWatcher struct {
	onAlert func(Alert)

	mu      sync.Mutex
	counter CountWatcher
	latest  int
	sub     *Subscription
}

func WatchMissions(store *EntityStore, onAlert func(Alert)) *MissionWatcher {
	w := &MissionWatcher{
		onAlert: onAlert,
		counter: CountWatcher{IgnoreEmptyBaseline: true},
	}
	w.observe(store.Sites())
	w.sub = store.SubscribeSites(w.observe)
	return w
}

func (w *MissionWatcher) observe(sites []Site) {
	w.mu.Lock()
	w.latest = len(sites)
	added, grew := w.counter.Observe(len(sites))
	w.mu.Unlock()
	if !grew || w.onAlert == nil || len(sites) == 0 {
		return
	}
	newest := sites[0]
	name := newest.Name
	if name == "" {
		name = "New Site"
	}
	w.onAlert(Alert{Kind: AlertNewMission, SiteID: newest.ID, SiteName: name, Added: added})
}

// HasUnseen reports whether more sites exist than the operator last saw, for
// badge display on first load when no tone is played.
func (w *MissionWatcher) HasUnseen(lastSeen int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest > lastSeen
}

func (w *MissionWatcher) Close() {
	if w.sub != nil {
		w.sub.Close()
	}
}
