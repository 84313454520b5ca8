package logistics

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/agentworkforce/sitesync/internal/remote"
	"github.com/sirupsen/logrus"
)

// Phase is the operator screen a session edits: loading goods out to the
// site, or counting them back in.
type Phase string

const (
	PhaseOutbound Phase = "outbound"
	PhaseInbound  Phase = "inbound"
)

func (p Phase) Valid() bool {
	return p == PhaseOutbound || p == PhaseInbound
}

type SessionOptions struct {
	// OnAlert receives AlertNewRequest when items are added to the site
	// remotely while the session is open. It runs on the goroutine that
	// applied the change.
	OnAlert func(Alert)
	Logger  logrus.FieldLogger
}

// Session binds one operator's buffer to one site. Remote product changes
// are absorbed without losing the operator's collected and returned counts.
type Session struct {
	store   *EntityStore
	siteID  string
	phase   Phase
	onAlert func(Alert)
	logger  logrus.FieldLogger

	mu         sync.Mutex
	buffer     *Buffer
	lastRemote []ProductItem
	absorbed   bool
	requests   CountWatcher
	closed     bool
	sub        *Subscription
}

func NewSession(store *EntityStore, siteID string, phase Phase, opts SessionOptions) (*Session, error) {
	if store == nil {
		return nil, fmt.Errorf("entity store is required")
	}
	if !phase.Valid() {
		return nil, fmt.Errorf("%w: unknown phase %q", ErrInvalidInput, phase)
	}
	if _, ok := store.Site(siteID); !ok {
		return nil, fmt.Errorf("%w: site %s", ErrNotFound, siteID)
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	s := &Session{
		store:   store,
		siteID:  siteID,
		phase:   phase,
		onAlert: opts.OnAlert,
		logger: opts.Logger.WithFields(logrus.Fields{
			"component": "session",
			"site":      siteID,
			"phase":     string(phase),
		}),
		buffer: NewBuffer(nil),
	}
	sub := store.SubscribeSite(siteID, s.onSite)
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()
	if site, ok := store.Site(siteID); ok {
		s.onSite(site, true)
	}
	return s, nil
}

func (s *Session) SiteID() string { return s.siteID }

func (s *Session) Phase() Phase { return s.phase }

func (s *Session) onSite(site Site, exists bool) {
	if !exists {
		s.logger.Warn("site removed while session open")
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.absorbed && reflect.DeepEqual(site.Products, s.lastRemote) {
		s.mu.Unlock()
		return
	}
	s.absorbed = true
	s.lastRemote = append([]ProductItem(nil), site.Products...)
	items := s.buffer.Absorb(site.Products)
	added, grew := s.requests.Observe(CountAdminAdded(items))
	onAlert := s.onAlert
	s.mu.Unlock()

	if grew {
		s.logger.WithField("added", added).Info("new items requested for site")
		if onAlert != nil {
			onAlert(Alert{Kind: AlertNewRequest, SiteID: site.ID, SiteName: site.Name, Added: added})
		}
	}
}

// SetCollected records the operator's collected count for an item. It
// reports whether the item exists in the buffer.
func (s *Session) SetCollected(name, raw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.SetCollected(name, raw)
}

func (s *Session) SetReturned(name, raw string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.SetReturned(name, raw)
}

func (s *Session) AddLocalItem(name, rawCount string) (ProductItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.AddLocalItem(name, rawCount)
}

func (s *Session) Items() []ProductItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffer.Items()
}

// Gaps maps item names to collected minus returned.
func (s *Session) Gaps() map[string]int {
	items := s.Items()
	out := make(map[string]int, len(items))
	for _, item := range items {
		if _, seen := out[item.Name]; !seen {
			out[item.Name] = item.Gap()
		}
	}
	return out
}

// Commit writes the buffer for the session's phase.
func (s *Session) Commit(ctx context.Context) error {
	switch s.phase {
	case PhaseInbound:
		return s.CommitInbound(ctx)
	default:
		return s.CommitOutbound(ctx)
	}
}

// CommitOutbound persists the buffer and moves the site to at least
// outbound_complete. A site that is already completed keeps its status.
func (s *Session) CommitOutbound(ctx context.Context) error {
	return s.commit(ctx, func(current Status) (Status, error) {
		return Advance(current, StatusOutboundComplete), nil
	})
}

// CommitInbound persists the buffer and completes the site. The outbound
// leg must have been committed first.
func (s *Session) CommitInbound(ctx context.Context) error {
	return s.commit(ctx, func(current Status) (Status, error) {
		if current.Rank() < StatusOutboundComplete.Rank() {
			return "", fmt.Errorf("%w: site is %s, inbound needs %s", ErrInvalidTransition, statusOrAssigned(current), StatusOutboundComplete)
		}
		return Advance(current, StatusCompleted), nil
	})
}

func (s *Session) commit(ctx context.Context, next func(Status) (Status, error)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("%w: session closed", ErrInvalidState)
	}
	items := s.buffer.Items()
	s.mu.Unlock()

	site, ok := s.store.Site(s.siteID)
	if !ok {
		return fmt.Errorf("%w: site %s", ErrNotFound, s.siteID)
	}
	previous := site.Status
	target, err := next(previous)
	if err != nil {
		return err
	}
	if items == nil {
		items = []ProductItem{}
	}
	err = s.store.UpdateSite(ctx, s.siteID, remote.Record{
		"products": items,
		"status":   target,
	})
	if err == nil {
		s.logger.WithField("status", string(target)).Info("committed site")
		return nil
	}
	if errors.Is(err, ErrRemoteWrite) {
		if restoreErr := s.store.restoreSiteStatus(s.siteID, previous, target); restoreErr != nil {
			s.logger.WithError(restoreErr).Warn("restoring site status failed")
		}
	}
	return err
}

// Close unsubscribes. Changes applied after Close are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	sub := s.sub
	s.mu.Unlock()
	sub.Close()
}

func statusOrAssigned(status Status) Status {
	if status == "" {
		return StatusAssigned
	}
	return status
}
