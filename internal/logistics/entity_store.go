package logistics

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentworkforce/sitesync/internal/remote"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/paulmach/orb"
	"github.com/sirupsen/logrus"
)

const (
	SettingTeamPIN = "team_pin"
	DefaultTeamPIN = "1234"

	defaultPhoneRegion = "IN"
)

type EntityStoreOptions struct {
	Logger      logrus.FieldLogger
	Now         func() time.Time
	PhoneRegion string
	Validate    *validator.Validate
}

// EntityStore is the process-wide view of sites, contacts and settings. It is
// built once at startup and handed to every component that needs it.
//
// Updates apply locally first and are then sent to the remote store; creates
// and deletes are remote only and land locally when the change feed confirms
// them. Every local change, optimistic or feed-driven, goes through
// applySiteLocked/applyContactLocked so readers never observe a half-applied
// record.
type EntityStore struct {
	remote      remote.Store
	logger      logrus.FieldLogger
	now         func() time.Time
	phoneRegion string
	validate    *validator.Validate

	mu       sync.RWMutex
	sites    []Site
	contacts []Contact
	settings map[string]string
	degraded error

	// Feed changes applied while a Load is in flight are queued and replayed
	// on top of the fetched snapshot.
	loading         int
	pendingSites    []siteChange
	pendingContacts []contactChange
	pendingSettings []func(map[string]string)

	watchMu   sync.Mutex
	nextWatch uint64
	watchers  map[uint64]*watcher
}

type watcher struct {
	closed     atomic.Bool
	siteID     string
	onSite     func(Site, bool)
	onSites    func([]Site)
	onContacts func([]Contact)
}

type siteChange struct {
	id string
	fn func(current Site, found bool) (Site, bool, error)
}

type contactChange struct {
	id string
	fn func(current Contact, found bool) (Contact, bool, error)
}

// Subscription is an owned observer registration. Close is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

func NewEntityStore(store remote.Store, opts EntityStoreOptions) (*EntityStore, error) {
	if store == nil {
		return nil, fmt.Errorf("remote store is required")
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if strings.TrimSpace(opts.PhoneRegion) == "" {
		opts.PhoneRegion = defaultPhoneRegion
	}
	if opts.Validate == nil {
		opts.Validate = validator.New()
	}
	return &EntityStore{
		remote:      store,
		logger:      opts.Logger.WithField("component", "entity_store"),
		now:         opts.Now,
		phoneRegion: strings.ToUpper(strings.TrimSpace(opts.PhoneRegion)),
		validate:    opts.Validate,
		settings:    map[string]string{},
		watchers:    map[uint64]*watcher{},
	}, nil
}

func (s *EntityStore) Remote() remote.Store {
	return s.remote
}

// Load fetches sites (newest first), contacts (by category) and settings.
// A failed site fetch leaves the store degraded until a later Load succeeds;
// contact and setting failures are logged and returned but do not degrade.
func (s *EntityStore) Load(ctx context.Context) error {
	s.beginLoad()
	defer s.endLoad()

	siteRecords, err := s.remote.Select(ctx, CollectionSites, remote.Query{OrderBy: "created_at", Desc: true})
	if err != nil {
		failure := &ReadFailure{Collection: CollectionSites, Err: err}
		s.mu.Lock()
		s.degraded = failure
		s.mu.Unlock()
		s.logger.WithError(err).Error("cannot connect: loading sites failed")
		return failure
	}
	sites := make([]Site, 0, len(siteRecords))
	for _, record := range siteRecords {
		site, err := decodeSite(record)
		if err != nil {
			s.logger.WithError(err).WithField("id", record.ID()).Warn("skipping undecodable site")
			continue
		}
		sites = append(sites, site)
	}

	var errs []error
	var contacts []Contact
	contactRecords, contactErr := s.remote.Select(ctx, CollectionContacts, remote.Query{OrderBy: "category"})
	if contactErr != nil {
		s.logger.WithError(contactErr).Warn("loading contacts failed")
		errs = append(errs, &ReadFailure{Collection: CollectionContacts, Err: contactErr})
	} else {
		contacts = make([]Contact, 0, len(contactRecords))
		for _, record := range contactRecords {
			contact, err := decodeContact(record)
			if err != nil {
				s.logger.WithError(err).WithField("id", record.ID()).Warn("skipping undecodable contact")
				continue
			}
			contacts = append(contacts, contact)
		}
	}

	var settings map[string]string
	settingRecords, settingErr := s.remote.Select(ctx, CollectionSettings, remote.Query{})
	if settingErr != nil {
		s.logger.WithError(settingErr).Warn("loading settings failed")
		errs = append(errs, &ReadFailure{Collection: CollectionSettings, Err: settingErr})
	} else {
		settings = make(map[string]string, len(settingRecords))
		for _, record := range settingRecords {
			if key, value, ok := settingFromRecord(record); ok {
				settings[key] = value
			}
		}
	}

	s.mu.Lock()
	s.sites = sites
	for _, change := range s.pendingSites {
		_, _ = s.applySiteLocked(change.id, change.fn)
	}
	if contactErr == nil {
		s.contacts = contacts
		for _, change := range s.pendingContacts {
			_, _ = s.applyContactLocked(change.id, change.fn)
		}
	}
	if settingErr == nil {
		s.settings = settings
		for _, apply := range s.pendingSettings {
			apply(s.settings)
		}
	}
	s.degraded = nil
	s.mu.Unlock()

	s.notifySites("")
	if contactErr == nil {
		s.notifyContacts()
	}
	return errors.Join(errs...)
}

func (s *EntityStore) beginLoad() {
	s.mu.Lock()
	s.loading++
	s.mu.Unlock()
}

func (s *EntityStore) endLoad() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading--
	if s.loading == 0 {
		s.pendingSites = nil
		s.pendingContacts = nil
		s.pendingSettings = nil
	}
}

// Degraded returns the outstanding site read failure, if any.
func (s *EntityStore) Degraded() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *EntityStore) Sites() []Site {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Site, len(s.sites))
	for i, site := range s.sites {
		out[i] = site.clone()
	}
	return out
}

func (s *EntityStore) Site(id string) (Site, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexSite(s.sites, id); i >= 0 {
		return s.sites[i].clone(), true
	}
	return Site{}, false
}

// PaidSites lists sites whose payment has been recorded.
func (s *EntityStore) PaidSites() []Site {
	var out []Site
	for _, site := range s.Sites() {
		if site.Paid() {
			out = append(out, site)
		}
	}
	return out
}

// CreateSite sends a new site to the remote store and returns its id. The
// site appears locally only once the change feed delivers it.
func (s *EntityStore) CreateSite(ctx context.Context, in NewSite) (string, error) {
	in.Name = strings.TrimSpace(in.Name)
	if err := s.validate.Struct(in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	products := in.Products
	if products == nil {
		products = []ProductItem{}
	}
	record := remote.Record{
		"id":         uuid.NewString(),
		"name":       in.Name,
		"status":     StatusAssigned,
		"products":   products,
		"created_at": formatTimestamp(s.now()),
	}
	if in.Date != "" {
		record["date"] = in.Date
	}
	if address := strings.TrimSpace(in.Address); address != "" {
		record["address"] = address
	}
	if in.Location != "" {
		record["location"] = in.Location
	}
	out, err := s.remote.Insert(ctx, CollectionSites, record)
	if err != nil {
		failure := &WriteFailure{Op: "create", Collection: CollectionSites, Err: err}
		s.logger.WithError(err).WithField("name", in.Name).Error("creating site failed")
		return "", failure
	}
	return out.ID(), nil
}

// UpdateSite merges fields into the local copy immediately, then writes them
// remotely. A remote failure is logged and returned but the optimistic local
// state is kept; the next feed event or Load corrects any divergence.
func (s *EntityStore) UpdateSite(ctx context.Context, id string, fields remote.Record) error {
	fields = fields.Clone()
	delete(fields, "id")
	if len(fields) == 0 {
		return nil
	}
	if err := s.applySiteFields(id, fields); err != nil {
		return err
	}
	if _, err := s.remote.Update(ctx, CollectionSites, id, fields); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"id":     id,
			"fields": fields.Keys(),
		}).Error("updating site failed; keeping optimistic local state")
		return &WriteFailure{Op: "update", Collection: CollectionSites, ID: id, Err: err}
	}
	return nil
}

// DeleteSite removes a site remotely. The local copy stays until the feed
// confirms the delete.
func (s *EntityStore) DeleteSite(ctx context.Context, id string) error {
	if err := s.remote.Delete(ctx, CollectionSites, id); err != nil {
		s.logger.WithError(err).WithField("id", id).Error("deleting site failed")
		return &WriteFailure{Op: "delete", Collection: CollectionSites, ID: id, Err: err}
	}
	return nil
}

// CompleteWithTeam records who worked the site. Names are trimmed and blanks
// dropped; at least one must remain. It can be done once per site and does
// not touch status.
func (s *EntityStore) CompleteWithTeam(ctx context.Context, id string, names []string) error {
	members := make([]string, 0, len(names))
	for _, name := range names {
		if name = strings.TrimSpace(name); name != "" {
			members = append(members, name)
		}
	}
	if len(members) == 0 {
		return fmt.Errorf("%w: at least one team member name is required", ErrInvalidInput)
	}
	site, ok := s.Site(id)
	if !ok {
		return fmt.Errorf("%w: site %s", ErrNotFound, id)
	}
	if site.CompletedWithTeam() {
		return fmt.Errorf("%w: site %s already completed with team", ErrInvalidState, id)
	}
	return s.UpdateSite(ctx, id, remote.Record{
		"team_members": members,
		"completed_at": formatTimestamp(s.now()),
	})
}

// MarkPaid records the payment breakdown. Payment is never reversed here.
func (s *EntityStore) MarkPaid(ctx context.Context, id string, amounts []PaymentAmount) error {
	for _, amount := range amounts {
		if err := s.validate.Struct(amount); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if amount.Amount.IsNegative() {
			return fmt.Errorf("%w: negative amount for %s", ErrInvalidInput, amount.Name)
		}
	}
	site, ok := s.Site(id)
	if !ok {
		return fmt.Errorf("%w: site %s", ErrNotFound, id)
	}
	if site.Paid() {
		return fmt.Errorf("%w: site %s already paid", ErrInvalidState, id)
	}
	if amounts == nil {
		amounts = []PaymentAmount{}
	}
	return s.UpdateSite(ctx, id, remote.Record{
		"payment_status":  PaymentStatusPaid,
		"payment_amounts": amounts,
		"paid_at":         formatTimestamp(s.now()),
	})
}

// SetLocation stores the operator's position as a maps link. The first
// location saved for a site wins.
func (s *EntityStore) SetLocation(ctx context.Context, id string, point orb.Point) error {
	if err := ValidatePoint(point); err != nil {
		return err
	}
	site, ok := s.Site(id)
	if !ok {
		return fmt.Errorf("%w: site %s", ErrNotFound, id)
	}
	if site.Location != "" {
		return fmt.Errorf("%w: site %s already has a location", ErrInvalidState, id)
	}
	return s.UpdateSite(ctx, id, remote.Record{"location": MapsLink(point)})
}

func (s *EntityStore) Contacts() []Contact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Contact(nil), s.contacts...)
}

func (s *EntityStore) Contact(id string) (Contact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i := indexContact(s.contacts, id); i >= 0 {
		return s.contacts[i], true
	}
	return Contact{}, false
}

// CreateContact normalises the phone number and sends the contact remotely.
func (s *EntityStore) CreateContact(ctx context.Context, in NewContact) (string, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.TrimSpace(in.Category)
	if err := s.validate.Struct(in); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	phone, err := NormalizePhone(in.Phone, s.phoneRegion)
	if err != nil {
		return "", err
	}
	category := in.Category
	if category == "" {
		category = DefaultContactCategory
	}
	out, err := s.remote.Insert(ctx, CollectionContacts, remote.Record{
		"id":       uuid.NewString(),
		"name":     in.Name,
		"phone":    phone,
		"category": category,
	})
	if err != nil {
		s.logger.WithError(err).WithField("name", in.Name).Error("creating contact failed")
		return "", &WriteFailure{Op: "create", Collection: CollectionContacts, Err: err}
	}
	return out.ID(), nil
}

func (s *EntityStore) UpdateContact(ctx context.Context, id string, fields remote.Record) error {
	fields = fields.Clone()
	delete(fields, "id")
	if len(fields) == 0 {
		return nil
	}
	if raw, ok := fields["phone"].(string); ok {
		phone, err := NormalizePhone(raw, s.phoneRegion)
		if err != nil {
			return err
		}
		fields["phone"] = phone
	}
	if err := s.applyContactFields(id, fields); err != nil {
		return err
	}
	if _, err := s.remote.Update(ctx, CollectionContacts, id, fields); err != nil {
		s.logger.WithError(err).WithField("id", id).Error("updating contact failed; keeping optimistic local state")
		return &WriteFailure{Op: "update", Collection: CollectionContacts, ID: id, Err: err}
	}
	return nil
}

func (s *EntityStore) DeleteContact(ctx context.Context, id string) error {
	if err := s.remote.Delete(ctx, CollectionContacts, id); err != nil {
		s.logger.WithError(err).WithField("id", id).Error("deleting contact failed")
		return &WriteFailure{Op: "delete", Collection: CollectionContacts, ID: id, Err: err}
	}
	return nil
}

func (s *EntityStore) Setting(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.settings[key]
	return value, ok
}

// UpdateSetting upserts remotely and only then stores the value locally.
func (s *EntityStore) UpdateSetting(ctx context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: setting key is required", ErrInvalidInput)
	}
	if _, err := s.remote.Upsert(ctx, CollectionSettings, remote.Record{"id": key, "key": key, "value": value}); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("updating setting failed")
		return &WriteFailure{Op: "upsert", Collection: CollectionSettings, ID: key, Err: err}
	}
	s.putSetting(key, value)
	return nil
}

func (s *EntityStore) TeamPIN() string {
	if pin, ok := s.Setting(SettingTeamPIN); ok && pin != "" {
		return pin
	}
	return DefaultTeamPIN
}

func (s *EntityStore) CheckPIN(pin string) bool {
	return strings.TrimSpace(pin) == s.TeamPIN()
}

// SubscribeSite calls fn after every change to one site. exists is false
// once the site has been deleted.
func (s *EntityStore) SubscribeSite(id string, fn func(site Site, exists bool)) *Subscription {
	return s.addWatcher(&watcher{siteID: id, onSite: fn})
}

// SubscribeSites calls fn with the full, ordered site list after every
// change to any site.
func (s *EntityStore) SubscribeSites(fn func([]Site)) *Subscription {
	return s.addWatcher(&watcher{onSites: fn})
}

func (s *EntityStore) SubscribeContacts(fn func([]Contact)) *Subscription {
	return s.addWatcher(&watcher{onContacts: fn})
}

func (s *EntityStore) addWatcher(w *watcher) *Subscription {
	s.watchMu.Lock()
	s.nextWatch++
	id := s.nextWatch
	s.watchers[id] = w
	s.watchMu.Unlock()
	return &Subscription{cancel: func() {
		w.closed.Store(true)
		s.watchMu.Lock()
		delete(s.watchers, id)
		s.watchMu.Unlock()
	}}
}

func (s *EntityStore) snapshotWatchers() []*watcher {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	out := make([]*watcher, 0, len(s.watchers))
	for _, w := range s.watchers {
		out = append(out, w)
	}
	return out
}

// notifySites informs watchers of a change to siteID, or to every site when
// siteID is empty. Callbacks run outside all store locks.
func (s *EntityStore) notifySites(siteID string) {
	watchers := s.snapshotWatchers()
	if len(watchers) == 0 {
		return
	}
	var all []Site
	for _, w := range watchers {
		switch {
		case w.onSites != nil:
			if all == nil {
				all = s.Sites()
			}
			if !w.closed.Load() {
				w.onSites(all)
			}
		case w.onSite != nil && (siteID == "" || w.siteID == siteID):
			site, ok := s.Site(w.siteID)
			if !w.closed.Load() {
				w.onSite(site, ok)
			}
		}
	}
}

func (s *EntityStore) notifyContacts() {
	watchers := s.snapshotWatchers()
	var contacts []Contact
	for _, w := range watchers {
		if w.onContacts == nil {
			continue
		}
		if contacts == nil {
			contacts = s.Contacts()
		}
		if !w.closed.Load() {
			w.onContacts(contacts)
		}
	}
}

// commitSite applies a local site change. fn sees the current record
// (found=false when unknown) and returns the next record and whether to keep
// it; keep=false removes the site.
func (s *EntityStore) commitSite(id string, fn func(current Site, found bool) (Site, bool, error)) error {
	s.mu.Lock()
	changed, err := s.applySiteLocked(id, fn)
	s.mu.Unlock()
	return s.finishSite(id, changed, err)
}

// feedSite is commitSite for changes that arrive on the feed.
func (s *EntityStore) feedSite(id string, fn func(current Site, found bool) (Site, bool, error)) error {
	s.mu.Lock()
	if s.loading > 0 {
		s.pendingSites = append(s.pendingSites, siteChange{id: id, fn: fn})
	}
	changed, err := s.applySiteLocked(id, fn)
	s.mu.Unlock()
	return s.finishSite(id, changed, err)
}

func (s *EntityStore) finishSite(id string, changed bool, err error) error {
	if err != nil {
		if errors.Is(err, errSkipCommit) {
			return nil
		}
		return err
	}
	if changed {
		s.notifySites(id)
	}
	return nil
}

func (s *EntityStore) applySiteLocked(id string, fn func(current Site, found bool) (Site, bool, error)) (bool, error) {
	i := indexSite(s.sites, id)
	var current Site
	if i >= 0 {
		current = s.sites[i].clone()
	}
	next, keep, err := fn(current, i >= 0)
	if err != nil {
		return false, err
	}
	switch {
	case keep && i >= 0:
		s.sites[i] = next
	case keep:
		s.sites = append([]Site{next}, s.sites...)
	case i >= 0:
		s.sites = append(s.sites[:i:i], s.sites[i+1:]...)
	default:
		return false, nil
	}
	return true, nil
}

func (s *EntityStore) applySiteFields(id string, fields remote.Record) error {
	return s.commitSite(id, func(current Site, found bool) (Site, bool, error) {
		if !found {
			return Site{}, false, nil
		}
		var next Site
		if err := mergeFields(current, fields, &next); err != nil {
			return Site{}, false, err
		}
		next.ID = current.ID
		return next, true, nil
	})
}

// putSite inserts the site at the front, or replaces it in place.
func (s *EntityStore) putSite(site Site) error {
	return s.feedSite(site.ID, func(Site, bool) (Site, bool, error) {
		return site, true, nil
	})
}

// mergeSite overlays fields onto a known site, or inserts fallback when the
// site is unknown locally.
func (s *EntityStore) mergeSite(id string, fields remote.Record, fallback Site) error {
	return s.feedSite(id, func(current Site, found bool) (Site, bool, error) {
		if !found {
			return fallback, true, nil
		}
		var next Site
		if err := mergeFields(current, fields, &next); err != nil {
			return Site{}, false, err
		}
		next.ID = current.ID
		return next, true, nil
	})
}

// restoreSiteStatus rolls back an optimistic status after a rejected write.
// It is local only and products keep their optimistic value. The status is
// only put back while it still holds the optimistic value, so a status the
// feed has moved on since is left alone.
func (s *EntityStore) restoreSiteStatus(id string, previous, optimistic Status) error {
	return s.commitSite(id, func(current Site, found bool) (Site, bool, error) {
		if !found || current.Status != optimistic || previous == optimistic {
			return current, found, errSkipCommit
		}
		current.Status = previous
		return current, true, nil
	})
}

func (s *EntityStore) removeSite(id string) error {
	return s.feedSite(id, func(Site, bool) (Site, bool, error) {
		return Site{}, false, nil
	})
}

func (s *EntityStore) commitContact(id string, fn func(current Contact, found bool) (Contact, bool, error)) error {
	s.mu.Lock()
	changed, err := s.applyContactLocked(id, fn)
	s.mu.Unlock()
	return s.finishContact(changed, err)
}

func (s *EntityStore) feedContact(id string, fn func(current Contact, found bool) (Contact, bool, error)) error {
	s.mu.Lock()
	if s.loading > 0 {
		s.pendingContacts = append(s.pendingContacts, contactChange{id: id, fn: fn})
	}
	changed, err := s.applyContactLocked(id, fn)
	s.mu.Unlock()
	return s.finishContact(changed, err)
}

func (s *EntityStore) finishContact(changed bool, err error) error {
	if err != nil {
		if errors.Is(err, errSkipCommit) {
			return nil
		}
		return err
	}
	if changed {
		s.notifyContacts()
	}
	return nil
}

func (s *EntityStore) applyContactLocked(id string, fn func(current Contact, found bool) (Contact, bool, error)) (bool, error) {
	i := indexContact(s.contacts, id)
	var current Contact
	if i >= 0 {
		current = s.contacts[i]
	}
	next, keep, err := fn(current, i >= 0)
	if err != nil {
		return false, err
	}
	switch {
	case keep && i >= 0:
		s.contacts[i] = next
	case keep:
		s.contacts = append([]Contact{next}, s.contacts...)
	case i >= 0:
		s.contacts = append(s.contacts[:i:i], s.contacts[i+1:]...)
	default:
		return false, nil
	}
	return true, nil
}

func (s *EntityStore) applyContactFields(id string, fields remote.Record) error {
	return s.commitContact(id, func(current Contact, found bool) (Contact, bool, error) {
		if !found {
			return Contact{}, false, nil
		}
		var next Contact
		if err := mergeFields(current, fields, &next); err != nil {
			return Contact{}, false, err
		}
		next.ID = current.ID
		return next, true, nil
	})
}

func (s *EntityStore) putContact(contact Contact) error {
	return s.feedContact(contact.ID, func(Contact, bool) (Contact, bool, error) {
		return contact, true, nil
	})
}

func (s *EntityStore) mergeContact(id string, fields remote.Record, fallback Contact) error {
	return s.feedContact(id, func(current Contact, found bool) (Contact, bool, error) {
		if !found {
			return fallback, true, nil
		}
		var next Contact
		if err := mergeFields(current, fields, &next); err != nil {
			return Contact{}, false, err
		}
		next.ID = current.ID
		return next, true, nil
	})
}

func (s *EntityStore) removeContact(id string) error {
	return s.feedContact(id, func(Contact, bool) (Contact, bool, error) {
		return Contact{}, false, nil
	})
}

func (s *EntityStore) putSetting(key, value string) {
	s.changeSettings(func(settings map[string]string) { settings[key] = value })
}

func (s *EntityStore) removeSetting(key string) {
	s.changeSettings(func(settings map[string]string) { delete(settings, key) })
}

func (s *EntityStore) changeSettings(apply func(map[string]string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loading > 0 {
		s.pendingSettings = append(s.pendingSettings, apply)
	}
	apply(s.settings)
}

func settingFromRecord(record remote.Record) (string, string, bool) {
	key, _ := record["key"].(string)
	if key == "" {
		key = record.ID()
	}
	if key == "" {
		return "", "", false
	}
	switch value := record["value"].(type) {
	case nil:
		return key, "", true
	case string:
		return key, value, true
	default:
		return key, fmt.Sprint(value), true
	}
}

func indexSite(sites []Site, id string) int {
	for i, site := range sites {
		if site.ID == id {
			return i
		}
	}
	return -1
}

func indexContact(contacts []Contact, id string) int {
	for i, contact := range contacts {
		if contact.ID == id {
			return i
		}
	}
	return -1
}
