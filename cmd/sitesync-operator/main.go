package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/agentworkforce/sitesync/internal/logistics"
	"github.com/agentworkforce/sitesync/internal/remote"
	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

func main() {
	_ = godotenv.Load()

	baseURL := flag.String("base-url", envOrDefault("SITESYNC_BASE_URL", "http://127.0.0.1:8080"), "sitesync server base URL")
	token := flag.String("token", os.Getenv("SITESYNC_TOKEN"), "bearer token sent to the server")
	siteID := flag.String("site", os.Getenv("SITESYNC_SITE"), "site to open on start")
	phase := flag.String("phase", os.Getenv("SITESYNC_PHASE"), "session phase: outbound or inbound (defaults from site status)")
	stateFile := flag.String("state-file", envOrDefault("SITESYNC_OPERATOR_STATE", ".sitesync-operator.json"), "file remembering how many sites were last seen")
	interval := flag.Duration("interval", durationEnv("SITESYNC_LOAD_RETRY_INTERVAL", 5*time.Second), "retry interval while connecting fails")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("SITESYNC_LOAD_RETRY_JITTER", 0.2), "retry jitter ratio between 0 and 1")
	timeout := flag.Duration("timeout", durationEnv("SITESYNC_HTTP_TIMEOUT", 15*time.Second), "per request timeout")
	logLevel := flag.String("log-level", envOrDefault("SITESYNC_LOG_LEVEL", "info"), "log level")
	flag.Parse()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	if level, err := logrus.ParseLevel(*logLevel); err == nil {
		logger.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store := remote.NewHTTPStore(*baseURL, *token, &http.Client{Timeout: *timeout})
	defer store.Close()

	entities, err := logistics.NewEntityStore(store, logistics.EntityStoreOptions{Logger: logger})
	if err != nil {
		logger.WithError(err).Fatal("failed to create entity store")
	}
	listener, err := logistics.NewFeedListener(entities, logistics.FeedListenerOptions{Logger: logger})
	if err != nil {
		logger.WithError(err).Fatal("failed to create feed listener")
	}
	jitterRatio := clampJitterRatio(*intervalJitter)
	next := func() time.Duration {
		return jitteredIntervalWithSample(*interval, jitterRatio, rand.Float64())
	}
	defer listener.Close()
	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()
	if err := connectUntilReady(syncCtx, listener, entities, next, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		logger.WithError(err).Fatal("initial connect failed")
	}
	go keepSynced(syncCtx, listener, entities, next, logger)

	op := newOperator(entities, os.Stdout, logger, *stateFile)
	defer op.shutdown()
	missions := logistics.WatchMissions(entities, op.alert)
	defer missions.Close()
	op.announceUnseen(missions)

	if id := strings.TrimSpace(*siteID); id != "" {
		if err := op.open(id, *phase); err != nil {
			logger.WithError(err).Fatal("failed to open site")
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			cmdCtx, cancel := context.WithTimeout(ctx, *timeout)
			quit, err := op.handle(cmdCtx, line)
			cancel()
			if err != nil {
				op.printf("error: %v\n", err)
			}
			if quit {
				return
			}
		}
	}
}

type feedStarter interface {
	Start(ctx context.Context) error
}

type initialLoader interface {
	Load(ctx context.Context) error
	Degraded() error
}

// connectUntilReady subscribes to the change feed and then loads, retrying
// until both succeed. Changes committed after the fetch arrive on the feed.
// Contact and setting load failures are logged and do not block startup.
func connectUntilReady(ctx context.Context, feed feedStarter, store initialLoader, next func() time.Duration, logger logrus.FieldLogger) error {
	for {
		err := feed.Start(ctx)
		if err == nil {
			err = store.Load(ctx)
			if store.Degraded() == nil {
				if err != nil {
					logger.WithError(err).Warn("loaded sites with partial data")
				}
				return nil
			}
		}
		delay := next()
		logger.WithError(err).WithField("retry_in", delay.String()).Warn("cannot connect, retrying")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// keepSynced reconnects whenever the feed breaks, for example after the
// server drops a lagging subscriber.
func keepSynced(ctx context.Context, listener *logistics.FeedListener, store initialLoader, next func() time.Duration, logger logrus.FieldLogger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-listener.Done():
		}
		if ctx.Err() != nil {
			return
		}
		logger.WithError(listener.Err()).Warn("change feed lost, resyncing")
		if err := connectUntilReady(ctx, listener, store, next, logger); err != nil {
			return
		}
	}
}

// operatorState survives restarts so the unseen-sites badge can be shown.
type operatorState struct {
	LastSeenSites int `json:"last_seen_sites"`
}

func loadOperatorState(path string) (operatorState, error) {
	var state operatorState
	if path == "" {
		return state, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return state, nil
	}
	if err != nil {
		return state, err
	}
	if err := json.Unmarshal(data, &state); err != nil {
		return operatorState{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return state, nil
}

func saveOperatorState(path string, state operatorState) error {
	if path == "" {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// operator is the command loop state: the shared entity store, at most one
// open session and the PIN lock that guards the team commands.
type operator struct {
	store     *logistics.EntityStore
	logger    logrus.FieldLogger
	statePath string

	outMu sync.Mutex
	out   io.Writer

	mu          sync.Mutex
	session     *logistics.Session
	unlocked    bool
	state       operatorState
	groups      []logistics.ContactGroup
	contactsSub *logistics.Subscription
}

func newOperator(store *logistics.EntityStore, out io.Writer, logger logrus.FieldLogger, statePath string) *operator {
	state, err := loadOperatorState(statePath)
	if err != nil {
		logger.WithError(err).Warn("ignoring unreadable operator state")
	}
	o := &operator{
		store:     store,
		logger:    logger,
		statePath: statePath,
		out:       out,
		state:     state,
		groups:    logistics.GroupContacts(store.Contacts()),
	}
	o.contactsSub = store.SubscribeContacts(func(contacts []logistics.Contact) {
		groups := logistics.GroupContacts(contacts)
		o.mu.Lock()
		o.groups = groups
		o.mu.Unlock()
	})
	return o
}

func (o *operator) printf(format string, args ...any) {
	o.outMu.Lock()
	defer o.outMu.Unlock()
	fmt.Fprintf(o.out, format, args...)
}

func (o *operator) alert(a logistics.Alert) {
	switch a.Kind {
	case logistics.AlertNewMission:
		o.printf("** new site: %s\n", a.SiteName)
	case logistics.AlertNewRequest:
		o.printf("** %d new item(s) requested for %s\n", a.Added, a.SiteName)
	}
}

func (o *operator) announceUnseen(missions *logistics.MissionWatcher) {
	o.mu.Lock()
	lastSeen := o.state.LastSeenSites
	o.mu.Unlock()
	if missions.HasUnseen(lastSeen) {
		o.printf("** new sites since your last visit\n")
	}
}

func (o *operator) markSeen(n int) {
	o.mu.Lock()
	if o.state.LastSeenSites == n {
		o.mu.Unlock()
		return
	}
	o.state.LastSeenSites = n
	state := o.state
	o.mu.Unlock()
	if err := saveOperatorState(o.statePath, state); err != nil {
		o.logger.WithError(err).Warn("saving operator state failed")
	}
}

func (o *operator) current() *logistics.Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.session
}

func (o *operator) requireUnlocked() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.unlocked {
		return fmt.Errorf("%w: team commands are locked, enter the pin first", logistics.ErrInvalidState)
	}
	return nil
}

func (o *operator) open(siteID, rawPhase string) error {
	site, ok := o.store.Site(siteID)
	if !ok {
		return fmt.Errorf("%w: site %s", logistics.ErrNotFound, siteID)
	}
	phase := logistics.Phase(strings.ToLower(strings.TrimSpace(rawPhase)))
	if phase == "" {
		next, ok := site.NextPhase()
		if !ok {
			return fmt.Errorf("%w: site %s is %s", logistics.ErrInvalidState, site.ID, site.Status)
		}
		phase = next
	}
	session, err := logistics.NewSession(o.store, siteID, phase, logistics.SessionOptions{
		OnAlert: o.alert,
		Logger:  o.logger,
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	previous := o.session
	o.session = session
	o.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	o.printf("opened %s (%s)\n", siteLabel(site), phase)
	return nil
}

func (o *operator) closeSession() {
	o.mu.Lock()
	session := o.session
	o.session = nil
	o.mu.Unlock()
	if session != nil {
		session.Close()
	}
}

func (o *operator) shutdown() {
	o.closeSession()
	o.contactsSub.Close()
}

// command is one parsed input line. Item names may contain spaces; the last
// argument is the quantity.
type command struct {
	verb string
	args []string
}

func parseCommand(line string) (command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return command{}, false
	}
	return command{verb: strings.ToLower(fields[0]), args: fields[1:]}, true
}

func (c command) nameAndQuantity() (string, string, error) {
	if len(c.args) < 2 {
		return "", "", fmt.Errorf("%w: usage: %s <item name> <quantity>", logistics.ErrInvalidInput, c.verb)
	}
	last := len(c.args) - 1
	return strings.Join(c.args[:last], " "), c.args[last], nil
}

// rest joins the arguments from index i on.
func (c command) rest(i int) string {
	if i >= len(c.args) {
		return ""
	}
	return strings.Join(c.args[i:], " ")
}

// parseTeam splits "Asha, Ravi Kumar" into names.
func parseTeam(raw string) []string {
	return strings.Split(raw, ",")
}

// parsePayments reads "Transport=1200, Labour=800.50".
func parsePayments(raw string) ([]logistics.PaymentAmount, error) {
	var out []logistics.PaymentAmount
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, amount, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: payment %q must be name=amount", logistics.ErrInvalidInput, part)
		}
		value, err := decimal.NewFromString(strings.TrimSpace(amount))
		if err != nil {
			return nil, fmt.Errorf("%w: amount %q: %v", logistics.ErrInvalidInput, amount, err)
		}
		out = append(out, logistics.PaymentAmount{Name: strings.TrimSpace(name), Amount: value})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: at least one payment is required", logistics.ErrInvalidInput)
	}
	return out, nil
}

func parsePoint(lat, lng string) (orb.Point, error) {
	latitude, err := strconv.ParseFloat(lat, 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("%w: latitude %q", logistics.ErrInvalidInput, lat)
	}
	longitude, err := strconv.ParseFloat(lng, 64)
	if err != nil {
		return orb.Point{}, fmt.Errorf("%w: longitude %q", logistics.ErrInvalidInput, lng)
	}
	return orb.Point{longitude, latitude}, nil
}

const helpText = `site commands:
  sites | open <site> [phase] | items | collect <item> <n> | return <item> <n>
  add <item> <n> | gaps | commit | close | locate <site> <lat> <lng>
team commands (pin required):
  pin <pin> | lock | setpin <new pin> | team <site> <name>[, <name>...]
  paid <site> <name>=<amount>[, ...] | paidsites
  contacts | contact add <category> <phone> <name> | contact move <id> <category>
  contact rm <id>
quit
`

func (o *operator) handle(ctx context.Context, line string) (bool, error) {
	cmd, ok := parseCommand(line)
	if !ok {
		return false, nil
	}
	switch cmd.verb {
	case "quit", "exit":
		return true, nil
	case "help":
		o.printf("%s", helpText)
		return false, nil
	case "sites":
		o.printSites()
		return false, nil
	case "open":
		if len(cmd.args) == 0 {
			return false, fmt.Errorf("%w: usage: open <site> [phase]", logistics.ErrInvalidInput)
		}
		return false, o.open(cmd.args[0], cmd.rest(1))
	case "close":
		o.closeSession()
		return false, nil
	case "locate":
		if len(cmd.args) != 3 {
			return false, fmt.Errorf("%w: usage: locate <site> <lat> <lng>", logistics.ErrInvalidInput)
		}
		point, err := parsePoint(cmd.args[1], cmd.args[2])
		if err != nil {
			return false, err
		}
		if err := o.store.SetLocation(ctx, cmd.args[0], point); err != nil {
			return false, err
		}
		o.printf("location saved: %s\n", logistics.MapsLink(point))
		return false, nil
	case "pin":
		if !o.store.CheckPIN(cmd.rest(0)) {
			return false, fmt.Errorf("%w: wrong pin", logistics.ErrInvalidInput)
		}
		o.mu.Lock()
		o.unlocked = true
		o.mu.Unlock()
		o.printf("unlocked\n")
		return false, nil
	case "lock":
		o.mu.Lock()
		o.unlocked = false
		o.mu.Unlock()
		return false, nil
	case "setpin", "team", "paid", "paidsites", "contacts", "contact":
		if err := o.requireUnlocked(); err != nil {
			return false, err
		}
		return false, o.handleTeam(ctx, cmd)
	}
	return false, o.handleSession(ctx, cmd)
}

func (o *operator) handleTeam(ctx context.Context, cmd command) error {
	switch cmd.verb {
	case "setpin":
		pin := cmd.rest(0)
		if pin == "" {
			return fmt.Errorf("%w: usage: setpin <new pin>", logistics.ErrInvalidInput)
		}
		if err := o.store.UpdateSetting(ctx, logistics.SettingTeamPIN, pin); err != nil {
			return err
		}
		o.printf("pin updated\n")
	case "team":
		if len(cmd.args) < 2 {
			return fmt.Errorf("%w: usage: team <site> <name>[, <name>...]", logistics.ErrInvalidInput)
		}
		if err := o.store.CompleteWithTeam(ctx, cmd.args[0], parseTeam(cmd.rest(1))); err != nil {
			return err
		}
		o.printf("team recorded\n")
	case "paid":
		if len(cmd.args) < 2 {
			return fmt.Errorf("%w: usage: paid <site> <name>=<amount>[, ...]", logistics.ErrInvalidInput)
		}
		amounts, err := parsePayments(cmd.rest(1))
		if err != nil {
			return err
		}
		if err := o.store.MarkPaid(ctx, cmd.args[0], amounts); err != nil {
			return err
		}
		o.printf("marked paid\n")
	case "paidsites":
		for _, site := range o.store.PaidSites() {
			o.printf("%-36s %-24s %s\n", site.ID, siteLabel(site), site.PaymentTotal().StringFixed(2))
		}
	case "contacts":
		o.printContacts()
	case "contact":
		return o.handleContact(ctx, cmd)
	}
	return nil
}

func (o *operator) handleContact(ctx context.Context, cmd command) error {
	if len(cmd.args) == 0 {
		return fmt.Errorf("%w: usage: contact add|move|rm ...", logistics.ErrInvalidInput)
	}
	switch strings.ToLower(cmd.args[0]) {
	case "add":
		if len(cmd.args) < 4 {
			return fmt.Errorf("%w: usage: contact add <category> <phone> <name>", logistics.ErrInvalidInput)
		}
		id, err := o.store.CreateContact(ctx, logistics.NewContact{
			Category: cmd.args[1],
			Phone:    cmd.args[2],
			Name:     cmd.rest(3),
		})
		if err != nil {
			return err
		}
		o.printf("contact %s created\n", id)
	case "move":
		if len(cmd.args) < 3 {
			return fmt.Errorf("%w: usage: contact move <id> <category>", logistics.ErrInvalidInput)
		}
		if _, ok := o.store.Contact(cmd.args[1]); !ok {
			return fmt.Errorf("%w: contact %s", logistics.ErrNotFound, cmd.args[1])
		}
		return o.store.UpdateContact(ctx, cmd.args[1], remote.Record{"category": cmd.rest(2)})
	case "rm":
		if len(cmd.args) != 2 {
			return fmt.Errorf("%w: usage: contact rm <id>", logistics.ErrInvalidInput)
		}
		return o.store.DeleteContact(ctx, cmd.args[1])
	default:
		return fmt.Errorf("%w: unknown contact command %q", logistics.ErrInvalidInput, cmd.args[0])
	}
	return nil
}

func (o *operator) handleSession(ctx context.Context, cmd command) error {
	session := o.current()
	if session == nil {
		switch cmd.verb {
		case "items", "collect", "return", "add", "gaps", "commit":
			return fmt.Errorf("%w: no site open", logistics.ErrInvalidState)
		}
		return fmt.Errorf("%w: unknown command %q", logistics.ErrInvalidInput, cmd.verb)
	}
	switch cmd.verb {
	case "items":
		o.printItems(session.Items())
	case "collect", "return":
		name, qty, err := cmd.nameAndQuantity()
		if err != nil {
			return err
		}
		var found bool
		if cmd.verb == "collect" {
			found = session.SetCollected(name, qty)
		} else {
			found = session.SetReturned(name, qty)
		}
		if !found {
			return fmt.Errorf("%w: item %q", logistics.ErrNotFound, name)
		}
	case "add":
		name, qty, err := cmd.nameAndQuantity()
		if err != nil {
			return err
		}
		item, err := session.AddLocalItem(name, qty)
		if err != nil {
			return err
		}
		o.printf("added %s x%d\n", item.Name, item.Count)
	case "gaps":
		gaps := session.Gaps()
		names := make([]string, 0, len(gaps))
		for name := range gaps {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			o.printf("%-24s %d\n", name, gaps[name])
		}
	case "commit":
		if err := session.Commit(ctx); err != nil {
			return err
		}
		o.printf("committed %s\n", session.Phase())
		if session.Phase() == logistics.PhaseInbound {
			o.closeSession()
		}
	default:
		return fmt.Errorf("%w: unknown command %q", logistics.ErrInvalidInput, cmd.verb)
	}
	return nil
}

func (o *operator) printSites() {
	if err := o.store.Degraded(); err != nil {
		o.printf("cannot connect: %v\n", err)
		return
	}
	sites := o.store.Sites()
	for _, site := range sites {
		marker := " "
		if site.Selectable() {
			marker = "*"
		}
		status := string(site.Status)
		if status == "" {
			status = string(logistics.StatusAssigned)
		}
		o.printf("%s %-36s %-18s %s\n", marker, site.ID, status, siteLabel(site))
	}
	o.markSeen(len(sites))
}

func (o *operator) printItems(items []logistics.ProductItem) {
	for _, item := range items {
		note := ""
		switch {
		case item.IsAdminAdded:
			note = " (requested)"
		case item.IsNew:
			note = " (local)"
		}
		o.printf("%-24s count=%d collected=%d returned=%d%s\n", item.Name, item.Count, item.Collected, item.Returned, note)
	}
}

func (o *operator) printContacts() {
	o.mu.Lock()
	groups := o.groups
	o.mu.Unlock()
	for _, group := range groups {
		o.printf("%s\n", group.Category)
		for _, contact := range group.Contacts {
			o.printf("  %-36s %-24s tel:%s\n", contact.ID, contact.Name, contact.Phone)
		}
	}
}

func siteLabel(site logistics.Site) string {
	if site.Name == "" {
		return site.ID
	}
	return site.Name
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, ratio, sample float64) time.Duration {
	if base <= 0 {
		return time.Second
	}
	ratio = clampJitterRatio(ratio)
	if ratio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	}
	if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*ratio
	interval := time.Duration(float64(base) * factor)
	if interval < time.Millisecond {
		return time.Millisecond
	}
	return interval
}
