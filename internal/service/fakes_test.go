package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap/zaptest"

	"github.com/netquota/hotspotd/internal/errs"
	"github.com/netquota/hotspotd/internal/gateway"
	"github.com/netquota/hotspotd/internal/model"
	"github.com/netquota/hotspotd/internal/notify"
	"github.com/netquota/hotspotd/internal/repository"
)

// ---- ledger ----

type memAccounts struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]model.Account
	order []uuid.UUID

	saveErr   error
	saves     int
	expires   int
	resets    int
	statusSet int
}

var _ repository.AccountRepository = (*memAccounts)(nil)

func newMemAccounts() *memAccounts {
	return &memAccounts{rows: make(map[uuid.UUID]model.Account)}
}

func (m *memAccounts) put(a model.Account) *model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == uuid.Nil {
		a.ID = uuid.Must(uuid.NewV4())
	}
	if _, ok := m.rows[a.ID]; !ok {
		m.order = append(m.order, a.ID)
	}
	m.rows[a.ID] = a
	return &a
}

func (m *memAccounts) get(id uuid.UUID) model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[id]
}

func (m *memAccounts) Create(_ context.Context, a *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.SiteID == a.SiteID && r.Username == a.Username {
			return errs.ErrAlreadyExists
		}
	}
	m.rows[a.ID] = *a
	m.order = append(m.order, a.ID)
	return nil
}

func (m *memAccounts) Get(_ context.Context, id uuid.UUID) (*model.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

func (m *memAccounts) list(keep func(model.Account) bool) []model.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.Account
	for _, id := range m.order {
		if a, ok := m.rows[id]; ok && keep(a) {
			out = append(out, a)
		}
	}
	return out
}

func (m *memAccounts) ListBySite(_ context.Context, siteID uuid.UUID) ([]model.Account, error) {
	return m.list(func(a model.Account) bool { return a.SiteID == siteID }), nil
}

func (m *memAccounts) ListByStatus(_ context.Context, st model.AccountStatus) ([]model.Account, error) {
	return m.list(func(a model.Account) bool { return a.Status == st }), nil
}

func (m *memAccounts) ListAll(context.Context) ([]model.Account, error) {
	return m.list(func(model.Account) bool { return true }), nil
}

func (m *memAccounts) SaveUsage(_ context.Context, a *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	r, ok := m.rows[a.ID]
	if !ok {
		return errs.ErrNotFound
	}
	m.saves++
	r.UsedBytes = a.UsedBytes
	r.ActiveSessionID = a.ActiveSessionID
	r.SessionBytesAtLastPoll = a.SessionBytesAtLastPoll
	r.CounterBaseline = a.CounterBaseline
	r.LastPolledAt = a.LastPolledAt
	r.LastLoginAt = a.LastLoginAt
	r.LastLogoutAt = a.LastLogoutAt
	m.rows[a.ID] = r
	return nil
}

func (m *memAccounts) MarkExpired(_ context.Context, a *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[a.ID]
	if !ok {
		return errs.ErrNotFound
	}
	m.expires++
	r.Status = model.StatusExpired
	r.ActiveSessionID = a.ActiveSessionID
	r.SessionBytesAtLastPoll = a.SessionBytesAtLastPoll
	r.CounterBaseline = a.CounterBaseline
	r.LastExpiredAt = a.LastExpiredAt
	m.rows[a.ID] = r
	return nil
}

func (m *memAccounts) SetStatus(_ context.Context, id uuid.UUID, st model.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.Status == model.StatusExpired {
		return errs.ErrNotFound
	}
	m.statusSet++
	r.Status = st
	m.rows[id] = r
	return nil
}

func (m *memAccounts) ResetQuota(_ context.Context, a *model.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[a.ID]
	if !ok {
		return errs.ErrNotFound
	}
	m.resets++
	r.QuotaTotalBytes = a.QuotaTotalBytes
	r.UsedBytes = a.UsedBytes
	r.Status = a.Status
	r.CounterBaseline = a.CounterBaseline
	r.LastQuotaResetAt = a.LastQuotaResetAt
	m.rows[a.ID] = r
	return nil
}

func (m *memAccounts) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return errs.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

type memSites struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]model.Site
	marks []model.SiteStatus
}

var _ repository.SiteRepository = (*memSites)(nil)

func newMemSites(sites ...*model.Site) *memSites {
	m := &memSites{rows: make(map[uuid.UUID]model.Site)}
	for _, s := range sites {
		m.rows[s.ID] = *s
	}
	return m
}

func (m *memSites) Create(_ context.Context, s *model.Site) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = *s
	return nil
}

func (m *memSites) Get(_ context.Context, id uuid.UUID) (*model.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &s, nil
}

func (m *memSites) GetByName(_ context.Context, name string) (*model.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.Name == name {
			return &s, nil
		}
	}
	return nil, errs.ErrNotFound
}

func (m *memSites) List(context.Context) ([]model.Site, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Site, 0, len(m.rows))
	for _, s := range m.rows {
		out = append(out, s)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out, nil
}

func (m *memSites) UpdateStatus(_ context.Context, id uuid.UUID, st model.SiteStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	s.Status = st
	s.CheckedAt = &at
	m.rows[id] = s
	m.marks = append(m.marks, st)
	return nil
}

func (m *memSites) SetActiveCohort(_ context.Context, id uuid.UUID, c model.Cohort) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return errs.ErrNotFound
	}
	s.ActiveCohort = c
	m.rows[id] = s
	return nil
}

type memSettings struct {
	s   *model.Settings
	err error
}

var _ repository.SettingsRepository = (*memSettings)(nil)

func (m *memSettings) Get(context.Context) (*model.Settings, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.s == nil {
		return nil, errs.ErrSettingsMissing
	}
	cp := *m.s
	return &cp, nil
}

func (m *memSettings) Save(_ context.Context, s *model.Settings) error {
	cp := *s
	m.s = &cp
	return nil
}

type memConnLogs struct {
	mu      sync.Mutex
	entries []model.ConnectionLogEntry
}

var _ repository.ConnectionLogRepository = (*memConnLogs)(nil)

func (m *memConnLogs) Append(_ context.Context, e *model.ConnectionLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memConnLogs) ListRecent(_ context.Context, siteID uuid.UUID, limit int) ([]model.ConnectionLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConnectionLogEntry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].SiteID == siteID {
			out = append(out, m.entries[i])
		}
	}
	return out, nil
}

func (m *memConnLogs) byAction(action string) []model.ConnectionLogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ConnectionLogEntry
	for _, e := range m.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type memActivity struct {
	mu      sync.Mutex
	entries []model.ActivityEntry
}

var _ repository.ActivityRepository = (*memActivity)(nil)

func (m *memActivity) Append(_ context.Context, e *model.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memActivity) ListRecent(_ context.Context, limit int) ([]model.ActivityEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) < limit {
		limit = len(m.entries)
	}
	return append([]model.ActivityEntry(nil), m.entries[len(m.entries)-limit:]...), nil
}

func (m *memActivity) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Kind)
	}
	return out
}

// ---- device ----

type enabledCall struct {
	ID      string
	Enabled bool
}

// fakeDevice is an in-memory router. Closing a session adds its bytes to the account's
// cumulative counters the way RouterOS does.
type fakeDevice struct {
	mu       sync.Mutex
	sessions []model.SessionSnapshot
	users    map[string]*model.RemoteAccountSnapshot
	nextID   int

	listSessionsErr error
	listAccountsErr error
	removeSessErr   error
	resetErr        error
	getErr          error
	identityErr     error
	addErr          error
	removeAcctErr   error
	// setEnabledErrs are returned by successive SetEnabled calls before they succeed.
	setEnabledErrs []error
	// ignoreDisable keeps the account enabled even after a successful disable call.
	ignoreDisable bool

	listAccountsCalls int
	enabledCalls      []enabledCall
	removedSessions   []string
	resets            []string
	added             []model.NewRemoteAccount
	removedAccounts   []string
}

var _ gateway.Client = (*fakeDevice)(nil)

func newFakeDevice() *fakeDevice {
	return &fakeDevice{users: make(map[string]*model.RemoteAccountSnapshot)}
}

func (d *fakeDevice) addUser(remoteID, username, comment string, disabled bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[remoteID] = &model.RemoteAccountSnapshot{RemoteID: remoteID, Username: username, Comment: comment, Disabled: disabled}
}

// session sets or replaces the live session of username.
func (d *fakeDevice) session(username, id string, total uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.sessions {
		if d.sessions[i].Username == username {
			if d.sessions[i].SessionID != id {
				d.closeLocked(i)
				break
			}
			d.sessions[i].BytesIn = total
			return
		}
	}
	d.sessions = append(d.sessions, model.SessionSnapshot{SessionID: id, Username: username, BytesIn: total})
}

// logout closes username's session at its final total.
func (d *fakeDevice) logout(username string, final uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := range d.sessions {
		if d.sessions[i].Username == username {
			d.sessions[i].BytesIn, d.sessions[i].BytesOut = final, 0
			d.closeLocked(i)
			return
		}
	}
}

func (d *fakeDevice) closeLocked(i int) {
	s := d.sessions[i]
	for _, u := range d.users {
		if u.Username == s.Username {
			u.BytesIn += s.BytesIn
			u.BytesOut += s.BytesOut
		}
	}
	d.sessions = append(d.sessions[:i], d.sessions[i+1:]...)
}

func (d *fakeDevice) user(remoteID string) model.RemoteAccountSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	if u, ok := d.users[remoteID]; ok {
		return *u
	}
	return model.RemoteAccountSnapshot{}
}

func (d *fakeDevice) disableCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.enabledCalls {
		if !c.Enabled {
			n++
		}
	}
	return n
}

func (d *fakeDevice) ListActiveSessions(context.Context) ([]model.SessionSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.listSessionsErr != nil {
		return nil, d.listSessionsErr
	}
	return append([]model.SessionSnapshot(nil), d.sessions...), nil
}

func (d *fakeDevice) ListAccounts(context.Context) ([]model.RemoteAccountSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listAccountsCalls++
	if d.listAccountsErr != nil {
		return nil, d.listAccountsErr
	}
	out := make([]model.RemoteAccountSnapshot, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RemoteID < out[k].RemoteID })
	return out, nil
}

func (d *fakeDevice) GetAccount(_ context.Context, remoteID string) (model.RemoteAccountSnapshot, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.getErr != nil {
		return model.RemoteAccountSnapshot{}, d.getErr
	}
	u, ok := d.users[remoteID]
	if !ok {
		return model.RemoteAccountSnapshot{}, fmt.Errorf("%s: %w", remoteID, gateway.ErrAccountNotFound)
	}
	return *u, nil
}

func (d *fakeDevice) SetEnabled(_ context.Context, remoteID string, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabledCalls = append(d.enabledCalls, enabledCall{ID: remoteID, Enabled: enabled})
	if len(d.setEnabledErrs) > 0 {
		err := d.setEnabledErrs[0]
		d.setEnabledErrs = d.setEnabledErrs[1:]
		if err != nil {
			return err
		}
	}
	u, ok := d.users[remoteID]
	if !ok {
		return &gateway.RemoteError{Site: "test", StatusCode: 400, Message: "no such item"}
	}
	if !enabled && d.ignoreDisable {
		return nil
	}
	u.Disabled = !enabled
	return nil
}

func (d *fakeDevice) ResetCounters(_ context.Context, remoteID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets = append(d.resets, remoteID)
	if d.resetErr != nil {
		return d.resetErr
	}
	if u, ok := d.users[remoteID]; ok {
		u.BytesIn, u.BytesOut = 0, 0
	}
	return nil
}

func (d *fakeDevice) RemoveSession(_ context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removedSessions = append(d.removedSessions, sessionID)
	if d.removeSessErr != nil {
		return d.removeSessErr
	}
	for i := range d.sessions {
		if d.sessions[i].SessionID == sessionID {
			d.closeLocked(i)
			return nil
		}
	}
	return &gateway.RemoteError{Site: "test", StatusCode: 400, Message: "no such item"}
}

func (d *fakeDevice) AddAccount(_ context.Context, in model.NewRemoteAccount) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.addErr != nil {
		return "", d.addErr
	}
	d.added = append(d.added, in)
	d.nextID++
	id := fmt.Sprintf("*A%d", d.nextID)
	d.users[id] = &model.RemoteAccountSnapshot{RemoteID: id, Username: in.Username, Comment: in.Comment, Disabled: in.Disabled}
	return id, nil
}

func (d *fakeDevice) RemoveAccount(_ context.Context, remoteID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removedAccounts = append(d.removedAccounts, remoteID)
	if d.removeAcctErr != nil {
		return d.removeAcctErr
	}
	delete(d.users, remoteID)
	return nil
}

func (d *fakeDevice) Identity(context.Context) (string, error) {
	if d.identityErr != nil {
		return "", d.identityErr
	}
	return "MikroTik", nil
}

type fakeFactory struct {
	dev *fakeDevice
	err error
}

var _ gateway.Factory = (*fakeFactory)(nil)

func (f *fakeFactory) ForSite(*model.Site) (gateway.Client, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.dev, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notify.Message
	err  error
}

var _ notify.Notifier = (*fakeNotifier)(nil)

func (n *fakeNotifier) Send(_ context.Context, m notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, m)
	return n.err
}

type fakeSink struct {
	mu   sync.Mutex
	seen map[string]model.SiteStatus
}

func (s *fakeSink) SetSiteStatus(site string, st model.SiteStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seen == nil {
		s.seen = make(map[string]model.SiteStatus)
	}
	s.seen[site] = st
}

// ---- harness ----

type harness struct {
	site     *model.Site
	accounts *memAccounts
	sites    *memSites
	settings *memSettings
	dev      *fakeDevice
	conns    *memConnLogs
	activity *memActivity
	notifier *fakeNotifier
	clock    *quartz.Mock
	deps     Deps
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	site := &model.Site{
		ID:           uuid.Must(uuid.NewV4()),
		Name:         "campus",
		Host:         "10.0.0.1",
		Status:       model.SiteOnline,
		ActiveCohort: model.CohortNone,
	}
	settings := model.DefaultSettings()
	settings.DailyCreditMB = 500
	settings.NotifyFrom = "hotspotd@example.org"
	settings.NotifyTo = "ops@example.org"

	h := &harness{
		site:     site,
		accounts: newMemAccounts(),
		sites:    newMemSites(site),
		settings: &memSettings{s: &settings},
		dev:      newFakeDevice(),
		conns:    &memConnLogs{},
		activity: &memActivity{},
		notifier: &fakeNotifier{},
		clock:    quartz.NewMock(t),
	}
	h.clock.Set(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	logger := zaptest.NewLogger(t)
	h.deps = Deps{
		Accounts: h.accounts,
		Sites:    h.sites,
		Settings: h.settings,
		Gateways: &fakeFactory{dev: h.dev},
		Recorder: NewRecorder(h.conns, h.activity, h.clock, logger),
		Notifier: h.notifier,
		Clock:    h.clock,
		Retry:    RetryPolicy{Attempts: 2},
		Logger:   logger,
	}
	return h
}

// account stores an active account on the harness site with a matching device user.
func (h *harness) account(username, turma string, quotaMB, usedMB uint64) *model.Account {
	remoteID := "*" + username
	h.dev.addUser(remoteID, username, turma, false)
	return h.accounts.put(model.Account{
		SiteID:          h.site.ID,
		Username:        username,
		RemoteID:        remoteID,
		Turma:           turma,
		QuotaTotalBytes: quotaMB * model.MB,
		UsedBytes:       usedMB * model.MB,
		Status:          model.StatusActive,
	})
}

func (h *harness) reconciler() *ReconcileServiceImpl {
	return NewReconcileService(h.deps, NewEnforcementService(h.deps), nil)
}

var errBoom = errors.New("boom")
