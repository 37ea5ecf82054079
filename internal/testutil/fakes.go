// Package testutil holds hand-written fakes shared by package tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
	"github.com/GTJasonMK/AnyRounterTool/internal/port"
)

// ErrNoElement is returned by FakeSession for selectors that are not on the page.
var ErrNoElement = errors.New("no such element")

// ============================================================
// Sessions
// ============================================================

// FakeSession is a scriptable port.Session.
// Elements maps selectors present on the current page to their text.
type FakeSession struct {
	mu sync.Mutex

	URL      string
	Elements map[string]string

	// NavigateFn, when set, maps the requested URL to the resulting location.
	NavigateFn func(url string) string
	// ClickFn runs after a successful click, with the lock released.
	ClickFn func(s *FakeSession, selector string)
	// EvalFn answers Evaluate; its result is JSON round-tripped into out.
	EvalFn func(script string) (any, error)
	// AliveFn, when set, answers Alive in place of AliveErr.
	AliveFn func(ctx context.Context) error

	NavigateErr error
	AliveErr    error
	ResetErr    error

	Navigations []string
	Clicks      []string
	Typed       map[string]string
	Scripts     []string
	Resets      int
	Closes      int
}

// NewFakeSession returns an empty session parked on about:blank.
func NewFakeSession() *FakeSession {
	return &FakeSession{
		URL:      "about:blank",
		Elements: map[string]string{},
		Typed:    map[string]string{},
	}
}

// SetElements replaces the current page's elements.
func (s *FakeSession) SetElements(elems map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Elements = elems
}

// SetURL moves the session to url without recording a navigation.
func (s *FakeSession) SetURL(url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.URL = url
}

func (s *FakeSession) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Navigations = append(s.Navigations, url)
	if s.NavigateErr != nil {
		return s.NavigateErr
	}
	if s.NavigateFn != nil {
		s.URL = s.NavigateFn(url)
	} else {
		s.URL = url
	}
	return nil
}

func (s *FakeSession) Location(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.URL, nil
}

func (s *FakeSession) Evaluate(ctx context.Context, script string, out any) error {
	s.mu.Lock()
	s.Scripts = append(s.Scripts, script)
	fn := s.EvalFn
	s.mu.Unlock()

	if fn == nil {
		return nil
	}
	v, err := fn(script)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *FakeSession) Exists(_ context.Context, selector string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.Elements[selector]
	return ok, nil
}

func (s *FakeSession) WaitVisible(_ context.Context, selector string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Elements[selector]; !ok {
		return fmt.Errorf("wait visible %q: %w", selector, context.DeadlineExceeded)
	}
	return nil
}

func (s *FakeSession) WaitGone(_ context.Context, selector string, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Elements[selector]; ok {
		return fmt.Errorf("wait gone %q: %w", selector, context.DeadlineExceeded)
	}
	return nil
}

func (s *FakeSession) Click(_ context.Context, selector string) error {
	s.mu.Lock()
	if _, ok := s.Elements[selector]; !ok {
		s.mu.Unlock()
		return fmt.Errorf("click %q: %w", selector, ErrNoElement)
	}
	s.Clicks = append(s.Clicks, selector)
	fn := s.ClickFn
	s.mu.Unlock()

	if fn != nil {
		fn(s, selector)
	}
	return nil
}

func (s *FakeSession) SendKeys(_ context.Context, selector, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.Elements[selector]; !ok {
		return fmt.Errorf("send keys %q: %w", selector, ErrNoElement)
	}
	s.Typed[selector] = text
	return nil
}

func (s *FakeSession) Text(_ context.Context, selector string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.Elements[selector]
	if !ok {
		return "", fmt.Errorf("text %q: %w", selector, ErrNoElement)
	}
	return text, nil
}

func (s *FakeSession) Alive(ctx context.Context) error {
	s.mu.Lock()
	fn, err := s.AliveFn, s.AliveErr
	s.mu.Unlock()
	if fn != nil {
		return fn(ctx)
	}
	return err
}

// Kill makes every following liveness check fail.
func (s *FakeSession) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AliveErr = errors.New("browser crashed")
}

func (s *FakeSession) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Resets++
	if s.ResetErr != nil {
		return s.ResetErr
	}
	s.URL = "about:blank"
	return nil
}

func (s *FakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closes++
	return nil
}

// Calls returns the number of navigations and clicks recorded so far.
func (s *FakeSession) Calls() (navigations, clicks int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Navigations), len(s.Clicks)
}

// FakeFactory creates FakeSessions. Build, when set, configures each new session.
type FakeFactory struct {
	mu sync.Mutex

	Build func(n int, s *FakeSession)
	Err   error
	// FailAfter makes every creation beyond this count fail; 0 disables it.
	FailAfter int

	Created []*FakeSession
}

func (f *FakeFactory) NewSession(ctx context.Context) (port.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	if f.FailAfter > 0 && len(f.Created) >= f.FailAfter {
		return nil, errors.New("browser launch failed")
	}
	s := NewFakeSession()
	if f.Build != nil {
		f.Build(len(f.Created), s)
	}
	f.Created = append(f.Created, s)
	return s, nil
}

// Sessions returns a copy of every session created so far.
func (f *FakeFactory) Sessions() []*FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*FakeSession(nil), f.Created...)
}

// ============================================================
// Resolution collaborators
// ============================================================

// StubQuerier answers fast-path queries from a fixed table keyed by API key.
type StubQuerier struct {
	mu      sync.Mutex
	Results map[string]domain.ApiBalanceResult
	Queries []string
}

func (q *StubQuerier) Query(_ context.Context, apiKey string) domain.ApiBalanceResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Queries = append(q.Queries, apiKey)
	if r, ok := q.Results[apiKey]; ok {
		return r
	}
	return domain.ApiBalanceResult{Message: "no stubbed result"}
}

// Count returns how many queries were made.
func (q *StubQuerier) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.Queries)
}

// StubAuthenticator returns Result for every login and counts calls.
type StubAuthenticator struct {
	mu     sync.Mutex
	Result port.LoginResult
	Logins []string
}

func (a *StubAuthenticator) Login(_ context.Context, _ port.Session, username, _ string) port.LoginResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Logins = append(a.Logins, username)
	return a.Result
}

// Count returns how many logins were attempted.
func (a *StubAuthenticator) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.Logins)
}

// StubExtractor returns Result for every extraction.
type StubExtractor struct {
	Result port.ExtractResult
}

func (e *StubExtractor) Extract(context.Context, port.Session) port.ExtractResult {
	return e.Result
}

// StubSyncer records the balances it was asked to sync.
type StubSyncer struct {
	mu       sync.Mutex
	Outcome  domain.SyncOutcome
	Balances []string
}

func (s *StubSyncer) Sync(_ context.Context, _ port.Session, balance string) domain.SyncOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Balances = append(s.Balances, balance)
	return s.Outcome
}

// ============================================================
// Persistence
// ============================================================

// MemCycle is an in-memory port.CycleTracker. Forced users get ShouldForceSession=true
// until marked.
type MemCycle struct {
	mu     sync.Mutex
	Forced map[string]bool
	Marked []string
}

func NewMemCycle(forced ...string) *MemCycle {
	c := &MemCycle{Forced: map[string]bool{}}
	for _, u := range forced {
		c.Forced[u] = true
	}
	return c
}

func (c *MemCycle) ShouldForceSession(username string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Forced[username]
}

func (c *MemCycle) MarkSessionSuccess(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Marked = append(c.Marked, username)
	delete(c.Forced, username)
	return nil
}

func (c *MemCycle) Forget(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Forced, username)
	return nil
}

// MarkedUsers returns the users marked so far.
func (c *MemCycle) MarkedUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Marked...)
}

// MemCache is an in-memory port.BalanceCache.
type MemCache struct {
	mu      sync.Mutex
	Records map[string]domain.BalanceCacheRecord
	Puts    int
}

func NewMemCache() *MemCache {
	return &MemCache{Records: map[string]domain.BalanceCacheRecord{}}
}

func (c *MemCache) Get(username string) (domain.BalanceCacheRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.Records[username]
	return r, ok
}

func (c *MemCache) Put(username, balance string, outcome *domain.SyncOutcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Puts++
	rec := domain.BalanceCacheRecord{
		Balance:   balance,
		UpdatedAt: time.Now().Format("2006-01-02T15:04:05"),
	}
	if outcome != nil {
		ok := outcome.Success
		rec.SyncSuccess = &ok
		rec.SyncMessage = outcome.Message
	}
	c.Records[username] = rec
	return nil
}

func (c *MemCache) Delete(username string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.Records, username)
	return nil
}

func (c *MemCache) Snapshot() map[string]domain.BalanceCacheRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]domain.BalanceCacheRecord, len(c.Records))
	for k, v := range c.Records {
		out[k] = v
	}
	return out
}

// PutCount returns how many writes the cache received.
func (c *MemCache) PutCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Puts
}

// MemRecorder keeps check records in memory.
type MemRecorder struct {
	mu      sync.Mutex
	Records []domain.CheckRecord
}

func (r *MemRecorder) Record(_ context.Context, rec domain.CheckRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Records = append(r.Records, rec)
	return nil
}

func (r *MemRecorder) Recent(_ context.Context, username string, limit int) ([]domain.CheckRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CheckRecord
	for i := len(r.Records) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if username == "" || r.Records[i].Username == username {
			out = append(out, r.Records[i])
		}
	}
	return out, nil
}

func (r *MemRecorder) Close() error { return nil }

// All returns a copy of every record.
func (r *MemRecorder) All() []domain.CheckRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.CheckRecord(nil), r.Records...)
}

// MemAccounts is an in-memory port.AccountRepository.
type MemAccounts struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
}

func NewMemAccounts(accs ...domain.Account) *MemAccounts {
	m := &MemAccounts{accounts: map[string]domain.Account{}}
	for _, a := range accs {
		m.accounts[a.Username] = a
	}
	return m
}

func (m *MemAccounts) List() []domain.Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

func (m *MemAccounts) Get(username string) (domain.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[username]
	return a, ok
}

func (m *MemAccounts) Add(acc domain.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[acc.Username]; ok {
		return &domain.ErrConflict{Message: "account already exists: " + acc.Username}
	}
	m.accounts[acc.Username] = acc
	return nil
}

func (m *MemAccounts) Update(username string, password, apiKey *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[username]
	if !ok {
		return &domain.ErrNotFound{Resource: "account", ID: username}
	}
	if password != nil {
		a.Password = *password
	}
	if apiKey != nil {
		a.APIKey = strings.TrimSpace(*apiKey)
	}
	m.accounts[username] = a
	return nil
}

func (m *MemAccounts) Remove(username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[username]; !ok {
		return &domain.ErrNotFound{Resource: "account", ID: username}
	}
	delete(m.accounts, username)
	return nil
}

// EventLog is a port.EventSink that records every published result.
type EventLog struct {
	mu     sync.Mutex
	Events []domain.CheckResult
}

func (e *EventLog) Publish(r domain.CheckResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Events = append(e.Events, r)
}

// All returns a copy of the recorded events.
func (e *EventLog) All() []domain.CheckResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]domain.CheckResult(nil), e.Events...)
}
