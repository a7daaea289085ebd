// Package rm implements the resource manager: a dependency graph of named
// producers and consumers used to sequence power transitions. Producers are
// granted through a two-phase protocol; a request may return a Pending that
// the producer resolves later with NotifyCompletion.
package rm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/emergingrobotics/go-ipa/pkg/driver"
	"github.com/emergingrobotics/go-ipa/pkg/logging"
)

// Kind tells producers from consumers.
type Kind int

const (
	Producer Kind = iota
	Consumer
)

func (k Kind) String() string {
	if k == Producer {
		return "producer"
	}
	return "consumer"
}

// State of one resource.
type State int

const (
	Released State = iota
	RequestInProgress
	Granted
	ReleaseInProgress
)

var stateNames = [...]string{
	Released:          "released",
	RequestInProgress: "request-in-progress",
	Granted:           "granted",
	ReleaseInProgress: "release-in-progress",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Event is delivered to notify callbacks.
type Event int

const (
	EventGranted Event = iota
	EventReleased
)

func (e Event) String() string {
	if e == EventGranted {
		return "granted"
	}
	return "released"
}

// NotifyFunc observes the events of one resource.
type NotifyFunc func(evt Event, name string)

// CreateParams describes a new resource. Request and Release are producer
// callbacks; returning driver.ErrInProgress from either defers the
// transition until NotifyCompletion.
type CreateParams struct {
	Name    string
	Kind    Kind
	Request func() error
	Release func() error
	Notify  NotifyFunc
}

// Config tunes a Manager.
type Config struct {
	// Timeout bounds RequestSync and AddDependencySync.
	Timeout time.Duration
	// ReleaseDelay debounces producer release.
	ReleaseDelay time.Duration
}

// DefaultConfig returns the reference timings.
func DefaultConfig() Config {
	return Config{
		Timeout:      5 * time.Second,
		ReleaseDelay: 100 * time.Millisecond,
	}
}

type resource struct {
	name    string
	kind    Kind
	state   State
	request func() error
	release func() error
	notify  []NotifyFunc

	producers map[string]*resource
	consumers map[string]*resource

	// holders counts consumers holding a producer; direct counts plain
	// Request calls on it.
	holders int
	direct  int

	pending     *Pending
	timer       *time.Timer
	releaseGen  uint64
	wantRequest bool
}

func (r *resource) users() int {
	return r.holders + r.direct
}

func (r *resource) holding() bool {
	return r.state == RequestInProgress || r.state == Granted
}

// ResourceInfo is a snapshot of one resource.
type ResourceInfo struct {
	Name      string
	Kind      Kind
	State     State
	Users     int
	Producers []string
	Consumers []string
}

// Manager owns the dependency graph.
type Manager struct {
	mu        sync.Mutex
	resources map[string]*resource
	cfg       Config
	log       *slog.Logger
}

// NewManager creates an empty graph.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.ReleaseDelay < 0 {
		cfg.ReleaseDelay = 0
	}
	return &Manager{
		resources: make(map[string]*resource),
		cfg:       cfg,
		log:       logging.For(logging.ComponentRM),
	}
}

// SetLogger replaces the manager logger.
func (m *Manager) SetLogger(l *slog.Logger) {
	m.log = l
}

// action is work deferred until the graph mutex is dropped.
type action func()

func run(acts []action) {
	for _, a := range acts {
		a()
	}
}

func (m *Manager) get(name string) (*resource, error) {
	r, ok := m.resources[name]
	if !ok {
		return nil, driver.NewError(driver.StatusNoDevice, fmt.Sprintf("resource %q", name))
	}
	return r, nil
}

// Create adds a resource in the released state.
func (m *Manager) Create(p CreateParams) error {
	if p.Name == "" {
		return driver.NewError(driver.StatusInvalidArgument, "resource name is empty")
	}
	if p.Kind != Producer && p.Kind != Consumer {
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("resource kind %d", p.Kind))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.resources[p.Name]; ok {
		return driver.NewError(driver.StatusBusy, fmt.Sprintf("resource %q exists", p.Name))
	}
	r := &resource{
		name:      p.Name,
		kind:      p.Kind,
		request:   p.Request,
		release:   p.Release,
		producers: make(map[string]*resource),
		consumers: make(map[string]*resource),
	}
	if p.Notify != nil {
		r.notify = append(r.notify, p.Notify)
	}
	m.resources[p.Name] = r
	return nil
}

// Delete removes a resource. It fails with ErrBusy while edges exist.
func (m *Manager) Delete(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get(name)
	if err != nil {
		return err
	}
	if len(r.producers) > 0 || len(r.consumers) > 0 {
		return driver.NewError(driver.StatusBusy, fmt.Sprintf("resource %q has dependencies", name))
	}
	m.cancelReleaseLocked(r)
	if r.pending != nil {
		r.pending.resolve(driver.NewError(driver.StatusClosed, fmt.Sprintf("resource %q deleted", name)))
	}
	delete(m.resources, name)
	return nil
}

// RegisterNotify adds an observer to a resource.
func (m *Manager) RegisterNotify(name string, fn NotifyFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get(name)
	if err != nil {
		return err
	}
	r.notify = append(r.notify, fn)
	return nil
}

func (m *Manager) edge(consumer, producer string) (*resource, *resource, error) {
	c, err := m.get(consumer)
	if err != nil {
		return nil, nil, err
	}
	p, err := m.get(producer)
	if err != nil {
		return nil, nil, err
	}
	if c.kind != Consumer || p.kind != Producer {
		return nil, nil, driver.NewError(driver.StatusInvalidArgument,
			fmt.Sprintf("dependency %s -> %s needs consumer -> producer", consumer, producer))
	}
	return c, p, nil
}

// AddDependency makes consumer depend on producer. Adding an existing edge
// is a no-op. If the consumer is held and the producer must be brought up
// first, ErrInProgress is returned and the consumer is granted once the
// producer completes.
func (m *Manager) AddDependency(consumer, producer string) error {
	_, err := m.addDependency(consumer, producer)
	return err
}

func (m *Manager) addDependency(consumer, producer string) (*Pending, error) {
	m.mu.Lock()
	c, p, err := m.edge(consumer, producer)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if _, ok := c.producers[producer]; ok {
		m.mu.Unlock()
		return resolved(nil), nil
	}
	c.producers[producer] = p
	p.consumers[consumer] = c

	if !c.holding() {
		m.mu.Unlock()
		return resolved(nil), nil
	}

	p.holders++
	acts := m.requestProducerLocked(p)
	if p.state != Granted && c.state == Granted {
		c.state = RequestInProgress
		c.pending = newPending()
	}
	pend := c.pending
	if pend == nil {
		pend = resolved(nil)
	}
	m.mu.Unlock()

	run(acts)
	return settle(pend)
}

// settle turns a pending grant into the immediate return of a request.
func settle(p *Pending) (*Pending, error) {
	if p.Resolved() {
		return p, p.Err()
	}
	return p, driver.NewError(driver.StatusInProgress, "grant pending")
}

// AddDependencySync is AddDependency that waits for the grant.
func (m *Manager) AddDependencySync(ctx context.Context, consumer, producer string) error {
	pend, err := m.addDependency(consumer, producer)
	if !errors.Is(err, driver.ErrInProgress) {
		return err
	}
	return m.wait(ctx, consumer, pend)
}

// DeleteDependency removes an edge. A held consumer drops its use of the
// producer, which may schedule the producer's release.
func (m *Manager) DeleteDependency(consumer, producer string) error {
	return m.deleteDependency(consumer, producer, false)
}

// ForceDeleteDependency removes an edge whose producer is unreachable. The
// producer's use count is dropped without releasing it, and a consumer that
// was waiting only on that producer is granted at once.
func (m *Manager) ForceDeleteDependency(consumer, producer string) error {
	return m.deleteDependency(consumer, producer, true)
}

func (m *Manager) deleteDependency(consumer, producer string, force bool) error {
	m.mu.Lock()
	c, p, err := m.edge(consumer, producer)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if _, ok := c.producers[producer]; !ok {
		m.mu.Unlock()
		return driver.NewError(driver.StatusNoDevice, fmt.Sprintf("no dependency %s -> %s", consumer, producer))
	}
	delete(c.producers, producer)
	delete(p.consumers, consumer)

	var acts []action
	if c.holding() {
		p.holders--
		if force {
			m.log.Warn("dependency force deleted", "consumer", consumer, "producer", producer)
		} else {
			m.releaseUseLocked(p)
		}
		if c.state == RequestInProgress && m.allGrantedLocked(c) {
			acts = append(acts, m.grantConsumerLocked(c)...)
		}
	}
	m.mu.Unlock()

	run(acts)
	return nil
}

func (m *Manager) allGrantedLocked(c *resource) bool {
	for _, p := range c.producers {
		if p.state != Granted {
			return false
		}
	}
	return true
}

func (m *Manager) notifyActs(r *resource, evt Event) []action {
	if len(r.notify) == 0 {
		return nil
	}
	fns := append([]NotifyFunc(nil), r.notify...)
	name := r.name
	return []action{func() {
		for _, fn := range fns {
			fn(evt, name)
		}
	}}
}

func (m *Manager) grantConsumerLocked(c *resource) []action {
	c.state = Granted
	if c.pending != nil {
		c.pending.resolve(nil)
	}
	return m.notifyActs(c, EventGranted)
}

// requestProducerLocked brings p up. The caller has already counted its
// use.
func (m *Manager) requestProducerLocked(p *resource) []action {
	m.cancelReleaseLocked(p)

	switch p.state {
	case Granted, RequestInProgress:
		return nil
	case ReleaseInProgress:
		p.wantRequest = true
		if p.pending == nil || p.pending.Resolved() {
			p.pending = newPending()
		}
		return nil
	}
	p.state = RequestInProgress
	if p.pending == nil || p.pending.Resolved() {
		p.pending = newPending()
	}
	return []action{func() { m.invokeRequest(p) }}
}

func (m *Manager) invokeRequest(p *resource) {
	var err error
	if p.request != nil {
		err = p.request()
	}

	m.mu.Lock()
	var acts []action
	switch {
	case p.state != RequestInProgress:
	case err == nil:
		acts = m.grantProducerLocked(p)
	case errors.Is(err, driver.ErrInProgress):
		m.log.Debug("producer request in progress", "producer", p.name)
	default:
		m.log.Error("producer request failed", "producer", p.name, "error", err)
		acts = m.failProducerLocked(p, err)
	}
	m.mu.Unlock()
	run(acts)
}

func (m *Manager) grantProducerLocked(p *resource) []action {
	p.state = Granted
	if p.pending != nil {
		p.pending.resolve(nil)
	}
	acts := m.notifyActs(p, EventGranted)
	for _, c := range p.consumers {
		if c.state == RequestInProgress && m.allGrantedLocked(c) {
			acts = append(acts, m.grantConsumerLocked(c)...)
		}
	}
	if p.users() == 0 {
		m.scheduleReleaseLocked(p)
	}
	return acts
}

func (m *Manager) failProducerLocked(p *resource, err error) []action {
	p.state = Released
	p.direct = 0
	if p.pending != nil {
		p.pending.resolve(err)
	}
	for _, c := range p.consumers {
		if c.state != RequestInProgress {
			continue
		}
		c.state = Released
		if c.pending != nil {
			c.pending.resolve(err)
		}
		for _, other := range c.producers {
			other.holders--
			if other != p {
				m.releaseUseLocked(other)
			}
		}
	}
	return nil
}

// Request asks for a resource. Requesting a granted resource succeeds at
// once; otherwise ErrInProgress is returned with a Pending that resolves
// when every producer involved is granted.
func (m *Manager) Request(name string) (*Pending, error) {
	m.mu.Lock()
	r, err := m.get(name)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	var acts []action
	var pend *Pending
	if r.kind == Producer {
		r.direct++
		acts = m.requestProducerLocked(r)
		if r.state == Granted {
			pend = resolved(nil)
		} else {
			pend = r.pending
		}
	} else {
		switch r.state {
		case Granted:
			pend = resolved(nil)
		case RequestInProgress:
			pend = r.pending
		default:
			r.state = RequestInProgress
			r.pending = newPending()
			pend = r.pending
			for _, p := range r.producers {
				p.holders++
				acts = append(acts, m.requestProducerLocked(p)...)
			}
			if m.allGrantedLocked(r) {
				acts = append(acts, m.grantConsumerLocked(r)...)
			}
		}
	}
	m.mu.Unlock()

	run(acts)
	return settle(pend)
}

// RequestSync requests name and waits for the grant. Waiting longer than
// the configured timeout means the hardware behind the producer is gone;
// it returns ErrUnrecoverable.
func (m *Manager) RequestSync(ctx context.Context, name string) error {
	pend, err := m.Request(name)
	if !errors.Is(err, driver.ErrInProgress) {
		return err
	}
	return m.wait(ctx, name, pend)
}

func (m *Manager) wait(ctx context.Context, name string, pend *Pending) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	err := pend.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		m.log.Error("resource grant timed out", "resource", name, "timeout", m.cfg.Timeout)
		return driver.NewErrorWithCause(driver.StatusUnrecoverable,
			fmt.Sprintf("%q not granted within %v", name, m.cfg.Timeout), err)
	}
	return err
}

// Release drops a use of the resource. Releasing a released resource is a
// no-op. Producers go down after the release delay once unused; a second
// release within the delay reschedules rather than duplicates the work.
func (m *Manager) Release(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get(name)
	if err != nil {
		return err
	}

	if r.kind == Producer {
		if r.direct > 0 {
			r.direct--
		}
		m.releaseUseLocked(r)
		return nil
	}

	if !r.holding() {
		return nil
	}
	if r.state == RequestInProgress && r.pending != nil {
		r.pending.resolve(driver.NewError(driver.StatusAgain, fmt.Sprintf("%q released before grant", name)))
	}
	r.state = Released
	for _, p := range r.producers {
		p.holders--
		m.releaseUseLocked(p)
	}
	return nil
}

func (m *Manager) releaseUseLocked(p *resource) {
	if p.users() > 0 {
		return
	}
	switch p.state {
	case Granted, RequestInProgress:
		m.scheduleReleaseLocked(p)
	case ReleaseInProgress:
		if p.wantRequest && p.pending != nil {
			p.pending.resolve(driver.NewError(driver.StatusAgain, fmt.Sprintf("%q released before grant", p.name)))
		}
		p.wantRequest = false
	}
}

func (m *Manager) scheduleReleaseLocked(p *resource) {
	m.cancelReleaseLocked(p)
	gen := p.releaseGen
	p.timer = time.AfterFunc(m.cfg.ReleaseDelay, func() { m.doRelease(p, gen) })
}

func (m *Manager) cancelReleaseLocked(p *resource) {
	p.releaseGen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (m *Manager) doRelease(p *resource, gen uint64) {
	m.mu.Lock()
	if gen != p.releaseGen || p.users() > 0 || p.state != Granted {
		m.mu.Unlock()
		return
	}
	p.timer = nil
	p.state = ReleaseInProgress
	m.mu.Unlock()

	var err error
	if p.release != nil {
		err = p.release()
	}

	m.mu.Lock()
	var acts []action
	switch {
	case p.state != ReleaseInProgress:
	case err == nil:
		acts = m.releasedLocked(p)
	case errors.Is(err, driver.ErrInProgress):
		m.log.Debug("producer release in progress", "producer", p.name)
	default:
		m.log.Error("producer release failed", "producer", p.name, "error", err)
		acts = m.releasedLocked(p)
	}
	m.mu.Unlock()
	run(acts)
}

func (m *Manager) releasedLocked(p *resource) []action {
	p.state = Released
	acts := m.notifyActs(p, EventReleased)
	if p.wantRequest {
		p.wantRequest = false
		if p.users() > 0 {
			acts = append(acts, m.requestProducerLocked(p)...)
		}
	}
	return acts
}

// NotifyCompletion is called by a producer whose callback returned
// ErrInProgress once the transition finished. Completions that do not match
// an in-flight transition are ignored.
func (m *Manager) NotifyCompletion(evt Event, producer string) error {
	m.mu.Lock()
	p, err := m.get(producer)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if p.kind != Producer {
		m.mu.Unlock()
		return driver.NewError(driver.StatusInvalidArgument, fmt.Sprintf("%q is not a producer", producer))
	}

	var acts []action
	switch {
	case evt == EventGranted && p.state == RequestInProgress:
		acts = m.grantProducerLocked(p)
	case evt == EventReleased && p.state == ReleaseInProgress:
		acts = m.releasedLocked(p)
	default:
		m.log.Debug("stale completion", "producer", producer, "event", evt.String(), "state", p.state.String())
	}
	m.mu.Unlock()

	run(acts)
	return nil
}

// StateOf returns the state of a resource.
func (m *Manager) StateOf(name string) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.get(name)
	if err != nil {
		return Released, err
	}
	return r.state, nil
}

// IsGranted reports whether name is granted.
func (m *Manager) IsGranted(name string) bool {
	st, err := m.StateOf(name)
	return err == nil && st == Granted
}

func sortedKeys(set map[string]*resource) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Resources returns a snapshot of the graph sorted by name.
func (m *Manager) Resources() []ResourceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ResourceInfo, 0, len(m.resources))
	for _, r := range m.resources {
		out = append(out, ResourceInfo{
			Name:      r.name,
			Kind:      r.kind,
			State:     r.state,
			Users:     r.users(),
			Producers: sortedKeys(r.producers),
			Consumers: sortedKeys(r.consumers),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
