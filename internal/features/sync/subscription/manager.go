// Package subscription owns the live push subscription per record key. One
// store subscription is fanned out to any number of local listeners; loss of
// the live channel is never fatal, it degrades to serving the last known
// mirror while reconnecting in the background.
package subscription

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"coinfarm-backend/internal/common/logger"
	"coinfarm-backend/internal/features/sync/mirror"
	"coinfarm-backend/internal/features/sync/models"
	"coinfarm-backend/internal/features/sync/store"
)

// State of a per-key subscription.
type State string

const (
	StateUnsubscribed State = "unsubscribed"
	StateSubscribing  State = "subscribing"
	StateActive       State = "active"
	StateDegraded     State = "degraded"
)

// Listener is a registered change handle. Change messages are delivered as
// full mirror entries; a listener that cannot keep up misses intermediate
// states, never the latest one, because every delivery carries the whole
// record.
type Listener chan *models.MirrorEntry

// Config tunes reconnect behaviour.
type Config struct {
	ReconnectBase time.Duration
	ReconnectCap  time.Duration
	FocusDebounce time.Duration
}

func (c Config) withDefaults() Config {
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = 30 * time.Second
	}
	if c.FocusDebounce <= 0 {
		c.FocusDebounce = 3 * time.Second
	}
	return c
}

// Manager keeps exactly one live store subscription per key per process.
type Manager struct {
	store  store.RecordStore
	mirror *mirror.Cache
	cfg    Config

	mu       sync.Mutex
	subs     map[models.Key]*keySub
	visible  bool
	hiddenAt time.Time
}

type keySub struct {
	key       models.Key
	state     State
	listeners map[int]Listener
	nextID    int
	cancel    context.CancelFunc
	kick      chan struct{}
}

func NewManager(recordStore store.RecordStore, mirrorCache *mirror.Cache, cfg Config) *Manager {
	return &Manager{
		store:   recordStore,
		mirror:  mirrorCache,
		cfg:     cfg.withDefaults(),
		subs:    make(map[models.Key]*keySub),
		visible: true,
	}
}

// Watch registers a listener for key. The first watcher opens the store
// subscription; the last unwatch closes it. The current mirror entry, if
// any, is delivered to the new listener immediately so the caller never
// waits on the network for first paint.
func (m *Manager) Watch(key models.Key, listener Listener) func() {
	m.mu.Lock()
	ks, ok := m.subs[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		ks = &keySub{
			key:       key,
			state:     StateSubscribing,
			listeners: make(map[int]Listener),
			cancel:    cancel,
			kick:      make(chan struct{}, 1),
		}
		m.subs[key] = ks
		go m.run(ctx, ks)
	}
	id := ks.nextID
	ks.nextID++
	ks.listeners[id] = listener
	m.mu.Unlock()

	if entry, err := m.mirror.Get(key); err == nil && entry != nil {
		deliver(listener, entry)
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.unwatch(key, id) })
	}
}

func (m *Manager) unwatch(key models.Key, id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.subs[key]
	if !ok {
		return
	}
	delete(ks.listeners, id)
	if len(ks.listeners) == 0 {
		ks.cancel()
		ks.state = StateUnsubscribed
		delete(m.subs, key)
	}
}

// State reports the subscription state for key.
func (m *Manager) State(key models.Key) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ks, ok := m.subs[key]; ok {
		return ks.state
	}
	return StateUnsubscribed
}

// Broadcast fans a mirror entry out to the listeners of its key. The update
// coordinator uses this for optimistic and reconciled entries.
func (m *Manager) Broadcast(entry *models.MirrorEntry) {
	m.mu.Lock()
	listeners := make([]Listener, 0, 4)
	if ks, ok := m.subs[entry.Key]; ok {
		for _, l := range ks.listeners {
			listeners = append(listeners, l)
		}
	}
	m.mu.Unlock()
	for _, l := range listeners {
		deliver(l, entry)
	}
}

// SetVisibility feeds the host environment's visibilitychange/focus signal.
// A transition back to visible triggers an immediate reconnect attempt, but
// only when the connectivity signal agrees that we are online and the tab
// was actually hidden longer than the debounce window.
func (m *Manager) SetVisibility(visible bool) {
	m.mu.Lock()
	wasVisible := m.visible
	m.visible = visible
	if !visible && wasVisible {
		m.hiddenAt = time.Now()
	}
	hiddenFor := time.Since(m.hiddenAt)
	var toKick []*keySub
	if visible && !wasVisible && hiddenFor >= m.cfg.FocusDebounce {
		for _, ks := range m.subs {
			if ks.state == StateDegraded {
				toKick = append(toKick, ks)
			}
		}
	}
	m.mu.Unlock()

	if len(toKick) > 0 && m.store.Connectivity().Online {
		for _, ks := range toKick {
			select {
			case ks.kick <- struct{}{}:
			default:
			}
		}
	}
}

func (m *Manager) setState(ks *keySub, state State) {
	m.mu.Lock()
	ks.state = state
	m.mu.Unlock()
}

// run drives one key's subscription through its state machine:
// Subscribing -> Active -> Degraded -> Active, until the last watcher leaves.
func (m *Manager) run(ctx context.Context, ks *keySub) {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		m.setState(ks, StateSubscribing)

		ch := make(chan store.Change, 16)
		stop, err := m.store.Subscribe(ctx, ks.key, ch)
		if err != nil {
			m.setState(ks, StateDegraded)
			keyLogger := logger.ForKey(string(ks.key))
			keyLogger.Warn().Err(err).Msg("Subscription failed, backing off")
			if !m.waitRetry(ctx, ks, attempt) {
				return
			}
			attempt++
			continue
		}

		m.setState(ks, StateActive)
		attempt = 0

		// Catch up on anything committed while we were not listening
		m.refresh(ctx, ks.key)

		if !m.pump(ctx, ks, ch) {
			stop()
			return
		}
		stop()
		m.setState(ks, StateDegraded)
		if !m.waitRetry(ctx, ks, attempt) {
			return
		}
		attempt++
	}
}

// pump delivers changes while the store stays reachable. Returns false when
// the context is done, true when the subscription should be rebuilt.
func (m *Manager) pump(ctx context.Context, ks *keySub, ch <-chan store.Change) bool {
	probe := time.NewTicker(2 * time.Second)
	defer probe.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case change := <-ch:
			m.apply(ks, change)
		case <-probe.C:
			if !m.store.Connectivity().Online {
				return true
			}
		}
	}
}

// apply updates the mirror before any listener sees the change, so listeners
// always observe a consistent mirror in non-decreasing version order.
func (m *Manager) apply(ks *keySub, change store.Change) {
	if change.Record == nil {
		return
	}
	entry := &models.MirrorEntry{
		Key:        ks.key,
		Record:     change.Record,
		Source:     models.SourceAuthoritative,
		Version:    change.Version,
		CapturedAt: time.Now().UTC(),
	}
	applied, err := m.mirror.SetIfNewer(entry)
	if err != nil {
		keyLogger := logger.ForKey(string(ks.key))
		keyLogger.Error().Err(err).Msg("Failed to update mirror from change")
		return
	}
	if !applied {
		// Поздняя доставка с меньшей версией — отбрасываем
		return
	}
	m.Broadcast(entry)
}

// refresh reads the authoritative record once and folds it in as a change.
func (m *Manager) refresh(ctx context.Context, key models.Key) {
	readCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	record, version, err := m.store.Read(readCtx, key)
	if err != nil {
		return
	}
	m.mu.Lock()
	ks, ok := m.subs[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.apply(ks, store.Change{Key: key, Record: record, Version: version})
}

// waitRetry sleeps the exponential backoff (with jitter) or until kicked by
// a foreground transition. Retries are unbounded while a listener remains.
func (m *Manager) waitRetry(ctx context.Context, ks *keySub, attempt int) bool {
	delay := m.cfg.ReconnectBase << uint(attempt)
	if delay > m.cfg.ReconnectCap || delay <= 0 {
		delay = m.cfg.ReconnectCap
	}
	// full jitter: [base, delay]
	if delay > m.cfg.ReconnectBase {
		delay = m.cfg.ReconnectBase + time.Duration(rand.Int63n(int64(delay-m.cfg.ReconnectBase)))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-ks.kick:
		return true
	case <-timer.C:
		return true
	}
}

func deliver(l Listener, entry *models.MirrorEntry) {
	select {
	case l <- entry.Clone():
	default:
		// Слушатель не успевает: пропускаем, следующее сообщение принесёт
		// полный актуальный снимок
	}
}
