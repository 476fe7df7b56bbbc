// Package storetest provides an in-memory RecordStore for tests, with
// injectable failures and a controllable connectivity signal.
package storetest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/features/sync/models"
	"coinfarm-backend/internal/features/sync/sanitize"
	"coinfarm-backend/internal/features/sync/store"
)

type FakeStore struct {
	mu       sync.Mutex
	records  map[models.Key]map[string]any
	versions map[models.Key]int64
	subs     map[models.Key]map[int]chan<- store.Change
	nextSub  int

	online     bool
	lastChange time.Time

	// ReadErr, when set, fails every Read with that error.
	ReadErr error
	// PatchErr, when set, fails every Patch with that error.
	PatchErr error
	// SubscribeErr, when set, fails every Subscribe with that error.
	SubscribeErr error
	// PatchStarted, when non-nil, is invoked at the head of every Patch
	// while the store lock is NOT held. Used to exercise serialization.
	PatchStarted func()

	patchCalls int
}

func New() *FakeStore {
	return &FakeStore{
		records:  make(map[models.Key]map[string]any),
		versions: make(map[models.Key]int64),
		subs:     make(map[models.Key]map[int]chan<- store.Change),
		online:   true,
	}
}

func (f *FakeStore) Read(_ context.Context, key models.Key) (*models.UserRecord, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReadErr != nil {
		return nil, 0, f.ReadErr
	}
	doc, ok := f.records[key]
	if !ok {
		return nil, 0, apperrors.NewNotFoundError("record", string(key))
	}
	record, err := decode(doc)
	if err != nil {
		return nil, 0, err
	}
	return record, f.versions[key], nil
}

func (f *FakeStore) Write(_ context.Context, key models.Key, record *models.UserRecord) (int64, error) {
	clean, err := sanitize.PrepareRecord(record)
	if err != nil {
		return 0, err
	}
	doc, err := encode(clean)
	if err != nil {
		return 0, err
	}

	f.mu.Lock()
	if _, exists := f.records[key]; exists {
		f.mu.Unlock()
		return 0, apperrors.NewAlreadyExistsError("record", string(key))
	}
	f.records[key] = doc
	f.versions[key]++
	version := f.versions[key]
	f.mu.Unlock()

	f.emit(key, clean.Clone(), version)
	return version, nil
}

func (f *FakeStore) Patch(_ context.Context, key models.Key, fields map[string]any) (*models.UserRecord, int64, error) {
	if hook := f.PatchStarted; hook != nil {
		hook()
	}

	clean, err := sanitize.Prepare(fields)
	if err != nil {
		return nil, 0, err
	}

	f.mu.Lock()
	f.patchCalls++
	if f.PatchErr != nil {
		err := f.PatchErr
		f.mu.Unlock()
		return nil, 0, err
	}
	doc, ok := f.records[key]
	if !ok {
		f.mu.Unlock()
		return nil, 0, apperrors.NewNotFoundError("record", string(key))
	}
	for k, v := range clean {
		if v == any(sanitize.FieldDeleted) {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	doc["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	committed, err := decode(doc)
	if err != nil {
		f.mu.Unlock()
		return nil, 0, err
	}
	f.versions[key]++
	version := f.versions[key]
	f.mu.Unlock()

	f.emit(key, committed.Clone(), version)
	return committed, version, nil
}

func (f *FakeStore) Subscribe(_ context.Context, key models.Key, ch chan<- store.Change) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		return nil, f.SubscribeErr
	}
	id := f.nextSub
	f.nextSub++
	if f.subs[key] == nil {
		f.subs[key] = make(map[int]chan<- store.Change)
	}
	f.subs[key][id] = ch
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.subs[key], id)
	}, nil
}

func (f *FakeStore) Connectivity() store.Connectivity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return store.Connectivity{Online: f.online, LastChange: f.lastChange}
}

// SetOnline flips the connectivity signal.
func (f *FakeStore) SetOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.online != online {
		f.online = online
		f.lastChange = time.Now().UTC()
	}
}

// Emit delivers a synthetic change notification to subscribers, bypassing
// the stored state. Used to simulate late or out-of-order deliveries.
func (f *FakeStore) Emit(key models.Key, record *models.UserRecord, version int64) {
	f.emit(key, record, version)
}

// PatchCalls reports how many Patch attempts the store has seen.
func (f *FakeStore) PatchCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.patchCalls
}

// Record returns the currently stored record for key, or nil.
func (f *FakeStore) Record(key models.Key) *models.UserRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.records[key]
	if !ok {
		return nil
	}
	record, err := decode(doc)
	if err != nil {
		return nil
	}
	return record
}

func (f *FakeStore) emit(key models.Key, record *models.UserRecord, version int64) {
	f.mu.Lock()
	channels := make([]chan<- store.Change, 0, len(f.subs[key]))
	for _, ch := range f.subs[key] {
		channels = append(channels, ch)
	}
	f.mu.Unlock()
	for _, ch := range channels {
		ch <- store.Change{Key: key, Record: record, Version: version}
	}
}

func encode(record *models.UserRecord) (map[string]any, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func decode(doc map[string]any) (*models.UserRecord, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var record models.UserRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
