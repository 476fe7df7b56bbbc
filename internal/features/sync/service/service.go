// Package service is the façade route handlers talk to. It resolves external
// ids into storage keys and hands the real work to the coordinator, the
// subscription manager and the reward applier.
package service

import (
	"context"
	"time"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/common/logger"
	"coinfarm-backend/internal/features/reward"
	"coinfarm-backend/internal/features/sync/coordinator"
	"coinfarm-backend/internal/features/sync/mirror"
	"coinfarm-backend/internal/features/sync/models"
	"coinfarm-backend/internal/features/sync/store"
	"coinfarm-backend/internal/features/sync/subscription"
)

// Status is the connection state exposed to UI callers.
type Status struct {
	Online       bool      `json:"online"`
	LastSyncTime time.Time `json:"last_sync_time"`
}

// Profile carries the chat-platform profile fields applied on first contact.
type Profile struct {
	Username  string
	FirstName string
	LastName  string
}

type SyncService interface {
	EnsureUser(ctx context.Context, externalID string, profile Profile) (*models.UserRecord, error)
	GetUser(ctx context.Context, externalID string) (*models.UserRecord, error)
	WatchUser(externalID string, listener subscription.Listener) (func(), error)
	UpdateUser(ctx context.Context, externalID string, mutator coordinator.Mutator) (*models.UserRecord, error)
	MirrorEntry(externalID string) (*models.MirrorEntry, error)
	ApplyReward(ctx context.Context, externalID, eventID string, fn reward.Fn) (reward.Result, *models.UserRecord, error)
	ApplyRewardGuarded(ctx context.Context, externalID, eventID string, guard reward.Guard, fn reward.Fn) (reward.Result, *models.UserRecord, error)
	SetVisibility(visible bool)
	ConnectionStatus() Status
}

type syncService struct {
	store   store.RecordStore
	mirror  *mirror.Cache
	coord   *coordinator.Coordinator
	subs    *subscription.Manager
	applier *reward.Applier
}

func New(recordStore store.RecordStore, mirrorCache *mirror.Cache, coord *coordinator.Coordinator, subs *subscription.Manager, applier *reward.Applier) SyncService {
	return &syncService{
		store:   recordStore,
		mirror:  mirrorCache,
		coord:   coord,
		subs:    subs,
		applier: applier,
	}
}

// EnsureUser creates the record on first contact from a given external id,
// or refreshes the profile fields of an existing one.
func (s *syncService) EnsureUser(ctx context.Context, externalID string, profile Profile) (*models.UserRecord, error) {
	key, err := models.ResolveKey(externalID)
	if err != nil {
		return nil, err
	}

	record, _, err := s.store.Read(ctx, key)
	if err == nil {
		if record.Username == profile.Username &&
			record.FirstName == profile.FirstName &&
			record.LastName == profile.LastName {
			return record, nil
		}
		return s.coord.Update(ctx, key, profileMutator(profile))
	}
	if !apperrors.HasCode(err, apperrors.ErrCodeNotFound) {
		return nil, err
	}

	// Первый контакт: полная запись с дефолтами. Единственное место,
	// где используется запись целиком вместо patch — и она строго
	// create-only на стороне хранилища.
	fresh := models.NewUserRecord(key.ExternalID())
	fresh.Username = profile.Username
	fresh.FirstName = profile.FirstName
	fresh.LastName = profile.LastName

	version, err := s.store.Write(ctx, key, fresh)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeAlreadyExists) {
			// Проиграли гонку первого контакта: запись уже создана кем-то
			// ещё, дописываем только профиль поверх текущего состояния
			return s.coord.Update(ctx, key, profileMutator(profile))
		}
		return nil, err
	}
	entry := &models.MirrorEntry{
		Key:        key,
		Record:     fresh,
		Source:     models.SourceAuthoritative,
		Version:    version,
		CapturedAt: time.Now().UTC(),
	}
	if _, err := s.mirror.SetIfNewer(entry); err != nil {
		keyLogger := logger.ForKey(string(key))
		keyLogger.Error().Err(err).Msg("Failed to seed mirror for new record")
	}
	s.subs.Broadcast(entry)
	logger.Info().Str("external_id", key.ExternalID()).Msg("Created user record")
	return fresh.Clone(), nil
}

func profileMutator(profile Profile) coordinator.Mutator {
	return func(r *models.UserRecord) (*models.UserRecord, error) {
		r.Username = profile.Username
		r.FirstName = profile.FirstName
		r.LastName = profile.LastName
		return r, nil
	}
}

// GetUser serves the mirror first. A cached (stale) entry is still returned
// when the store cannot be reached: degrading to stale state beats a
// spinner.
func (s *syncService) GetUser(ctx context.Context, externalID string) (*models.UserRecord, error) {
	key, err := models.ResolveKey(externalID)
	if err != nil {
		return nil, err
	}

	entry, err := s.mirror.Get(key)
	if err != nil {
		return nil, err
	}
	if entry != nil && entry.Source == models.SourceAuthoritative {
		return entry.Record.Clone(), nil
	}

	record, version, err := s.store.Read(ctx, key)
	if err != nil {
		if entry != nil && (apperrors.HasCode(err, apperrors.ErrCodeUnavailable) || apperrors.HasCode(err, apperrors.ErrCodeTimeout)) {
			return entry.Record.Clone(), nil
		}
		return nil, err
	}

	fresh := &models.MirrorEntry{
		Key:        key,
		Record:     record,
		Source:     models.SourceAuthoritative,
		Version:    version,
		CapturedAt: time.Now().UTC(),
	}
	if _, err := s.mirror.SetIfNewer(fresh); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

func (s *syncService) WatchUser(externalID string, listener subscription.Listener) (func(), error) {
	key, err := models.ResolveKey(externalID)
	if err != nil {
		return nil, err
	}
	return s.subs.Watch(key, listener), nil
}

func (s *syncService) UpdateUser(ctx context.Context, externalID string, mutator coordinator.Mutator) (*models.UserRecord, error) {
	key, err := models.ResolveKey(externalID)
	if err != nil {
		return nil, err
	}
	return s.coord.Update(ctx, key, mutator)
}

// MirrorEntry exposes the raw mirror state for a record, versions and
// source included. Operator tooling uses it to debug sync discrepancies.
func (s *syncService) MirrorEntry(externalID string) (*models.MirrorEntry, error) {
	key, err := models.ResolveKey(externalID)
	if err != nil {
		return nil, err
	}
	entry, err := s.mirror.Get(key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, apperrors.NewNotFoundError("mirror entry", string(key))
	}
	return entry, nil
}

func (s *syncService) ApplyReward(ctx context.Context, externalID, eventID string, fn reward.Fn) (reward.Result, *models.UserRecord, error) {
	key, err := models.ResolveKey(externalID)
	if err != nil {
		return "", nil, err
	}
	return s.applier.Apply(ctx, key, eventID, fn)
}

// ApplyRewardGuarded re-checks caller-read state inside the serialized
// mutation before the credit lands.
func (s *syncService) ApplyRewardGuarded(ctx context.Context, externalID, eventID string, guard reward.Guard, fn reward.Fn) (reward.Result, *models.UserRecord, error) {
	key, err := models.ResolveKey(externalID)
	if err != nil {
		return "", nil, err
	}
	return s.applier.ApplyGuarded(ctx, key, eventID, guard, fn)
}

func (s *syncService) SetVisibility(visible bool) {
	s.subs.SetVisibility(visible)
}

func (s *syncService) ConnectionStatus() Status {
	conn := s.store.Connectivity()
	return Status{Online: conn.Online, LastSyncTime: conn.LastChange}
}
