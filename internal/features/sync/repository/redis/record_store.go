package redis

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	apperrors "coinfarm-backend/internal/common/errors"
	"coinfarm-backend/internal/common/logger"
	"coinfarm-backend/internal/features/sync/models"
	"coinfarm-backend/internal/features/sync/sanitize"
	"coinfarm-backend/internal/features/sync/store"
	platform "coinfarm-backend/internal/platform/redis"
)

const connectivityProbeInterval = 5 * time.Second

// RecordStore реализует адаптер хранилища записей поверх Redis.
// Записи хранятся JSON-блобами, каждая зафиксированная запись публикуется
// в pub/sub канал изменения ключа вместе с номером версии.
type RecordStore struct {
	client *platform.Client

	// Redis не умеет частичное обновление JSON-блоба, поэтому patch — это
	// read-modify-write под помьютексом по ключу
	locksMu sync.Mutex
	locks   map[models.Key]*sync.Mutex

	connMu sync.RWMutex
	conn   store.Connectivity
}

// changePayload формат уведомления об изменении в pub/sub канале
type changePayload struct {
	Key     string             `json:"key"`
	Version int64              `json:"version"`
	Record  *models.UserRecord `json:"record"`
}

func NewRecordStore(client *platform.Client) *RecordStore {
	return &RecordStore{
		client: client,
		locks:  make(map[models.Key]*sync.Mutex),
		conn:   store.Connectivity{Online: true, LastChange: time.Now().UTC()},
	}
}

// StartConnectivityProbe запускает фоновый мониторинг доступности хранилища.
// Работает до отмены контекста.
func (s *RecordStore) StartConnectivityProbe(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(connectivityProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
				err := s.client.Ping(probeCtx).Err()
				cancel()
				s.setOnline(err == nil)
			}
		}
	}()
}

func (s *RecordStore) setOnline(online bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn.Online != online {
		s.conn = store.Connectivity{Online: online, LastChange: time.Now().UTC()}
		logger.Warn().Bool("online", online).Msg("Record store connectivity changed")
	}
}

func (s *RecordStore) Connectivity() store.Connectivity {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return s.conn
}

func (s *RecordStore) Read(ctx context.Context, key models.Key) (*models.UserRecord, int64, error) {
	raw, err := s.client.Get(ctx, string(key)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, 0, apperrors.NewNotFoundError("record", string(key))
		}
		return nil, 0, s.classify("read", err)
	}

	var record models.UserRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "stored record is not decodable")
	}

	version, err := s.readVersion(ctx, key)
	if err != nil {
		return nil, 0, err
	}
	return &record, version, nil
}

func (s *RecordStore) readVersion(ctx context.Context, key models.Key) (int64, error) {
	version, err := s.client.Get(ctx, key.VersionKey()).Int64()
	if err != nil {
		if err == goredis.Nil {
			return 0, nil
		}
		return 0, s.classify("read_version", err)
	}
	return version, nil
}

// createScript атомарно создаёт блоб и продвигает счётчик версий, но только
// если записи ещё нет. Две гонящиеся попытки первого контакта не могут
// перезаписать друг друга (и любой уже зафиксированный кредит между ними).
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return -1
end
redis.call("SET", KEYS[1], ARGV[1])
return redis.call("INCR", KEYS[2])
`)

// Write сохраняет полную запись и используется только при создании:
// существующая запись никогда не перезаписывается целиком, все остальные
// мутации идут через Patch. Повторное создание возвращает AlreadyExists.
func (s *RecordStore) Write(ctx context.Context, key models.Key, record *models.UserRecord) (int64, error) {
	clean, err := sanitize.PrepareRecord(record)
	if err != nil {
		return 0, err
	}

	raw, err := json.Marshal(clean)
	if err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrCodeMalformedWrite, "record not serializable")
	}

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	version, err := createScript.Run(ctx, s.client, []string{string(key), key.VersionKey()}, raw).Int64()
	if err != nil {
		return 0, s.classify("create", err)
	}
	if version < 0 {
		return 0, apperrors.NewAlreadyExistsError("record", string(key))
	}
	s.publish(ctx, key, clean, version)
	return version, nil
}

// Patch применяет частичное обновление и возвращает зафиксированную запись.
func (s *RecordStore) Patch(ctx context.Context, key models.Key, fields map[string]any) (*models.UserRecord, int64, error) {
	clean, err := sanitize.Prepare(fields)
	if err != nil {
		return nil, 0, err
	}

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	raw, err := s.client.Get(ctx, string(key)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return nil, 0, apperrors.NewNotFoundError("record", string(key))
		}
		return nil, 0, s.classify("patch", err)
	}

	doc := make(map[string]any)
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "stored record is not decodable")
	}

	for k, v := range clean {
		if v == any(sanitize.FieldDeleted) {
			delete(doc, k)
			continue
		}
		doc[k] = v
	}
	// updated_at выставляется на стороне хранилища при каждой записи
	doc["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)

	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "merged record not serializable")
	}

	version, err := s.commit(ctx, key, merged)
	if err != nil {
		return nil, 0, err
	}

	var committed models.UserRecord
	if err := json.Unmarshal(merged, &committed); err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.ErrCodeInternal, "committed record is not decodable")
	}
	s.publish(ctx, key, &committed, version)
	return &committed, version, nil
}

// commit атомарно записывает блоб и продвигает счётчик версий
func (s *RecordStore) commit(ctx context.Context, key models.Key, raw []byte) (int64, error) {
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, string(key), raw, 0)
	incr := pipe.Incr(ctx, key.VersionKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, s.classify("commit", err)
	}
	return incr.Val(), nil
}

func (s *RecordStore) publish(ctx context.Context, key models.Key, record *models.UserRecord, version int64) {
	payload, err := json.Marshal(changePayload{
		Key:     string(key),
		Version: version,
		Record:  record,
	})
	if err != nil {
		keyLogger := logger.ForKey(string(key))
		keyLogger.Error().Err(err).Msg("Failed to encode change notification")
		return
	}
	if err := s.client.Publish(ctx, key.ChangeChannel(), payload).Err(); err != nil {
		// Подписчики переживут пропуск: зеркало догонится фоновым чтением
		keyLogger := logger.ForKey(string(key))
		keyLogger.Warn().Err(err).Msg("Failed to publish change notification")
	}
}

// Subscribe открывает push-подписку на изменения ключа
func (s *RecordStore) Subscribe(ctx context.Context, key models.Key, ch chan<- store.Change) (func(), error) {
	pubsub := s.client.Subscribe(ctx, key.ChangeChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, s.classify("subscribe", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case msg, ok := <-pubsub.Channel():
				if !ok {
					return
				}
				var payload changePayload
				if err := json.Unmarshal([]byte(msg.Payload), &payload); err != nil {
					keyLogger := logger.ForKey(string(key))
					keyLogger.Warn().Err(err).Msg("Dropping undecodable change notification")
					continue
				}
				change := store.Change{Key: models.Key(payload.Key), Record: payload.Record, Version: payload.Version}
				select {
				case ch <- change:
				case <-done:
					return
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			close(done)
			_ = pubsub.Close()
		})
	}
	return stop, nil
}

func (s *RecordStore) keyLock(key models.Key) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

// classify переводит ошибки Redis в таксономию приложения
func (s *RecordStore) classify(operation string, err error) error {
	msg := err.Error()
	if strings.Contains(msg, "NOPERM") || strings.Contains(msg, "NOAUTH") || strings.Contains(msg, "READONLY") {
		return apperrors.NewDeniedError(operation, err)
	}
	if err == context.DeadlineExceeded || strings.Contains(msg, "deadline exceeded") {
		return apperrors.NewTimeoutError(operation, 0)
	}
	if err == context.Canceled || strings.Contains(msg, "context canceled") {
		// Клиент бросил запрос; о доступности хранилища это не говорит ничего
		return apperrors.NewTimeoutError(operation, 0)
	}
	s.setOnline(false)
	return apperrors.NewUnavailableError(operation, err)
}
