package models

import "time"

// MirrorSource происхождение снимка в локальном зеркале
type MirrorSource string

const (
	// SourceAuthoritative снимок подтверждён хранилищем
	SourceAuthoritative MirrorSource = "authoritative"
	// SourceOptimistic локальная мутация, ещё не подтверждённая хранилищем
	SourceOptimistic MirrorSource = "optimistic"
	// SourceCached устаревший снимок, требующий фонового обновления
	SourceCached MirrorSource = "cached"
)

// MirrorEntry снимок одной записи в локальном зеркале
type MirrorEntry struct {
	Key        Key          `json:"key"`
	Record     *UserRecord  `json:"record"`
	Source     MirrorSource `json:"source"`
	Version    int64        `json:"version"`
	CapturedAt time.Time    `json:"captured_at"`
}

// Clone возвращает глубокую копию элемента зеркала
func (e *MirrorEntry) Clone() *MirrorEntry {
	if e == nil {
		return nil
	}
	out := *e
	out.Record = e.Record.Clone()
	return &out
}

// Stale сообщает, старше ли снимок заданного порога
func (e *MirrorEntry) Stale(now time.Time, threshold time.Duration) bool {
	return now.Sub(e.CapturedAt) > threshold
}
