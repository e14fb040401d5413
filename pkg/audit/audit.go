// Package audit implements the per-actor, hash-chained audit ledger.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"sentryrag/pkg/models"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Writer appends to and verifies the audit ledger.
type Writer struct {
	DB auditDB

	mu       sync.Mutex
	actorMus map[string]*sync.Mutex
}

var (
	ErrChainBroken = errors.New("audit: hash chain broken")
	ErrNotFound    = errors.New("audit: record not found")
)

func (w *Writer) lockActor(actor string) func() {
	w.mu.Lock()
	if w.actorMus == nil {
		w.actorMus = map[string]*sync.Mutex{}
	}
	m, ok := w.actorMus[actor]
	if !ok {
		m = &sync.Mutex{}
		w.actorMus[actor] = m
	}
	w.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Emit appends a new record to actor's chain, computing prev_hash from the
// most recent prior record for that actor and the spec-exact hash over the
// new record's fields. Serialized per-actor so the chain totally orders
// even under concurrent callers within this process.
func (w *Writer) Emit(ctx context.Context, actor, action, objectID, objectType, decision, reason string, metadata map[string]interface{}) (models.AuditRecord, error) {
	if w.DB == nil {
		return models.AuditRecord{}, errors.New("audit: db required")
	}
	unlock := w.lockActor(actor)
	defer unlock()

	prevHash, err := w.latestHash(ctx, actor)
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("audit: lookup prev_hash: %w", err)
	}

	rec := models.AuditRecord{
		EventID:    uuid.NewString(),
		Ts:         time.Now().UTC(),
		Actor:      actor,
		Action:     action,
		ObjectID:   objectID,
		ObjectType: objectType,
		Decision:   decision,
		Reason:     reason,
		Metadata:   metadata,
		PrevHash:   prevHash,
	}
	rec.Hash, err = computeHash(rec)
	if err != nil {
		return models.AuditRecord{}, err
	}

	var metaRaw json.RawMessage
	if metadata != nil {
		metaRaw, err = json.Marshal(metadata)
		if err != nil {
			return models.AuditRecord{}, fmt.Errorf("audit: marshal metadata: %w", err)
		}
	}
	_, err = w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(event_id, ts, actor, action, object_id, object_type, decision, reason, metadata, hash, prev_hash)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, rec.EventID, rec.Ts, rec.Actor, rec.Action, rec.ObjectID, rec.ObjectType, rec.Decision, rec.Reason, metaRaw, rec.Hash, nullableString(rec.PrevHash))
	if err != nil {
		return models.AuditRecord{}, fmt.Errorf("audit: insert: %w", err)
	}
	return rec, nil
}

func (w *Writer) latestHash(ctx context.Context, actor string) (string, error) {
	var hash *string
	row := w.DB.QueryRow(ctx, `
		SELECT hash FROM audit_records WHERE actor=$1 ORDER BY ts DESC, event_id DESC LIMIT 1
	`, actor)
	if err := row.Scan(&hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	if hash == nil {
		return "", nil
	}
	return *hash, nil
}

// ReadByActor returns actor's ledger ordered oldest-first, optionally bounded by [since, until).
func (w *Writer) ReadByActor(ctx context.Context, actor string, since, until time.Time) ([]models.AuditRecord, error) {
	if w.DB == nil {
		return nil, errors.New("audit: db required")
	}
	rows, err := w.DB.Query(ctx, `
		SELECT event_id, ts, actor, action, object_id, object_type, decision, reason, metadata, hash, prev_hash
		FROM audit_records
		WHERE actor=$1 AND ($2::timestamptz IS NULL OR ts >= $2) AND ($3::timestamptz IS NULL OR ts < $3)
		ORDER BY ts ASC, event_id ASC
	`, actor, nullableTime(since), nullableTime(until))
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	var out []models.AuditRecord
	for rows.Next() {
		var rec models.AuditRecord
		var metaRaw json.RawMessage
		var prevHash *string
		if err := rows.Scan(&rec.EventID, &rec.Ts, &rec.Actor, &rec.Action, &rec.ObjectID, &rec.ObjectType, &rec.Decision, &rec.Reason, &metaRaw, &rec.Hash, &prevHash); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		if prevHash != nil {
			rec.PrevHash = *prevHash
		}
		if len(metaRaw) > 0 {
			if err := json.Unmarshal(metaRaw, &rec.Metadata); err != nil {
				return nil, fmt.Errorf("audit: unmarshal metadata: %w", err)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Verify recomputes the hash chain over records, taken oldest-first with the
// first record expected to have an empty prev_hash, and reports whether every
// record's hash matches its fields and every prev_hash links to the
// immediately preceding record's hash.
func Verify(records []models.AuditRecord) error {
	prev := ""
	for i, rec := range records {
		if rec.PrevHash != prev {
			return fmt.Errorf("%w: record %d (%s) prev_hash mismatch", ErrChainBroken, i, rec.EventID)
		}
		want, err := computeHash(rec)
		if err != nil {
			return err
		}
		if want != rec.Hash {
			return fmt.Errorf("%w: record %d (%s) hash mismatch", ErrChainBroken, i, rec.EventID)
		}
		prev = rec.Hash
	}
	return nil
}

// computeHash implements the spec-exact formula:
//
//	SHA256(event_id || ts || actor || action || object_id || object_type ||
//	       decision || reason || prev_hash || canonicalize(metadata))
func computeHash(rec models.AuditRecord) (string, error) {
	metaCanon, err := canonicalizeMetadata(rec.Metadata)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize metadata: %w", err)
	}
	h := sha256.New()
	parts := []string{
		rec.EventID,
		rec.Ts.UTC().Format(time.RFC3339Nano),
		rec.Actor,
		rec.Action,
		rec.ObjectID,
		rec.ObjectType,
		rec.Decision,
		rec.Reason,
		rec.PrevHash,
	}
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0x1f}) // unit separator, keeps field boundaries unambiguous
	}
	h.Write(metaCanon)
	return hex.EncodeToString(h.Sum(nil)), nil
}

func canonicalizeMetadata(meta map[string]interface{}) ([]byte, error) {
	if len(meta) == 0 {
		return []byte("{}"), nil
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	return models.CanonicalizeJSONAllowFloat(raw)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
