package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"sentryrag/pkg/models"
)

// retrievalDB is the narrow slice of *pgxpool.Pool the retrieval store needs.
type retrievalDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// RetrievalStore loads subjects, documents, classifications, permissions and
// runs the label-aware pre-filter over fragment embeddings.
type RetrievalStore struct {
	DB retrievalDB
}

func NewRetrievalStore(db retrievalDB) *RetrievalStore {
	return &RetrievalStore{DB: db}
}

func (s *RetrievalStore) LoadSubject(ctx context.Context, subjectID string) (models.Subject, error) {
	var (
		sub        models.Subject
		groupsJSON []byte
		attrsJSON  []byte
	)
	row := s.DB.QueryRow(ctx, `
		SELECT id, email, tenant, assurance_level, groups, attrs
		FROM subjects WHERE id=$1`, subjectID)
	if err := row.Scan(&sub.ID, &sub.Email, &sub.Tenant, &sub.AssuranceLevel, &groupsJSON, &attrsJSON); err != nil {
		if err == pgx.ErrNoRows {
			return models.Subject{}, fmt.Errorf("subject %s: %w", subjectID, ErrNotFound)
		}
		return models.Subject{}, fmt.Errorf("load subject: %w", err)
	}
	if len(groupsJSON) > 0 {
		if err := json.Unmarshal(groupsJSON, &sub.Groups); err != nil {
			return models.Subject{}, fmt.Errorf("decode subject groups: %w", err)
		}
	}
	if len(attrsJSON) > 0 {
		var attrs models.SubjectAttrs
		if err := json.Unmarshal(attrsJSON, &attrs); err != nil {
			return models.Subject{}, fmt.Errorf("decode subject attrs: %w", err)
		}
		sub.Attrs = attrs
	}
	return sub, nil
}

func (s *RetrievalStore) LoadClassification(ctx context.Context, documentID string) (models.Classification, error) {
	var c models.Classification
	row := s.DB.QueryRow(ctx, `
		SELECT document_id, label, confidence, reason, ts
		FROM classifications WHERE document_id=$1
		ORDER BY ts DESC LIMIT 1`, documentID)
	if err := row.Scan(&c.DocumentID, &c.Label, &c.Confidence, &c.Reason, &c.Timestamp); err != nil {
		if err == pgx.ErrNoRows {
			return models.Classification{}, fmt.Errorf("document %s: %w", documentID, ErrNotFound)
		}
		return models.Classification{}, fmt.Errorf("load classification: %w", err)
	}
	return c, nil
}

func (s *RetrievalStore) LoadPermission(ctx context.Context, subject, object, relation string) (models.Permission, bool, error) {
	var attrsJSON []byte
	row := s.DB.QueryRow(ctx, `
		SELECT attrs FROM permissions
		WHERE subject=$1 AND object=$2 AND relation=$3`, subject, object, relation)
	if err := row.Scan(&attrsJSON); err != nil {
		if err == pgx.ErrNoRows {
			return models.Permission{}, false, nil
		}
		return models.Permission{}, false, fmt.Errorf("load permission: %w", err)
	}
	perm := models.Permission{Subject: subject, Object: object, Relation: relation}
	if len(attrsJSON) > 0 {
		if err := json.Unmarshal(attrsJSON, &perm.Attributes); err != nil {
			return models.Permission{}, false, fmt.Errorf("decode permission attrs: %w", err)
		}
	}
	return perm, true, nil
}

// PreFilterFragments returns up to limit fragments for tenant whose label is
// one of allowedLabels, ordered by vector similarity to queryVec.
// Uses the pgvector cosine-distance operator (<=>); similarity is reported as
// 1 - distance, so a higher value means a closer match.
func (s *RetrievalStore) PreFilterFragments(ctx context.Context, tenant string, allowedLabels []string, queryVec []float64, limit int) ([]models.Candidate, error) {
	if len(allowedLabels) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(allowedLabels))
	args := make([]any, 0, len(allowedLabels)+3)
	args = append(args, tenant)
	for i, label := range allowedLabels {
		placeholders[i] = fmt.Sprintf("$%d", i+2)
		args = append(args, label)
	}
	vecArg := len(args) + 1
	limitArg := vecArg + 1
	args = append(args, vectorLiteral(queryVec), limit)

	query := fmt.Sprintf(`
		SELECT f.id, f.document_id, f.ordinal, f.text, f.label, f.tenant,
		       d.source, d.owner_id, 1 - (f.embedding <=> $%d) AS similarity
		FROM fragments f
		JOIN documents d ON d.id = f.document_id
		WHERE f.tenant=$1 AND f.label IN (%s)
		ORDER BY f.embedding <=> $%d
		LIMIT $%d`, vecArg, strings.Join(placeholders, ","), vecArg, limitArg)

	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pre-filter fragments: %w", err)
	}
	defer rows.Close()

	var candidates []models.Candidate
	for rows.Next() {
		var c models.Candidate
		if err := rows.Scan(&c.Fragment.ID, &c.Fragment.DocumentID, &c.Fragment.Ordinal, &c.Fragment.Text, &c.Fragment.Label, &c.Fragment.Tenant, &c.Fragment.Source, &c.Fragment.OwnerID, &c.Similarity); err != nil {
			return nil, fmt.Errorf("scan fragment candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pre-filter fragments: %w", err)
	}
	return candidates, nil
}

func vectorLiteral(vec []float64) string {
	parts := make([]string, len(vec))
	for i, v := range vec {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

var ErrNotFound = fmt.Errorf("not found")
