package store

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeRetrievalRow struct {
	values []any
	err    error
}

func (r *fakeRetrievalRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(r.values))
	}
	for i := range dest {
		if err := assignRetrievalScan(dest[i], r.values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignRetrievalScan(dest, val any) error {
	if val == nil {
		return nil
	}
	switch d := dest.(type) {
	case *string:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		*d = v
		return nil
	case *int:
		v, ok := val.(int)
		if !ok {
			return fmt.Errorf("expected int, got %T", val)
		}
		*d = v
		return nil
	case *float64:
		v, ok := val.(float64)
		if !ok {
			return fmt.Errorf("expected float64, got %T", val)
		}
		*d = v
		return nil
	case *[]byte:
		v, ok := val.([]byte)
		if !ok {
			return fmt.Errorf("expected []byte, got %T", val)
		}
		*d = v
		return nil
	default:
		return fmt.Errorf("unsupported scan dest %T", dest)
	}
}

type fakeRetrievalRows struct {
	rows [][]any
	idx  int
}

func (f *fakeRetrievalRows) Close()                                       {}
func (f *fakeRetrievalRows) Err() error                                   { return nil }
func (f *fakeRetrievalRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (f *fakeRetrievalRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (f *fakeRetrievalRows) Next() bool {
	if f.idx >= len(f.rows) {
		return false
	}
	f.idx++
	return true
}
func (f *fakeRetrievalRows) Scan(dest ...any) error {
	vals := f.rows[f.idx-1]
	if len(dest) != len(vals) {
		return fmt.Errorf("scan arity mismatch: got=%d want=%d", len(dest), len(vals))
	}
	for i := range dest {
		if err := assignRetrievalScan(dest[i], vals[i]); err != nil {
			return err
		}
	}
	return nil
}
func (f *fakeRetrievalRows) Values() ([]any, error) { return f.rows[f.idx-1], nil }
func (f *fakeRetrievalRows) RawValues() [][]byte    { return nil }
func (f *fakeRetrievalRows) Conn() *pgx.Conn        { return nil }

type fakeRetrievalDB struct {
	rowValues []any
	rowErr    error
	queryArgs []any
	queryRows [][]any
	queryErr  error
}

func (f *fakeRetrievalDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("SELECT 0"), nil
}

func (f *fakeRetrievalDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.rowErr != nil {
		return &fakeRetrievalRow{err: f.rowErr}
	}
	return &fakeRetrievalRow{values: f.rowValues}
}

func (f *fakeRetrievalDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	f.queryArgs = append([]any(nil), args...)
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &fakeRetrievalRows{rows: f.queryRows}, nil
}

func TestLoadSubjectNotFound(t *testing.T) {
	db := &fakeRetrievalDB{rowErr: pgx.ErrNoRows}
	s := NewRetrievalStore(db)

	_, err := s.LoadSubject(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadSubjectDecodesGroupsAndAttrs(t *testing.T) {
	db := &fakeRetrievalDB{
		rowValues: []any{"u1", "u1@example.com", "tenant-a", 2, []byte(`["employee","auditor"]`), []byte(`{"clearance":"confidential","allow_export":true,"mfa_satisfied":false}`)},
	}
	s := NewRetrievalStore(db)

	sub, err := s.LoadSubject(context.Background(), "u1")
	if err != nil {
		t.Fatalf("load subject: %v", err)
	}
	if sub.Tenant != "tenant-a" || len(sub.Groups) != 2 || sub.Groups[1] != "auditor" {
		t.Fatalf("unexpected subject: %+v", sub)
	}
	if sub.Attrs.Clearance != "confidential" || !sub.Attrs.AllowExport || sub.Attrs.MFASatisfied {
		t.Fatalf("unexpected subject attrs: %+v", sub.Attrs)
	}
}

func TestLoadPermissionNotFoundReturnsFalseNoError(t *testing.T) {
	db := &fakeRetrievalDB{rowErr: pgx.ErrNoRows}
	s := NewRetrievalStore(db)

	_, ok, err := s.LoadPermission(context.Background(), "u1", "doc-1", "owner")
	if err != nil {
		t.Fatalf("expected no error on missing permission, got %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for missing permission")
	}
}

func TestLoadPermissionPropagatesOtherErrors(t *testing.T) {
	db := &fakeRetrievalDB{rowErr: errors.New("connection reset")}
	s := NewRetrievalStore(db)

	_, _, err := s.LoadPermission(context.Background(), "u1", "doc-1", "owner")
	if err == nil {
		t.Fatal("expected error to propagate")
	}
}

func TestPreFilterFragmentsScopesToTenantAndLabelsAndCarriesDocumentFields(t *testing.T) {
	db := &fakeRetrievalDB{
		queryRows: [][]any{
			{"f1", "doc-1", 0, "hello", "internal", "tenant-a", "confluence", "owner-1", 0.95},
			{"f2", "doc-2", 1, "world", "public", "tenant-a", "s3", "owner-2", 0.80},
		},
	}
	s := NewRetrievalStore(db)

	candidates, err := s.PreFilterFragments(context.Background(), "tenant-a", []string{"public", "internal"}, []float64{0.1, 0.2}, 10)
	if err != nil {
		t.Fatalf("pre-filter: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].Fragment.Source != "confluence" || candidates[0].Fragment.OwnerID != "owner-1" {
		t.Fatalf("expected document source/owner threaded onto fragment, got %+v", candidates[0].Fragment)
	}
	if candidates[1].Fragment.Source != "s3" || candidates[1].Fragment.OwnerID != "owner-2" {
		t.Fatalf("expected document source/owner threaded onto fragment, got %+v", candidates[1].Fragment)
	}

	// tenant is always arg $1; allowed labels follow positionally.
	if db.queryArgs[0] != "tenant-a" {
		t.Fatalf("expected tenant as first query arg, got %v", db.queryArgs[0])
	}
	if db.queryArgs[1] != "public" || db.queryArgs[2] != "internal" {
		t.Fatalf("expected allowed labels threaded as query args, got %v", db.queryArgs[1:3])
	}
}

func TestPreFilterFragmentsEmptyLabelsShortCircuits(t *testing.T) {
	db := &fakeRetrievalDB{}
	s := NewRetrievalStore(db)

	candidates, err := s.PreFilterFragments(context.Background(), "tenant-a", nil, []float64{0.1}, 10)
	if err != nil {
		t.Fatalf("pre-filter: %v", err)
	}
	if candidates != nil {
		t.Fatalf("expected no candidates without allowed labels, got %+v", candidates)
	}
	if db.queryArgs != nil {
		t.Fatal("expected no query to be issued when allowedLabels is empty")
	}
}

func TestVectorLiteralFormatsAsArrayLiteral(t *testing.T) {
	got := vectorLiteral([]float64{0.1, 0.25, -1})
	want := "[0.1,0.25,-1]"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
