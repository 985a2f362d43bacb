package sqlexec

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"querygate/server/internal/connpool"
	"querygate/server/internal/errors"
	"querygate/server/internal/store"
)

func newSQLiteSession(t *testing.T) connpool.Session {
	t.Helper()
	d, err := store.Open("sqlite://" + filepath.Join(t.TempDir(), "exec.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	sess, err := d.Dial(context.Background())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() {
		sess.Close(context.Background())
		d.(*store.SQLite).Close()
	})
	return sess
}

func run(t *testing.T, e *Executor, sess connpool.Session, doc string) *Result {
	t.Helper()
	v, err := e.Execute(context.Background(), []byte(doc), sess)
	if err != nil {
		t.Fatalf("Execute(%s) error = %v", doc, err)
	}
	return v.(*Result)
}

func TestExecuteWriteThenRead(t *testing.T) {
	e := New(0)
	sess := newSQLiteSession(t)

	run(t, e, sess, `{"query":"CREATE TABLE users (id INTEGER PRIMARY KEY, name TEXT, avatar BLOB)","write":true}`)
	res := run(t, e, sess, `{"query":"INSERT INTO users (name, avatar) VALUES (?, ?), (?, NULL)","variables":["ada",null,"linus"],"write":true}`)
	if res.RowsAffected != 2 {
		t.Errorf("RowsAffected = %d, want 2", res.RowsAffected)
	}

	res = run(t, e, sess, `{"query":"SELECT id, name FROM users WHERE id >= ? ORDER BY id","variables":[1]}`)
	if diff := cmp.Diff([]string{"id", "name"}, res.Columns); diff != "" {
		t.Errorf("Columns mismatch (-want +got):\n%s", diff)
	}
	want := [][]any{{int64(1), "ada"}, {int64(2), "linus"}}
	if diff := cmp.Diff(want, res.Rows); diff != "" {
		t.Errorf("Rows mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteWriteReturning(t *testing.T) {
	e := New(0)
	sess := newSQLiteSession(t)
	run(t, e, sess, `{"query":"CREATE TABLE t (id INTEGER PRIMARY KEY, x INTEGER)","write":true}`)

	res := run(t, e, sess, `{"query":"INSERT INTO t(x) VALUES (7) RETURNING id","write":true}`)
	if diff := cmp.Diff([]string{"id"}, res.Columns); diff != "" {
		t.Errorf("Columns mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]any{{int64(1)}}, res.Rows); diff != "" {
		t.Errorf("Rows mismatch (-want +got):\n%s", diff)
	}
	if res.RowsAffected != 1 {
		t.Errorf("RowsAffected = %d, want 1", res.RowsAffected)
	}

	run(t, e, sess, `{"query":"INSERT INTO t(x) VALUES (8), (9)","write":true}`)
	res = run(t, e, sess, `{"query":"UPDATE t SET x = x + 1 WHERE x > ? RETURNING x","variables":[7],"write":true}`)
	if diff := cmp.Diff([][]any{{int64(9)}, {int64(10)}}, res.Rows, cmpopts.SortSlices(func(a, b []any) bool {
		return a[0].(int64) < b[0].(int64)
	})); diff != "" {
		t.Errorf("Rows mismatch (-want +got):\n%s", diff)
	}
	if res.RowsAffected != 2 {
		t.Errorf("RowsAffected = %d, want 2", res.RowsAffected)
	}

	// DDL changes no rows, whatever ran before it on the session.
	res = run(t, e, sess, `{"query":"CREATE INDEX t_x ON t (x)","write":true}`)
	if res.RowsAffected != 0 {
		t.Errorf("RowsAffected after DDL = %d, want 0", res.RowsAffected)
	}
}

func TestExecuteReadIsReadOnly(t *testing.T) {
	e := New(0)
	sess := newSQLiteSession(t)
	run(t, e, sess, `{"query":"CREATE TABLE t (v INTEGER)","write":true}`)

	if _, err := e.Execute(context.Background(), []byte(`{"query":"INSERT INTO t VALUES (1)"}`), sess); err == nil {
		t.Fatal("write in a read document succeeded")
	}

	// The session is usable for writes again afterwards.
	res := run(t, e, sess, `{"query":"INSERT INTO t VALUES (1)","write":true}`)
	if res.RowsAffected != 1 {
		t.Errorf("RowsAffected = %d, want 1", res.RowsAffected)
	}
}

func TestExecuteMaxRows(t *testing.T) {
	e := New(2)
	sess := newSQLiteSession(t)

	res := run(t, e, sess, `{"query":"WITH RECURSIVE n(x) AS (SELECT 1 UNION ALL SELECT x+1 FROM n WHERE x < 5) SELECT x FROM n"}`)
	if len(res.Rows) != 2 || !res.Truncated {
		t.Errorf("rows = %d, truncated = %v, want 2 and true", len(res.Rows), res.Truncated)
	}
}

func TestExecuteErrors(t *testing.T) {
	e := New(0)
	sess := newSQLiteSession(t)

	tests := []struct {
		name     string
		doc      string
		wantKind errors.Kind
	}{
		{"malformed", `{"query":`, errors.KindInvalidRequest},
		{"no query", `{"variables":[1]}`, errors.KindInvalidRequest},
		{"unknown field", `{"query":"select 1","operation":"x"}`, errors.KindInvalidRequest},
		{"schema on sqlite", `{"query":"select 1","schema":"app"}`, errors.KindInvalidRequest},
		{"bad sql", `{"query":"SELEC 1"}`, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Execute(context.Background(), []byte(tt.doc), sess)
			if err == nil {
				t.Fatal("Execute() error = nil, want error")
			}
			if got := errors.KindOf(err); got != tt.wantKind {
				t.Errorf("KindOf(err) = %q, want %q", got, tt.wantKind)
			}
		})
	}
}

type otherSession struct{}

func (otherSession) Close(context.Context) error { return nil }
func (otherSession) IsClosed() bool              { return false }

func TestExecuteUnsupportedSession(t *testing.T) {
	if _, err := New(0).Execute(context.Background(), []byte(`{"query":"select 1"}`), otherSession{}); err == nil {
		t.Error("Execute() error = nil for unsupported session type")
	}
}

func TestParseDocumentNormalizesNumbers(t *testing.T) {
	d, err := ParseDocument([]byte(`{"query":"select $1, $2, $3","variables":[7, 2.5, {"a":1}]}`))
	if err != nil {
		t.Fatalf("ParseDocument() error = %v", err)
	}
	want := []any{int64(7), 2.5, `{"a":1}`}
	if diff := cmp.Diff(want, d.Variables); diff != "" {
		t.Errorf("Variables mismatch (-want +got):\n%s", diff)
	}
}

func TestResultMarshalJSON(t *testing.T) {
	uuid := [16]byte{0x12, 0x34, 0x56, 0x78, 0x9a, 0xbc, 0xde, 0xf0, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	r := Result{
		Columns: []string{"id", "blob", "n", "missing"},
		Rows:    [][]any{{uuid, []byte{0xde, 0xad}, int64(3), nil}},
	}

	b, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"columns":["id","blob","n","missing"],"rows":[["12345678-9abc-def0-0102-030405060708","\\xdead",3,null]]}`
	if string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}

	empty, _ := json.Marshal(Result{})
	if string(empty) != `{"columns":[],"rows":[]}` {
		t.Errorf("Marshal(empty) = %s", empty)
	}
}

func TestFormatValue(t *testing.T) {
	tests := []struct {
		name   string
		in     any
		want   string
		wantOK bool
	}{
		{"null", nil, "", false},
		{"string", "abc", "abc", true},
		{"int", int64(42), "42", true},
		{"float", 1.5, "1.5", true},
		{"bool", true, "true", true},
		{"bytes", []byte{0x01, 0xff}, `\x01ff`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := FormatValue(tt.in)
			if got != tt.want || ok != tt.wantOK {
				t.Errorf("FormatValue() = (%q, %v), want (%q, %v)", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}
