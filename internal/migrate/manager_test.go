package migrate

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"

	"storykeep.org/ops/migrations"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"sql/0001_base.up.sql":   {Data: []byte("create table a (id text);")},
		"sql/0001_base.down.sql": {Data: []byte("drop table a;")},
		"sql/0002_more.up.sql":   {Data: []byte("-- second\ncreate table b (id text);\ncreate index b_idx on b(id);")},
		"sql/0002_more.down.sql": {Data: []byte("drop table b;")},
		"seeds/0001_demo.sql":    {Data: []byte("insert into a values ('x');")},
		"seeds/README.txt":       {Data: []byte("ignored")},
	}
}

func expectTables(mock sqlmock.Sqlmock) {
	mock.ExpectExec("create table if not exists storykeep_schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists storykeep_schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
}

func TestUpAppliesOnlyPending(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery("select name from storykeep_schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_base.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into storykeep_schema_migrations").
		WithArgs("0002_more.up.sql", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))

	applied, err := NewManager(db, testFS(), "sql", "seeds").Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if !reflect.DeepEqual(applied, []string{"0002_more.up.sql"}) {
		t.Fatalf("applied = %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery("select name from storykeep_schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	if _, err := NewManager(db, testFS(), "sql", "").Up(context.Background()); err == nil {
		t.Fatalf("expected failure")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSeedSkipsNonSQL(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery("select name from storykeep_schema_seeds").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("insert into a values").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()
	mock.ExpectExec("insert into storykeep_schema_seeds").
		WithArgs("0001_demo.sql", sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(1, 1))

	applied, err := NewManager(db, testFS(), "sql", "seeds").Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if len(applied) != 1 {
		t.Fatalf("applied = %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownRollsBackLatest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery("select name from storykeep_schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_base.up.sql").AddRow("0002_more.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from storykeep_schema_migrations").
		WithArgs("0002_more.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))

	name, err := NewManager(db, testFS(), "sql", "seeds").Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0002_more.up.sql" {
		t.Fatalf("rolled back %q", name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithNothingApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	expectTables(mock)
	mock.ExpectQuery("select name from storykeep_schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if _, err := NewManager(db, testFS(), "sql", "seeds").Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
}

func TestSplitStatements(t *testing.T) {
	src := "-- header\ninsert into t values ('a;b');\n\nselect 1;\n"
	got := splitStatements(src)
	want := []string{"insert into t values ('a;b')", "select 1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("splitStatements = %q", got)
	}
}

func TestEmbeddedSchemaHasPairs(t *testing.T) {
	ups, err := collectSQL(migrations.FS, migrations.SQLDir, ".up.sql")
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(ups) == 0 {
		t.Fatalf("no embedded migrations")
	}
	for _, up := range ups {
		down := up.Path[:len(up.Path)-len(".up.sql")] + ".down.sql"
		body, err := migrations.FS.ReadFile(down)
		if err != nil || len(body) == 0 {
			t.Fatalf("missing down migration for %s", up.Base)
		}
		stmts := splitStatements(string(mustRead(t, up.Path)))
		if len(stmts) < 9 {
			t.Fatalf("expected the full schema in %s, got %d statements", up.Base, len(stmts))
		}
	}
}

func mustRead(t *testing.T, name string) []byte {
	t.Helper()
	body, err := migrations.FS.ReadFile(name)
	if err != nil {
		t.Fatalf("read %s: %v", name, err)
	}
	return body
}
