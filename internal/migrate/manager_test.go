package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("create table a (x text default 'a;b');\ninsert into a values ('c');\n")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	ups, err := collectSQL(Files(), ".up.sql")
	if err != nil {
		t.Fatalf("collectSQL: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("expected embedded migrations")
	}
	downs, _ := collectSQL(Files(), ".down.sql")
	if len(downs) != len(ups) {
		t.Fatalf("expected a down migration per up, got %v / %v", ups, downs)
	}
}

func TestUpSkipsApplied(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	files := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id text);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
		"0002_b.up.sql":   {Data: []byte("create table b (id text); create index b_idx on b (id);")},
	}

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("create table b").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create index b_idx").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("insert into schema_migrations").
		WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	applied, err := NewManager(db, files).Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_b.up.sql" {
		t.Fatalf("unexpected applied list: %v", applied)
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

	files := fstest.MapFS{
		"0001_a.up.sql":   {Data: []byte("create table a (id text);")},
		"0001_a.down.sql": {Data: []byte("drop table a;")},
	}

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec("drop table a").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec("delete from schema_migrations").WithArgs("0001_a.up.sql").WillReturnResult(sqlmock.NewResult(0, 1))

	name, err := NewManager(db, files).Down(context.Background())
	if err != nil {
		t.Fatalf("Down: %v", err)
	}
	if name != "0001_a.up.sql" {
		t.Fatalf("unexpected rollback: %s", name)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
