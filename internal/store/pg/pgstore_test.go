package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"yaud.dev/internal/auth"
	"yaud.dev/internal/notify"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestAccountFindByMail(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()

	cols := []string{"id", "first_name", "last_name", "mail", "password_hash", "nonce", "secret",
		"totp_active", "totp_reactivate", "created_at", "updated_at"}
	mock.ExpectQuery("select .* from accounts where mail = \\$1").
		WithArgs("a@test").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("acc-1", "Ada", "L", "a@test", "$argon2id$...", "bm9uY2U", "n:c", true, false, now, now))
	mock.ExpectQuery("select .* from accounts where mail = \\$1").
		WithArgs("ghost@test").
		WillReturnRows(sqlmock.NewRows(cols))

	acct, err := store.Accounts(ctx).FindByMail(ctx, "a@test")
	if err != nil {
		t.Fatalf("FindByMail: %v", err)
	}
	if acct.ID != "acc-1" || !acct.TOTP.Active || acct.TOTP.Reactivate {
		t.Fatalf("unexpected account: %+v", acct)
	}
	if _, err := store.Accounts(ctx).FindByMail(ctx, "ghost@test"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAccountCreateDuplicateMail(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("insert into accounts").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Accounts(context.Background()).Create(context.Background(), &auth.Account{ID: "acc-1", Mail: "a@test"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAccountUpdateMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectExec("update accounts").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Accounts(context.Background()).Update(context.Background(), &auth.Account{ID: "nope"})
	if !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSessionReplaceDeletesByOwnerInTx(t *testing.T) {
	store, mock := newMock(t)
	now := time.Now().UTC()
	sess := &auth.Session{
		ID: "sid", AccountID: "acc-1", IssuedAt: now, ExpiresAt: now.Add(15 * time.Minute),
		RefreshToken: "rt", RefreshExpiresAt: now.Add(20 * time.Minute),
	}

	mock.ExpectBegin()
	mock.ExpectExec("delete from sessions where account_id = \\$1").WithArgs("acc-1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into sessions").
		WithArgs("sid", "acc-1", now, sess.ExpiresAt, "rt", sess.RefreshExpiresAt).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.Sessions(context.Background()).Replace(context.Background(), sess); err != nil {
		t.Fatalf("Replace: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionReplaceRaceIsConflict(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from sessions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into sessions").WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})
	mock.ExpectRollback()

	err := store.Sessions(context.Background()).Replace(context.Background(), &auth.Session{ID: "sid", AccountID: "acc-1"})
	if !errors.Is(err, auth.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSessionFindMissing(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectQuery("from sessions").WithArgs("sid").
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "issued_at", "expires_at", "refresh_token", "refresh_expires_at"}))

	if _, err := store.Sessions(context.Background()).Find(context.Background(), "sid"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPermissionEnsureIsConflictSafe(t *testing.T) {
	store, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec("insert into permissions .* on conflict \\(id\\) do nothing").
		WithArgs("task.request.view").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into permissions .* on conflict \\(id\\) do nothing").
		WithArgs("task.request.edit").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := store.Permissions(context.Background()).Ensure(context.Background(),
		[]auth.Permission{auth.PermTaskRequestView, auth.PermTaskRequestEdit})
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPermissionGrantHasRevoke(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	perms := store.Permissions(ctx)

	mock.ExpectExec("insert into account_permissions .* on conflict").
		WithArgs("acc-1", "task.request.view").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery("select exists").
		WithArgs("acc-1", "task.request.view").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectExec("delete from account_permissions").
		WithArgs("acc-1", "task.request.view").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into account_permissions").
		WithArgs("ghost", "task.request.view").
		WillReturnError(&pgconn.PgError{Code: pgErrForeignKeyViolation})

	if err := perms.Grant(ctx, "acc-1", auth.PermTaskRequestView); err != nil {
		t.Fatalf("Grant: %v", err)
	}
	ok, err := perms.Has(ctx, "acc-1", auth.PermTaskRequestView)
	if err != nil || !ok {
		t.Fatalf("Has: ok=%v err=%v", ok, err)
	}
	if err := perms.Revoke(ctx, "acc-1", auth.PermTaskRequestView); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if err := perms.Grant(ctx, "ghost", auth.PermTaskRequestView); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown account, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMailClaimAndTransitions(t *testing.T) {
	store, mock := newMock(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mock.ExpectQuery("update mails set state = 'processing'.*state = 'processing' and updated_at <= now\\(\\) - make_interval").
		WithArgs(5, float64(90)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "recipient", "kind", "data", "state", "attempts", "created_at", "updated_at"}).
			AddRow("m1", "acc-1", "a@test", "password_changed", []byte(`{"name":"Ada"}`), "processing", 0, now, now).
			AddRow("m2", nil, "b@test", "account_created", []byte(`{}`), "processing", 2, now, now))
	mock.ExpectExec("update mails set state = 'delivered'").WithArgs("m1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update mails set state = 'pending', attempts = attempts \\+ 1").WithArgs("m2").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update mails set state = 'delivered'").WithArgs("m2").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("update mails set state = 'failed', attempts = attempts \\+ 1").WithArgs("m2").WillReturnResult(sqlmock.NewResult(0, 1))

	mails, err := store.Claim(ctx, 5, 90*time.Second)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(mails) != 2 || mails[0].Data["name"] != "Ada" || mails[1].AccountID != "" || mails[1].Attempts != 2 {
		t.Fatalf("unexpected mails: %+v", mails)
	}
	if mails[0].Kind != notify.KindPasswordChanged || mails[0].State != notify.StateProcessing {
		t.Fatalf("unexpected kind/state: %+v", mails[0])
	}
	if err := store.MarkDelivered(ctx, "m1"); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if err := store.Release(ctx, "m2"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := store.MarkDelivered(ctx, "m2"); !errors.Is(err, notify.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for non-processing mail, got %v", err)
	}
	if err := store.MarkFailed(ctx, "m2"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNilDBGuard(t *testing.T) {
	store := New(nil)
	if _, err := store.Accounts(context.Background()).Find(context.Background(), "x"); !errors.Is(err, errNoDB) {
		t.Fatalf("expected errNoDB, got %v", err)
	}
}
