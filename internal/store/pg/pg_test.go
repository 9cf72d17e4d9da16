package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"opsdeck.io/internal/credential"
	"opsdeck.io/internal/identity"
	"opsdeck.io/internal/membership"
	"opsdeck.io/internal/oauth"
	"opsdeck.io/internal/session"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestRecordLoginFailureLocksAtThreshold(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select failed_login_attempts, last_failed_login_at.*from users").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "last_failed_login_at"}).
			AddRow(4, at.Add(-time.Minute)))
	mock.ExpectExec("update users").
		WithArgs("u1", 5, at, at.Add(30*time.Minute)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	locked, err := store.Users().RecordLoginFailure(context.Background(), "u1", at, 5, 15*time.Minute, 30*time.Minute)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if !locked {
		t.Fatal("fifth failure inside the window must lock")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordLoginFailureWindowResetsCount(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select failed_login_attempts, last_failed_login_at.*from users").
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "last_failed_login_at"}).
			AddRow(4, at.Add(-time.Hour)))
	mock.ExpectExec("update users").
		WithArgs("u1", 1, at, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	locked, err := store.Users().RecordLoginFailure(context.Background(), "u1", at, 5, 15*time.Minute, 30*time.Minute)
	if err != nil {
		t.Fatalf("RecordLoginFailure: %v", err)
	}
	if locked {
		t.Fatal("a stale failure window must restart the count, not lock")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRecordLoginFailureUnknownUser(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("select failed_login_attempts, last_failed_login_at.*from users").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"failed_login_attempts", "last_failed_login_at"}))
	mock.ExpectRollback()

	_, err := store.Users().RecordLoginFailure(context.Background(), "ghost", at, 5, time.Minute, time.Minute)
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func sessionRows(at time.Time, ids ...string) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"id", "user_id", "company_id", "active_company_id", "source_user_id",
		"source", "ip", "user_agent", "mfa_verified", "created_at", "last_activity_at",
		"expires_at", "absolute_expires_at", "revoked_at",
	})
	for i, id := range ids {
		created := at.Add(time.Duration(i) * time.Minute)
		rows.AddRow(id, "u1", "c1", "c1", nil, "web", "10.0.0.1", "agent", true,
			created, created, created.Add(30*time.Minute), created.Add(12*time.Hour), nil)
	}
	return rows
}

func TestBindEvictsOldestInOneTransaction(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select.*from sessions.*for update").
		WithArgs("u1", "web", at).
		WillReturnRows(sessionRows(at.Add(-time.Hour), "old-session", "newer-session"))
	mock.ExpectExec("update sessions set revoked_at").
		WithArgs("old-session", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("update sessions").
		WithArgs("pending", "u1", "c1", true, at, at.Add(30*time.Minute), at.Add(12*time.Hour)).
		WillReturnRows(sessionRows(at, "pending"))
	mock.ExpectCommit()

	bound, evicted, err := store.Sessions().Bind(context.Background(), session.BindParams{
		SessionID: "pending", UserID: "u1", CompanyID: "c1", Source: "web",
		Limit: 2, Strategy: identity.LimitRevokeOldest, MfaVerified: true,
		Now: at, ExpiresAt: at.Add(30 * time.Minute), AbsoluteExpiresAt: at.Add(12 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	if bound.ID != "pending" {
		t.Fatalf("unexpected bound session: %s", bound.ID)
	}
	if evicted == nil || evicted.ID != "old-session" {
		t.Fatalf("expected oldest session evicted, got %+v", evicted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestBindBlockNewRollsBack(t *testing.T) {
	store, mock := newMock(t)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("select.*from sessions.*for update").
		WithArgs("u1", "web", at).
		WillReturnRows(sessionRows(at.Add(-time.Hour), "existing"))
	mock.ExpectRollback()

	_, _, err := store.Sessions().Bind(context.Background(), session.BindParams{
		SessionID: "pending", UserID: "u1", CompanyID: "c1", Source: "web",
		Limit: 1, Strategy: identity.LimitBlockNew,
		Now: at, ExpiresAt: at.Add(30 * time.Minute), AbsoluteExpiresAt: at.Add(12 * time.Hour),
	})
	if !errors.Is(err, session.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateLosesRaceToRevokedRow(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("update oauth_tokens").
		WithArgs("old-id", at, oauth.ReasonRotation, "new-id").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.OAuth().Rotate(context.Background(), "old-id", &oauth.Token{ID: "new-id"}, at)
	if !errors.Is(err, oauth.ErrAlreadyRevoked) {
		t.Fatalf("expected ErrAlreadyRevoked, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRotateRevokesAndInserts(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()
	successor := &oauth.Token{
		ID: "new-id", ClientID: "web", UserID: "u1", RefreshHash: "hash",
		RefreshPrefix: "prefix", Family: "fam", ExpiresAt: at.Add(time.Hour), CreatedAt: at,
	}

	mock.ExpectBegin()
	mock.ExpectExec("update oauth_tokens").
		WithArgs("old-id", at, oauth.ReasonRotation, "new-id").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("insert into oauth_tokens").
		WithArgs("new-id", "web", "u1", nil, "hash", "prefix", "fam", "", at.Add(time.Hour), at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.OAuth().Rotate(context.Background(), "old-id", successor, at); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSwitchCompanyStampsBothRows(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("update user_companies set last_accessed_at").
		WithArgs("u1", "c2", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update sessions set active_company_id").
		WithArgs("s1", "c2", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Memberships().SwitchCompany(context.Background(), "s1", "u1", "c2", false, at); err != nil {
		t.Fatalf("SwitchCompany: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSwitchCompanyRefusesRevokedMembership(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()

	// The membership stamp matches only active rows; zero rows means the
	// membership was revoked since the caller's check, and nothing commits.
	mock.ExpectBegin()
	mock.ExpectExec("update user_companies set last_accessed_at").
		WithArgs("u1", "c2", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := store.Memberships().SwitchCompany(context.Background(), "s1", "u1", "c2", false, at)
	if !errors.Is(err, membership.ErrNoMembership) {
		t.Fatalf("expected ErrNoMembership, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSwitchCompanyInternalSkipsMembershipGuard(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec("update sessions set active_company_id").
		WithArgs("s1", "c2", at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	if err := store.Memberships().SwitchCompany(context.Background(), "s1", "staff1", "c2", true, at); err != nil {
		t.Fatalf("SwitchCompany: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDeactivateMatchesActiveRowOnly(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectExec("update user_companies").
		WithArgs("u1", "c1", at, "admin1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Memberships().Deactivate(context.Background(), "u1", "c1", "admin1", at)
	if !errors.Is(err, membership.ErrDeactivated) {
		t.Fatalf("expected ErrDeactivated, got %v", err)
	}
}

func TestConsumeResetTokenAlreadyUsed(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()

	mock.ExpectQuery("update password_reset_tokens").
		WithArgs("hash", at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("select true from password_reset_tokens").
		WithArgs("hash").
		WillReturnRows(sqlmock.NewRows([]string{"true"}).AddRow(true))

	_, err := store.Credentials().ConsumeResetToken(context.Background(), "hash", at)
	if !errors.Is(err, credential.ErrTokenAlreadyUsed) {
		t.Fatalf("expected ErrTokenAlreadyUsed, got %v", err)
	}
}

func TestConsumeRememberTokenClaimsOnce(t *testing.T) {
	store, mock := newMock(t)
	at := time.Now().UTC()
	exp := at.Add(24 * time.Hour)

	mock.ExpectQuery("update remember_me_tokens").
		WithArgs("hash", at).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "token_hash", "expires_at", "used_at", "revoked_at", "created_at",
		}).AddRow("t1", "u1", "hash", exp, at, nil, at.Add(-time.Hour)))

	tok, err := store.Credentials().ConsumeRememberToken(context.Background(), "hash", at)
	if err != nil {
		t.Fatalf("ConsumeRememberToken: %v", err)
	}
	if tok.UserID != "u1" || tok.UsedAt == nil {
		t.Fatalf("unexpected token: %+v", tok)
	}

	// A second claim matches zero rows; the follow-up lookup reports reuse.
	mock.ExpectQuery("update remember_me_tokens").
		WithArgs("hash", at).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery("select true from remember_me_tokens").
		WithArgs("hash").
		WillReturnRows(sqlmock.NewRows([]string{"true"}).AddRow(true))

	_, err = store.Credentials().ConsumeRememberToken(context.Background(), "hash", at)
	if !errors.Is(err, credential.ErrTokenAlreadyUsed) {
		t.Fatalf("expected ErrTokenAlreadyUsed, got %v", err)
	}
}
