package store

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantPermanent bool
	}{
		{"nil", nil, false, false},
		{"context deadline", context.DeadlineExceeded, true, false},
		{"database locked", errors.New("database is locked"), true, false},
		{"sqlite busy", errors.New("SQLITE_BUSY: database is locked"), true, false},
		{"constraint violation", errors.New("UNIQUE constraint failed: conversations.id"), false, true},
		{"no such table", errors.New("no such table: conversations"), false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.err)
			if tt.err == nil {
				if got != nil {
					t.Fatalf("classify(nil) = %v, want nil", got)
				}
				return
			}
			if IsTransient(got) != tt.wantTransient {
				t.Errorf("IsTransient(classify(%v)) = %v, want %v", tt.err, IsTransient(got), tt.wantTransient)
			}
			if IsPermanent(got) != tt.wantPermanent {
				t.Errorf("IsPermanent(classify(%v)) = %v, want %v", tt.err, IsPermanent(got), tt.wantPermanent)
			}
		})
	}
}

// TestPingClassifiesDriverFailureAsTransient exercises the classify path
// through a real *sql.DB using a mocked driver, for the case a live sqlite
// file can't easily reproduce: a dropped connection mid-query.
func TestPingClassifiesDriverFailureAsTransient(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT 1`).WillReturnError(errors.New("connection reset by peer"))

	s := &SQLiteStore{db: db}
	err = s.Ping(context.Background())
	if !IsTransient(err) {
		t.Fatalf("Ping() error = %v, want TransientStoreError", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}

func TestRequireRowsAffectedNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer db.Close()

	mock.ExpectExec(`UPDATE conversations`).WillReturnResult(sqlmock.NewResult(0, 0))

	res, execErr := db.Exec(`UPDATE conversations SET title = ? WHERE id = ?`, "x", "missing")
	if execErr != nil {
		t.Fatalf("Exec() error = %v", execErr)
	}

	err = requireRowsAffected("rename_conversation", res)
	if !IsPermanent(err) || !errors.Is(err, ErrNotFound) {
		t.Fatalf("requireRowsAffected() error = %v, want PermanentStoreError wrapping ErrNotFound", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet sqlmock expectations: %v", err)
	}
}
