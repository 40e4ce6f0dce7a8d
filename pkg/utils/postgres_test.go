package utils

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestWithTx_RollbackOnError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectRollback()

	boom := errors.New("boom")
	err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestWithTx_Commits(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE t").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err = WithTx(context.Background(), db, nil, func(ctx context.Context, tx *sql.Tx) error {
		ok, err := Swapped(tx.ExecContext(ctx, "UPDATE t SET v = 1"))
		if err != nil || !ok {
			t.Fatalf("expected swap, ok=%v err=%v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with tx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestSwapped_ZeroRowsIsLostRace(t *testing.T) {
	ok, err := Swapped(sqlmock.NewResult(0, 0), nil)
	if err != nil || ok {
		t.Fatalf("expected lost race, ok=%v err=%v", ok, err)
	}
	if _, err := Swapped(nil, errors.New("down")); err == nil {
		t.Fatalf("expected exec error to pass through")
	}
}

type state string

func TestTextArray_ConvertsStringKinds(t *testing.T) {
	got := TextArray([]state{"active", "paused"})
	if len(got) != 2 || got[0] != "active" || got[1] != "paused" {
		t.Fatalf("unexpected %v", got)
	}
	if got := TextArray([]state(nil)); got == nil || len(got) != 0 {
		t.Fatalf("nil input should give an empty array, got %#v", got)
	}
}
