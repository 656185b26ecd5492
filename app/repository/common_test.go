package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	mysqlDriver "github.com/go-sql-driver/mysql"
	"github.com/vibast-solutions/ms-go-billing/app/entity"
)

func TestIsDuplicateEntryError(t *testing.T) {
	dup := &mysqlDriver.MySQLError{Number: 1062, Message: "Duplicate entry"}
	if !isDuplicateEntryError(fmt.Errorf("insert: %w", dup)) {
		t.Fatal("expected wrapped 1062 to be a duplicate entry error")
	}
	if isDuplicateEntryError(&mysqlDriver.MySQLError{Number: 1213}) {
		t.Fatal("deadlock is not a duplicate entry error")
	}
	if isDuplicateEntryError(errors.New("other")) {
		t.Fatal("plain error is not a duplicate entry error")
	}
}

func TestEnumNullHelpers(t *testing.T) {
	if nullableEnumValue[entity.ConfirmChannel](nil) != nil {
		t.Fatal("expected nil for missing enum")
	}
	via := entity.ConfirmChannelBoth
	if got := nullableEnumValue(&via); got != "BOTH" {
		t.Fatalf("expected BOTH, got %v", got)
	}

	if enumPtrFromNull[entity.GatewayResult](sql.NullString{}) != nil {
		t.Fatal("expected nil for invalid null string")
	}
	got := enumPtrFromNull[entity.GatewayResult](sql.NullString{String: "TIMEOUT", Valid: true})
	if got == nil || *got != entity.GatewayResultTimeout {
		t.Fatalf("unexpected enum value: %v", got)
	}
}

type fakeDB struct{ DBTX }

func TestConnFallsBackOutsideTransaction(t *testing.T) {
	db := &fakeDB{}
	if conn(context.Background(), db) != DBTX(db) {
		t.Fatal("expected fallback connection outside a transaction")
	}
}
