// Package testutil opens in-memory databases carrying the billing schema.
package testutil

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE customers (
		id INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL,
		region_id TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE subscriptions (
		id INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL,
		customer_id INTEGER NOT NULL,
		region_id TEXT NOT NULL,
		currency_code TEXT NOT NULL,
		status TEXT NOT NULL,
		billing_interval TEXT NOT NULL,
		billing_interval_count INTEGER NOT NULL,
		current_period_start DATETIME NOT NULL,
		current_period_end DATETIME NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		payment_collection_method TEXT NOT NULL,
		subtotal TEXT NOT NULL DEFAULT '0',
		tax_total TEXT NOT NULL DEFAULT '0',
		total TEXT NOT NULL DEFAULT '0',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE subscription_items (
		id INTEGER PRIMARY KEY,
		subscription_id INTEGER NOT NULL,
		variant_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE billing_cycles (
		id INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL,
		subscription_id INTEGER NOT NULL,
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		billing_date DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'upcoming',
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_attempt_at DATETIME,
		next_attempt_at DATETIME,
		failure_reason TEXT,
		order_id INTEGER,
		completed_at DATETIME,
		failed_at DATETIME,
		exhausted_at DATETIME,
		subtotal TEXT NOT NULL DEFAULT '0',
		tax_total TEXT NOT NULL DEFAULT '0',
		total TEXT NOT NULL DEFAULT '0',
		metadata TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_billing_cycle_period ON billing_cycles (subscription_id, period_start)`,
	`CREATE UNIQUE INDEX ux_billing_cycle_open ON billing_cycles (subscription_id)
		WHERE status IN ('upcoming', 'processing')`,
	`CREATE TABLE orders (
		id INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL,
		customer_id INTEGER NOT NULL,
		region_id TEXT NOT NULL,
		email TEXT NOT NULL,
		currency_code TEXT NOT NULL,
		status TEXT NOT NULL,
		billing_cycle_id INTEGER UNIQUE,
		subtotal TEXT NOT NULL DEFAULT '0',
		tax_total TEXT NOT NULL DEFAULT '0',
		total TEXT NOT NULL DEFAULT '0',
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE order_items (
		id INTEGER PRIMARY KEY,
		order_id INTEGER NOT NULL,
		variant_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE payment_attempts (
		id INTEGER PRIMARY KEY,
		tenant_id INTEGER NOT NULL,
		order_id INTEGER NOT NULL,
		idempotency_key TEXT NOT NULL UNIQUE,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		provider_reference TEXT,
		failure_code TEXT,
		amount TEXT NOT NULL,
		currency TEXT NOT NULL,
		metadata TEXT,
		created_at DATETIME NOT NULL
	)`,
}

// OpenDB returns a private in-memory database with the billing schema applied.
// A single connection keeps every statement on the same in-memory database.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := fmt.Sprintf("file:recurring_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema %q: %v", firstLine(stmt), err)
		}
	}
	return db
}

func firstLine(stmt string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(stmt), "\n")
	return line
}
