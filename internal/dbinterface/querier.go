// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package dbinterface decouples stores from the concrete database handle.
package dbinterface

import (
	"context"
	"database/sql"
)

// TxQuerier is the query surface shared by the database and its transactions.
type TxQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Tx is an open transaction.
type Tx interface {
	TxQuerier
	Commit() error
	Rollback() error
}

// Querier is what stores depend on.
type Querier interface {
	TxQuerier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (Tx, error)
}
