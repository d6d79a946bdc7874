package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// txBeginner is the part of pgxpool.Pool the sink needs.
type txBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// postgresSink mirrors reports into storage_changes.
// A block's rows are deleted and re-inserted in one transaction so a rewrite replaces them.
type postgresSink struct {
	db    txBeginner
	close func()
}

func newPostgresSink(ctx context.Context, connStr string) (*postgresSink, error) {
	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	_, err = pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS storage_changes (
			block_number BIGINT NOT NULL,
			account TEXT NOT NULL,
			changes INTEGER NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (block_number, account)
		)
	`)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("create table: %w", err)
	}
	return &postgresSink{db: pool, close: pool.Close}, nil
}

func (p *postgresSink) WriteReport(ctx context.Context, r Report) error {
	rows := histogramRows(r)
	return pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM storage_changes WHERE block_number = $1`, int64(r.BlockNumber)); err != nil {
			return fmt.Errorf("delete block %d: %w", r.BlockNumber, err)
		}
		if len(rows) == 0 {
			return nil
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"storage_changes"},
			[]string{"block_number", "account", "changes"},
			pgx.CopyFromRows(rows),
		); err != nil {
			return fmt.Errorf("copy block %d: %w", r.BlockNumber, err)
		}
		return nil
	})
}

func (p *postgresSink) Close() error {
	if p.close != nil {
		p.close()
	}
	return nil
}

// histogramRows renders a report as copy rows sorted by account.
func histogramRows(r Report) [][]any {
	rows := make([][]any, 0, len(r.Histogram))
	for account, changes := range r.Histogram {
		rows = append(rows, []any{int64(r.BlockNumber), hex.EncodeToString(account[:]), int32(changes)})
	}
	slices.SortFunc(rows, func(a, b []any) int {
		return strings.Compare(a[1].(string), b[1].(string))
	})
	return rows
}
