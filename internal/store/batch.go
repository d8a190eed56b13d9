package store

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// batchExec accumulates same-shaped inserts and sends them as a single
// pipelined round trip via pgx's batch API, used by the bulk-insert paths
// FilePairGenerator and GaPairGenerator need (§4.2).
type batchExec struct {
	batch pgx.Batch
	n     int
}

func (b *batchExec) queue(query string, args ...interface{}) {
	b.batch.Queue(query, args...)
	b.n++
}

func (b *batchExec) run(ctx context.Context, pool *pgxpool.Pool) error {
	if b.n == 0 {
		return nil
	}

	results := pool.SendBatch(ctx, &b.batch)
	defer results.Close()

	for i := 0; i < b.n; i++ {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}
	return nil
}
