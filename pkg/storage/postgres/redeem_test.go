package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The conditional redemption update is plain SQL, so SQLite can check it
// without a database server.
func TestRedeemCouponConditionalUpdate(t *testing.T) {
	ctx := context.Background()
	db, err := sqlx.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	db.MustExec(`CREATE TABLE coupons (
		id          INTEGER PRIMARY KEY,
		code        TEXT NOT NULL,
		usage_limit INTEGER,
		usage_count INTEGER NOT NULL DEFAULT 0,
		updated_at  TIMESTAMP,
		deleted_at  TIMESTAMP
	)`)
	db.MustExec(`INSERT INTO coupons (id, code, usage_limit) VALUES (1, 'LIMITED', 3)`)
	db.MustExec(`INSERT INTO coupons (id, code, usage_limit) VALUES (2, 'UNLIMITED', NULL)`)
	db.MustExec(`INSERT INTO coupons (id, code, usage_limit, deleted_at) VALUES (3, 'GONE', NULL, CURRENT_TIMESTAMP)`)

	q := &queries{ext: db}

	var redeemed int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := q.RedeemCoupon(ctx, 1)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&redeemed, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(3), redeemed)

	var count int
	require.NoError(t, db.Get(&count, `SELECT usage_count FROM coupons WHERE id = 1`))
	assert.Equal(t, 3, count)

	for i := 0; i < 5; i++ {
		ok, err := q.RedeemCoupon(ctx, 2)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := q.RedeemCoupon(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = q.RedeemCoupon(ctx, 404)
	require.NoError(t, err)
	assert.False(t, ok)
}
