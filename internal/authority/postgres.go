package authority

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/efreitasn/cartcore/internal/domain"
)

// Schema creates the tables used by PostgresStore.
const Schema = `
CREATE TABLE IF NOT EXISTS items (
	item_id      TEXT PRIMARY KEY,
	stock        INTEGER NOT NULL CHECK (stock >= 0),
	unit_price   NUMERIC(14, 2) NOT NULL,
	version      BIGINT NOT NULL DEFAULT 1,
	discontinued BOOLEAN NOT NULL DEFAULT FALSE,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS carts (
	user_key TEXT PRIMARY KEY,
	enabled  BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS cart_lines (
	user_key TEXT NOT NULL REFERENCES carts(user_key),
	item_id  TEXT NOT NULL REFERENCES items(item_id),
	amount   INTEGER NOT NULL CHECK (amount > 0),
	PRIMARY KEY (user_key, item_id)
);

CREATE TABLE IF NOT EXISTS reservation_replies (
	user_key   TEXT NOT NULL,
	seq        BIGINT NOT NULL,
	item_id    TEXT NOT NULL,
	stock      INTEGER NOT NULL,
	amount     INTEGER NOT NULL,
	unit_price NUMERIC(14, 2) NOT NULL,
	version    BIGINT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (user_key, seq)
);

CREATE TABLE IF NOT EXISTS orders (
	order_id   UUID PRIMARY KEY,
	user_key   TEXT NOT NULL,
	total      NUMERIC(14, 2) NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS order_lines (
	order_id   UUID NOT NULL REFERENCES orders(order_id),
	item_id    TEXT NOT NULL,
	amount     INTEGER NOT NULL,
	unit_price NUMERIC(14, 2) NOT NULL,
	PRIMARY KEY (order_id, item_id)
);

CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_key);
`

// PostgresStore is a Store backed by PostgreSQL. Reservations lock the item
// row and the cart row for the duration of the transaction.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Connect opens a connection pool to dsn and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// NewPostgresStore creates a PostgresStore on pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresStore{pool: pool, logger: logger}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func parseDecimal(field, v string) (domain.Price, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse %s: %w", field, err)
	}
	return d, nil
}

// Item returns an item, discontinued or not.
func (s *PostgresStore) Item(ctx context.Context, itemID string) (Item, error) {
	return scanItem(s.pool.QueryRow(ctx, `
		SELECT item_id, stock, unit_price::text, version, discontinued, updated_at
		FROM items
		WHERE item_id = $1
	`, itemID))
}

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	var price string
	if err := row.Scan(&it.ItemID, &it.Stock, &price, &it.Version, &it.Discontinued, &it.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Item{}, domain.ErrItemNotFound
		}
		return Item{}, err
	}
	var err error
	if it.UnitPrice, err = parseDecimal("unit_price", price); err != nil {
		return Item{}, err
	}
	return it, nil
}

// PutItem creates an item or sets its stock and price.
func (s *PostgresStore) PutItem(ctx context.Context, itemID string, stock int, unitPrice domain.Price) (Item, error) {
	return scanItem(s.pool.QueryRow(ctx, `
		INSERT INTO items (item_id, stock, unit_price)
		VALUES ($1, $2, $3::numeric)
		ON CONFLICT (item_id) DO UPDATE
		SET stock = EXCLUDED.stock,
		    unit_price = EXCLUDED.unit_price,
		    discontinued = FALSE,
		    version = items.version + 1,
		    updated_at = NOW()
		RETURNING item_id, stock, unit_price::text, version, discontinued, updated_at
	`, itemID, stock, unitPrice.String()))
}

// Discontinue removes an item from sale.
func (s *PostgresStore) Discontinue(ctx context.Context, itemID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE items
		SET discontinued = TRUE, version = version + 1, updated_at = NOW()
		WHERE item_id = $1
	`, itemID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrItemNotFound
	}
	return nil
}

// Cart returns the user's cart. Unknown users have an empty, enabled cart.
func (s *PostgresStore) Cart(ctx context.Context, userKey string) (domain.CartSnapshot, error) {
	snap := domain.CartSnapshot{UserKey: userKey, Enabled: true}
	err := s.pool.QueryRow(ctx, `SELECT enabled FROM carts WHERE user_key = $1`, userKey).Scan(&snap.Enabled)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return domain.CartSnapshot{}, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT l.item_id, l.amount, i.unit_price::text
		FROM cart_lines l
		JOIN items i ON i.item_id = l.item_id
		WHERE l.user_key = $1
		ORDER BY l.item_id
	`, userKey)
	if err != nil {
		return domain.CartSnapshot{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var line domain.CartLine
		var price string
		if err := rows.Scan(&line.ItemID, &line.Amount, &price); err != nil {
			return domain.CartSnapshot{}, err
		}
		if line.UnitPrice, err = parseDecimal("unit_price", price); err != nil {
			return domain.CartSnapshot{}, err
		}
		snap.Lines = append(snap.Lines, line)
	}
	return snap, rows.Err()
}

// SetCartEnabled enables or disables a user's cart.
func (s *PostgresStore) SetCartEnabled(ctx context.Context, userKey string, enabled bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO carts (user_key, enabled) VALUES ($1, $2)
		ON CONFLICT (user_key) DO UPDATE SET enabled = EXCLUDED.enabled
	`, userKey, enabled)
	return err
}

// inTx runs fn in a transaction, committing when it returns nil.
func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			s.logger.Warn("rollback failed", slog.String("error", rbErr.Error()))
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// lockCart returns whether the user's cart is enabled, creating it if
// needed, and holds its row lock until the transaction ends.
func lockCart(ctx context.Context, tx pgx.Tx, userKey string) (bool, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO carts (user_key) VALUES ($1) ON CONFLICT (user_key) DO NOTHING
	`, userKey); err != nil {
		return false, err
	}
	var enabled bool
	err := tx.QueryRow(ctx, `SELECT enabled FROM carts WHERE user_key = $1 FOR UPDATE`, userKey).Scan(&enabled)
	return enabled, err
}

// Reserve applies a cart delta against the item's stock.
func (s *PostgresStore) Reserve(ctx context.Context, req domain.ReservationRequest) (domain.Confirmation, error) {
	var conf domain.Confirmation
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		enabled, err := lockCart(ctx, tx, req.UserKey)
		if err != nil {
			return err
		}

		// Replays are answered after the cart lock so a concurrent first
		// attempt has either committed or not started.
		var price string
		err = tx.QueryRow(ctx, `
			SELECT item_id, stock, amount, unit_price::text, version
			FROM reservation_replies
			WHERE user_key = $1 AND seq = $2
		`, req.UserKey, req.Seq).Scan(&conf.ItemID, &conf.Stock, &conf.Amount, &price, &conf.Version)
		if err == nil {
			conf.Seq = req.Seq
			conf.UserKey = req.UserKey
			conf.UnitPrice, err = parseDecimal("unit_price", price)
			return err
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		it, err := scanItem(tx.QueryRow(ctx, `
			SELECT item_id, stock, unit_price::text, version, discontinued, updated_at
			FROM items
			WHERE item_id = $1
			FOR UPDATE
		`, req.ItemID))
		if err != nil {
			return err
		}
		if it.Discontinued {
			return domain.ErrItemDiscontinued
		}
		if !enabled {
			return domain.ErrCartDisabled
		}

		var amount int
		err = tx.QueryRow(ctx, `
			SELECT amount FROM cart_lines WHERE user_key = $1 AND item_id = $2
		`, req.UserKey, req.ItemID).Scan(&amount)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		if err := checkDelta(it.Stock, amount, req.Delta); err != nil {
			return err
		}

		amount += req.Delta
		if err := tx.QueryRow(ctx, `
			UPDATE items
			SET stock = stock - $2, version = version + 1, updated_at = NOW()
			WHERE item_id = $1
			RETURNING stock, version
		`, req.ItemID, req.Delta).Scan(&it.Stock, &it.Version); err != nil {
			return err
		}
		if amount == 0 {
			_, err = tx.Exec(ctx, `DELETE FROM cart_lines WHERE user_key = $1 AND item_id = $2`, req.UserKey, req.ItemID)
		} else {
			_, err = tx.Exec(ctx, `
				INSERT INTO cart_lines (user_key, item_id, amount) VALUES ($1, $2, $3)
				ON CONFLICT (user_key, item_id) DO UPDATE SET amount = EXCLUDED.amount
			`, req.UserKey, req.ItemID, amount)
		}
		if err != nil {
			return err
		}

		conf = domain.Confirmation{
			Seq:       req.Seq,
			UserKey:   req.UserKey,
			ItemID:    req.ItemID,
			Stock:     it.Stock,
			Amount:    amount,
			UnitPrice: it.UnitPrice,
			Version:   it.Version,
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO reservation_replies (user_key, seq, item_id, stock, amount, unit_price, version)
			VALUES ($1, $2, $3, $4, $5, $6::numeric, $7)
		`, conf.UserKey, conf.Seq, conf.ItemID, conf.Stock, conf.Amount, conf.UnitPrice.String(), conf.Version)
		return err
	})
	if err != nil {
		return domain.Confirmation{}, err
	}
	return conf, nil
}

// PlaceOrder turns the user's cart into an order and empties the cart.
func (s *PostgresStore) PlaceOrder(ctx context.Context, userKey string) (domain.Order, error) {
	order := domain.Order{
		OrderID:   uuid.New().String(),
		UserKey:   userKey,
		Total:     decimal.Zero,
		CreatedAt: time.Now().UTC(),
	}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		enabled, err := lockCart(ctx, tx, userKey)
		if err != nil {
			return err
		}
		if !enabled {
			return domain.ErrCartDisabled
		}

		rows, err := tx.Query(ctx, `
			SELECT l.item_id, l.amount, i.unit_price::text, i.discontinued
			FROM cart_lines l
			JOIN items i ON i.item_id = l.item_id
			WHERE l.user_key = $1
			ORDER BY l.item_id
		`, userKey)
		if err != nil {
			return err
		}
		for rows.Next() {
			var line domain.OrderLine
			var price string
			var discontinued bool
			if err := rows.Scan(&line.ItemID, &line.Amount, &price, &discontinued); err != nil {
				rows.Close()
				return err
			}
			if discontinued {
				rows.Close()
				return fmt.Errorf("item %s: %w", line.ItemID, domain.ErrItemDiscontinued)
			}
			if line.UnitPrice, err = parseDecimal("unit_price", price); err != nil {
				rows.Close()
				return err
			}
			order.Lines = append(order.Lines, line)
			order.Total = order.Total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Amount))))
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(order.Lines) == 0 {
			return domain.ErrEmptyCart
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO orders (order_id, user_key, total, created_at) VALUES ($1, $2, $3::numeric, $4)
		`, order.OrderID, userKey, order.Total.String(), order.CreatedAt); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, l := range order.Lines {
			batch.Queue(`
				INSERT INTO order_lines (order_id, item_id, amount, unit_price) VALUES ($1, $2, $3, $4::numeric)
			`, order.OrderID, l.ItemID, l.Amount, l.UnitPrice.String())
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM cart_lines WHERE user_key = $1`, userKey)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// Order returns a placed order.
func (s *PostgresStore) Order(ctx context.Context, orderID string) (domain.Order, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	order := domain.Order{OrderID: orderID}
	var total string
	err := s.pool.QueryRow(ctx, `
		SELECT user_key, total::text, created_at FROM orders WHERE order_id = $1
	`, orderID).Scan(&order.UserKey, &total, &order.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	if err != nil {
		return domain.Order{}, err
	}
	if order.Total, err = parseDecimal("total", total); err != nil {
		return domain.Order{}, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT item_id, amount, unit_price::text FROM order_lines WHERE order_id = $1 ORDER BY item_id
	`, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var line domain.OrderLine
		var price string
		if err := rows.Scan(&line.ItemID, &line.Amount, &price); err != nil {
			return domain.Order{}, err
		}
		if line.UnitPrice, err = parseDecimal("unit_price", price); err != nil {
			return domain.Order{}, err
		}
		order.Lines = append(order.Lines, line)
	}
	return order, rows.Err()
}
