// Package db provides the sqlite-backed strategy configuration tables.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrExists   = errors.New("record already exists")
)

const timeLayout = time.RFC3339Nano

// Queries groups the typed statements over the configuration tables.
type Queries struct {
	db *sql.DB
}

func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// ----------------------------------------
// Strategy Queries
// ----------------------------------------

// ListStrategies returns every record ordered by name and symbol.
func (q *Queries) ListStrategies(ctx context.Context) ([]StrategyInstance, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT name, symbol, mode, interval, exchange, parameters, file_path, updated_at
		FROM strategy_instances
		ORDER BY name, symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("query strategies: %w", err)
	}
	defer rows.Close()

	var out []StrategyInstance
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetStrategy returns one record or ErrNotFound.
func (q *Queries) GetStrategy(ctx context.Context, name, symbol string) (StrategyInstance, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT name, symbol, mode, interval, exchange, parameters, file_path, updated_at
		FROM strategy_instances
		WHERE name = ? AND symbol = ?
	`, name, symbol)
	s, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return s, ErrNotFound
	}
	return s, err
}

// GetMode reads only the mode column.
func (q *Queries) GetMode(ctx context.Context, name, symbol string) (string, error) {
	var mode string
	err := q.db.QueryRowContext(ctx,
		`SELECT mode FROM strategy_instances WHERE name = ? AND symbol = ?`, name, symbol).Scan(&mode)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query mode: %w", err)
	}
	return mode, nil
}

// SetMode updates the mode of an existing record.
func (q *Queries) SetMode(ctx context.Context, name, symbol, mode string) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE strategy_instances SET mode = ?, updated_at = CURRENT_TIMESTAMP
		WHERE name = ? AND symbol = ?
	`, mode, name, symbol)
	if err != nil {
		return fmt.Errorf("update mode: %w", err)
	}
	return requireRow(res)
}

// UpsertStrategy inserts or replaces a record keyed by name and symbol.
func (q *Queries) UpsertStrategy(ctx context.Context, s StrategyInstance) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategy_instances (name, symbol, mode, interval, exchange, parameters, file_path)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name, symbol) DO UPDATE SET
			mode = excluded.mode,
			interval = excluded.interval,
			exchange = excluded.exchange,
			parameters = excluded.parameters,
			file_path = excluded.file_path,
			updated_at = CURRENT_TIMESTAMP
	`, s.Name, s.Symbol, s.Mode, s.Interval, s.Exchange, s.Parameters, s.FilePath)
	if err != nil {
		return fmt.Errorf("upsert strategy: %w", err)
	}
	return nil
}

// RenameStrategy moves a record to another symbol. Activation and capital rows
// stay with the old symbol.
func (q *Queries) RenameStrategy(ctx context.Context, name, oldSymbol, newSymbol string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var taken int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM strategy_instances WHERE name = ? AND symbol = ?`, name, newSymbol).Scan(&taken); err != nil {
		return fmt.Errorf("check strategy: %w", err)
	}
	if taken > 0 {
		return ErrExists
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE strategy_instances SET symbol = ?, updated_at = CURRENT_TIMESTAMP
		WHERE name = ? AND symbol = ?
	`, newSymbol, name, oldSymbol)
	if err != nil {
		return fmt.Errorf("rename strategy: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	return tx.Commit()
}

// DeleteStrategy removes a record together with its activation and capital rows.
func (q *Queries) DeleteStrategy(ctx context.Context, name, symbol string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM strategy_instances WHERE name = ? AND symbol = ?`, name, symbol)
	if err != nil {
		return fmt.Errorf("delete strategy: %w", err)
	}
	if err := requireRow(res); err != nil {
		return err
	}
	for _, table := range []string{"activations", "start_capital"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE name = ? AND symbol = ?`, name, symbol); err != nil {
			return fmt.Errorf("delete %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// ----------------------------------------
// Activation Queries
// ----------------------------------------

// TouchActivation records start_date on first call and refreshes last_active on every call.
func (q *Queries) TouchActivation(ctx context.Context, name, symbol string, now time.Time) (Activation, error) {
	ts := now.Format(timeLayout)
	if _, err := q.db.ExecContext(ctx, `
		INSERT INTO activations (name, symbol, start_date, last_active) VALUES (?, ?, ?, ?)
		ON CONFLICT(name, symbol) DO UPDATE SET last_active = excluded.last_active
	`, name, symbol, ts, ts); err != nil {
		return Activation{}, fmt.Errorf("touch activation: %w", err)
	}
	return q.GetActivation(ctx, name, symbol)
}

// GetActivation returns the activation row or ErrNotFound.
func (q *Queries) GetActivation(ctx context.Context, name, symbol string) (Activation, error) {
	var start, last string
	err := q.db.QueryRowContext(ctx,
		`SELECT start_date, last_active FROM activations WHERE name = ? AND symbol = ?`, name, symbol).Scan(&start, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return Activation{}, ErrNotFound
	}
	if err != nil {
		return Activation{}, fmt.Errorf("query activation: %w", err)
	}

	a := Activation{Name: name, Symbol: symbol}
	if a.StartDate, err = time.Parse(timeLayout, start); err != nil {
		return Activation{}, fmt.Errorf("parse start_date: %w", err)
	}
	if a.LastActive, err = time.Parse(timeLayout, last); err != nil {
		return Activation{}, fmt.Errorf("parse last_active: %w", err)
	}
	return a, nil
}

func (q *Queries) DeleteActivation(ctx context.Context, name, symbol string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM activations WHERE name = ? AND symbol = ?`, name, symbol)
	return err
}

// ----------------------------------------
// Capital, Settings and Credentials
// ----------------------------------------

// GetStartCapital returns ErrNotFound when no amount was recorded.
func (q *Queries) GetStartCapital(ctx context.Context, name, symbol string) (float64, error) {
	var amount float64
	err := q.db.QueryRowContext(ctx,
		`SELECT amount FROM start_capital WHERE name = ? AND symbol = ?`, name, symbol).Scan(&amount)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return amount, err
}

func (q *Queries) SetStartCapital(ctx context.Context, name, symbol string, amount float64) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO start_capital (name, symbol, amount) VALUES (?, ?, ?)
		ON CONFLICT(name, symbol) DO UPDATE SET amount = excluded.amount
	`, name, symbol, amount)
	return err
}

// GetSetting returns the raw value of a settings key or ErrNotFound.
func (q *Queries) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := q.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}

func (q *Queries) PutSetting(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	return err
}

// GetAPIKey looks up credentials by lower-cased exchange name.
func (q *Queries) GetAPIKey(ctx context.Context, exchange string) (APIKey, error) {
	k := APIKey{Exchange: exchange}
	err := q.db.QueryRowContext(ctx, `
		SELECT api_key, api_secret, passphrase, rate_limit_requests, timeout_seconds
		FROM api_keys WHERE exchange = lower(?)
	`, exchange).Scan(&k.APIKey, &k.APISecret, &k.Passphrase, &k.RateLimitRequests, &k.TimeoutSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return APIKey{}, ErrNotFound
	}
	if err != nil {
		return APIKey{}, fmt.Errorf("query api key: %w", err)
	}
	return k, nil
}

func (q *Queries) UpsertAPIKey(ctx context.Context, k APIKey) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO api_keys (exchange, api_key, api_secret, passphrase, rate_limit_requests, timeout_seconds)
		VALUES (lower(?), ?, ?, ?, ?, ?)
		ON CONFLICT(exchange) DO UPDATE SET
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			passphrase = excluded.passphrase,
			rate_limit_requests = excluded.rate_limit_requests,
			timeout_seconds = excluded.timeout_seconds
	`, k.Exchange, k.APIKey, k.APISecret, k.Passphrase, k.RateLimitRequests, k.TimeoutSeconds)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row scanner) (StrategyInstance, error) {
	var (
		s       StrategyInstance
		updated any
	)
	if err := row.Scan(&s.Name, &s.Symbol, &s.Mode, &s.Interval, &s.Exchange, &s.Parameters, &s.FilePath, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s, err
		}
		return s, fmt.Errorf("scan strategy: %w", err)
	}
	s.UpdatedAt = parseTimestamp(updated)
	return s, nil
}

// parseTimestamp accepts the driver's time.Time or the text CURRENT_TIMESTAMP writes.
func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{timeLayout, "2006-01-02 15:04:05"} {
			if parsed, err := time.Parse(layout, t); err == nil {
				return parsed
			}
		}
	}
	return time.Time{}
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
