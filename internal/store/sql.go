package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"strategy-engine/internal/promotion"
	"strategy-engine/internal/strategy"
	"strategy-engine/pkg/db"
)

const promotionSetting = "promotion"

// Sealer protects credential secrets at rest.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(sealed string) (string, error)
}

// SQLStore implements Store over the sqlite configuration tables.
type SQLStore struct {
	q       *db.Queries
	secrets Sealer
}

// NewSQLStore expects a database with migrations applied.
func NewSQLStore(database *db.Database) *SQLStore {
	return &SQLStore{q: database.Queries()}
}

// WithSecrets seals API secrets and passphrases written from now on and opens
// sealed values on read. Rows stored in plaintext remain readable.
func (s *SQLStore) WithSecrets(sealer Sealer) *SQLStore {
	s.secrets = sealer
	return s
}

func (s *SQLStore) Strategies(ctx context.Context) ([]strategy.Config, error) {
	rows, err := s.q.ListStrategies(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]strategy.Config, 0, len(rows))
	for _, r := range rows {
		cfg, err := fromRow(r)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

func (s *SQLStore) Strategy(ctx context.Context, key strategy.Key) (strategy.Config, error) {
	r, err := s.q.GetStrategy(ctx, key.Name, key.Symbol)
	if err != nil {
		return strategy.Config{}, mapNotFound(err, key)
	}
	return fromRow(r)
}

func (s *SQLStore) CurrentMode(ctx context.Context, key strategy.Key) (strategy.Mode, error) {
	raw, err := s.q.GetMode(ctx, key.Name, key.Symbol)
	if err != nil {
		return "", mapNotFound(err, key)
	}
	return strategy.ParseMode(raw)
}

func (s *SQLStore) SetMode(ctx context.Context, key strategy.Key, mode strategy.Mode) error {
	return mapNotFound(s.q.SetMode(ctx, key.Name, key.Symbol, string(mode)), key)
}

func (s *SQLStore) Upsert(ctx context.Context, cfg strategy.Config) error {
	params, err := json.Marshal(cfg.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	if cfg.Mode == "" {
		cfg.Mode = strategy.ModeDisabled
	}
	if cfg.Exchange == "" {
		cfg.Exchange = strategy.DefaultExchange
	}
	return s.q.UpsertStrategy(ctx, db.StrategyInstance{
		Name:       cfg.Name,
		Symbol:     cfg.Symbol,
		Mode:       string(cfg.Mode),
		Interval:   cfg.Interval,
		Exchange:   cfg.Exchange,
		Parameters: string(params),
		FilePath:   cfg.FilePath,
	})
}

func (s *SQLStore) Remove(ctx context.Context, key strategy.Key) error {
	return mapNotFound(s.q.DeleteStrategy(ctx, key.Name, key.Symbol), key)
}

func (s *SQLStore) Rename(ctx context.Context, key strategy.Key, symbol string) error {
	err := s.q.RenameStrategy(ctx, key.Name, key.Symbol, symbol)
	if errors.Is(err, db.ErrExists) {
		return fmt.Errorf("%w: %s", ErrExists, strategy.Key{Name: key.Name, Symbol: symbol})
	}
	return mapNotFound(err, key)
}

func (s *SQLStore) Activate(ctx context.Context, key strategy.Key, now time.Time) (time.Time, error) {
	a, err := s.q.TouchActivation(ctx, key.Name, key.Symbol, now)
	if err != nil {
		return time.Time{}, err
	}
	return a.StartDate, nil
}

func (s *SQLStore) ActivatedAt(ctx context.Context, key strategy.Key) (time.Time, error) {
	a, err := s.q.GetActivation(ctx, key.Name, key.Symbol)
	if err != nil {
		return time.Time{}, mapNotFound(err, key)
	}
	return a.StartDate, nil
}

func (s *SQLStore) ClearActivation(ctx context.Context, key strategy.Key) error {
	return s.q.DeleteActivation(ctx, key.Name, key.Symbol)
}

func (s *SQLStore) StartCapital(ctx context.Context, key strategy.Key) (float64, error) {
	amount, err := s.q.GetStartCapital(ctx, key.Name, key.Symbol)
	if errors.Is(err, db.ErrNotFound) || (err == nil && amount <= 0) {
		return DefaultStartCapital, nil
	}
	return amount, err
}

// SetStartCapital records a per-strategy starting balance.
func (s *SQLStore) SetStartCapital(ctx context.Context, key strategy.Key, amount float64) error {
	return s.q.SetStartCapital(ctx, key.Name, key.Symbol, amount)
}

func (s *SQLStore) Promotion(ctx context.Context) (promotion.Settings, error) {
	settings := promotion.Defaults()
	raw, err := s.q.GetSetting(ctx, promotionSetting)
	if errors.Is(err, db.ErrNotFound) {
		return settings, nil
	}
	if err != nil {
		return settings, err
	}
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return promotion.Defaults(), fmt.Errorf("parse promotion settings: %w", err)
	}
	return settings, nil
}

func (s *SQLStore) SavePromotion(ctx context.Context, settings promotion.Settings) error {
	raw, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	return s.q.PutSetting(ctx, promotionSetting, string(raw))
}

// Credentials falls back to anonymous access for MEXC only.
func (s *SQLStore) Credentials(ctx context.Context, exchange string) (Credential, error) {
	k, err := s.q.GetAPIKey(ctx, exchange)
	if errors.Is(err, db.ErrNotFound) {
		if strings.EqualFold(exchange, "mexc") {
			return DefaultCredential(exchange), nil
		}
		return Credential{}, fmt.Errorf("%w: %s", ErrNoCredentials, exchange)
	}
	if err != nil {
		return Credential{}, err
	}
	secret, passphrase := k.APISecret, k.Passphrase
	if s.secrets != nil {
		if secret, err = s.secrets.Open(secret); err != nil {
			return Credential{}, fmt.Errorf("open api secret for %s: %w", exchange, err)
		}
		if passphrase, err = s.secrets.Open(passphrase); err != nil {
			return Credential{}, fmt.Errorf("open passphrase for %s: %w", exchange, err)
		}
	}
	return Credential{
		Exchange:          k.Exchange,
		APIKey:            k.APIKey,
		APISecret:         secret,
		Passphrase:        passphrase,
		RateLimitRequests: k.RateLimitRequests,
		TimeoutSeconds:    k.TimeoutSeconds,
	}.withDefaults(), nil
}

func (s *SQLStore) SaveCredential(ctx context.Context, c Credential) error {
	c = c.withDefaults()
	if s.secrets != nil {
		var err error
		if c.APISecret, err = s.secrets.Seal(c.APISecret); err != nil {
			return fmt.Errorf("seal api secret: %w", err)
		}
		if c.Passphrase, err = s.secrets.Seal(c.Passphrase); err != nil {
			return fmt.Errorf("seal passphrase: %w", err)
		}
	}
	return s.q.UpsertAPIKey(ctx, db.APIKey{
		Exchange:          c.Exchange,
		APIKey:            c.APIKey,
		APISecret:         c.APISecret,
		Passphrase:        c.Passphrase,
		RateLimitRequests: c.RateLimitRequests,
		TimeoutSeconds:    c.TimeoutSeconds,
	})
}

func fromRow(r db.StrategyInstance) (strategy.Config, error) {
	mode, err := strategy.ParseMode(r.Mode)
	if err != nil {
		return strategy.Config{}, fmt.Errorf("strategy %s_%s: %w", r.Name, r.Symbol, err)
	}
	params := map[string]any{}
	if r.Parameters != "" {
		if err := json.Unmarshal([]byte(r.Parameters), &params); err != nil {
			return strategy.Config{}, fmt.Errorf("strategy %s_%s parameters: %w", r.Name, r.Symbol, err)
		}
	}
	return strategy.Config{
		Name:       r.Name,
		Symbol:     r.Symbol,
		Mode:       mode,
		Interval:   r.Interval,
		Exchange:   r.Exchange,
		Parameters: params,
		FilePath:   r.FilePath,
	}, nil
}

func mapNotFound(err error, key strategy.Key) error {
	if errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return err
}
