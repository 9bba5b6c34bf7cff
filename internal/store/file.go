package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"strategy-engine/internal/promotion"
	"strategy-engine/internal/strategy"
)

const (
	StrategiesFile   = "strategies.json"
	ActivationsFile  = "active_strategies.json"
	CapitalFile      = "czacha.json"
	PromotionFile    = "promotion.json"
	CredentialsFile  = "api_keys.json"
	activationLayout = time.RFC3339
)

type activation struct {
	StartDate  string `json:"start_date"`
	LastActive string `json:"last_active"`
}

type capitalEntry struct {
	Name         string  `json:"name"`
	Symbol       string  `json:"symbol"`
	StartCapital float64 `json:"start_capital"`
}

// FileStore keeps configuration as JSON documents in one directory, the layout
// the desktop editor reads and writes. Every write replaces a whole file through
// a temp file and rename.
type FileStore struct {
	dir    string
	mu     sync.Mutex
	logger zerolog.Logger
}

func NewFileStore(dir string, logger zerolog.Logger) *FileStore {
	return &FileStore{
		dir:    dir,
		logger: logger.With().Str("component", "FileStore").Logger(),
	}
}

// StrategiesPath is the file a watcher should observe.
func (s *FileStore) StrategiesPath() string { return s.path(StrategiesFile) }

func (s *FileStore) path(name string) string { return filepath.Join(s.dir, name) }

func (s *FileStore) Strategies(_ context.Context) ([]strategy.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readStrategies()
}

func (s *FileStore) Strategy(_ context.Context, key strategy.Key) (strategy.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readStrategies()
	if err != nil {
		return strategy.Config{}, err
	}
	if i := indexOf(all, key); i >= 0 {
		return all[i], nil
	}
	return strategy.Config{}, fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (s *FileStore) CurrentMode(ctx context.Context, key strategy.Key) (strategy.Mode, error) {
	cfg, err := s.Strategy(ctx, key)
	if err != nil {
		return "", err
	}
	return cfg.Mode, nil
}

func (s *FileStore) SetMode(_ context.Context, key strategy.Key, mode strategy.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readStrategies()
	if err != nil {
		return err
	}
	i := indexOf(all, key)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	all[i].Mode = mode
	return writeFile(s.path(StrategiesFile), all)
}

func (s *FileStore) Upsert(_ context.Context, cfg strategy.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readStrategies()
	if err != nil {
		return err
	}
	if cfg.Mode == "" {
		cfg.Mode = strategy.ModeDisabled
	}
	if i := indexOf(all, cfg.Key()); i >= 0 {
		all[i] = cfg
	} else {
		all = append(all, cfg)
	}
	return writeFile(s.path(StrategiesFile), all)
}

func (s *FileStore) Remove(_ context.Context, key strategy.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readStrategies()
	if err != nil {
		return err
	}
	i := indexOf(all, key)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err := writeFile(s.path(StrategiesFile), append(all[:i], all[i+1:]...)); err != nil {
		return err
	}
	if err := s.deleteActivation(key); err != nil {
		return err
	}
	return s.deleteCapital(key)
}

func (s *FileStore) Rename(_ context.Context, key strategy.Key, symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	all, err := s.readStrategies()
	if err != nil {
		return err
	}
	i := indexOf(all, key)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	target := strategy.Key{Name: key.Name, Symbol: symbol}
	if indexOf(all, target) >= 0 {
		return fmt.Errorf("%w: %s", ErrExists, target)
	}
	all[i].Symbol = symbol
	return writeFile(s.path(StrategiesFile), all)
}

func (s *FileStore) Activate(_ context.Context, key strategy.Key, now time.Time) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acts, err := s.readActivations()
	if err != nil {
		return time.Time{}, err
	}
	stamp := now.Format(activationLayout)
	a, ok := acts[key.String()]
	if !ok {
		a.StartDate = stamp
	}
	a.LastActive = stamp
	acts[key.String()] = a
	if err := writeFile(s.path(ActivationsFile), acts); err != nil {
		return time.Time{}, err
	}
	return parseActivation(a.StartDate, now.Location())
}

func (s *FileStore) ActivatedAt(_ context.Context, key strategy.Key) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acts, err := s.readActivations()
	if err != nil {
		return time.Time{}, err
	}
	a, ok := acts[key.String()]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: no activation for %s", ErrNotFound, key)
	}
	return parseActivation(a.StartDate, time.Local)
}

func (s *FileStore) ClearActivation(_ context.Context, key strategy.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteActivation(key)
}

func (s *FileStore) StartCapital(_ context.Context, key strategy.Key) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var doc struct {
		Strategies []capitalEntry `json:"strategies"`
	}
	if err := readFile(s.path(CapitalFile), &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return DefaultStartCapital, nil
		}
		return 0, err
	}
	for _, e := range doc.Strategies {
		if e.Name == key.Name && e.Symbol == key.Symbol && e.StartCapital > 0 {
			return e.StartCapital, nil
		}
	}
	return DefaultStartCapital, nil
}

func (s *FileStore) Promotion(_ context.Context) (promotion.Settings, error) {
	settings := promotion.Defaults()
	err := readFile(s.path(PromotionFile), &settings)
	if errors.Is(err, os.ErrNotExist) {
		return promotion.Defaults(), nil
	}
	return settings, err
}

// Credentials matches the exchange case-insensitively. Without a credentials
// file, MEXC is available anonymously.
func (s *FileStore) Credentials(_ context.Context, exchange string) (Credential, error) {
	var list []Credential
	if err := readFile(s.path(CredentialsFile), &list); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return Credential{}, err
		}
		s.logger.Debug().Msg("no credentials file, using anonymous MEXC access")
		list = []Credential{DefaultCredential("mexc")}
	}
	for _, c := range list {
		if strings.EqualFold(c.Exchange, exchange) {
			return c.withDefaults(), nil
		}
	}
	return Credential{}, fmt.Errorf("%w: %s", ErrNoCredentials, exchange)
}

// SaveCredential replaces the entry for c.Exchange or appends one.
func (s *FileStore) SaveCredential(_ context.Context, c Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var list []Credential
	if err := readFile(s.path(CredentialsFile), &list); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	c = c.withDefaults()
	replaced := false
	for i := range list {
		if strings.EqualFold(list[i].Exchange, c.Exchange) {
			list[i], replaced = c, true
			break
		}
	}
	if !replaced {
		list = append(list, c)
	}
	return writeFile(s.path(CredentialsFile), list)
}

func (s *FileStore) readStrategies() ([]strategy.Config, error) {
	var all []strategy.Config
	if err := readFile(s.path(StrategiesFile), &all); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return all, nil
}

func (s *FileStore) readActivations() (map[string]activation, error) {
	acts := map[string]activation{}
	if err := readFile(s.path(ActivationsFile), &acts); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return acts, nil
}

func (s *FileStore) deleteActivation(key strategy.Key) error {
	acts, err := s.readActivations()
	if err != nil {
		return err
	}
	if _, ok := acts[key.String()]; !ok {
		return nil
	}
	delete(acts, key.String())
	return writeFile(s.path(ActivationsFile), acts)
}

// deleteCapital drops the key's entry and keeps every other field of the document.
func (s *FileStore) deleteCapital(key strategy.Key) error {
	var doc map[string]json.RawMessage
	if err := readFile(s.path(CapitalFile), &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var entries []map[string]any
	if raw, ok := doc["strategies"]; ok {
		if err := json.Unmarshal(raw, &entries); err != nil {
			return fmt.Errorf("parse %s: %w", CapitalFile, err)
		}
	}
	kept := entries[:0]
	for _, e := range entries {
		if e["name"] == key.Name && e["symbol"] == key.Symbol {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == len(entries) {
		return nil
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return err
	}
	doc["strategies"] = raw
	return writeFile(s.path(CapitalFile), doc)
}

func indexOf(all []strategy.Config, key strategy.Key) int {
	for i, c := range all {
		if c.Name == key.Name && c.Symbol == key.Symbol {
			return i
		}
	}
	return -1
}

// parseActivation accepts RFC3339 and the date-only form older files carry.
func parseActivation(s string, loc *time.Location) (time.Time, error) {
	if t, err := time.Parse(activationLayout, s); err == nil {
		return t, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse activation date %q: %w", s, err)
	}
	return t, nil
}

var utf8BOM = []byte("\xef\xbb\xbf")

func readFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

func writeFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "    ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
