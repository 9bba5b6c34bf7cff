package cli

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"strategy-engine/internal/store"
	"strategy-engine/pkg/config"
	"strategy-engine/pkg/crypto"
	"strategy-engine/pkg/db"
)

// masterKeyEnv names the base64 AES-256 key (plus _V2.._V10 for rotation)
// sealing API secrets in the sqlite backend.
const masterKeyEnv = "MASTER_ENCRYPTION_KEY"

// openStore returns the configured backend and a function releasing it.
func openStore(cfg *config.Config, logger zerolog.Logger) (store.Store, func() error, error) {
	switch cfg.StoreBackend {
	case "", "file":
		return store.NewFileStore(cfg.DataDir, logger), func() error { return nil }, nil
	case "sqlite":
		database, err := db.New(cfg.DBPath)
		if err != nil {
			return nil, nil, err
		}
		if err := db.ApplyMigrations(database); err != nil {
			database.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		sqlStore := store.NewSQLStore(database)
		ring, err := crypto.KeyRingFromEnv(masterKeyEnv)
		switch {
		case err == nil:
			sqlStore.WithSecrets(ring)
		case errors.Is(err, crypto.ErrNoKeys):
			logger.Debug().Msg(masterKeyEnv + " not set, credential secrets stored in plaintext")
		default:
			database.Close()
			return nil, nil, fmt.Errorf("load encryption keys: %w", err)
		}
		return sqlStore, database.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown STORE_BACKEND %q (expected file or sqlite)", cfg.StoreBackend)
}
