package gateway

import (
	"fmt"

	"github.com/rs/zerolog"

	"strategy-engine/internal/market"
	"strategy-engine/internal/store"
	venues "strategy-engine/pkg/market/binance"
)

// ClientFactory creates a venue client from one credential entry.
type ClientFactory func(cred store.Credential, logger zerolog.Logger) (market.Provider, error)

// DefaultFactory creates REST clients for the Binance-compatible spot venues.
func DefaultFactory(cred store.Credential, logger zerolog.Logger) (market.Provider, error) {
	venue, ok := venues.VenueFor(cred.Exchange)
	if !ok {
		return nil, fmt.Errorf("%w: exchange %q has no client", market.ErrUnsupportedMarket, cred.Exchange)
	}
	return venues.NewClient(venues.Config{
		Venue:             venue,
		APIKey:            cred.APIKey,
		Timeout:           cred.Timeout(),
		RequestsPerMinute: cred.RateLimitRequests,
	}, logger), nil
}

// BaseURLFactory is DefaultFactory with every venue pointed at baseURL.
func BaseURLFactory(baseURL string) ClientFactory {
	return func(cred store.Credential, logger zerolog.Logger) (market.Provider, error) {
		venue, ok := venues.VenueFor(cred.Exchange)
		if !ok {
			return nil, fmt.Errorf("%w: exchange %q has no client", market.ErrUnsupportedMarket, cred.Exchange)
		}
		return venues.NewClient(venues.Config{
			Venue:             venue,
			APIKey:            cred.APIKey,
			BaseURL:           baseURL,
			Timeout:           cred.Timeout(),
			RequestsPerMinute: cred.RateLimitRequests,
		}, logger), nil
	}
}
