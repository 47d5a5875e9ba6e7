// Package exchange talks to market-data venues. A Connector is one
// exchange+market pair; the registry maps names to connectors so the
// pipeline and the API never hard-code a venue.
package exchange

import (
	"context"
	"fmt"
	"strings"

	"candlelake/internal/frame"
	"candlelake/internal/lake"
)

// SymbolInfo is one tradable instrument as the venue lists it.
type SymbolInfo struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Active bool   `json:"active"`
}

// Connector fetches historical data from one exchange+market. Fetch calls
// return candles with open time >= since in ascending order, at most limit
// rows. Implementations handle venue rate limits internally; a limit that
// cannot be ridden out surfaces as lake.ErrRateLimited.
type Connector interface {
	Exchange() string
	Market() string
	Symbols(ctx context.Context) ([]SymbolInfo, error)

	// FetchOHLCV returns candles for the venue-native symbol.
	FetchOHLCV(ctx context.Context, symbol, period string, since int64, limit int) (*frame.Frame, error)

	// FetchFunding returns funding-rate records. Connectors for venues
	// without funding return lake.ErrNotFound.
	FetchFunding(ctx context.Context, symbol string, since int64, limit int) (*frame.Frame, error)
}

// ResolveSymbol maps a case-insensitive user symbol to the venue-native
// spelling, so "btcusdt" and "BTCUSDT" address the same instrument.
func ResolveSymbol(ctx context.Context, c Connector, symbol string) (string, error) {
	infos, err := c.Symbols(ctx)
	if err != nil {
		return "", err
	}
	want := strings.ToUpper(symbol)
	for _, s := range infos {
		if strings.ToUpper(s.Symbol) == want {
			return s.Symbol, nil
		}
	}
	return "", fmt.Errorf("%w: %q on %s %s", lake.ErrUnknownSymbol, symbol, c.Exchange(), c.Market())
}
