package lake

import (
	"fmt"
	"strings"
)

// Data types stored in the lake. Funding history is stored under "alt"
// with period "funding"; user feature sets use their own type string.
const (
	TypeRaw       = "raw"
	TypeAlt       = "alt"
	TypeTicks     = "ticks"
	PeriodFunding = "funding"
)

// Identity names one data series: (exchange, market, symbol).
type Identity struct {
	Exchange string
	Market   string
	Symbol   string
}

// NormalizeComponent upper-cases an identity component and replaces the
// characters that are unsafe in filesystem paths ('/', ':', spaces).
// Writer, reader and manifest all apply the same normalization, so queries
// match regardless of how the caller spells the symbol.
func NormalizeComponent(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	r := strings.NewReplacer("/", "_", ":", "_", " ", "_")
	return r.Replace(s)
}

// Normalize returns the identity with all components normalized.
func (id Identity) Normalize() Identity {
	return Identity{
		Exchange: NormalizeComponent(id.Exchange),
		Market:   NormalizeComponent(id.Market),
		Symbol:   NormalizeComponent(id.Symbol),
	}
}

// Validate checks that no component is empty after normalization.
func (id Identity) Validate() error {
	n := id.Normalize()
	if n.Exchange == "" || n.Market == "" || n.Symbol == "" {
		return fmt.Errorf("%w: exchange=%q market=%q symbol=%q",
			ErrInvalidIdentity, id.Exchange, id.Market, id.Symbol)
	}
	return nil
}

func (id Identity) String() string {
	n := id.Normalize()
	return n.Exchange + "/" + n.Market + "/" + n.Symbol
}
