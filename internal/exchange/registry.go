package exchange

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"candlelake/internal/lake"
)

// Factory builds a connector for one exchange+market.
type Factory func(log *logrus.Logger) (Connector, error)

// Registry maps exchange and market names to connector factories.
// Connectors are built once per registry and reused, so their rate
// limiters span every caller in the process.
type Registry struct {
	mu        sync.Mutex
	factories map[string]map[string]Factory
	open      map[string]Connector
	log       *logrus.Logger
}

// NewRegistry returns a registry with the built-in venues registered.
func NewRegistry(log *logrus.Logger) *Registry {
	r := &Registry{
		factories: make(map[string]map[string]Factory),
		open:      make(map[string]Connector),
		log:       log,
	}
	r.Register("binance", "spot", func(l *logrus.Logger) (Connector, error) {
		return NewBinance("spot", l)
	})
	r.Register("binance", "futures", func(l *logrus.Logger) (Connector, error) {
		return NewBinance("futures", l)
	})
	return r
}

// Register adds a factory. Later registrations for the same pair replace
// earlier ones, which is how tests install fakes.
func (r *Registry) Register(exchange, market string, f Factory) {
	exchange, market = strings.ToLower(exchange), strings.ToLower(market)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.factories[exchange] == nil {
		r.factories[exchange] = make(map[string]Factory)
	}
	r.factories[exchange][market] = f
	delete(r.open, exchange+":"+market)
}

// Exchanges lists the registered exchange names, sorted.
func (r *Registry) Exchanges() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.factories))
	for name := range r.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Markets lists the markets of one exchange, sorted.
func (r *Registry) Markets(exchange string) ([]string, error) {
	exchange = strings.ToLower(exchange)
	r.mu.Lock()
	defer r.mu.Unlock()
	markets, ok := r.factories[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %q", lake.ErrUnknownExchange, exchange)
	}
	out := make([]string, 0, len(markets))
	for name := range markets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Open returns the connector for the pair, building it on first use.
func (r *Registry) Open(exchange, market string) (Connector, error) {
	exchange, market = strings.ToLower(exchange), strings.ToLower(market)
	r.mu.Lock()
	defer r.mu.Unlock()
	key := exchange + ":" + market
	if c, ok := r.open[key]; ok {
		return c, nil
	}
	markets, ok := r.factories[exchange]
	if !ok {
		return nil, fmt.Errorf("%w: %q", lake.ErrUnknownExchange, exchange)
	}
	f, ok := markets[market]
	if !ok {
		return nil, fmt.Errorf("%w: market %q on %q", lake.ErrUnknownExchange, market, exchange)
	}
	c, err := f(r.log)
	if err != nil {
		return nil, err
	}
	r.open[key] = c
	return c, nil
}
