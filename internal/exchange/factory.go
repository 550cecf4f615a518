package exchange

import "fmt"

// New selects an adapter from the closed set of supported venues.
func New(name string) (Adapter, error) {
	switch name {
	case "binance":
		return NewBinance(), nil
	case "coinbase":
		return NewCoinbase(), nil
	case "kraken":
		return NewKraken(), nil
	case "synthetic":
		return NewSynthetic(), nil
	default:
		return nil, fmt.Errorf("unknown exchange %q (supported: %v)", name, Names())
	}
}

// Names lists the supported venues in stable order.
func Names() []string {
	return []string{"binance", "coinbase", "kraken", "synthetic"}
}
