// Package exchanges constructs venue clients from credential material.
package exchanges

import (
	"fmt"

	"signal-engine/pkg/exchanges/binance"
	"signal-engine/pkg/exchanges/bybit"
	"signal-engine/pkg/exchanges/common"
)

// Supported exchange identifiers as stored on credentials.
const (
	Binance = "binance-usdtfut"
	Bybit   = "bybit-linear"
)

// NewClient builds a venue client for one credential.
func NewClient(exchange, apiKey, apiSecret string, testnet bool, recvWindowMs int64) (common.Client, error) {
	switch exchange {
	case Binance:
		return binance.NewClient(binance.Config{
			APIKey:     apiKey,
			APISecret:  apiSecret,
			Testnet:    testnet,
			RecvWindow: recvWindowMs,
		}), nil
	case Bybit:
		return bybit.NewClient(bybit.Config{
			APIKey:     apiKey,
			APISecret:  apiSecret,
			Testnet:    testnet,
			RecvWindow: recvWindowMs,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", exchange)
	}
}

// Known lists every supported exchange identifier.
func Known() []string {
	return []string{Binance, Bybit}
}
