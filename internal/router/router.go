// Package router resolves accounts to execution engines.
package router

import (
	"strings"

	"github.com/tradeforge/omsgate/errs"
	"github.com/tradeforge/omsgate/internal/schema"
)

// Engine prefixes recognized on exchange-account identifiers. Resolution is
// strict: no normalization, no default engine.
const (
	spotPrefix    = "spot-"
	futuresPrefix = "perp-"
)

// ResolveEngine maps an exchange-account identifier to its engine based on
// the identifier prefix. Identifiers without a recognized prefix fail with
// unsupported_engine.
func ResolveEngine(exchangeAccount string) (schema.Engine, error) {
	id := strings.TrimSpace(exchangeAccount)
	switch {
	case strings.HasPrefix(id, spotPrefix):
		return schema.EngineSpot, nil
	case strings.HasPrefix(id, futuresPrefix):
		return schema.EngineFutures, nil
	default:
		return "", errs.New("", errs.CodeUnsupportedEngine,
			errs.WithMessage("no engine prefix on exchange account"),
			errs.WithField("exchange_account", id))
	}
}

// EngineOf resolves the engine for an account record.
func EngineOf(account schema.Account) (schema.Engine, error) {
	return ResolveEngine(account.ExchangeAccount)
}
