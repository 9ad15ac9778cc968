// Package schema defines the core OMS domain types shared across services.
package schema

import (
	"strings"

	"github.com/tradeforge/omsgate/errs"
)

// Engine names one of the fixed execution back-ends.
type Engine string

const (
	// EngineSpot routes work to the spot execution back-end.
	EngineSpot Engine = "spot"
	// EngineFutures routes work to the perpetual-futures execution back-end.
	EngineFutures Engine = "futures"
)

// Engines lists every execution back-end the gateway can host.
func Engines() []Engine {
	return []Engine{EngineSpot, EngineFutures}
}

// Validate checks the engine value against the fixed set.
func (e Engine) Validate() error {
	switch e {
	case EngineSpot, EngineFutures:
		return nil
	default:
		return errs.New("", errs.CodeUnsupportedEngine,
			errs.WithMessage("unknown engine "+strings.TrimSpace(string(e))))
	}
}

// Side identifies the direction of an order, deal, or position.
type Side string

const (
	// SideBuy marks long-direction orders and positions.
	SideBuy Side = "buy"
	// SideSell marks short-direction orders and positions.
	SideSell Side = "sell"
)

// Opposite returns the reversed side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Validate checks side membership.
func (s Side) Validate() error {
	switch s {
	case SideBuy, SideSell:
		return nil
	default:
		return errs.New("", errs.CodeValidation, errs.WithMessage("invalid side "+string(s)))
	}
}

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	// OrderTypeMarket executes at the venue's best available price.
	OrderTypeMarket OrderType = "market"
	// OrderTypeLimit rests at the submitted price.
	OrderTypeLimit OrderType = "limit"
)

// Validate checks order-type membership.
func (t OrderType) Validate() error {
	switch t {
	case OrderTypeMarket, OrderTypeLimit:
		return nil
	default:
		return errs.New("", errs.CodeValidation, errs.WithMessage("invalid order type "+string(t)))
	}
}

// PositionMode selects the account's position accounting scheme.
type PositionMode string

const (
	// PositionModeHedge keys positions by (account, symbol, strategy) and never reverses sign.
	PositionModeHedge PositionMode = "hedge"
	// PositionModeNetting keeps a single net exposure per (account, symbol).
	PositionModeNetting PositionMode = "netting"
)

// Validate checks position-mode membership.
func (m PositionMode) Validate() error {
	switch m {
	case PositionModeHedge, PositionModeNetting:
		return nil
	default:
		return errs.New("", errs.CodeValidation, errs.WithMessage("invalid position mode "+string(m)))
	}
}

// Reason records how a row entered the system.
type Reason string

const (
	// ReasonAPI marks rows originated by the command pipeline.
	ReasonAPI Reason = "api"
	// ReasonExternal marks rows discovered through reconciliation.
	ReasonExternal Reason = "external"
)

// RawStorageMode selects where an account's raw exchange payloads land.
type RawStorageMode string

const (
	// RawStorageShared stores raw payloads in the shared raw tables.
	RawStorageShared RawStorageMode = "shared"
	// RawStorageDedicated stores raw payloads in per-account partitions.
	RawStorageDedicated RawStorageMode = "dedicated"
)

// Validate checks raw-storage-mode membership.
func (m RawStorageMode) Validate() error {
	switch m {
	case RawStorageShared, RawStorageDedicated:
		return nil
	default:
		return errs.New("", errs.CodeValidation, errs.WithMessage("invalid raw storage mode "+string(m)))
	}
}
