package main

import (
	"testing"

	"github.com/tradeforge/omsgate/config"
	"github.com/tradeforge/omsgate/internal/schema"
)

func TestBuildAdapterRegistryCoversConfiguredEngines(t *testing.T) {
	cfg := config.Default()
	registry := buildAdapterRegistry(cfg)

	if len(registry) != len(cfg.Engines) {
		t.Fatalf("registry size = %d, want %d", len(registry), len(cfg.Engines))
	}
	for engine := range cfg.Engines {
		factory, ok := registry[engine]
		if !ok {
			t.Fatalf("engine %s missing from registry", engine)
		}
		adapter, err := factory(schema.Account{ID: 1, ExchangeAccount: "spot-alpha"})
		if err != nil {
			t.Fatalf("build adapter for %s: %v", engine, err)
		}
		if adapter == nil {
			t.Fatalf("nil adapter for %s", engine)
		}
	}
}
