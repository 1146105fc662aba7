package config

import (
	"context"
	"os"
	"strings"
)

// LoadAdminFlags builds the read-only flags surfaced via GET /v1/config.
//
// When OUTBOX_CONFIG_ROOT is set, flags are loaded through Loader's
// deterministic base -> env -> tenant -> env-var layering (see loader.go),
// keyed on the service's own env (cfg.Env) and an optional OUTBOX_TENANT.
// OUTBOX_STATIC_CONFIG, if also set, is merged on top via Merge so a single
// YAML override file can patch individual values without touching the
// layered tree. When OUTBOX_CONFIG_ROOT is unset, LoadStaticFlags alone
// applies, matching the simpler single-file deployments this service also
// needs to support.
func LoadAdminFlags(ctx context.Context, cfg OutboxConfig) (map[string]any, error) {
	root := strings.TrimSpace(os.Getenv("OUTBOX_CONFIG_ROOT"))
	if root == "" {
		return LoadStaticFlags(cfg.StaticConfigPath)
	}

	loader, err := NewLoader(root, Options{
		Service: "outbox",
		Env:     cfg.Env,
		Tenant:  strings.TrimSpace(os.Getenv("OUTBOX_TENANT")),
	})
	if err != nil {
		return nil, err
	}
	bundle, err := loader.Load(ctx)
	if err != nil {
		return nil, err
	}

	overrides, err := LoadStaticFlags(cfg.StaticConfigPath)
	if err != nil {
		return nil, err
	}
	if len(overrides) == 0 {
		return bundle.Merged, nil
	}
	merged, _ := Merge(bundle.Merged, overrides, MergeOptions{})
	return merged, nil
}
