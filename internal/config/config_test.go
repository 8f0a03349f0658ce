package config_test

import (
	"strings"
	"testing"

	"traceline/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if len(cfg.Decompose.Routes) == 0 {
		t.Fatalf("default routes empty")
	}
	if cfg.Decompose.Routes[0].Domain != "forge" {
		t.Fatalf("route order not preserved: %+v", cfg.Decompose.Routes[0])
	}
}

func TestFromYAMLRejectsBadTables(t *testing.T) {
	cases := map[string]string{
		"missing version": `
decompose:
  routes:
    - {domain: forge, agent: sdk, keywords: [build]}
`,
		"route without keywords": `
agent: {version: 0.1.0}
decompose:
  routes:
    - {domain: forge, agent: sdk, keywords: []}
`,
		"bad conflict pair": `
agent: {version: 0.1.0}
decompose:
  routes:
    - {domain: forge, agent: sdk, keywords: [build]}
metareason:
  conflicting_constraints:
    - [only_one]
`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := config.FromYAML([]byte(strings.TrimSpace(raw))); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
