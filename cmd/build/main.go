// Command build is the one-shot operator CLI for validating a deployment's
// configuration before cmd/frontend or cmd/worker ever load it: it resolves
// the same layered config (defaults, file, env, and merged foreman rule
// sources) those binaries do, reports which rule definitions the loader
// skipped as duplicates, and CEL-compiles every surviving rule's
// clientRuleSet so a typo is caught here rather than at the first
// checking-in client.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sentinelfleet/core/internal/config"
	"github.com/sentinelfleet/core/internal/expr"
)

func main() {
	configFile, envPrefix := parseFlags()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(envPrefix, configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	for _, skip := range cfg.SkippedDefinitions {
		fmt.Printf("skipped %s %q (sources: %v): %s\n", skip.Kind, skip.Name, skip.Sources, skip.Reason)
	}
	for _, src := range cfg.RuleSources {
		fmt.Printf("loaded rules from %s\n", src)
	}

	env, err := expr.NewEnvironment()
	if err != nil {
		log.Fatalf("failed to build CEL environment: %v", err)
	}

	failed := 0
	for name, rule := range cfg.ForemanRules {
		if _, err := env.Compile(rule.ClientRuleSet); err != nil {
			fmt.Printf("rule %q: clientRuleSet does not compile: %v\n", name, err)
			failed++
			continue
		}
		fmt.Printf("rule %q: ok (%d action(s))\n", name, len(rule.Actions))
	}

	fmt.Printf("%d rule(s) checked, %d failed, %d skipped\n", len(cfg.ForemanRules), failed, len(cfg.SkippedDefinitions))
	if failed > 0 {
		os.Exit(1)
	}
}

func parseFlags() (configFile, envPrefix string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	fs.StringVar(&configFile, "config", "", "path to server configuration file")
	fs.StringVar(&envPrefix, "env-prefix", "SENTINELFLEET", "environment variable prefix")
	_ = fs.Parse(os.Args[1:])
	return configFile, envPrefix
}
