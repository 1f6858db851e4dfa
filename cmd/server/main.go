// Command server runs the keywheel proxy: an OpenAI-compatible reverse
// proxy that spreads requests across a pool of upstream API keys with
// model-aware routing, rotation on rate limits, and failover retry.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/keywheel/keywheel/internal/cmd"
)

func main() {
	// Load .env before config so OPENAI_KEYS from it is visible.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	bind := flag.String("bind", "", "listen address override, e.g. 0.0.0.0:8080")
	flag.Parse()

	err := cmd.Run(context.Background(), cmd.Options{
		ConfigPath: *configPath,
		Bind:       *bind,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
