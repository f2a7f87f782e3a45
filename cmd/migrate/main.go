package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/festpay/webhook-gateway/internal/config"
	"github.com/festpay/webhook-gateway/internal/database"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: migrate [up|down|status|version|redo|reset] [args]\n")
	}
	flag.Parse()

	command := "up"
	args := flag.Args()
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}

	_ = godotenv.Load()
	databaseURL := os.Getenv(config.EnvPrefix + "_DATABASE_URL")
	if databaseURL == "" {
		fmt.Fprintf(os.Stderr, "%s_DATABASE_URL is required\n", config.EnvPrefix)
		os.Exit(1)
	}

	if err := database.Migrate(databaseURL, command, args...); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}
