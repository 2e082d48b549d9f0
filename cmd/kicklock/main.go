package main

import (
	"context"
	"fmt"
	"os"

	"github.com/Skotchmaster/kicklock/internal/config"
	pkgconfig "github.com/Skotchmaster/kicklock/pkg/config"
	"github.com/Skotchmaster/kicklock/pkg/logging"
)

// set with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	loader := config.NewLoader()
	root := NewRootCommand(loader)
	logger := logging.New(pkgconfig.EnvDefault("LOG_LEVEL", "info"))
	root.SetContext(logging.IntoContext(context.Background(), logger))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
