package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/your-org/tokengate/internal/app"
	"github.com/your-org/tokengate/internal/config"
	"github.com/your-org/tokengate/internal/help"
	"github.com/your-org/tokengate/internal/schema"
	"github.com/your-org/tokengate/pkg/logger"
)

const (
	appName        = "tokengate"
	appDescription = "Gateway middleware that tokenizes PCI data before it reaches backend services"
	envVarPrefix   = "TOKENGATE"
	docsURL        = "https://github.com/your-org/tokengate"
)

var (
	// Version is set during build
	Version = "dev"
	// BuildTime is set during build
	BuildTime = "unknown"
	// GitCommit is set during build
	GitCommit = "unknown"
)

func main() {
	var (
		configPath   = flag.String("config", "", "Path to environment configuration file")
		showVersion  = flag.Bool("version", false, "Show version information")
		showHelpEnv  = flag.Bool("help-env", false, "Show environment variable documentation")
		schemaType   = flag.String("schema", "", "Generate a JSON Schema and exit (environment, rules)")
		schemaOutput = flag.String("schema-output", "", "Output file for the generated schema (default: stdout)")
		validateOnly = flag.Bool("validate", false, "Validate configuration and exit")
	)
	var showHelp bool
	flag.BoolVar(&showHelp, "help", false, "Show detailed help")
	flag.BoolVar(&showHelp, "h", false, "Show detailed help")
	flag.Parse()

	helpGen := help.NewGenerator(help.AppInfo{
		Name:        appName,
		Description: appDescription,
		Version:     Version,
		BuildTime:   BuildTime,
		GitCommit:   GitCommit,
		DocsURL:     docsURL,
	}, envVarPrefix)

	switch {
	case *showVersion:
		fmt.Print(helpGen.PrintVersion())
		return

	case showHelp:
		helpGen.ExtractEnvVars(config.EnvironmentConfig{})
		fmt.Print(helpGen.PrintExtendedHelp())
		return

	case *showHelpEnv:
		helpGen.ExtractEnvVars(config.EnvironmentConfig{})
		fmt.Print(helpGen.PrintEnvVars())
		return

	case *schemaType != "":
		if err := generateSchema(*schemaType, *schemaOutput); err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate schema: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load configuration (environment plus tokenization rules)
	loader, err := config.LoadAll(ctx, *configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := loader.GetEnvironment()

	if *validateOnly {
		rules := loader.GetRules()
		fmt.Println("configuration OK")
		fmt.Printf("  environment: %s (version %s)\n", cfg.Env.Name, cfg.Env.Version)
		fmt.Printf("  rules: %d (version %s)\n", len(rules.Rules), rules.Version)
		fmt.Printf("  upstream: %s\n", rules.Upstream.URL)
		_ = loader.Stop()
		return
	}

	// Initialize logger and the global sensitive data masker
	if err := logger.Init(cfg.Logging); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.InitMasker(cfg.SensitiveData)

	logger.Info("starting tokengate",
		logger.String("version", Version),
		logger.String("commit", GitCommit),
		logger.String("environment", cfg.Env.Name),
	)

	application, err := app.New(cfg,
		app.WithLoader(loader),
		app.WithBuildInfo(app.BuildInfo{
			Version:   Version,
			BuildTime: BuildTime,
			GitCommit: GitCommit,
		}),
	)
	if err != nil {
		logger.Fatal("failed to create application", logger.Err(err))
	}

	if err := application.Initialize(ctx); err != nil {
		logger.Fatal("failed to initialize application", logger.Err(err))
	}

	if err := application.Start(); err != nil {
		logger.Fatal("failed to start application", logger.Err(err))
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", logger.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		logger.Error("error during shutdown", logger.Err(err))
	}

	logger.Info("tokengate stopped")
}

// generateSchema writes the JSON Schema for the requested config type to
// stdout or to the given file.
func generateSchema(schemaType, outputPath string) error {
	st, ok := schema.ParseSchemaType(schemaType)
	if !ok {
		return fmt.Errorf("unknown schema type %q, valid types: environment, rules", schemaType)
	}

	gen := schema.NewGenerator()
	data, err := gen.Generate(st)
	if err != nil {
		return err
	}

	if outputPath == "" {
		fmt.Println(string(data))
		return nil
	}

	return os.WriteFile(outputPath, append(data, '\n'), 0o644)
}
