// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/petervdpas/goopcall/internal/app"
	"github.com/petervdpas/goopcall/internal/config"
	"github.com/petervdpas/goopcall/internal/rendezvous"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	tokenTTL = flag.Duration("ttl", 0, "Token lifetime for the token command (0 = no expiry)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}

	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]

	switch command {
	case "peer":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: peer command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goopcall peer <peer-directory>")
			os.Exit(1)
		}
		runCLIPeer(args[1])

	case "server":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: server command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: goopcall server <server-directory>")
			os.Exit(1)
		}
		runCLIServer(args[1])

	case "token":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "Error: token command requires directory path and user id")
			fmt.Fprintln(os.Stderr, "Usage: goopcall [-ttl 720h] token <server-directory> <user-id>")
			os.Exit(1)
		}
		runCLIToken(args[1], args[2], *tokenTTL)

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// loadDir resolves dir, loads its .env and config file (creating a default
// one when missing) and applies GOOPCALL_* overrides.
func loadDir(dirArg string) (absDir, cfgPath string, cfg config.Config, created bool) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	if err := config.LoadEnvFile(filepath.Join(absDir, ".env")); err != nil {
		log.Fatalf("Failed to load .env: %v", err)
	}

	cfgPath = filepath.Join(absDir, config.FileName)
	cfg, created, err = config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := config.ApplyEnv(&cfg); err != nil {
		log.Fatalf("Invalid environment: %v", err)
	}
	return absDir, cfgPath, cfg, created
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runCLIPeer(peerDirArg string) {
	absDir, cfgPath, cfg, created := loadDir(peerDirArg)
	if created {
		fmt.Printf("Created %s. Set identity.user_id (or GOOPCALL_USER_ID) and run again.\n", cfgPath)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config %s: %v", cfgPath, err)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunPeer(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func runCLIServer(dirArg string) {
	absDir, cfgPath, cfg, _ := loadDir(dirArg)
	if err := cfg.ValidateServer(); err != nil {
		log.Fatalf("Invalid config %s: %v", cfgPath, err)
	}

	fmt.Printf("Server Directory: %s\n", absDir)
	fmt.Printf("Config File:      %s\n", cfgPath)
	fmt.Printf("Listening:        http://%s\n", cfg.Server.Addr())
	if cfg.Server.AuthSecret == "" {
		fmt.Println("Auth:             none (clients are trusted by ?user=)")
	} else {
		fmt.Println("Auth:             bearer tokens (goopcall token <dir> <user>)")
	}
	fmt.Println("────────────────────────────────────────────────────────")

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.RunServer(ctx, app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func runCLIToken(dirArg, userID string, ttl time.Duration) {
	_, cfgPath, cfg, _ := loadDir(dirArg)
	if cfg.Server.AuthSecret == "" {
		log.Fatalf("%s has no server.auth_secret; tokens are not needed", cfgPath)
	}
	tok, err := rendezvous.IssueToken([]byte(cfg.Server.AuthSecret), userID, ttl)
	if err != nil {
		log.Fatalf("Issue token: %v", err)
	}
	fmt.Println(tok)
}

func showUsage() {
	fmt.Println("goopcall - one-to-one voice and video calls")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall peer <directory>            Run a call endpoint")
	fmt.Println("  goopcall server <directory>          Run the relay + mailbox signaling server")
	fmt.Println("  goopcall token <directory> <user>    Print a bearer token for user")
	fmt.Println()
	fmt.Println("Each directory holds a " + config.FileName + " (created on first run)")
	fmt.Println("and an optional .env with GOOPCALL_* overrides.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -ttl      Token lifetime for the token command")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall server ./server")
	fmt.Println("  GOOPCALL_USER_ID=alice goopcall peer ./peers/alice")
	fmt.Println("  curl -XPOST localhost:8790/api/call/start -d '{\"peer_id\":\"bob\",\"kind\":\"video\"}'")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                   goopcall endpoint                    ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	if cfg.Identity.UserID != "" {
		fmt.Printf("User ID:        %s\n", cfg.Identity.UserID)
	}
	if cfg.Identity.DisplayName != "" {
		fmt.Printf("Display Name:   %s\n", cfg.Identity.DisplayName)
	}
	fmt.Printf("Transport:      %s\n", cfg.Signaling.Transport)
	if cfg.Signaling.Transport != config.TransportP2P {
		fmt.Printf("Server:         %s\n", cfg.Signaling.ServerURL)
	}
	if cfg.Viewer.HTTPAddr != "" {
		_, url := app.NormalizeLocalViewer(cfg.Viewer.HTTPAddr)
		fmt.Printf("Call API:       %s/api/call/state\n", url)
	}
	fmt.Println()
	fmt.Println("Starting peer... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
