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

	"github.com/petervdpas/formsync/internal/app"
	"github.com/petervdpas/formsync/internal/config"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	devices  = flag.Bool("devices", false, "join: capture camera and microphone for calls")
	dataDir  = flag.String("dir", "", "join: directory for the local sync files and config")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("formsync v%s\n", appVersion)
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

	switch args[0] {
	case "serve":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: serve requires a data directory")
			fmt.Fprintln(os.Stderr, "Usage: formsync serve <directory>")
			os.Exit(1)
		}
		runServe(args[1])

	case "join":
		if len(args) < 4 {
			fmt.Fprintln(os.Stderr, "Error: join requires a server URL, a session id and a name")
			fmt.Fprintln(os.Stderr, "Usage: formsync join <server-url> <session-id> <name>")
			os.Exit(1)
		}
		runJoin(args[1], args[2], args[3])

	case "templates":
		fmt.Print(app.TemplateList())

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("Shutting down gracefully...")
		cancel()
	}()
	return ctx, cancel
}

func runServe(dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("Cannot create directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "formsync.json")
	config.LoadDotEnv(cfgPath)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", cfgPath)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := app.Run(ctx, app.Options{Dir: absDir, CfgPath: cfgPath, Cfg: cfg}); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}

func runJoin(serverURL, sessionID, name string) {
	cfg := config.Default()
	dir := *dataDir
	if dir != "" {
		cfgPath := filepath.Join(dir, "formsync.json")
		config.LoadDotEnv(cfgPath)
		if _, err := os.Stat(cfgPath); err == nil {
			c, err := config.LoadPartial(cfgPath)
			if err != nil {
				log.Fatalf("Failed to load config: %v", err)
			}
			cfg = c
		}
	}
	config.ApplyEnv(&cfg)

	ctx, cancel := signalContext()
	defer cancel()

	err := app.RunJoin(ctx, app.JoinOptions{
		ServerURL:  serverURL,
		SessionID:  sessionID,
		Name:       name,
		Dir:        dir,
		Cfg:        cfg,
		UseDevices: *devices,
	})
	if err != nil {
		log.Fatalf("Join failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("formsync - real-time collaborative forms")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  formsync serve <directory>                    Run the session server")
	fmt.Println("  formsync join <server-url> <session-id> <name> Join a session from the terminal")
	fmt.Println("  formsync templates                            List built-in form templates")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve <directory>")
	fmt.Println("        Serve REST, websocket and blob endpoints. The directory holds")
	fmt.Println("        formsync.json (created with defaults on first run), an optional")
	fmt.Println("        .env file and the sqlite database and uploaded screenshots.")
	fmt.Println()
	fmt.Println("  join <server-url> <session-id> <name>")
	fmt.Println("        Headless participant. Reads commands from stdin: set, lock,")
	fmt.Println("        unlock, show, shot, call, hangup, quit. Use -dir to share the")
	fmt.Println("        file sync backend with other instances on this machine.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println("  -dir      Data directory for join")
	fmt.Println("  -devices  Capture camera and microphone during calls")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  formsync serve ./data")
	fmt.Println("  formsync -dir ./me join http://127.0.0.1:8080 AB12CD Ada")
}
