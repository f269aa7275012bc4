package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/orchestra-ai/orchestra/internal/api"
	"github.com/orchestra-ai/orchestra/internal/db"
	"github.com/orchestra-ai/orchestra/internal/sse"
)

func main() {
	serveCmd := flag.NewFlagSet("serve", flag.ExitOnError)
	serveHost := serveCmd.String("host", "0.0.0.0", "Host to bind to")
	servePort := serveCmd.Int("port", 8080, "Port to listen on")

	parseCmd := flag.NewFlagSet("parse", flag.ExitOnError)
	parseFile := parseCmd.String("file", "", "Transcript file to parse (JSON array, single object, or SSE wire text); stdin when omitted")

	if len(os.Args) < 2 {
		fmt.Println("Usage: orchestra <command> [options]")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the Orchestra event server")
		fmt.Println("  migrate  Run database migrations")
		fmt.Println("  parse    Parse a captured event transcript into canonical events")
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		serveCmd.Parse(os.Args[2:])
		runServer(*serveHost, *servePort)

	case "migrate":
		runMigrations()

	case "parse":
		parseCmd.Parse(os.Args[2:])
		runParse(*parseFile)

	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
}

func runServer(host string, port int) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	// Initialize database
	database, err := db.Open(db.DefaultPath())
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	// Run migrations
	if err := database.Migrate(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Create and start server
	server := api.NewServer(database)
	addr := fmt.Sprintf("%s:%d", host, port)
	slog.Info("starting orchestra server", "addr", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe(addr)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("graceful shutdown failed", "error", err)
			os.Exit(1)
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error after shutdown", "error", err)
			os.Exit(1)
		}
	}
}

func runMigrations() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	database, err := db.Open(db.DefaultPath())
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	slog.Info("migrations completed successfully")
}

// runParse reads a captured transcript and prints the canonical events
// it contains as a JSON array. Patches have no consumer on this path
// and are dropped; malformed entries are skipped with a warning.
func runParse(path string) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	var raw []byte
	var err error
	if path == "" {
		raw, err = readAllStdin()
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		slog.Error("failed to read transcript", "error", err)
		os.Exit(1)
	}

	parsed := sse.ParseRaw(string(raw))

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(parsed); err != nil {
		slog.Error("failed to encode events", "error", err)
		os.Exit(1)
	}
}

func readAllStdin() ([]byte, error) {
	info, err := os.Stdin.Stat()
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeCharDevice != 0 {
		return nil, errors.New("no input: pass -file or pipe a transcript on stdin")
	}
	return io.ReadAll(os.Stdin)
}
