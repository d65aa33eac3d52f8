package main

import (
	"bufio"
	"context"
	"embed"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/hivemux/hivemux/internal/agentd"
	"github.com/hivemux/hivemux/internal/config"
	"github.com/hivemux/hivemux/internal/hub"
	"github.com/hivemux/hivemux/internal/preflight"
	"github.com/hivemux/hivemux/internal/server"
	"github.com/hivemux/hivemux/internal/store"
	"github.com/hivemux/hivemux/internal/term"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func main() {
	// Subcommand dispatch: "hivemux agentd" runs the session host process
	if len(os.Args) > 1 && os.Args[1] == "agentd" {
		cfg := loadConfig("")
		if err := agentd.Run(termConfig(cfg), cfg.Agentd.SocketPath); err != nil {
			log.Fatalf("Agentd failed: %v", err)
		}
		return
	}

	configPath := flag.String("config", "", "path to config.toml")
	listen := flag.String("listen", "", "listen address (overrides config)")
	flag.Parse()

	cfg := loadConfig(*configPath)
	if *listen != "" {
		cfg.Server.Listen = *listen
	}

	fmt.Println("hivemux - PTY session host")
	fmt.Println("==========================")
	fmt.Println()

	cmdStatus := preflight.Check(cfg.Session.Command)
	fmt.Println()

	// Open database
	dbPath := cfg.Store.Path
	if dbPath == "" {
		dataDir, err := config.DataDir()
		if err != nil {
			log.Fatalf("Failed to resolve data dir: %v", err)
		}
		dbPath = filepath.Join(dataDir, "hivemux.db")
	}
	database, err := store.Open(dbPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	migrationSQL, err := migrationsFS.ReadFile("migrations/001_initial.sql")
	if err != nil {
		log.Fatalf("Failed to read migrations: %v", err)
	}
	if err := store.Migrate(database, string(migrationSQL)); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	sessions := store.NewSessions(database)

	events := hub.New()

	// Connect to or start the agentd process
	var mgr term.Manager
	var client *agentd.Client
	if cfg.Agentd.Disabled {
		mgr = term.NewLocalManager(termConfig(cfg), events)
	} else {
		client, err = connectOrStartAgentd(events, cfg.Agentd.SocketPath)
		if err != nil {
			log.Printf("Agentd unavailable, falling back to in-process PTY manager: %v", err)
			mgr = term.NewLocalManager(termConfig(cfg), events)
		} else {
			mgr = client
		}
	}

	// Reconcile DB with the manager's live sessions
	reconcileSessions(sessions, events, mgr)

	srv := server.New(server.Options{
		Manager:     mgr,
		Events:      events,
		Sessions:    sessions,
		Command:     cmdStatus,
		Agentd:      client != nil,
		DefaultRows: cfg.Session.Rows,
		DefaultCols: cfg.Session.Cols,
	})

	httpSrv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: loggingMiddleware(recoveryMiddleware(srv)),
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		fmt.Printf("\nReceived %s, shutting down...\n", sig)

		if client != nil {
			// Sessions live in agentd; only the connection closes.
			client.CloseConn()
		} else {
			mgr.CloseAll()
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(ctx)
	}()

	fmt.Printf("Server running at http://%s\n", cfg.Server.Listen)
	if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server failed: %v", err)
	}
	fmt.Println("Server stopped.")
}

func loadConfig(path string) config.Config {
	if path == "" {
		dataDir, err := config.DataDir()
		if err != nil {
			log.Printf("Failed to resolve data dir, using defaults: %v", err)
			return config.Default()
		}
		path = filepath.Join(dataDir, "config.toml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func termConfig(cfg config.Config) term.Config {
	return term.Config{
		Command:     cfg.Session.Command,
		TermProgram: cfg.Session.TermProgram,
	}
}

// connectOrStartAgentd connects to a running agentd or launches a new one.
func connectOrStartAgentd(events *hub.Hub, socketPath string) (*agentd.Client, error) {
	if socketPath == "" {
		var err error
		socketPath, err = agentd.SocketPath()
		if err != nil {
			return nil, err
		}
	}

	// Try connecting to an existing agentd
	client, err := agentd.NewClient(socketPath, events)
	if err == nil {
		if err := client.Ping(); err == nil {
			log.Println("Connected to existing agentd")
			return client, nil
		}
		client.CloseConn()
	}

	// Launch a new agentd process
	log.Println("Starting agentd process...")
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("get executable path: %w", err)
	}

	cmd := exec.Command(exe, "agentd")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agentd: %w", err)
	}
	// Detach — don't wait for agentd to exit
	cmd.Process.Release()

	// Wait for agentd to become available
	for i := 0; i < 40; i++ { // 40 * 50ms = 2s
		time.Sleep(50 * time.Millisecond)
		client, err = agentd.NewClient(socketPath, events)
		if err == nil {
			if err := client.Ping(); err == nil {
				log.Println("Agentd started and connected")
				return client, nil
			}
			client.CloseConn()
		}
	}

	return nil, fmt.Errorf("agentd did not become available within 2s")
}

// reconcileSessions aligns stored session rows with the manager's live set.
// Rows marked running whose session is gone become exited; live sessions
// get exit monitors re-attached.
func reconcileSessions(sessions *store.Sessions, events *hub.Hub, mgr term.Manager) {
	liveIDs := mgr.List()

	n, err := sessions.Reconcile(liveIDs)
	if err != nil {
		log.Printf("Failed to reconcile sessions: %v", err)
		return
	}
	if n > 0 {
		log.Printf("Marked %d orphaned sessions as exited", n)
	}

	recs, err := sessions.List()
	if err != nil {
		log.Printf("Failed to list sessions: %v", err)
		return
	}

	adopted := 0
	for _, rec := range recs {
		if rec.Status != "running" || !slices.Contains(liveIDs, rec.ID) {
			continue
		}
		adopted++
		sessionID := rec.ID
		go func() {
			<-events.Done(sessionID)
			sessions.SetStatus(sessionID, "exited")
			log.Printf("Session %s exited (detected via agentd)", sessionID)
		}()
	}
	if adopted > 0 {
		log.Printf("Re-adopted %d sessions from agentd", adopted)
	}
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(rw, r)

		// Don't log WebSocket upgrades
		if r.Header.Get("Upgrade") == "websocket" {
			return
		}

		log.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start).Round(time.Millisecond))
	})
}

func recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("PANIC: %s %s: %v", r.Method, r.URL.Path, err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Implement http.Hijacker so WebSocket upgrades work through the middleware.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("underlying ResponseWriter does not implement http.Hijacker")
}
