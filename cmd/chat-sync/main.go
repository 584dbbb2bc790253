package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alexjbarnes/chat-sync/internal/api"
	"github.com/alexjbarnes/chat-sync/internal/auth"
	"github.com/alexjbarnes/chat-sync/internal/config"
	"github.com/alexjbarnes/chat-sync/internal/logging"
	"github.com/alexjbarnes/chat-sync/internal/mcpserver"
	"github.com/alexjbarnes/chat-sync/internal/server"
	"github.com/alexjbarnes/chat-sync/internal/session"
	"github.com/alexjbarnes/chat-sync/internal/state"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

var Version = "dev"

func main() {
	// Subcommands run before config loading.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "keygen":
			fmt.Println(auth.GenerateAPIKey())
			return
		case "register":
			if err := register(); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
				os.Exit(1)
			}

			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// register creates an account on the configured service. Only
// CHAT_API_URL is read from the environment.
func register() error {
	apiURL := strings.TrimRight(os.Getenv("CHAT_API_URL"), "/")
	if apiURL == "" {
		apiURL = "http://localhost:8001/api/v1"
	}

	in := bufio.NewReader(os.Stdin)

	email, err := prompt(in, "Email: ")
	if err != nil {
		return err
	}

	name, err := prompt(in, "Full name (optional): ")
	if err != nil {
		return err
	}

	password, err := promptPassword(in, "Password: ")
	if err != nil {
		return err
	}

	req := api.RegisterRequest{Email: email, Password: password}
	if name != "" {
		req.FullName = &name
	}

	user, err := api.NewClient(apiURL, nil).Register(context.Background(), req)
	if err != nil {
		return fmt.Errorf("registering: %w", err)
	}

	fmt.Printf("registered %s (id %d)\n", user.Email, user.ID)

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("chat-sync starting",
		slog.String("version", Version),
		slog.String("api", cfg.APIURL),
		slog.Bool("sync", cfg.EnableSync),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.LoadAt(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	stdin := bufio.NewReader(os.Stdin)

	token, err := session.Authenticate(ctx, api.NewClient(cfg.APIURL, nil), appState, credentials(cfg, stdin), logger)
	if err != nil {
		return err
	}

	sess := session.New(session.Options{
		APIURL:               cfg.APIURL,
		WSURL:                cfg.WSURL,
		Token:                token,
		PageSize:             cfg.PageSize,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		Store:                appState,
		Logger:               logger,
	})
	defer sess.Close()

	if err := sess.Start(ctx); err != nil {
		return err
	}

	// Leaving the console stops the MCP server too.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.EnableSync {
		g.Go(func() error {
			defer cancel()

			err := newConsole(sess, os.Stdout, logger).run(gctx, stdin)
			if errors.Is(err, errLoggedOut) {
				return nil
			}

			return err
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, sess, logger)
		})
	}

	return g.Wait()
}

// runMCP serves the session as MCP tools until ctx is cancelled.
func runMCP(ctx context.Context, cfg *config.Config, sess *session.Session, logger *slog.Logger) error {
	entries, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	userKeys := make(map[string]string, len(entries))
	for _, e := range entries {
		userKeys[e.UserID] = e.Key
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "chat-sync-mcp", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, sess, mcpLogger)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	keys := auth.NewKeyStore(userKeys)

	mux := server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Logger:     mcpLogger,
		State:      sess.ConnectionState,
	})

	srv := &http.Server{
		Addr:         cfg.MCPListenAddr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", keys.Len()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}

// credentials returns the configured email and password, prompting for
// whichever is missing.
func credentials(cfg *config.Config, in *bufio.Reader) session.CredentialsFunc {
	return func() (string, string, error) {
		email, password := cfg.Email, cfg.Password

		var err error
		if email == "" {
			if email, err = prompt(in, "Email: "); err != nil {
				return "", "", err
			}
		}

		if password == "" {
			if password, err = promptPassword(in, "Password: "); err != nil {
				return "", "", err
			}
		}

		return email, password, nil
	}
}

func prompt(in *bufio.Reader, label string) (string, error) {
	fmt.Fprint(os.Stderr, label)

	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("reading input: %w", err)
	}

	return strings.TrimSpace(line), nil
}

// promptPassword reads without echo from a terminal and falls back to a
// plain line read when stdin is piped.
func promptPassword(in *bufio.Reader, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return prompt(in, label)
	}

	fmt.Fprint(os.Stderr, label)

	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)

	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	return string(b), nil
}
