package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"ccrelay/internal/audit"
	"ccrelay/internal/auth"
	"ccrelay/internal/history"
	"ccrelay/internal/httpapi"
	"ccrelay/internal/hub"
	"ccrelay/internal/permission"
	"ccrelay/internal/ratelimit"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{})))
	var (
		addr             = flag.String("addr", getenv("CCRELAY_ADDR", ":18080"), "http listen address")
		tokenDBPath      = flag.String("token-db", getenv("CCRELAY_TOKEN_DB", "./tokens.db"), "sqlite token store path")
		auditPath        = flag.String("audit-path", getenv("CCRELAY_AUDIT_PATH", "./audit.jsonl"), "audit jsonl path")
		historyDir       = flag.String("history-dir", getenv("CCRELAY_HISTORY_DIR", defaultHistoryDir()), "agent transcript base directory")
		bufferCap        = flag.Int("buffer-cap", 500, "per-session replay buffer size (messages)")
		permWindowSec    = flag.Int("permission-window-sec", 60, "seconds before a pending permission auto-denies")
		rateLimitPerMin  = flag.Int("rate-limit-per-min", 600, "per-token request limit per minute")
		seedObserver     = flag.String("seed-observer-token", os.Getenv("CCRELAY_OBSERVER_TOKEN"), "bootstrap observer token")
		seedController   = flag.String("seed-controller-token", os.Getenv("CCRELAY_CONTROLLER_TOKEN"), "bootstrap controller token")
		seedAdmin        = flag.String("seed-admin-token", os.Getenv("CCRELAY_ADMIN_TOKEN"), "bootstrap admin token")
		mintRole         = flag.String("mint-token", "", "mint a token with this role and exit (observer|controller|admin)")
		checkOrigin      = flag.Bool("check-origin", false, "restrict ws origins to the listen host")
	)
	flag.Parse()

	tokens, err := auth.NewStoreWithSQLite(*tokenDBPath)
	if err != nil {
		slog.Error("open token store failed", "path", *tokenDBPath, "err", err)
		os.Exit(1)
	}
	defer tokens.Close()

	if *mintRole != "" {
		role, ok := auth.ParseRole(*mintRole)
		if !ok {
			slog.Error("invalid role", "role", *mintRole)
			os.Exit(1)
		}
		plain, rec, err := tokens.CreateToken(role, "minted")
		if err != nil {
			slog.Error("mint token failed", "err", err)
			os.Exit(1)
		}
		fmt.Printf("token_id=%s role=%s token=%s\n", rec.TokenID, rec.Role, plain)
		return
	}

	seedTokens(tokens, map[string]auth.Role{
		*seedObserver:   auth.RoleObserver,
		*seedController: auth.RoleController,
		*seedAdmin:      auth.RoleAdmin,
	})

	trail, err := audit.Open(*auditPath)
	if err != nil {
		slog.Error("open audit trail failed", "path", *auditPath, "err", err)
		os.Exit(1)
	}
	defer trail.Close()

	broker := permission.NewBroker(time.Duration(*permWindowSec)*time.Second, slog.Default())
	store := history.NewStore(*historyDir, slog.Default())
	h := hub.New(hub.Config{
		Broker:    broker,
		History:   store,
		BufferCap: *bufferCap,
		Logger:    slog.Default(),
	})

	limiter := ratelimit.New(ratelimit.Tier{Limit: *rateLimitPerMin, Window: time.Minute})
	// Controllers stream a live session over the same credential, so they
	// get headroom over the observer default.
	limiter.SetTier(string(auth.RoleController), ratelimit.Tier{Limit: *rateLimitPerMin * 4})
	limiter.SetTier(string(auth.RoleAdmin), ratelimit.Tier{Limit: *rateLimitPerMin * 4})

	api := &httpapi.Server{
		Hub:         h,
		Tokens:      tokens,
		History:     store,
		Audit:       trail,
		Limiter:     limiter,
		Logger:      slog.Default(),
		CheckOrigin: *checkOrigin,
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("ccrelay listening", "addr", *addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("listen error", "err", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	slog.Info("ccrelay shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func seedTokens(tokens *auth.Store, seeds map[string]auth.Role) {
	for token, role := range seeds {
		if token == "" {
			continue
		}
		if _, err := tokens.SeedToken(token, role, "seed:"+string(role)); err != nil {
			// Seeding the same token across restarts hits the persisted row.
			if strings.Contains(err.Error(), "exists") {
				continue
			}
			slog.Warn("seed token failed", "role", role, "err", err)
		}
	}
}

func defaultHistoryDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./projects"
	}
	return filepath.Join(home, ".claude", "projects")
}

func getenv(k, fallback string) string {
	v := os.Getenv(k)
	if v == "" {
		return fallback
	}
	return v
}
