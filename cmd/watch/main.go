// Command watch follows a user's unread counters from a terminal, keeping
// them in sync through the push channel and falling back to polling.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/classifieds-hub/mailbox/internal/client"
	"github.com/classifieds-hub/mailbox/internal/middleware"
	"github.com/classifieds-hub/mailbox/internal/model"
	"github.com/classifieds-hub/mailbox/pkg/logger"
)

var (
	baseURL   string
	userID    string
	jwtSecret string
	token     string
	tokenTTL  time.Duration
	poll      time.Duration
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "mailbox-watch",
	Short: "Follow unread notification and message counters",
	Long: `mailbox-watch connects to the push channel of a mailbox API server and
prints the unread counters whenever they change. While the push channel is
down it polls the API instead.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runWatch(cmd.Context())
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Print a signed development token for --user",
	RunE: func(cmd *cobra.Command, args []string) error {
		tok, err := resolveToken()
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	_ = godotenv.Load()

	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.AddCommand(tokenCmd)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&baseURL, "url", envOr("MAILBOX_URL", "http://localhost:8080"), "API base URL")
	flags.StringVarP(&userID, "user", "u", "", "user id to mint a token for")
	flags.StringVar(&jwtSecret, "secret", os.Getenv("JWT_SECRET"), "JWT signing secret used with --user")
	flags.StringVar(&token, "token", os.Getenv("MAILBOX_TOKEN"), "bearer token; overrides --user")
	flags.DurationVar(&tokenTTL, "ttl", 24*time.Hour, "lifetime of a minted token")
	flags.DurationVar(&poll, "poll", client.DefaultPollInterval, "poll interval while disconnected")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func resolveToken() (string, error) {
	if token != "" {
		return token, nil
	}
	if err := middleware.ValidateUserID(userID); err != nil {
		return "", fmt.Errorf("--user: %w", err)
	}
	if jwtSecret == "" {
		return "", errors.New("--secret or JWT_SECRET is required to mint a token")
	}
	return middleware.IssueToken(jwtSecret, userID, tokenTTL)
}

// tokenSubject returns the user a token belongs to. With a secret the token
// is verified; without one the server does the checking and the subject is
// only read for display and for filtering push frames.
func tokenSubject(tok string) (string, error) {
	if jwtSecret != "" {
		sub, err := middleware.ParseToken(jwtSecret, tok)
		if err != nil {
			return "", fmt.Errorf("invalid token: %w", err)
		}
		return sub, nil
	}

	claims := &middleware.Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return "", fmt.Errorf("cannot read token: %w", err)
	}
	if claims.Subject == "" {
		if userID == "" {
			return "", errors.New("token has no subject; pass --user")
		}
		return userID, nil
	}
	return claims.Subject, nil
}

func runWatch(ctx context.Context) error {
	level := "info"
	if verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Options{Level: level, Development: true})
	if err != nil {
		return err
	}
	defer log.Sync()

	tok, err := resolveToken()
	if err != nil {
		return err
	}
	subject, err := tokenSubject(tok)
	if err != nil {
		return err
	}

	api := client.NewAPIClient(baseURL, tok, client.DefaultTimeout)
	pushClient, err := client.NewPushClient(baseURL, tok, log)
	if err != nil {
		return err
	}
	rec := client.NewReconciler(subject, api, pushClient, log)
	rec.SetPollInterval(poll)

	unsubscribe := rec.Subscribe(func(c client.Change) {
		switch c.Kind {
		case client.ChangeError:
			log.Warn("sync problem", zap.Error(c.Err), zap.Bool("connected", c.Connected))
		case client.ChangeConnection:
			log.Info("push channel", zap.Bool("connected", c.Connected))
		default:
			log.Info("unread",
				zap.Int64("notifications", c.Unread.Notifications),
				zap.Int64("messages", c.Unread.Messages),
				zap.Int64("total", c.Unread.Total),
			)
		}
	})
	defer unsubscribe()

	if err := rec.Refresh(ctx); err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}

	go rec.Run(ctx)

	// A failed retry cycle leaves the reconciler polling; try again later.
	for {
		err := pushClient.Run(ctx, rec)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, model.ErrChannelUnavailable) {
			log.Warn("push channel unavailable, polling", zap.Duration("retry_in", poll))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(poll):
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
