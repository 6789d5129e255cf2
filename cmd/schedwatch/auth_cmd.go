package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/schedwatch/internal/auth"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Cache an administrator credential",
	Long: `Caches a previously issued credential and verifies it against the scheduler.
The token may also be read from SCHEDWATCH_TOKEN.`,
	RunE: withEnv(runLogin),
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the cached credential",
	RunE:  withEnv(runLogout),
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the identity of the cached credential",
	RunE:  withEnv(runWhoami),
}

var (
	loginToken     string
	loginKind      string
	loginExpiresIn time.Duration
)

func init() {
	loginCmd.Flags().StringVar(&loginToken, "token", "", "Access token issued by the scheduler")
	loginCmd.Flags().StringVar(&loginKind, "kind", auth.DefaultKind, "Token type used in the Authorization header")
	loginCmd.Flags().DurationVar(&loginExpiresIn, "expires-in", 24*time.Hour, "Token lifetime from now")
}

func runLogin(ctx context.Context, e *env, args []string) error {
	token := strings.TrimSpace(loginToken)
	if token == "" {
		token = strings.TrimSpace(os.Getenv("SCHEDWATCH_TOKEN"))
	}
	if token == "" {
		return fmt.Errorf("a token is required (--token or SCHEDWATCH_TOKEN)")
	}
	if loginExpiresIn <= 0 {
		return fmt.Errorf("--expires-in must be positive")
	}

	if err := e.session.Save(auth.NewToken(token, loginKind, loginExpiresIn, time.Now()), nil); err != nil {
		return fmt.Errorf("caching credential: %w", err)
	}

	id := e.session.CurrentIdentity(ctx, e.client.VerifyIdentity)
	if !e.session.IsAuthenticated() {
		return fmt.Errorf("the scheduler rejected the credential")
	}
	if id == nil {
		fmt.Println("✓ Credential cached (identity could not be verified yet)")
		return nil
	}
	fmt.Printf("✓ Logged in as %s\n", id.Username)
	return nil
}

func runLogout(ctx context.Context, e *env, args []string) error {
	if err := e.session.Clear(); err != nil {
		return fmt.Errorf("clearing credential: %w", err)
	}
	fmt.Println("✓ Logged out")
	return nil
}

func runWhoami(ctx context.Context, e *env, args []string) error {
	if !e.session.IsAuthenticated() {
		return fmt.Errorf("not logged in. Run 'schedwatch login' first")
	}
	id := e.session.CurrentIdentity(ctx, e.client.VerifyIdentity)
	if id == nil {
		if !e.session.IsAuthenticated() {
			return fmt.Errorf("the cached credential is no longer valid. Run 'schedwatch login' again")
		}
		return fmt.Errorf("could not verify identity; the credential is kept")
	}
	if jsonOutput {
		return printJSON(id)
	}

	tok, _ := e.session.Token()
	w := newTable(os.Stdout)
	fmt.Fprintf(w, "User:\t%s\n", id.Username)
	fmt.Fprintf(w, "ID:\t%s\n", id.ID)
	fmt.Fprintf(w, "Email:\t%s\n", orDash(id.Email))
	fmt.Fprintf(w, "Role:\t%s\n", orDash(id.Role))
	fmt.Fprintf(w, "Expires:\t%s\n", ago(tok.ExpiresAt))
	return w.Flush()
}
