// Command idgatectl exchanges identity tokens for idgate sessions and calls
// the session protected endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"idgate/client"
)

func main() {
	serverURL := flag.String("server", envOr("IDGATE_URL", "http://127.0.0.1:8000"), "idgate base URL")
	token := flag.String("token", os.Getenv("IDGATE_SESSION"), "Session token for me/protected; identity token (or @file, - for stdin) for login")
	timeout := flag.Duration("timeout", 30*time.Second, "Request timeout")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	if flag.NArg() == 0 {
		log.Fatalf("usage: %s [-server url] [-token value] login|me|protected", os.Args[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	c := client.New(*serverURL, nil)
	if err := run(ctx, c, flag.Arg(0), *token, os.Stdin, os.Stdout); err != nil {
		var apiErr *client.APIError
		if errors.As(err, &apiErr) {
			logger.Error("request rejected", "command", flag.Arg(0), "status", apiErr.Status, "message", apiErr.Message)
		} else {
			logger.Error("request failed", "command", flag.Arg(0), "error", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, c *client.Client, command, token string, stdin io.Reader, stdout io.Writer) error {
	switch command {
	case "login":
		identityToken, err := readToken(token, stdin)
		if err != nil {
			return err
		}
		session, err := c.Login(ctx, identityToken)
		if err != nil {
			return err
		}
		return printJSON(stdout, session)

	case "me":
		if token == "" {
			return errors.New("session token required (-token or IDGATE_SESSION)")
		}
		profile, err := c.Me(ctx, token)
		if err != nil {
			return err
		}
		return printJSON(stdout, profile)

	case "protected":
		if token == "" {
			return errors.New("session token required (-token or IDGATE_SESSION)")
		}
		msg, err := c.Protected(ctx, token)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(stdout, msg)
		return err

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// readToken resolves "-" to stdin and "@path" to a file's contents.
func readToken(value string, stdin io.Reader) (string, error) {
	switch {
	case value == "":
		return "", errors.New("identity token required (-token)")
	case value == "-":
		b, err := io.ReadAll(io.LimitReader(stdin, 64<<10))
		if err != nil {
			return "", fmt.Errorf("read token from stdin: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	case strings.HasPrefix(value, "@"):
		b, err := os.ReadFile(value[1:])
		if err != nil {
			return "", fmt.Errorf("read token file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	default:
		return value, nil
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
