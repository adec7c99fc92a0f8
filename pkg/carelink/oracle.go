package carelink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// ChallengeOracle solves the interactive login challenge. Given the
// provider authorization URL and the redirect URI the flow ends on, it
// returns the authorization code and the state from that redirect.
//
// Browser automation and a paste-the-URL prompt are both valid
// implementations; nothing else is assumed.
type ChallengeOracle interface {
	Solve(ctx context.Context, authURL, redirectURI string) (code, state string, err error)
}

// OracleFunc adapts a function to ChallengeOracle.
type OracleFunc func(ctx context.Context, authURL, redirectURI string) (string, string, error)

func (f OracleFunc) Solve(ctx context.Context, authURL, redirectURI string) (string, string, error) {
	return f(ctx, authURL, redirectURI)
}

// PromptOracle asks a human to open the authorization URL, complete the
// login, and paste the final redirect URL back.
type PromptOracle struct {
	In  io.Reader
	Out io.Writer
}

func (p *PromptOracle) Solve(ctx context.Context, authURL, redirectURI string) (string, string, error) {
	fmt.Fprintf(p.Out, "Open this URL in a browser and complete the login:\n\n  %s\n\n", authURL)
	fmt.Fprintf(p.Out, "When the browser is redirected to %s..., paste the full URL here:\n", redirectURI)

	type result struct {
		code, state string
		err         error
	}
	done := make(chan result, 1)

	// The read cannot be interrupted; on cancellation the goroutine exits
	// at the next line or EOF.
	go func() {
		scanner := bufio.NewScanner(p.In)
		scanner.Buffer(make([]byte, 0, 4096), 64*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if !strings.Contains(line, redirectURI) {
				fmt.Fprintf(p.Out, "That does not look like the redirect URL (%s...), try again:\n", redirectURI)
				continue
			}
			code, state, err := ParseAuthorizationCallback(line)
			done <- result{code, state, err}
			return
		}
		err := scanner.Err()
		if err == nil {
			err = io.ErrUnexpectedEOF
		}
		done <- result{err: fmt.Errorf("reading redirect URL: %w", err)}
	}()

	select {
	case <-ctx.Done():
		return "", "", ctx.Err()
	case r := <-done:
		return r.code, r.state, r.err
	}
}

// ParseAuthorizationCallback parses the callback URL from an authorization redirect.
// This extracts the authorization code and state from the redirect URL query parameters.
//
// Returns the authorization code and state, or an error if the callback contains an error response.
func ParseAuthorizationCallback(callbackURL string) (code, state string, err error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse callback URL: %w", err)
	}

	query := u.Query()

	if errorCode := query.Get("error"); errorCode != "" {
		errorDesc := query.Get("error_description")
		return "", "", fmt.Errorf("authorization error: %s - %s", errorCode, errorDesc)
	}

	code = query.Get("code")
	if code == "" {
		return "", "", errors.New("callback missing authorization code")
	}

	state = query.Get("state")

	return code, state, nil
}
