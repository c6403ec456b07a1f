package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/puyokura/cmpprelay/history"
	"github.com/puyokura/cmpprelay/model"
	"github.com/puyokura/cmpprelay/session"
)

// endpoints derives the API base URL and the relay URL from a server
// address such as "localhost", "example.com:9000" or "https://example.com".
func endpoints(server string) (apiBase, relayURL string, err error) {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}
	u, err := url.Parse(server)
	if err != nil {
		return "", "", fmt.Errorf("parse server address: %w", err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("server address %q has no host", server)
	}
	// Default port 8999 if not specified
	if u.Port() == "" && u.Scheme == "http" {
		u.Host += ":8999"
	}
	u.Path = strings.TrimRight(u.Path, "/")
	apiBase = u.String()

	ws := *u
	switch u.Scheme {
	case "https":
		ws.Scheme = "wss"
	default:
		ws.Scheme = "ws"
	}
	ws.Path += "/ws"
	return apiBase, ws.String(), nil
}

// Network is a logged-in history client plus a relay session for the same
// identity.
type Network struct {
	API     *history.Client
	Session *session.Session
	Self    string
}

// Dial logs in and prepares a relay session. The session is not connected
// yet. Every relay dial logs in again, so an expired token is replaced. Only
// a rejected login ends the session; an unreachable API is retried like a
// failed dial.
func Dial(ctx context.Context, opts *globalOptions, logger *slog.Logger) (*Network, error) {
	apiBase, relayURL, err := endpoints(opts.server)
	if err != nil {
		return nil, err
	}
	password, err := opts.secret()
	if err != nil {
		return nil, err
	}
	api := history.NewClient(apiBase)
	if _, _, err := api.Login(ctx, opts.user, password); err != nil {
		return nil, err
	}

	sess, err := session.New(session.Config{
		URL:         relayURL,
		Identity:    opts.user,
		Token:       loginTokens(api, opts.user, password),
		RetryDelay:  opts.retryDelay,
		MaxAttempts: opts.retries,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &Network{API: api, Session: sess, Self: opts.user}, nil
}

// loginTokens logs in before each relay dial. A 401 or 403 is a credential
// failure; anything else, such as an unreachable API, is transient.
func loginTokens(api *history.Client, user, password string) session.TokenSource {
	return func(ctx context.Context) (string, error) {
		tok, _, err := api.Login(ctx, user, password)
		if err != nil && !history.IsUnauthorized(err) && !history.IsForbidden(err) {
			return "", fmt.Errorf("%w: %w", session.ErrTransient, err)
		}
		return tok, err
	}
}

// DirectChat returns the 1:1 chat with peer, creating it when needed.
func (n *Network) DirectChat(ctx context.Context, peer string) (model.Chat, error) {
	return n.API.CreateChat(ctx, []string{peer}, false, "")
}
