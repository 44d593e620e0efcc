// Package app assembles a client session from configuration and the stored token.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"tasksync/internal/channel"
	"tasksync/internal/config"
	"tasksync/internal/credential"
	"tasksync/internal/domain"
	"tasksync/internal/fetcher"
	"tasksync/internal/session"
	"tasksync/internal/view"
)

// ErrNotLoggedIn is returned when no token has been stored yet.
var ErrNotLoggedIn = errors.New("not logged in; run `tasksync login`")

type Options struct {
	Criteria view.Criteria
	Order    domain.SortOrder
	Logger   log.FieldLogger
	// ConnectWait bounds how long Connect waits for the event channel. Zero means 5s.
	ConnectWait time.Duration
}

// Client is a started session plus the pieces it was built from.
type Client struct {
	Session     *session.Session
	Channel     *channel.Channel
	Fetcher     *fetcher.Client
	Credentials *credential.Context
}

func tokenStore(cfg *config.Config) credential.Store {
	return credential.Store{Path: cfg.Session.TokenFile}
}

func logger(l log.FieldLogger) log.FieldLogger {
	if l == nil {
		return log.StandardLogger()
	}
	return l
}

// Connect opens the stored credentials, starts a session and waits briefly for the
// event channel so that broadcasts of one-shot mutations reach other clients.
func Connect(ctx context.Context, cfg *config.Config, opts Options) (*Client, error) {
	lg := logger(opts.Logger)
	creds, err := tokenStore(cfg).Open()
	if errors.Is(err, credential.ErrNoToken) {
		return nil, ErrNotLoggedIn
	}
	if err != nil {
		return nil, err
	}
	f := fetcher.New(cfg.API.BaseURL, creds)
	f.Timeout = cfg.API.Timeout
	f.Logger = lg
	ch := channel.New(channel.Options{
		URL:         cfg.Channel.URL,
		Credentials: creds,
		Initial:     cfg.Channel.Reconnect.Initial,
		Max:         cfg.Channel.Reconnect.Max,
		Logger:      lg,
	})
	s, err := session.New(session.Options{
		Fetcher:     f,
		Channel:     ch,
		Credentials: creds,
		Criteria:    opts.Criteria,
		Order:       opts.Order,
		Logger:      lg,
	})
	if err != nil {
		return nil, err
	}
	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("initial sync: %w", err)
	}
	wait := opts.ConnectWait
	if wait <= 0 {
		wait = 5 * time.Second
	}
	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	if err := ch.WaitConnected(wctx); err != nil {
		lg.WithError(err).Warn("event channel not connected; changes will not be broadcast")
	}
	return &Client{Session: s, Channel: ch, Fetcher: f, Credentials: creds}, nil
}

func (c *Client) Close() error { return c.Session.Close() }

// Login asks a development hub for a token and stores it.
func Login(ctx context.Context, cfg *config.Config, username string, role domain.Role) (domain.Identity, error) {
	f := fetcher.New(cfg.API.BaseURL, nil)
	f.Timeout = cfg.API.Timeout
	token, err := f.DevLogin(ctx, username, role)
	if err != nil {
		return domain.Identity{}, err
	}
	creds, err := credential.New(token)
	if err != nil {
		return domain.Identity{}, err
	}
	if err := tokenStore(cfg).Save(token); err != nil {
		return domain.Identity{}, err
	}
	return creds.Identity(), nil
}

func Logout(cfg *config.Config) error {
	return tokenStore(cfg).Clear()
}

// Whoami decodes the stored token, completing it from the hub when claims are missing.
func Whoami(ctx context.Context, cfg *config.Config) (domain.Identity, error) {
	creds, err := tokenStore(cfg).Open()
	if errors.Is(err, credential.ErrNoToken) {
		return domain.Identity{}, ErrNotLoggedIn
	}
	if err != nil {
		return domain.Identity{}, err
	}
	if !creds.Complete() {
		f := fetcher.New(cfg.API.BaseURL, creds)
		f.Timeout = cfg.API.Timeout
		u, err := f.FetchUser(ctx, creds.Identity().ID)
		if err != nil {
			return creds.Identity(), err
		}
		creds.Resolve(u)
	}
	return creds.Identity(), nil
}
