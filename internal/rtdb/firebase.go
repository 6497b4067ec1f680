package rtdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
)

var streamScopes = []string{
	"https://www.googleapis.com/auth/firebase.database",
	"https://www.googleapis.com/auth/userinfo.email",
}

// Firebase talks to a Firebase Realtime Database. Writes and reads go
// through the Admin SDK; Stream uses the REST event stream because the Go
// SDK has no listener.
type Firebase struct {
	baseURL string
	client  *db.Client
	stream  *http.Client
	logger  *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewFirebase connects to the database at url. credsFile is a service
// account JSON; when empty, application default credentials are used.
func NewFirebase(ctx context.Context, url, credsFile string, logger *slog.Logger) (*Firebase, error) {
	if url == "" {
		return nil, errors.New("rtdb: database url is required")
	}
	var (
		opts  []option.ClientOption
		creds *google.Credentials
		err   error
	)
	if credsFile != "" {
		b, rerr := os.ReadFile(credsFile)
		if rerr != nil {
			return nil, fmt.Errorf("rtdb: read credentials: %w", rerr)
		}
		opts = append(opts, option.WithCredentialsJSON(b))
		creds, err = google.CredentialsFromJSON(ctx, b, streamScopes...)
	} else {
		creds, err = google.FindDefaultCredentials(ctx, streamScopes...)
	}
	if err != nil {
		return nil, fmt.Errorf("rtdb: credentials: %w", err)
	}

	app, err := firebase.NewApp(ctx, &firebase.Config{DatabaseURL: url}, opts...)
	if err != nil {
		return nil, fmt.Errorf("rtdb: init app: %w", err)
	}
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("rtdb: init database client: %w", err)
	}

	f := newFirebase(url, oauth2.NewClient(context.Background(), creds.TokenSource), logger)
	f.client = client
	return f, nil
}

func newFirebase(url string, stream *http.Client, logger *slog.Logger) *Firebase {
	if logger == nil {
		logger = slog.Default()
	}
	return &Firebase{
		baseURL:    strings.TrimSuffix(url, "/"),
		stream:     stream,
		logger:     logger,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
}

func (f *Firebase) Set(ctx context.Context, path string, value any) error {
	if err := f.client.NewRef(cleanPath(path)).Set(ctx, value); err != nil {
		return fmt.Errorf("rtdb: set %s: %w", path, err)
	}
	return nil
}

func (f *Firebase) Get(ctx context.Context, path string, dst any) error {
	if err := f.client.NewRef(cleanPath(path)).Get(ctx, dst); err != nil {
		return fmt.Errorf("rtdb: get %s: %w", path, err)
	}
	return nil
}

// handlerError marks errors returned by the Stream callback so they end the
// stream instead of triggering a reconnect.
type handlerError struct{ err error }

func (e handlerError) Error() string { return e.err.Error() }
func (e handlerError) Unwrap() error { return e.err }

// Stream listens at path and reconnects with exponential backoff whenever
// the connection ends. Each reconnect starts with a fresh snapshot.
func (f *Firebase) Stream(ctx context.Context, path string, fn func(Event) error) error {
	backoff := f.minBackoff
	for {
		connected, err := f.streamOnce(ctx, path, fn)
		if ctx.Err() != nil {
			return nil
		}
		var herr handlerError
		if errors.As(err, &herr) {
			return herr.err
		}
		if errors.Is(err, ErrStreamCancelled) {
			return err
		}
		if connected {
			backoff = f.minBackoff
		}
		f.logger.Warn("rtdb stream ended, reconnecting", "path", path, "err", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > f.maxBackoff {
			backoff = f.maxBackoff
		}
	}
}

func (f *Firebase) streamURL(path string) string {
	p := cleanPath(path)
	if p == "" {
		return f.baseURL + "/.json"
	}
	return f.baseURL + "/" + p + ".json"
}

// streamOnce runs a single streaming request. connected reports whether the
// server accepted it, which resets the reconnect backoff.
func (f *Firebase) streamOnce(ctx context.Context, path string, fn func(Event) error) (connected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.streamURL(path), nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := f.stream.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("rtdb: stream %s: unexpected status %s", path, resp.Status)
	}
	f.logger.Info("rtdb stream connected", "path", path)

	err = readEvents(resp.Body, func(name string, data []byte) error {
		switch name {
		case EventPut, EventPatch:
			ev, err := decodeEvent(name, data)
			if err != nil {
				f.logger.Warn("rtdb: bad event", "event", name, "err", err)
				return nil
			}
			if err := fn(ev); err != nil {
				return handlerError{err}
			}
		case "keep-alive":
		case "cancel":
			return ErrStreamCancelled
		case "auth_revoked":
			return errors.New("rtdb: credential expired")
		default:
			f.logger.Debug("rtdb: ignoring event", "event", name)
		}
		return nil
	})
	if err == nil {
		err = errors.New("rtdb: stream closed by server")
	}
	return true, err
}
