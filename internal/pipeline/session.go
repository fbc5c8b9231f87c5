package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/maltedev/stories-scraper/internal/fetcher"
)

// SessionCloseError reports a session that did its work but failed to shut
// down cleanly.
type SessionCloseError struct {
	Err error
}

func (e *SessionCloseError) Error() string {
	return fmt.Sprintf("failed to close session: %v", e.Err)
}

func (e *SessionCloseError) Unwrap() error { return e.Err }

// WithSession opens a transport session, runs fn with it and always closes it.
// A close failure is joined to fn's error as a *SessionCloseError.
func WithSession(ctx context.Context, transport fetcher.Transport, fn func(fetcher.Session) error) (err error) {
	session, err := transport.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	defer func() {
		if closeErr := session.Close(); closeErr != nil {
			err = errors.Join(err, &SessionCloseError{Err: closeErr})
		}
	}()

	return fn(session)
}

// withSession runs fn in a fresh session. Only a session that cannot be
// opened stops the run; a close failure is logged and recorded, and the
// records gathered inside fn still move on.
func (o *Orchestrator) withSession(ctx context.Context, fn func(fetcher.Session)) error {
	err := WithSession(ctx, o.deps.Transport, func(session fetcher.Session) error {
		fn(session)
		return nil
	})

	var closeErr *SessionCloseError
	if errors.As(err, &closeErr) {
		o.logger.Warn("session did not close cleanly", "error", closeErr.Err)
		o.recordFailure("", StageSession, closeErr)
		return nil
	}
	return err
}

// PageURL returns the URL of listing page n. Page 1 is the category URL
// itself; later pages set the page query parameter, keeping the rest.
func PageURL(categoryURL string, n int) (string, error) {
	if n <= 1 {
		return categoryURL, nil
	}

	u, err := url.Parse(categoryURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse category url: %w", err)
	}

	q := u.Query()
	q.Set("page", strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String(), nil
}
