package call

import (
	"context"
)

// Launcher opens the call web app, e.g. in a browser or an embedded view.
type Launcher interface {
	Launch(ctx context.Context, callURL string, session *Session) error
}

// LogLauncher only logs the URL, for headless use.
type LogLauncher struct{}

func (LogLauncher) Launch(ctx context.Context, callURL string, session *Session) error {
	logger.Infof("call url for %s: %s", session.UserID, callURL)
	return nil
}

// LauncherFunc adapts a function to the Launcher interface.
type LauncherFunc func(ctx context.Context, callURL string, session *Session) error

func (f LauncherFunc) Launch(ctx context.Context, callURL string, session *Session) error {
	return f(ctx, callURL, session)
}
