package agent

import (
	"context"
	"fmt"

	"github.com/giantswarm/mcp-assistant/internal/agent/oauth"
)

// LoginOptions configures an interactive login.
type LoginOptions struct {
	ServerURL    string
	ClientName   string
	CallbackPort int

	// NoBrowser suppresses opening the system browser; the authorization
	// URL is printed instead.
	NoBrowser bool
}

// Login runs the interactive authorization flow end to end: it starts the
// local callback server, drives the flow controller to its authorization
// URL, sends the user to the browser, and completes the flow with the
// returned code.
func Login(ctx context.Context, flow *oauth.FlowController, logger *Logger, opts LoginOptions) error {
	ctx, cancel := context.WithTimeout(ctx, oauth.CallbackTimeout)
	defer cancel()

	callback := oauth.NewCallbackServer(opts.CallbackPort)
	redirectURI, err := callback.Start(ctx)
	if err != nil {
		return err
	}
	defer callback.Stop()

	var authURL string
	for ev := range flow.StartFlow(ctx, opts.ServerURL, opts.ClientName, redirectURI) {
		if ev.Err != "" {
			return fmt.Errorf("authorization flow failed: %s", ev.Err)
		}
		if ev.Step == oauth.StepAwaitingCode {
			authURL, _ = ev.Data["authorization_url"].(string)
			continue
		}
		logger.Info("[%3d%%] %s", ev.Progress, ev.Message)
	}
	if authURL == "" {
		return fmt.Errorf("authorization flow produced no authorization URL")
	}

	if opts.NoBrowser {
		logger.OutputLine("\nOpen this URL to authorize:\n\n  %s\n", authURL)
	} else if err := oauth.OpenBrowser(authURL); err != nil {
		logger.Warning("Could not open browser: %v", err)
		logger.OutputLine("\nOpen this URL to authorize:\n\n  %s\n", authURL)
	} else {
		logger.Info("Browser opened, waiting for authorization...")
	}

	result, err := callback.WaitForCallback(ctx)
	if err != nil {
		return fmt.Errorf("authorization callback not received: %w", err)
	}
	if result.IsError() {
		return fmt.Errorf("authorization denied: %s %s", result.Error, result.ErrorDescription)
	}

	if err := flow.CompleteFlow(ctx, result.Code, result.State); err != nil {
		return err
	}
	logger.Success("Authenticated with %s", opts.ServerURL)
	return nil
}
