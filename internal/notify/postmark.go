package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

const defaultPostmarkEndpoint = "https://api.postmarkapp.com/email"

// Postmark delivers notifications through the Postmark HTTP API.
type Postmark struct {
	serverToken string
	fromEmail   string
	appName     string
	endpoint    string
	httpClient  *http.Client
}

// PostmarkOption configures Postmark.
type PostmarkOption func(*Postmark)

// WithHTTPClient overrides the HTTP client used for delivery.
func WithHTTPClient(c *http.Client) PostmarkOption {
	return func(p *Postmark) {
		if c != nil {
			p.httpClient = c
		}
	}
}

// WithEndpoint overrides the Postmark endpoint (used by tests).
func WithEndpoint(url string) PostmarkOption {
	return func(p *Postmark) {
		if url != "" {
			p.endpoint = url
		}
	}
}

// WithAppName sets the product name used in subjects.
func WithAppName(name string) PostmarkOption {
	return func(p *Postmark) {
		if name != "" {
			p.appName = name
		}
	}
}

func NewPostmark(serverToken, fromEmail string, opts ...PostmarkOption) *Postmark {
	p := &Postmark{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		appName:     "yaud",
		endpoint:    defaultPostmarkEndpoint,
		httpClient:  http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Configured returns true if the server token is set.
func (p *Postmark) Configured() bool {
	return p.serverToken != ""
}

type postmarkEmail struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
	Tag      string `json:"Tag,omitempty"`
}

func (p *Postmark) Send(ctx context.Context, m Mail) error {
	if !p.Configured() {
		return errors.New("postmark: missing server token")
	}
	subject, text := render(p.appName, m)
	payload := postmarkEmail{
		From:     p.fromEmail,
		To:       m.Recipient,
		Subject:  subject,
		HtmlBody: "<p>" + strings.ReplaceAll(text, "\n\n", "</p><p>") + "</p>",
		TextBody: text,
		Tag:      string(m.Kind),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", p.serverToken)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}
	return nil
}

// render builds subject and plain-text body for a notification kind.
func render(app string, m Mail) (string, string) {
	name := m.Data["first_name"]
	if name == "" {
		name = "there"
	}
	greeting := fmt.Sprintf("Hello %s,", name)
	footer := "If this was not you, reset your password and contact an administrator."
	switch m.Kind {
	case KindAccountCreated:
		return fmt.Sprintf("Welcome to %s", app),
			fmt.Sprintf("%s\n\nYour %s account for %s has been created.", greeting, app, m.Recipient)
	case KindPasswordChanged:
		return fmt.Sprintf("Your %s password was changed", app),
			fmt.Sprintf("%s\n\nThe password of your account was changed. Two-factor sign-in must be set up again if it was enabled.\n\n%s", greeting, footer)
	case KindTOTPEnabled:
		return "Two-factor authentication enabled",
			fmt.Sprintf("%s\n\nTwo-factor authentication is now required when you sign in.\n\n%s", greeting, footer)
	case KindTOTPDisabled:
		return "Two-factor authentication disabled",
			fmt.Sprintf("%s\n\nTwo-factor authentication was turned off for your account.\n\n%s", greeting, footer)
	default:
		return fmt.Sprintf("%s notification", app), greeting
	}
}
