package notify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const webhookIssuer = "yaud"

// ErrInvalidSignature indicates a webhook token that failed validation.
var ErrInvalidSignature = errors.New("notify: invalid webhook signature")

// WebhookClaims bind a webhook token to the exact body it accompanies.
type WebhookClaims struct {
	Kind     Kind   `json:"kind"`
	BodyHash string `json:"body_sha256"`
	jwt.RegisteredClaims
}

// Webhook posts each notification as JSON with an HS256 bearer token.
type Webhook struct {
	url        string
	secret     []byte
	ttl        time.Duration
	httpClient *http.Client
	now        func() time.Time
}

func NewWebhook(url, secret string, httpClient *http.Client) *Webhook {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Webhook{
		url:        url,
		secret:     []byte(secret),
		ttl:        5 * time.Minute,
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Configured returns true if both the target URL and the signing secret are set.
func (w *Webhook) Configured() bool {
	return w.url != "" && len(w.secret) > 0
}

type webhookPayload struct {
	ID        string            `json:"id"`
	Kind      Kind              `json:"kind"`
	AccountID string            `json:"account_id,omitempty"`
	Recipient string            `json:"recipient"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

func (w *Webhook) Send(ctx context.Context, m Mail) error {
	if !w.Configured() {
		return errors.New("webhook: not configured")
	}
	body, err := json.Marshal(webhookPayload{
		ID:        m.ID,
		Kind:      m.Kind,
		AccountID: m.AccountID,
		Recipient: m.Recipient,
		Data:      m.Data,
		CreatedAt: m.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook: %w", err)
	}
	token, err := w.sign(m, body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Idempotency-Key", m.ID)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *Webhook) sign(m Mail, body []byte) (string, error) {
	now := w.now().UTC()
	sum := sha256.Sum256(body)
	claims := WebhookClaims{
		Kind:     m.Kind,
		BodyHash: hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    webhookIssuer,
			Subject:   m.AccountID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(w.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(w.secret)
	if err != nil {
		return "", fmt.Errorf("sign webhook: %w", err)
	}
	return signed, nil
}

// VerifyWebhook checks a bearer token from a webhook request against body.
// Receivers sharing the secret use it to authenticate deliveries.
func VerifyWebhook(secret, authorization string, body []byte) (*WebhookClaims, error) {
	token := strings.TrimSpace(strings.TrimPrefix(authorization, "Bearer "))
	if token == "" {
		return nil, ErrInvalidSignature
	}
	parsed, err := jwt.ParseWithClaims(token, &WebhookClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidSignature
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(webhookIssuer))
	if err != nil {
		return nil, ErrInvalidSignature
	}
	claims, ok := parsed.Claims.(*WebhookClaims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidSignature
	}
	sum := sha256.Sum256(body)
	if claims.BodyHash != hex.EncodeToString(sum[:]) {
		return nil, ErrInvalidSignature
	}
	return claims, nil
}
