package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"warren/pkg/activity"
	"warren/pkg/httpsig"
	"warren/pkg/session"
)

// activityJSONType is the content type for outbound activity posts.
const activityJSONType = "application/activity+json"

// KeyProvider hands out the signer for a local account. The wildcard
// account signs with the instance actor's key.
type KeyProvider interface {
	SignerFor(accountKey string) (*httpsig.Signer, error)
}

// HTTPSender signs and transmits activities over the shared outbound
// session.
type HTTPSender struct {
	sessions *session.Manager
	keys     KeyProvider
	logger   *zap.Logger
}

// NewHTTPSender creates a sender over the shared session manager.
func NewHTTPSender(sessions *session.Manager, keys KeyProvider, logger *zap.Logger) *HTTPSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSender{sessions: sessions, keys: keys, logger: logger}
}

// Send performs one full delivery: payload construction, signing, and
// transmission. It honors ctx cancellation from slot eviction or the
// reaper.
func (s *HTTPSender) Send(ctx context.Context, accountKey string, doc activity.Document, inboxURL string) error {
	if !s.sessions.Ensure("delivery") {
		return fmt.Errorf("no outbound session available")
	}

	signer, err := s.keys.SignerFor(accountKey)
	if err != nil {
		return fmt.Errorf("no signing key for account %q: %w", accountKey, err)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode activity: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inboxURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build delivery request: %w", err)
	}
	req.Header.Set("Content-Type", activityJSONType)

	if err := signer.Sign(req, body); err != nil {
		return fmt.Errorf("failed to sign delivery: %w", err)
	}

	resp, err := s.sessions.Client().Do(req)
	if err != nil {
		return fmt.Errorf("delivery to %s failed: %w", inboxURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("remote inbox %s answered status %d", inboxURL, resp.StatusCode)
	}
	return nil
}
