package voicebridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"github.com/parrotdial/parrot-voice-dashboard/internal/telephony"
)

// CredentialIssuer mints the short-lived streaming credential for one
// conversation. Idempotency (at most one acquisition per call attempt) is the
// reconciler's job, not this component's.
type CredentialIssuer interface {
	AcquireStreamCredential(ctx context.Context, voiceAPIAgentID string) (string, error)
}

// Bridge talks to the conversational-voice API's signed-URL endpoint.
type Bridge struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewBridge creates a voice-session bridge.
func NewBridge(baseURL, apiKey string) *Bridge {
	return &Bridge{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type signedURLResponse struct {
	SignedURL string `json:"signed_url"`
}

// AcquireStreamCredential calls the voice API's signed-URL issuance endpoint
// for the given agent and returns a single-use WebSocket URL.
func (b *Bridge) AcquireStreamCredential(ctx context.Context, voiceAPIAgentID string) (string, error) {
	if voiceAPIAgentID == "" {
		return "", domain.NewProviderRejected("voice api", "missing voice agent id", nil)
	}

	endpoint := fmt.Sprintf("%s/v1/convai/conversation/get_signed_url?agent_id=%s",
		b.baseURL, url.QueryEscape(voiceAPIAgentID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build signed url request: %w", err)
	}
	req.Header.Set("xi-api-key", b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return "", domain.NewProviderUnreachable("voice api", "voice api unreachable", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", domain.NewProviderUnreachable("voice api", "voice api unreachable", err)
	}

	if resp.StatusCode >= 500 {
		return "", domain.NewProviderUnreachable("voice api", fmt.Sprintf("voice api returned %d", resp.StatusCode), nil)
	}
	if resp.StatusCode != http.StatusOK {
		return "", domain.NewProviderRejected("voice api", fmt.Sprintf("signed url request rejected (%d)", resp.StatusCode), nil)
	}

	var parsed signedURLResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", domain.NewProviderRejected("voice api", "malformed signed url response", err)
	}
	if parsed.SignedURL == "" {
		return "", domain.NewProviderRejected("voice api", "voice api returned empty signed url", nil)
	}

	return parsed.SignedURL, nil
}

// BuildStreamInstruction renders the provider directive that duplexes the
// telephony leg's audio to the signed URL. Pure, no I/O.
func BuildStreamInstruction(signedURL string) (string, error) {
	return telephony.RenderStreamDirective(signedURL)
}

// BuildDisconnectInstruction is the safe default on any bridge failure.
func BuildDisconnectInstruction() string {
	return telephony.RenderHangupDirective()
}
