package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/parrotdial/parrot-voice-dashboard/internal/domain"
	"github.com/parrotdial/parrot-voice-dashboard/pkg/logger"
	"github.com/twilio/twilio-go"
	twclient "github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
	"go.uber.org/zap"
)

// Gateway is the outbound side of the telephony adapter.
type Gateway interface {
	// PlaceCall asks the provider to dial the destination and returns the
	// provider-assigned external call id. Business-level rejections come back
	// as *domain.ProviderError rather than a panic/throw; the caller persists
	// the failed record.
	PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error)

	// RequestHangup force-terminates an active call. Idempotent: hanging up a
	// call that already ended is not an error.
	RequestHangup(ctx context.Context, externalCallID string) error
}

// PlaceCallRequest carries everything one outbound dial needs. Token is the
// signed correlation payload echoed back on every callback.
type PlaceCallRequest struct {
	To    string
	From  string
	Token string
}

// TwilioGateway implements Gateway against the Twilio REST API.
type TwilioGateway struct {
	client        *twilio.RestClient
	publicBaseURL string
	retryBackoff  time.Duration
}

// NewTwilioGateway creates a Twilio-backed gateway. publicBaseURL is where the
// provider delivers the answer/status webhooks.
func NewTwilioGateway(accountSID, authToken, publicBaseURL string) *TwilioGateway {
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: accountSID,
		Password: authToken,
	})
	return &TwilioGateway{
		client:        client,
		publicBaseURL: publicBaseURL,
		retryBackoff:  500 * time.Millisecond,
	}
}

// AnswerWebhookURL builds the URL the provider fetches synchronously on answer.
func (g *TwilioGateway) AnswerWebhookURL(token string) string {
	return fmt.Sprintf("%s/webhooks/voice/answer?token=%s", g.publicBaseURL, url.QueryEscape(token))
}

// StatusWebhookURL builds the asynchronous status-callback URL.
func (g *TwilioGateway) StatusWebhookURL(token string) string {
	return fmt.Sprintf("%s/webhooks/voice/status?token=%s", g.publicBaseURL, url.QueryEscape(token))
}

// PlaceCall dials out. Transport failures are retried once with backoff; a
// second failure surfaces as provider-unreachable so the caller can persist
// status=failed with reason "telephony unreachable".
func (g *TwilioGateway) PlaceCall(ctx context.Context, req PlaceCallRequest) (string, error) {
	params := &api.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(req.From)
	params.SetUrl(g.AnswerWebhookURL(req.Token))
	params.SetMethod("POST")
	params.SetStatusCallback(g.StatusWebhookURL(req.Token))
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", domain.NewProviderUnreachable("telephony", "telephony unreachable", ctx.Err())
			case <-time.After(g.retryBackoff):
			}
		}

		resp, err := g.client.Api.CreateCall(params)
		if err == nil {
			if resp.Sid == nil || *resp.Sid == "" {
				return "", domain.NewProviderRejected("telephony", "provider returned no call id", nil)
			}
			return *resp.Sid, nil
		}

		var restErr *twclient.TwilioRestError
		if errors.As(err, &restErr) && restErr.Status < 500 {
			// Business-level rejection (regulatory block, invalid number):
			// not retryable, reason goes straight onto the record.
			return "", domain.NewProviderRejected("telephony", restErr.Message, err)
		}

		lastErr = err
		logger.Base().Warn("outbound call attempt failed, retrying",
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	return "", domain.NewProviderUnreachable("telephony", "telephony unreachable", lastErr)
}

// RequestHangup asks the provider to complete the call. A not-found or
// already-completed response counts as success.
func (g *TwilioGateway) RequestHangup(ctx context.Context, externalCallID string) error {
	if externalCallID == "" {
		return nil
	}

	params := &api.UpdateCallParams{}
	params.SetStatus("completed")

	_, err := g.client.Api.UpdateCall(externalCallID, params)
	if err == nil {
		return nil
	}

	var restErr *twclient.TwilioRestError
	if errors.As(err, &restErr) {
		// 20404: unknown call. 21220: call not in a modifiable state (already
		// ended). Both mean there is nothing left to hang up.
		if restErr.Status == 404 || restErr.Code == 20404 || restErr.Code == 21220 {
			return nil
		}
		if restErr.Status < 500 {
			return domain.NewProviderRejected("telephony", restErr.Message, err)
		}
	}
	return domain.NewProviderUnreachable("telephony", "telephony unreachable", err)
}
