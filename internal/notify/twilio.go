package notify

import (
	"context"
	"errors"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

var (
	errMissingTwilioCredentials = errors.New("notify: twilio account sid and auth token required")
	errMissingFromNumber        = errors.New("notify: sender number required")
)

type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// TwilioGatewayConfig configures the Twilio REST transport.
type TwilioGatewayConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string
}

// TwilioGateway sends SMS through the Twilio Messages API.
type TwilioGateway struct {
	api  messageCreator
	from string
}

// NewTwilioGateway constructs a TwilioGateway.
func NewTwilioGateway(cfg TwilioGatewayConfig) (*TwilioGateway, error) {
	if strings.TrimSpace(cfg.AccountSID) == "" || strings.TrimSpace(cfg.AuthToken) == "" {
		return nil, errMissingTwilioCredentials
	}
	if strings.TrimSpace(cfg.FromNumber) == "" {
		return nil, errMissingFromNumber
	}
	client := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return &TwilioGateway{api: client.Api, from: cfg.FromNumber}, nil
}

func (g *TwilioGateway) Send(ctx context.Context, to, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(g.from)
	params.SetBody(body)
	_, err := g.api.CreateMessage(params)
	return err
}
