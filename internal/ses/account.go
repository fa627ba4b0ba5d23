package ses

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
)

// AccountInfo is the sending quota and status of the SES account.
type AccountInfo struct {
	Region            string  `json:"region"`
	Max24HourSend     float64 `json:"max24HourSend"`
	MaxSendRate       float64 `json:"maxSendRate"`
	SentLast24Hours   float64 `json:"sentLast24Hours"`
	SendingEnabled    bool    `json:"sendingEnabled"`
	ProductionAccess  bool    `json:"productionAccessEnabled"`
	EnforcementStatus string  `json:"enforcementStatus,omitempty"`

	Identities []Identity `json:"identities"`
}

// Identity is a verified or pending sending identity (domain or address).
type Identity struct {
	Name               string `json:"name"`
	Type               string `json:"type"`
	SendingEnabled     bool   `json:"sendingEnabled"`
	VerificationStatus string `json:"verificationStatus,omitempty"`
}

const identityPageSize = 100

// Remaining24Hours is the send budget left in the rolling day.
func (a AccountInfo) Remaining24Hours() float64 {
	return max(a.Max24HourSend-a.SentLast24Hours, 0)
}

// GetAccountInfo returns the account quota and its sending identities.
func (c *Client) GetAccountInfo(ctx context.Context) (*AccountInfo, error) {
	out, err := c.getAccount(ctx)
	if err != nil {
		return nil, err
	}
	info := &AccountInfo{
		Region:            c.region,
		SendingEnabled:    out.SendingEnabled,
		ProductionAccess:  out.ProductionAccessEnabled,
		EnforcementStatus: aws.ToString(out.EnforcementStatus),
	}
	if q := out.SendQuota; q != nil {
		info.Max24HourSend = q.Max24HourSend
		info.MaxSendRate = q.MaxSendRate
		info.SentLast24Hours = q.SentLast24Hours
	}

	if info.Identities, err = c.ListIdentities(ctx); err != nil {
		return nil, err
	}
	return info, nil
}

func (c *Client) getAccount(ctx context.Context) (*sesv2.GetAccountOutput, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.api.GetAccount(ctx, &sesv2.GetAccountInput{})
	if err != nil {
		return nil, mapError("GetAccount", err)
	}
	return out, nil
}

// ListIdentities returns every email identity, following NextToken.
func (c *Client) ListIdentities(ctx context.Context) ([]Identity, error) {
	out := []Identity{}
	var token *string
	for {
		page, err := c.identityPage(ctx, token)
		if err != nil {
			return nil, err
		}
		for _, id := range page.EmailIdentities {
			out = append(out, Identity{
				Name:               aws.ToString(id.IdentityName),
				Type:               string(id.IdentityType),
				SendingEnabled:     id.SendingEnabled,
				VerificationStatus: string(id.VerificationStatus),
			})
		}
		if aws.ToString(page.NextToken) == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

func (c *Client) identityPage(ctx context.Context, token *string) (*sesv2.ListEmailIdentitiesOutput, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	page, err := c.api.ListEmailIdentities(ctx, &sesv2.ListEmailIdentitiesInput{
		NextToken: token,
		PageSize:  aws.Int32(identityPageSize),
	})
	if err != nil {
		return nil, mapError("ListEmailIdentities", err)
	}
	return page, nil
}
