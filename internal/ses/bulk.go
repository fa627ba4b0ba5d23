package ses

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
)

// MaxBulkDestinations is the SES limit on entries per SendBulkEmail call.
const MaxBulkDestinations = 50

// BulkOptions configures a templated bulk send.
type BulkOptions struct {
	From         string
	ReplyTo      string
	TemplateName string
	// DefaultData fills template fields a recipient does not set.
	DefaultData map[string]string
}

// BulkSender sends one dispatch batch per SendBulkEmail call.
type BulkSender struct {
	client *Client
	opts   BulkOptions
}

var _ dispatch.BatchSender = (*BulkSender)(nil)

// BulkSender returns a dispatch.BatchSender backed by SendBulkEmail.
func (c *Client) BulkSender(opts BulkOptions) (*BulkSender, error) {
	if opts.From == "" {
		return nil, fmt.Errorf("ses bulk: from address is required")
	}
	if opts.TemplateName == "" {
		return nil, fmt.Errorf("ses bulk: template name is required")
	}
	return &BulkSender{client: c, opts: opts}, nil
}

// SendBatch implements dispatch.BatchSender. A call SES accepts is a success
// even if some entries were rejected; their statuses are in Entries.
func (s *BulkSender) SendBatch(ctx context.Context, b dispatch.Batch) (*dispatch.ProviderResponse, error) {
	if b.Len() > MaxBulkDestinations {
		return nil, &dispatch.ProviderError{
			Message: fmt.Sprintf("batch of %d exceeds %d destinations", b.Len(), MaxBulkDestinations),
			Code:    CodeBatchTooLarge,
		}
	}

	defaults, err := templateData(s.opts.DefaultData)
	if err != nil {
		return nil, err
	}

	entries := make([]types.BulkEmailEntry, 0, b.Len())
	for _, r := range b.Recipients {
		data, err := templateData(r.TemplateFields)
		if err != nil {
			return nil, err
		}
		entries = append(entries, types.BulkEmailEntry{
			Destination: &types.Destination{ToAddresses: []string{r.Address}},
			ReplacementEmailContent: &types.ReplacementEmailContent{
				ReplacementTemplate: &types.ReplacementTemplate{
					ReplacementTemplateData: aws.String(data),
				},
			},
		})
	}

	input := &sesv2.SendBulkEmailInput{
		FromEmailAddress: aws.String(s.opts.From),
		DefaultContent: &types.BulkEmailContent{
			Template: &types.Template{
				TemplateName: aws.String(s.opts.TemplateName),
				TemplateData: aws.String(defaults),
			},
		},
		BulkEmailEntries: entries,
	}
	if s.opts.ReplyTo != "" {
		input.ReplyToAddresses = []string{s.opts.ReplyTo}
	}
	s.client.applyConfigurationSet(&input.ConfigurationSetName)

	ctx, cancel := s.client.withTimeout(ctx)
	defer cancel()

	out, err := s.client.api.SendBulkEmail(ctx, input)
	if err != nil {
		return nil, mapError("SendBulkEmail", err)
	}

	resp := &dispatch.ProviderResponse{
		RequestID: requestID(out.ResultMetadata),
		Entries:   make([]dispatch.ResponseEntry, 0, len(out.BulkEmailEntryResults)),
	}
	rejected := 0
	for i, res := range out.BulkEmailEntryResults {
		entry := dispatch.ResponseEntry{
			Status:    string(res.Status),
			MessageID: aws.ToString(res.MessageId),
			Error:     aws.ToString(res.Error),
		}
		if i < b.Len() {
			entry.Address = b.Recipients[i].Address
		}
		if res.Status != types.BulkEmailStatusSuccess {
			rejected++
		}
		resp.Entries = append(resp.Entries, entry)
	}
	if rejected > 0 {
		logger.Warn("ses bulk entries rejected", "batch", b.Index, "rejected", rejected, "total", b.Len())
	}
	return resp, nil
}
