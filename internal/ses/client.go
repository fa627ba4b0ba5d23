package ses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsmiddleware "github.com/aws/aws-sdk-go-v2/aws/middleware"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go/middleware"

	appconfig "github.com/ignite/ses-bulk-mailer/internal/config"
	"github.com/ignite/ses-bulk-mailer/internal/domain"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/logger"
)

const charset = "UTF-8"

// ErrAttachmentsUnsupported is returned by Send for messages with attachments;
// those go through the SMTP transport.
var ErrAttachmentsUnsupported = errors.New("ses: attachments require the smtp transport")

// API is the subset of the SES v2 client used here. *sesv2.Client satisfies it.
type API interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	SendBulkEmail(ctx context.Context, in *sesv2.SendBulkEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendBulkEmailOutput, error)
	CreateEmailTemplate(ctx context.Context, in *sesv2.CreateEmailTemplateInput, optFns ...func(*sesv2.Options)) (*sesv2.CreateEmailTemplateOutput, error)
	GetEmailTemplate(ctx context.Context, in *sesv2.GetEmailTemplateInput, optFns ...func(*sesv2.Options)) (*sesv2.GetEmailTemplateOutput, error)
	DeleteEmailTemplate(ctx context.Context, in *sesv2.DeleteEmailTemplateInput, optFns ...func(*sesv2.Options)) (*sesv2.DeleteEmailTemplateOutput, error)
	ListEmailTemplates(ctx context.Context, in *sesv2.ListEmailTemplatesInput, optFns ...func(*sesv2.Options)) (*sesv2.ListEmailTemplatesOutput, error)
	GetAccount(ctx context.Context, in *sesv2.GetAccountInput, optFns ...func(*sesv2.Options)) (*sesv2.GetAccountOutput, error)
	ListEmailIdentities(ctx context.Context, in *sesv2.ListEmailIdentitiesInput, optFns ...func(*sesv2.Options)) (*sesv2.ListEmailIdentitiesOutput, error)
}

// Client sends mail through the SES v2 API.
type Client struct {
	api              API
	region           string
	configurationSet string
	timeout          time.Duration
	now              func() time.Time
}

// NewClient creates an SES client. Static keys are used when configured,
// otherwise the SDK default credential chain.
func NewClient(ctx context.Context, cfg appconfig.SESConfig) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.HasStaticCredentials() {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return NewWithAPI(sesv2.NewFromConfig(awsCfg), cfg), nil
}

// NewWithAPI wraps an existing API implementation.
func NewWithAPI(api API, cfg appconfig.SESConfig) *Client {
	return &Client{
		api:              api,
		region:           cfg.Region,
		configurationSet: cfg.ConfigurationSet,
		timeout:          cfg.Timeout(),
		now:              time.Now,
	}
}

// Region returns the configured AWS region.
func (c *Client) Region() string { return c.region }

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// Send delivers one rendered message.
func (c *Client) Send(ctx context.Context, msg *domain.EmailMessage) (*domain.SendResult, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	if len(msg.Attachments) > 0 {
		return nil, ErrAttachmentsUnsupported
	}

	body := &types.Body{}
	if msg.HTMLContent != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTMLContent), Charset: aws.String(charset)}
	}
	if msg.TextContent != "" {
		body.Text = &types.Content{Data: aws.String(msg.TextContent), Charset: aws.String(charset)}
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From()),
		Destination: &types.Destination{
			ToAddresses:  msg.To,
			CcAddresses:  msg.Cc,
			BccAddresses: msg.Bcc,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String(charset)},
				Body:    body,
			},
		},
		EmailTags: messageTags(msg.Tags),
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	c.applyConfigurationSet(&input.ConfigurationSetName)

	return c.sendEmail(ctx, input, msg.To)
}

// TemplatedMessage addresses a stored SES template.
type TemplatedMessage struct {
	From         string
	To           []string
	ReplyTo      string
	TemplateName string
	TemplateData map[string]any
}

// SendTemplated sends a stored SES template to the given addresses.
func (c *Client) SendTemplated(ctx context.Context, msg TemplatedMessage) (*domain.SendResult, error) {
	if msg.From == "" || len(msg.To) == 0 || msg.TemplateName == "" {
		return nil, fmt.Errorf("%w: from, to and template are required", domain.ErrMissingField)
	}
	payload, err := templateData(msg.TemplateData)
	if err != nil {
		return nil, err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: msg.To},
		Content: &types.EmailContent{
			Template: &types.Template{
				TemplateName: aws.String(msg.TemplateName),
				TemplateData: aws.String(payload),
			},
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}
	c.applyConfigurationSet(&input.ConfigurationSetName)

	return c.sendEmail(ctx, input, msg.To)
}

func (c *Client) sendEmail(ctx context.Context, input *sesv2.SendEmailInput, to []string) (*domain.SendResult, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.api.SendEmail(ctx, input)
	if err != nil {
		logger.Warn("ses send failed", "to", to, "error", err)
		return nil, mapError("SendEmail", err)
	}

	res := &domain.SendResult{
		Success:   true,
		MessageID: aws.ToString(out.MessageId),
		RequestID: requestID(out.ResultMetadata),
		Transport: domain.TransportSES,
		SentAt:    c.now(),
	}
	logger.Info("ses message sent", "recipients", len(to), "message_id", res.MessageID)
	return res, nil
}

func (c *Client) applyConfigurationSet(dst **string) {
	if c.configurationSet != "" {
		*dst = aws.String(c.configurationSet)
	}
}

func messageTags(tags map[string]string) []types.MessageTag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]types.MessageTag, 0, len(keys))
	for _, k := range keys {
		out = append(out, types.MessageTag{Name: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

// templateData encodes substitution values; SES rejects an empty string so a
// nil map becomes "{}".
func templateData[V any](data map[string]V) (string, error) {
	if len(data) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encoding template data: %w", err)
	}
	return string(b), nil
}

func requestID(md middleware.Metadata) string {
	id, _ := awsmiddleware.GetRequestIDMetadata(md)
	return id
}
