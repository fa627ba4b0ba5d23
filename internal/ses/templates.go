package ses

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

const templatePageSize = 100

// Template is a stored SES email template.
type Template struct {
	Name      string     `json:"name"`
	Subject   string     `json:"subject"`
	HTML      string     `json:"html,omitempty"`
	Text      string     `json:"text,omitempty"`
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// CreateTemplate replaces any existing template of the same name.
func (c *Client) CreateTemplate(ctx context.Context, t Template) error {
	if t.Name == "" || t.Subject == "" {
		return errors.New("ses: template name and subject are required")
	}
	if err := c.DeleteTemplate(ctx, t.Name); err != nil && !errors.Is(err, ErrTemplateNotFound) {
		return err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	content := &types.EmailTemplateContent{Subject: aws.String(t.Subject)}
	if t.HTML != "" {
		content.Html = aws.String(t.HTML)
	}
	if t.Text != "" {
		content.Text = aws.String(t.Text)
	}
	_, err := c.api.CreateEmailTemplate(ctx, &sesv2.CreateEmailTemplateInput{
		TemplateName:    aws.String(t.Name),
		TemplateContent: content,
	})
	if err != nil {
		return mapError("CreateEmailTemplate", err)
	}
	return nil
}

// GetTemplate fetches a template by name.
func (c *Client) GetTemplate(ctx context.Context, name string) (*Template, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.api.GetEmailTemplate(ctx, &sesv2.GetEmailTemplateInput{TemplateName: aws.String(name)})
	if err != nil {
		return nil, mapError("GetEmailTemplate", err)
	}
	t := &Template{Name: aws.ToString(out.TemplateName)}
	if tc := out.TemplateContent; tc != nil {
		t.Subject = aws.ToString(tc.Subject)
		t.HTML = aws.ToString(tc.Html)
		t.Text = aws.ToString(tc.Text)
	}
	return t, nil
}

// DeleteTemplate removes a template. A missing template returns
// ErrTemplateNotFound.
func (c *Client) DeleteTemplate(ctx context.Context, name string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	_, err := c.api.DeleteEmailTemplate(ctx, &sesv2.DeleteEmailTemplateInput{TemplateName: aws.String(name)})
	if err != nil {
		return mapError("DeleteEmailTemplate", err)
	}
	return nil
}

// ListTemplates returns every template, following NextToken.
func (c *Client) ListTemplates(ctx context.Context) ([]Template, error) {
	var (
		out   []Template
		token *string
	)
	for {
		page, err := c.listPage(ctx, token)
		if err != nil {
			return nil, err
		}
		for _, md := range page.TemplatesMetadata {
			out = append(out, Template{Name: aws.ToString(md.TemplateName), CreatedAt: md.CreatedTimestamp})
		}
		if aws.ToString(page.NextToken) == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

func (c *Client) listPage(ctx context.Context, token *string) (*sesv2.ListEmailTemplatesOutput, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	page, err := c.api.ListEmailTemplates(ctx, &sesv2.ListEmailTemplatesInput{
		NextToken: token,
		PageSize:  aws.Int32(templatePageSize),
	})
	if err != nil {
		return nil, mapError("ListEmailTemplates", err)
	}
	return page, nil
}
