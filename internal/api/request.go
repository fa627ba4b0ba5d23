package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
	"github.com/ignite/ses-bulk-mailer/internal/domain"
	"github.com/ignite/ses-bulk-mailer/internal/pkg/httputil"
	"github.com/ignite/ses-bulk-mailer/internal/ses"
	"github.com/ignite/ses-bulk-mailer/internal/templates"
)

// addressList accepts a single address or an array of addresses.
type addressList []string

func (a *addressList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one == "" {
			*a = nil
		} else {
			*a = addressList{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("address must be a string or an array of strings")
	}
	*a = many
	return nil
}

// flexString accepts a JSON string or number, e.g. an OTP sent as 123456.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("expected a string or a number")
	}
	*f = flexString(n.String())
	return nil
}

// stringFields flattens request data into template fields. Strings are kept
// as-is; other values keep their JSON form.
func stringFields(data map[string]any) map[string]string {
	if len(data) == 0 {
		return nil
	}
	out := make(map[string]string, len(data))
	for k, v := range data {
		switch t := v.(type) {
		case string:
			out[k] = t
		case nil:
			out[k] = ""
		default:
			b, err := json.Marshal(t)
			if err != nil {
				out[k] = fmt.Sprint(t)
				continue
			}
			out[k] = string(b)
		}
	}
	return out
}

func anyFields(fields map[string]string) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// writeSendError maps transport and template errors onto HTTP statuses.
func writeSendError(w http.ResponseWriter, err error) {
	var pe *dispatch.ProviderError
	switch {
	case errors.Is(err, domain.ErrMissingField),
		errors.Is(err, ses.ErrAttachmentsUnsupported),
		errors.Is(err, templates.ErrUnknownTemplate):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, ses.ErrTemplateNotFound):
		httputil.NotFound(w, "template not found")
	case errors.Is(err, context.Canceled):
		httputil.Error(w, http.StatusRequestTimeout, "request canceled")
	case errors.As(err, &pe):
		httputil.ErrorCode(w, http.StatusBadGateway, pe.Code, pe.Message)
	default:
		httputil.InternalError(w, err)
	}
}
