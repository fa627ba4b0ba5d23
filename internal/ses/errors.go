package ses

import (
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/ignite/ses-bulk-mailer/internal/dispatch"
)

// ErrTemplateNotFound is returned when SES has no template with the given name.
var ErrTemplateNotFound = errors.New("ses: template not found")

// CodeBatchTooLarge is reported for batches above MaxBulkDestinations.
const CodeBatchTooLarge = "BatchTooLarge"

// mapError turns an SDK error into a *dispatch.ProviderError carrying the SES
// error code (Throttling, MessageRejected, ...).
func mapError(op string, err error) error {
	var nf *types.NotFoundException
	if errors.As(err, &nf) {
		return &dispatch.ProviderError{
			Message: fmt.Sprintf("%s: %s", op, nf.ErrorMessage()),
			Code:    nf.ErrorCode(),
			Err:     errors.Join(ErrTemplateNotFound, err),
		}
	}

	var ae smithy.APIError
	if errors.As(err, &ae) {
		return &dispatch.ProviderError{
			Message: fmt.Sprintf("%s: %s", op, ae.ErrorMessage()),
			Code:    ae.ErrorCode(),
			Err:     err,
		}
	}

	pe := dispatch.AsProviderError(err)
	return &dispatch.ProviderError{
		Message: fmt.Sprintf("%s: %s", op, pe.Message),
		Code:    pe.Code,
		Err:     err,
	}
}
