package errors

import (
	"strings"

	"go.uber.org/multierr"
)

// Problems is the details payload of an aggregated rejection, one message
// per failed item in input order.
type Problems struct {
	Messages []string `json:"errors"`
}

// FromMulti folds every error in a multierr aggregate into one coded error.
// The message joins the parts for display; the details keep them apart.
func FromMulti(code Code, err error) *Error {
	if err == nil {
		return nil
	}
	parts := multierr.Errors(err)
	messages := make([]string, 0, len(parts))
	for _, part := range parts {
		if te := As(part); te != nil {
			messages = append(messages, te.Message())
			continue
		}
		messages = append(messages, part.Error())
	}
	return Wrap(code, err, strings.Join(messages, "; ")).WithDetails(Problems{Messages: messages})
}
