package services

import (
	"errors"

	"github.com/go-playground/validator/v10"

	apperrors "scriptgate/internal/errors"
)

// Service errors outside the protocol status set
var (
	ErrUnknownScript     = errors.New("unknown script")
	ErrTicketInvalid     = errors.New("channel ticket invalid")
	ErrPaymentSignature  = errors.New("payment signature invalid")
	ErrPaymentNotSettled = errors.New("payment not completed")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// invalidRequest turns a validator failure into INVALID_REQUEST. The field
// names are safe to disclose.
func invalidRequest(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		return apperrors.Protocol(apperrors.StatusInvalidRequest, verrs[0].Field()+" failed "+verrs[0].Tag())
	}
	return apperrors.WrapProtocol(apperrors.StatusInvalidRequest, err)
}

// FieldErrors lists validation failures for administrative APIs.
func FieldErrors(err error) []apperrors.ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]apperrors.ValidationError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, apperrors.ValidationError{Field: fe.Field(), Message: fe.Tag()})
	}
	return out
}
