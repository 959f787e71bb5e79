package req

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/Dhoini/checkout-engine/pkg/logger"
	"github.com/Dhoini/checkout-engine/pkg/res"
	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator возвращает общий экземпляр валидатора (кэширует метаданные структур).
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// FieldError описывает ошибку валидации одного поля.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// Decode декодирует JSON из io.Reader в структуру типа T.
func Decode[T any](body io.Reader) (T, error) {
	var payload T
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return payload, err
	}
	return payload, nil
}

// IsValid валидирует структуру типа T.
func IsValid[T any](payload T) error {
	return Validator().Struct(payload)
}

// FieldErrors раскладывает ошибку валидатора на поля.
func FieldErrors(err error) []FieldError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, FieldError{Field: fe.Namespace(), Rule: fe.Tag()})
	}
	return out
}

// HandleBody декодирует, валидирует и при ошибке сам отвечает клиенту 422.
func HandleBody[T any](w http.ResponseWriter, r *http.Request, log *logger.Logger) (*T, error) {
	body, err := Decode[T](r.Body)
	if err != nil {
		log.Warnw("Failed to decode request body", "path", r.URL.Path, "error", err)
		res.JsonResponse(w, res.ErrorResponse{Error: "malformed request body", ErrorCode: "invalid_body"}, http.StatusUnprocessableEntity)
		return nil, err
	}

	if err := IsValid(body); err != nil {
		log.Warnw("Request body failed validation", "path", r.URL.Path, "error", err)
		res.JsonResponse(w, res.ErrorResponse{
			Error:     "request validation failed",
			ErrorCode: "validation_failed",
			Details:   FieldErrors(err),
		}, http.StatusUnprocessableEntity)
		return nil, err
	}
	return &body, nil
}
