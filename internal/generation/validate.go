package generation

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"genstudio/internal/domain"
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("aspect", func(fl validator.FieldLevel) bool {
		_, ok := domain.ParseSize(fl.Field().String())
		return ok
	})
	return v
}

// submitChecks fixes the order failures are reported in: the token sanity
// bound comes first, then the prompt, image count, image data and size.
var submitChecks = []struct {
	field   string
	tag     string
	message string
}{
	{field: "TurnstileToken", message: "Missing turnstileToken or invalid length"},
	{field: "Prompt", message: "Missing prompt"},
	{field: "Images", tag: "max", message: "Too many images"},
	{field: "Images", tag: "required", message: "Invalid image data"},
	{field: "Size", message: "Invalid size"},
}

func (s *Service) validateSubmit(req SubmitRequest) error {
	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return domain.ValidationError("Invalid request")
	}
	for _, check := range submitChecks {
		for _, fe := range verrs {
			if !strings.HasPrefix(fe.StructField(), check.field) {
				continue
			}
			if check.tag != "" && fe.Tag() != check.tag {
				continue
			}
			return domain.ValidationError(check.message)
		}
	}
	return domain.ValidationError("Invalid request")
}
