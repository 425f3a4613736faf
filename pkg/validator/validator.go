package validator

import (
	"errors"
	"reflect"
	"strings"

	playground "github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type ValidationErrors map[string]string

func (v ValidationErrors) HasErrors() bool {
	return len(v) > 0
}

func (v ValidationErrors) Add(field, message string) {
	v[field] = message
}

// First returns one message, preferring fields in the given order.
func (v ValidationErrors) First(order ...string) string {
	for _, f := range order {
		if msg, ok := v[f]; ok {
			return msg
		}
	}
	for _, msg := range v {
		return msg
	}
	return ""
}

var validate = newValidate()

func newValidate() *playground.Validate {
	v := playground.New(playground.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterStructValidation(channelStructLevel, channelForm{})
	return v
}

type channelForm struct {
	Name          string      `json:"name" validate:"required,max=100"`
	Description   string      `json:"description" validate:"max=500"`
	Visibility    string      `json:"visibility" validate:"required,oneof=public restricted"`
	DepartmentIDs []uuid.UUID `json:"department_ids"`
}

func channelStructLevel(sl playground.StructLevel) {
	form := sl.Current().Interface().(channelForm)
	if form.Visibility == "restricted" && len(form.DepartmentIDs) == 0 {
		sl.ReportError(form.DepartmentIDs, "department_ids", "DepartmentIDs", "restricted_departments", "")
	}
}

var channelMessages = map[string]string{
	"name.required":                         "Channel name is required",
	"name.max":                              "Channel name is too long",
	"description.max":                       "Description is too long",
	"visibility.required":                   "Visibility must be public or restricted",
	"visibility.oneof":                      "Visibility must be public or restricted",
	"department_ids.restricted_departments": "Select at least one department for a restricted channel",
}

// ValidateChannel checks a channel creation request. Restricted channels
// need at least one department.
func ValidateChannel(name, description, visibility string, departmentIDs []uuid.UUID) ValidationErrors {
	errs := make(ValidationErrors)

	form := channelForm{
		Name:          strings.TrimSpace(name),
		Description:   strings.TrimSpace(description),
		Visibility:    visibility,
		DepartmentIDs: departmentIDs,
	}
	err := validate.Struct(form)
	if err == nil {
		return errs
	}

	var fieldErrs playground.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		errs.Add("form", err.Error())
		return errs
	}
	for _, fe := range fieldErrs {
		if _, exists := errs[fe.Field()]; exists {
			continue
		}
		msg, ok := channelMessages[fe.Field()+"."+fe.Tag()]
		if !ok {
			msg = "Invalid value"
		}
		errs.Add(fe.Field(), msg)
	}
	return errs
}

// ValidateMessage rejects empty or whitespace-only message content.
func ValidateMessage(content string) ValidationErrors {
	errs := make(ValidationErrors)
	if strings.TrimSpace(content) == "" {
		errs.Add("content", "Message cannot be empty")
	}
	return errs
}
