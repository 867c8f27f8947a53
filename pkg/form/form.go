// Package form binds and validates the sign-in payload accepted at the edge.
//
// Each form field is an explicit binding with a validation result that is
// either Valid or Invalid with human readable messages, so callers can
// surface errors next to the field that caused them.
package form

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

const maxBodyBytes = 64 << 10

// ErrUnsupportedContentType is returned by BindRequest for bodies that are
// neither JSON nor URL-encoded forms.
var ErrUnsupportedContentType = errors.New("unsupported content type")

// FieldResult is the validation outcome of a single field: Valid or Invalid.
type FieldResult interface {
	isFieldResult()
}

// Valid marks a field that passed validation.
type Valid struct{}

// Invalid carries the messages explaining why a field failed validation.
type Invalid struct {
	Messages []string
}

func (Valid) isFieldResult()   {}
func (Invalid) isFieldResult() {}

// Field binds one form input to its value and validation result.
type Field struct {
	Name   string
	Label  string
	Value  string
	Result FieldResult
}

// Result is the outcome of validating a whole form, in field order.
type Result struct {
	Fields []Field
}

// OK reports whether every field is valid.
func (r Result) OK() bool {
	for _, f := range r.Fields {
		if _, bad := f.Result.(Invalid); bad {
			return false
		}
	}
	return true
}

// Messages returns the invalid fields' messages keyed by field name.
func (r Result) Messages() map[string][]string {
	out := map[string][]string{}
	for _, f := range r.Fields {
		if inv, ok := f.Result.(Invalid); ok {
			out[f.Name] = append([]string(nil), inv.Messages...)
		}
	}
	return out
}

// SignIn is the sign-in form payload.
type SignIn struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the payload and returns one binding per field.
func (s SignIn) Validate() Result {
	s.Email = strings.TrimSpace(s.Email)

	failures := map[string][]string{}
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			failures["form"] = []string{err.Error()}
		}
		for _, fe := range verrs {
			failures[fe.Field()] = append(failures[fe.Field()], message(fe))
		}
	}

	result := Result{Fields: []Field{
		{Name: "email", Label: "Email", Value: s.Email},
		{Name: "password", Label: "Password", Value: s.Password},
	}}
	for i := range result.Fields {
		f := &result.Fields[i]
		if msgs, ok := failures[f.Name]; ok {
			f.Result = Invalid{Messages: msgs}
		} else {
			f.Result = Valid{}
		}
	}
	return result
}

func message(fe validator.FieldError) string {
	name := fe.Field()
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "email":
		return name + " must be a valid email address"
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", name, fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", name, fe.Param())
	default:
		return fmt.Sprintf("%s failed the %q check", name, fe.Tag())
	}
}

// BindRequest decodes a sign-in payload from a JSON or URL-encoded body.
func BindRequest(r *http.Request) (SignIn, error) {
	var s SignIn

	mediaType := "application/json"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return s, fmt.Errorf("%w: %v", ErrUnsupportedContentType, err)
		}
		mediaType = mt
	}

	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(body).Decode(&s); err != nil && !errors.Is(err, io.EOF) {
			return s, fmt.Errorf("decode sign-in payload: %w", err)
		}
	case "application/x-www-form-urlencoded":
		r.Body = body
		if err := r.ParseForm(); err != nil {
			return s, fmt.Errorf("decode sign-in payload: %w", err)
		}
		s.Email = r.PostForm.Get("email")
		s.Password = r.PostForm.Get("password")
	default:
		return s, fmt.Errorf("%w: %s", ErrUnsupportedContentType, mediaType)
	}
	return s, nil
}
