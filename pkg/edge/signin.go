package edge

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/shtcut/edge/pkg/domain"
	"github.com/shtcut/edge/pkg/form"
)

const maxSignInBody = 64 << 10

// validateSignIn checks the sign-in payload of r and restores the body for
// the next handler. It returns nil when the form is valid.
func validateSignIn(r *http.Request, rc domain.RouteContext) *Reject {
	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(r.Body, maxSignInBody+1))
		_ = r.Body.Close()
		if err != nil {
			return &Reject{
				Route:      rc,
				StatusCode: http.StatusBadRequest,
				Code:       domain.CodeMalformedRequest,
				Message:    "sign-in body could not be read",
				Err:        err,
			}
		}
	}
	if len(body) > maxSignInBody {
		return &Reject{
			Route:      rc,
			StatusCode: http.StatusRequestEntityTooLarge,
			Code:       domain.CodeMalformedRequest,
			Message:    "sign-in body too large",
		}
	}

	restore := func() {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}

	restore()
	payload, err := form.BindRequest(r)
	restore()
	// ParseForm on a url-encoded body fills PostForm; the next handler parses again.
	r.PostForm = nil
	r.Form = nil
	if err != nil {
		status := http.StatusBadRequest
		code := domain.CodeMalformedRequest
		if errors.Is(err, form.ErrUnsupportedContentType) {
			status = http.StatusUnsupportedMediaType
			code = domain.CodeValidationFailed
		}
		return &Reject{Route: rc, StatusCode: status, Code: code, Message: err.Error(), Err: err}
	}

	result := payload.Validate()
	if result.OK() {
		return nil
	}
	return &Reject{
		Route:      rc,
		StatusCode: http.StatusUnprocessableEntity,
		Code:       domain.CodeValidationFailed,
		Message:    "sign-in form is invalid",
		Fields:     result.Messages(),
	}
}
