package form

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignIn_Validate(t *testing.T) {
	tests := []struct {
		name string
		form SignIn
		want map[string][]string
	}{
		{
			name: "valid",
			form: SignIn{Email: "name@example.com", Password: "correct-horse"},
			want: map[string][]string{},
		},
		{
			name: "empty",
			form: SignIn{},
			want: map[string][]string{
				"email":    {"email is required"},
				"password": {"password is required"},
			},
		},
		{
			name: "bad email short password",
			form: SignIn{Email: "not-an-email", Password: "short"},
			want: map[string][]string{
				"email":    {"email must be a valid email address"},
				"password": {"password must be at least 8 characters"},
			},
		},
		{
			name: "whitespace email",
			form: SignIn{Email: "   ", Password: "long-enough"},
			want: map[string][]string{"email": {"email is required"}},
		},
		{
			name: "password too long",
			form: SignIn{Email: "a@b.co", Password: strings.Repeat("x", 129)},
			want: map[string][]string{"password": {"password must be at most 128 characters"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.form.Validate()
			assert.Equal(t, tt.want, result.Messages())
			assert.Equal(t, len(tt.want) == 0, result.OK())
			require.Len(t, result.Fields, 2)
			assert.Equal(t, "email", result.Fields[0].Name)
			assert.Equal(t, "password", result.Fields[1].Name)
		})
	}
}

func TestSignIn_FieldResults(t *testing.T) {
	result := SignIn{Email: "name@example.com"}.Validate()

	_, emailValid := result.Fields[0].Result.(Valid)
	assert.True(t, emailValid)

	inv, passwordInvalid := result.Fields[1].Result.(Invalid)
	require.True(t, passwordInvalid)
	assert.Equal(t, []string{"password is required"}, inv.Messages)
}

func TestBindRequest(t *testing.T) {
	req := httptest.NewRequest("POST", "/auth/sign-in", strings.NewReader(`{"email":"a@b.co","password":"secret123"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	s, err := BindRequest(req)
	require.NoError(t, err)
	assert.Equal(t, SignIn{Email: "a@b.co", Password: "secret123"}, s)

	req = httptest.NewRequest("POST", "/auth/sign-in", strings.NewReader("email=a%40b.co&password=secret123"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	s, err = BindRequest(req)
	require.NoError(t, err)
	assert.Equal(t, SignIn{Email: "a@b.co", Password: "secret123"}, s)

	req = httptest.NewRequest("POST", "/auth/sign-in", strings.NewReader("<xml/>"))
	req.Header.Set("Content-Type", "text/xml")
	_, err = BindRequest(req)
	assert.ErrorIs(t, err, ErrUnsupportedContentType)

	req = httptest.NewRequest("POST", "/auth/sign-in", strings.NewReader(`{"email":`))
	_, err = BindRequest(req)
	assert.Error(t, err)

	req = httptest.NewRequest("POST", "/auth/sign-in", strings.NewReader(""))
	s, err = BindRequest(req)
	require.NoError(t, err)
	assert.False(t, s.Validate().OK())
}
