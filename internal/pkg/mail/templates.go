package mail

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/ManuelReschke/TokenFox/internal/pkg/env"
)

const (
	TemplateVerifyEmail   = "verify_email"
	TemplatePasswordReset = "password_reset"
)

// ErrUnknownTemplate is returned by Build for template names it does not know.
type ErrUnknownTemplate string

func (e ErrUnknownTemplate) Error() string {
	return fmt.Sprintf("unknown mail template %q", string(e))
}

// Build renders the named template for one recipient.
func Build(template, to, name, token string) (Message, error) {
	switch template {
	case TemplateVerifyEmail:
		return Message{
			To:      to,
			Subject: "Verify your TokenFox email address",
			Body: fmt.Sprintf("Hello %s,\n\nconfirm your email address within 15 minutes:\n%s\n",
				greetingName(name), link("/auth/verify-email", token)),
		}, nil
	case TemplatePasswordReset:
		return Message{
			To:      to,
			Subject: "Reset your TokenFox password",
			Body: fmt.Sprintf("Hello %s,\n\nreset your password within one hour:\n%s\n\nIgnore this mail if you did not ask for it.\n",
				greetingName(name), link("/reset-password", token)),
		}, nil
	default:
		return Message{}, ErrUnknownTemplate(template)
	}
}

func link(path, token string) string {
	base := strings.TrimRight(env.GetEnv("PUBLIC_DOMAIN", ""), "/")
	if base == "" {
		base = "http://localhost:" + env.GetEnv("APP_PORT", "4000")
	}
	return base + path + "?token=" + url.QueryEscape(token)
}

func greetingName(name string) string {
	if name == "" {
		return "there"
	}
	return name
}
