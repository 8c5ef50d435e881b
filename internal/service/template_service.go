// internal/service/template_service.go
package service

import (
	"strings"

	"github.com/unclebandit/mailreach-backend/internal/model"
)

// RenderTemplate fills {placeholder} tokens in a campaign email template.
// Missing values render as an empty string rather than a dangling token.
func RenderTemplate(template string, data map[string]string) string {
	result := template
	for k, v := range data {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// ContactData maps a contact's fields to the supported template tokens.
func ContactData(c *model.Contact) map[string]string {
	if c == nil {
		return map[string]string{
			"first_name":   "",
			"last_name":    "",
			"company_name": "",
			"email":        "",
		}
	}
	return map[string]string{
		"first_name":   c.FirstName,
		"last_name":    c.LastName,
		"company_name": c.CompanyName,
		"email":        c.Email,
	}
}
