package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/PortNumber53/detective-directory/backend/internal/middleware"
)

// issueAdminToken prints a bearer token accepted by the admin routes.
func issueAdminToken(tokens *middleware.AdminTokens, args []string, out io.Writer) error {
	if len(args) < 1 || strings.TrimSpace(args[0]) == "" {
		return fmt.Errorf("usage: dbtool issue-admin-token <subject>")
	}
	subject := strings.TrimSpace(args[0])

	raw, expires, err := tokens.Issue(subject, middleware.RoleAdmin)
	if err != nil {
		return fmt.Errorf("issue admin token: %w", err)
	}
	return writeJSON(out, map[string]any{
		"subject":    subject,
		"token":      raw,
		"expires_at": expires,
	})
}
