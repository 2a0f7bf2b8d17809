package objectstore

import (
	"errors"
	"strings"

	"github.com/aws/smithy-go"
)

// isAccessDenied recognizes the non-retryable 403/AccessDenied family
// across backends without importing every SDK's concrete error type at
// every call site.
func isAccessDenied(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "AccessDenied", "AccessDeniedException", "Forbidden":
			return true
		}
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "accessdenied") || strings.Contains(msg, "403")
}
