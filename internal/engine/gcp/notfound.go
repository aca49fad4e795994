package gcp

import (
	"errors"
	"net/http"
	"strings"

	"github.com/googleapis/gax-go/v2/apierror"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// notFoundMarkers match 404s that reach us as plain text, e.g. an
// operation's error payload.
var notFoundMarkers = []string{"Error 404", "code = NotFound", "notFound"}

// isNotFound reports whether err means the instance does not exist. The
// REST transport returns *googleapi.Error, newer clients wrap that in
// *apierror.APIError and the gRPC transport uses a NotFound status.
func isNotFound(err error) bool {
	if err == nil {
		return false
	}

	var apiErr *apierror.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPCode() == http.StatusNotFound || apiErr.GRPCStatus().Code() == codes.NotFound {
			return true
		}
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) && gErr.Code == http.StatusNotFound {
		return true
	}
	if status.Code(err) == codes.NotFound {
		return true
	}

	msg := err.Error()
	for _, marker := range notFoundMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
