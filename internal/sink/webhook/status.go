package webhook

import "net/http"

// permanentStatus lists the responses that will not change on retry: the
// receiver rejected the request itself, not its own availability.
var permanentStatus = map[int]bool{
	http.StatusBadRequest:                  true,
	http.StatusUnauthorized:                true,
	http.StatusForbidden:                   true,
	http.StatusNotFound:                    true,
	http.StatusMethodNotAllowed:            true,
	http.StatusNotAcceptable:               true,
	http.StatusGone:                        true,
	http.StatusLengthRequired:              true,
	http.StatusRequestEntityTooLarge:       true,
	http.StatusRequestURITooLong:           true,
	http.StatusUnsupportedMediaType:        true,
	http.StatusUnprocessableEntity:         true,
	http.StatusUpgradeRequired:             true,
	http.StatusRequestHeaderFieldsTooLarge: true,
}

// isPermanentFailure reports whether a non-2xx status fails the entry
// terminally. 408, 429 and 5xx stay retryable.
func isPermanentFailure(statusCode int) bool {
	return permanentStatus[statusCode]
}
