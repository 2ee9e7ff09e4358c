package braidproto

import "net/http"

// Status codes with protocol meaning.
const (
	StatusOK                  = http.StatusOK
	StatusPartialContent      = http.StatusPartialContent
	StatusSubscription        = 209
	StatusMergeConflict       = 293
	StatusGone                = http.StatusGone
	StatusRangeNotSatisfiable = http.StatusRequestedRangeNotSatisfiable
)

// StatusText returns the reason phrase for code, including the Braid
// specific ones. Unknown codes yield "".
func StatusText(code int) string {
	switch code {
	case StatusSubscription:
		return "Subscription"
	case StatusMergeConflict:
		return "Merge Conflict"
	}
	return http.StatusText(code)
}
