package mesh

import (
	"fmt"
	"net/http"

	msgpack "github.com/vmihailenco/msgpack/v5"
)

var (
	errAPINodeIDEmpty     = newAPIError(http.StatusBadRequest, "ERR_NODE_ID_EMPTY", "Header X-Orbit-To is empty")
	errAPINodeIDMismatch  = newAPIError(http.StatusConflict, "ERR_NODE_ID_MISMATCH", "Message is addressed to another node")
	errAPISenderInvalid   = newAPIError(http.StatusBadRequest, "ERR_SENDER_INVALID", "Header X-Orbit-From is not a valid node address")
	errAPIUnauthorized    = newAPIError(http.StatusUnauthorized, "ERR_UNAUTHORIZED", "Request is not authorized")
	errAPIBody            = newAPIError(http.StatusBadRequest, "ERR_BODY", "Failed to read the request body")
	errAPIBodyTooLarge    = newAPIError(http.StatusRequestEntityTooLarge, "ERR_BODY_TOO_LARGE", "Message is too large")
	errAPINotJoined       = newAPIError(http.StatusServiceUnavailable, "ERR_NOT_JOINED", "Node is not a member of the cluster")
	errAPIInternal        = newAPIError(http.StatusInternalServerError, "ERR_INTERNAL", "Internal error")
	errAPIUnsupportedType = newAPIError(http.StatusUnsupportedMediaType, "ERR_CONTENT_TYPE", "Unsupported content type")
)

// apiError is returned by the server, encoded with msgpack.
type apiError struct {
	HTTPStatus int    `msgpack:"-"`
	Code       string `msgpack:"code"`
	Message    string `msgpack:"message"`
}

func newAPIError(httpStatus int, code string, message string) *apiError {
	return &apiError{
		HTTPStatus: httpStatus,
		Code:       code,
		Message:    message,
	}
}

func (e apiError) WriteResponse(w http.ResponseWriter) {
	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(w)

	w.Header().Set(headerContentType, contentTypeMsgpack)
	w.WriteHeader(e.HTTPStatus)

	// Ignore errors here
	_ = enc.Encode(e)
}

// Error implements the error interface
func (e apiError) Error() string {
	return fmt.Sprintf("API error (%s): %s", e.Code, e.Message)
}
