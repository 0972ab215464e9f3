// MODUL: errors
// ZWECK: Fehler-Definitionen und Error-Handler fuer die Policy API
// INPUT: Fehler, gin.Context, Status-Code
// OUTPUT: JSON-formatierte Fehler-Responses {code, message}
// NEBENEFFEKTE: HTTP-Responses schreiben
// ABHAENGIGKEITEN: gin-gonic/gin, policy, vision
// HINWEISE: Fehler aus policy und vision werden ueber errors.Is auf Codes abgebildet
package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/ollama/diffpolicy/policy"
	"github.com/ollama/diffpolicy/store"
	"github.com/ollama/diffpolicy/vision"
)

var (
	// ErrPolicyNotLoaded wird geworfen wenn der Server ohne Policy laeuft
	ErrPolicyNotLoaded = errors.New("policy not loaded")

	// ErrInvalidImage wird geworfen bei ungueltigen Bild-Daten
	ErrInvalidImage = errors.New("invalid image data")

	// ErrInvalidBase64 wird geworfen bei ungueltiger Base64-Kodierung
	ErrInvalidBase64 = errors.New("invalid base64 encoding")

	// ErrInvalidState wird geworfen wenn der Zustandsvektor nicht passt
	ErrInvalidState = errors.New("invalid state vector")

	// ErrSessionMismatch wird geworfen wenn die Session nicht mehr aktuell ist
	ErrSessionMismatch = errors.New("session is not the active session")

	// ErrStoreNotConfigured wird geworfen wenn keine Lauf-Datenbank angebunden ist
	ErrStoreNotConfigured = errors.New("run store not configured")
)

// APIError ist ein strukturierter API-Fehler.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e APIError) Error() string {
	return e.Message
}

type errorCode struct {
	err    error
	code   string
	status int
}

// errorCodes wird der Reihe nach mit errors.Is geprueft
var errorCodes = []errorCode{
	{ErrPolicyNotLoaded, "POLICY_NOT_LOADED", http.StatusServiceUnavailable},
	{ErrInvalidImage, "INVALID_IMAGE", http.StatusBadRequest},
	{ErrInvalidBase64, "INVALID_BASE64", http.StatusBadRequest},
	{ErrInvalidState, "INVALID_STATE", http.StatusBadRequest},
	{ErrSessionMismatch, "SESSION_MISMATCH", http.StatusConflict},
	{ErrStoreNotConfigured, "STORE_NOT_CONFIGURED", http.StatusNotFound},
	{store.ErrRunNotFound, "RUN_NOT_FOUND", http.StatusNotFound},
	{vision.ErrUnsupportedFormat, "UNSUPPORTED_FORMAT", http.StatusBadRequest},
	{vision.ErrUnknownFormat, "UNSUPPORTED_FORMAT", http.StatusBadRequest},
	{policy.ErrObservationShape, "INVALID_OBSERVATION", http.StatusBadRequest},
	{policy.ErrObservationKeys, "INVALID_OBSERVATION", http.StatusBadRequest},
}

// lookupError liefert Code und Status fuer einen Fehler
func lookupError(err error) (string, int) {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code, e.status
		}
	}
	return "INTERNAL_ERROR", http.StatusInternalServerError
}

// writeError schreibt einen Fehler als JSON Response und bricht die Kette ab.
func writeError(c *gin.Context, err error) {
	code, status := lookupError(err)
	message := err.Error()

	var apiErr APIError
	if errors.As(err, &apiErr) {
		code = apiErr.Code
		message = apiErr.Message
	}

	c.AbortWithStatusJSON(status, APIError{Code: code, Message: message})
}
