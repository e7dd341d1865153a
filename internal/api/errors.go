package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerproof/internal/ledger"
	"github.com/jmerrifield20/ledgerproof/pkg/canonical"
	"github.com/jmerrifield20/ledgerproof/pkg/hash"
	"github.com/jmerrifield20/ledgerproof/pkg/proof"
	"github.com/jmerrifield20/ledgerproof/pkg/verifier"
	"go.uber.org/zap"
)

// maxBodyBytes caps request bodies read by decodeJSON.
const maxBodyBytes = 4 << 20

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	var ce *canonical.CanonicalizationError
	switch {
	case errors.Is(err, verifier.ErrMetadataMismatch),
		errors.Is(err, ledger.ErrTableMismatch):
		return http.StatusConflict
	case errors.As(err, &ce):
		return http.StatusUnprocessableEntity
	case errors.Is(err, hash.ErrInvalidHashLength),
		errors.Is(err, proof.ErrMalformedIonText):
		return http.StatusBadRequest
	case errors.Is(err, verifier.ErrUnknownLedger),
		errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, ledger.ErrNotCovered),
		errors.Is(err, ledger.ErrEmptyLedger):
		return http.StatusNotFound
	case errors.Is(err, verifier.ErrDigestBehind),
		errors.Is(err, verifier.ErrRegistryClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err as a JSON error body. Server errors are logged and
// their detail withheld.
func respondError(c *gin.Context, logger *zap.Logger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
		c.JSON(status, gin.H{"error": msg})
		return
	}
	body := gin.H{"error": err.Error()}
	if f := verifier.MismatchField(err); f != "" {
		body["field"] = f
	}
	c.JSON(status, body)
}

// decodeJSON reads the request body into v, keeping numbers as json.Number
// so document content hashes exactly as submitted.
func decodeJSON(c *gin.Context, v any) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// RequestLogger returns a Gin middleware that logs each request with zap.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
