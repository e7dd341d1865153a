package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerproof/internal/receipt"
	"github.com/jmerrifield20/ledgerproof/pkg/canonical"
	"github.com/jmerrifield20/ledgerproof/pkg/hash"
	"github.com/jmerrifield20/ledgerproof/pkg/proof"
	"github.com/jmerrifield20/ledgerproof/pkg/verifier"
	"go.uber.org/zap"
)

// VerifyHandler serves the stateless verification endpoints.
type VerifyHandler struct {
	verifier *verifier.Verifier
	receipts *receipt.Issuer
	notifier Notifier
	logger   *zap.Logger
}

// NewVerifyHandler creates a new VerifyHandler. receipts may be nil, in which
// case no receipts are issued.
func NewVerifyHandler(v *verifier.Verifier, receipts *receipt.Issuer, logger *zap.Logger) *VerifyHandler {
	return &VerifyHandler{verifier: v, receipts: receipts, logger: logger}
}

// SetNotifier configures where mismatch events are sent.
func (h *VerifyHandler) SetNotifier(n Notifier) {
	h.notifier = n
}

// Register mounts the verification routes on the given router group.
func (h *VerifyHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/verify", h.Verify)
	rg.POST("/recompute", h.Recompute)
	rg.POST("/canonical/hash", h.CanonicalHash)
}

type verifyResponse struct {
	Verified bool   `json:"verified"`
	Receipt  string `json:"receipt,omitempty"`
}

// Verify handles POST /verify. Checks a RevisionMetadata bundle against its
// ledger.
func (h *VerifyHandler) Verify(c *gin.Context) {
	var md verifier.RevisionMetadata
	if err := decodeJSON(c, &md); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ok, err := h.verifier.Verify(c.Request.Context(), md)
	field := verifier.MismatchField(err)
	RecordVerification(ok, err, field)
	if field != "" && h.notifier != nil {
		h.notifier.Dispatch(c.Request.Context(), eventMismatchDetected, map[string]string{
			"ledger":        md.LedgerName,
			"document_id":   md.DocumentID,
			"block_address": md.BlockAddress.String(),
			"field":         field,
		})
	}
	if err != nil {
		respondError(c, h.logger, "verification failed", err)
		return
	}

	resp := verifyResponse{Verified: ok}
	if h.receipts != nil {
		token, err := h.receipts.Issue(md, ok)
		if err != nil {
			h.logger.Error("issue receipt", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to issue receipt"})
			return
		}
		resp.Receipt = token
	}
	c.JSON(http.StatusOK, resp)
}

type recomputeRequest struct {
	Leaf  hash.Hash   `json:"leaf"`
	Proof proof.Chain `json:"proof"`
	// Ion is the text form of the proof; used when Proof is empty.
	Ion string `json:"proof_ion,omitempty"`
}

type recomputeResponse struct {
	Digest hash.Hash   `json:"digest"`
	Steps  []hash.Hash `json:"steps"`
}

// Recompute handles POST /recompute. Folds a proof into a leaf and returns
// the candidate digest with every intermediate value.
func (h *VerifyHandler) Recompute(c *gin.Context) {
	var req recomputeRequest
	if err := decodeJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	chain := req.Proof
	if len(chain) == 0 && req.Ion != "" {
		parsed, err := proof.DecodeIonText(req.Ion)
		if err != nil {
			respondError(c, h.logger, "decode proof", err)
			return
		}
		chain = parsed
	}

	steps, err := proof.Steps(req.Leaf, chain)
	if err != nil {
		respondError(c, h.logger, "recompute failed", err)
		return
	}
	c.JSON(http.StatusOK, recomputeResponse{Digest: steps[len(steps)-1], Steps: steps})
}

type hashRequest struct {
	Data     any                      `json:"data"`
	Metadata canonical.RevisionFields `json:"metadata"`
}

// CanonicalHash handles POST /canonical/hash. Returns the revision hash of
// the submitted content and metadata.
func (h *VerifyHandler) CanonicalHash(c *gin.Context) {
	var req hashRequest
	if err := decodeJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sum, err := canonical.HashOf(req.Data, req.Metadata)
	if err != nil {
		respondError(c, h.logger, "hash failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hash": sum})
}
