package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ledgerproof/internal/ledger"
	"github.com/jmerrifield20/ledgerproof/pkg/verifier"
	"go.uber.org/zap"
)

// errReadOnly is returned for ledgers that are not backed by a local store.
var errReadOnly = errors.New("ledger is not served by this node")

// LedgerHandler exposes the ledger authority API: digests, revisions with
// proofs, appends and bundle capture.
type LedgerHandler struct {
	ledgers  verifier.LedgerSource
	verifier *verifier.Verifier
	notifier Notifier
	logger   *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler. Ledgers resolved through
// ledgers must be *ledger.Authority values.
func NewLedgerHandler(ledgers verifier.LedgerSource, v *verifier.Verifier, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{ledgers: ledgers, verifier: v, logger: logger}
}

// SetNotifier configures where append events are sent.
func (h *LedgerHandler) SetNotifier(n Notifier) {
	h.notifier = n
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledgers/:name")
	{
		l.GET("", h.Overview)
		l.GET("/digest", h.Digest)
		l.GET("/verify", h.Integrity)
		l.GET("/tables", h.Tables)
		l.POST("/tables/:table/documents", h.Append)
		l.GET("/documents/:docId", h.Capture)
		l.GET("/revisions/:docId", h.Revision)
	}
}

func (h *LedgerHandler) store(ctx context.Context, name string) (ledger.Store, error) {
	led, err := h.ledgers.Ledger(ctx, name)
	if err != nil {
		return nil, err
	}
	a, ok := led.(*ledger.Authority)
	if !ok {
		return nil, fmt.Errorf("%w: %q", errReadOnly, name)
	}
	return a.Store(), nil
}

// Overview handles GET /ledgers/:name. Returns the revision count and, for a
// non-empty ledger, the current digest.
func (h *LedgerHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	s, err := h.store(ctx, name)
	if err != nil {
		h.storeError(c, err)
		return
	}
	n, err := s.Len(ctx)
	if err != nil {
		respondError(c, h.logger, "failed to query ledger", err)
		return
	}

	resp := gin.H{"name": name, "revisions": n}
	if n > 0 {
		d, err := s.Digest(ctx)
		if err != nil {
			respondError(c, h.logger, "failed to compute digest", err)
			return
		}
		resp["digest"] = d
	}
	c.JSON(http.StatusOK, resp)
}

// Digest handles GET /ledgers/:name/digest.
func (h *LedgerHandler) Digest(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.store(ctx, c.Param("name"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	d, err := s.Digest(ctx)
	if err != nil {
		respondError(c, h.logger, "failed to compute digest", err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// Integrity handles GET /ledgers/:name/verify. Re-derives every stored
// revision hash and reports integrity.
func (h *LedgerHandler) Integrity(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.store(ctx, c.Param("name"))
	if err != nil {
		h.storeError(c, err)
		return
	}

	if err := s.Verify(ctx); err != nil {
		h.logger.Warn("ledger integrity check failed", zap.String("ledger", c.Param("name")), zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// Tables handles GET /ledgers/:name/tables.
func (h *LedgerHandler) Tables(c *gin.Context) {
	ctx := c.Request.Context()
	s, err := h.store(ctx, c.Param("name"))
	if err != nil {
		h.storeError(c, err)
		return
	}
	tables, err := s.Tables(ctx)
	if err != nil {
		respondError(c, h.logger, "failed to list tables", err)
		return
	}
	if tables == nil {
		tables = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"tables": tables})
}

type appendRequest struct {
	DocumentID string `json:"document_id,omitempty"`
	Data       any    `json:"data"`
}

// Append handles POST /ledgers/:name/tables/:table/documents. Records a new
// revision. An empty document_id creates a new document.
func (h *LedgerHandler) Append(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")

	var req appendRequest
	if err := decodeJSON(c, &req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s, err := h.store(ctx, name)
	if err != nil {
		h.storeError(c, err)
		return
	}
	rev, err := s.Append(ctx, c.Param("table"), req.DocumentID, req.Data)
	if err != nil {
		respondError(c, h.logger, "failed to append revision", err)
		return
	}
	RecordAppend(name)

	if h.notifier != nil {
		h.notifier.Dispatch(ctx, eventRevisionAppended, map[string]string{
			"ledger":        name,
			"table":         rev.TableName,
			"document_id":   rev.DocumentID,
			"version":       strconv.FormatInt(rev.Fields.Version, 10),
			"block_address": rev.Address.String(),
			"revision_hash": rev.Hash.String(),
		})
	}

	c.JSON(http.StatusCreated, rev)
}

// Capture handles GET /ledgers/:name/documents/:docId. Returns a
// verification bundle for the document's latest revision.
func (h *LedgerHandler) Capture(c *gin.Context) {
	md, err := h.verifier.Capture(c.Request.Context(), c.Param("name"), c.Param("docId"))
	if err != nil {
		if errors.Is(err, verifier.ErrLocateUnsupported) {
			c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
			return
		}
		respondError(c, h.logger, "failed to capture revision", err)
		return
	}
	c.JSON(http.StatusOK, md)
}

// Revision handles GET /ledgers/:name/revisions/:docId. Returns the revision
// at strand:seq with its proof against the digest tip tipStrand:tipSeq. The
// tip defaults to the block itself.
func (h *LedgerHandler) Revision(c *gin.Context) {
	ctx := c.Request.Context()

	addr, err := parseAddress(c.Query("strand"), c.Query("seq"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	tip := addr
	if c.Query("tipStrand") != "" || c.Query("tipSeq") != "" {
		if tip, err = parseAddress(c.Query("tipStrand"), c.Query("tipSeq")); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	led, err := h.ledgers.Ledger(ctx, c.Param("name"))
	if err != nil {
		respondError(c, h.logger, "failed to open ledger", err)
		return
	}
	rev, err := led.FetchRevision(ctx, c.Param("docId"), addr, tip)
	if err != nil {
		respondError(c, h.logger, "failed to fetch revision", err)
		return
	}
	c.JSON(http.StatusOK, rev)
}

func (h *LedgerHandler) storeError(c *gin.Context, err error) {
	if errors.Is(err, errReadOnly) {
		c.JSON(http.StatusNotImplemented, gin.H{"error": err.Error()})
		return
	}
	respondError(c, h.logger, "failed to open ledger", err)
}

func parseAddress(strand, seq string) (verifier.BlockAddress, error) {
	if strand == "" {
		return verifier.BlockAddress{}, errors.New("strand is required")
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return verifier.BlockAddress{}, fmt.Errorf("seq must be a non-negative integer")
	}
	return verifier.BlockAddress{StrandID: strand, SequenceNo: n}, nil
}
