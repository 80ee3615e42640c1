// Package handler exposes the ledger over HTTP.
package handler

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/ChainLedger/internal/ledger"
	"github.com/jmerrifield20/ChainLedger/internal/service"
	"github.com/jmerrifield20/ChainLedger/internal/snapshot"
	"github.com/jmerrifield20/ChainLedger/internal/verifier"
	"go.uber.org/zap"
)

// IdempotencyKeyHeader carries the client's idempotency key on appends.
const IdempotencyKeyHeader = "Idempotency-Key"

// LedgerHandler handles HTTP requests for the ledger.
type LedgerHandler struct {
	svc    *service.LedgerService
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(svc *service.LedgerService, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, logger: logger}
}

// Register mounts the ledger routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.POST("/entries", h.Append)

		chains := l.Group("/chains/:chain")
		chains.GET("/entries/:seq", h.GetEntry)
		chains.PUT("/entries/:seq", h.RejectMutation)
		chains.PATCH("/entries/:seq", h.RejectMutation)
		chains.DELETE("/entries/:seq", h.RejectMutation)
		chains.GET("/verify", h.Verify)
		chains.POST("/snapshots", h.CreateSnapshot)
		chains.GET("/snapshots/latest", h.LatestSnapshot)
		chains.GET("/snapshots/latest/export", h.ExportSnapshot)

		// Routes on the default chain.
		l.POST("/entry", h.Append)
		l.GET("/entry/:seq", h.GetEntry)
		l.PUT("/entry/:seq", h.RejectMutation)
		l.PATCH("/entry/:seq", h.RejectMutation)
		l.DELETE("/entry/:seq", h.RejectMutation)
		l.GET("/verify", h.Verify)
	}
}

// amountField accepts an amount as a JSON string or a bare number without
// passing it through float64.
type amountField string

func (a *amountField) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = amountField(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return errors.New("amount must be a string or number")
	}
	*a = amountField(n.String())
	return nil
}

type appendRequest struct {
	ChainID        string      `json:"chain_id"`
	ProjectID      string      `json:"project_id"`
	UserID         string      `json:"user_id"`
	EntryType      string      `json:"entry_type" binding:"required"`
	Amount         amountField `json:"amount" binding:"required"`
	Currency       string      `json:"currency"`
	Description    string      `json:"description"`
	CreatedAt      *time.Time  `json:"created_at"`
	IdempotencyKey string      `json:"idempotency_key"`
}

// entryResponse renders an entry with its amount in the currency's
// minor-unit digits.
type entryResponse struct {
	ChainID        string     `json:"chain_id"`
	SequenceNumber int64      `json:"sequence_number"`
	PreviousHash   string     `json:"previous_hash"`
	EntryHash      string     `json:"entry_hash"`
	EntryType      string     `json:"entry_type"`
	Amount         string     `json:"amount"`
	Currency       string     `json:"currency"`
	Description    string     `json:"description"`
	CreatedAt      time.Time  `json:"created_at"`
	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	BalanceAfter   string     `json:"balance_after"`
	IsVerified     bool       `json:"is_verified"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
}

func newEntryResponse(e *ledger.Entry) entryResponse {
	return entryResponse{
		ChainID:        e.ChainID,
		SequenceNumber: e.SequenceNumber,
		PreviousHash:   e.PreviousHash,
		EntryHash:      e.EntryHash,
		EntryType:      string(e.EntryType),
		Amount:         ledger.FormatAmount(e.Amount, e.Currency),
		Currency:       e.Currency,
		Description:    e.Description,
		CreatedAt:      e.CreatedAt,
		IdempotencyKey: e.IdempotencyKey,
		BalanceAfter:   ledger.FormatAmount(e.BalanceAfter, e.Currency),
		IsVerified:     e.IsVerified,
		VerifiedAt:     e.VerifiedAt,
	}
}

type balanceResponse struct {
	Net      string `json:"net"`
	TotalIn  string `json:"total_in"`
	TotalOut string `json:"total_out"`
	Entries  int64  `json:"entries"`
}

type snapshotResponse struct {
	ID                   string                     `json:"id"`
	ChainID              string                     `json:"chain_id"`
	AtSequence           int64                      `json:"at_sequence"`
	MarkerSequence       int64                      `json:"marker_sequence"`
	PreviousSnapshotHash string                     `json:"previous_snapshot_hash"`
	TipHash              string                     `json:"tip_hash"`
	CumulativeHash       string                     `json:"cumulative_hash"`
	Balances             map[string]balanceResponse `json:"balances"`
	Currencies           []string                   `json:"currencies"`
	Seal                 string                     `json:"seal,omitempty"`
	CreatedAt            time.Time                  `json:"created_at"`
	CreatedBy            string                     `json:"created_by"`
}

func newSnapshotResponse(s *ledger.Snapshot) snapshotResponse {
	resp := snapshotResponse{
		ID:                   s.ID.String(),
		ChainID:              s.ChainID,
		AtSequence:           s.AtSequence,
		MarkerSequence:       s.MarkerSequence,
		PreviousSnapshotHash: s.PreviousSnapshotHash,
		TipHash:              s.TipHash,
		CumulativeHash:       s.CumulativeHash,
		Balances:             make(map[string]balanceResponse, len(s.Balances)),
		Currencies:           make([]string, 0, len(s.Balances)),
		Seal:                 s.Seal,
		CreatedAt:            s.CreatedAt,
		CreatedBy:            s.CreatedBy,
	}
	for code, b := range s.Balances {
		resp.Balances[code] = balanceResponse{
			Net:      ledger.FormatAmount(b.Net, code),
			TotalIn:  ledger.FormatAmount(b.TotalIn, code),
			TotalOut: ledger.FormatAmount(b.TotalOut, code),
			Entries:  b.Entries,
		}
		resp.Currencies = append(resp.Currencies, code)
	}
	sort.Strings(resp.Currencies)
	return resp
}

// Append handles POST /ledger/entries. A replayed idempotency key returns the
// original entry with 200 instead of 201.
func (h *LedgerHandler) Append(c *gin.Context) {
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	key := strings.TrimSpace(c.GetHeader(IdempotencyKeyHeader))
	switch {
	case key == "":
		key = req.IdempotencyKey
	case req.IdempotencyKey != "" && req.IdempotencyKey != key:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Idempotency-Key header and idempotency_key field differ"})
		return
	}

	sreq := service.AppendRequest{
		ChainID:        req.ChainID,
		ProjectID:      req.ProjectID,
		UserID:         req.UserID,
		EntryType:      req.EntryType,
		Amount:         string(req.Amount),
		Currency:       req.Currency,
		Description:    req.Description,
		IdempotencyKey: key,
	}
	if req.CreatedAt != nil {
		sreq.CreatedAt = *req.CreatedAt
	}

	entry, err := h.svc.Append(c.Request.Context(), sreq)
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if entry.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, newEntryResponse(entry))
}

// GetEntry handles GET /ledger/chains/:chain/entries/:seq.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	seq, ok := parseSequence(c)
	if !ok {
		return
	}
	entry, err := h.svc.GetEntry(c.Request.Context(), h.chainParam(c), seq)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newEntryResponse(entry))
}

// Verify handles GET /ledger/chains/:chain/verify?from=&to=. A broken chain
// is a successful request: the result carries is_valid=false.
func (h *LedgerHandler) Verify(c *gin.Context) {
	from, ok := parseBound(c, "from")
	if !ok {
		return
	}
	to, ok := parseBound(c, "to")
	if !ok {
		return
	}

	res, err := h.svc.VerifyRange(c.Request.Context(), h.chainParam(c), from, to)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// CreateSnapshot handles POST /ledger/chains/:chain/snapshots.
func (h *LedgerHandler) CreateSnapshot(c *gin.Context) {
	snap, created, err := h.svc.CreateSnapshot(c.Request.Context(), h.chainParam(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if !created {
		status = http.StatusOK
	}
	c.JSON(status, newSnapshotResponse(snap))
}

// LatestSnapshot handles GET /ledger/chains/:chain/snapshots/latest.
func (h *LedgerHandler) LatestSnapshot(c *gin.Context) {
	snap, err := h.svc.LatestSnapshot(c.Request.Context(), h.chainParam(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSnapshotResponse(snap))
}

// ExportSnapshot handles GET /ledger/chains/:chain/snapshots/latest/export.
func (h *LedgerHandler) ExportSnapshot(c *gin.Context) {
	format := c.DefaultQuery("format", snapshot.FormatJSON)
	chainID := h.chainParam(c)

	var buf bytes.Buffer
	if err := h.svc.ExportLatestSnapshot(c.Request.Context(), &buf, chainID, format); err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+exportFilename(chainID, format)+`"`)
	c.Data(http.StatusOK, snapshot.ContentType(format), buf.Bytes())
}

// RejectMutation handles PUT, PATCH and DELETE on an entry. Entries are
// append-only so these always fail with 405.
func (h *LedgerHandler) RejectMutation(c *gin.Context) {
	seq, ok := parseSequence(c)
	if !ok {
		return
	}
	op := "update"
	if c.Request.Method == http.MethodDelete {
		op = "delete"
	}
	h.writeError(c, h.svc.RejectMutation(c.Request.Context(), h.chainParam(c), seq, op))
}

func (h *LedgerHandler) chainParam(c *gin.Context) string {
	if id := c.Param("chain"); id != "" {
		return id
	}
	return h.svc.DefaultChain()
}

func parseSequence(c *gin.Context) (int64, bool) {
	seq, err := strconv.ParseInt(c.Param("seq"), 10, 64)
	if err != nil || seq < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sequence number must be a positive integer"})
		return 0, false
	}
	return seq, true
}

func parseBound(c *gin.Context, name string) (*int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a positive integer"})
		return nil, false
	}
	return &v, true
}

func exportFilename(chainID, format string) string {
	safe := strings.Map(func(r rune) rune {
		if r == ':' || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, chainID)
	return safe + "-snapshot." + format
}

// writeError maps service errors to HTTP statuses.
func (h *LedgerHandler) writeError(c *gin.Context, err error) {
	var (
		verr     *ledger.ValidationError
		immErr   *ledger.ImmutabilityError
		breakErr *verifier.BreakError
	)
	switch {
	case errors.As(err, &verr):
		body := gin.H{"error": verr.Error()}
		if verr.Field != "" {
			body["field"] = verr.Field
		}
		c.JSON(http.StatusBadRequest, body)
	case errors.As(err, &immErr):
		c.Header("Allow", "GET")
		c.JSON(http.StatusMethodNotAllowed, gin.H{"error": immErr.Error()})
	case errors.As(err, &breakErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":        breakErr.Error(),
			"verification": breakErr.Result,
		})
	case errors.Is(err, ledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
	case errors.Is(err, ledger.ErrNoSnapshot):
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot for chain"})
	case ledger.IsRetryable(err):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusConflict, gin.H{"error": "chain is busy, retry later"})
	default:
		h.logger.Error("ledger request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
