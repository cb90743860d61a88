package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"go.uber.org/zap"
)

// RegistryHandler exposes a ledger.Registry over HTTP. Reads are public;
// writes require a bearer token whose signer becomes the caller identity.
type RegistryHandler struct {
	reg      ledger.Registry
	verifier *identity.Verifier
	location string
	logger   *zap.Logger
}

// NewRegistryHandler creates a RegistryHandler. location is reported by the
// overview endpoint and is the audience writers must sign tokens for.
func NewRegistryHandler(reg ledger.Registry, location string, logger *zap.Logger) *RegistryHandler {
	return &RegistryHandler{
		reg:      reg,
		verifier: identity.NewVerifier(location),
		location: location,
		logger:   logger,
	}
}

// Register mounts the registry routes on the given router group.
// writeLimit, if non-nil, is applied to write routes after authentication.
func (h *RegistryHandler) Register(rg *gin.RouterGroup, writeLimit gin.HandlerFunc) {
	rg.GET("/registry", h.Overview)
	rg.GET("/strands", h.ListStrands)
	rg.GET("/strands/:id", h.GetStrand)
	rg.GET("/strands/:id/agents/:agent", h.IsAgent)
	rg.GET("/strands/:id/highest", h.Highest)
	rg.GET("/strands/:id/lowest", h.Lowest)
	rg.GET("/strands/:id/checkpoints/:number", h.GetCheckpoint)
	rg.GET("/strands/:id/checkpoints/:number/previous", h.Previous)
	rg.GET("/sequences/:identity", h.NextSequence)
	rg.GET("/verify", h.Verify)
	rg.GET("/events", h.Events)

	w := rg.Group("", identity.RequireToken(h.verifier))
	if writeLimit != nil {
		w.Use(writeLimit)
	}
	{
		w.POST("/strands", h.AddStrand)
		w.POST("/strands/:id/agents", h.AddAgent)
		w.DELETE("/strands/:id/agents/:agent", h.RemoveAgent)
		w.POST("/strands/:id/checkpoints", h.AppendCheckpoint)
		w.POST("/owner", h.TransferOwnership)
	}
}

// ── Request bodies ───────────────────────────────────────────────────────────

type addStrandRequest struct {
	Sequence    uint64      `json:"sequence"`
	ID          uint64      `json:"id"`
	Location    string      `json:"location"`
	GenesisHash common.Hash `json:"genesis_hash"`
	Description string      `json:"description"`
}

type agentRequest struct {
	Sequence uint64         `json:"sequence"`
	Agent    common.Address `json:"agent"`
}

type appendRequest struct {
	Sequence    uint64      `json:"sequence"`
	BlockNumber uint64      `json:"block_number"`
	BlockHash   common.Hash `json:"block_hash"`
}

type ownerRequest struct {
	Sequence uint64         `json:"sequence"`
	Owner    common.Address `json:"owner"`
}

// ── Parameter helpers ────────────────────────────────────────────────────────

func uintParam(c *gin.Context, name string) (uint64, bool) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a non-negative integer"})
		return 0, false
	}
	return v, true
}

func addressParam(c *gin.Context, name string) (common.Address, bool) {
	v := c.Param(name)
	if !common.IsHexAddress(v) {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a hex address"})
		return common.Address{}, false
	}
	return common.HexToAddress(v), true
}

func caller(c *gin.Context, sequence uint64) ledger.Caller {
	addr, _ := identity.FromCtx(c)
	return ledger.Caller{Identity: addr, Sequence: sequence}
}

// ── Reads ────────────────────────────────────────────────────────────────────

// Overview handles GET /registry: returns the owner and strand count.
func (h *RegistryHandler) Overview(c *gin.Context) {
	ctx := c.Request.Context()

	owner, err := h.reg.Owner(ctx)
	if err != nil {
		h.fail(c, "registry Owner", err)
		return
	}
	count, err := h.reg.StrandCount(ctx)
	if err != nil {
		h.fail(c, "registry StrandCount", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"location": h.location,
		"owner":    owner,
		"strands":  count,
	})
}

// ListStrands handles GET /strands: all strands, or the one at ?index=.
func (h *RegistryHandler) ListStrands(c *gin.Context) {
	ctx := c.Request.Context()

	if idxStr, ok := c.GetQuery("index"); ok {
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "index must be a non-negative integer"})
			return
		}
		s, err := h.reg.StrandAt(ctx, idx)
		if err != nil {
			h.fail(c, "registry StrandAt", err)
			return
		}
		c.JSON(http.StatusOK, s)
		return
	}

	count, err := h.reg.StrandCount(ctx)
	if err != nil {
		h.fail(c, "registry StrandCount", err)
		return
	}
	strands := make([]*ledger.Strand, 0, count)
	for i := 0; i < count; i++ {
		s, err := h.reg.StrandAt(ctx, i)
		if err != nil {
			h.fail(c, "registry StrandAt", err)
			return
		}
		strands = append(strands, s)
	}
	c.JSON(http.StatusOK, gin.H{"strands": strands, "count": len(strands)})
}

// GetStrand handles GET /strands/:id.
func (h *RegistryHandler) GetStrand(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	s, err := h.reg.Strand(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "registry Strand", err)
		return
	}
	c.JSON(http.StatusOK, s)
}

// IsAgent handles GET /strands/:id/agents/:agent.
func (h *RegistryHandler) IsAgent(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	agent, ok := addressParam(c, "agent")
	if !ok {
		return
	}
	allowed, err := h.reg.IsAgent(c.Request.Context(), agent, id)
	if err != nil {
		h.fail(c, "registry IsAgent", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": allowed})
}

// Highest handles GET /strands/:id/highest.
func (h *RegistryHandler) Highest(c *gin.Context) {
	h.bound(c, h.reg.HighestBlockNumber)
}

// Lowest handles GET /strands/:id/lowest.
func (h *RegistryHandler) Lowest(c *gin.Context) {
	h.bound(c, h.reg.LowestBlockNumber)
}

func (h *RegistryHandler) bound(c *gin.Context, read func(context.Context, uint64) (uint64, error)) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	n, err := read(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "registry bound", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"block_number": n})
}

// GetCheckpoint handles GET /strands/:id/checkpoints/:number.
func (h *RegistryHandler) GetCheckpoint(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	n, ok := uintParam(c, "number")
	if !ok {
		return
	}
	hash, err := h.reg.BlockHash(c.Request.Context(), id, n)
	if err != nil {
		h.fail(c, "registry BlockHash", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"block_number": n, "block_hash": hash})
}

// Previous handles GET /strands/:id/checkpoints/:number/previous.
func (h *RegistryHandler) Previous(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	n, ok := uintParam(c, "number")
	if !ok {
		return
	}
	cp, err := h.reg.PreviousCheckpoint(c.Request.Context(), id, n)
	if err != nil {
		h.fail(c, "registry PreviousCheckpoint", err)
		return
	}
	c.JSON(http.StatusOK, cp)
}

// NextSequence handles GET /sequences/:identity.
func (h *RegistryHandler) NextSequence(c *gin.Context) {
	who, ok := addressParam(c, "identity")
	if !ok {
		return
	}
	n, err := h.reg.NextSequence(c.Request.Context(), who)
	if err != nil {
		h.fail(c, "registry NextSequence", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"next": n})
}

// Verify handles GET /verify: walks every digest chain and reports integrity.
func (h *RegistryHandler) Verify(c *gin.Context) {
	v, ok := h.reg.(ledger.Verifier)
	if !ok {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "registry keeps no digest chain"})
		return
	}
	if err := v.Verify(c.Request.Context()); err != nil {
		h.logger.Warn("registry integrity check failed", zap.Error(err))
		c.JSON(http.StatusOK, gin.H{
			"valid": false,
			"error": err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": true})
}

// ── Writes ───────────────────────────────────────────────────────────────────

// AddStrand handles POST /strands.
func (h *RegistryHandler) AddStrand(c *gin.Context) {
	var req addStrandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s, err := h.reg.AddStrand(c.Request.Context(), caller(c, req.Sequence), ledger.Strand{
		ID:          req.ID,
		Location:    req.Location,
		GenesisHash: req.GenesisHash,
		Description: req.Description,
	})
	if err != nil {
		h.fail(c, "registry AddStrand", err)
		return
	}
	h.logger.Info("strand added", zap.Uint64("strand", s.ID), zap.String("location", s.Location))
	c.JSON(http.StatusCreated, s)
}

// AddAgent handles POST /strands/:id/agents.
func (h *RegistryHandler) AddAgent(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req agentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.reg.AddAgent(c.Request.Context(), caller(c, req.Sequence), req.Agent, id); err != nil {
		h.fail(c, "registry AddAgent", err)
		return
	}
	h.logger.Info("agent added", zap.Uint64("strand", id), zap.String("agent", req.Agent.Hex()))
	c.JSON(http.StatusCreated, gin.H{"agent": req.Agent, "strand_id": id})
}

// RemoveAgent handles DELETE /strands/:id/agents/:agent?sequence=N.
func (h *RegistryHandler) RemoveAgent(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	agent, ok := addressParam(c, "agent")
	if !ok {
		return
	}
	seq, err := strconv.ParseUint(c.Query("sequence"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sequence query parameter required"})
		return
	}
	if err := h.reg.RemoveAgent(c.Request.Context(), caller(c, seq), agent, id); err != nil {
		h.fail(c, "registry RemoveAgent", err)
		return
	}
	h.logger.Info("agent removed", zap.Uint64("strand", id), zap.String("agent", agent.Hex()))
	c.Status(http.StatusNoContent)
}

// AppendCheckpoint handles POST /strands/:id/checkpoints.
func (h *RegistryHandler) AppendCheckpoint(c *gin.Context) {
	id, ok := uintParam(c, "id")
	if !ok {
		return
	}
	var req appendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cp, err := h.reg.AppendCheckpoint(c.Request.Context(), caller(c, req.Sequence), id, req.BlockNumber, req.BlockHash)
	if err != nil {
		h.fail(c, "registry AppendCheckpoint", err)
		return
	}
	RecordCheckpointAppend()
	c.JSON(http.StatusCreated, cp)
}

// TransferOwnership handles POST /owner.
func (h *RegistryHandler) TransferOwnership(c *gin.Context) {
	var req ownerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.reg.TransferOwnership(c.Request.Context(), caller(c, req.Sequence), req.Owner); err != nil {
		h.fail(c, "registry TransferOwnership", err)
		return
	}
	h.logger.Info("ownership transferred", zap.String("owner", req.Owner.Hex()))
	c.JSON(http.StatusOK, gin.H{"owner": req.Owner})
}
