package walletapi

import (
	"encoding/hex"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/walletcore/internal/chainrpc"
	"github.com/rawblock/walletcore/internal/store"
	"github.com/rawblock/walletcore/pkg/coinselect"
	"github.com/rawblock/walletcore/pkg/keychain"
)

// Service wires the keychain index, the coin selector, the chain RPC
// client, and the persistence layer behind the HTTP surface. The index is
// guarded by a mutex: reveal/mark operations mutate it, so concurrent
// requests for distinct keychains still serialize on the same index.
type Service struct {
	mu    sync.Mutex
	index *keychain.KeychainTxOutIndex[string]
	store *store.PostgresStore
	chain *chainrpc.Client
	hub   *Hub
}

func NewService(index *keychain.KeychainTxOutIndex[string], db *store.PostgresStore, chain *chainrpc.Client, hub *Hub) *Service {
	return &Service{index: index, store: db, chain: chain, hub: hub}
}

type APIHandler struct {
	svc *Service
}

// SetupRouter mirrors the CORS and auth-group layout used throughout: a
// small set of unauthenticated endpoints (health, the event stream) and
// everything that touches wallet state behind AuthMiddleware.
func SetupRouter(svc *Service) *gin.Engine {
	r := gin.Default()

	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		switch {
		case allowedOrigins == "" || allowedOrigins == "*":
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		default:
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{svc: svc}

	pub := r.Group("/api/v1")
	{
		pub.GET("/health", handler.handleHealth)
		pub.GET("/stream", svc.hub.Subscribe)
	}

	auth := r.Group("/api/v1")
	auth.Use(AuthMiddleware())
	{
		auth.POST("/keychains/:id/reveal-next", handler.handleRevealNext)
		auth.GET("/keychains/:id/next-unused", handler.handleNextUnused)
		auth.POST("/keychains/:id/mark-used", handler.handleMarkUsed)
		auth.GET("/keychains/:id/revealed", handler.handleListRevealed)
		auth.GET("/keychains/:id/utxos", handler.handleScanUtxos)
		auth.POST("/select", handler.handleSelect)
		auth.GET("/selections", handler.handleListSelections)
	}

	return r
}

func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *APIHandler) handleRevealNext(c *gin.Context) {
	keychainID := c.Param("id")

	h.svc.mu.Lock()
	script, index, additions := h.svc.index.RevealNextScriptPubkey(keychainID)
	h.svc.mu.Unlock()

	if h.svc.store != nil {
		if err := h.svc.store.SaveDerivationAdditions(c.Request.Context(), additions); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist derivation additions", "details": err.Error()})
			return
		}
	}
	if h.svc.hub != nil {
		h.svc.hub.Broadcast([]byte(`{"event":"reveal_next","keychain":"` + keychainID + `"}`))
	}

	c.JSON(http.StatusOK, gin.H{
		"keychain": keychainID,
		"index":    index,
		"script":   hex.EncodeToString(script),
	})
}

func (h *APIHandler) handleNextUnused(c *gin.Context) {
	keychainID := c.Param("id")

	h.svc.mu.Lock()
	script, index, additions := h.svc.index.NextUnusedScriptPubkey(keychainID)
	h.svc.mu.Unlock()

	if !additions.IsEmpty() && h.svc.store != nil {
		if err := h.svc.store.SaveDerivationAdditions(c.Request.Context(), additions); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist derivation additions", "details": err.Error()})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keychain": keychainID,
		"index":    index,
		"script":   hex.EncodeToString(script),
	})
}

type markUsedRequest struct {
	Index uint32 `json:"index" binding:"required"`
}

func (h *APIHandler) handleMarkUsed(c *gin.Context) {
	keychainID := c.Param("id")

	var req markUsedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	h.svc.mu.Lock()
	marked := h.svc.index.MarkUsed(keychainID, req.Index)
	h.svc.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"keychain": keychainID, "index": req.Index, "marked": marked})
}

func (h *APIHandler) handleListRevealed(c *gin.Context) {
	keychainID := c.Param("id")

	h.svc.mu.Lock()
	revealed := h.svc.index.Revealed(keychainID)
	h.svc.mu.Unlock()

	c.JSON(http.StatusOK, gin.H{"keychain": keychainID, "revealed": revealed})
}

// handleScanUtxos scans the chain for outputs matching the keychain's
// descriptor and returns them both as raw UTXOs and as ready-to-post
// coin-selection candidates, along with a suggested target feerate.
func (h *APIHandler) handleScanUtxos(c *gin.Context) {
	keychainID := c.Param("id")

	if h.svc.chain == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "chain RPC is not configured"})
		return
	}

	h.svc.mu.Lock()
	desc := h.svc.index.Descriptor(keychainID)
	lastRevealed, _ := h.svc.index.LastRevealed(keychainID)
	lookahead := h.svc.index.Lookahead(keychainID)
	h.svc.mu.Unlock()

	hd, ok := desc.(*keychain.HDDescriptor)
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "keychain descriptor is not scannable"})
		return
	}

	result, err := h.svc.chain.ScanTxOutset("start", []string{hd.DescriptorString()})
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "scantxoutset failed", "details": err.Error()})
		return
	}

	candidates := chainrpc.CandidatesFromScan(result)

	feerate, err := h.svc.chain.EstimateTargetFeerate(6)
	if err != nil {
		feerate = coinselect.DefaultTargetFeerate
	}

	c.JSON(http.StatusOK, gin.H{
		"keychain":                 keychainID,
		"last_revealed":            lastRevealed,
		"lookahead":                lookahead,
		"unspents":                 result.Unspents,
		"candidates":               candidates,
		"suggested_target_feerate": feerate,
	})
}

type selectCandidate struct {
	Value      uint64 `json:"value" binding:"required"`
	Weight     uint32 `json:"weight" binding:"required"`
	InputCount int    `json:"input_count"`
	IsSegwit   bool   `json:"is_segwit"`
}

type selectRequest struct {
	Candidates       []selectCandidate `json:"candidates" binding:"required"`
	TargetValue      uint64            `json:"target_value" binding:"required"`
	TargetFeerate    float32           `json:"target_feerate"`
	LongTermFeerate  *float32          `json:"long_term_feerate"`
	MinAbsoluteFee   uint64            `json:"min_absolute_fee"`
	BaseWeight       uint32            `json:"base_weight"`
	DrainWeight      uint32            `json:"drain_weight"`
	SpendDrainWeight uint32            `json:"spend_drain_weight"`
	MinDrainValue    uint64            `json:"min_drain_value"`
	MaxTries         int               `json:"max_tries"`
}

// handleSelect runs Branch-and-Bound over the posted candidates, falling
// back to the greedy select_until_finished when BnB cannot find an exact
// match within max_tries, and persists the winning selection.
func (h *APIHandler) handleSelect(c *gin.Context) {
	var req selectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	candidates := make([]coinselect.WeightedValue, len(req.Candidates))
	for i, cand := range req.Candidates {
		candidates[i] = coinselect.WeightedValue{
			Value:      cand.Value,
			Weight:     cand.Weight,
			InputCount: cand.InputCount,
			IsSegwit:   cand.IsSegwit,
		}
	}

	opts := coinselect.CoinSelectorOpt{
		TargetValue:      req.TargetValue,
		TargetFeerate:    req.TargetFeerate,
		LongTermFeerate:  req.LongTermFeerate,
		MinAbsoluteFee:   req.MinAbsoluteFee,
		BaseWeight:       req.BaseWeight,
		DrainWeight:      req.DrainWeight,
		SpendDrainWeight: req.SpendDrainWeight,
		MinDrainValue:    req.MinDrainValue,
	}

	maxTries := req.MaxTries
	if maxTries <= 0 {
		maxTries = 100_000
	}

	cs := coinselect.NewCoinSelector(candidates, opts)
	var (
		selection coinselect.Selection
		err       error
	)
	if result, ok := coinselect.BnbSelect(cs, maxTries); ok {
		selection, err = result.Finish()
	} else {
		selection, err = cs.SelectUntilFinished()
	}
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	var recordID string
	if h.svc.store != nil {
		id, err := h.svc.store.SaveSelectionRecord(c.Request.Context(), req.TargetValue, selection)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to persist selection record", "details": err.Error()})
			return
		}
		recordID = id.String()
	}

	c.JSON(http.StatusOK, gin.H{
		"record_id":        recordID,
		"selected_indices": selection.SelectedIndices,
		"excess":           selection.Excess,
		"strategies":       selection.Strategies,
	})
}

func (h *APIHandler) handleListSelections(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	if h.svc.store == nil {
		c.JSON(http.StatusOK, gin.H{"selections": []store.SelectionRecord{}})
		return
	}

	records, err := h.svc.store.ListSelectionRecords(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"selections": records})
}
