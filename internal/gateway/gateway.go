package gateway

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"github.com/terminal-bench/gridtrust/internal/archive"
	"github.com/terminal-bench/gridtrust/internal/auth"
	"github.com/terminal-bench/gridtrust/internal/consensus"
	"github.com/terminal-bench/gridtrust/internal/readings"
	"github.com/terminal-bench/gridtrust/internal/validators"
	"github.com/terminal-bench/gridtrust/pkg/circuit"
	"github.com/terminal-bench/gridtrust/pkg/messaging"
)

// TokenVerifier validates bearer tokens; the auth service implements it.
type TokenVerifier interface {
	VerifyToken(tokenString string) (*auth.Claims, error)
}

// Gateway is the HTTP surface over the engine.
type Gateway struct {
	router    *gin.Engine
	store     *readings.Store
	engine    *consensus.Engine
	directory *validators.Directory
	verifier  TokenVerifier
	archive   *archive.Postgres
	msgClient *messaging.Client
	breakers  *circuit.BreakerGroup

	wsClients   map[uuid.UUID]*WSClient
	wsMu        sync.RWMutex
	rateLimiter *RateLimiter
}

// WSClient is one live event-feed subscriber.
type WSClient struct {
	ID   uuid.UUID
	Conn *websocket.Conn
	Send chan []byte
	Done chan struct{}
}

// RateLimiter implements a sliding-window request limit per client IP.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// Config holds gateway configuration
type Config struct {
	RateLimitWindow time.Duration
	RateLimitMax    int
}

// NewGateway wires the HTTP routes over the engine components. Archive may be
// nil when no durable store is configured.
func NewGateway(cfg Config, store *readings.Store, engine *consensus.Engine, directory *validators.Directory,
	verifier TokenVerifier, arch *archive.Postgres, msgClient *messaging.Client) *Gateway {

	if cfg.RateLimitMax == 0 {
		cfg.RateLimitMax = 300
	}
	if cfg.RateLimitWindow == 0 {
		cfg.RateLimitWindow = time.Minute
	}

	g := &Gateway{
		router:    gin.Default(),
		store:     store,
		engine:    engine,
		directory: directory,
		verifier:  verifier,
		archive:   arch,
		msgClient: msgClient,
		breakers: circuit.NewBreakerGroup(circuit.Config{
			MaxFailures: 5,
			Timeout:     30 * time.Second,
			HalfOpenMax: 3,
		}),
		wsClients: make(map[uuid.UUID]*WSClient),
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		// Readings
		v1.POST("/readings", g.authMiddleware(auth.RoleVerifier), g.submitReading)
		v1.GET("/readings/:device/:seq", g.authMiddleware(), g.getReading)
		v1.POST("/readings/:device/:seq/verifications", g.authMiddleware(auth.RoleValidator), g.recordVote)
		v1.GET("/devices/:device/stats", g.authMiddleware(), g.getStats)
		v1.GET("/devices/:device/history", g.authMiddleware(), g.getHistory)

		// Consensus sessions
		v1.POST("/sessions", g.authMiddleware(auth.RoleValidator), g.startSession)
		v1.GET("/sessions/:device/:seq", g.authMiddleware(), g.getSession)
		v1.POST("/sessions/:device/:seq/votes", g.authMiddleware(auth.RoleValidator), g.castVote)

		// Validator roster
		v1.POST("/validators", g.authMiddleware(auth.RoleAdmin), g.addValidator)
		v1.GET("/validators", g.authMiddleware(), g.listValidators)
		v1.GET("/validators/:id", g.authMiddleware(), g.getValidator)
		v1.PUT("/validators/:id/weight", g.authMiddleware(auth.RoleAdmin), g.updateWeight)
		v1.DELETE("/validators/:id", g.authMiddleware(auth.RoleAdmin), g.removeValidator)

		// Live event feed
		v1.GET("/ws", g.handleWebSocket)
	}
}

// Start runs the HTTP server and the websocket event fan-out.
func (g *Gateway) Start(addr string) error {
	if g.msgClient != nil {
		subjects := []string{
			messaging.EventTypeReadingAccepted,
			messaging.EventTypeReadingFlagged,
			messaging.EventTypeReadingVerified,
			messaging.EventTypeSessionStarted,
			messaging.EventTypeSessionVote,
			messaging.EventTypeSessionResolved,
		}
		for _, subject := range subjects {
			if err := g.msgClient.Subscribe(subject, g.broadcastEvent); err != nil {
				return err
			}
		}
	}

	return g.router.Run(addr)
}

// Router exposes the gin engine for tests.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// Middleware

func (g *Gateway) authMiddleware(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.verifier.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		if len(roles) > 0 {
			allowed := claims.Role == auth.RoleAdmin
			for _, role := range roles {
				if claims.Role == role {
					allowed = true
				}
			}
			if !allowed {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient role"})
				return
			}
		}

		c.Set("principal_id", claims.PrincipalID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"breakers": g.breakers.States(),
	})
}

func (g *Gateway) submitReading(c *gin.Context) {
	var req SubmitReadingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	submitter := c.MustGet("principal_id").(string)

	reading, err := g.store.Submit(c.Request.Context(), &readings.SubmitRequest{
		DeviceID:        req.DeviceID,
		Sequence:        req.Sequence,
		Timestamp:       time.Unix(req.Timestamp, 0),
		Value:           req.Value,
		DedupToken:      req.DedupToken,
		SuspiciousScore: req.SuspiciousScore,
		Reasons:         req.Reasons,
		SubmittedBy:     submitter,
	})
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, reading)
}

func (g *Gateway) getReading(c *gin.Context) {
	deviceID, seq, ok := g.readingKey(c)
	if !ok {
		return
	}

	reading, err := g.store.GetReading(deviceID, seq)
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, reading)
}

func (g *Gateway) recordVote(c *gin.Context) {
	deviceID, seq, ok := g.readingKey(c)
	if !ok {
		return
	}

	voter := c.MustGet("principal_id").(string)

	reading, err := g.store.RecordVote(c.Request.Context(), deviceID, seq, voter)
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, reading)
}

func (g *Gateway) getStats(c *gin.Context) {
	stats, err := g.store.GetStats(c.Param("device"))
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

func (g *Gateway) getHistory(c *gin.Context) {
	if g.archive == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "no archive configured"})
		return
	}

	limit := 50
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil && v > 0 {
		limit = v
	}

	var history []archive.ArchivedReading
	err := g.breakers.Execute(c.Request.Context(), "archive", func() error {
		var err error
		history, err = g.archive.ReadingHistory(c.Request.Context(), c.Param("device"), limit)
		return err
	})
	if err != nil {
		if errors.Is(err, circuit.ErrCircuitOpen) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive temporarily unavailable"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load history"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"readings": history})
}

func (g *Gateway) startSession(c *gin.Context) {
	var req StartSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	caller := c.MustGet("principal_id").(string)

	sess, err := g.engine.StartSession(c.Request.Context(), caller, req.DeviceID, req.Sequence, req.ThresholdPercent)
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, sess)
}

func (g *Gateway) getSession(c *gin.Context) {
	deviceID, seq, ok := g.readingKey(c)
	if !ok {
		return
	}

	sess, err := g.engine.GetSession(deviceID, seq)
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, sess)
}

func (g *Gateway) castVote(c *gin.Context) {
	deviceID, seq, ok := g.readingKey(c)
	if !ok {
		return
	}

	var req CastVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	voter := c.MustGet("principal_id").(string)

	sess, err := g.engine.CastVote(c.Request.Context(), voter, deviceID, seq, *req.Choice, req.Reason)
	if err != nil {
		g.renderError(c, err)
		return
	}

	if g.archive != nil {
		if v, ok := sess.Votes[voter]; ok {
			if err := g.archive.SaveVote(c.Request.Context(), deviceID, seq, v); err != nil {
				log.Printf("Failed to archive vote %s/%d by %s: %v", deviceID, seq, voter, err)
			}
		}
	}

	c.JSON(http.StatusOK, sess)
}

func (g *Gateway) addValidator(c *gin.Context) {
	var req AddValidatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	v, err := g.directory.Add(c.Request.Context(), req.ID, req.Weight, req.Description)
	if err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusCreated, v)
}

func (g *Gateway) listValidators(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"validators":   g.directory.List(),
		"total_weight": g.directory.TotalWeight(),
		"active_count": g.directory.ActiveCount(),
	})
}

func (g *Gateway) getValidator(c *gin.Context) {
	v, err := g.directory.Get(c.Param("id"))
	if err != nil {
		g.renderError(c, err)
		return
	}

	accuracy, _ := g.directory.Accuracy(v.ID)
	c.JSON(http.StatusOK, gin.H{"validator": v, "accuracy": accuracy})
}

func (g *Gateway) updateWeight(c *gin.Context) {
	var req UpdateWeightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	if err := g.directory.UpdateWeight(c.Request.Context(), c.Param("id"), req.Weight); err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "weight updated"})
}

func (g *Gateway) removeValidator(c *gin.Context) {
	var req RemoveValidatorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req.Reason = ""
	}

	if err := g.directory.Remove(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		g.renderError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "validator removed"})
}

func (g *Gateway) readingKey(c *gin.Context) (string, uint64, bool) {
	deviceID := c.Param("device")
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sequence"})
		return "", 0, false
	}
	return deviceID, seq, true
}

// renderError maps engine sentinels onto HTTP statuses.
func (g *Gateway) renderError(c *gin.Context, err error) {
	var status int
	switch {
	case errors.Is(err, readings.ErrReadingNotFound),
		errors.Is(err, readings.ErrDeviceNotFound),
		errors.Is(err, consensus.ErrSessionNotFound),
		errors.Is(err, validators.ErrValidatorNotFound):
		status = http.StatusNotFound

	case errors.Is(err, readings.ErrStaleSequence),
		errors.Is(err, readings.ErrDuplicateSequence),
		errors.Is(err, readings.ErrDuplicateToken),
		errors.Is(err, readings.ErrAlreadyVerified),
		errors.Is(err, consensus.ErrSessionActive),
		errors.Is(err, consensus.ErrDuplicateVote),
		errors.Is(err, consensus.ErrSessionResolved),
		errors.Is(err, validators.ErrDuplicateValidator):
		status = http.StatusConflict

	case errors.Is(err, readings.ErrTimestampDrift),
		errors.Is(err, readings.ErrScoreOutOfRange),
		errors.Is(err, consensus.ErrThresholdOutOfRange),
		errors.Is(err, validators.ErrInvalidWeight):
		status = http.StatusBadRequest

	case errors.Is(err, consensus.ErrSessionExpired):
		status = http.StatusGone

	case errors.Is(err, consensus.ErrInsufficientValidators),
		errors.Is(err, validators.ErrCapacityExceeded):
		status = http.StatusUnprocessableEntity

	case errors.Is(err, readings.ErrUnknownDevice),
		errors.Is(err, consensus.ErrNotValidator):
		status = http.StatusForbidden

	default:
		status = http.StatusInternalServerError
	}

	c.JSON(status, gin.H{"error": err.Error()})
}

// WebSocket event feed

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &WSClient{
		ID:   uuid.New(),
		Conn: conn,
		Send: make(chan []byte, 64),
		Done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.ID] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *WSClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.ID)
		g.wsMu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

func (g *Gateway) broadcastEvent(msg *nats.Msg) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.Send <- msg.Data:
		default:
			// Slow consumer; drop the event rather than block the feed.
		}
	}
}

// Allow checks if a request is allowed under the sliding window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := requests[:0]
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}

// Request types

type SubmitReadingRequest struct {
	DeviceID        string   `json:"device_id" binding:"required"`
	Sequence        uint64   `json:"sequence" binding:"required"`
	Timestamp       int64    `json:"timestamp" binding:"required"`
	Value           int64    `json:"value"`
	DedupToken      string   `json:"dedup_token" binding:"required"`
	SuspiciousScore int      `json:"suspicious_score"`
	Reasons         []string `json:"reasons"`
}

type StartSessionRequest struct {
	DeviceID         string `json:"device_id" binding:"required"`
	Sequence         uint64 `json:"sequence" binding:"required"`
	ThresholdPercent int    `json:"threshold_percent"`
}

type CastVoteRequest struct {
	Choice *bool  `json:"choice" binding:"required"`
	Reason string `json:"reason"`
}

type AddValidatorRequest struct {
	ID          string `json:"id" binding:"required"`
	Weight      int64  `json:"weight" binding:"required"`
	Description string `json:"description"`
}

type UpdateWeightRequest struct {
	Weight int64 `json:"weight" binding:"required"`
}

type RemoveValidatorRequest struct {
	Reason string `json:"reason"`
}
