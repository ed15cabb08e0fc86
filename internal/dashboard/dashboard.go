package dashboard

import (
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	apperrors "macrolink/internal/errors"
	"macrolink/internal/models"
	"macrolink/internal/sentry"
	"macrolink/internal/server"
	"macrolink/internal/storage"
)

// DefaultCommandLimit is used when /api/commands has no limit parameter.
const DefaultCommandLimit = 50

// Dashboard serves the operations API over storage and the session registry.
type Dashboard struct {
	Store    storage.Store
	Registry *server.SessionRegistry
	Addr     string
	// KeyHash is the bcrypt hash of the key the API routes require. Empty disables them.
	KeyHash []byte
}

// ClientView is a client as listed by the API.
type ClientView struct {
	ID         uint       `json:"id"`
	SessionID  string     `json:"sid"`
	Label      string     `json:"label"`
	CreatedAt  time.Time  `json:"created_at"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	Connected  bool       `json:"connected"`
}

// CommandView is a command log entry as listed by the API.
type CommandView struct {
	ID        uint      `json:"id"`
	ClientID  uint      `json:"client_id"`
	SessionID string    `json:"sid"`
	Opt       int       `json:"opt"`
	Name      string    `json:"name,omitempty"`
	Payload   string    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

type createClientRequest struct {
	SessionID string `json:"sid" binding:"required"`
	Label     string `json:"label"`
}

func NewDashboard(addr string, store storage.Store, registry *server.SessionRegistry, keyHash []byte) *Dashboard {
	return &Dashboard{
		Store:    store,
		Registry: registry,
		Addr:     addr,
		KeyHash:  keyHash,
	}
}

func (d *Dashboard) Handler() http.Handler {
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()
	r.Use(gin.Logger(), gin.Recovery())
	if sentry.Enabled() {
		r.Use(sentry.Middleware())
	}

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Session identifiers are credentials, so every API route needs the key.
	api := r.Group("/api", d.requireKey)
	api.GET("/clients", d.listClients)
	api.POST("/clients", d.createClient)
	api.GET("/sessions", d.listSessions)
	api.GET("/commands", d.listCommands)
	return r
}

// requireKey checks the bearer key against KeyHash.
func (d *Dashboard) requireKey(c *gin.Context) {
	if len(d.KeyHash) == 0 {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "dashboard key not configured"})
		return
	}
	key, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || key == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer key"})
		return
	}
	if err := bcrypt.CompareHashAndPassword(d.KeyHash, []byte(key)); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid key"})
		return
	}
	c.Next()
}

func (d *Dashboard) listClients(c *gin.Context) {
	clients, err := d.Store.ListClients()
	if err != nil {
		sentry.CaptureErrorWithContext(c, err, "List clients failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
		return
	}

	views := make([]ClientView, 0, len(clients))
	for _, cl := range clients {
		views = append(views, d.clientView(cl))
	}
	c.JSON(http.StatusOK, views)
}

func (d *Dashboard) createClient(c *gin.Context) {
	var req createClientRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	client := &models.Client{SessionID: strings.TrimSpace(req.SessionID), Label: req.Label}
	if client.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sid must not be blank"})
		return
	}
	if err := d.Store.CreateClient(client); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateKey) {
			c.JSON(http.StatusConflict, gin.H{"error": "sid already registered"})
			return
		}
		sentry.CaptureErrorWithContext(c, err, "Create client failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
		return
	}

	log.Printf("Dashboard: registered client %d (%s)", client.ID, client.Label)
	c.JSON(http.StatusCreated, d.clientView(*client))
}

func (d *Dashboard) listSessions(c *gin.Context) {
	c.JSON(http.StatusOK, d.Registry.List())
}

func (d *Dashboard) listCommands(c *gin.Context) {
	limit := DefaultCommandLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	entries, err := d.Store.ListCommands(limit)
	if err != nil {
		sentry.CaptureErrorWithContext(c, err, "List commands failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "storage error"})
		return
	}

	views := make([]CommandView, 0, len(entries))
	for _, e := range entries {
		views = append(views, CommandView{
			ID:        e.ID,
			ClientID:  e.ClientID,
			SessionID: e.Client.SessionID,
			Opt:       e.Opt,
			Name:      e.Name,
			Payload:   e.Payload,
			CreatedAt: e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, views)
}

func (d *Dashboard) clientView(cl models.Client) ClientView {
	return ClientView{
		ID:         cl.ID,
		SessionID:  cl.SessionID,
		Label:      cl.Label,
		CreatedAt:  cl.CreatedAt,
		LastSeenAt: cl.LastSeenAt,
		Connected:  d.Registry.IsConnected(cl.ID),
	}
}
