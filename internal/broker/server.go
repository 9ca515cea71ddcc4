// Package broker implements the address broker: peers claim an address, other
// peers look up where to dial it, and leases expire unless refreshed.
package broker

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	leaseAddressContextKey = "gravity_lease_address"
	leaseIDContextKey      = "gravity_lease_id"
	maxAddressLength       = 190
)

var (
	errMissingDirectory     = errors.New("directory dependency required")
	errMissingLeaseIssuer   = errors.New("lease issuer dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// Dependencies wires the broker HTTP handler.
type Dependencies struct {
	Directory *Directory
	Leases    *LeaseIssuer
	Logger    *zap.Logger
}

// NewHTTPHandler builds the broker routes.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Directory == nil {
		return nil, errMissingDirectory
	}
	if deps.Leases == nil {
		return nil, errMissingLeaseIssuer
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		directory: deps.Directory,
		leases:    deps.Leases,
		logger:    logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/addresses", handler.handleClaim)
	router.GET("/addresses/:address", handler.handleLookup)

	protected := router.Group("/addresses/:address")
	protected.Use(handler.authorizeLease)
	protected.PUT("/lease", handler.handleRefresh)
	protected.DELETE("", handler.handleRelease)

	return router, nil
}

type httpHandler struct {
	directory *Directory
	leases    *LeaseIssuer
	logger    *zap.Logger
}

type claimRequestPayload struct {
	Address  string `json:"address"`
	Endpoint string `json:"endpoint"`
}

type leaseResponsePayload struct {
	Address   string `json:"address"`
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	TokenType string `json:"token_type"`
}

type lookupResponsePayload struct {
	Address  string `json:"address"`
	Endpoint string `json:"endpoint"`
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "addresses": h.directory.Len()})
}

func (h *httpHandler) handleClaim(c *gin.Context) {
	var request claimRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	address := strings.TrimSpace(request.Address)
	endpoint := strings.TrimSpace(request.Endpoint)
	if address == "" || len(address) > maxAddressLength || endpoint == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	registration, err := h.directory.Claim(address, endpoint)
	if errors.Is(err, ErrAddressTaken) {
		c.JSON(http.StatusConflict, gin.H{"error": "address_taken"})
		return
	}
	if errors.Is(err, ErrDirectoryFull) {
		h.logger.Warn("address directory full", zap.String("address", address))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "directory_full"})
		return
	}
	if err != nil {
		h.logger.Error("failed to claim address", zap.String("address", address), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "claim_failed"})
		return
	}

	h.respondWithLease(c, http.StatusCreated, registration)
	h.logger.Info("address claimed", zap.String("address", address), zap.String("endpoint", endpoint))
}

func (h *httpHandler) handleLookup(c *gin.Context) {
	registration, err := h.directory.Lookup(c.Param("address"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_address"})
		return
	}
	c.JSON(http.StatusOK, lookupResponsePayload{Address: registration.Address, Endpoint: registration.Endpoint})
}

func (h *httpHandler) handleRefresh(c *gin.Context) {
	registration, err := h.directory.Refresh(c.GetString(leaseAddressContextKey), c.GetString(leaseIDContextKey))
	if err != nil {
		h.respondLeaseError(c, err)
		return
	}
	h.respondWithLease(c, http.StatusOK, registration)
}

func (h *httpHandler) handleRelease(c *gin.Context) {
	address := c.GetString(leaseAddressContextKey)
	if err := h.directory.Release(address, c.GetString(leaseIDContextKey)); err != nil {
		h.respondLeaseError(c, err)
		return
	}
	h.logger.Info("address released", zap.String("address", address))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) respondWithLease(c *gin.Context, status int, registration Registration) {
	token, expiresIn, err := h.leases.Issue(registration.Address, registration.LeaseID)
	if err != nil {
		h.logger.Error("failed to issue lease token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lease_issue_failed"})
		return
	}
	c.JSON(status, leaseResponsePayload{
		Address:   registration.Address,
		Token:     token,
		ExpiresIn: expiresIn,
		TokenType: "Bearer",
	})
}

func (h *httpHandler) respondLeaseError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrUnknownAddress):
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_address"})
	case errors.Is(err, ErrLeaseMismatch):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	default:
		h.logger.Error("lease operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lease_failed"})
	}
}

func (h *httpHandler) authorizeLease(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	address, leaseID, err := h.leases.Validate(token)
	if err != nil || address != c.Param("address") {
		h.logger.Warn("lease validation failed", zap.String("address", c.Param("address")), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(leaseAddressContextKey, address)
	c.Set(leaseIDContextKey, leaseID)
	c.Next()
}
