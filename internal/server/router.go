package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/iluwen/dormdb/internal/audit"
	"github.com/iluwen/dormdb/internal/engine"
	"github.com/iluwen/dormdb/internal/ledger"
)

const maskVisiblePrefix = 4

var (
	errMissingEngine  = errors.New("provisioning engine dependency required")
	errMissingAuditor = errors.New("auditor dependency required")
)

// ApplicationEngine is the slice of the provisioning engine the HTTP
// surface depends on.
type ApplicationEngine interface {
	SubmitApplication(ctx context.Context, identityKey string) (engine.Credentials, error)
	ListRecords(ctx context.Context, filter ledger.Filter, page ledger.Pagination) ([]ledger.ProvisioningRecord, error)
}

// Reconciler runs one audit pass and reports what it found.
type Reconciler interface {
	Audit(ctx context.Context) audit.Report
}

type Dependencies struct {
	Engine  ApplicationEngine
	Auditor Reconciler
	Logger  *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Engine == nil {
		return nil, errMissingEngine
	}
	if deps.Auditor == nil {
		return nil, errMissingAuditor
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		engine:  deps.Engine,
		auditor: deps.Auditor,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.POST("/api/apply", handler.handleApply)
	router.GET("/api/records", handler.handleListRecords)
	router.POST("/api/audit", handler.handleAudit)

	return router, nil
}

type httpHandler struct {
	engine  ApplicationEngine
	auditor Reconciler
	logger  *zap.Logger
}

type applyRequestPayload struct {
	IdentityKey string `json:"identity_key"`
}

type applyResponsePayload struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	DatabaseName string `json:"database_name"`
	AccountName  string `json:"account_name"`
	Secret       string `json:"secret"`
	DSN          string `json:"dsn"`
}

func (h *httpHandler) handleApply(c *gin.Context) {
	var request applyRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.IdentityKey) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	credentials, err := h.engine.SubmitApplication(c.Request.Context(), request.IdentityKey)
	if err != nil {
		status, code := mapEngineError(err)
		if status >= http.StatusInternalServerError {
			h.logger.Error("application failed", zap.String("code", code), zap.Error(err))
		} else {
			h.logger.Warn("application rejected", zap.String("code", code), zap.Error(err))
		}
		c.JSON(status, gin.H{"error": code})
		return
	}

	c.JSON(http.StatusOK, applyResponsePayload{
		Host:         credentials.Host,
		Port:         credentials.Port,
		DatabaseName: credentials.DatabaseName,
		AccountName:  credentials.AccountName,
		Secret:       credentials.Secret,
		DSN:          credentials.DSN,
	})
}

// recordPayload is the public listing row. It never carries resource names:
// database and account names embed the full identity key, so exposing either
// would defeat the mask.
type recordPayload struct {
	IdentityKey string    `json:"identity_key"`
	CreatedAt   time.Time `json:"created_at"`
}

type recordsResponsePayload struct {
	Records []recordPayload `json:"records"`
}

func (h *httpHandler) handleListRecords(c *gin.Context) {
	filter := ledger.Filter{GroupTag: c.Query("group")}
	records, err := h.engine.ListRecords(c.Request.Context(), filter, ledger.Pagination{})
	if err != nil {
		h.logger.Error("failed to list provisioning records", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	response := recordsResponsePayload{Records: make([]recordPayload, 0, len(records))}
	for _, record := range records {
		response.Records = append(response.Records, recordPayload{
			IdentityKey: maskIdentityKey(record.IdentityKey),
			CreatedAt:   record.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, response)
}

func (h *httpHandler) handleAudit(c *gin.Context) {
	report := h.auditor.Audit(c.Request.Context())
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func mapEngineError(err error) (int, string) {
	switch engine.KindOf(err) {
	case engine.KindInvalidInput:
		return http.StatusBadRequest, string(engine.KindInvalidInput)
	case engine.KindDuplicateIdentity:
		return http.StatusConflict, string(engine.KindDuplicateIdentity)
	case engine.KindBackendUnavailable:
		return http.StatusServiceUnavailable, string(engine.KindBackendUnavailable)
	case engine.KindProvisionFailed:
		return http.StatusBadGateway, string(engine.KindProvisionFailed)
	case engine.KindPartialUnrecovered:
		return http.StatusInternalServerError, "partial_failure"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// maskIdentityKey keeps the public listing useful without exposing full
// identity keys: first four characters, then a fixed mask.
func maskIdentityKey(key string) string {
	if len(key) <= maskVisiblePrefix {
		return key + "****"
	}
	return key[:maskVisiblePrefix] + "****"
}
