package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/signfastlab/backend/internal/annotations"
	"github.com/signfastlab/backend/internal/audit"
	"github.com/signfastlab/backend/internal/compositor"
	"github.com/signfastlab/backend/internal/documents"
	"github.com/signfastlab/backend/internal/geometry"
	"github.com/signfastlab/backend/internal/queue"
	"github.com/signfastlab/backend/internal/users"
)

const userIDContextKey = "signfast_user_id"

const (
	defaultMaxUploadBytes = 25 << 20
	defaultPresignTTL     = 15 * time.Minute
)

var (
	errMissingTokenManager    = errors.New("token manager dependency required")
	errMissingUsersService    = errors.New("users service dependency required")
	errMissingDocumentService = errors.New("document service dependency required")
	errMissingSessions        = errors.New("annotation session registry required")
	errMissingAuditRecorder   = errors.New("audit recorder dependency required")
	errMissingObjectStore     = errors.New("object store dependency required")
	errInvalidAuthorization   = errors.New("authorization header missing or invalid")
)

// TokenManager issues and validates session bearer tokens.
type TokenManager interface {
	IssueSessionToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// ObjectStore is the slice of the storage layer the HTTP surface touches
// directly: signature asset writes and presigned downloads.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	PresignURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// DeliveryQueue schedules signed-document delivery jobs.
type DeliveryQueue interface {
	EnqueueDeliver(ctx context.Context, payload queue.DeliverPayload) error
}

// Clock supplies timestamps for storage keys; nil means time.Now.
type Clock func() time.Time

type Dependencies struct {
	TokenManager   TokenManager
	Users          *users.Service
	Documents      *documents.Service
	Sessions       *annotations.SessionRegistry
	Audit          *audit.Recorder
	Storage        ObjectStore
	Deliveries     DeliveryQueue
	MaxUploadBytes int64
	PresignTTL     time.Duration
	Clock          Clock
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Users == nil {
		return nil, errMissingUsersService
	}
	if deps.Documents == nil {
		return nil, errMissingDocumentService
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Audit == nil {
		return nil, errMissingAuditRecorder
	}
	if deps.Storage == nil {
		return nil, errMissingObjectStore
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	maxUpload := deps.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUploadBytes
	}
	presignTTL := deps.PresignTTL
	if presignTTL <= 0 {
		presignTTL = defaultPresignTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		users:      deps.Users,
		documents:  deps.Documents,
		sessions:   deps.Sessions,
		audit:      deps.Audit,
		storage:    deps.Storage,
		deliveries: deps.Deliveries,
		maxUpload:  maxUpload,
		presignTTL: presignTTL,
		clock:      clock,
		logger:     logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.POST("/documents", handler.handleUpload)
	protected.GET("/documents", handler.handleList)
	protected.GET("/documents/:id", handler.handleGet)
	protected.DELETE("/documents/:id", handler.handleDelete)
	protected.GET("/documents/:id/download", handler.handleDownload)
	protected.GET("/documents/:id/history", handler.handleHistory)
	protected.POST("/signatures", handler.handleSignatureUpload)
	protected.GET("/documents/:id/annotations", handler.handleAnnotationList)
	protected.POST("/documents/:id/annotations", handler.handleAnnotationAdd)
	protected.PATCH("/documents/:id/annotations/:annotationID", handler.handleAnnotationUpdate)
	protected.DELETE("/documents/:id/annotations/:annotationID", handler.handleAnnotationRemove)
	protected.DELETE("/documents/:id/annotations", handler.handleAnnotationClear)
	protected.POST("/documents/:id/draft", handler.handleSaveDraft)
	protected.GET("/documents/:id/draft", handler.handleLoadDraft)
	protected.POST("/documents/:id/finalize", handler.handleFinalize)
	protected.POST("/documents/:id/send", handler.handleSend)

	return router, nil
}

type httpHandler struct {
	tokens     TokenManager
	users      *users.Service
	documents  *documents.Service
	sessions   *annotations.SessionRegistry
	audit      *audit.Recorder
	storage    ObjectStore
	deliveries DeliveryQueue
	maxUpload  int64
	presignTTL time.Duration
	clock      Clock
	logger     *zap.Logger
}

type registerRequestPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type accountResponsePayload struct {
	UserID      string `json:"user_id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.users.Register(c.Request.Context(), request.Email, request.Password, request.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, users.ErrEmailTaken):
			c.JSON(http.StatusConflict, gin.H{"error": "email_taken"})
		case errors.Is(err, users.ErrInvalidEmail), errors.Is(err, users.ErrWeakPassword):
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		default:
			h.logger.Error("registration failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "registration_failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, accountResponsePayload{
		UserID:      account.UserID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
	})
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponsePayload struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		if errors.Is(err, users.ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed"})
		return
	}

	token, expiresIn, err := h.tokens.IssueSessionToken(c.Request.Context(), account.UserID)
	if err != nil {
		h.logger.Error("failed to issue session token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, authResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
	})
}

func (h *httpHandler) handleUpload(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	if fileHeader.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return
	}
	if !strings.EqualFold(filepath.Ext(fileHeader.Filename), ".pdf") {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "pdf_required"})
		return
	}

	data, err := readUploadedFile(fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return
	}
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "pdf_required"})
		return
	}

	doc, err := h.documents.Upload(c.Request.Context(), userID, fileHeader.Filename, data)
	if err != nil {
		h.logger.Error("upload failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload_failed"})
		return
	}

	c.JSON(http.StatusCreated, doc)
}

func (h *httpHandler) handleList(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	docs, err := h.documents.List(c.Request.Context(), userID)
	if err != nil {
		h.logger.Error("list failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "list_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

func (h *httpHandler) handleGet(c *gin.Context) {
	doc, ok := h.fetchOwned(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (h *httpHandler) handleDelete(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID := c.Param("id")

	if err := h.documents.Delete(c.Request.Context(), documentID, userID); err != nil {
		h.respondDocumentError(c, err, "delete_failed")
		return
	}
	h.sessions.Close(documentID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDownload(c *gin.Context) {
	doc, ok := h.fetchOwned(c)
	if !ok {
		return
	}

	url, err := h.storage.PresignURL(c.Request.Context(), doc.StorageKey, h.presignTTL)
	if err != nil {
		h.logger.Error("presign failed", zap.String("document_id", doc.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "download_unavailable"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"url":       url,
		"file_name": fmt.Sprintf("signed_%s", doc.OriginalName),
	})
}

func (h *httpHandler) handleHistory(c *gin.Context) {
	doc, ok := h.fetchOwned(c)
	if !ok {
		return
	}

	entries, err := h.audit.List(c.Request.Context(), doc.ID)
	if err != nil {
		h.logger.Error("history lookup failed", zap.String("document_id", doc.ID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "history_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (h *httpHandler) handleSignatureUpload(c *gin.Context) {
	userID := c.GetString(userIDContextKey)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing_file"})
		return
	}
	if fileHeader.Size > h.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return
	}

	contentType, ok := signatureContentType(fileHeader.Filename)
	if !ok {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unsupported_image_format"})
		return
	}

	data, err := readUploadedFile(fileHeader)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_file"})
		return
	}

	key := fmt.Sprintf("signatures/%s/%d_%s", userID, h.clock().UTC().UnixNano(), filepath.Base(fileHeader.Filename))
	if _, err := h.storage.Put(c.Request.Context(), key, data, contentType); err != nil {
		h.logger.Error("signature upload failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upload_failed"})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"image_ref": key})
}

type annotationAddPayload struct {
	ImageRef string `json:"image_ref"`
	Page     int    `json:"page"`
}

func (h *httpHandler) handleAnnotationAdd(c *gin.Context) {
	store, ok := h.openSession(c)
	if !ok {
		return
	}

	var request annotationAddPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	placed, err := store.Add(request.ImageRef, request.Page)
	if err != nil {
		if isAnnotationError(err) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_annotation"})
			return
		}
		h.logger.Error("annotation add failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "annotation_failed"})
		return
	}

	c.JSON(http.StatusCreated, placed)
}

func (h *httpHandler) handleAnnotationUpdate(c *gin.Context) {
	store, ok := h.openSession(c)
	if !ok {
		return
	}

	var patch annotations.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	if err := store.Update(c.Param("annotationID"), patch); err != nil {
		if isAnnotationError(err) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_annotation"})
			return
		}
		h.logger.Error("annotation update failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "annotation_failed"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAnnotationRemove(c *gin.Context) {
	store, ok := h.openSession(c)
	if !ok {
		return
	}

	store.Remove(c.Param("annotationID"))
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAnnotationClear(c *gin.Context) {
	store, ok := h.openSession(c)
	if !ok {
		return
	}

	store.Clear()
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAnnotationList(c *gin.Context) {
	store, ok := h.openSession(c)
	if !ok {
		return
	}

	if raw := c.Query("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil || page < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_page"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"annotations": store.ListForPage(page)})
		return
	}

	c.JSON(http.StatusOK, gin.H{"annotations": store.ListAll()})
}

func (h *httpHandler) handleSaveDraft(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID := c.Param("id")

	store, ok := h.openSession(c)
	if !ok {
		return
	}

	doc, err := h.documents.SaveDraft(c.Request.Context(), documentID, userID, store.ListAll())
	if err != nil {
		h.respondDocumentError(c, err, "save_draft_failed")
		return
	}

	c.JSON(http.StatusOK, doc)
}

func (h *httpHandler) handleLoadDraft(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID := c.Param("id")

	items, err := h.documents.LoadDraft(c.Request.Context(), documentID, userID)
	if err != nil {
		h.respondDocumentError(c, err, "load_draft_failed")
		return
	}

	if _, err := h.sessions.Open(documentID, items); err != nil {
		h.logger.Error("session open failed", zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"annotations": items})
}

type finalizeRequestPayload struct {
	ViewportWidth float64 `json:"viewport_width"`
}

func (h *httpHandler) handleFinalize(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID := c.Param("id")

	var request finalizeRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	items, ok := h.finalizeItems(c, documentID, userID)
	if !ok {
		return
	}

	doc, err := h.documents.Finalize(c.Request.Context(), documentID, userID, items, request.ViewportWidth)
	if err != nil {
		h.respondDocumentError(c, err, "finalize_failed")
		return
	}

	h.sessions.Close(documentID)
	c.JSON(http.StatusOK, doc)
}

type sendRequestPayload struct {
	Recipient string `json:"recipient"`
}

func (h *httpHandler) handleSend(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID := c.Param("id")

	if h.deliveries == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "delivery_unavailable"})
		return
	}

	var request sendRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || !strings.Contains(request.Recipient, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	doc, ok := h.fetchOwned(c)
	if !ok {
		return
	}
	if doc.Status != documents.StatusSigned {
		c.JSON(http.StatusConflict, gin.H{"error": "not_signed"})
		return
	}

	payload := queue.DeliverPayload{
		DocumentID: documentID,
		OwnerID:    userID,
		Recipient:  request.Recipient,
	}
	if err := h.deliveries.EnqueueDeliver(c.Request.Context(), payload); err != nil {
		h.logger.Error("delivery enqueue failed", zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "delivery_enqueue_failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
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
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

// fetchOwned loads the path document and enforces ownership, writing the
// error response itself when the lookup fails.
func (h *httpHandler) fetchOwned(c *gin.Context) (*documents.Document, bool) {
	userID := c.GetString(userIDContextKey)
	documentID := c.Param("id")

	doc, err := h.documents.Get(c.Request.Context(), documentID, userID)
	if err != nil {
		h.respondDocumentError(c, err, "lookup_failed")
		return nil, false
	}
	return doc, true
}

// openSession returns the live annotation store for the path document,
// seeding a fresh session from the persisted draft on first touch.
func (h *httpHandler) openSession(c *gin.Context) (*annotations.Store, bool) {
	userID := c.GetString(userIDContextKey)
	documentID := c.Param("id")

	if _, err := h.documents.Get(c.Request.Context(), documentID, userID); err != nil {
		h.respondDocumentError(c, err, "lookup_failed")
		return nil, false
	}

	if store, ok := h.sessions.Lookup(documentID); ok {
		return store, true
	}

	items, err := h.documents.LoadDraft(c.Request.Context(), documentID, userID)
	if err != nil {
		h.respondDocumentError(c, err, "load_draft_failed")
		return nil, false
	}
	store, err := h.sessions.Open(documentID, items)
	if err != nil {
		h.logger.Error("session open failed", zap.String("document_id", documentID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session_failed"})
		return nil, false
	}
	return store, true
}

// finalizeItems resolves which annotations to bake: the live session when one
// is open, otherwise the persisted draft.
func (h *httpHandler) finalizeItems(c *gin.Context, documentID, userID string) ([]annotations.Annotation, bool) {
	if store, ok := h.sessions.Lookup(documentID); ok {
		return store.ListAll(), true
	}
	items, err := h.documents.LoadDraft(c.Request.Context(), documentID, userID)
	if err != nil {
		h.respondDocumentError(c, err, "load_draft_failed")
		return nil, false
	}
	return items, true
}

func (h *httpHandler) respondDocumentError(c *gin.Context, err error, fallback string) {
	switch {
	case errors.Is(err, documents.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, documents.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
	case errors.Is(err, documents.ErrIllegalTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "illegal_transition"})
	case errors.Is(err, geometry.ErrViewportUnavailable):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "viewport_unavailable"})
	case errors.Is(err, compositor.ErrInvalidPDF):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_pdf"})
	case errors.Is(err, compositor.ErrUnsupportedImage):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "unsupported_image_format"})
	case isAnnotationError(err):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_annotation"})
	case isStorageFailure(err):
		h.logger.Error("storage failure", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": fallback})
	default:
		h.logger.Error("document operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": fallback})
	}
}

func isAnnotationError(err error) bool {
	return errors.Is(err, annotations.ErrInvalidImageRef) ||
		errors.Is(err, annotations.ErrInvalidPage) ||
		errors.Is(err, annotations.ErrInvalidSize)
}

func isStorageFailure(err error) bool {
	var serviceErr *documents.ServiceError
	if !errors.As(err, &serviceErr) {
		return false
	}
	code := serviceErr.Code()
	return strings.HasSuffix(code, "storage_get_failed") || strings.HasSuffix(code, "storage_put_failed")
}

func signatureContentType(fileName string) (string, bool) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".png":
		return "image/png", true
	case ".jpg", ".jpeg":
		return "image/jpeg", true
	default:
		return "", false
	}
}

func readUploadedFile(fileHeader *multipart.FileHeader) ([]byte, error) {
	file, err := fileHeader.Open()
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}
