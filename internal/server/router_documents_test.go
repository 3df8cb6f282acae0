package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/signfastlab/backend/internal/annotations"
	"github.com/signfastlab/backend/internal/audit"
	"github.com/signfastlab/backend/internal/auth"
	"github.com/signfastlab/backend/internal/documents"
	"github.com/signfastlab/backend/internal/queue"
	"github.com/signfastlab/backend/internal/storage"
	"github.com/signfastlab/backend/internal/users"
)

type stampCompositor struct{}

func (stampCompositor) Composite(_ context.Context, original []byte, _ []annotations.Annotation, viewportWidth float64) ([]byte, error) {
	if viewportWidth <= 0 {
		return nil, fmt.Errorf("viewport width not measured")
	}
	return append(append([]byte(nil), original...), []byte("+signed")...), nil
}

type fakeDeliveries struct {
	payloads []queue.DeliverPayload
}

func (f *fakeDeliveries) EnqueueDeliver(_ context.Context, payload queue.DeliverPayload) error {
	f.payloads = append(f.payloads, payload)
	return nil
}

type routerFixture struct {
	handler    http.Handler
	storage    *storage.Memory
	deliveries *fakeDeliveries
	users      *users.Service
	issuer     *auth.TokenIssuer
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&documents.Document{}, &audit.Entry{}, &users.Account{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	memory := storage.NewMemory()

	recorder, err := audit.NewRecorder(audit.RecorderConfig{
		Database:   db,
		IDProvider: uuidProvider{},
	})
	if err != nil {
		t.Fatalf("failed to build recorder: %v", err)
	}

	documentService, err := documents.NewService(documents.ServiceConfig{
		Database:   db,
		Storage:    memory,
		Compositor: stampCompositor{},
		Audit:      recorder,
		IDProvider: uuidProvider{},
	})
	if err != nil {
		t.Fatalf("failed to build document service: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		IDProvider: uuidProvider{},
	})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}

	sessions, err := annotations.NewSessionRegistry(annotations.NewUUIDProvider())
	if err != nil {
		t.Fatalf("failed to build session registry: %v", err)
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("router-test-secret"),
		Issuer:        "signfast-auth",
		Audience:      "signfast-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	deliveries := &fakeDeliveries{}
	handler, err := NewHTTPHandler(Dependencies{
		TokenManager: issuer,
		Users:        userService,
		Documents:    documentService,
		Sessions:     sessions,
		Audit:        recorder,
		Storage:      memory,
		Deliveries:   deliveries,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}

	return &routerFixture{
		handler:    handler,
		storage:    memory,
		deliveries: deliveries,
		users:      userService,
		issuer:     issuer,
	}
}

type uuidProvider struct{}

func (uuidProvider) NewID() (string, error) {
	return annotations.NewUUIDProvider().NewID()
}

func (f *routerFixture) token(t *testing.T, email string) string {
	t.Helper()
	account, err := f.users.Register(context.Background(), email, "correct horse", "Test User")
	if err != nil {
		t.Fatalf("failed to register account: %v", err)
	}
	token, _, err := f.issuer.IssueSessionToken(context.Background(), account.UserID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f *routerFixture) do(t *testing.T, method, path, token string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	request := httptest.NewRequest(method, path, body)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		request.Header.Set("Content-Type", contentType)
	}
	recorder := httptest.NewRecorder()
	f.handler.ServeHTTP(recorder, request)
	return recorder
}

func (f *routerFixture) doJSON(t *testing.T, method, path, token string, payload interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body := &bytes.Buffer{}
	if payload != nil {
		if err := json.NewEncoder(body).Encode(payload); err != nil {
			t.Fatalf("failed to encode payload: %v", err)
		}
	}
	return f.do(t, method, path, token, body, "application/json")
}

func (f *routerFixture) uploadDocument(t *testing.T, token, fileName string, content []byte) documents.Document {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}

	recorder := f.do(t, http.MethodPost, "/documents", token, body, writer.FormDataContentType())
	if recorder.Code != http.StatusCreated {
		t.Fatalf("expected upload to return 201, got %d: %s", recorder.Code, recorder.Body.String())
	}

	var doc documents.Document
	if err := json.Unmarshal(recorder.Body.Bytes(), &doc); err != nil {
		t.Fatalf("failed to decode upload response: %v", err)
	}
	return doc
}

func TestProtectedRoutesRequireBearerToken(t *testing.T) {
	fixture := newRouterFixture(t)

	recorder := fixture.do(t, http.MethodGet, "/documents", "", nil, "")
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", recorder.Code)
	}
}

func TestUploadRejectsNonPDFContent(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "uploader@example.com")

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, _ := writer.CreateFormFile("file", "not-a-pdf.pdf")
	part.Write([]byte("plain text"))
	writer.Close()

	recorder := fixture.do(t, http.MethodPost, "/documents", token, body, writer.FormDataContentType())
	if recorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for non-PDF bytes, got %d", recorder.Code)
	}
}

func TestUploadListGetAndHistory(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "owner@example.com")

	doc := fixture.uploadDocument(t, token, "contract.pdf", []byte("%PDF-1.4 original"))
	if doc.Status != documents.StatusUploaded {
		t.Fatalf("expected status Uploaded, got %q", doc.Status)
	}
	if doc.OriginalName != "contract.pdf" {
		t.Fatalf("unexpected original name %q", doc.OriginalName)
	}

	listRecorder := fixture.do(t, http.MethodGet, "/documents", token, nil, "")
	if listRecorder.Code != http.StatusOK {
		t.Fatalf("expected list to return 200, got %d", listRecorder.Code)
	}
	var listResponse struct {
		Documents []documents.Document `json:"documents"`
	}
	if err := json.Unmarshal(listRecorder.Body.Bytes(), &listResponse); err != nil {
		t.Fatalf("failed to decode list response: %v", err)
	}
	if len(listResponse.Documents) != 1 || listResponse.Documents[0].ID != doc.ID {
		t.Fatalf("expected the uploaded document in the list, got %+v", listResponse.Documents)
	}

	getRecorder := fixture.do(t, http.MethodGet, "/documents/"+doc.ID, token, nil, "")
	if getRecorder.Code != http.StatusOK {
		t.Fatalf("expected get to return 200, got %d", getRecorder.Code)
	}

	historyRecorder := fixture.do(t, http.MethodGet, "/documents/"+doc.ID+"/history", token, nil, "")
	if historyRecorder.Code != http.StatusOK {
		t.Fatalf("expected history to return 200, got %d", historyRecorder.Code)
	}
	var historyResponse struct {
		Entries []audit.Entry `json:"entries"`
	}
	if err := json.Unmarshal(historyRecorder.Body.Bytes(), &historyResponse); err != nil {
		t.Fatalf("failed to decode history response: %v", err)
	}
	if len(historyResponse.Entries) != 1 || historyResponse.Entries[0].Action != "Document Uploaded" {
		t.Fatalf("expected upload audit entry, got %+v", historyResponse.Entries)
	}
}

func TestOwnershipIsEnforcedAcrossAccounts(t *testing.T) {
	fixture := newRouterFixture(t)
	ownerToken := fixture.token(t, "owner@example.com")
	intruderToken := fixture.token(t, "intruder@example.com")

	doc := fixture.uploadDocument(t, ownerToken, "private.pdf", []byte("%PDF-1.4 secret"))

	recorder := fixture.do(t, http.MethodGet, "/documents/"+doc.ID, intruderToken, nil, "")
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for foreign document, got %d", recorder.Code)
	}
}

func TestAnnotationSessionAndDraftFlow(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "drafter@example.com")
	doc := fixture.uploadDocument(t, token, "lease.pdf", []byte("%PDF-1.4 lease"))

	addRecorder := fixture.doJSON(t, http.MethodPost, "/documents/"+doc.ID+"/annotations", token,
		annotationAddPayload{ImageRef: "signatures/u/sig.png", Page: 1})
	if addRecorder.Code != http.StatusCreated {
		t.Fatalf("expected annotation add to return 201, got %d: %s", addRecorder.Code, addRecorder.Body.String())
	}
	var placed annotations.Annotation
	if err := json.Unmarshal(addRecorder.Body.Bytes(), &placed); err != nil {
		t.Fatalf("failed to decode annotation: %v", err)
	}
	if placed.X != 50 || placed.Y != 50 || placed.Width != 200 || placed.Height != 100 {
		t.Fatalf("expected default placement, got %+v", placed)
	}

	newX := 120.5
	patchRecorder := fixture.doJSON(t, http.MethodPatch,
		"/documents/"+doc.ID+"/annotations/"+placed.ID, token, annotations.Patch{X: &newX})
	if patchRecorder.Code != http.StatusNoContent {
		t.Fatalf("expected patch to return 204, got %d", patchRecorder.Code)
	}

	saveRecorder := fixture.doJSON(t, http.MethodPost, "/documents/"+doc.ID+"/draft", token, nil)
	if saveRecorder.Code != http.StatusOK {
		t.Fatalf("expected draft save to return 200, got %d: %s", saveRecorder.Code, saveRecorder.Body.String())
	}
	var saved documents.Document
	if err := json.Unmarshal(saveRecorder.Body.Bytes(), &saved); err != nil {
		t.Fatalf("failed to decode draft response: %v", err)
	}
	if saved.Status != documents.StatusDraft {
		t.Fatalf("expected status Draft, got %q", saved.Status)
	}

	loadRecorder := fixture.do(t, http.MethodGet, "/documents/"+doc.ID+"/draft", token, nil, "")
	if loadRecorder.Code != http.StatusOK {
		t.Fatalf("expected draft load to return 200, got %d", loadRecorder.Code)
	}
	var loadResponse struct {
		Annotations []annotations.Annotation `json:"annotations"`
	}
	if err := json.Unmarshal(loadRecorder.Body.Bytes(), &loadResponse); err != nil {
		t.Fatalf("failed to decode draft annotations: %v", err)
	}
	if len(loadResponse.Annotations) != 1 || loadResponse.Annotations[0].X != newX {
		t.Fatalf("expected patched draft annotation, got %+v", loadResponse.Annotations)
	}

	invalidRecorder := fixture.doJSON(t, http.MethodPost, "/documents/"+doc.ID+"/annotations", token,
		annotationAddPayload{ImageRef: "", Page: 1})
	if invalidRecorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for empty image ref, got %d", invalidRecorder.Code)
	}
}

func TestAnnotationPatchCannotBreakSizeInvariant(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "patcher@example.com")
	doc := fixture.uploadDocument(t, token, "deed.pdf", []byte("%PDF-1.4 deed"))

	addRecorder := fixture.doJSON(t, http.MethodPost, "/documents/"+doc.ID+"/annotations", token,
		annotationAddPayload{ImageRef: "signatures/u/sig.png", Page: 1})
	if addRecorder.Code != http.StatusCreated {
		t.Fatalf("expected annotation add to return 201, got %d", addRecorder.Code)
	}
	var placed annotations.Annotation
	if err := json.Unmarshal(addRecorder.Body.Bytes(), &placed); err != nil {
		t.Fatalf("failed to decode annotation: %v", err)
	}

	zero := 0.0
	patchRecorder := fixture.doJSON(t, http.MethodPatch,
		"/documents/"+doc.ID+"/annotations/"+placed.ID, token,
		annotations.Patch{Width: &zero, Height: &zero})
	if patchRecorder.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected degenerate patch to return 422, got %d", patchRecorder.Code)
	}

	listRecorder := fixture.do(t, http.MethodGet, "/documents/"+doc.ID+"/annotations", token, nil, "")
	if listRecorder.Code != http.StatusOK {
		t.Fatalf("expected list to return 200, got %d", listRecorder.Code)
	}
	var listResponse struct {
		Annotations []annotations.Annotation `json:"annotations"`
	}
	if err := json.Unmarshal(listRecorder.Body.Bytes(), &listResponse); err != nil {
		t.Fatalf("failed to decode annotations: %v", err)
	}
	if len(listResponse.Annotations) != 1 {
		t.Fatalf("expected one annotation, got %d", len(listResponse.Annotations))
	}
	if listResponse.Annotations[0].Width != 200 || listResponse.Annotations[0].Height != 100 {
		t.Fatalf("rejected patch must leave the session record untouched, got %+v", listResponse.Annotations[0])
	}
}

func TestFinalizeOverwritesBytesAndBlocksRepeats(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "signer@example.com")
	doc := fixture.uploadDocument(t, token, "nda.pdf", []byte("%PDF-1.4 nda"))

	addRecorder := fixture.doJSON(t, http.MethodPost, "/documents/"+doc.ID+"/annotations", token,
		annotationAddPayload{ImageRef: "signatures/u/sig.png", Page: 1})
	if addRecorder.Code != http.StatusCreated {
		t.Fatalf("expected annotation add to return 201, got %d", addRecorder.Code)
	}

	finalizeRecorder := fixture.doJSON(t, http.MethodPost, "/documents/"+doc.ID+"/finalize", token,
		finalizeRequestPayload{ViewportWidth: 800})
	if finalizeRecorder.Code != http.StatusOK {
		t.Fatalf("expected finalize to return 200, got %d: %s", finalizeRecorder.Code, finalizeRecorder.Body.String())
	}
	var signed documents.Document
	if err := json.Unmarshal(finalizeRecorder.Body.Bytes(), &signed); err != nil {
		t.Fatalf("failed to decode finalize response: %v", err)
	}
	if signed.Status != documents.StatusSigned {
		t.Fatalf("expected status Signed, got %q", signed.Status)
	}

	if !strings.HasSuffix(signed.FileLocation, "rev=2") {
		t.Fatalf("expected the signed bytes to overwrite the original, got %q", signed.FileLocation)
	}

	downloadRecorder := fixture.do(t, http.MethodGet, "/documents/"+doc.ID+"/download", token, nil, "")
	if downloadRecorder.Code != http.StatusOK {
		t.Fatalf("expected download to return 200, got %d", downloadRecorder.Code)
	}
	var downloadResponse struct {
		URL      string `json:"url"`
		FileName string `json:"file_name"`
	}
	if err := json.Unmarshal(downloadRecorder.Body.Bytes(), &downloadResponse); err != nil {
		t.Fatalf("failed to decode download response: %v", err)
	}
	if !strings.HasPrefix(downloadResponse.URL, "memory://uploads/") {
		t.Fatalf("unexpected download url %q", downloadResponse.URL)
	}
	if downloadResponse.FileName != "signed_nda.pdf" {
		t.Fatalf("unexpected suggested file name %q", downloadResponse.FileName)
	}

	repeatRecorder := fixture.doJSON(t, http.MethodPost, "/documents/"+doc.ID+"/finalize", token,
		finalizeRequestPayload{ViewportWidth: 800})
	if repeatRecorder.Code != http.StatusConflict {
		t.Fatalf("expected repeated finalize to return 409, got %d", repeatRecorder.Code)
	}
}

func TestSendQueuesDeliveryOnlyForSignedDocuments(t *testing.T) {
	fixture := newRouterFixture(t)
	token := fixture.token(t, "sender@example.com")
	doc := fixture.uploadDocument(t, token, "offer.pdf", []byte("%PDF-1.4 offer"))

	earlyRecorder := fixture.doJSON(t, http.MethodPost, "/documents/"+doc.ID+"/send", token,
		sendRequestPayload{Recipient: "counterparty@example.com"})
	if earlyRecorder.Code != http.StatusConflict {
		t.Fatalf("expected send before signing to return 409, got %d", earlyRecorder.Code)
	}

	finalizeRecorder := fixture.doJSON(t, http.MethodPost, "/documents/"+doc.ID+"/finalize", token,
		finalizeRequestPayload{ViewportWidth: 800})
	if finalizeRecorder.Code != http.StatusOK {
		t.Fatalf("expected finalize to return 200, got %d", finalizeRecorder.Code)
	}

	sendRecorder := fixture.doJSON(t, http.MethodPost, "/documents/"+doc.ID+"/send", token,
		sendRequestPayload{Recipient: "counterparty@example.com"})
	if sendRecorder.Code != http.StatusAccepted {
		t.Fatalf("expected send to return 202, got %d: %s", sendRecorder.Code, sendRecorder.Body.String())
	}

	if len(fixture.deliveries.payloads) != 1 {
		t.Fatalf("expected one queued delivery, got %d", len(fixture.deliveries.payloads))
	}
	payload := fixture.deliveries.payloads[0]
	if payload.DocumentID != doc.ID || payload.Recipient != "counterparty@example.com" {
		t.Fatalf("unexpected delivery payload %+v", payload)
	}
}

func TestRegisterAndLoginRoundTrip(t *testing.T) {
	fixture := newRouterFixture(t)

	registerRecorder := fixture.doJSON(t, http.MethodPost, "/auth/register", "",
		registerRequestPayload{Email: "new@example.com", Password: "correct horse", DisplayName: "New User"})
	if registerRecorder.Code != http.StatusCreated {
		t.Fatalf("expected register to return 201, got %d: %s", registerRecorder.Code, registerRecorder.Body.String())
	}

	loginRecorder := fixture.doJSON(t, http.MethodPost, "/auth/login", "",
		loginRequestPayload{Email: "new@example.com", Password: "correct horse"})
	if loginRecorder.Code != http.StatusOK {
		t.Fatalf("expected login to return 200, got %d: %s", loginRecorder.Code, loginRecorder.Body.String())
	}
	var loginResponse authResponsePayload
	if err := json.Unmarshal(loginRecorder.Body.Bytes(), &loginResponse); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	if loginResponse.AccessToken == "" || loginResponse.TokenType != "Bearer" {
		t.Fatalf("unexpected login response %+v", loginResponse)
	}

	wrongRecorder := fixture.doJSON(t, http.MethodPost, "/auth/login", "",
		loginRequestPayload{Email: "new@example.com", Password: "wrong password"})
	if wrongRecorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected wrong password to return 401, got %d", wrongRecorder.Code)
	}
}

func TestCORSPreflightAllowsAuthorizationHeader(t *testing.T) {
	fixture := newRouterFixture(t)

	request := httptest.NewRequest(http.MethodOptions, "/documents", http.NoBody)
	request.Header.Set("Origin", "https://app.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	fixture.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected preflight to return 204, got %d", recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Authorization in allowed headers, got %q", allowHeaders)
	}
}
