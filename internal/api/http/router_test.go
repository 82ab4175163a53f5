package http

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sol-portal/change-request-service/internal/api/http/handlers"
	"github.com/sol-portal/change-request-service/internal/auth"
	"github.com/sol-portal/change-request-service/internal/domain"
	"github.com/sol-portal/change-request-service/internal/observability"
	"github.com/sol-portal/change-request-service/internal/repository/memory"
	"github.com/sol-portal/change-request-service/internal/service"
)

const testSecret = "test-secret"

type apiHarness struct {
	app    *fiber.App
	tokens *auth.TokenManager
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store := memory.NewStore()
	for _, u := range []domain.User{
		{ID: "u-requester", Name: "Requester", Role: domain.RoleUser, Active: true},
		{ID: "u-admin", Name: "Admin", Role: domain.RoleAdministrator, Active: true},
		{ID: "u-dev", Name: "Dev", Role: domain.RoleDeveloper, Active: true},
		{ID: "u-gone", Name: "Gone", Role: domain.RoleUser, Active: false},
	} {
		store.PutUser(u)
	}
	metrics := observability.NewMetrics()
	deps := service.WorkflowDependencies{
		ChangeRequestRepo: store.ChangeRequests(),
		CommentRepo:       store.Comments(),
		HistoryRepo:       store.History(),
		UserRepo:          store.Users(),
		Idempotency:       store.Idempotency(time.Hour),
		Metrics:           metrics,
	}
	requests := service.NewChangeRequestService(deps)
	assignments := service.NewAssignmentService(deps)

	tokens := auth.NewTokenManager(testSecret, 60)
	app := fiber.New()
	RegisterMiddlewares(app, zap.NewNop(), metrics, 5*time.Second)
	RegisterRoutes(app, RouteConfig{
		Health: handlers.NewHealthHandler("change-request-service", "test", nil, nil),
		ChangeRequests: handlers.NewChangeRequestsHandler(requests, service.NewTechnicalService(deps),
			assignments, service.NewCommentService(deps)),
		Catalog:        handlers.NewCatalogHandler(assignments),
		Metrics:        metrics,
		AuthMiddleware: auth.NewAuthMiddleware(tokens, store.Users()),
	})
	return &apiHarness{app: app, tokens: tokens}
}

func (h *apiHarness) token(t *testing.T, userID string, role domain.Role) string {
	t.Helper()
	token, _, err := h.tokens.GenerateToken(userID, role)
	require.NoError(t, err)
	return token
}

func (h *apiHarness) do(t *testing.T, method, path, token string, body any, headers map[string]string) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := h.app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	out := map[string]any{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		require.NoError(t, json.Unmarshal(raw, &out), string(raw))
	}
	return resp.StatusCode, out
}

func errorCode(body map[string]any) string {
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func data(body map[string]any) map[string]any {
	d, _ := body["data"].(map[string]any)
	return d
}

func TestAuthentication(t *testing.T) {
	h := newAPIHarness(t)

	status, body := h.do(t, fiber.MethodGet, "/api/v1/change-requests", "", nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHENTICATED", errorCode(body))

	status, _ = h.do(t, fiber.MethodGet, "/api/v1/change-requests", "not-a-jwt", nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	forged, _, err := auth.NewTokenManager("other-secret", 60).GenerateToken("u-admin", domain.RoleAdministrator)
	require.NoError(t, err)
	status, _ = h.do(t, fiber.MethodGet, "/api/v1/change-requests", forged, nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = h.do(t, fiber.MethodGet, "/api/v1/change-requests", h.token(t, "u-gone", domain.RoleUser), nil, nil)
	assert.Equal(t, fiber.StatusUnauthorized, status)

	status, _ = h.do(t, fiber.MethodGet, "/api/v1/change-requests", h.token(t, "u-requester", domain.RoleUser), nil, nil)
	assert.Equal(t, fiber.StatusOK, status)
}

func TestStoredRoleOverridesTokenRole(t *testing.T) {
	h := newAPIHarness(t)
	// a stale token claiming admin for a plain user is downgraded
	status, body := h.do(t, fiber.MethodGet, "/api/v1/developers/workload",
		h.token(t, "u-requester", domain.RoleAdministrator), nil, nil)
	assert.Equal(t, fiber.StatusForbidden, status)
	assert.Equal(t, "UNAUTHORIZED", errorCode(body))

	status, body = h.do(t, fiber.MethodGet, "/api/v1/developers/workload",
		h.token(t, "u-admin", domain.RoleAdministrator), nil, nil)
	assert.Equal(t, fiber.StatusOK, status)
	items, _ := body["data"].([]any)
	assert.Len(t, items, 1)
}

func TestDraftAndTransitionFlow(t *testing.T) {
	h := newAPIHarness(t)
	requester := h.token(t, "u-requester", domain.RoleUser)
	admin := h.token(t, "u-admin", domain.RoleAdministrator)

	status, body := h.do(t, fiber.MethodPost, "/api/v1/change-requests", requester,
		map[string]any{"title": "Export transcripts as PDF", "priority": "HIGH"}, nil)
	require.Equal(t, fiber.StatusCreated, status, body)
	created := data(body)
	id := created["id"].(string)
	assert.Equal(t, "DRAFT", created["state"])
	assert.EqualValues(t, 1, created["version"])
	assert.True(t, strings.HasPrefix(created["code"].(string), "SOL-"))

	status, body = h.do(t, fiber.MethodGet, "/api/v1/change-requests/"+id, admin, nil, nil)
	assert.Equal(t, fiber.StatusForbidden, status, "drafts are private")

	path := fmt.Sprintf("/api/v1/change-requests/%s/transitions", id)
	key := map[string]string{handlers.IdempotencyHeader: "submit-1"}
	status, body = h.do(t, fiber.MethodPost, path, requester,
		map[string]any{"target": "PENDING", "expected_version": 1}, key)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, false, body["already_processed"])
	assert.Equal(t, "PENDING", data(body)["state"])
	assert.EqualValues(t, 2, data(body)["version"])

	status, body = h.do(t, fiber.MethodPost, path, requester,
		map[string]any{"target": "PENDING", "expected_version": 1}, key)
	require.Equal(t, fiber.StatusOK, status, body)
	assert.Equal(t, true, body["already_processed"])
	assert.EqualValues(t, 2, data(body)["version"])

	status, body = h.do(t, fiber.MethodPost, path, admin,
		map[string]any{"target": "IN_REVIEW", "expected_version": 1}, nil)
	assert.Equal(t, fiber.StatusConflict, status)
	assert.Equal(t, "CONCURRENT_MODIFICATION", errorCode(body))

	status, body = h.do(t, fiber.MethodPost, path, admin,
		map[string]any{"target": "IN_REVIEW", "expected_version": 2}, nil)
	require.Equal(t, fiber.StatusOK, status, body)

	status, body = h.do(t, fiber.MethodPost, path, admin,
		map[string]any{"target": "REJECTED", "expected_version": 3}, nil)
	assert.Equal(t, fiber.StatusUnprocessableEntity, status)
	assert.Equal(t, "MISSING_REQUIRED_FIELD", errorCode(body))

	status, body = h.do(t, fiber.MethodGet, "/api/v1/change-requests/"+id, admin, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	actions, _ := data(body)["legal_actions"].([]any)
	assert.NotEmpty(t, actions)
	assert.NotNil(t, data(body)["assessment"])

	status, body = h.do(t, fiber.MethodGet, "/api/v1/change-requests/"+id, requester, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	assert.Nil(t, data(body)["assessment"])
}

func TestCommentValidation(t *testing.T) {
	h := newAPIHarness(t)
	requester := h.token(t, "u-requester", domain.RoleUser)

	_, body := h.do(t, fiber.MethodPost, "/api/v1/change-requests", requester,
		map[string]any{"title": "Room booking reminders"}, nil)
	id := data(body)["id"].(string)

	status, body := h.do(t, fiber.MethodPost, "/api/v1/change-requests/"+id+"/comments", requester,
		map[string]any{"channel": "GOSSIP", "body": "hello"}, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))
	details := body["error"].(map[string]any)["details"].(map[string]any)
	assert.Equal(t, "channel", details["field"])

	status, body = h.do(t, fiber.MethodPost, "/api/v1/change-requests/"+id+"/comments", requester,
		map[string]any{"channel": "PUBLIC", "body": "please prioritise"}, nil)
	require.Equal(t, fiber.StatusCreated, status, body)

	status, body = h.do(t, fiber.MethodGet, "/api/v1/change-requests/"+id+"/timeline", requester, nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	entries, _ := body["data"].([]any)
	assert.Len(t, entries, 2)
}

func TestListRejectsUnknownState(t *testing.T) {
	h := newAPIHarness(t)
	status, body := h.do(t, fiber.MethodGet, "/api/v1/change-requests?state=PENDING,LIMBO",
		h.token(t, "u-requester", domain.RoleUser), nil, nil)
	assert.Equal(t, fiber.StatusBadRequest, status)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(body))
}

func TestCatalogHealthAndMetrics(t *testing.T) {
	h := newAPIHarness(t)

	status, body := h.do(t, fiber.MethodGet, "/api/v1/states", h.token(t, "u-dev", domain.RoleDeveloper), nil, nil)
	require.Equal(t, fiber.StatusOK, status)
	states, _ := body["data"].([]any)
	assert.Len(t, states, len(domain.AllStates()))

	status, body = h.do(t, fiber.MethodGet, "/health/live", "", nil, nil)
	assert.Equal(t, fiber.StatusOK, status)
	assert.Equal(t, "alive", body["status"])

	status, body = h.do(t, fiber.MethodGet, "/health/ready", "", nil, nil)
	assert.Equal(t, fiber.StatusOK, status)
	deps := body["dependencies"].(map[string]any)
	assert.Equal(t, "disabled", deps["postgres"])

	status, _ = h.do(t, fiber.MethodGet, "/metrics", "", nil, nil)
	assert.Equal(t, fiber.StatusOK, status)

	status, body = h.do(t, fiber.MethodGet, "/nowhere", "", nil, nil)
	assert.Equal(t, fiber.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}
