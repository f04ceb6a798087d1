package worker

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/thebtf/storyprompt/internal/anchor"
	"github.com/thebtf/storyprompt/internal/config"
	gormdb "github.com/thebtf/storyprompt/internal/db/gorm"
	"github.com/thebtf/storyprompt/internal/lifecycle"
	"github.com/thebtf/storyprompt/internal/milestone"
	"github.com/thebtf/storyprompt/internal/templates"
	"github.com/thebtf/storyprompt/internal/tier1"
	"github.com/thebtf/storyprompt/internal/worker/sse"
	"github.com/thebtf/storyprompt/pkg/models"
)

const testUser = "user-1"

// testService creates a ready Service over a temp SQLite database.
func testService(t *testing.T) (*Service, func()) {
	t.Helper()

	store, err := gormdb.NewStore(gormdb.Config{
		Path:     filepath.Join(t.TempDir(), "worker.db"),
		MaxConns: 4,
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)

	stories := gormdb.NewStoryStore(store)
	prompts := gormdb.NewPromptStore(store)
	broadcaster := sse.NewBroadcaster()
	manager := lifecycle.NewManager(prompts, gormdb.NewEntitlementStore(store), lifecycle.Config{Notifier: broadcaster})
	lib := templates.Default()
	pipeline := lifecycle.NewPipeline(
		stories,
		manager,
		tier1.NewGenerator(lib, stories, prompts, 0),
		milestone.NewDetector(stories, config.DefaultMilestones),
		nil,
		lib,
	)

	svc := NewService("test-version", config.Default(), Components{
		Store:       store,
		Stories:     stories,
		Profiles:    gormdb.NewProfileStore(store),
		Runs:        gormdb.NewMilestoneStore(store),
		Manager:     manager,
		Pipeline:    pipeline,
		Broadcaster: broadcaster,
	})

	// Mark service as ready for tests
	svc.ready.Store(true)

	cleanup := func() {
		svc.cancel()
		store.Close()
	}
	return svc, cleanup
}

// insertPrompt stores an active analysis prompt for testUser.
func insertPrompt(t *testing.T, svc *Service, id string, locked bool) {
	t.Helper()
	p := &models.Prompt{
		ID:         id,
		UserID:     testUser,
		State:      models.StateActive,
		Tier:       models.TierAnalysis,
		Text:       "What did Walter carry out of Detroit?",
		MemoryType: models.MemoryAbsence,
		AnchorHash: anchor.Hash(id, models.MemoryAbsence, 0),
		Score:      0.8,
		IsLocked:   locked,
		CreatedAt:  time.Now(),
		Origin:     models.AnalysisOrigin{Category: models.CategoryAbsence, Milestone: 3},
	}
	if !locked {
		exp := time.Now().Add(time.Hour)
		p.ExpiresAt = &exp
	}
	ok, err := gormdb.NewPromptStore(svc.store).InsertPrompt(context.Background(), p)
	require.NoError(t, err)
	require.True(t, ok)
}

func do(t *testing.T, svc *Service, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func promptsPath(rest string) string {
	return "/api/users/" + testUser + "/prompts" + rest
}

func TestHandleHealth_ReturnsVersion(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	svc.version = "test-version-1.2.3"

	rec := do(t, svc, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	response := decode(t, rec)
	assert.Equal(t, "ready", response["status"])
	assert.Equal(t, "test-version-1.2.3", response["version"])
	assert.Equal(t, gormdb.DriverSQLite, response["db_driver"])
}

func TestHandleReady(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	svc.ready.Store(false)
	rec := do(t, svc, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	svc.ready.Store(true)
	rec = do(t, svc, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", decode(t, rec)["status"])
}

func TestRequireReadyMiddleware_Blocks(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	svc.ready.Store(false)

	rec := do(t, svc, http.MethodGet, promptsPath(""), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRequireReadyMiddleware_Allows(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	handler := svc.requireReady(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
}

func TestSaveStory(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	rec := do(t, svc, http.MethodPost, "/api/stories", map[string]any{
		"userId":     testUser,
		"transcript": "In 1965 Grandma Rose taught me to bake bread in Toledo.",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	response := decode(t, rec)
	story, ok := response["story"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, story["id"])
	assert.EqualValues(t, 1, response["story_count"])
	assert.EqualValues(t, 1, response["milestone"])
	assert.Equal(t, false, response["analysis_queued"])
}

func TestSaveStory_Invalid(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"userId":`},
		{"missing transcript", `{"userId":"user-1","transcript":"   "}`},
		{"missing user", `{"transcript":"A story"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/stories", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			svc.router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, false, decode(t, rec)["retryable"])
		})
	}
}

func TestListPrompts(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	insertPrompt(t, svc, "p-1", false)
	insertPrompt(t, svc, "p-2", true)

	rec := do(t, svc, http.MethodGet, promptsPath(""), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	response := decode(t, rec)
	assert.Equal(t, "active", response["state"])
	prompts, ok := response["prompts"].([]any)
	require.True(t, ok)
	require.Len(t, prompts, 2)
	// Unlocked prompts sort first.
	assert.Equal(t, "p-1", prompts[0].(map[string]any)["id"])

	rec = do(t, svc, http.MethodGet, promptsPath("?state=queued"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["prompts"])
}

func TestListPrompts_RejectsHiddenStates(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	for _, state := range []string{"expired", "used", "bogus"} {
		rec := do(t, svc, http.MethodGet, promptsPath("?state="+state), nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, state)
	}
}

func TestPromptTransitions_StatusMapping(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	insertPrompt(t, svc, "open", false)
	insertPrompt(t, svc, "locked", true)

	tests := []struct {
		name   string
		method string
		path   string
		want   int
	}{
		{"queue unknown", http.MethodPost, promptsPath("/missing/queue"), http.StatusNotFound},
		{"queue locked", http.MethodPost, promptsPath("/locked/queue"), http.StatusLocked},
		{"delete active", http.MethodDelete, promptsPath("/open"), http.StatusConflict},
		{"queue open", http.MethodPost, promptsPath("/open/queue"), http.StatusOK},
		{"queue twice", http.MethodPost, promptsPath("/open/queue"), http.StatusConflict},
		{"dismiss locked", http.MethodPost, promptsPath("/locked/dismiss"), http.StatusOK},
		{"delete archived", http.MethodDelete, promptsPath("/locked"), http.StatusNoContent},
		{"delete again", http.MethodDelete, promptsPath("/locked"), http.StatusNotFound},
	}
	// Steps share state and run in order.
	for _, tt := range tests {
		rec := do(t, svc, tt.method, tt.path, nil)
		assert.Equal(t, tt.want, rec.Code, "%s: %s", tt.name, rec.Body.String())
	}
}

func TestReorderQueue(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	for _, id := range []string{"a", "b", "c"} {
		insertPrompt(t, svc, id, false)
		require.Equal(t, http.StatusOK, do(t, svc, http.MethodPost, promptsPath("/"+id+"/queue"), nil).Code)
	}

	rec := do(t, svc, http.MethodPut, promptsPath("/queue"), map[string]any{"ids": []string{"a", "b"}})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, svc, http.MethodPut, promptsPath("/queue"), map[string]any{"ids": []string{"c", "a", "b"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	prompts := decode(t, rec)["prompts"].([]any)
	require.Len(t, prompts, 3)
	var order []string
	for _, p := range prompts {
		order = append(order, p.(map[string]any)["id"].(string))
	}
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

func TestMarkShown(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	insertPrompt(t, svc, "p-1", false)

	rec := do(t, svc, http.MethodPost, promptsPath("/shown"), map[string]any{"ids": []string{"p-1", "missing"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, decode(t, rec)["updated"])

	p, err := svc.manager.Get(context.Background(), testUser, "p-1")
	require.NoError(t, err)
	assert.Equal(t, 1, p.ShownCount)
}

func TestUsePrompt(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	insertPrompt(t, svc, "p-1", false)
	insertPrompt(t, svc, "locked", true)
	story := &models.Story{UserID: testUser, Transcript: "Walter left Detroit with one suitcase."}
	require.NoError(t, svc.storyStore.CreateStory(context.Background(), story))

	rec := do(t, svc, http.MethodPost, promptsPath("/p-1/use"), map[string]any{"storyId": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, svc, http.MethodPost, promptsPath("/p-1/use"), map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, svc, http.MethodPost, promptsPath("/locked/use"), map[string]any{"storyId": story.ID})
	assert.Equal(t, http.StatusLocked, rec.Code)

	rec = do(t, svc, http.MethodPost, promptsPath("/p-1/use"), map[string]any{"storyId": story.ID})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	history := decode(t, rec)
	assert.Equal(t, "used", history["event"])
	assert.Equal(t, story.ID, history["story_id"])

	rec = do(t, svc, http.MethodGet, promptsPath("/history"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["history"], 1)
}

func TestSetEntitlement_UnlocksPrompts(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	insertPrompt(t, svc, "locked", true)

	rec := do(t, svc, http.MethodPut, "/api/users/"+testUser+"/entitlement", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, svc, http.MethodPut, "/api/users/"+testUser+"/entitlement", map[string]any{"paid": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	response := decode(t, rec)
	assert.Equal(t, true, response["paid"])
	assert.EqualValues(t, 1, response["unlocked"])

	p, err := svc.manager.Get(context.Background(), testUser, "locked")
	require.NoError(t, err)
	assert.False(t, p.IsLocked)
	assert.NotNil(t, p.ExpiresAt)
}

func TestGetProfile_NotFound(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	rec := do(t, svc, http.MethodGet, "/api/users/"+testUser+"/profile", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMilestones(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	require.NoError(t, svc.storyStore.CreateStory(context.Background(), &models.Story{UserID: testUser, Transcript: "One."}))
	require.NoError(t, svc.storyStore.CreateStory(context.Background(), &models.Story{UserID: testUser, Transcript: "Two."}))

	rec := do(t, svc, http.MethodGet, "/api/users/"+testUser+"/milestones", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	response := decode(t, rec)
	progress := response["progress"].(map[string]any)
	assert.EqualValues(t, 2, progress["story_count"])
	assert.EqualValues(t, 3, progress["next_milestone"])
	assert.EqualValues(t, 1, progress["stories_to_go"])
	assert.Empty(t, response["runs"])
}

func TestSeedStarters(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	rec := do(t, svc, http.MethodPost, promptsPath("/starters"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	first := decode(t, rec)["prompts"].([]any)
	assert.NotEmpty(t, first)

	rec = do(t, svc, http.MethodPost, promptsPath("/starters"), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["prompts"])
}

func TestUnexpectedErrorUsesGenericBody(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	require.NoError(t, svc.store.Close())

	rec := do(t, svc, http.MethodGet, "/api/users/"+testUser+"/profile", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	response := decode(t, rec)
	assert.Equal(t, "something went wrong, please retry", response["error"])
	assert.Equal(t, true, response["retryable"])
}
