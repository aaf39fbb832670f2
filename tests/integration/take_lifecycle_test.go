package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/database"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/grading"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/packs"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/scheduler"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/server"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/takes"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	baseURL         = "https://takes.example.com"
	schedulerSecret = "tick-secret"
	smsPhone        = "+15550000001"
	webPhone        = "+15550000003"
	jsonContentType = "application/json"
)

type recordingGateway struct {
	mu   sync.Mutex
	sent []notify.Message
}

func (g *recordingGateway) Send(_ context.Context, to, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sent = append(g.sent, notify.Message{To: to, Body: body})
	return nil
}

func (g *recordingGateway) bodiesFor(phone string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var bodies []string
	for _, message := range g.sent {
		if message.To == phone {
			bodies = append(bodies, message.Body)
		}
	}
	return bodies
}

type lifecycleFixture struct {
	db         *gorm.DB
	gateway    *recordingGateway
	server     *httptest.Server
	adminToken string
}

func newLifecycleFixture(t *testing.T) lifecycleFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "lifecycle.db"), logger)
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	gateway := &recordingGateway{}
	dispatcher, err := notify.NewDispatcher(notify.DispatcherConfig{Gateway: gateway, Concurrency: 2, Logger: logger})
	require.NoError(t, err)
	takeService, err := takes.NewService(takes.ServiceConfig{Database: db, IDProvider: takes.NewUUIDProvider(), Logger: logger})
	require.NoError(t, err)
	engine, err := conversations.NewEngine(conversations.EngineConfig{
		Database: db,
		Takes:    takeService,
		Sender:   dispatcher,
		BaseURL:  baseURL,
		Logger:   logger,
	})
	require.NoError(t, err)
	grader, err := grading.NewEngine(grading.EngineConfig{
		Database:   db,
		Dispatcher: dispatcher,
		TokenRate:  0.05,
		BaseURL:    baseURL,
		Logger:     logger,
	})
	require.NoError(t, err)
	resolver, err := profiles.NewResolver(db)
	require.NoError(t, err)
	packScheduler, err := scheduler.New(scheduler.Config{
		Database:   db,
		Recipients: resolver,
		Dispatcher: dispatcher,
		Seeder:     engine,
		BaseURL:    baseURL,
		Logger:     logger,
	})
	require.NoError(t, err)

	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-signing-secret"),
		Issuer:        "takes-admin",
		Audience:      "takes-api",
	})
	require.NoError(t, err)
	adminValidator, err := auth.NewAdminValidator(issuer)
	require.NoError(t, err)
	secret, err := auth.NewSchedulerSecret(schedulerSecret)
	require.NoError(t, err)
	adminToken, _, err := issuer.IssueAdminToken(context.Background(), "ops@example.com")
	require.NoError(t, err)

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Takes:           takeService,
		Conversations:   engine,
		Scheduler:       packScheduler,
		Grader:          grader,
		AdminAuthorizer: adminValidator,
		SchedulerSecret: secret,
		Logger:          logger,
	})
	require.NoError(t, err)
	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)

	return lifecycleFixture{db: db, gateway: gateway, server: httpServer, adminToken: adminToken}
}

func (f lifecycleFixture) seedCatalog(t *testing.T) {
	t.Helper()
	now := time.Now().UTC()
	openTime := now.Add(-time.Minute)
	closeTime := now.Add(2 * time.Hour)
	league := "nfl"

	require.NoError(t, f.db.Create(&profiles.Profile{ID: "profile-sms", Phone: smsPhone}).Error)
	require.NoError(t, f.db.Create(&profiles.NotificationPreference{
		ProfileID: "profile-sms",
		Category:  profiles.CategoryPacks,
		League:    &league,
		OptedIn:   true,
	}).Error)
	require.NoError(t, f.db.Create(&packs.Pack{
		ID:           "pack-rivalry",
		URL:          "packs/rivalry",
		Title:        "Rivalry Night",
		League:       league,
		Status:       packs.PackStatusComingSoon,
		OpenTime:     &openTime,
		CloseTime:    &closeTime,
		DropStrategy: packs.DropStrategySMSConversation,
	}).Error)
	require.NoError(t, f.db.Create(&[]packs.Prop{
		{ID: "prop-winner", PackID: "pack-rivalry", OrderIndex: 0, Text: "Who wins?", SideALabel: "Bears", SideBLabel: "Packers", SideAValue: 10, SideBValue: 20, Status: packs.PropStatusOpen},
		{ID: "prop-total", PackID: "pack-rivalry", OrderIndex: 1, Text: "Over 44.5?", SideALabel: "Over", SideBLabel: "Under", SideAValue: 15, SideBValue: 15, Status: packs.PropStatusOpen},
	}).Error)
}

func (f lifecycleFixture) postJSON(t *testing.T, path string, payload any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	request, err := http.NewRequest(http.MethodPost, f.server.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	request.Header.Set("Content-Type", jsonContentType)
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	defer response.Body.Close()
	decoded := map[string]any{}
	_ = json.NewDecoder(response.Body).Decode(&decoded)
	return response, decoded
}

func (f lifecycleFixture) sendSMS(t *testing.T, from, messageID, body string) {
	t.Helper()
	form := url.Values{"From": {from}, "To": {"+15559999999"}, "Body": {body}, "MessageSid": {messageID}}
	response, err := http.Post(f.server.URL+"/sms/inbound", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	defer response.Body.Close()
	require.Equal(t, http.StatusOK, response.StatusCode)
}

func (f lifecycleFixture) take(t *testing.T, propID, identity string) takes.Take {
	t.Helper()
	var take takes.Take
	require.NoError(t, f.db.Where("prop_id = ? AND identity = ? AND status = ?", propID, identity, takes.StatusLatest).Take(&take).Error)
	return take
}

func TestTakeLifecycleFromDropToSettlement(t *testing.T) {
	f := newLifecycleFixture(t)
	f.seedCatalog(t)

	rejected, _ := f.postJSON(t, "/scheduler/tick", nil, map[string]string{"X-Scheduler-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rejected.StatusCode)

	tick, tickBody := f.postJSON(t, "/scheduler/tick", nil, map[string]string{"X-Scheduler-Secret": schedulerSecret})
	require.Equal(t, http.StatusOK, tick.StatusCode)
	assert.EqualValues(t, 1, tickBody["openedCount"])
	assert.Equal(t, []string{"1/2 Who wins?\nReply A) Bears or B) Packers"}, f.gateway.bodiesFor(smsPhone))

	f.sendSMS(t, smsPhone, "SM-1", "a")
	f.sendSMS(t, smsPhone, "SM-1", "a")
	f.sendSMS(t, smsPhone, "SM-2", "B please")
	smsBodies := f.gateway.bodiesFor(smsPhone)
	require.Len(t, smsBodies, 3)
	assert.Equal(t, "2/2 Over 44.5?\nReply A) Over or B) Under", smsBodies[1])
	assert.Equal(t, "You're all set! Track your takes for Rivalry Night: https://takes.example.com/packs/rivalry", smsBodies[2])

	webTake, webBody := f.postJSON(t, "/takes", map[string]string{"propId": "prop-winner", "side": "B", "identity": webPhone}, nil)
	require.Equal(t, http.StatusOK, webTake.StatusCode)
	assert.EqualValues(t, 1, webBody["sideACount"])
	assert.EqualValues(t, 1, webBody["sideBCount"])

	changed, changedBody := f.postJSON(t, "/takes", map[string]string{"propId": "prop-total", "side": "A", "identity": smsPhone}, nil)
	require.Equal(t, http.StatusOK, changed.StatusCode)
	assert.EqualValues(t, 1, changedBody["sideACount"])
	assert.EqualValues(t, 0, changedBody["sideBCount"])

	grades := []map[string]string{{"id": "prop-winner", "status": "gradedA"}, {"id": "prop-total", "status": "push"}}
	unauthorized, _ := f.postJSON(t, "/admin/grade", grades, nil)
	assert.Equal(t, http.StatusUnauthorized, unauthorized.StatusCode)

	graded, gradeBody := f.postJSON(t, "/admin/grade", grades, map[string]string{"Authorization": "Bearer " + f.adminToken})
	require.Equal(t, http.StatusOK, graded.StatusCode)
	assert.EqualValues(t, 2, gradeBody["notifiedCount"])

	winner := f.take(t, "prop-winner", smsPhone)
	assert.Equal(t, takes.ResultWon, winner.Result)
	assert.Equal(t, takes.SourceSMS, winner.Source)
	assert.InDelta(t, 10, winner.Points, 1e-9)
	assert.InDelta(t, 0.5, winner.Tokens, 1e-9)
	assert.Equal(t, takes.ResultLost, f.take(t, "prop-winner", webPhone).Result)
	assert.Equal(t, takes.ResultPush, f.take(t, "prop-total", smsPhone).Result)

	var overwritten takes.Take
	require.NoError(t, f.db.Where("prop_id = ? AND status = ?", "prop-total", takes.StatusOverwritten).Take(&overwritten).Error)
	assert.Equal(t, takes.ResultPending, overwritten.Result)

	pack, err := packs.FindPack(context.Background(), f.db, "pack-rivalry")
	require.NoError(t, err)
	assert.Equal(t, packs.PackStatusGraded, pack.Status)
	expectedResult := "Results are in for Rivalry Night! See how your takes did: https://takes.example.com/packs/rivalry"
	assert.Equal(t, []string{expectedResult}, f.gateway.bodiesFor(webPhone))
	assert.Equal(t, expectedResult, f.gateway.bodiesFor(smsPhone)[3])

	restored, err := http.Get(f.server.URL + "/packs/pack-rivalry/takes?identity=" + url.QueryEscape(smsPhone))
	require.NoError(t, err)
	defer restored.Body.Close()
	var restoredBody struct {
		Takes []struct {
			PropID string `json:"propId"`
			Side   string `json:"side"`
			Result string `json:"result"`
		} `json:"takes"`
	}
	require.NoError(t, json.NewDecoder(restored.Body).Decode(&restoredBody))
	require.Len(t, restoredBody.Takes, 2)
	assert.Equal(t, "prop-winner", restoredBody.Takes[0].PropID)
	assert.Equal(t, "won", restoredBody.Takes[0].Result)
	assert.Equal(t, "A", restoredBody.Takes[1].Side)
	assert.Equal(t, "push", restoredBody.Takes[1].Result)

	regraded, regradeBody := f.postJSON(t, "/admin/grade", grades, map[string]string{"Authorization": "Bearer " + f.adminToken})
	require.Equal(t, http.StatusOK, regraded.StatusCode)
	assert.EqualValues(t, 0, regradeBody["notifiedCount"])
}

func TestGradedPropRejectsNewTakes(t *testing.T) {
	f := newLifecycleFixture(t)
	f.seedCatalog(t)

	_, _ = f.postJSON(t, "/admin/grade", []map[string]string{{"id": "prop-winner", "status": "gradedB"}}, map[string]string{"Authorization": "Bearer " + f.adminToken})

	late, body := f.postJSON(t, "/takes", map[string]string{"propId": "prop-winner", "side": "A", "identity": webPhone}, nil)
	assert.Equal(t, http.StatusConflict, late.StatusCode)
	assert.Equal(t, "prop_not_open", body["error"])

	missing, body := f.postJSON(t, "/takes", map[string]string{"propId": "prop-unknown", "side": "A", "identity": webPhone}, nil)
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
	assert.Equal(t, "prop_not_found", body["error"])
}
