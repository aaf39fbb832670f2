package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/packs"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/profiles"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/takes"
	sqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var tickTime = time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)

type countingGateway struct {
	mu     sync.Mutex
	sent   []notify.Message
	failTo string
}

func (g *countingGateway) Send(_ context.Context, to, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if to == g.failTo {
		return errors.New("carrier rejected")
	}
	g.sent = append(g.sent, notify.Message{To: to, Body: body})
	return nil
}

func (g *countingGateway) messages() []notify.Message {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]notify.Message(nil), g.sent...)
}

type schedulerFixture struct {
	db        *gorm.DB
	scheduler *Scheduler
	gateway   *countingGateway
}

func newSchedulerFixture(t *testing.T) schedulerFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "scheduler.db")), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(packs.Models()...))
	require.NoError(t, db.AutoMigrate(profiles.Models()...))
	require.NoError(t, db.AutoMigrate(&conversations.Session{}))
	require.NoError(t, takes.EnsureSchema(db))

	gateway := &countingGateway{}
	dispatcher, err := notify.NewDispatcher(notify.DispatcherConfig{Gateway: gateway, Concurrency: 2})
	require.NoError(t, err)
	takeService, err := takes.NewService(takes.ServiceConfig{Database: db, IDProvider: takes.NewUUIDProvider()})
	require.NoError(t, err)
	engine, err := conversations.NewEngine(conversations.EngineConfig{
		Database: db,
		Takes:    takeService,
		Sender:   dispatcher,
		BaseURL:  "https://takes.example.com",
	})
	require.NoError(t, err)
	resolver, err := profiles.NewResolver(db)
	require.NoError(t, err)

	scheduler, err := New(Config{
		Database:   db,
		Recipients: resolver,
		Dispatcher: dispatcher,
		Seeder:     engine,
		BaseURL:    "https://takes.example.com",
		Clock:      func() time.Time { return tickTime },
	})
	require.NoError(t, err)

	league := "nfl"
	seedProfile(t, db, "profile-1", "+15550000001", profiles.NotificationPreference{League: &league})
	seedProfile(t, db, "profile-2", "+15550000002", profiles.NotificationPreference{League: &league})
	return schedulerFixture{db: db, scheduler: scheduler, gateway: gateway}
}

func seedProfile(t *testing.T, db *gorm.DB, id, phone string, preference profiles.NotificationPreference) {
	t.Helper()
	require.NoError(t, db.Create(&profiles.Profile{ID: id, Phone: phone}).Error)
	preference.ProfileID = id
	preference.Category = profiles.CategoryPacks
	preference.OptedIn = true
	require.NoError(t, db.Create(&preference).Error)
}

func timePointer(value time.Time) *time.Time {
	return &value
}

func (f schedulerFixture) createPack(t *testing.T, pack packs.Pack) {
	t.Helper()
	if pack.League == "" {
		pack.League = "nfl"
	}
	if pack.Status == "" {
		pack.Status = packs.PackStatusComingSoon
	}
	require.NoError(t, f.db.Create(&pack).Error)
}

func (f schedulerFixture) status(t *testing.T, packID string) packs.PackStatus {
	t.Helper()
	pack, err := packs.FindPack(context.Background(), f.db, packID)
	require.NoError(t, err)
	return pack.Status
}

func TestTickOpensLinkPackOnce(t *testing.T) {
	f := newSchedulerFixture(t)
	f.createPack(t, packs.Pack{
		ID:           "pack-1",
		URL:          "packs/sunday",
		Title:        "Sunday Slate",
		OpenTime:     timePointer(tickTime.Add(-time.Minute)),
		CloseTime:    timePointer(tickTime.Add(3 * time.Hour)),
		DropStrategy: packs.DropStrategyLink,
		SMSTemplate:  "{league}: {title} is open, {time_remaining}. {url}",
	})

	first, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, first.OpenedCount)
	assert.Zero(t, first.LiveCount)
	require.Len(t, first.Opened, 1)
	assert.Equal(t, 2, first.Opened[0].Recipients)
	assert.Equal(t, 2, first.Opened[0].Sent)
	assert.Equal(t, packs.PackStatusActive, f.status(t, "pack-1"))

	sent := f.gateway.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, "NFL: Sunday Slate is open, 3 hours left. https://takes.example.com/packs/sunday", sent[0].Body)

	second, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.OpenedCount)
	assert.Len(t, f.gateway.messages(), 2)
	assert.Equal(t, packs.PackStatusActive, f.status(t, "pack-1"))
}

func TestTickSendsOneDropPerPhone(t *testing.T) {
	f := newSchedulerFixture(t)
	league := "nfl"
	seedProfile(t, f.db, "profile-3", "+15550000001", profiles.NotificationPreference{League: &league})
	f.createPack(t, packs.Pack{ID: "pack-1", Title: "Sunday", OpenTime: timePointer(tickTime.Add(-time.Minute))})

	result, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Opened, 1)
	assert.Equal(t, 2, result.Opened[0].Recipients)
	assert.Len(t, f.gateway.messages(), 2)
}

func TestTickClosesPacksIntoLive(t *testing.T) {
	f := newSchedulerFixture(t)
	f.createPack(t, packs.Pack{ID: "active", Status: packs.PackStatusActive, OpenTime: timePointer(tickTime.Add(-2 * time.Hour)), CloseTime: timePointer(tickTime.Add(-time.Second))})
	f.createPack(t, packs.Pack{ID: "graded", Status: packs.PackStatusGraded, CloseTime: timePointer(tickTime.Add(-time.Hour))})
	f.createPack(t, packs.Pack{ID: "future", Status: packs.PackStatusActive, CloseTime: timePointer(tickTime.Add(time.Hour))})

	result, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.LiveCount)
	assert.Equal(t, []string{"active"}, result.Closed)
	assert.Equal(t, packs.PackStatusLive, f.status(t, "active"))
	assert.Equal(t, packs.PackStatusGraded, f.status(t, "graded"))
	assert.Equal(t, packs.PackStatusActive, f.status(t, "future"))

	again, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, again.LiveCount)
}

func TestClosedPackStopsAcceptingTakes(t *testing.T) {
	f := newSchedulerFixture(t)
	closeTime := tickTime.Add(-time.Second)
	f.createPack(t, packs.Pack{ID: "closing", Status: packs.PackStatusActive, OpenTime: timePointer(tickTime.Add(-2 * time.Hour)), CloseTime: timePointer(closeTime)})
	require.NoError(t, f.db.Create(&packs.Prop{ID: "closing-prop", PackID: "closing", Text: "Who wins?", SideALabel: "Bears", SideBLabel: "Packers", Status: packs.PropStatusOpen}).Error)

	now := closeTime.Add(-time.Minute)
	takeService, err := takes.NewService(takes.ServiceConfig{
		Database:   f.db,
		IDProvider: takes.NewUUIDProvider(),
		Clock:      func() time.Time { return now },
	})
	require.NoError(t, err)
	_, err = takeService.Submit(context.Background(), takes.SubmitRequest{PropID: "closing-prop", Side: takes.SideA, Identity: "+15550000001", Source: takes.SourceWeb})
	require.NoError(t, err)

	result, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.LiveCount)
	require.Equal(t, packs.PackStatusLive, f.status(t, "closing"))

	// The live status alone rejects the take even when the caller's clock lags the close time.
	_, err = takeService.Submit(context.Background(), takes.SubmitRequest{PropID: "closing-prop", Side: takes.SideB, Identity: "+15550000002", Source: takes.SourceWeb})
	require.ErrorIs(t, err, takes.ErrPropNotOpen)
	var serviceErr *takes.ServiceError
	require.ErrorAs(t, err, &serviceErr)
	assert.Equal(t, "takes.submit.prop_not_open", serviceErr.Code())

	now = tickTime
	_, err = takeService.Submit(context.Background(), takes.SubmitRequest{PropID: "closing-prop", Side: takes.SideB, Identity: "+15550000001", Source: takes.SourceWeb})
	require.ErrorIs(t, err, takes.ErrPropNotOpen)

	var stored int64
	require.NoError(t, f.db.Model(&takes.Take{}).Where("prop_id = ?", "closing-prop").Count(&stored).Error)
	assert.Equal(t, int64(1), stored)
}

func TestTickSkipsPacksOutsideTheirWindow(t *testing.T) {
	f := newSchedulerFixture(t)
	f.createPack(t, packs.Pack{ID: "later", OpenTime: timePointer(tickTime.Add(time.Hour))})
	f.createPack(t, packs.Pack{ID: "unscheduled"})
	f.createPack(t, packs.Pack{ID: "missed", OpenTime: timePointer(tickTime.Add(-2 * time.Hour)), CloseTime: timePointer(tickTime.Add(-time.Hour))})

	result, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.OpenedCount)
	assert.Equal(t, 1, result.LiveCount)
	assert.Equal(t, packs.PackStatusComingSoon, f.status(t, "later"))
	assert.Equal(t, packs.PackStatusComingSoon, f.status(t, "unscheduled"))
	assert.Equal(t, packs.PackStatusLive, f.status(t, "missed"))
	assert.Empty(t, f.gateway.messages())
}

func TestTickSeedsConversationsForConversationDrops(t *testing.T) {
	f := newSchedulerFixture(t)
	f.createPack(t, packs.Pack{
		ID:           "pack-sms",
		Title:        "Rivalry Night",
		OpenTime:     timePointer(tickTime.Add(-time.Minute)),
		DropStrategy: packs.DropStrategySMSConversation,
	})
	require.NoError(t, f.db.Create(&[]packs.Prop{
		{ID: "prop-1", PackID: "pack-sms", OrderIndex: 0, Text: "Who wins?", SideALabel: "Bears", SideBLabel: "Packers", Status: packs.PropStatusOpen},
		{ID: "prop-2", PackID: "pack-sms", OrderIndex: 1, Text: "Over 44.5?", SideALabel: "Over", SideBLabel: "Under", Status: packs.PropStatusOpen},
	}).Error)

	result, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Opened, 1)
	assert.Equal(t, 2, result.Opened[0].Sent)

	var sessions []conversations.Session
	require.NoError(t, f.db.Order("phone").Find(&sessions).Error)
	require.Len(t, sessions, 2)
	for _, session := range sessions {
		assert.Equal(t, 0, session.CurrentPropIndex)
		assert.Equal(t, conversations.SessionStatusActive, session.Status)
	}
	for _, message := range f.gateway.messages() {
		assert.Equal(t, "1/2 Who wins?\nReply A) Bears or B) Packers", message.Body)
	}

	_, err = f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	var count int64
	require.NoError(t, f.db.Model(&conversations.Session{}).Count(&count).Error)
	assert.Equal(t, int64(2), count)
	assert.Len(t, f.gateway.messages(), 2)
}

func TestTickCountsFailedDeliveries(t *testing.T) {
	f := newSchedulerFixture(t)
	f.gateway.failTo = "+15550000002"
	f.createPack(t, packs.Pack{ID: "pack-1", Title: "Sunday", OpenTime: timePointer(tickTime.Add(-time.Minute))})

	result, err := f.scheduler.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Opened, 1)
	assert.Equal(t, 1, result.Opened[0].Sent)
	assert.Equal(t, 1, result.Opened[0].Failed)
	assert.Equal(t, packs.PackStatusActive, f.status(t, "pack-1"))
}

func TestConcurrentTicksOpenOnce(t *testing.T) {
	f := newSchedulerFixture(t)
	f.createPack(t, packs.Pack{ID: "pack-1", Title: "Sunday", OpenTime: timePointer(tickTime.Add(-time.Minute))})

	var (
		waitGroup sync.WaitGroup
		mu        sync.Mutex
		opened    int
	)
	for index := 0; index < 5; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			result, err := f.scheduler.Tick(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			opened += result.OpenedCount
			mu.Unlock()
		}()
	}
	waitGroup.Wait()

	assert.Equal(t, 1, opened)
	assert.Len(t, f.gateway.messages(), 2)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, errMissingDatabase)
}
