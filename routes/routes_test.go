package routes

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"cadence/engine"
	"cadence/models"
	"cadence/worker"

	"github.com/glebarez/sqlite"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var testDBCounter int64

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()

	dsn := fmt.Sprintf("file:routes%d?mode=memory&cache=shared", atomic.AddInt64(&testDBCounter, 1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, models.Migrate(db))

	logger := log.New(os.Stdout, "ROUTES-TEST: ", log.LstdFlags)
	catalog := engine.NewCatalog(db, logger, nil, time.Minute)
	manager := engine.NewEnrollmentManager(db, logger, catalog, nil)
	execLog := engine.NewExecutionLogger(db, logger)

	app := fiber.New()
	SetupRoutes(app, db, catalog, manager, execLog, worker.NewEventHub())
	return app
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(newRequest(t, "GET", "/health"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestProgressStreamRoute(t *testing.T) {
	app := newTestApp(t)

	// A plain GET without the upgrade handshake must reach the
	// websocket handler, not be parsed as enrollment id "progress"
	resp, err := app.Test(newRequest(t, "GET", "/api/v1/enrollments/progress"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestUnknownRouteReturns404(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.Test(newRequest(t, "GET", "/api/v1/nope"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func newRequest(t *testing.T, method, target string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	require.NoError(t, err)
	return req
}
