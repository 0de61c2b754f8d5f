package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"coldreach/config"
	"coldreach/models"
	"coldreach/utils"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestMain(m *testing.M) {
	config.AppConfig.JWTSecret = "middleware-test-secret"
	os.Exit(m.Run())
}

func newRedisStorage(t *testing.T) (*RedisStorage, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewRedisStorageFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestRedisStorage(t *testing.T) {
	t.Parallel()

	store, mr := newRedisStorage(t)

	val, err := store.Get("missing")
	require.NoError(t, err)
	require.Nil(t, val)

	require.NoError(t, store.Set("k", []byte("v"), time.Minute))
	val, err = store.Get("k")
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
	require.True(t, mr.TTL("k") > 0)

	// empty keys and values are ignored
	require.NoError(t, store.Set("", []byte("v"), 0))
	require.NoError(t, store.Set("empty", nil, 0))
	require.False(t, mr.Exists("empty"))

	require.NoError(t, store.Delete("k"))
	val, err = store.Get("k")
	require.NoError(t, err)
	require.Nil(t, val)

	require.NoError(t, store.Set("a", []byte("1"), 0))
	require.NoError(t, store.Reset())
	require.Empty(t, mr.Keys())
	require.NoError(t, store.Close())
}

func TestSendTriggerLimiter(t *testing.T) {
	t.Parallel()

	store, _ := newRedisStorage(t)
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		user := &models.User{}
		user.ID = 42
		c.Locals("user", user)
		return c.Next()
	})
	app.Post("/send", SendTriggerLimiter(2, store), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/send", nil))
		require.NoError(t, err)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)
	}
	resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/send", nil))
	require.NoError(t, err)
	require.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
}

func TestRateLimitStorage(t *testing.T) {
	t.Parallel()

	require.Nil(t, RateLimitStorage(config.RedisConfig{}))
	require.IsType(t, &RedisStorage{}, RateLimitStorage(config.RedisConfig{Enabled: true, Address: "127.0.0.1:0"}))
}

func newAuthDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: gormlogger.Default.LogMode(gormlogger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.AutoMigrate(&models.User{}))
	return db
}

func TestProtected(t *testing.T) {
	t.Parallel()

	db := newAuthDB(t)
	user := models.User{Email: "owner@example.com", PasswordHash: "x", IsActive: true}
	require.NoError(t, db.Create(&user).Error)
	token, _, err := utils.GenerateJWTToken(&user)
	require.NoError(t, err)

	app := fiber.New()
	app.Get("/me", Protected(db), func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"id": c.Locals("userID")})
	})

	call := func(header string) int {
		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp.StatusCode
	}

	require.Equal(t, fiber.StatusOK, call("Bearer "+token))
	require.Equal(t, fiber.StatusUnauthorized, call(""))
	require.Equal(t, fiber.StatusUnauthorized, call(token))
	require.Equal(t, fiber.StatusUnauthorized, call("Bearer not-a-jwt"))

	// bumping the token version revokes issued tokens
	require.NoError(t, db.Model(&user).Update("token_version", user.TokenVersion+1).Error)
	require.Equal(t, fiber.StatusUnauthorized, call("Bearer "+token))
}

func TestCORS(t *testing.T) {
	t.Parallel()

	app := fiber.New()
	app.Use(CORS(CORSConfig{
		AllowedOrigins: []string{"https://app.coldreach.io"},
		AllowedMethods: []string{"GET", "POST"},
	}))
	app.Get("/", func(c *fiber.Ctx) error { return c.SendString("ok") })

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.coldreach.io")
	resp, err := app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusNoContent, resp.StatusCode)
	require.Equal(t, "https://app.coldreach.io", resp.Header.Get("Access-Control-Allow-Origin"))
	require.Equal(t, "GET,POST", resp.Header.Get("Access-Control-Allow-Methods"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	resp, err = app.Test(req)
	require.NoError(t, err)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}
