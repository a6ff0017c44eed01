package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"ufoo/db"
)

func keyFunc(c *gin.Context) string {
	return c.ClientIP()
}

func rateLimitErrorHandler(c *gin.Context, info ratelimit.Info) {
	c.JSON(429, gin.H{"ok": false, "error": "too many requests, try again in " + time.Until(info.ResetTime).String()})
}

// newRouter wires the full HTTP surface for a hub; split out so tests can
// mount it on an httptest server.
func newRouter(h *Hub) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.HandleMethodNotAllowed = true

	store := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{Rate: time.Second, Limit: 150})
	r.Use(ratelimit.RateLimiter(store, &ratelimit.Options{ErrorHandler: rateLimitErrorHandler, KeyFunc: keyFunc}))
	r.Use(cors.Default())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	r.GET("/ufoo/online", h.HandleSocket)

	api := r.Group("/ufoo/online", h.requireBearer())
	api.GET("/rooms", h.handleListRooms)
	api.POST("/rooms", h.handleCreateRoom)
	api.GET("/channels", h.handleListChannels)
	api.POST("/channels", h.handleCreateChannel)

	return r
}

func main() {
	_ = godotenv.Load()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg := loadHubConfig()
	if cfg.Insecure {
		log.Warn("running in insecure mode: every token is accepted")
	} else if len(cfg.allowSet) == 0 {
		log.Warn("no tokens configured: nobody can authenticate (set UFOO_ONLINE_TOKENS or UFOO_ONLINE_INSECURE)")
	}

	database, err := db.Open(cfg.DBFile)
	if err != nil {
		log.Fatal("opening registry database", zap.Error(err))
	}
	defer db.Close(database)

	hub := newHub(cfg, log, database)
	if err := hub.ensureRelaySchema(); err != nil {
		log.Fatal("ensuring registry schema", zap.Error(err))
	}
	if err := hub.loadRegistry(); err != nil {
		log.Fatal("loading registry", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.runSweeper(ctx)

	server := &http.Server{Addr: ":" + cfg.Port, Handler: newRouter(hub)}

	go func() {
		log.Info("starting relay hub", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("listen and serve", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down relay hub")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("forced shutdown", zap.Error(err))
	}
}
