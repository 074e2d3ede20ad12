package concord

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

const xRequestIDHeader = "X-Request-ID"

// API is the read-mostly admin surface: health, the live job table and
// the live session table, plus job removal. It's meant to sit behind
// a reverse proxy on localhost, hence bearer-token auth only.
type API struct {
	config     *APIConfig
	logger     *slog.Logger
	engine     *gin.Engine
	httpServer *http.Server
	co         *Concord
}

func newAPI(co *Concord, config *APIConfig) (*API, error) {
	if config.Listen == "" {
		config.Listen = DefaultAPIListen
	}
	if !co.config.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	a := &API{
		config: config,
		logger: co.logger.With(loggerNameKey, "api"),
		co:     co,
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodDelete},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization", xRequestIDHeader},
		MaxAge:       12 * time.Hour,
	}))
	engine.Use(a.requestLogger())

	engine.GET("/health", a.getHealth)

	authed := engine.Group("/api", a.requireToken())
	authed.GET("/jobs", a.getJobs)
	authed.DELETE("/jobs/:guildID/:jobID", a.deleteJob)
	authed.GET("/sessions", a.getSessions)

	a.engine = engine
	a.httpServer = &http.Server{
		Handler:      engine,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return a, nil
}

func (a *API) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info(
			"request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
			"client_ip", c.ClientIP(),
		)
	}
}

// requireToken enforces the configured bearer token. An empty
// configured token disables auth; don't do that outside development.
func (a *API) requireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.config.Token == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		expected := "Bearer " + a.config.Token
		if subtle.ConstantTimeCompare([]byte(header), []byte(expected)) != 1 {
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				gin.H{"error": "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

func (a *API) getHealth(c *gin.Context) {
	c.JSON(
		http.StatusOK, gin.H{
			"status":            "ok",
			"discord_connected": a.co.discord.connected.Load(),
			"version":           Version,
		},
	)
}

func (a *API) getJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": a.co.jobs.Jobs()})
}

func (a *API) deleteJob(c *gin.Context) {
	guildID := c.Param("guildID")
	jobID := c.Param("jobID")
	err := a.co.jobs.Remove(c.Request.Context(), guildID, jobID)
	switch {
	case errors.Is(err, ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"deleted": fmt.Sprintf("%s/%s", guildID, jobID)})
	}
}

func (a *API) getSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"sessions": a.co.sessions.Sessions()})
}

// Serve listens until ctx is cancelled, then shuts the server down
// gracefully.
func (a *API) Serve(ctx context.Context) error {
	listener, err := net.Listen(defaultListenNetwork, a.config.Listen)
	if err != nil {
		return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
	}
	a.logger.Info("api listening", "address", listener.Addr().String())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.httpServer.Serve(listener)
	}()

	select {
	case err = <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	}
}
