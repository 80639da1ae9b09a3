package gaswatch

import (
	"context"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/minor-industries/gaswatch/assets"
	"github.com/minor-industries/gaswatch/messages"
	"github.com/minor-industries/gaswatch/schema"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func (m *Monitor) setupServer() error {
	r := m.server
	r.Use(requestLogger(m.log.With("component", "http")), gin.Recovery())

	r.GET("/", func(c *gin.Context) {
		c.Redirect(http.StatusMovedPermanently, "/index.html")
	})

	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(204)
	})

	m.StaticFiles(assets.FS,
		"index.html", "text/html",
		"dashboard.js", "application/javascript",
	)

	r.GET("/ws", m.streamReadings)

	r.GET("/last-minute", m.readingsSince(LastMinute))
	r.GET("/last-30-minutes", m.readingsSince(LastThirtyMinute))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"subscribers": m.Subscribers(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})))

	return nil
}

func (m *Monitor) StaticFiles(fsys fs.FS, files ...string) {
	for i := 0; i < len(files); i += 2 {
		name := files[i]
		ct := files[i+1]
		m.server.GET("/"+name, func(c *gin.Context) {
			content, err := fs.ReadFile(fsys, name)
			if err != nil {
				c.Status(404)
				return
			}
			c.Data(http.StatusOK, ct, content)
		})
	}
}

// requestLogger replaces gin's stdout logger so requests land in the process log.
func requestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelDebug
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		log.Log(c.Request.Context(), level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"latency", time.Since(start),
		)
	}
}

func (m *Monitor) streamReadings(c *gin.Context) {
	conn, wsErr := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if wsErr != nil {
		_ = c.AbortWithError(http.StatusInternalServerError, wsErr)
		return
	}

	defer func() {
		_ = conn.Close(websocket.StatusInternalError, "Closed unexpectedly")
	}()

	log := m.log.With("session", uuid.NewString(), "remote", c.Request.RemoteAddr)
	log.Info("subscriber connected")

	// clients never send anything; CloseRead cancels ctx when they go away
	ctx := conn.CloseRead(c.Request.Context())

	err := m.Subscribe(ctx, func(r schema.Reading) error {
		writeCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
		defer cancel()

		if err := wsjson.Write(writeCtx, conn, messages.FromReading(r)); err != nil {
			return errors.Wrap(err, "write reading")
		}
		return nil
	})

	if err == nil {
		log.Info("subscriber closed by shutdown")
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	log.Info("subscriber disconnected", "reason", err)
}

func (m *Monitor) readingsSince(window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		rows, err := m.ReadSince(c.Request.Context(), window)
		if err != nil {
			m.log.Error("query failed", "window", window, "err", err)
			c.JSON(http.StatusInternalServerError, messages.Error{
				Error:    err.Error(),
				Readings: []messages.Reading{},
			})
			return
		}

		c.JSON(http.StatusOK, messages.FromReadings(rows))
	}
}

// RunServer serves until ctx is done, then shuts down gracefully.
func (m *Monitor) RunServer(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           m.server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	m.log.Info("http listening", "addr", address)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "run")
	}
	return nil
}
