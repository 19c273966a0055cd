// Package httpapi wires the gateway's four WS endpoints and its small REST
// surface onto a gin.Engine: one function per route group, a shared
// gin.Engine, gin-contrib/cors for browser clients, and origin checks
// performed explicitly in the handler body rather than left to the
// upgrader.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/sttbridge/gateway/internal/adapter"
	"github.com/sttbridge/gateway/internal/availability"
	"github.com/sttbridge/gateway/internal/config"
	"github.com/sttbridge/gateway/internal/replay"
	"github.com/sttbridge/gateway/internal/session"
	"github.com/sttbridge/gateway/internal/storage"
	"github.com/sttbridge/gateway/internal/voice"
	"github.com/sttbridge/gateway/internal/wire"
	"github.com/sttbridge/gateway/pkg/commons"
)

// Deps bundles everything a request handler needs.
type Deps struct {
	Cfg      *config.AppConfig
	Log      commons.Logger
	Registry *adapter.Registry
	Store    *storage.Store
	Avail    *availability.Cache
	LLM      voice.LLMClient
	TTS      voice.TTSStreamer
}

// NewEngine builds the gateway's gin.Engine with CORS and every route
// registered.
func NewEngine(d Deps) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(cors.New(cors.Config{
		AllowOriginFunc:  d.originAllowed,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept"},
		AllowCredentials: false,
	}))

	registerHealthRoutes(engine, d)
	registerProviderRoutes(engine, d)
	registerStreamRoutes(engine, d)
	return engine
}

func (d Deps) originAllowed(origin string) bool {
	if len(d.Cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, o := range d.Cfg.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// registerHealthRoutes adds readiness/liveness probes on a bare
// engine.Group("").
func registerHealthRoutes(engine *gin.Engine, d Deps) {
	apiv1 := engine.Group("")
	{
		apiv1.GET("/healthz", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
		})
		apiv1.GET("/readiness", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ready", "providers": d.Registry.IDs()})
		})
	}
}

// registerProviderRoutes exposes the Provider Availability Cache.
func registerProviderRoutes(engine *gin.Engine, d Deps) {
	apiv1 := engine.Group("/providers")
	{
		apiv1.GET("", func(c *gin.Context) {
			out := make(map[string]availability.Status, len(d.Registry.IDs()))
			for _, id := range d.Registry.IDs() {
				out[id] = d.Avail.Get(c.Request.Context(), id)
			}
			c.JSON(http.StatusOK, out)
		})
		apiv1.POST("/refresh", func(c *gin.Context) {
			providerID := c.Query("provider")
			if providerID == "" {
				d.Avail.InvalidateAll()
			} else {
				d.Avail.Invalidate(providerID)
			}
			c.JSON(http.StatusOK, gin.H{"invalidated": true})
		})
		apiv1.GET("/:sessionId/latency", func(c *gin.Context) {
			if d.Store == nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "storage not configured"})
				return
			}
			rows, err := d.Store.LatencySummariesForSession(c.Request.Context(), c.Param("sessionId"))
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
			c.JSON(http.StatusOK, rows)
		})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// registerStreamRoutes wires the four WS endpoints onto the engine.
func registerStreamRoutes(engine *gin.Engine, d Deps) {
	engine.GET("/ws/stream", func(c *gin.Context) {
		providers := []string{c.Query("provider")}
		handleRealtimeUpgrade(c, d, providers)
	})
	engine.GET("/ws/stream/compare", func(c *gin.Context) {
		providers := splitCSV(c.Query("providers"))
		handleRealtimeUpgrade(c, d, providers)
	})
	engine.GET("/ws/replay", func(c *gin.Context) {
		providers := splitCSV(c.Query("providers"))
		if len(providers) == 0 {
			providers = []string{c.Query("provider")}
		}
		sessionID := c.Query("sessionId")
		conn, ok := upgradeOrReject(c, d)
		if !ok {
			return
		}
		if !requireAvailable(c, conn, d, providers) {
			return
		}
		h := replay.New(conn, d.Registry, d.Cfg, d.Store, d.Log, providers, sessionID, c.Query("lang"))
		h.Run(c.Request.Context())
	})
	engine.GET("/ws/voice", func(c *gin.Context) {
		conn, ok := upgradeOrReject(c, d)
		if !ok {
			return
		}
		if !requireAvailable(c, conn, d, []string{d.Cfg.VoiceSTTProvider}) {
			return
		}
		h := voice.New(conn, d.Registry, d.Cfg, d.Store, d.LLM, d.TTS, d.Log, c.Query("lang"))
		h.Run(c.Request.Context())
	})
}

func handleRealtimeUpgrade(c *gin.Context, d Deps, providers []string) {
	conn, ok := upgradeOrReject(c, d)
	if !ok {
		return
	}
	if !requireAvailable(c, conn, d, providers) {
		return
	}
	h := session.New(conn, d.Registry, d.Cfg, d.Store, d.Log, providers, c.Query("lang"))
	h.Run(c.Request.Context())
}

// requireAvailable consults the Provider Availability Cache for every
// requested provider before a session is created; an unavailable provider
// gets an error message and an immediate close, like a disallowed origin.
func requireAvailable(c *gin.Context, conn *websocket.Conn, d Deps, providers []string) bool {
	if d.Avail == nil {
		return true
	}
	for _, id := range providers {
		if id == "" {
			continue
		}
		status := d.Avail.Get(c.Request.Context(), id)
		if !status.Available {
			msg := "provider " + id + " unavailable"
			if status.Reason != "" {
				msg += ": " + status.Reason
			}
			payload, _ := json.Marshal(wire.ErrorMessage{Type: wire.TypeError, Message: msg, Provider: id})
			_ = conn.WriteMessage(websocket.TextMessage, payload)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
			return false
		}
	}
	return true
}

// upgradeOrReject upgrades the connection, then enforces the origin
// allow-list post-handshake: a rejected origin still gets a WS connection
// (the gorilla upgrader has no hook to refuse with a JSON body) but is
// immediately sent a synthetic error and closed.
func upgradeOrReject(c *gin.Context, d Deps) (*websocket.Conn, bool) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		d.Log.Warnf("ws upgrade failed: %v", err)
		return nil, false
	}
	if origin := c.Request.Header.Get("Origin"); origin != "" && !d.originAllowed(origin) {
		payload, _ := json.Marshal(wire.ErrorMessage{Type: wire.TypeError, Message: "origin not allowed"})
		_ = conn.WriteMessage(websocket.TextMessage, payload)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "origin not allowed"), time.Now().Add(time.Second))
		_ = conn.Close()
		return nil, false
	}
	return conn, true
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, commons.SEPARATOR)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
