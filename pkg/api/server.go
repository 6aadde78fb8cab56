// Reggie - operational API server
// Serves health, status and system endpoints, a WebSocket stream of gateway
// events, and the Slack HTTP routes when that transport is active.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/reggie-ai/reggie/pkg/bus"
	"github.com/reggie-ai/reggie/pkg/config"
	"github.com/reggie-ai/reggie/pkg/domain"
	"github.com/reggie-ai/reggie/pkg/domain/channel"
	"github.com/reggie-ai/reggie/pkg/gateway"
	"github.com/reggie-ai/reggie/pkg/logger"
)

// StatsSource reports the dispatcher's counters.
type StatsSource interface {
	Stats() gateway.Stats
}

// statusReporter is implemented by transports that track their connection.
type statusReporter interface {
	Status() domain.ConnectionStatus
}

// Server is the HTTP API server for the gateway.
type Server struct {
	config      *config.Config
	stats       StatsSource
	transport   channel.Transport
	messageBus  *bus.MessageBus
	wsHub       *WSHub
	eventBridge *EventBridge
	startTime   time.Time
	server      *http.Server

	mu     sync.Mutex
	routes map[string]http.Handler
}

// NewServer creates a new API server instance.
func NewServer(cfg *config.Config, stats StatsSource, transport channel.Transport, msgBus *bus.MessageBus) *Server {
	// Random key per session, printed once at startup.
	// Set REGGIE_API_KEY for a persistent key.
	if cfg.Gateway.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.Gateway.APIKey = hex.EncodeToString(raw)
			fmt.Println()
			fmt.Println("╔══════════════════════════════════════════════════════╗")
			fmt.Println("║           REGGIE API KEY (session token)             ║")
			fmt.Printf("║  %-52s  ║\n", cfg.Gateway.APIKey)
			fmt.Println("║  Set REGGIE_API_KEY to make this permanent.          ║")
			fmt.Println("║  Rotate it any time.                                 ║")
			fmt.Println("╚══════════════════════════════════════════════════════╝")
			fmt.Println()
		}
	}
	s := &Server{
		config:     cfg,
		stats:      stats,
		transport:  transport,
		messageBus: msgBus,
		startTime:  time.Now(),
		routes:     make(map[string]http.Handler),
	}
	s.wsHub = NewWSHub(s)
	s.eventBridge = NewEventBridge(msgBus, s.wsHub)
	return s
}

// Handle mounts an extra route, such as the Slack HTTP endpoints. Routes
// under /slack/ skip bearer auth; they carry their own request signature.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[pattern] = h
}

// Handler builds the routed, authenticated handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/system/info", s.handleSystemInfo)

	// WebSocket for live events
	mux.HandleFunc("/api/ws", s.wsHub.HandleWebSocket)

	s.mu.Lock()
	for pattern, h := range s.routes {
		mux.Handle(pattern, h)
	}
	s.mu.Unlock()

	return corsMiddleware(authMiddleware(s.config.Gateway.APIKey, mux))
}

// Start listens on the configured host:port and serves in the background.
func (s *Server) Start(ctx context.Context) error {
	addr := s.config.ListenAddr()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "API server starting", map[string]interface{}{
		"addr": ln.Addr().String(),
	})

	go s.wsHub.Run(ctx)
	s.eventBridge.Run(ctx)

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// --- Middleware ---

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot())
}

// snapshot is the status document shared by /api/status and the
// WebSocket stream.
func (s *Server) snapshot() map[string]interface{} {
	uptime := time.Since(s.startTime)

	var stats gateway.Stats
	if s.stats != nil {
		stats = s.stats.Stats()
	}

	return map[string]interface{}{
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
		"transport":      s.transportStatus(),
		"responder": map[string]interface{}{
			"provider": s.config.Responder.Provider,
			"model":    s.config.Responder.Model,
		},
		"dispatcher": stats,
		"ws_clients": s.wsHub.ClientCount(),
	}
}

func (s *Server) transportStatus() map[string]interface{} {
	if s.transport == nil {
		return map[string]interface{}{"name": "", "status": domain.StatusDisconnected}
	}
	status := domain.StatusConnected
	if sr, ok := s.transport.(statusReporter); ok {
		status = sr.Status()
	}
	return map[string]interface{}{
		"name":   s.transport.Name(),
		"status": status,
	}
}

func (s *Server) handleSystemInfo(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	hostname, _ := os.Hostname()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hostname":     hostname,
		"go_version":   runtime.Version(),
		"os":           runtime.GOOS,
		"arch":         runtime.GOARCH,
		"cpus":         runtime.NumCPU(),
		"goroutines":   runtime.NumGoroutine(),
		"memory_mb":    float64(m.Alloc) / 1024 / 1024,
		"sys_mb":       float64(m.Sys) / 1024 / 1024,
		"gc_cycles":    m.NumGC,
		"transport":    s.config.Transport,
		"provider":     s.config.Responder.Provider,
		"workers":      s.config.Dispatch.Workers,
		"ledger":       s.config.Ledger.Backend,
		"gateway_host": s.config.Gateway.Host,
		"gateway_port": s.config.Gateway.Port,
	})
}

// --- Helpers ---

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
