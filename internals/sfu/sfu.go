package sfu

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/adityaadpandey/huddle/internals/config"
	"github.com/adityaadpandey/huddle/internals/engine"
	"github.com/adityaadpandey/huddle/internals/metrics"
	"github.com/adityaadpandey/huddle/internals/registry"
	"github.com/adityaadpandey/huddle/internals/signaling"
	"github.com/adityaadpandey/huddle/internals/state"
	"github.com/adityaadpandey/huddle/internals/utils"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+$`)

type SFU struct {
	config *config.Config
	logger *zap.Logger

	instanceID string
	pool       *engine.Pool
	registry   *registry.Registry

	signalingHub *signaling.Hub
	stateManager *state.Manager
	httpServer   *http.Server

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSFU(cfg *config.Config) (*SFU, error) {
	logger := utils.GetLogger()
	ctx, cancel := context.WithCancel(context.Background())

	pool, err := engine.NewLocalPool(cfg.Engine, logger.Named("engine"))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start engine: %w", err)
	}
	// A dead worker takes its routers with it; the process is restarted.
	pool.OnWorkerDied(func(w engine.Worker, err error) {
		logger.Fatal("Engine worker died", zap.Int("worker", w.ID()), zap.Error(err))
	})

	s := &SFU{
		config:       cfg,
		logger:       logger,
		instanceID:   uuid.NewString(),
		pool:         pool,
		signalingHub: signaling.NewHub(logger.Named("signaling")),
		ctx:          ctx,
		cancel:       cancel,
	}

	var opts []registry.Option
	if cfg.Redis.Enabled {
		stateManager, err := state.NewManager(ctx, cfg.Redis, s.instanceID, logger.Named("state"))
		if err != nil {
			logger.Warn("Redis connection failed, running without presence", zap.Error(err))
		} else {
			s.stateManager = stateManager
			opts = append(opts, registry.WithPresence(stateManager))
		}
	}

	codecs := append(append([]string{}, cfg.Engine.AudioCodecs...), cfg.Engine.VideoCodecs...)
	s.registry = registry.New(cfg.Server, pool, codecs, logger.Named("registry"), opts...)
	s.registry.OnEvents(s.deliver)

	go s.signalingHub.Run(ctx, cfg.Signaling.PongTimeout*2)
	if s.stateManager != nil {
		go s.stateManager.Run(ctx, s.registry.RoomIDs)
	}

	return s, nil
}

func (s *SFU) Registry() *registry.Registry {
	return s.registry
}

// Handler serves signaling, the rooms API, health and metrics.
func (s *SFU) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/api/rooms", s.corsMiddleware(s.handleRoomsAPI))
	mux.HandleFunc("/api/rooms/", s.corsMiddleware(s.handleRoomAPI))
	mux.HandleFunc("/health", s.handleHealth)

	if s.config.Metrics.Enabled {
		mux.Handle(s.config.Metrics.Path, promhttp.Handler())
	}
	return mux
}

func (s *SFU) Start() error {
	s.logger.Info("Starting SFU server",
		zap.String("host", s.config.Server.Host),
		zap.Int("port", s.config.Server.Port),
		zap.String("instanceID", s.instanceID),
	)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.config.Server.Host, s.config.Server.Port),
		Handler:      s.Handler(),
		ReadTimeout:  s.config.Server.ReadTimeout,
		WriteTimeout: s.config.Server.WriteTimeout,
	}

	go func() {
		<-s.ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer shutdownCancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info("SFU server started successfully")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *SFU) Stop() {
	s.logger.Info("Stopping SFU server")
	s.cancel()
	s.signalingHub.CloseAll()
	s.registry.Close()
	s.pool.Close()
	if s.stateManager != nil {
		s.stateManager.Close()
	}
}

func (s *SFU) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// deliver fans events out to their recipients.
func (s *SFU) deliver(events []registry.Event) {
	for _, ev := range events {
		if len(ev.To) == 0 {
			continue
		}
		msg, err := signaling.NewMessage(ev.Type, "", ev.Payload)
		if err != nil {
			s.logger.Error("Failed to build event", zap.String("type", string(ev.Type)), zap.Error(err))
			continue
		}
		s.signalingHub.Deliver(ev.To, msg)
	}
}

// --- WebSocket ---

func (s *SFU) checkOrigin(r *http.Request) bool {
	if len(s.config.Server.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.Server.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *SFU) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkOrigin}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}

	client := signaling.NewClient(uuid.NewString(), conn, s.config.Signaling, s.logger.Named("signaling"))
	client.OnMessage = s.handleSignalingMessage
	client.OnDisconnect = s.handleClientDisconnect

	s.signalingHub.RegisterClient(client)
	metrics.ConnectionsTotal.Inc()

	go client.WritePump()
	go client.ReadPump()
}

func (s *SFU) handleClientDisconnect(client *signaling.Client) {
	s.signalingHub.UnregisterClient(client)
	s.deliver(s.registry.Leave(client.ID))
}

// --- HTTP API ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *SFU) handleRoomsAPI(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		rooms := s.registry.Rooms()
		writeJSON(w, http.StatusOK, map[string]any{"rooms": rooms, "total": len(rooms)})
	case http.MethodPost:
		s.createRoom(w, r)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *SFU) createRoom(w http.ResponseWriter, r *http.Request) {
	var req signaling.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.validateID(req.RoomID, s.config.Signaling.MaxRoomIDLength, "roomId"); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.registry.CreateRoom(r.Context(), req.RoomID); err != nil {
		http.Error(w, errorText(err), registry.Code(err))
		return
	}
	info, err := s.registry.RoomInfo(req.RoomID)
	if err != nil {
		http.Error(w, errorText(err), registry.Code(err))
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (s *SFU) handleRoomAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	roomID := strings.TrimPrefix(r.URL.Path, "/api/rooms/")
	info, err := s.registry.RoomInfo(roomID)
	if err != nil {
		http.Error(w, errorText(err), registry.Code(err))
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *SFU) handleHealth(w http.ResponseWriter, r *http.Request) {
	redisStatus := "disabled"
	if s.stateManager != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		redisStatus = "connected"
		if err := s.stateManager.Ping(ctx); err != nil {
			redisStatus = "error: " + err.Error()
		}
	}

	status := "healthy"
	if redisStatus != "connected" && redisStatus != "disabled" {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      status,
		"timestamp":   time.Now(),
		"instanceId":  s.instanceID,
		"redis":       redisStatus,
		"rooms":       len(s.registry.RoomIDs()),
		"peers":       s.registry.PeerCount(),
		"connections": s.signalingHub.Count(),
	})
}
