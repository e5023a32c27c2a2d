package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/system-design/14-realtime-rooms/internal/tick"
	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
	"github.com/koopa0/system-design/14-realtime-rooms/pkg/logger"
)

// Routes 設定路由
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return s.recoverer(s.loggerMiddleware(handler))
	}

	// WebSocket 需要 Hijack，不經過包裝 ResponseWriter 的日誌中間件
	mux.HandleFunc("GET /ws", s.recoverer(s.ServeWS))

	// 房間查詢 API
	mux.HandleFunc("GET /api/v1/rooms", wrap(s.listRooms))
	mux.HandleFunc("GET /api/v1/rooms/{key}", wrap(s.getRoom))

	// 健康檢查
	mux.HandleFunc("GET /health", wrap(s.health))
	mux.HandleFunc("GET /stats", wrap(s.stats))

	return mux
}

// listRooms 列出所有房間
func (s *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	infos := s.registry.Infos()
	s.jsonResponse(w, map[string]any{
		"rooms": infos,
		"count": len(infos),
	}, http.StatusOK)
}

// getRoom 查詢單一房間
func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	rm, ok := s.registry.Get(key)
	if !ok {
		s.errorResponse(w, apperrors.New(apperrors.ErrCodeNotFound, "room not found").WithDetails(key), http.StatusNotFound)
		return
	}
	s.jsonResponse(w, rm.Info(), http.StatusOK)
}

// health 健康檢查
func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, map[string]any{
		"status": "healthy",
		"time":   time.Now().Unix(),
	}, http.StatusOK)
}

// StatsResponse /stats 的回應
type StatsResponse struct {
	Connections int         `json:"connections"`
	Rooms       int         `json:"rooms"`
	Members     int         `json:"members"`
	Tick        *tick.Stats `json:"tick,omitempty"`
}

// stats 連線、房間與 Tick 統計
func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{
		Connections: s.Connections(),
		Rooms:       s.registry.Len(),
	}
	for _, info := range s.registry.Infos() {
		resp.Members += info.Members
	}
	if s.ticks != nil {
		st := s.ticks.Stats()
		resp.Tick = &st
	}
	s.jsonResponse(w, resp, http.StatusOK)
}

// jsonResponse JSON 回應
func (s *Server) jsonResponse(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("編碼 JSON 失敗", "error", err)
	}
}

// errorResponse 錯誤回應，非 AppError 視為內部錯誤
func (s *Server) errorResponse(w http.ResponseWriter, err error, status int) {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) {
		appErr = apperrors.New(apperrors.ErrCodeInternal, "internal error")
	}
	s.jsonResponse(w, map[string]any{
		"error": appErr,
	}, status)
}

// responseWriter 記錄狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware 為請求加上 request_id 並輸出指標日誌
func (s *Server) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		ctx := logger.WithRequestID(r.Context(), requestID)

		ww := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next(ww, r.WithContext(ctx))

		logger.Metrics(ctx, s.logger, "http_request", time.Since(start),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.statusCode),
		)
	}
}

// recoverer 攔截 panic
func (s *Server) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("處理請求時發生 panic",
					"error", err,
					"method", r.Method,
					"path", r.URL.Path)

				s.errorResponse(w, apperrors.New(apperrors.ErrCodeInternal, "internal error"), http.StatusInternalServerError)
			}
		}()

		next(w, r)
	}
}
