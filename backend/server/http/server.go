package http

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/roomrelay/backend/model"
	"github.com/adwski/roomrelay/backend/storage/memory"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultReadTimeout      = 5 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type RoomQuerier interface {
	MembersOf(roomID model.RoomID) []model.ConnID
	GetName(id model.ConnID) (string, bool)
	Stats() memory.Stats
}

type Member struct {
	ID   model.ConnID `json:"id"`
	Name string       `json:"name"`
}

type RoomInfo struct {
	ID      model.RoomID `json:"room_id"`
	Members []Member     `json:"members"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	rooms  RoomQuerier
	*http.Server
}

type Config struct {
	Logger     *zerolog.Logger
	Rooms      RoomQuerier
	ListenAddr string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		rooms:  cfg.Rooms,
	}

	r := http.NewServeMux()
	r.HandleFunc("GET /healthz", srv.health)
	r.HandleFunc("GET /api/stats", srv.stats)
	r.HandleFunc("GET /api/room/{roomID}", srv.room)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: defaultReadTimeout,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) health(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) stats(w http.ResponseWriter, _ *http.Request) {
	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: srv.rooms.Stats()})
}

func (srv *Server) room(w http.ResponseWriter, r *http.Request) {
	roomID := model.RoomID(r.PathValue("roomID"))

	info := RoomInfo{
		ID:      roomID,
		Members: []Member{},
	}
	for _, id := range srv.rooms.MembersOf(roomID) {
		name, ok := srv.rooms.GetName(id)
		if !ok {
			// disconnected in between
			continue
		}
		info.Members = append(info.Members, Member{ID: id, Name: name})
	}

	srv.logger.Trace().
		Str("roomID", string(roomID)).
		Int("members", len(info.Members)).
		Msg("room queried")

	srv.writeJSON(w, http.StatusOK, &GenericResponse{Data: info})
}

func (srv *Server) writeJSON(w http.ResponseWriter, code int, resp *GenericResponse) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshal response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
}

// Run serves api requests until ctx is done, listener failures are
// reported to errc.
func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer wg.Done()

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		errc <- errors.Join(ErrUnexpected, err)
		return
	}
	srv.logger.Info().Str("addr", ln.Addr().String()).Msg("server started")

	hErr := make(chan error, 1)
	go func() {
		hErr <- srv.Serve(ln)
	}()

	select {
	case err = <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		srv.shutdown()
	}
	srv.logger.Debug().Msg("server stopped")
}

func (srv *Server) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		srv.logger.Error().Err(err).Msg("server shutdown failed")
	}
}
