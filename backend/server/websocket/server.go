package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/roomrelay/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	defaultWebsocketReadBufferSize     = 10000
	defaultWebsocketWriteBufferSize    = 10000
	defaultWebSocketMaxMessageSize     = 9000
	defaultWebSocketHandshakeTimeout   = 3 * time.Second
	defaultWebSocketCloseWriteDeadline = 2 * time.Second
	defaultWebSocketWriteDeadline      = 5 * time.Second

	defaultSendQueueSize     = 64
	defaultRateLimitBurst    = 20
	defaultRateLimitInterval = time.Second

	// defaultPongWait - defaultPingInterval == is how long we give client to respond
	defaultPingInterval = 5 * time.Second
	defaultPongWait     = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSignalingSession(ctx context.Context, wire model.Wire, evict func()) model.ConnID
		DeleteSignalingSession(id model.ConnID)
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string

		// SendQueueSize bounds per-connection outbound queue.
		SendQueueSize int
		// MaxMessageSize limits size of a single inbound frame in bytes.
		MaxMessageSize int64
		// RateLimitBurst commands are allowed per RateLimitInterval, the rest are dropped.
		RateLimitBurst    int
		RateLimitInterval time.Duration
	}

	Server struct {
		svc SignalingService
		ws  *websocket.Upgrader
		*http.Server

		// sessions are bound to this context so that they end on shutdown,
		// hijacked connections are not tracked by http.Server.
		sessCtx    context.Context
		sessCancel context.CancelFunc
		sessWG     *sync.WaitGroup

		logger zerolog.Logger

		sendQueueSize  int
		maxMessageSize int64
		rateBurst      int
		rateInterval   time.Duration
	}
)

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
		svc:    cfg.SignalingService,
		ws: &websocket.Upgrader{
			HandshakeTimeout: defaultWebSocketHandshakeTimeout,
			ReadBufferSize:   defaultWebsocketReadBufferSize,
			WriteBufferSize:  defaultWebsocketWriteBufferSize,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		sessWG:         &sync.WaitGroup{},
		sendQueueSize:  cfg.SendQueueSize,
		maxMessageSize: cfg.MaxMessageSize,
		rateBurst:      cfg.RateLimitBurst,
		rateInterval:   cfg.RateLimitInterval,
	}
	srv.sessCtx, srv.sessCancel = context.WithCancel(context.Background())

	if srv.sendQueueSize <= 0 {
		srv.sendQueueSize = defaultSendQueueSize
	}
	if srv.maxMessageSize <= 0 {
		srv.maxMessageSize = defaultWebSocketMaxMessageSize
	}
	if srv.rateBurst <= 0 {
		srv.rateBurst = defaultRateLimitBurst
	}
	if srv.rateInterval <= 0 {
		srv.rateInterval = defaultRateLimitInterval
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", srv.signal)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	errSrv := make(chan error)
	go func() {
		errSrv <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-errSrv:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
	srv.CloseSessions()
}

// CloseSessions terminates all active websocket sessions and waits
// until their state is unwound.
func (srv *Server) CloseSessions() {
	srv.sessCancel()
	srv.sessWG.Wait()
}

func (srv *Server) signal(w http.ResponseWriter, r *http.Request) {
	conn, err := srv.ws.Upgrade(w, r, nil)
	if err != nil {
		// upgrader has already replied with an error
		srv.logger.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	srv.sessWG.Add(1)
	wire := model.NewWire(srv.sendQueueSize)

	ctx, cancel := context.WithCancel(srv.sessCtx) // long-living wire context

	connID := srv.svc.CreateSignalingSession(ctx, wire, cancel)
	srv.logger.Debug().
		Str("connID", string(connID)).
		Str("remote", r.RemoteAddr).
		Msg("signaling session created")

	go srv.handleWSConn(ctx, cancel, conn, connID, wire)
}

func (srv *Server) handleWSConn(
	ctx context.Context,
	cancel context.CancelFunc,
	conn *websocket.Conn,
	connID model.ConnID,
	wire model.Wire,
) {
	defer srv.sessWG.Done()

	wg := &sync.WaitGroup{}

	logger := srv.logger.With().
		Str("connID", string(connID)).
		Logger()

	rl := newRateLimiter(srv.rateBurst, srv.rateInterval)

	wg.Add(2)
	go func() {
		webSocketReceiver(ctx, wg, conn, srv.maxMessageSize, rl, wire.RX, &logger)
		cancel()
	}()
	go func() {
		webSocketSender(ctx, wg, conn, wire.TX, &logger)
		cancel()
	}()

	wg.Wait()
	webSocketCloser(conn, &logger)
	srv.svc.DeleteSignalingSession(connID)
	logger.Debug().Msg("signaling session ended")
}

func webSocketSender(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	tx <-chan model.Event,
	logger *zerolog.Logger,
) {
	pingTicker := time.NewTicker(defaultPingInterval)
	defer func() {
		pingTicker.Stop()
		wg.Done()
	}()
SendLoop:
	for {
		select {
		case <-ctx.Done():
			break SendLoop
		case <-pingTicker.C:
			if err := writeFrame(conn, websocket.PingMessage, nil); err != nil {
				logger.Error().Err(err).Msg("failed to send ping")
				break SendLoop
			}
			logger.Trace().Msg("ping sent")

		case ev, ok := <-tx:
			if !ok {
				break SendLoop
			}

			b, err := model.EncodeEvent(ev)
			if err != nil {
				// a single bad event is skipped, the connection stays usable
				logger.Error().Err(err).Str("type", ev.Type).Msg("failed to marshall outgoing event")
				continue
			}
			if err = writeFrame(conn, websocket.TextMessage, b); err != nil {
				logger.Error().Err(err).Str("type", ev.Type).Msg("failed to write outgoing event")
				break SendLoop
			}
		}
	}
}

// writeFrame writes a whole frame within the write deadline.
func writeFrame(conn *websocket.Conn, msgType int, b []byte) error {
	if err := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketWriteDeadline)); err != nil {
		return err
	}
	return conn.WriteMessage(msgType, b)
}

func webSocketReceiver(
	ctx context.Context,
	wg *sync.WaitGroup,
	conn *websocket.Conn,
	maxMessageSize int64,
	rl *rate.Limiter,
	rx chan<- model.Command,
	logger *zerolog.Logger,
) {
	defer wg.Done()

	conn.SetReadLimit(maxMessageSize)
	readDeadLineFunc := func(deadline time.Duration) error {
		return conn.SetReadDeadline(time.Now().Add(deadline))
	}
	conn.SetPongHandler(func(string) error {
		logger.Trace().Msg("got pong")
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return readDeadLineFunc(defaultPongWait)
	})
	err := readDeadLineFunc(defaultPongWait)
	if err != nil {
		logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}

	// ReadMessage blocks, so a separate watcher unblocks it on cancel.
	go func() {
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

RecvLoop:
	for {
		select {
		case <-ctx.Done():
			break RecvLoop
		default:
			_, msg, wsErr := conn.ReadMessage()
			if wsErr != nil {
				switch {
				case ctx.Err() != nil:
				case websocket.IsCloseError(wsErr,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway):
					logger.Debug().Err(wsErr).Msg("connection closed")
				default:
					logger.Error().Err(wsErr).Msg("unexpected error during receive")
				}
				break RecvLoop
			}

			if !rl.Allow() {
				logger.Warn().Msg("rate limit exceeded, command dropped")
				continue
			}

			cmd, wsErr := model.DecodeCommand(msg)
			if wsErr != nil {
				logger.Warn().Err(wsErr).Msg("failed to decode incoming command")
				continue
			}
			select {
			case rx <- cmd:
			case <-ctx.Done():
				break RecvLoop
			}
		}
	}
}

func webSocketCloser(conn *websocket.Conn, logger *zerolog.Logger) {
	wsErr := conn.SetWriteDeadline(time.Now().Add(defaultWebSocketCloseWriteDeadline))
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to set websocket write deadline during closing")
	} else {
		wsErr = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if wsErr != nil && !errors.Is(wsErr, websocket.ErrCloseSent) {
			logger.Debug().Err(wsErr).Msg("failed to send close message")
		}
	}
	wsErr = conn.Close()
	if wsErr != nil {
		logger.Error().Err(wsErr).Msg("failed to close websocket connection")
	}
}
