package httpserver

import (
	"context"
	"log"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/chadiek/jarvis/internal/middleware"
	"github.com/chadiek/jarvis/internal/rtc"
	"github.com/chadiek/jarvis/internal/session"
)

// OfferHandler negotiates a WebRTC session from an SDP offer.
type OfferHandler interface {
	HandleOffer(ctx context.Context, offer rtc.SessionDescription) (rtc.SessionDescription, error)
}

// Server exposes the session over HTTP: signaling, state inspection,
// history, interruption and a state-event stream.
type Server struct {
	e          *echo.Echo
	controller *session.Controller
	offers     OfferHandler
	upgrader   websocket.Upgrader
}

// New wires routes onto a fresh router. authPassword empty disables auth.
func New(controller *session.Controller, offers OfferHandler, authPassword string) *Server {
	s := &Server{
		e:          newRouter(),
		controller: controller,
		offers:     offers,
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	s.e.Use(middleware.TokenAuth(func() string { return authPassword }))

	s.e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	s.e.POST("/call", s.call)
	s.e.GET("/session/state", s.state)
	s.e.GET("/session/history", s.history)
	s.e.DELETE("/session/history", s.clearHistory)
	s.e.POST("/session/interrupt", s.interrupt)
	s.e.GET("/session/events", s.events)
	return s
}

// Router exposes the underlying handler for tests.
func (s *Server) Router() http.Handler { return s.e }

// Start blocks serving on addr.
func (s *Server) Start(addr string) error { return s.e.Start(addr) }

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func (s *Server) call(c echo.Context) error {
	var offer rtc.SessionDescription
	if err := c.Bind(&offer); err != nil {
		log.Printf("httpserver: invalid offer: %v", err)
		return c.String(http.StatusBadRequest, "invalid offer")
	}
	answer, err := s.offers.HandleOffer(c.Request().Context(), offer)
	if err != nil {
		log.Printf("httpserver: handle offer failed: %v", err)
		return c.String(http.StatusInternalServerError, "failed to negotiate")
	}
	return c.JSON(http.StatusOK, answer)
}

type stateDTO struct {
	Phase   string `json:"phase"`
	Message string `json:"message,omitempty"`
}

func toStateDTO(st session.State) stateDTO {
	return stateDTO{Phase: st.Phase.String(), Message: st.Message}
}

func (s *Server) state(c echo.Context) error {
	return c.JSON(http.StatusOK, toStateDTO(s.controller.State()))
}

type turnDTO struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

func (s *Server) history(c echo.Context) error {
	turns := s.controller.History().Snapshot()
	out := make([]turnDTO, 0, len(turns))
	for _, t := range turns {
		out = append(out, turnDTO{Role: string(t.Role), Text: t.Text})
	}
	return c.JSON(http.StatusOK, map[string]any{"turns": out})
}

func (s *Server) clearHistory(c echo.Context) error {
	s.controller.ClearHistory()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) interrupt(c echo.Context) error {
	ok := s.controller.InterruptSpeech()
	return c.JSON(http.StatusOK, map[string]bool{"interrupted": ok})
}

// events streams state transitions over a WebSocket. The current state is
// sent first so late subscribers start in sync.
func (s *Server) events(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	states := make(chan session.State, 32)
	id := s.controller.Subscribe(func(st session.State) {
		select {
		case states <- st:
		default:
			// Slow consumer; drop rather than stall notification.
		}
	})
	defer s.controller.Unsubscribe(id)
	defer conn.Close()

	if err := conn.WriteJSON(toStateDTO(s.controller.State())); err != nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		// Reader only notices close; clients do not send payloads.
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return nil
		case st := <-states:
			if err := conn.WriteJSON(toStateDTO(st)); err != nil {
				return nil
			}
		}
	}
}
