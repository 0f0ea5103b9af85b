package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo"
	"github.com/rs/zerolog"
)

// statusResponse is the wire shape of GET /api/status.
type statusResponse struct {
	Mode       string `json:"mode"`
	StationID  string `json:"station_id"`
	Station    string `json:"station"`
	Status     string `json:"status"`
	Title      string `json:"title,omitempty"`
	Notice     string `json:"notice,omitempty"`
	StreamURL  string `json:"stream_url,omitempty"`
	ArtworkURL string `json:"artwork_url,omitempty"`
}

// APIServer exposes the session over HTTP for scripts and the companion
// remote. It is disabled unless a listen address is configured.
type APIServer struct {
	ctrl *Controller
	log  zerolog.Logger
	echo *echo.Echo
	addr string
}

// NewAPIServer wires the control endpoints onto an echo instance.
func NewAPIServer(cfg *Config, log zerolog.Logger, ctrl *Controller) *APIServer {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &APIServer{
		ctrl: ctrl,
		log:  log.With().Str("component", "api").Logger(),
		echo: e,
		addr: cfg.HTTPAddr,
	}

	e.GET("/api/status", s.getStatus)
	e.POST("/api/previous", s.command(CmdSelectPrevious))
	e.POST("/api/next", s.command(CmdSelectNext))
	e.POST("/api/mode", s.command(CmdToggleMode))
	e.POST("/api/shutdown", s.postShutdown)
	return s
}

// Run serves until the context is cancelled.
func (s *APIServer) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		errc <- s.echo.Start(s.addr)
	}()
	s.log.Info().Str("addr", s.addr).Msg("control api listening")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	case err := <-errc:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *APIServer) getStatus(c echo.Context) error {
	snap := s.ctrl.Snapshot()
	resp := statusResponse{
		Mode:       string(snap.Mode),
		StationID:  snap.Station.ID,
		Station:    snap.Station.Label(),
		Status:     string(snap.Status),
		Title:      snap.NowPlaying.Title,
		Notice:     snap.Notice,
		ArtworkURL: snap.NowPlaying.ArtworkURL,
	}
	if snap.Stream != nil {
		resp.StreamURL = snap.Stream.URL
	}
	return c.JSON(http.StatusOK, resp)
}

// command returns a handler that dispatches cmd and acknowledges it. The
// effect is asynchronous; callers poll /api/status for the outcome.
func (s *APIServer) command(cmd Command) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.ctrl.Dispatch(cmd)
		return c.JSON(http.StatusAccepted, map[string]string{"dispatched": cmd.String()})
	}
}

// postShutdown skips the physical confirm dance; an API caller already had
// to spell out the endpoint name.
func (s *APIServer) postShutdown(c echo.Context) error {
	s.ctrl.Dispatch(CmdConfirmShutdown)
	return c.JSON(http.StatusAccepted, map[string]string{"dispatched": CmdConfirmShutdown.String()})
}
