package signaling

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

type iceServerView struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type iceServersResponse struct {
	ICEServers []iceServerView `json:"iceServers"`
}

// ICEServers returns the STUN/TURN configuration in the shape RTCPeerConnection
// accepts.
func (s *Server) ICEServers(c echo.Context) error {
	out := iceServersResponse{ICEServers: make([]iceServerView, 0, len(s.cfg.ICEServers))}
	for _, srv := range s.cfg.ICEServers {
		view := iceServerView{URLs: srv.URLs, Username: srv.Username}
		if cred, ok := srv.Credential.(string); ok {
			view.Credential = cred
		}
		out.ICEServers = append(out.ICEServers, view)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) Room(c echo.Context) error {
	id := c.Param("id")
	if !roomIDPattern.MatchString(id) {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid room id")
	}
	room, ok := s.reg.Room(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "room not found")
	}
	return c.JSON(http.StatusOK, room)
}

func (s *Server) Stats() RegistryStats {
	return s.reg.Stats()
}
