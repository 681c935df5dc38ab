package realtime

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v3"

	"github.com/clipcast/backend/pkg/response"
)

// ICEServers builds the STUN/TURN list handed to browsers before they start
// exchanging offer/answer/ice-candidate events. TURN entries take the shared
// username and credential; STUN entries ignore them.
func ICEServers(urls []string, username, credential string) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		s := webrtc.ICEServer{URLs: []string{u}}
		if strings.HasPrefix(u, "turn:") || strings.HasPrefix(u, "turns:") {
			s.Username = username
			s.Credential = credential
			s.CredentialType = webrtc.ICECredentialTypePassword
		}
		servers = append(servers, s)
	}
	return servers
}

// ServeICEServers handles GET /ice-servers.
func ServeICEServers(servers []webrtc.ICEServer) gin.HandlerFunc {
	return func(c *gin.Context) {
		response.OK(c, gin.H{"iceServers": servers})
	}
}
