// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, instance information, and the built-in test page.
package server

import (
	"fmt"
	"net/http"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/ZeQ61/message/internal/auth"
	"github.com/ZeQ61/message/internal/codec"
	"github.com/ZeQ61/message/internal/metrics"
)

// WebSocketHandler handles WebSocket upgrade requests. A credential presented
// with the upgrade request is verified before upgrading and a failure is
// answered with 401. Without one, the client must authenticate with its
// CONNECT frame.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	var principal auth.Principal
	if creds := auth.CredentialsFromRequest(r); creds.Token() != "" {
		p, err := s.authenticator.Authenticate(r.Context(), creds)
		if err != nil {
			s.logger.Info("Upgrade rejected", watermill.LogFields{"remote_addr": r.RemoteAddr, "reason": err.Error()})
			s.metrics.Handshake(metrics.ResultRejected)
			auth.Unauthorized(w)
			return
		}
		principal = p
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Info("WebSocket upgrade failed", watermill.LogFields{"remote_addr": r.RemoteAddr, "reason": err.Error()})
		return
	}

	s.hub.serve(NewClient(conn, s.hub, r.RemoteAddr, principal))
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Chat server is running!")
}

// instanceInfo is served at /api/info.
type instanceInfo struct {
	InstanceID string `json:"instanceId"`
	Transport  string `json:"transport"`
	Sessions   int    `json:"sessions"`
	Clients    int    `json:"clients"`
}

// InfoHandler reports which instance answered and how many sessions it holds.
func (s *Server) InfoHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := codec.Encode(w, instanceInfo{
		InstanceID: s.cfg.InstanceID,
		Transport:  s.cfg.Bus.Transport,
		Sessions:   s.registry.Count(),
		Clients:    s.hub.ClientCount(),
	}); err != nil {
		s.logger.Error("Error writing instance info", err, nil)
	}
}

// TestPageHandler serves an HTML page that speaks the frame protocol: it
// authenticates with a CONNECT frame, subscribes to a destination and sends
// chat messages.
func (s *Server) TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := fmt.Fprint(w, testPageHTML); err != nil {
		s.logger.Error("Error writing HTML response", err, nil)
	}
}

const testPageHTML = `<!DOCTYPE html>
<html>
<head>
    <title>Chat WebSocket Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #frames {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
            font-family: monospace;
        }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; background-color: #007cba; color: white; border: none; cursor: pointer; }
        button:hover { background-color: #005a87; }
        .status { margin: 10px 0; padding: 5px; border-radius: 3px; }
        .connected { background-color: #d4edda; color: #155724; }
        .disconnected { background-color: #f8d7da; color: #721c24; }
    </style>
</head>
<body>
    <h1>Chat WebSocket Test</h1>

    <div id="status" class="status disconnected">Disconnected</div>

    <div>
        <input type="text" id="tokenInput" placeholder="Bearer token">
        <button id="connectButton" onclick="toggleConnection()">Connect</button>
    </div>
    <div>
        <input type="text" id="destinationInput" value="/user/queue/messages">
        <button onclick="subscribe()">Subscribe</button>
    </div>
    <div>
        <input type="text" id="chatInput" placeholder="Chat id">
        <input type="text" id="messageInput" placeholder="Type a message...">
        <button onclick="sendMessage()">Send</button>
    </div>

    <div id="frames"></div>

    <script>
        let ws = null;
        const framesDiv = document.getElementById('frames');
        const statusDiv = document.getElementById('status');
        const connectButton = document.getElementById('connectButton');

        function log(text) {
            const el = document.createElement('div');
            el.textContent = text;
            framesDiv.appendChild(el);
            framesDiv.scrollTop = framesDiv.scrollHeight;
        }

        function updateStatus(connected) {
            statusDiv.textContent = connected ? 'Connected' : 'Disconnected';
            statusDiv.className = 'status ' + (connected ? 'connected' : 'disconnected');
            connectButton.textContent = connected ? 'Disconnect' : 'Connect';
        }

        function sendFrame(frame) {
            if (ws && ws.readyState === WebSocket.OPEN) {
                ws.send(JSON.stringify(frame));
                log('> ' + JSON.stringify(frame));
            }
        }

        function connect() {
            const scheme = location.protocol === 'https:' ? 'wss://' : 'ws://';
            ws = new WebSocket(scheme + location.host + '/ws', 'v1.chat.json');
            ws.onopen = function() {
                const token = document.getElementById('tokenInput').value.trim();
                sendFrame({type: 'CONNECT', headers: {Authorization: 'Bearer ' + token}});
            };
            ws.onmessage = function(event) {
                const frame = JSON.parse(event.data);
                if (frame.type === 'CONNECTED') {
                    updateStatus(true);
                }
                log('< ' + event.data);
            };
            ws.onclose = function(event) {
                log('Connection closed (' + event.code + ' ' + event.reason + ')');
                updateStatus(false);
                ws = null;
            };
        }

        function toggleConnection() {
            if (ws) {
                sendFrame({type: 'DISCONNECT'});
                ws.close();
            } else {
                connect();
            }
        }

        function subscribe() {
            sendFrame({type: 'SUBSCRIBE', destination: document.getElementById('destinationInput').value});
        }

        function sendMessage() {
            const input = document.getElementById('messageInput');
            const chatId = parseInt(document.getElementById('chatInput').value, 10);
            if (input.value.trim() && chatId > 0) {
                sendFrame({
                    type: 'SEND',
                    destination: '/app/chat.sendMessage',
                    headers: {receipt: String(Date.now())},
                    body: {chatId: chatId, content: input.value.trim()}
                });
                input.value = '';
            }
        }
    </script>
</body>
</html>`
