// Package chattest runs an in-process chat server speaking the client's wire protocol:
// the /chat websocket, token refresh, message history and conversation lookup.
package chattest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
)

const (
	writeWait = 3 * time.Second

	// buffered frames received from clients.
	receivedBuffer = 256
)

// Server is a chat server for tests and local development.
// Tokens are checked for equality; refreshing rotates both tokens.
type Server struct {
	sync.Mutex

	mux      *http.ServeMux
	upgrader websocket.Upgrader

	pair         auth.Pair
	issued       int
	refreshCalls int

	history       map[string][]*chat.Message
	conversations map[string]*chat.Conversation
	failHistory   bool
	echo          bool
	handshakeWait time.Duration

	peers       map[*peer]struct{}
	connections int
	received    chan *chat.Message
}

type peer struct {
	sync.Mutex
	conn *websocket.Conn
}

func (p *peer) write(messageType int, data []byte) error {
	p.Lock()
	defer p.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(messageType, data)
}

// New creates a server accepting the given pair. Echo is on: every message a client
// sends is stamped with an id and timestamp, stored and broadcast to all peers.
func New(pair auth.Pair) *Server {
	s := &Server{
		mux: http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		pair:          pair,
		history:       make(map[string][]*chat.Message),
		conversations: make(map[string]*chat.Conversation),
		echo:          true,
		peers:         make(map[*peer]struct{}),
		received:      make(chan *chat.Message, receivedBuffer),
	}

	s.mux.HandleFunc("/chat", s.serveChat)
	s.mux.HandleFunc("POST /api/auth/refreshToken", s.serveRefresh)
	s.mux.HandleFunc("GET /api/messages/get", s.serveMessages)
	s.mux.HandleFunc("GET /api/conversations/get/{id}/{userId}", s.serveConversation)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// WSURL turns the http url of a running server into its /chat websocket url.
func WSURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/chat"
}

func (s *Server) authorized(r *http.Request) bool {
	s.Lock()
	defer s.Unlock()
	return r.Header.Get("Authorization") == "Bearer "+s.pair.AccessToken
}

func (s *Server) serveChat(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.Lock()
	wait := s.handshakeWait
	s.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("chattest: upgrade error: %v", err)
		return
	}

	p := &peer{conn: conn}
	s.Lock()
	s.peers[p] = struct{}{}
	s.connections++
	s.Unlock()

	go s.readLoop(p)
}

func (s *Server) readLoop(p *peer) {
	defer func() {
		s.Lock()
		delete(s.peers, p)
		s.Unlock()
		p.conn.Close()
	}()

	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			glog.V(5).Infof("chattest: peer read error: %v", err)
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		m, err := chat.DecodeMessage(data)
		if err != nil {
			glog.Warningf("chattest: %v", err)
			continue
		}

		select {
		case s.received <- m:
		default:
		}

		s.Lock()
		echo := s.echo
		s.Unlock()
		if !echo {
			continue
		}

		acked := *m
		acked.ID = uuid.New()
		if acked.Timestamp.IsZero() {
			acked.Timestamp = time.Now().UTC()
		}
		s.appendHistory(&acked)
		if err := s.Push(&acked); err != nil {
			glog.Warningf("chattest: echo error: %v", err)
		}
	}
}

func (s *Server) serveRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.Lock()
	s.refreshCalls++
	if req.RefreshToken == "" || req.RefreshToken != s.pair.RefreshToken {
		s.Unlock()
		http.Error(w, "invalid refresh token", http.StatusUnauthorized)
		return
	}
	s.issued++
	s.pair = auth.Pair{
		AccessToken:  fmt.Sprintf("access-%d", s.issued),
		RefreshToken: fmt.Sprintf("refresh-%d", s.issued),
	}
	out := s.pair
	s.Unlock()

	writeJSON(w, out)
}

func (s *Server) serveMessages(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.Lock()
	fail := s.failHistory
	out := append([]*chat.Message{}, s.history[r.URL.Query().Get("conversationId")]...)
	s.Unlock()

	if fail {
		http.Error(w, "history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, out)
}

func (s *Server) serveConversation(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.Lock()
	c, ok := s.conversations[r.PathValue("id")]
	s.Unlock()

	if !ok || !c.IsMember(r.PathValue("userId")) {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, c)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Errorf("chattest: write response error: %v", err)
	}
}

func (s *Server) appendHistory(m *chat.Message) {
	s.Lock()
	s.history[m.ConversationID] = append(s.history[m.ConversationID], m)
	s.Unlock()
}

// SetHistory replaces the stored backlog of a conversation.
func (s *Server) SetHistory(conversationID string, msgs ...*chat.Message) {
	s.Lock()
	s.history[conversationID] = msgs
	s.Unlock()
}

func (s *Server) SetConversation(c *chat.Conversation) {
	s.Lock()
	s.conversations[c.ID] = c
	s.Unlock()
}

// FailHistory makes the history endpoint answer 500.
func (s *Server) FailHistory(fail bool) {
	s.Lock()
	s.failHistory = fail
	s.Unlock()
}

func (s *Server) SetEcho(echo bool) {
	s.Lock()
	s.echo = echo
	s.Unlock()
}

// SetHandshakeDelay delays every websocket upgrade.
func (s *Server) SetHandshakeDelay(d time.Duration) {
	s.Lock()
	s.handshakeWait = d
	s.Unlock()
}

// ExpireAccessToken invalidates the current access token; the refresh token stays valid.
func (s *Server) ExpireAccessToken() {
	s.Lock()
	s.issued++
	s.pair.AccessToken = fmt.Sprintf("expired-%d", s.issued)
	s.Unlock()
}

func (s *Server) Tokens() auth.Pair {
	s.Lock()
	defer s.Unlock()
	return s.pair
}

func (s *Server) RefreshCalls() int {
	s.Lock()
	defer s.Unlock()
	return s.refreshCalls
}

// Received returns messages sent by clients, in arrival order.
func (s *Server) Received() <-chan *chat.Message {
	return s.received
}

// Connections counts accepted websocket connections.
func (s *Server) Connections() int {
	s.Lock()
	defer s.Unlock()
	return s.connections
}

func (s *Server) Peers() int {
	s.Lock()
	defer s.Unlock()
	return len(s.peers)
}

// Push broadcasts m to every connected peer.
func (s *Server) Push(m *chat.Message) error {
	data, err := chat.EncodeMessage(m)
	if err != nil {
		return err
	}
	return s.PushRaw(websocket.TextMessage, data)
}

// PushRaw broadcasts one frame as is.
func (s *Server) PushRaw(messageType int, data []byte) error {
	var firstErr error
	for _, p := range s.copyPeers() {
		if err := p.write(messageType, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DropAll sends a close frame with code to every peer and closes the connections.
func (s *Server) DropAll(code int) {
	for _, p := range s.copyPeers() {
		p.Lock()
		_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, ""),
			time.Now().Add(writeWait))
		p.conn.Close()
		p.Unlock()
	}
}

func (s *Server) copyPeers() []*peer {
	s.Lock()
	defer s.Unlock()
	out := make([]*peer, 0, len(s.peers))
	for p := range s.peers {
		out = append(out, p)
	}
	return out
}
