package inmemory

import (
	"sync"

	"github.com/gorilla/websocket"

	"github.com/watchwithmi/server/internal/repository/connection"
)

type repo struct {
	mu       sync.RWMutex
	byConn   map[*websocket.Conn]*connection.Client
	byMember map[string]*connection.Client
}

func NewRepo() *repo {
	return &repo{
		byConn:   make(map[*websocket.Conn]*connection.Client),
		byMember: make(map[string]*connection.Client),
	}
}

// Add registers a freshly upgraded connection with no room association.
func (r *repo) Add(conn *websocket.Conn) (*connection.Client, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byConn[conn]; exists {
		return nil, connection.ErrAlreadyExists
	}

	client := connection.NewClient(conn)
	r.byConn[conn] = client
	return client, nil
}

// Bind attaches a session to a connected client and indexes it by member id.
func (r *repo) Bind(client *connection.Client, session connection.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, taken := r.byMember[session.MemberId]; taken && existing != client {
		return connection.ErrAlreadyExists
	}

	if prev, was := client.Session(); was {
		delete(r.byMember, prev.MemberId)
	}

	client.Bind(session)
	r.byMember[session.MemberId] = client
	return nil
}

func (r *repo) GetByConn(conn *websocket.Conn) (*connection.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.byConn[conn]
	if !ok {
		return nil, connection.ErrNotFound
	}
	return client, nil
}

func (r *repo) GetByMemberId(memberId string) (*connection.Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	client, ok := r.byMember[memberId]
	if !ok {
		return nil, connection.ErrNotFound
	}
	return client, nil
}

// Remove drops the client from both indexes. Safe to call twice; the
// second call reports the client as already gone.
func (r *repo) Remove(client *connection.Client) (connection.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, tracked := r.byConn[client.Conn()]
	delete(r.byConn, client.Conn())

	session, bound := client.Unbind()
	if bound {
		if indexed, ok := r.byMember[session.MemberId]; ok && indexed == client {
			delete(r.byMember, session.MemberId)
		}
	}

	return session, tracked && bound
}
