package connection

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

var (
	ErrNotFound      = errors.New("connection not found")
	ErrAlreadyExists = errors.New("connection already exists")
)

// Session ties a live connection to its room identity. A connection has no
// session until the member creates or joins a room.
type Session struct {
	RoomCode string
	MemberId string
	Username string
}

// Client wraps a websocket connection with a write lock, since gorilla
// connections allow at most one concurrent writer.
type Client struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.RWMutex
	session Session
	bound   bool
}

func NewClient(conn *websocket.Conn) *Client {
	return &Client{conn: conn}
}

func (c *Client) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

func (c *Client) Session() (Session, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.bound
}

// Bind and Unbind are called by the connection repository only, which
// keeps its member-id index consistent with the client's session.
func (c *Client) Bind(s Session) {
	c.mu.Lock()
	c.session = s
	c.bound = true
	c.mu.Unlock()
}

func (c *Client) Unbind() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, was := c.session, c.bound
	c.session = Session{}
	c.bound = false
	return s, was
}
