package wsrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"
)

var ErrUnknownMessageType = errors.New("unknown message type")

type message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type HandlerFunc func(ctx context.Context, conn *websocket.Conn, payload json.RawMessage) error

// ErrorHandlerFunc is invoked with whatever a handler returned, so the
// owner decides how errors are reported to the client.
type ErrorHandlerFunc func(ctx context.Context, conn *websocket.Conn, err error)

type WSRouter struct {
	routes       map[string]HandlerFunc
	errorHandler ErrorHandlerFunc
}

func New() *WSRouter {
	return &WSRouter{routes: make(map[string]HandlerFunc)}
}

func (r *WSRouter) Handle(messageType string, handler HandlerFunc) {
	r.routes[messageType] = handler
}

func (r *WSRouter) HandleError(handler ErrorHandlerFunc) {
	r.errorHandler = handler
}

// ServeConn reads messages until the connection fails and dispatches each
// one to its registered handler. Handler errors and panics are confined to
// the offending message; only read failures end the loop.
func (r *WSRouter) ServeConn(ctx context.Context, conn *websocket.Conn) error {
	for {
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}

		handler, exists := r.routes[msg.Type]
		if !exists {
			r.reportError(ctx, conn, fmt.Errorf("%w %q", ErrUnknownMessageType, msg.Type))
			continue
		}

		if err := r.dispatch(ctx, conn, handler, msg.Payload); err != nil {
			r.reportError(ctx, conn, err)
		}
	}
}

func (r *WSRouter) dispatch(ctx context.Context, conn *websocket.Conn, handler HandlerFunc, payload json.RawMessage) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	return handler(ctx, conn, payload)
}

func (r *WSRouter) reportError(ctx context.Context, conn *websocket.Conn, err error) {
	if r.errorHandler != nil {
		r.errorHandler(ctx, conn, err)
	}
}
