package agent

import (
	"context"
	"fmt"
	"net/http"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// readLimit bounds a single stream message. Property dumps can be large.
const readLimit = 1 << 20

// executeWS answers each ExecuteRequest read from the stream, in order, until the client closes it.
func (a *ConsoleAgent) executeWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		a.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	wsConn.SetReadLimit(readLimit)
	log := a.logger.Named("stream")
	log.Debug("accepted WebSocket conn")

	ctx := r.Context()
	for {
		var req ExecuteRequest
		err := wsjson.Read(ctx, wsConn, &req)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			log.Debug("got normal closure from client")
			return
		}
		if err != nil {
			log.Debugf("error reading request: %s", err)
			wsConn.Close(websocket.StatusInternalError, "reading request")
			return
		}
		resp := ExecuteResponse{Error: "request contained no command", Kind: "request"}
		if req.Command != "" {
			resp = a.run(ctx, req)
		}
		if err := wsjson.Write(ctx, wsConn, resp); err != nil {
			log.Debugf("error writing response: %s", err)
			return
		}
	}
}

// Stream runs commands over a single WebSocket connection. It is not safe for concurrent use.
type Stream struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn
}

func (s *Stream) Execute(ctx context.Context, command string) (string, error) {
	s.log.Debugw("sending command", "Command", command)
	if err := wsjson.Write(ctx, s.conn, ExecuteRequest{Command: command}); err != nil {
		return "", fmt.Errorf("writing request: %w", err)
	}
	var resp ExecuteResponse
	if err := wsjson.Read(ctx, s.conn, &resp); err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return resp.result()
}

func (s *Stream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}
