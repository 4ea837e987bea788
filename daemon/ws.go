package daemon

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// streamWriter turns an io.Writer stream into outgoing WebSocket JSON
// messages, chunked so the encoded message stays under the peer's read
// limit.
type streamWriter struct {
	log    *zap.SugaredLogger
	ctx    context.Context
	conn   *websocket.Conn
	sendMu *sync.Mutex

	// writeMsg is called with a chunk of the written bytes; the return value
	// is JSON-encoded and sent as one outgoing message.
	writeMsg func(b []byte) any
}

func (w *streamWriter) Write(b []byte) (int, error) {
	// the write limit is over-conservative, we are estimating the final
	// encoded JSON size
	writeLimit := readLimit / 3
	leftToWrite := b
	for {
		toWrite := leftToWrite
		more := false
		if len(leftToWrite) > writeLimit {
			toWrite = toWrite[:writeLimit]
			leftToWrite = leftToWrite[writeLimit:]
			more = true
		}

		msg := w.writeMsg(toWrite)
		w.sendMu.Lock()
		err := wsjson.Write(w.ctx, w.conn, &msg)
		w.sendMu.Unlock()
		if err != nil {
			return 0, err
		}
		if !more {
			w.log.Debugf("wrote %d bytes", len(b))
			return len(b), nil
		}
	}
}
