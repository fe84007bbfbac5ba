package base

import "context"

// WsConnWrapper is one accepted client connection. ReadLoop and WriteLoop
// run concurrently inside Serve; Close runs the closing handshake once both
// have returned.
type WsConnWrapper interface {
	ID() int64
	Serve(ctx context.Context) error
	ReadLoop(ctx context.Context) error
	WriteLoop(ctx context.Context) error
	Close(ctx context.Context) error
}
