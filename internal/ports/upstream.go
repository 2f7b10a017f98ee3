package ports

import "context"

// UpstreamDialer opens a connection to a sensor source. The address format is
// transport specific; sourceType tells the transport which sensor to stream.
type UpstreamDialer interface {
	Dial(ctx context.Context, sourceType, address string) (UpstreamConn, error)
}

// UpstreamConn yields raw frames until it fails or is closed.
type UpstreamConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	Close(code int, reason string) error
}
