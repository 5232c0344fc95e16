package inference

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brensch/reversi/executor/convert"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Frame layout, little endian.
//
//	request:  token u64 | n u32 | n*FloatSize float32
//	response: token u64 | status u8 | ok: n*64 policy, n value float32
//	                                  | failed: error text
const (
	requestHeaderSize  = 12
	responseHeaderSize = 9

	statusOK     byte = 0
	statusFailed byte = 1
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1 << 16,
	WriteBufferSize: 1 << 16,
}

// NewWebsocketHandler serves the service to remote search workers. Each
// connection gets its own endpoint and may keep many requests in flight.
func NewWebsocketHandler(svc *Service, logger zerolog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		defer conn.Close()
		logger.Info().Str("remote", r.RemoteAddr).Msg("remote worker connected")

		ctx, cancel := context.WithCancel(r.Context())
		endpoint := svc.NewEndpoint()
		var writeMu sync.Mutex
		var wg sync.WaitGroup
		defer func() {
			cancel()
			wg.Wait()
		}()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket read failed")
				}
				return
			}
			token, n, input, err := decodeRequest(msg)
			if err != nil {
				logger.Warn().Err(err).Msg("bad request frame")
				return
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				policy, value, err := endpoint.Predict(ctx, input, n)
				out := encodeResponse(token, policy, value, err)
				writeMu.Lock()
				defer writeMu.Unlock()
				if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
					logger.Debug().Err(err).Msg("websocket write failed")
				}
			}()
		}
	})
}

func decodeRequest(msg []byte) (uint64, int, []float32, error) {
	if len(msg) < requestHeaderSize {
		return 0, 0, nil, fmt.Errorf("request frame of %d bytes", len(msg))
	}
	token := binary.LittleEndian.Uint64(msg)
	n := int(binary.LittleEndian.Uint32(msg[8:]))
	body := msg[requestHeaderSize:]
	if len(body) != n*convert.BufferSize {
		return 0, 0, nil, fmt.Errorf("request frame for %d positions has %d body bytes", n, len(body))
	}
	input := make([]float32, n*convert.FloatSize)
	convert.ReadFloats(input, body)
	return token, n, input, nil
}

func encodeResponse(token uint64, policy, value []float32, err error) []byte {
	out := make([]byte, responseHeaderSize, responseHeaderSize+(len(policy)+len(value))*convert.BytesPerFloat)
	binary.LittleEndian.PutUint64(out, token)
	if err != nil {
		out[8] = statusFailed
		return append(out, err.Error()...)
	}
	out[8] = statusOK
	out = convert.AppendFloats(out, policy)
	return convert.AppendFloats(out, value)
}

type pendingCall struct {
	n    int
	resp chan response
}

// RemoteClient evaluates positions through a remote service. It is safe for
// concurrent use.
type RemoteClient struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]pendingCall
	err     error

	nextToken atomic.Uint64
	done      chan struct{}
}

func DialRemote(ctx context.Context, url string) (*RemoteClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &RemoteClient{
		conn:    conn,
		pending: make(map[uint64]pendingCall),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *RemoteClient) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *RemoteClient) readLoop() {
	defer close(c.done)
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			c.failAll(fmt.Errorf("%w: connection lost: %w", ErrEvaluatorUnavailable, err))
			return
		}
		if len(msg) < responseHeaderSize {
			continue
		}
		token := binary.LittleEndian.Uint64(msg)
		c.mu.Lock()
		call, ok := c.pending[token]
		delete(c.pending, token)
		c.mu.Unlock()
		if !ok {
			continue
		}
		call.resp <- decodeResponse(msg, call.n)
	}
}

func decodeResponse(msg []byte, n int) response {
	body := msg[responseHeaderSize:]
	if msg[8] != statusOK {
		return response{err: fmt.Errorf("%w: %s", ErrEvaluatorUnavailable, body)}
	}
	want := n * (convert.PolicySize + ValueSize)
	if len(body) != want*convert.BytesPerFloat {
		return response{err: fmt.Errorf("response for %d positions has %d bytes", n, len(body))}
	}
	policy := make([]float32, n*convert.PolicySize)
	convert.ReadFloats(policy, body)
	value := make([]float32, n)
	convert.ReadFloats(value, body[len(policy)*convert.BytesPerFloat:])
	return response{policy: policy, value: value}
}

func (c *RemoteClient) failAll(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
	for token, call := range c.pending {
		call.resp <- response{err: err}
		delete(c.pending, token)
	}
}

func (c *RemoteClient) Predict(ctx context.Context, input []float32, n int) ([]float32, []float32, error) {
	if n == 0 {
		return nil, nil, nil
	}
	if len(input) != n*convert.FloatSize {
		return nil, nil, fmt.Errorf("predict: input holds %d floats for %d positions", len(input), n)
	}
	token := c.nextToken.Add(1)
	call := pendingCall{n: n, resp: make(chan response, 1)}

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, nil, err
	}
	c.pending[token] = call
	c.mu.Unlock()

	frame := make([]byte, requestHeaderSize, requestHeaderSize+n*convert.BufferSize)
	binary.LittleEndian.PutUint64(frame, token)
	binary.LittleEndian.PutUint32(frame[8:], uint32(n))
	frame = convert.AppendFloats(frame, input)

	c.writeMu.Lock()
	err := c.conn.WriteMessage(websocket.BinaryMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(token)
		return nil, nil, fmt.Errorf("%w: %w", ErrEvaluatorUnavailable, err)
	}

	select {
	case resp := <-call.resp:
		return resp.policy, resp.value, resp.err
	case <-ctx.Done():
		c.forget(token)
		return nil, nil, ctx.Err()
	}
}

func (c *RemoteClient) forget(token uint64) {
	c.mu.Lock()
	delete(c.pending, token)
	c.mu.Unlock()
}

// IsUnavailable reports whether err means the evaluator could not be reached.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrEvaluatorUnavailable) || errors.Is(err, ErrServiceClosed)
}
