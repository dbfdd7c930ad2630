package wsresource

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"signalengine/internal/logging"
	"signalengine/internal/store"
)

// SocketState mirrors spec §3's SocketState enum.
type SocketState int

const (
	Disconnected SocketState = iota
	Connecting
	Open
	Closing
	Closed
)

// Supervisor owns the connect/reconnect/keepalive lifecycle of one message
// socket and hands off each inbound frame to Handler (spec §4.4).
type Supervisor struct {
	url            string
	header         http.Header
	keepAlive      time.Duration
	reconnectDelay time.Duration
	Handler        func(ctx context.Context, req *store.Request)

	// probe and localNumber back the spec §4.4 onclose reconnect probe:
	// "Else: probe with server.getDevices(self.number); on success,
	// reconnect; on failure, surface error event." probe may be nil, in
	// which case a non-3000/3001 close always reconnects without probing.
	probe       func(ctx context.Context, number string) ([]uint32, error)
	localNumber string

	// OnEmpty fires when the server reports 3001 (inbox drained) instead
	// of reconnecting. OnReconnect fires before every connect() beyond the
	// first. OnError fires when the post-close connectivity probe fails.
	OnEmpty     func()
	OnReconnect func()
	OnError     func(error)

	mu           sync.Mutex
	state        SocketState
	hasConnected bool
	calledClose  bool
	socket       store.Socket

	stop chan struct{}
	done chan struct{}
}

// NewSupervisor builds a supervisor that dials url, sends WriteKeepAlive
// every keepAlive interval, and retries a dropped connection after
// reconnectDelay unless the caller has called Close.
func NewSupervisor(url string, header http.Header, keepAlive, reconnectDelay time.Duration, handler func(ctx context.Context, req *store.Request)) *Supervisor {
	return &Supervisor{
		url:            url,
		header:         header,
		keepAlive:      keepAlive,
		reconnectDelay: reconnectDelay,
		Handler:        handler,
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// WithReconnectProbe arms the spec §4.4 connectivity probe: on a close code
// other than 3000/3001, the supervisor calls probe(ctx, number) before
// deciding whether to reconnect (success) or surface OnError (failure).
func (s *Supervisor) WithReconnectProbe(number string, probe func(ctx context.Context, number string) ([]uint32, error)) *Supervisor {
	s.localNumber = number
	s.probe = probe
	return s
}

// Run drives the socket until ctx is cancelled or Close is called. It
// blocks; callers typically invoke it in its own goroutine.
func (s *Supervisor) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		s.mu.Lock()
		reconnecting := s.hasConnected
		s.mu.Unlock()
		if reconnecting && s.OnReconnect != nil {
			s.OnReconnect()
		}

		s.setState(Connecting)
		sock, err := Dial(ctx, s.url, s.header)
		if err != nil {
			logging.Warn("wsresource: connect failed, will retry", zap.Error(err))
			if !s.wait(ctx, s.reconnectDelay) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.socket = sock
		s.hasConnected = true
		s.mu.Unlock()
		s.setState(Open)

		closeCode := s.drive(ctx, sock)

		s.mu.Lock()
		alreadyClosing := s.calledClose
		s.mu.Unlock()
		if alreadyClosing {
			s.setState(Closed)
			return
		}

		switch closeCode {
		case CloseUserInitiated:
			// spec §4.4: "If calledClose: terminal" / "code == 3000:
			// terminal (user-initiated close)" — never reconnects.
			s.setState(Closed)
			return

		case CloseInboxDrained:
			// spec §4.4: "code == 3001: signal server drained; invoke
			// onEmpty(), do not reconnect."
			s.setState(Closed)
			if s.OnEmpty != nil {
				s.OnEmpty()
			}
			return

		default:
			// spec §4.4: "Else: probe with server.getDevices(self.number);
			// on success, reconnect; on failure, surface error event."
			s.setState(Disconnected)
			if s.probe != nil {
				if _, perr := s.probe(ctx, s.localNumber); perr != nil {
					logging.Warn("wsresource: reconnect probe failed", zap.Error(perr))
					if s.OnError != nil {
						s.OnError(perr)
					}
					return
				}
			}
			if !s.wait(ctx, s.reconnectDelay) {
				return
			}
		}
	}
}

func (s *Supervisor) wait(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-s.stop:
		return false
	}
}

// drive reads frames from sock, dispatching each to Handler, and runs a
// keepalive ticker alongside. It returns the close code the socket went
// down with (0 if the context was cancelled instead).
func (s *Supervisor) drive(ctx context.Context, sock store.Socket) int {
	frameCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		if s.keepAlive <= 0 {
			return
		}
		ticker := time.NewTicker(s.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-frameCtx.Done():
				return
			case <-ticker.C:
				if err := sock.WriteKeepAlive(frameCtx); err != nil {
					logging.Warn("wsresource: keepalive write failed", zap.Error(err))
					return
				}
			}
		}
	}()

	for {
		req, err := sock.ReadRequest(frameCtx)
		if err != nil {
			logging.Debug("wsresource: socket closed", zap.Error(err))
			<-keepAliveDone
			var ce *CloseError
			if errors.As(err, &ce) {
				return ce.Code
			}
			return 0
		}
		if s.Handler != nil {
			s.Handler(frameCtx, req)
		}
	}
}

func (s *Supervisor) setState(st SocketState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State reports the current SocketState.
func (s *Supervisor) State() SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close tears down the socket with the user-initiated close code (spec §3:
// 3000 is terminal, never triggers reconnect).
func (s *Supervisor) Close() error {
	s.mu.Lock()
	s.calledClose = true
	sock := s.socket
	s.mu.Unlock()

	close(s.stop)
	if sock != nil {
		return sock.Close(CloseUserInitiated, "client shutdown")
	}
	return nil
}

// Wait blocks until Run has returned.
func (s *Supervisor) Wait() {
	<-s.done
}
