package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dgnsrekt/kinect-multiplexer/internal/broadcast"
	"github.com/dgnsrekt/kinect-multiplexer/internal/control"
	"github.com/dgnsrekt/kinect-multiplexer/internal/stream"
)

// acceptTimeout bounds each Accept so cancellation is noticed promptly.
const acceptTimeout = time.Second

// ErrNoListeners is returned by Run when every bind failed.
var ErrNoListeners = errors.New("no listener could be started")

// ConnHandler serves one accepted connection. It owns conn.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Acceptor runs a ConnHandler for every connection on a listener.
type Acceptor struct {
	name   string
	handle ConnHandler
	logger *zap.Logger
	wg     sync.WaitGroup
}

func NewAcceptor(name string, handle ConnHandler, logger *zap.Logger) *Acceptor {
	return &Acceptor{name: name, handle: handle, logger: logger}
}

// Serve accepts until ctx is cancelled, then waits for in-flight
// connections to finish. Any accept error other than a timeout stops this
// acceptor only.
func (a *Acceptor) Serve(ctx context.Context, ln net.Listener) error {
	defer ln.Close()
	defer a.wg.Wait()

	deadliner, _ := ln.(interface{ SetDeadline(time.Time) error })

	for {
		if ctx.Err() != nil {
			return nil
		}
		if deadliner != nil {
			deadliner.SetDeadline(time.Now().Add(acceptTimeout))
		}

		conn, err := ln.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			a.logger.Error("accept failed", zap.String("acceptor", a.name), zap.Error(err))
			return fmt.Errorf("%s accept: %w", a.name, err)
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.handle(ctx, conn)
		}()
	}
}

// RawStreamHandler serves bare JPEG payloads of st to each connection.
// Clients over capacity are disconnected immediately.
func RawStreamHandler(st *stream.Stream, opts Options, logger *zap.Logger) ConnHandler {
	return func(ctx context.Context, conn net.Conn) {
		defer conn.Close()
		remote := conn.RemoteAddr().String()

		if err := st.Acquire(); err != nil {
			logger.Warn("refusing raw client",
				zap.String("stream", st.ID),
				zap.String("remote", remote),
				zap.Error(err),
			)
			return
		}
		defer st.Release()

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(ctx, func() { conn.Close() })
		defer stop()

		// Raw clients never send; a read returning means they went away.
		go func() {
			io.Copy(io.Discard, conn)
			cancel()
		}()

		session := broadcast.NewSession(st, broadcast.NewRawWriter(conn, opts.WriteTimeout), remote, opts.Session, logger)
		if err := session.Run(ctx); err != nil {
			logger.Debug("raw session ended",
				zap.String("stream", st.ID),
				zap.String("session", session.ID()),
				zap.Error(err),
			)
		}
	}
}

// ControlHandler runs control sessions starting on defaultStream.
func ControlHandler(d *control.Dispatcher, defaultStream string, writeTimeout time.Duration) ConnHandler {
	return func(ctx context.Context, conn net.Conn) {
		d.ServeConn(ctx, conn, defaultStream, writeTimeout)
	}
}

// Endpoint is one address and what serves it.
type Endpoint struct {
	Name  string
	Addr  string
	Serve func(ctx context.Context, ln net.Listener) error
}

// HTTPServe adapts an http.Handler to an Endpoint serve func. The server
// shuts down when ctx is cancelled.
func HTTPServe(handler http.Handler) func(ctx context.Context, ln net.Listener) error {
	return func(ctx context.Context, ln net.Listener) error {
		srv := &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}

		stop := context.AfterFunc(ctx, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		})
		defer stop()

		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Run binds every endpoint and serves them until ctx is cancelled. A bind
// failure is logged and only disables that endpoint. Run fails when none
// could be bound.
func Run(ctx context.Context, endpoints []Endpoint, logger *zap.Logger) error {
	var lc net.ListenConfig
	// Endpoints fail independently, so the group carries no shared context.
	var g errgroup.Group

	started := 0
	for _, ep := range endpoints {
		ln, err := lc.Listen(ctx, "tcp", ep.Addr)
		if err != nil {
			logger.Error("bind failed",
				zap.String("endpoint", ep.Name),
				zap.String("addr", ep.Addr),
				zap.Error(err),
			)
			continue
		}
		started++
		logger.Info("listening",
			zap.String("endpoint", ep.Name),
			zap.String("addr", ln.Addr().String()),
		)

		g.Go(func() error {
			if err := ep.Serve(ctx, ln); err != nil {
				logger.Error("endpoint stopped", zap.String("endpoint", ep.Name), zap.Error(err))
				return fmt.Errorf("%s: %w", ep.Name, err)
			}
			return nil
		})
	}

	if started == 0 {
		return ErrNoListeners
	}
	return g.Wait()
}
