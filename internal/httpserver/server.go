// Package httpserver wires the gin engine and its lifecycle, adapted from
// the teacher's internal/http/http_server (http_server.go) with the
// websocket route and static-file/swagger serving removed — the spec's
// non-goal on real-time push leaves nothing to serve them for.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/sealedbid/auctionengine/internal/httpapi"
)

type Server struct {
	listenPort uint16
	srv        http.Server
	ln         net.Listener
	handler    *httpapi.Handler
	ctx        context.Context
}

func New(ctx context.Context, listenPort uint16, handler *httpapi.Handler) *Server {
	return &Server{listenPort: listenPort, handler: handler, ctx: ctx}
}

// Start binds the listener and blocks serving until Dispose is called.
func (s *Server) Start() error {
	var err error
	listenAddr := fmt.Sprintf(":%d", s.listenPort)
	s.ln, err = net.Listen("tcp", listenAddr)
	if err != nil {
		return err
	}

	router := gin.New()
	router.Use(ginzap.RecoveryWithZap(zap.L(), true))

	s.handler.Register(router)

	s.srv = http.Server{Handler: router}
	return s.srv.Serve(s.ln)
}

// Dispose gracefully shuts the HTTP server down, waiting up to 10s for
// in-flight requests to finish.
func (s *Server) Dispose() error {
	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		zap.L().Error("http_dispose", zap.Error(err))
		return err
	}
	if ctx.Err() == context.DeadlineExceeded {
		zap.L().Error("http_dispose", zap.Error(errors.New("shutdown timed out")))
	}
	return nil
}
