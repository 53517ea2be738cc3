// Command sfu-server wires the core (controller, workers, bus, shared DTLS
// certificate) to an HTTP front end and runs it until interrupted.
package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/tinysfu/core/internal/bus"
	"github.com/tinysfu/core/internal/controller"
	"github.com/tinysfu/core/internal/engine"
	"github.com/tinysfu/core/internal/ioevent"
	"github.com/tinysfu/core/internal/sfulog"
	"github.com/tinysfu/core/internal/transport"
	"github.com/tinysfu/core/internal/worker"
)

func main() {
	httpAddr := pflag.String("http_addr", "0.0.0.0:8000", "address the HTTP front end listens on")
	numWorkers := pflag.Int("workers", 4, "number of worker threads")
	listenAddr := pflag.String("listen_addr", "127.0.0.1", "address each worker's UDP socket binds to")
	logLevel := pflag.String("log_level", "info", "log level: debug, info, warn, error")
	pflag.Parse()

	log, err := sfulog.New(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sfu-server: build logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(*httpAddr, *listenAddr, *numWorkers, log); err != nil {
		log.Fatal("sfu-server exited", zap.Error(err))
	}
}

func run(httpAddr, listenAddr string, numWorkers int, log *zap.Logger) error {
	cert, err := engine.NewCertificate()
	if err != nil {
		return fmt.Errorf("sfu-server: generate certificate: %w", err)
	}

	mediaBus := bus.New(bus.DefaultCapacity)
	loggerFactory := sfulog.NewFactory(log)
	ctrl := controller.New(log, 256)

	for i := 0; i < numWorkers; i++ {
		sock, err := transport.NewPreferred(transport.Ring, net.JoinHostPort(listenAddr, "0"))
		if err != nil {
			return fmt.Errorf("sfu-server: bind worker %d socket: %w", i, err)
		}
		if err := sock.Prepare(); err != nil {
			return fmt.Errorf("sfu-server: prepare worker %d socket: %w", i, err)
		}

		inbound := make(chan ioevent.Event, 256)
		localAddrs := []net.Addr{sock.LocalAddr()}
		w := worker.New(sock, cert, localAddrs, mediaBus, loggerFactory.NewLogger(fmt.Sprintf("worker.%d", i)), inbound, ctrl.Outbound())
		ctrl.AddWorker(w, inbound)

		log.Info("worker bound", zap.Int("index", i), zap.Stringer("local_addr", sock.LocalAddr()))
	}

	ctrl.Run()
	defer ctrl.Shutdown()

	pending := newPendingResponses()
	go drainOutbound(ctrl, pending)

	router := newRouter(ctrl, pending)
	srv := &http.Server{Addr: httpAddr, Handler: router}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http front end listening", zap.String("addr", httpAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("sfu-server: http front end: %w", err)
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	return srv.Close()
}

// drainOutbound moves every HTTPResponse the controller produces into the
// pending-response registry, so the gin handler blocked on that request's
// channel can wake up and write the reply.
func drainOutbound(ctrl *controller.Controller, pending *pendingResponses) {
	for {
		a, ok := ctrl.PopAction()
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if a.HTTPResponse != nil {
			pending.resolve(a.HTTPResponse)
		}
	}
}

func newRouter(ctrl *controller.Controller, pending *pendingResponses) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.Default())

	core := func(c *gin.Context) { handleCoreRequest(c, ctrl, pending) }
	r.POST("/whip/endpoint", core)
	r.POST("/whep/endpoint", core)
	r.Static("/public", "./public")
	r.NoRoute(func(c *gin.Context) { c.String(http.StatusNotFound, "Not Found") })

	return r
}

// handleCoreRequest bridges one gin request into an ioevent.Event, blocks
// on the pending-response registry until the worker that handled it
// produces an HTTPResponse, and writes that response back to the client.
func handleCoreRequest(c *gin.Context, ctrl *controller.Controller, pending *pendingResponses) {
	body, err := readAll(c)
	if err != nil {
		c.String(http.StatusBadRequest, "Bad Request")
		return
	}

	headers := make(map[string]string, len(c.Request.Header))
	for k := range c.Request.Header {
		headers[k] = c.Request.Header.Get(k)
	}

	reqID, wait := pending.register()
	if !ctrl.Dispatch(ioevent.Event{HTTPRequest: &ioevent.HTTPRequest{
		ReqID:   reqID,
		Method:  c.Request.Method,
		Path:    c.Request.URL.Path,
		Headers: headers,
		Body:    body,
	}}) {
		pending.cancel(reqID)
		c.String(http.StatusServiceUnavailable, "Service Unavailable")
		return
	}

	select {
	case resp := <-wait:
		for k, v := range resp.Headers {
			c.Header(k, v)
		}
		c.Data(resp.Status, contentTypeOrDefault(resp.Headers), resp.Body)
	case <-time.After(5 * time.Second):
		pending.cancel(reqID)
		c.String(http.StatusGatewayTimeout, "Gateway Timeout")
	}
}

func readAll(c *gin.Context) ([]byte, error) {
	return io.ReadAll(c.Request.Body)
}

func contentTypeOrDefault(headers map[string]string) string {
	if ct, ok := headers["Content-Type"]; ok {
		return ct
	}
	return "application/octet-stream"
}
