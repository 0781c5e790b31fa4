package mesh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	sloghttp "github.com/samber/slog-http"

	"github.com/italypaleale/orbit/cluster"
)

const (
	headerContentType  = "Content-Type"
	headerFrom         = "X-Orbit-From"
	headerTo           = "X-Orbit-To"
	headerNodeID       = "X-Orbit-Node"
	contentTypeMsgpack = "application/vnd.msgpack"
	contentTypeMessage = "application/octet-stream"

	pathMessage = "/v1/message"

	serverShutdownTimeout = 5 * time.Second
)

// startServer starts the HTTP/3 server on the listener, in background.
func (p *Peer) startServer(conn net.PacketConn) {
	p.server = &http3.Server{
		Handler:        p.getServerHandler(),
		MaxHeaderBytes: 1 << 20,
		TLSConfig:      p.serverTLSConfig,
		QUICConfig:     &quic.Config{},
	}

	p.log.Info("Mesh server started", slog.String("bind", conn.LocalAddr().String()))

	srv := p.server
	p.wg.Go(func() {
		// Next call blocks until the server is shut down
		err := srv.Serve(conn)
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			p.log.Error("Error running mesh server", slog.Any("error", err))
		}
	})
}

func (p *Peer) stopServer(ctx context.Context) error {
	if p.server == nil {
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), serverShutdownTimeout)
	defer shutdownCancel()
	err := p.server.Shutdown(shutdownCtx)
	if err != nil {
		// Log the error only (could be context canceled)
		p.log.WarnContext(ctx, "Mesh server shutdown error", slog.Any("error", err))
	}

	err = p.server.Close()
	if err != nil {
		return fmt.Errorf("failed to close mesh server: %w", err)
	}
	return nil
}

func (p *Peer) getServerHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("POST "+pathMessage, p.handleMessage)

	return use(mux,
		middlewareMaxBodySize(p.opts.MaxMessageSize),
		middlewareNodeIDHeader(p.LocalAddress),
		sloghttp.Recovery,
		sloghttp.New(p.log.With(slog.String("component", "mesh-server"))),
	)
}

// Handler for POST /v1/message
func (p *Peer) handleMessage(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()

	if !p.joined.Load() {
		errAPINotJoined.WriteResponse(w)
		return
	}

	// Messages can reach the wrong node if the sender's view is stale and the address was reused
	to := r.Header.Get(headerTo)
	switch {
	case to == "":
		errAPINodeIDEmpty.WriteResponse(w)
		return
	case to != p.LocalAddress().String():
		errAPINodeIDMismatch.WriteResponse(w)
		return
	}

	ok, err := p.opts.PeerAuth.ValidateIncomingRequest(r)
	if err != nil {
		p.log.WarnContext(r.Context(), "Failed to validate incoming request", slog.Any("error", err))
		errAPIInternal.WriteResponse(w)
		return
	}
	if !ok {
		errAPIUnauthorized.WriteResponse(w)
		return
	}

	from, err := cluster.ParseNodeAddress(r.Header.Get(headerFrom))
	if err != nil || from.IsZero() {
		errAPISenderInvalid.WriteResponse(w)
		return
	}

	ct := r.Header.Get(headerContentType)
	if ct != "" && ct != contentTypeMessage {
		errAPIUnsupportedType.WriteResponse(w)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			errAPIBodyTooLarge.WriteResponse(w)
			return
		}
		errAPIBody.WriteResponse(w)
		return
	}

	p.deliver(from, data)

	w.WriteHeader(http.StatusNoContent)
}
