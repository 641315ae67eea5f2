package tunnel

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"io"

	"github.com/gravitational/trace"
	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

// ALPNProtocol is the ALPN identifier federation connections negotiate,
// distinguishing tunnel traffic from any other QUIC service on the same
// listener.
const ALPNProtocol = "crabcity/1"

// Dispatcher routes an authorized UserMessage to the local instance
// registry (lib/fanout.Fabric in practice) and returns the ServerMessage
// response, if any, to relay back.
type Dispatcher interface {
	Dispatch(ctx context.Context, accountKey string, msg ClientMessage) (*ServerMessage, error)
}

// Server accepts federation tunnel connections over QUIC and runs the
// Hello/Authenticate/Relay/Teardown protocol described in spec.md §4.5.
type Server struct {
	hostNodeKey ed25519.PublicKey
	instanceName string
	store        FederationStore
	dispatcher   Dispatcher
	log          log.FieldLogger
}

// NewServer creates a Server. hostNodeKey is this host's own signing public
// key, checked against every identity proof's Instance field.
func NewServer(instanceName string, hostNodeKey ed25519.PublicKey, store FederationStore, dispatcher Dispatcher) *Server {
	return &Server{
		hostNodeKey:  hostNodeKey,
		instanceName: instanceName,
		store:        store,
		dispatcher:   dispatcher,
		log:          log.WithField("component", "tunnel"),
	}
}

// Listen opens a QUIC listener on addr with the given TLS config (which
// must advertise ALPNProtocol) and serves accepted connections until ctx is
// cancelled.
func (s *Server) Listen(ctx context.Context, addr string, tlsConf *tls.Config) error {
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return trace.Wrap(err, "listening for tunnel connections on %s", addr)
	}
	defer ln.Close()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.WithError(err).Warn("tunnel accept failed")
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		s.log.WithError(err).Warn("tunnel stream accept failed")
		return
	}
	defer stream.Close()

	if err := s.serveStream(ctx, stream); err != nil && ctx.Err() == nil {
		s.log.WithError(err).Warn("tunnel session ended with error")
	}
}

// serveStream runs the full protocol state machine over one bidirectional
// stream: Hello, then a steady-state loop of Authenticate/UserMessage/
// UserDisconnected/RequestInstances until Goodbye or the stream closes
// (spec.md §4.5).
func (s *Server) serveStream(ctx context.Context, stream io.ReadWriteCloser) error {
	hello, err := ReadTunnelClientMessage(stream)
	if err != nil {
		return err
	}
	if hello == nil {
		return nil // clean close before Hello
	}
	if hello.TunnelType != TunnelClientHello {
		return s.goodbye(stream, "expected Hello as the first message")
	}

	session := NewSession(s.hostNodeKey, s.store)
	session.SetPeerName(hello.InstanceName)
	if err := WriteTunnelServerMessage(stream, NewWelcome(s.instanceName)); err != nil {
		return err
	}

	for {
		msg, err := ReadTunnelClientMessage(stream)
		if err != nil {
			return err
		}
		if msg == nil {
			return nil
		}

		switch msg.TunnelType {
		case TunnelClientAuthenticate:
			_, result := session.Authenticate(*msg)
			if err := WriteTunnelServerMessage(stream, result); err != nil {
				return err
			}

		case TunnelClientUserMessage:
			if msg.Message == nil {
				continue
			}
			if err := s.handleUserMessage(ctx, stream, session, msg.AccountKey, *msg.Message); err != nil {
				s.log.WithError(err).Warn("dropping unauthorized tunnel user message")
			}

		case TunnelClientUserDisconnected:
			session.Disconnect(msg.AccountKey)

		case TunnelClientRequestInstances:
			// No per-user auth required; the dispatcher decides what, if
			// anything, is safe to return with no authenticated account.
			if err := s.handleUserMessage(ctx, stream, session, "", ClientMessage{Type: "RequestInstances"}); err != nil {
				s.log.WithError(err).Warn("request-instances dispatch failed")
			}

		default:
			return s.goodbye(stream, "unknown tunnel message")
		}
	}
}

func (s *Server) handleUserMessage(ctx context.Context, stream io.Writer, session *Session, accountKey string, msg ClientMessage) error {
	if accountKey != "" {
		if err := session.Authorize(accountKey, msg.Type, "read"); err != nil {
			return err
		}
	}

	resp, err := s.dispatcher.Dispatch(ctx, accountKey, msg)
	if err != nil {
		return trace.Wrap(err, "dispatching tunnel user message")
	}
	if resp == nil {
		return nil
	}

	var target *string
	if accountKey != "" {
		target = &accountKey
	}
	return WriteTunnelServerMessage(stream, NewServerUserMessage(target, *resp))
}

func (s *Server) goodbye(stream io.Writer, reason string) error {
	_ = WriteTunnelServerMessage(stream, NewGoodbye(reason))
	return trace.BadParameter("tunnel closed: %s", reason)
}
