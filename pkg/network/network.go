// Package network dials and accepts peer connections over a pluggable
// transport (QUIC or TCP+TLS, see pkg/transport), frames every exchange as
// a signed wire.BaseFrame, and dispatches inbound frames to a single
// Handler. It is the concrete implementation the DHT and file-transfer
// layers send frames through, replacing the direct SWIM/gossip socket
// plumbing the routing table used to assume.
package network

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"time"

	"chiral-network/core/pkg/constants"
	"chiral-network/core/pkg/identity"
	"chiral-network/core/pkg/logging"
	"chiral-network/core/pkg/transport"
	"chiral-network/core/pkg/wire"
)

var log = logging.For("network")

// Handler processes a frame received from a peer connection. Both the DHT
// and the file-transfer seeder/downloader implement this (directly or via
// a dispatcher that routes by frame.Kind).
type Handler interface {
	HandleMessage(frame *wire.BaseFrame) error
}

// peerConn is one live connection to a peer, serialized for concurrent
// writers since transport.Conn makes no concurrency guarantee of its own.
type peerConn struct {
	conn   transport.Conn
	peerID string
	addrs  []string

	writeMu sync.Mutex
}

// Manager owns the connection pool to every peer this node currently talks
// to and the single listener accepting inbound connections.
type Manager struct {
	transport transport.Transport
	tlsConfig *tls.Config
	identity  *identity.Identity
	handler   Handler

	mu    sync.RWMutex
	conns map[string]*peerConn // peer-ID -> connection
	addrs map[string][]string  // peer-ID -> last known addresses

	listener transport.Listener
	wg       sync.WaitGroup
}

// NewManager creates a connection manager over t, signing outbound frames
// as id and dispatching inbound frames to handler. A self-signed TLS
// certificate is generated for the lifetime of the process; peer identity
// is established at the application layer by the signature on each frame,
// not by the TLS certificate chain.
func NewManager(t transport.Transport, id *identity.Identity, handler Handler) (*Manager, error) {
	tlsConfig, err := selfSignedTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to generate TLS config: %w", err)
	}

	return &Manager{
		transport: t,
		tlsConfig: tlsConfig,
		identity:  id,
		handler:   handler,
		conns:     make(map[string]*peerConn),
		addrs:     make(map[string][]string),
	}, nil
}

// SetHandler assigns the frame handler, used when the handler's own
// construction depends on this manager (content.PeerSender/dht.NetworkInterface
// adapters wrap it), making Handler unavailable at NewManager time.
func (m *Manager) SetHandler(h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
}

// Listen starts accepting inbound connections on addr, reading and
// dispatching frames from each until ctx is cancelled.
func (m *Manager) Listen(ctx context.Context, addr string) error {
	listener, err := m.transport.Listen(ctx, addr, m.tlsConfig)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	m.listener = listener

	m.wg.Add(1)
	go m.acceptLoop(ctx)
	return nil
}

func (m *Manager) acceptLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		conn, err := m.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}

		pc := &peerConn{conn: conn}
		m.wg.Add(1)
		go m.readLoop(ctx, pc)
	}
}

// readLoop reads frames off pc until the connection fails or ctx ends,
// learning pc's peer-ID from the first frame it carries so later sends can
// reuse the connection instead of redialing.
func (m *Manager) readLoop(ctx context.Context, pc *peerConn) {
	defer m.wg.Done()
	defer pc.conn.Close()

	for {
		frame, err := wire.ReadFrame(pc.conn, constants.RequestSizeMaximum)
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Msg("connection read failed")
			}
			m.forget(pc)
			return
		}

		if pc.peerID == "" {
			pc.peerID = frame.From
			m.register(pc)
		}

		m.mu.RLock()
		handler := m.handler
		m.mu.RUnlock()

		if handler == nil {
			continue
		}
		if err := handler.HandleMessage(frame); err != nil {
			log.Warn().Err(err).Str("from", frame.From).Uint16("kind", frame.Kind).Msg("handler rejected frame")
		}
	}
}

func (m *Manager) register(pc *peerConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[pc.peerID] = pc
}

func (m *Manager) forget(pc *peerConn) {
	if pc.peerID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conns[pc.peerID] == pc {
		delete(m.conns, pc.peerID)
	}
}

// RecordAddrs remembers addrs as reachable for peerID, used when dialing a
// peer this node has not yet connected to (learned from presence records or
// bootstrap seeds).
func (m *Manager) RecordAddrs(peerID string, addrs []string) {
	if len(addrs) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.addrs[peerID] = addrs
}

// connFor returns a live connection to peerID, dialing addrs if no pooled
// connection exists yet.
func (m *Manager) connFor(ctx context.Context, peerID string, addrs []string) (*peerConn, error) {
	m.mu.RLock()
	pc, ok := m.conns[peerID]
	m.mu.RUnlock()
	if ok {
		return pc, nil
	}

	if len(addrs) == 0 {
		m.mu.RLock()
		addrs = m.addrs[peerID]
		m.mu.RUnlock()
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no known address for peer %s", peerID)
	}

	var lastErr error
	for _, addr := range addrs {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, err := m.transport.Dial(dialCtx, addr, m.tlsConfig)
		cancel()
		if err != nil {
			lastErr = err
			continue
		}

		pc := &peerConn{conn: conn, peerID: peerID, addrs: addrs}
		m.register(pc)
		m.RecordAddrs(peerID, addrs)

		m.wg.Add(1)
		go m.readLoop(ctx, pc)
		return pc, nil
	}
	return nil, fmt.Errorf("failed to dial any address for peer %s: %w", peerID, lastErr)
}

// Send signs frame as this node's identity and delivers it to peerID,
// dialing addrs (if given) when no pooled connection exists.
func (m *Manager) Send(ctx context.Context, peerID string, addrs []string, frame *wire.BaseFrame) error {
	if err := frame.Sign(m.identity.SigningPrivateKey); err != nil {
		return fmt.Errorf("failed to sign frame: %w", err)
	}

	pc, err := m.connFor(ctx, peerID, addrs)
	if err != nil {
		return err
	}

	pc.writeMu.Lock()
	defer pc.writeMu.Unlock()
	if err := wire.WriteFrame(pc.conn, frame); err != nil {
		m.forget(pc)
		return fmt.Errorf("failed to write frame to %s: %w", peerID, err)
	}
	return nil
}

// Broadcast sends frame to every peer this node currently holds a
// connection to, best-effort: a failed send to one peer does not prevent
// delivery to the others.
func (m *Manager) Broadcast(ctx context.Context, frame *wire.BaseFrame) error {
	if err := frame.Sign(m.identity.SigningPrivateKey); err != nil {
		return fmt.Errorf("failed to sign frame: %w", err)
	}

	m.mu.RLock()
	targets := make([]*peerConn, 0, len(m.conns))
	for _, pc := range m.conns {
		targets = append(targets, pc)
	}
	m.mu.RUnlock()

	var firstErr error
	for _, pc := range targets {
		pc.writeMu.Lock()
		err := wire.WriteFrame(pc.conn, frame)
		pc.writeMu.Unlock()
		if err != nil {
			log.Debug().Err(err).Str("peer", pc.peerID).Msg("broadcast send failed")
			m.forget(pc)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close shuts down the listener and every pooled connection.
func (m *Manager) Close() error {
	if m.listener != nil {
		m.listener.Close()
	}
	m.mu.Lock()
	for _, pc := range m.conns {
		pc.conn.Close()
	}
	m.conns = make(map[string]*peerConn)
	m.mu.Unlock()
	m.wg.Wait()
	return nil
}

// selfSignedTLSConfig generates an ephemeral self-signed certificate for
// this process's lifetime. Peer authentication happens at the application
// layer (the Ed25519 signature on every frame), so the certificate only
// needs to satisfy the transport's TLS 1.3 requirement.
func selfSignedTLSConfig() (*tls.Config, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, err
	}

	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{Organization: []string{"chiral-network"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}

	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
	return &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
		NextProtos:         []string{"chiral-transfer/1"},
		MinVersion:         tls.VersionTLS13,
	}, nil
}
