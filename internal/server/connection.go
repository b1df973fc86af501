package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/multidirectory/multidirectory/internal/ldap"
	"github.com/multidirectory/multidirectory/internal/logger"
	"github.com/multidirectory/multidirectory/pkg/models"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// noticeOfDisconnectionOID is the unsolicited notification sent before the
// server closes a connection on a fatal protocol violation.
const noticeOfDisconnectionOID = "1.3.6.1.4.1.1466.20036"

// session is the per-connection authentication state. A successful bind
// replaces it entirely; an anonymous bind resets it.
type session struct {
	mu     sync.RWMutex
	user   *models.User
	bindDN string
}

func (s *session) set(user *models.User, bindDN string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
	s.bindDN = bindDN
}

func (s *session) get() (*models.User, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.user, s.bindDN
}

// inflightOp tracks one operation between enqueue and completion so Abandon
// can cancel it whether it is still queued or already running.
type inflightOp struct {
	msg    *ldap.Message
	ctx    context.Context
	cancel context.CancelFunc
}

// connection serves one LDAP client. A single reader goroutine frames
// messages off the wire and a small worker pool executes them, so slow
// searches do not block an abandon or unbind arriving behind them.
type connection struct {
	srv  *Server
	id   uint64
	lc   *logger.LogContext
	sess session

	connMu sync.RWMutex
	conn   net.Conn
	isTLS  bool

	writeMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[int64]*inflightOp

	queue   chan *inflightOp
	pending sync.WaitGroup
}

func (s *Server) newConnection(tcpConn net.Conn) *connection {
	id := s.nextConnID.Add(1)
	clientIP := tcpConn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}
	_, isTLS := tcpConn.(*tls.Conn)
	return &connection{
		srv:      s,
		id:       id,
		lc:       logger.NewLogContext(id, clientIP),
		conn:     tcpConn,
		isTLS:    isTLS,
		inflight: make(map[int64]*inflightOp),
		queue:    make(chan *inflightOp, 16),
	}
}

// serve runs the reader loop until unbind, EOF or shutdown.
func (c *connection) serve(ctx context.Context) {
	defer c.close()

	logger.Debug("client connected",
		logger.ConnectionID(c.id), logger.ClientIP(c.lc.ClientIP), logger.KeyTLS, c.isTLS)

	var workers sync.WaitGroup
	for i := 0; i < c.srv.cfg.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for op := range c.queue {
				c.process(op)
			}
		}()
	}
	defer workers.Wait()
	defer close(c.queue)

	for {
		msg, err := ldap.ReadMessage(c.currentConn(), c.srv.cfg.MaxMessageSize)
		if err != nil {
			c.handleReadError(err)
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch msg.Tag {
		case ldap.ApplicationUnbindRequest:
			logger.Debug("client unbind", logger.ConnectionID(c.id))
			return

		case ldap.ApplicationAbandonRequest:
			c.abandon(msg)

		case ldap.ApplicationExtendedRequest:
			// StartTLS must run on the reader: the wire has to be quiet
			// while the stream is rewrapped. Everything else is queued.
			if req, err := ldap.DecodeExtendedRequest(msg.Op); err == nil && req.Name == startTLSOID {
				if !c.startTLS(ctx, msg) {
					return
				}
				continue
			}
			c.enqueue(ctx, msg)

		default:
			c.enqueue(ctx, msg)
		}
	}
}

func (c *connection) enqueue(ctx context.Context, msg *ldap.Message) {
	opCtx, cancel := context.WithCancel(ctx)

	c.inflightMu.Lock()
	if _, exists := c.inflight[msg.ID]; exists {
		c.inflightMu.Unlock()
		cancel()
		c.respond(msg, ldap.Error(ldap.ResultProtocolError, "message id already in use"))
		return
	}
	op := &inflightOp{msg: msg, ctx: opCtx, cancel: cancel}
	c.inflight[msg.ID] = op
	c.inflightMu.Unlock()

	c.pending.Add(1)
	c.queue <- op
}

func (c *connection) process(op *inflightOp) {
	defer c.pending.Done()
	defer func() {
		c.inflightMu.Lock()
		delete(c.inflight, op.msg.ID)
		c.inflightMu.Unlock()
		op.cancel()
	}()

	if op.ctx.Err() != nil {
		// Abandoned while queued. No response, RFC 4511 section 4.11.
		return
	}
	c.dispatch(op.ctx, op.msg)
}

func (c *connection) abandon(msg *ldap.Message) {
	req, err := ldap.DecodeAbandonRequest(msg.Op)
	if err != nil {
		return
	}
	c.inflightMu.Lock()
	op, ok := c.inflight[req.TargetID]
	c.inflightMu.Unlock()
	if ok {
		logger.Debug("operation abandoned",
			logger.ConnectionID(c.id), logger.MessageID(req.TargetID))
		op.cancel()
	}
}

func (c *connection) dispatch(ctx context.Context, msg *ldap.Message) {
	_, bindDN := c.sess.get()
	lc := c.lc.WithBindDN(bindDN).WithOp(msg.ID, opName(msg.Tag))
	ctx = logger.WithContext(ctx, lc)

	var result ldap.Result
	var respond func(ldap.Result) *ber.Packet
	switch msg.Tag {
	case ldap.ApplicationBindRequest:
		result, respond = c.handleBind(ctx, msg), ldap.BindResponse
	case ldap.ApplicationSearchRequest:
		result, respond = c.handleSearch(ctx, msg), ldap.SearchResultDone
	case ldap.ApplicationModifyRequest:
		result, respond = c.handleModify(ctx, msg), ldap.ModifyResponse
	case ldap.ApplicationAddRequest:
		result, respond = c.handleAdd(ctx, msg), ldap.AddResponse
	case ldap.ApplicationDelRequest:
		result, respond = c.handleDelete(ctx, msg), ldap.DeleteResponse
	case ldap.ApplicationModifyDNRequest:
		result, respond = c.handleModifyDN(ctx, msg), ldap.ModifyDNResponse
	case ldap.ApplicationCompareRequest:
		result, respond = c.handleCompare(ctx, msg), ldap.CompareResponse
	case ldap.ApplicationExtendedRequest:
		// Writes its own response; the name field differs per OID.
		result = c.handleExtended(ctx, msg)
	default:
		result = ldap.Error(ldap.ResultProtocolError, "unsupported operation")
		c.write(msg.ID, ldap.ExtendedResponse(result, noticeOfDisconnectionOID, nil))
	}

	// An abandoned operation sends no response, RFC 4511 section 4.11.
	if respond != nil && ctx.Err() == nil {
		c.write(msg.ID, respond(result))
	}

	c.srv.metrics.RecordOperation(lc.Op, int(result.Code), lc.DurationMs()/1000.0)
	logger.InfoCtx(ctx, "operation complete",
		logger.ResultCode(int(result.Code)), logger.DurationMs(lc.DurationMs()))
}

// respond answers a request that never made it to a worker with the result
// response matching its request type.
func (c *connection) respond(msg *ldap.Message, result ldap.Result) {
	var op *ber.Packet
	switch msg.Tag {
	case ldap.ApplicationBindRequest:
		op = ldap.BindResponse(result)
	case ldap.ApplicationSearchRequest:
		op = ldap.SearchResultDone(result)
	case ldap.ApplicationModifyRequest:
		op = ldap.ModifyResponse(result)
	case ldap.ApplicationAddRequest:
		op = ldap.AddResponse(result)
	case ldap.ApplicationDelRequest:
		op = ldap.DeleteResponse(result)
	case ldap.ApplicationModifyDNRequest:
		op = ldap.ModifyDNResponse(result)
	case ldap.ApplicationCompareRequest:
		op = ldap.CompareResponse(result)
	case ldap.ApplicationExtendedRequest:
		op = ldap.ExtendedResponse(result, "", nil)
	default:
		return
	}
	c.write(msg.ID, op)
}

func (c *connection) handleReadError(err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed), errors.Is(err, io.ErrUnexpectedEOF):
	case errors.Is(err, ldap.ErrIndefiniteLength),
		errors.Is(err, ldap.ErrMessageTooLarge),
		errors.Is(err, ldap.ErrMalformedEnvelope):
		logger.Debug("protocol violation, disconnecting",
			logger.ConnectionID(c.id), logger.Err(err))
		notice := ldap.ExtendedResponse(
			ldap.Error(ldap.ResultProtocolError, err.Error()), noticeOfDisconnectionOID, nil)
		c.write(0, notice)
	default:
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		logger.Debug("read error", logger.ConnectionID(c.id), logger.Err(err))
	}
}

// write serializes one whole response frame onto the wire.
func (c *connection) write(messageID int64, op *ber.Packet) {
	packet := ldap.Envelope(messageID, op)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(packet.Bytes()); err != nil {
		logger.Debug("write error", logger.ConnectionID(c.id), logger.Err(err))
	}
}

func (c *connection) currentConn() net.Conn {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn
}

// startTLS drains in-flight operations, confirms the request and rewraps
// the stream. Returns false when the connection must close.
func (c *connection) startTLS(ctx context.Context, msg *ldap.Message) bool {
	if c.srv.cfg.TLSConfig == nil {
		c.write(msg.ID, ldap.ExtendedResponse(
			ldap.Error(ldap.ResultProtocolError, "tls is not configured"), startTLSOID, nil))
		return true
	}
	if c.isTLS {
		c.write(msg.ID, ldap.ExtendedResponse(
			ldap.Error(ldap.ResultOperationsError, "tls already established"), startTLSOID, nil))
		return true
	}

	c.pending.Wait()
	c.write(msg.ID, ldap.ExtendedResponse(ldap.Success, startTLSOID, nil))

	tlsConn := tls.Server(c.conn, c.srv.cfg.TLSConfig)
	handshakeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		logger.Debug("tls handshake failed", logger.ConnectionID(c.id), logger.Err(err))
		return false
	}

	c.connMu.Lock()
	c.writeMu.Lock()
	c.conn = tlsConn
	c.isTLS = true
	c.writeMu.Unlock()
	c.connMu.Unlock()

	logger.Debug("tls established", logger.ConnectionID(c.id))
	return true
}

func (c *connection) close() {
	c.inflightMu.Lock()
	for _, op := range c.inflight {
		op.cancel()
	}
	c.inflightMu.Unlock()
	_ = c.currentConn().Close()
	logger.Debug("client disconnected", logger.ConnectionID(c.id))
}

func opName(tag int) string {
	switch tag {
	case ldap.ApplicationBindRequest:
		return "bind"
	case ldap.ApplicationSearchRequest:
		return "search"
	case ldap.ApplicationModifyRequest:
		return "modify"
	case ldap.ApplicationAddRequest:
		return "add"
	case ldap.ApplicationDelRequest:
		return "delete"
	case ldap.ApplicationModifyDNRequest:
		return "modify_dn"
	case ldap.ApplicationCompareRequest:
		return "compare"
	case ldap.ApplicationAbandonRequest:
		return "abandon"
	case ldap.ApplicationExtendedRequest:
		return "extended"
	default:
		return "unknown"
	}
}
