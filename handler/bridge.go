package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"wechat-relay/internal/domain"
	"wechat-relay/internal/usecase"
	"wechat-relay/internal/wechat"
)

// Relay answers one inbound platform message.
type Relay interface {
	Handle(ctx context.Context, msg domain.InboundMessage) (string, error)
}

// Delivery receives runtime callbacks.
type Delivery interface {
	Authorize(ctx context.Context, openID, bearer string) error
	DeliverResult(ctx context.Context, openID string, res domain.ResultEnvelope) error
	DeliverChunk(ctx context.Context, openID string, chunk domain.StreamChunk) (bool, error)
}

// Bridge serves the platform-facing routes.
type Bridge struct {
	relay    Relay
	delivery Delivery
	token    string
	crypter  *wechat.Crypter
	logger   *slog.Logger
	now      func() time.Time
}

type BridgeOption func(*Bridge)

// WithCrypter enables safe-mode (encrypt_type=aes) requests.
func WithCrypter(c *wechat.Crypter) BridgeOption {
	return func(b *Bridge) { b.crypter = c }
}

func WithBridgeLogger(l *slog.Logger) BridgeOption {
	return func(b *Bridge) { b.logger = l }
}

func NewBridge(relay Relay, delivery Delivery, token string, opts ...BridgeOption) (*Bridge, error) {
	if relay == nil {
		return nil, errors.New("handler: relay must not be nil")
	}
	if delivery == nil {
		return nil, errors.New("handler: delivery must not be nil")
	}
	if token == "" {
		return nil, errors.New("handler: platform token must not be empty")
	}
	b := &Bridge{relay: relay, delivery: delivery, token: token, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Routes returns the bridge's HTTP handler.
func (b *Bridge) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /wechat", b.verifyURL)
	mux.HandleFunc("POST /wechat", b.receive)
	mux.HandleFunc("POST /callback/{openid}", b.callback)
	mux.HandleFunc("POST /callback/{openid}/stream", b.stream)
	mux.HandleFunc("GET /health", health("wechat-bridge"))
	return withCorrelation(mux)
}

type signatureParams struct {
	signature string
	timestamp string
	nonce     string
}

func readSignature(r *http.Request) (signatureParams, bool) {
	q := r.URL.Query()
	p := signatureParams{signature: q.Get("signature"), timestamp: q.Get("timestamp"), nonce: q.Get("nonce")}
	return p, p.signature != "" && p.timestamp != "" && p.nonce != ""
}

// verifyURL answers the platform's server verification handshake.
func (b *Bridge) verifyURL(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(b.logger, r)
	p, ok := readSignature(r)
	echo := r.URL.Query().Get("echostr")
	if !ok || echo == "" {
		http.Error(w, "missing signature parameters", http.StatusBadRequest)
		return
	}
	if !wechat.Verify(b.token, p.signature, p.timestamp, p.nonce) {
		logger.Warn("url verification signature mismatch")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, echo)
}

// receive handles one pushed message. Once authenticated and parsed the
// platform always gets a 200.
func (b *Bridge) receive(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(b.logger, r)
	p, ok := readSignature(r)
	if !ok {
		http.Error(w, "missing signature parameters", http.StatusBadRequest)
		return
	}
	if !wechat.Verify(b.token, p.signature, p.timestamp, p.nonce) {
		logger.Warn("message signature mismatch")
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}

	aes := r.URL.Query().Get("encrypt_type") == "aes"
	if aes {
		if b.crypter == nil {
			logger.Warn("encrypted message received without an EncodingAESKey configured")
			http.Error(w, "safe mode not configured", http.StatusBadRequest)
			return
		}
		encrypted, err := wechat.ParseEncrypted(body)
		if err != nil {
			http.Error(w, "invalid encrypted envelope", http.StatusBadRequest)
			return
		}
		msgSig := r.URL.Query().Get("msg_signature")
		if msgSig == "" || !b.crypter.Verify(msgSig, p.timestamp, p.nonce, encrypted) {
			logger.Warn("msg_signature mismatch")
			http.Error(w, "invalid msg_signature", http.StatusForbidden)
			return
		}
		if body, err = b.crypter.Decrypt(encrypted); err != nil {
			logger.Warn("decrypt message failed", "err", err)
			http.Error(w, "undecryptable message", http.StatusBadRequest)
			return
		}
	}

	msg, err := wechat.ParseMessage(body)
	if err != nil {
		logger.Warn("parse message failed", "err", err)
		http.Error(w, "invalid message", http.StatusBadRequest)
		return
	}
	logger = logger.With("openid", msg.FromUser, "msg_type", msg.MsgType)

	reply, err := b.relay.Handle(r.Context(), msg)
	if err != nil {
		logger.Error("handle message failed", "err", err)
		reply = usecase.FallbackReply()
	}
	if reply == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "success")
		return
	}

	out, err := wechat.BuildTextReply(msg.FromUser, msg.ToUser, reply, b.now())
	if err == nil && aes {
		out, err = b.crypter.SealReply(out, strconv.FormatInt(b.now().Unix(), 10), p.nonce)
	}
	if err != nil {
		logger.Error("build reply failed", "err", err)
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "success")
		return
	}
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	_, _ = w.Write(out)
}

// deliveryTimeout bounds a callback's send, which continues if the runtime
// drops the connection.
const deliveryTimeout = 30 * time.Second

func deliveryContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(r.Context()), deliveryTimeout)
}

type okResponse struct {
	OK       bool `json:"ok"`
	Buffered bool `json:"buffered,omitempty"`
}

func (b *Bridge) callback(w http.ResponseWriter, r *http.Request) {
	openID := r.PathValue("openid")
	logger := requestLogger(b.logger, r).With("openid", openID)
	if err := b.delivery.Authorize(r.Context(), openID, bearerToken(r)); err != nil {
		writeError(w, logger, err)
		return
	}
	var res domain.ResultEnvelope
	if err := decodeJSON(w, r, &res); err != nil {
		writeError(w, logger, err)
		return
	}
	ctx, cancel := deliveryContext(r)
	defer cancel()
	if err := b.delivery.DeliverResult(ctx, openID, res); err != nil {
		logger.Error("deliver result failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{OK: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (b *Bridge) stream(w http.ResponseWriter, r *http.Request) {
	openID := r.PathValue("openid")
	logger := requestLogger(b.logger, r).With("openid", openID)
	if err := b.delivery.Authorize(r.Context(), openID, bearerToken(r)); err != nil {
		writeError(w, logger, err)
		return
	}
	var chunk domain.StreamChunk
	if err := decodeJSON(w, r, &chunk); err != nil {
		writeError(w, logger, err)
		return
	}
	ctx, cancel := deliveryContext(r)
	defer cancel()
	sent, err := b.delivery.DeliverChunk(ctx, openID, chunk)
	if err != nil {
		logger.Error("deliver final chunk failed", "err", err)
		writeJSON(w, http.StatusOK, okResponse{OK: false})
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true, Buffered: !sent})
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func health(service string) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Service: service})
	}
}
