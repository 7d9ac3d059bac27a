package deltasync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const wsHandshakeTimeout = 5 * time.Second
const wsWriteTimeout = 5 * time.Second
const wsReadTimeout = 30 * time.Second
const wsPingInterval = 15 * time.Second

// ServiceConfig names the realtime + storage endpoints for one document
// (spec §3's ConnectionDetails.serviceConfig).
type ServiceConfig struct {
	DeltaStreamUrl  string `json:"deltaStreamUrl"`
	DeltaStorageUrl string `json:"deltaStorageUrl"`
}

// wireFrameKind multiplexes the realtime socket's single byte stream
// into the message kinds the manager consumes (spec §6's Connection
// events), the JSON analogue of the teacher's binary protocol.Tag
// framing in connect/transport.go.
type wireFrameKind string

const (
	wireFrameOp           wireFrameKind = "op"
	wireFrameOpContent    wireFrameKind = "op-content"
	wireFrameSignal       wireFrameKind = "signal"
	wireFrameNack         wireFrameKind = "nack"
	wireFramePong         wireFrameKind = "pong"
	wireFrameSubmit       wireFrameKind = "submit"
	wireFrameSubmitSignal wireFrameKind = "submit-signal"
)

type wireFrame struct {
	Kind          wireFrameKind      `json:"kind"`
	Op            *SequencedMessage  `json:"op,omitempty"`
	OpContent     *ContentMessage    `json:"opContent,omitempty"`
	Signal        *SignalMessage     `json:"signal,omitempty"`
	NackTarget    *int64             `json:"nackTarget,omitempty"`
	PongLatencyMs *int64             `json:"pongLatencyMs,omitempty"`
	Batch         []*OutboundMessage `json:"batch,omitempty"`
}

// WebSocketDocumentService is the default DocumentService (spec §6),
// grounded on connect/transport.go's PlatformTransport dial/handshake
// loop and connect/api.go's post/get REST helpers and defaultClient
// ("don't use Go's default http.Client").
type WebSocketDocumentService struct {
	config ServiceConfig
	byJwt  string
	dialer *websocket.Dialer
	client *http.Client
}

func NewWebSocketDocumentService(config ServiceConfig, byJwt string) *WebSocketDocumentService {
	return &WebSocketDocumentService{
		config: config,
		byJwt:  byJwt,
		dialer: &websocket.Dialer{HandshakeTimeout: wsHandshakeTimeout},
		client: defaultHttpClient(),
	}
}

func defaultHttpClient() *http.Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: 60 * time.Second}
}

// ConnectToDeltaStream dials the realtime stream, performs a one-shot
// handshake (read the initial ConnectionDetails frame), then hands the
// live connection back with its reader/writer loops already running
// (spec §4.1's connection state machine: "Connecting -> Connected:
// store ConnectionDetails").
func (self *WebSocketDocumentService) ConnectToDeltaStream(ctx context.Context, clientId Id, mode ConnectionMode) (DeltaConnection, error) {
	header := http.Header{}
	if self.byJwt != "" {
		header.Set("Authorization", "Bearer "+self.byJwt)
	}
	url := fmt.Sprintf("%s?clientId=%s&mode=%s", self.config.DeltaStreamUrl, clientId, mode)
	ws, _, err := self.dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, NewTransientError(err.Error())
	}

	ws.SetReadDeadline(time.Now().Add(wsHandshakeTimeout))
	_, raw, err := ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, NewTransientError(fmt.Sprintf("handshake read: %s", err))
	}
	var details ConnectionDetails
	if err := json.Unmarshal(raw, &details); err != nil {
		ws.Close()
		return nil, NewFatalError(fmt.Sprintf("malformed handshake frame: %s", err))
	}
	if details.Mode == "" {
		details.Mode = mode
	}

	conn := newWebSocketConnection(ws, &details)
	conn.run()
	return conn, nil
}

func (self *WebSocketDocumentService) ConnectToDeltaStorage(ctx context.Context) (DeltaStorage, error) {
	return &restDeltaStorage{client: self.client, baseUrl: self.config.DeltaStorageUrl, byJwt: self.byJwt}, nil
}

// webSocketConnection is the concrete DeltaConnection: a single
// gorilla/websocket socket fanning frames into the typed channels the
// manager consumes, plus an idle-ping writer. Grounded on
// connect/transport.go's send/receive goroutine pair racing a
// cancelable context.
type webSocketConnection struct {
	ws      *websocket.Conn
	details *ConnectionDetails

	ctx    context.Context
	cancel context.CancelFunc

	ops        chan *SequencedMessage
	opContent  chan *ContentMessage
	signals    chan *SignalMessage
	nack       chan int64
	disconnect chan string
	errs       chan error
	pongs      chan time.Duration

	writeMutex sync.Mutex
	closeOnce  sync.Once
}

func newWebSocketConnection(ws *websocket.Conn, details *ConnectionDetails) *webSocketConnection {
	ctx, cancel := context.WithCancel(context.Background())
	return &webSocketConnection{
		ws:         ws,
		details:    details,
		ctx:        ctx,
		cancel:     cancel,
		ops:        make(chan *SequencedMessage, 64),
		opContent:  make(chan *ContentMessage, 64),
		signals:    make(chan *SignalMessage, 64),
		nack:       make(chan int64, 1),
		disconnect: make(chan string, 1),
		errs:       make(chan error, 1),
		pongs:      make(chan time.Duration, 16),
	}
}

func (self *webSocketConnection) run() {
	go self.readLoop()
	go self.pingLoop()
}

func (self *webSocketConnection) readLoop() {
	defer func() {
		close(self.ops)
		close(self.opContent)
		close(self.signals)
	}()
	for {
		self.ws.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, raw, err := self.ws.ReadMessage()
		if err != nil {
			select {
			case self.errs <- NewTransientError(err.Error()):
			default:
			}
			select {
			case self.disconnect <- "read error":
			default:
			}
			return
		}

		var frame wireFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			glog.Warningf("[conn]malformed frame: %s", err)
			continue
		}

		switch frame.Kind {
		case wireFrameOp:
			if frame.Op != nil {
				select {
				case self.ops <- frame.Op:
				case <-self.ctx.Done():
					return
				}
			}
		case wireFrameOpContent:
			if frame.OpContent != nil {
				select {
				case self.opContent <- frame.OpContent:
				case <-self.ctx.Done():
					return
				}
			}
		case wireFrameSignal:
			if frame.Signal != nil {
				select {
				case self.signals <- frame.Signal:
				case <-self.ctx.Done():
					return
				}
			}
		case wireFrameNack:
			if frame.NackTarget != nil {
				select {
				case self.nack <- *frame.NackTarget:
				default:
				}
			}
		case wireFramePong:
			if frame.PongLatencyMs != nil {
				latency := time.Duration(*frame.PongLatencyMs) * time.Millisecond
				select {
				case self.pongs <- latency:
				default:
				}
			}
		default:
			glog.V(2).Infof("[conn]unrecognized frame kind %q", frame.Kind)
		}
	}
}

func (self *webSocketConnection) pingLoop() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-ticker.C:
			self.writeMutex.Lock()
			self.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := self.ws.WriteMessage(websocket.PingMessage, nil)
			self.writeMutex.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (self *webSocketConnection) Details() *ConnectionDetails {
	return self.details
}

func (self *webSocketConnection) Submit(ctx context.Context, batch []*OutboundMessage) error {
	return self.write(wireFrame{Kind: wireFrameSubmit, Batch: batch})
}

func (self *webSocketConnection) SubmitSignal(ctx context.Context, content []byte) error {
	return self.write(wireFrame{
		Kind:   wireFrameSubmitSignal,
		Signal: &SignalMessage{ClientId: self.details.ClientId, Content: content},
	})
}

func (self *webSocketConnection) write(frame wireFrame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return NewFatalError(err.Error())
	}
	self.writeMutex.Lock()
	defer self.writeMutex.Unlock()
	self.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := self.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return NewTransientError(err.Error())
	}
	return nil
}

func (self *webSocketConnection) Ops() <-chan *SequencedMessage       { return self.ops }
func (self *webSocketConnection) OpContent() <-chan *ContentMessage   { return self.opContent }
func (self *webSocketConnection) Signals() <-chan *SignalMessage      { return self.signals }
func (self *webSocketConnection) Nack() <-chan int64                  { return self.nack }
func (self *webSocketConnection) Disconnect() <-chan string           { return self.disconnect }
func (self *webSocketConnection) Errors() <-chan error                { return self.errs }
func (self *webSocketConnection) Pong() <-chan time.Duration          { return self.pongs }

func (self *webSocketConnection) Close() error {
	var err error
	self.closeOnce.Do(func() {
		self.cancel()
		err = self.ws.Close()
	})
	return err
}

// restDeltaStorage is the bounded history endpoint (spec §6's Storage:
// get(from, to) -> Vec<SequencedMessage> with exclusive bounds),
// grounded on connect/api.go's get() helper.
type restDeltaStorage struct {
	client  *http.Client
	baseUrl string
	byJwt   string
}

func (self *restDeltaStorage) Get(ctx context.Context, from uint64, to *uint64) ([]*SequencedMessage, error) {
	url := fmt.Sprintf("%s?from=%d", self.baseUrl, from)
	if to != nil {
		url += fmt.Sprintf("&to=%d", *to)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, NewFatalError(err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if self.byJwt != "" {
		req.Header.Set("Authorization", "Bearer "+self.byJwt)
	}

	resp, err := self.client.Do(req)
	if err != nil {
		return nil, NewTransientError(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, NewTransientError(err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		return nil, deltaErrorFromStatus(resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out []*SequencedMessage
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, NewFatalError(err.Error())
	}
	return out, nil
}

func deltaErrorFromStatus(status int, message string) *DeltaError {
	if status == http.StatusTooManyRequests {
		return NewThrottledError(1*time.Second, status)
	}
	if status >= 500 {
		return &DeltaError{Kind: ErrorKindTransient, Message: message, StatusCode: status}
	}
	no := false
	return &DeltaError{Kind: ErrorKindFatal, Message: message, StatusCode: status, CanRetryOverride: &no}
}

// ParseClaimsUnverified parses ConnectionDetails.claims as an
// unverified JWT (spec's Non-goal "no authentication flow": the
// manager never checks the signature, only reads the payload).
// Grounded on connect/jwt.go's ParseByJwtUnverified.
func ParseClaimsUnverified(details *ConnectionDetails) (gojwt.MapClaims, error) {
	if details.Claims == "" {
		return gojwt.MapClaims{}, nil
	}
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(details.Claims, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(gojwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type %T", token.Claims)
	}
	return claims, nil
}
