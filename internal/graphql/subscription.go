package graphql

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"relay-flow-backend/internal/models"
	"relay-flow-backend/internal/utils"
)

// Subprotocol is the graphql-ws library's transport protocol.
const Subprotocol = "graphql-transport-ws"

// Message types of the graphql-transport-ws protocol.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgPing           = "ping"
	msgPong           = "pong"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
)

const (
	ackTimeout   = 10 * time.Second
	writeTimeout = 10 * time.Second
)

// latestDepositsSubscription watches the newest deposits of one chain.
const latestDepositsSubscription = `
	subscription LatestDeposits($chainId: Int!, $limit: Int!) {
		deposits: %s(
			where: { chain_id: { _eq: $chainId } }
			order_by: { block_number: desc }
			limit: $limit
		) {
			` + depositFields + `%s
		}
	}
`

// DepositSubscription returns the query and variables watching the latest
// limit deposits of kind on chainID.
func DepositSubscription(kind models.DepositKind, chainID int64, limit int) (string, map[string]interface{}) {
	extra := ""
	if kind == models.KindERC20 {
		extra = " token"
	}
	return fmt.Sprintf(latestDepositsSubscription, Table(kind), extra), map[string]interface{}{
		"chainId": chainID,
		"limit":   limit,
	}
}

// DecodeDeposits extracts deposit rows from a subscription payload.
func DecodeDeposits(data json.RawMessage, kind models.DepositKind) ([]models.RawDeposit, error) {
	var payload struct {
		Deposits []models.RawDeposit `json:"deposits"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}
	for i := range payload.Deposits {
		payload.Deposits[i].Kind = kind
	}
	return payload.Deposits, nil
}

type wsMessage struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscriber opens graphql-transport-ws subscriptions against the indexer.
type Subscriber struct {
	config Config
	dialer *websocket.Dialer
	logger *zap.Logger
}

// NewSubscriber creates a subscription client
func NewSubscriber(config Config, logger *zap.Logger) *Subscriber {
	return &Subscriber{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
			Subprotocols:     []string{Subprotocol},
		},
		logger: utils.OrNamed(logger, "SUBSCRIPTION"),
	}
}

// Subscribe runs one subscription on its own connection and calls onData
// with every "next" payload's data. onReady fires on the first "next" frame;
// graphql-transport-ws has no subscription ack, so that is the point the
// server has accepted the query. It returns nil when ctx is cancelled or the
// server completes the subscription, and an error when the connection fails
// or the subscription is rejected; callers own reconnecting.
func (s *Subscriber) Subscribe(ctx context.Context, query string, variables map[string]interface{}, onReady func(), onData func(json.RawMessage)) error {
	header := http.Header{}
	if s.config.AdminSecret != "" {
		header.Set(AdminSecretHeader, s.config.AdminSecret)
	}

	conn, resp, err := s.dialer.DialContext(ctx, s.config.WSURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return utils.WrapError(err, utils.ErrorTypeWebSocket, "DIAL_FAILED", "subscription dial failed", "SUBSCRIPTION").AsRetryable()
	}

	// Closing the connection unblocks the read loop on cancellation.
	var closeOnce sync.Once
	closeConn := func() { closeOnce.Do(func() { conn.Close() }) }
	defer closeConn()
	stop := context.AfterFunc(ctx, closeConn)
	defer stop()

	var writeMu sync.Mutex
	write := func(msg wsMessage) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteJSON(msg)
	}

	initPayload := map[string]interface{}{}
	if s.config.AdminSecret != "" {
		initPayload["headers"] = map[string]string{AdminSecretHeader: s.config.AdminSecret}
	}
	rawInit, _ := json.Marshal(initPayload)
	if err := write(wsMessage{Type: msgConnectionInit, Payload: rawInit}); err != nil {
		return s.connError(ctx, err, "INIT_FAILED")
	}

	conn.SetReadDeadline(time.Now().Add(ackTimeout))
	var ack wsMessage
	if err := conn.ReadJSON(&ack); err != nil {
		return s.connError(ctx, err, "ACK_FAILED")
	}
	if ack.Type != msgConnectionAck {
		return utils.NewAppError(utils.ErrorTypeWebSocket, "ACK_REJECTED",
			fmt.Sprintf("expected %s, got %s", msgConnectionAck, ack.Type), "SUBSCRIPTION").
			WithDetails(string(ack.Payload)).
			AsRetryable()
	}
	conn.SetReadDeadline(time.Time{})

	id := uuid.NewString()
	rawSubscribe, err := json.Marshal(Request{Query: query, Variables: variables})
	if err != nil {
		return utils.WrapError(err, utils.ErrorTypeInternal, "MARSHAL_FAILED", "error marshaling subscription", "SUBSCRIPTION")
	}
	if err := write(wsMessage{ID: id, Type: msgSubscribe, Payload: rawSubscribe}); err != nil {
		return s.connError(ctx, err, "SUBSCRIBE_FAILED")
	}

	ready := false

	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return s.connError(ctx, err, "READ_FAILED")
		}

		switch msg.Type {
		case msgNext:
			if msg.ID != id {
				continue
			}
			if !ready {
				ready = true
				if onReady != nil {
					onReady()
				}
			}
			var result response
			if err := json.Unmarshal(msg.Payload, &result); err != nil {
				s.logger.Warn("undecodable subscription payload", zap.Error(err))
				continue
			}
			if len(result.Errors) > 0 {
				s.logger.Warn("subscription payload carried errors", zap.String("error", result.Errors[0].Message))
			}
			if len(result.Data) > 0 {
				onData(result.Data)
			}

		case msgError:
			var errs []Error
			_ = json.Unmarshal(msg.Payload, &errs)
			messages := make([]string, 0, len(errs))
			for _, e := range errs {
				messages = append(messages, e.Message)
			}
			return utils.NewAppError(utils.ErrorTypeGraphQL, "SUBSCRIPTION_ERROR",
				"subscription rejected: "+strings.Join(messages, "; "), "SUBSCRIPTION")

		case msgComplete:
			if msg.ID == id {
				return nil
			}

		case msgPing:
			if err := write(wsMessage{Type: msgPong}); err != nil {
				return s.connError(ctx, err, "PONG_FAILED")
			}

		case msgPong, "ka":
			// keepalive
		}
	}
}

func (s *Subscriber) connError(ctx context.Context, err error, code string) error {
	if ctx.Err() != nil {
		return nil
	}
	return utils.WrapError(err, utils.ErrorTypeWebSocket, code, "subscription connection failed", "SUBSCRIPTION").AsRetryable()
}
