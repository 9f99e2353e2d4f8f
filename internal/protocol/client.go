// Package protocol talks to a device's on-board MQTT broker.
//
// Every operation opens a short TLS session: CONNECT, SUBSCRIBE to the report
// topic, PUBLISH one request and read reports until the caller's condition
// holds or the reply timeout fires. A DISCONNECT is always written before the
// socket is closed.
package protocol

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort           = 8883
	DefaultConnectTimeout = 10 * time.Second
	DefaultReplyTimeout   = 10 * time.Second
	DefaultAwaitTimeout   = 30 * time.Second

	username  = "bblp"
	clientID  = "bblp"
	keepAlive = 60

	// reports larger than this are discarded rather than accumulated
	maxPayload = 4 << 20
)

// Target identifies one device on the network.
type Target struct {
	Host       string
	Serial     string
	AccessCode string
}

func (t Target) reportTopic() string  { return "device/" + t.Serial + "/report" }
func (t Target) requestTopic() string { return "device/" + t.Serial + "/request" }

type Config struct {
	Port           int
	ConnectTimeout time.Duration
	ReplyTimeout   time.Duration
	AwaitTimeout   time.Duration
}

type Client struct {
	port           int
	connectTimeout time.Duration
	replyTimeout   time.Duration
	awaitTimeout   time.Duration
	tlsConfig      *tls.Config
	logger         *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}
	if cfg.AwaitTimeout <= 0 {
		cfg.AwaitTimeout = DefaultAwaitTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		port:           cfg.Port,
		connectTimeout: cfg.ConnectTimeout,
		replyTimeout:   cfg.ReplyTimeout,
		awaitTimeout:   cfg.AwaitTimeout,
		// devices present a self-signed certificate
		tlsConfig: &tls.Config{InsecureSkipVerify: true},
		logger:    logger.With("component", "protocol"),
	}
}

// FetchState requests a full state push and returns the first report that
// carries a gcode_state. Partial push_status updates sent while printing
// are skipped.
func (c *Client) FetchState(ctx context.Context, t Target) (State, error) {
	var state State
	err := c.session(ctx, t, pushAllPayload(), c.replyTimeout, func(r *printReport) (bool, error) {
		if r.GcodeState == "" {
			return false, nil
		}
		state = r.state()
		return true, nil
	})
	return state, err
}

// SendCommand publishes a command and waits for the device to echo it.
func (c *Client) SendCommand(ctx context.Context, t Target, cmd Command) error {
	payload, err := encodeCommand(cmd)
	if err != nil {
		return &ClientError{Message: "failed to encode command", Err: err}
	}

	name := cmd.CommandName()
	return c.session(ctx, t, payload, c.replyTimeout, func(r *printReport) (bool, error) {
		if r.Command != name {
			return false, nil
		}
		if strings.EqualFold(r.Result, "fail") || strings.EqualFold(r.Result, "failed") {
			msg := name + " rejected"
			if r.Reason != "" {
				msg += ": " + r.Reason
			}
			return true, &ClientError{Message: msg}
		}
		return true, nil
	})
}

// AwaitStage requests state pushes until the device reports stage or the
// await timeout expires.
func (c *Client) AwaitStage(ctx context.Context, t Target, stage Stage) error {
	return c.session(ctx, t, pushAllPayload(), c.awaitTimeout, func(r *printReport) (bool, error) {
		if r.GcodeState == "" {
			return false, nil
		}
		return StageFromGcodeState(r.GcodeState) == stage, nil
	})
}

type reportFunc func(r *printReport) (done bool, err error)

func (c *Client) session(ctx context.Context, t Target, request []byte, timeout time.Duration, handle reportFunc) error {
	logger := c.logger.With("host", t.Host, "serial", t.Serial)

	dialCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	dialer := &tls.Dialer{Config: c.tlsConfig}
	conn, err := dialer.DialContext(dialCtx, "tcp", net.JoinHostPort(t.Host, strconv.Itoa(c.port)))
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return classifyDialError(err)
	}

	defer func() {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if _, err := conn.Write(encodeDisconnect()); err != nil {
			logger.Debug("failed to send disconnect", "error", err)
		}
		conn.Close()
	}()

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return &ClientError{Message: "failed to set deadline", Err: err}
	}
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	err = c.exchange(conn, t, request, handle)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (c *Client) exchange(conn net.Conn, t Target, request []byte, handle reportFunc) error {
	if _, err := conn.Write(encodeConnect(clientID, username, t.AccessCode, keepAlive)); err != nil {
		return classifyReadError(err)
	}

	r := bufio.NewReader(conn)
	var pending []byte
	for {
		p, err := readPacket(r)
		if err != nil {
			return classifyReadError(err)
		}

		switch p.kind {
		case packetConnack:
			if len(p.body) >= 2 && p.body[1] != 0 {
				return &ConnectionError{Message: fmt.Sprintf("connection refused by broker (code %d)", p.body[1])}
			}
			id, err := randomPacketID()
			if err != nil {
				return &ClientError{Message: err.Error(), Err: err}
			}
			if _, err := conn.Write(encodeSubscribe(id, t.reportTopic(), 0)); err != nil {
				return classifyReadError(err)
			}

		case packetSuback:
			if _, err := conn.Write(encodePublish(t.requestTopic(), request)); err != nil {
				return classifyReadError(err)
			}

		case packetPublish:
			msg, err := parsePublish(p)
			if err != nil {
				return &ClientError{Message: "malformed publish", Err: err}
			}

			var payload []byte
			payload, pending = assemble(pending, msg.payload)
			if payload == nil {
				continue
			}

			report, err := decodeEnvelope(payload)
			if err != nil || report == nil {
				continue
			}
			done, err := handle(report)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}

// assemble joins report fragments. A payload that is not valid JSON on its
// own is buffered and completed by the payloads that follow it.
func assemble(pending, chunk []byte) (complete, rest []byte) {
	if len(pending) == 0 {
		if json.Valid(chunk) {
			return chunk, nil
		}
		return nil, append([]byte(nil), chunk...)
	}

	joined := append(pending, chunk...)
	if json.Valid(joined) {
		return joined, nil
	}
	// a fresh complete report supersedes a fragment that never completed
	if json.Valid(chunk) {
		return chunk, nil
	}
	if len(joined) > maxPayload {
		return nil, nil
	}
	return nil, joined
}

// IsConnectionError reports whether err is a transport-level failure.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
