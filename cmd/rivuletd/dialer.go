package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.rivulet.dev/core/changesource"
	"go.rivulet.dev/core/lexiversion"
)

// replicationDialer connects to the replication relay: the sidecar which
// speaks the upstream's logical-replication wire protocol and re-frames
// it as newline-delimited JSON. Acks flow back the same way. The relay
// (like the upstream protocol itself) is an external collaborator; only
// its frame contract matters here.
type replicationDialer struct {
	network, addr string
}

func newReplicationDialer(cfg *Config) (*replicationDialer, error) {
	var host, _, err = net.SplitHostPort(cfg.Upstream.Relay)
	if err != nil || host == "" {
		return nil, errors.Errorf("invalid relay address %q", cfg.Upstream.Relay)
	}
	return &replicationDialer{network: "tcp", addr: cfg.Upstream.Relay}, nil
}

func (d *replicationDialer) Dial(ctx context.Context, from lexiversion.Version) (changesource.Conn, error) {
	var dialer net.Dialer
	var sock, err = dialer.DialContext(ctx, d.network, d.addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dialing replication relay %s", d.addr)
	}

	var c = &relayConn{
		sock:   sock,
		frames: bufio.NewScanner(sock),
		enc:    json.NewEncoder(sock),
	}
	c.frames.Buffer(make([]byte, 0, 1<<16), 1<<24)

	if err = c.enc.Encode(relayHello{From: from}); err != nil {
		_ = sock.Close()
		return nil, errors.Wrap(err, "sending relay hello")
	}
	log.WithFields(log.Fields{"relay": d.addr, "from": from}).Info("dialed replication relay")
	return c, nil
}

// relayHello opens a relay session at a resume watermark.
type relayHello struct {
	From lexiversion.Version `json:"from"`
}

// relayAck acknowledges durable persistence through a watermark.
type relayAck struct {
	Ack lexiversion.Version `json:"ack"`
}

type relayConn struct {
	sock   net.Conn
	frames *bufio.Scanner
	enc    *json.Encoder
}

func (c *relayConn) Recv(ctx context.Context) (changesource.Frame, error) {
	// Release a blocked read when |ctx| is cancelled.
	var stop = context.AfterFunc(ctx, func() { _ = c.sock.Close() })
	defer stop()

	if !c.frames.Scan() {
		if err := c.frames.Err(); err != nil {
			return changesource.Frame{}, err
		}
		return changesource.Frame{}, errors.New("relay closed the session")
	}

	var frame changesource.Frame
	var dec = json.NewDecoder(bytes.NewReader(c.frames.Bytes()))
	dec.UseNumber()
	if err := dec.Decode(&frame); err != nil {
		return changesource.Frame{}, errors.Wrap(err, "decoding relay frame")
	}
	return frame, nil
}

func (c *relayConn) Ack(_ context.Context, wm lexiversion.Version) error {
	return c.enc.Encode(relayAck{Ack: wm})
}

func (c *relayConn) Close() error { return c.sock.Close() }
