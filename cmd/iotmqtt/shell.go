package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vitalvas/iotmqtt"
)

const commandTimeout = 30 * time.Second

// session is the part of the supervisor the shell drives.
type session interface {
	Current() *iotmqtt.Connection
	Subscribe(ctx context.Context, subs []iotmqtt.Subscription) ([]iotmqtt.SubscribeResult, error)
	Unsubscribe(ctx context.Context, filters []string) error
}

// direct adapts a single connection for use without reconnects.
type direct struct {
	conn *iotmqtt.Connection
}

func (d *direct) Current() *iotmqtt.Connection {
	if !d.conn.IsConnected() {
		return nil
	}
	return d.conn
}

func (d *direct) Subscribe(ctx context.Context, subs []iotmqtt.Subscription) ([]iotmqtt.SubscribeResult, error) {
	return d.conn.SubscribeSync(ctx, subs)
}

func (d *direct) Unsubscribe(ctx context.Context, filters []string) error {
	return d.conn.UnsubscribeSync(ctx, filters)
}

type shell struct {
	sess    session
	metrics *iotmqtt.MemoryMetrics
	timeout time.Duration

	mu  sync.Mutex
	out io.Writer
}

func newShell(sess session, metrics *iotmqtt.MemoryMetrics, out io.Writer) *shell {
	return &shell{
		sess:    sess,
		metrics: metrics,
		out:     out,
		timeout: commandTimeout,
	}
}

func (s *shell) printf(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprintf(s.out, format, args...)
}

// OnMessage prints messages delivered to shell subscriptions.
func (s *shell) OnMessage(_ *iotmqtt.Connection, msg *iotmqtt.Message) {
	flags := ""
	if msg.Retain {
		flags += " retained"
	}
	if msg.Duplicate {
		flags += " dup"
	}
	s.printf("[%s] qos=%d%s %s\n", msg.Topic, msg.QoS, flags, msg.Payload)
}

// execute runs one command line and reports whether the shell should exit.
func (s *shell) execute(ctx context.Context, line string) bool {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var err error

	switch strings.ToLower(args[0]) {
	case "pub", "publish":
		err = s.publish(ctx, args[1:])
	case "sub", "subscribe":
		err = s.subscribe(ctx, args[1:])
	case "unsub", "unsubscribe":
		err = s.unsubscribe(ctx, args[1:])
	case "status":
		s.status()
	case "help", "?":
		s.help()
	case "quit", "exit":
		return true
	default:
		s.printf("Unknown command: %s (type 'help')\n", args[0])
	}

	if err != nil {
		s.printf("Error: %v\n", err)
	}

	return false
}

func parseQoS(arg string) (byte, error) {
	n, err := strconv.ParseUint(arg, 10, 8)
	if err != nil || n > uint64(iotmqtt.QoS2) {
		return 0, fmt.Errorf("%w: qos must be 0, 1 or 2", iotmqtt.ErrBadParameter)
	}
	return byte(n), nil
}

// parsePublish accepts: <topic> <payload> [qos] [retain].
func parsePublish(args []string) (*iotmqtt.Message, error) {
	if len(args) < 2 {
		return nil, errors.New("usage: pub <topic> <payload> [qos] [retain]")
	}

	msg := &iotmqtt.Message{
		Topic:   args[0],
		Payload: []byte(args[1]),
	}

	if len(args) > 2 {
		qos, err := parseQoS(args[2])
		if err != nil {
			return nil, err
		}
		msg.QoS = qos
	}

	if len(args) > 3 {
		retain, err := strconv.ParseBool(args[3])
		if err != nil {
			return nil, fmt.Errorf("%w: retain must be true or false", iotmqtt.ErrBadParameter)
		}
		msg.Retain = retain
	}

	return msg, nil
}

func (s *shell) publish(ctx context.Context, args []string) error {
	msg, err := parsePublish(args)
	if err != nil {
		return err
	}

	conn := s.sess.Current()
	if conn == nil {
		return iotmqtt.ErrNotConnected
	}

	if err := conn.PublishSync(ctx, msg); err != nil {
		return err
	}

	s.printf("Published to %s\n", msg.Topic)
	return nil
}

// parseSubscribe accepts: <filter> [qos].
func parseSubscribe(args []string) (string, byte, error) {
	if len(args) < 1 || len(args) > 2 {
		return "", 0, errors.New("usage: sub <filter> [qos]")
	}

	var qos byte
	if len(args) == 2 {
		var err error
		if qos, err = parseQoS(args[1]); err != nil {
			return "", 0, err
		}
	}

	return args[0], qos, nil
}

func (s *shell) subscribe(ctx context.Context, args []string) error {
	filter, qos, err := parseSubscribe(args)
	if err != nil {
		return err
	}

	results, err := s.sess.Subscribe(ctx, []iotmqtt.Subscription{
		{TopicFilter: filter, QoS: qos, Listener: s},
	})
	if err != nil && !errors.Is(err, iotmqtt.ErrSubscriptionRejected) {
		return err
	}

	for _, r := range results {
		if !r.Accepted() {
			s.printf("Subscription to %s rejected\n", r.TopicFilter)
			continue
		}
		s.printf("Subscribed to %s (granted qos=%d)\n", r.TopicFilter, r.GrantedQoS())
	}

	return nil
}

func (s *shell) unsubscribe(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: unsub <filter> [filter...]")
	}

	if err := s.sess.Unsubscribe(ctx, args); err != nil {
		return err
	}

	s.printf("Unsubscribed from %s\n", strings.Join(args, ", "))
	return nil
}

func (s *shell) status() {
	defer s.printMetrics()

	conn := s.sess.Current()
	if conn == nil {
		s.printf("State: disconnected\n")
		return
	}

	s.printf("State: %s\n", conn.State())
	s.printf("Client ID: %s\n", conn.ClientID())
	s.printf("Session present: %t\n", conn.SessionPresent())
	s.printf("In flight: %d\n", conn.InFlight())

	subs := conn.Subscriptions()
	if len(subs) == 0 {
		s.printf("Subscriptions: none\n")
		return
	}

	s.printf("Subscriptions:\n")
	for _, sub := range subs {
		s.printf("  %s (qos=%d)\n", sub.TopicFilter, sub.QoS)
	}
}

func (s *shell) printMetrics() {
	if s.metrics == nil {
		return
	}

	snap := s.metrics.Snapshot()
	if len(snap) == 0 {
		return
	}

	s.printf("Metrics:\n")
	for _, k := range slices.Sorted(maps.Keys(snap)) {
		s.printf("  %s %g\n", k, snap[k])
	}
}

func (s *shell) help() {
	s.printf(`Commands:
  pub <topic> <payload> [qos] [retain]   Publish a message
  sub <filter> [qos]                     Subscribe and print matching messages
  unsub <filter> [filter...]             Unsubscribe
  status                                 Show connection state
  help                                   Show this help
  quit                                   Disconnect and exit
`)
}
