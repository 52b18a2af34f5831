// Package iotmqtt implements the client side of MQTT 3.1.1 for embedded and
// IoT workloads, with AWS IoT Core compatibility.
//
// This package implements the MQTT Version 3.1.1 OASIS Standard:
// https://docs.oasis-open.org/mqtt/mqtt/v3.1.1/mqtt-v3.1.1.html
//
// # Features
//
//   - All 14 MQTT 3.1.1 control packet types
//   - QoS 0, 1, 2 outbound and inbound flows
//   - Bounded in-flight operation queue with retries and DUP redelivery
//   - Keep-alive with a configurable grace factor
//   - Topic matching with wildcard support (+, #)
//   - Transport: TCP, TLS, WebSocket, WSS, QUIC, Unix sockets, proxies
//   - Pluggable session store, allocator, metrics and logging
//
// # Packets
//
// Serialize and Deserialize convert packets to and from wire bytes:
//
//	data, err := iotmqtt.Serialize(&iotmqtt.PingreqPacket{})
//
//	pkt, n, err := iotmqtt.Deserialize(buf)
//	if errors.Is(err, iotmqtt.ErrIncompleteData) {
//	    // read more bytes
//	}
//
// ReadPacket and WritePacket work on an io.Reader and io.Writer.
//
// # Connection
//
// Dial resolves the transport from the address scheme and performs the
// CONNECT handshake:
//
//	conn, err := iotmqtt.Dial(ctx, "tcp://localhost:1883",
//	    iotmqtt.WithClientID("sensor-1"),
//	    iotmqtt.WithKeepAlive(30),
//	)
//	defer conn.Disconnect(ctx)
//
// Connect drives any Network implementation:
//
//	conn, err := iotmqtt.Connect(ctx, network, opts...)
//
// Operations return an *Operation that completes when the broker
// acknowledges it. The Sync variants wait for completion:
//
//	err = conn.PublishSync(ctx, &iotmqtt.Message{Topic: "sensors/t", Payload: data, QoS: 1})
//
//	_, err = conn.SubscribeSync(ctx, []iotmqtt.Subscription{{
//	    TopicFilter: "commands/#",
//	    QoS:         1,
//	    Listener: iotmqtt.MessageListenerFunc(func(c *iotmqtt.Connection, m *iotmqtt.Message) {
//	        // handle m
//	    }),
//	}})
//
// Subscription callbacks run on a worker pool, never on the receive loop,
// so they may call back into the connection.
//
// # AWS IoT Core
//
// WithAWSIoT enables the broker limits of AWS IoT Core (client ID and topic
// length, filters per SUBSCRIBE, keep-alive range) and appends the SDK
// metrics string to the username.
//
// # Reconnecting
//
// A Supervisor redials after connection loss with backoff and a circuit
// breaker, and restores subscriptions when the broker has no session:
//
//	sup := iotmqtt.NewSupervisor(func(ctx context.Context, extra ...iotmqtt.Option) (*iotmqtt.Connection, error) {
//	    return iotmqtt.Dial(ctx, address, append(opts, extra...)...)
//	}, iotmqtt.SupervisorConfig{})
//	go sup.Run(ctx)
//
// # Topic Matching
//
//	err := iotmqtt.ValidateTopicName("sensors/temperature")
//	err = iotmqtt.ValidateTopicFilter("sensors/+/status")
//	matched := iotmqtt.TopicMatch("sensors/#", "sensors/room1/temp")
//
// # Metrics
//
//	// For testing
//	metrics := iotmqtt.NewMemoryMetrics()
//	conn, err := iotmqtt.Dial(ctx, address, iotmqtt.WithMetrics(metrics))
//
// # Logging
//
// Implement the Logger interface, or adapt log/slog:
//
//	logger := iotmqtt.NewSlogLogger(slog.Default(), iotmqtt.LogLevelInfo)
//	conn, err := iotmqtt.Dial(ctx, address, iotmqtt.WithLogger(logger))
package iotmqtt
