package iotmqtt

import (
	"crypto/tls"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Option defaults.
const (
	DefaultKeepAlive              = 60
	DefaultConnectTimeout         = 10 * time.Second
	DefaultWriteTimeout           = 5 * time.Second
	DefaultMaxInFlight            = 10
	DefaultMaxCallbackConcurrency = 1
	DefaultReceiveBufferSize      = 1024
	DefaultMaxPacketSize          = 256 * 1024
	DefaultPollInterval           = time.Second

	clientIDPrefix = "iotmqtt-"
)

// options holds configuration for a Connection.
type options struct {
	// Connection settings
	clientID     string
	username     string
	password     []byte
	keepAlive    uint16
	cleanSession bool
	will         *Message

	// Timeouts and retries
	connectTimeout time.Duration
	writeTimeout   time.Duration
	retry          RetryPolicy
	graceFactor    float64
	pollInterval   time.Duration

	// Limits
	maxInFlight            int
	maxCallbackConcurrency int
	receiveBufferSize      int
	maxPacketSize          uint32

	// Broker profile
	awsIoT          bool
	metricsUsername bool

	// Transport
	dialer    Dialer
	tlsConfig *tls.Config
	proxy     *ProxyConfig

	// Collaborators
	clock        Clock
	logger       Logger
	metrics      Metrics
	allocator    Allocator
	sessionStore SessionStore
	limiter      *rate.Limiter

	producerInterceptors []ProducerInterceptor
	consumerInterceptors []ConsumerInterceptor

	// Callbacks
	onConnectionLost      ConnectionLostHandler
	defaultListener       MessageListener
	previousSubscriptions []Subscription
}

// defaultOptions returns options with sensible defaults.
func defaultOptions() *options {
	return &options{
		keepAlive:              DefaultKeepAlive,
		cleanSession:           true,
		connectTimeout:         DefaultConnectTimeout,
		writeTimeout:           DefaultWriteTimeout,
		retry:                  DefaultRetryPolicy(),
		graceFactor:            DefaultGraceFactor,
		pollInterval:           DefaultPollInterval,
		maxInFlight:            DefaultMaxInFlight,
		maxCallbackConcurrency: DefaultMaxCallbackConcurrency,
		receiveBufferSize:      DefaultReceiveBufferSize,
		maxPacketSize:          DefaultMaxPacketSize,
		metricsUsername:        true,
		clock:                  SystemClock{},
		logger:                 NewNoOpLogger(),
	}
}

func applyOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	if o.clientID == "" {
		o.clientID = clientIDPrefix + uuid.NewString()
	}
	if o.allocator == nil {
		o.allocator = NewHeapAllocator()
	}
	if o.sessionStore == nil {
		o.sessionStore = NewMemoryStore()
	}
	if o.maxInFlight < 1 {
		o.maxInFlight = 1
	}
	if o.maxCallbackConcurrency < 1 {
		o.maxCallbackConcurrency = 1
	}
	if o.receiveBufferSize < 2 {
		o.receiveBufferSize = DefaultReceiveBufferSize
	}
	if o.maxPacketSize == 0 || o.maxPacketSize > maxVarint {
		o.maxPacketSize = maxVarint
	}
	if o.pollInterval <= 0 {
		o.pollInterval = DefaultPollInterval
	}
	if o.graceFactor < 1.0 {
		o.graceFactor = 1.0
	}
	o.retry = o.retry.normalize()

	if o.awsIoT {
		o.keepAlive = awsKeepAlive(o.keepAlive)
		if o.metricsUsername {
			o.username = awsMetricsUsername(o.username)
		}
	}

	return o
}

// Option configures a Connection.
type Option func(*options)

// WithClientID sets the client identifier.
// An empty identifier is replaced by "iotmqtt-" and a random UUID.
func WithClientID(id string) Option {
	return func(o *options) {
		o.clientID = id
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		if password != "" {
			o.password = []byte(password)
		}
	}
}

// WithCleanSession sets whether the broker discards the previous session.
func WithCleanSession(clean bool) Option {
	return func(o *options) {
		o.cleanSession = clean
	}
}

// WithKeepAlive sets the keep-alive interval in seconds. Zero disables it.
func WithKeepAlive(seconds uint16) Option {
	return func(o *options) {
		o.keepAlive = seconds
	}
}

// WithConnectTimeout bounds the wait for CONNACK.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout bounds each network write on net.Conn transports.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// WithResponseTimeout sets how long to wait for an acknowledgment before the
// first retransmission.
func WithResponseTimeout(d time.Duration) Option {
	return func(o *options) {
		o.retry.Base = d
	}
}

// WithRetryPolicy sets the retransmission policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) {
		o.retry = p
	}
}

// WithMaxInFlight caps concurrently in-flight operations. Minimum is 1.
func WithMaxInFlight(n int) Option {
	return func(o *options) {
		o.maxInFlight = n
	}
}

// WithMaxCallbackConcurrency sets how many subscription callbacks may run at
// once. The default of 1 preserves arrival order.
func WithMaxCallbackConcurrency(n int) Option {
	return func(o *options) {
		o.maxCallbackConcurrency = n
	}
}

// WithReceiveBufferSize sets the initial receive buffer capacity.
func WithReceiveBufferSize(n int) Option {
	return func(o *options) {
		o.receiveBufferSize = n
	}
}

// WithMaxPacketSize caps the remaining length of an inbound packet.
func WithMaxPacketSize(size uint32) Option {
	return func(o *options) {
		o.maxPacketSize = size
	}
}

// WithGraceFactor sets the keep-alive grace multiplier. Values below 1.0 are raised to 1.0.
func WithGraceFactor(f float64) Option {
	return func(o *options) {
		o.graceFactor = f
	}
}

// WithPollInterval bounds how long the receive loop blocks when no timer is due.
func WithPollInterval(d time.Duration) Option {
	return func(o *options) {
		o.pollInterval = d
	}
}

// WithWill sets the last will message.
func WithWill(msg *Message) Option {
	return func(o *options) {
		o.will = msg.Clone()
	}
}

// WithAWSIoT enables the AWS IoT Core broker profile.
func WithAWSIoT(enabled bool) Option {
	return func(o *options) {
		o.awsIoT = enabled
	}
}

// WithMetricsUsername appends SDK metrics to the username in AWS IoT mode.
// It is enabled by default.
func WithMetricsUsername(enabled bool) Option {
	return func(o *options) {
		o.metricsUsername = enabled
	}
}

// WithClock sets the time source.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(m Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithAllocator sets the allocator that bounds buffers, operations and subscriptions.
func WithAllocator(a Allocator) Option {
	return func(o *options) {
		o.allocator = a
	}
}

// WithSessionStore sets where unacknowledged publishes and subscriptions are persisted.
func WithSessionStore(s SessionStore) Option {
	return func(o *options) {
		o.sessionStore = s
	}
}

// WithPublishRateLimit limits publishes to r per second with the given burst.
func WithPublishRateLimit(r rate.Limit, burst int) Option {
	return func(o *options) {
		o.limiter = rate.NewLimiter(r, burst)
	}
}

// WithProducerInterceptors sets interceptors applied to outgoing messages.
func WithProducerInterceptors(interceptors ...ProducerInterceptor) Option {
	return func(o *options) {
		o.producerInterceptors = append(o.producerInterceptors, interceptors...)
	}
}

// WithConsumerInterceptors sets interceptors applied to incoming messages.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *options) {
		o.consumerInterceptors = append(o.consumerInterceptors, interceptors...)
	}
}

// WithDialer overrides scheme-based dialer selection in Dial.
func WithDialer(d Dialer) Option {
	return func(o *options) {
		o.dialer = d
	}
}

// WithTLSConfig sets the TLS configuration for ssl, wss and quic addresses.
func WithTLSConfig(config *tls.Config) Option {
	return func(o *options) {
		o.tlsConfig = config
	}
}

// WithProxy routes tcp, ssl and ws connections through a proxy.
func WithProxy(config *ProxyConfig) Option {
	return func(o *options) {
		o.proxy = config
	}
}

// OnConnectionLost sets the handler called after an unexpected teardown.
func OnConnectionLost(handler ConnectionLostHandler) Option {
	return func(o *options) {
		o.onConnectionLost = handler
	}
}

// WithDefaultMessageListener receives messages that match no subscription.
func WithDefaultMessageListener(l MessageListener) Option {
	return func(o *options) {
		o.defaultListener = l
	}
}

// WithPreviousSubscriptions re-attaches listeners to filters the broker
// still holds when it reports a present session.
func WithPreviousSubscriptions(subs ...Subscription) Option {
	return func(o *options) {
		o.previousSubscriptions = append(o.previousSubscriptions, subs...)
	}
}
