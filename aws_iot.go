package iotmqtt

import (
	"fmt"
	"strings"
)

// AWS IoT Core broker limits.
const (
	AWSIoTMinKeepAlive        = 30
	AWSIoTMaxKeepAlive        = 1200
	AWSIoTMaxClientIDLength   = 128
	AWSIoTMaxTopicLength      = 256
	AWSIoTMaxFiltersPerPacket = 8
)

// ErrTooManyFilters is returned when a request exceeds the broker's filter limit.
var ErrTooManyFilters = fmt.Errorf("%w: too many topic filters in one request", ErrBadParameter)

// awsKeepAlive clamps a keep-alive interval to the range AWS IoT accepts.
// Zero selects the maximum.
func awsKeepAlive(seconds uint16) uint16 {
	switch {
	case seconds == 0:
		return AWSIoTMaxKeepAlive
	case seconds < AWSIoTMinKeepAlive:
		return AWSIoTMinKeepAlive
	case seconds > AWSIoTMaxKeepAlive:
		return AWSIoTMaxKeepAlive
	default:
		return seconds
	}
}

// awsMetricsUsername appends the SDK metrics query to username.
func awsMetricsUsername(username string) string {
	suffix := "?SDK=Go&Version=" + Version
	if strings.Contains(username, "?") {
		suffix = "&SDK=Go&Version=" + Version
	}
	return username + suffix
}

// brokerLimits holds the checks a broker profile adds on top of MQTT 3.1.1.
type brokerLimits struct {
	maxClientID   int
	maxTopic      int
	maxFilters    int
	duplicateFlag bool
}

func newBrokerLimits(awsIoT bool) brokerLimits {
	if !awsIoT {
		return brokerLimits{duplicateFlag: true}
	}

	return brokerLimits{
		maxClientID: AWSIoTMaxClientIDLength,
		maxTopic:    AWSIoTMaxTopicLength,
		maxFilters:  AWSIoTMaxFiltersPerPacket,
	}
}

func (l brokerLimits) checkClientID(id string) error {
	if l.maxClientID > 0 && len(id) > l.maxClientID {
		return fmt.Errorf("%w: client identifier exceeds %d bytes", ErrBadParameter, l.maxClientID)
	}
	return nil
}

func (l brokerLimits) checkTopic(topic string) error {
	return validateTopicLength(topic, l.maxTopic)
}

func (l brokerLimits) checkFilters(n int) error {
	if l.maxFilters > 0 && n > l.maxFilters {
		return ErrTooManyFilters
	}
	return nil
}
