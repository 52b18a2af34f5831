package iotmqtt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Topic errors.
var (
	ErrInvalidTopicName   = fmt.Errorf("%w name", ErrInvalidTopic)
	ErrInvalidTopicFilter = fmt.Errorf("%w filter", ErrInvalidTopic)
	ErrEmptyTopic         = fmt.Errorf("%w: topic cannot be empty", ErrInvalidTopic)
	ErrTopicTooLong       = fmt.Errorf("%w: topic exceeds maximum length", ErrInvalidTopic)
)

const (
	topicSeparator      = '/'
	singleLevelWildcard = '+'
	multiLevelWildcard  = '#'
)

// ValidateTopicName validates a topic name used in PUBLISH.
// Topic names must not contain wildcards.
// MQTT v3.1.1 spec: Section 4.7.3
func ValidateTopicName(topic string) error {
	if topic == "" {
		return ErrEmptyTopic
	}

	if len(topic) > maxUint16 {
		return ErrTopicTooLong
	}

	if !utf8.ValidString(topic) {
		return ErrInvalidTopicName
	}

	for _, r := range topic {
		if r == 0 || r == singleLevelWildcard || r == multiLevelWildcard {
			return ErrInvalidTopicName
		}
	}

	return nil
}

// ValidateTopicFilter validates a topic filter used in SUBSCRIBE and UNSUBSCRIBE.
// MQTT v3.1.1 spec: Section 4.7.1
func ValidateTopicFilter(filter string) error {
	if filter == "" {
		return ErrEmptyTopic
	}

	if len(filter) > maxUint16 {
		return ErrTopicTooLong
	}

	if !utf8.ValidString(filter) {
		return ErrInvalidTopicFilter
	}

	if strings.IndexByte(filter, 0) >= 0 {
		return ErrInvalidTopicFilter
	}

	rest := filter
	for {
		level, next, more := strings.Cut(rest, string(topicSeparator))

		if strings.ContainsRune(level, singleLevelWildcard) && level != "+" {
			return ErrInvalidTopicFilter
		}

		if strings.ContainsRune(level, multiLevelWildcard) && (level != "#" || more) {
			return ErrInvalidTopicFilter
		}

		if !more {
			return nil
		}
		rest = next
	}
}

// validateTopicLength enforces a broker-specific topic length limit.
func validateTopicLength(topic string, limit int) error {
	if limit > 0 && len(topic) > limit {
		return ErrTopicTooLong
	}
	return nil
}

// TopicMatch checks if a topic name matches a topic filter.
// Supports single-level (+) and multi-level (#) wildcards.
// Topics starting with $ are not matched by filters starting with a wildcard.
// MQTT v3.1.1 spec: Section 4.7
func TopicMatch(filter, topic string) bool {
	if filter == "" || topic == "" {
		return false
	}

	if topic[0] == '$' {
		if filter[0] == singleLevelWildcard || filter[0] == multiLevelWildcard {
			return false
		}
	}

	return matchLevels(filter, topic)
}

// matchLevels compares filter and topic level by level without allocating.
func matchLevels(filter, topic string) bool {
	for {
		flevel, frest, fmore := strings.Cut(filter, string(topicSeparator))

		// '#' also matches the parent level, so "a/#" matches "a"
		if flevel == "#" {
			return !fmore
		}

		tlevel, trest, tmore := strings.Cut(topic, string(topicSeparator))

		if flevel != "+" && flevel != tlevel {
			return false
		}

		switch {
		case !fmore && !tmore:
			return true
		case !fmore:
			return false
		case !tmore:
			return frest == "#"
		}

		filter, topic = frest, trest
	}
}

// containsWildcard reports whether the filter contains a wildcard.
func containsWildcard(filter string) bool {
	return strings.ContainsAny(filter, "#+")
}
