package kafka

import segkafka "github.com/segmentio/kafka-go"

// HeaderCarrier lets otel propagation read and write Kafka message headers,
// so a span started at publish time continues on whichever instance consumes
// the envelope.
type HeaderCarrier []segkafka.Header

// Get returns the first value recorded under key, or "".
func (c HeaderCarrier) Get(key string) string {
	for _, h := range c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// Set records key/value, overwriting an existing header under the same key
// in place.
func (c *HeaderCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, segkafka.Header{Key: key, Value: []byte(value)})
}

// Keys lists every header key present in the carrier.
func (c HeaderCarrier) Keys() []string {
	keys := make([]string, len(c))
	for i, h := range c {
		keys[i] = h.Key
	}
	return keys
}
