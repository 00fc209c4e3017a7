package nats

import (
	"strings"
)

// ToNATSSubject converts an MQTT topic format to NATS subject format
// MQTT uses / as separators and +/# as wildcards
// NATS uses . as separators and */> as wildcards
// Leading and trailing separators are dropped since NATS rejects empty tokens.
func ToNATSSubject(mqttTopic string) string {
	// First handle wildcards
	subject := strings.ReplaceAll(mqttTopic, "+", "*")
	subject = strings.ReplaceAll(subject, "#", ">")

	// Then handle separators
	subject = strings.Trim(subject, "/")
	subject = strings.ReplaceAll(subject, "/", ".")

	return subject
}

// ToMQTTTopic converts a NATS subject format to MQTT topic format
// This is the reverse of ToNATSSubject, minus any leading separator
func ToMQTTTopic(natsSubject string) string {
	topic := strings.ReplaceAll(natsSubject, "*", "+")
	topic = strings.ReplaceAll(topic, ">", "#")

	topic = strings.ReplaceAll(topic, ".", "/")

	return topic
}

// HasWildcard reports whether an MQTT topic filter contains wildcards
func HasWildcard(topic string) bool {
	return strings.ContainsAny(topic, "+#")
}
