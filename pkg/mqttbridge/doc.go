// Package mqttbridge publishes operator events to an MQTT broker.
//
// A Bridge listens to registration, presence and notification events and
// publishes each one as a JSON message:
//
//	<prefix>/<endpoint>/registration    registered, updated, deregistered, expired, replaced
//	<prefix>/<endpoint>/presence        awake, sleeping
//	<prefix>/<endpoint>/notify/<path>   observed values, e.g. lwm2m/sensor-1/notify/3303/0/5700
//	<prefix>/server/status              online/offline (last will)
//
// Publishing is asynchronous. Failures are logged and never reach the
// component that emitted the event.
package mqttbridge
