// Package mqtt makes Parley visible to Home Assistant over MQTT.
//
// On every broker (re-)connect the publisher sends retained discovery
// configs for a handful of sensors (uptime, version, today's turn,
// correction and article counts, the last turn time and the tutor
// model) and marks the device online; a will message marks it offline
// on unexpected disconnects. Sensor states are refreshed on a fixed
// interval, and every completed turn is also published as a JSON
// summary on the device's turn topic for automations to consume.
//
// Connection management and reconnection are handled by Eclipse Paho
// v2's autopaho package.
package mqtt
