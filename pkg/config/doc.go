// Package config loads a node's YAML configuration.
//
// Durations are written as Go duration strings ("30s", "1m30s"). Omitted
// fields keep their defaults:
//
//	listen: ":1337"
//	key_file: node.key
//	max_sessions: 64
//	bootnodes:
//	  - 3f1c...e9@10.0.0.7:1337
//	handshake:
//	  timeout: 10s
//	mux:
//	  keepalive_interval: 30s
//	protocols:
//	  max_streams: 4
//	  limits:
//	    ping: 1
//	mdns:
//	  enabled: true
package config
