// Package config handles configuration loading for hostlink-core and hostlink-agent.
//
// # Overview
//
// Core reads YAML, the agent reads TOML. Both expand ${VAR_NAME} references
// from the environment, parse duration strings, apply defaults and validate.
//
// # File Locations
//
//  1. HOSTLINK_CORE_CONFIG / HOSTLINK_AGENT_CONFIG
//  2. $XDG_CONFIG_HOME/hostlink/core.yaml or agent.toml
//  3. ~/.config/hostlink/...
//
// # Core
//
//	server:
//	  http_addr: "0.0.0.0:8000"
//	database:
//	  path: "/var/lib/hostlink/core.db"
//	auth:
//	  jwt_secret: "${HOSTLINK_JWT_SECRET}"   # at least 32 bytes
//	  api_key_hash: "$2a$10$..."             # or api_key in plaintext
//	  token_ttl: "1h"
//	agents:
//	  ping_interval: "30s"
//	  read_timeout: "90s"
//	commands:
//	  retention: "60s"
//	  dispatch_grace: "10s"
//	  metrics_retention: "168h"
//	sandbox:
//	  enabled: true
//	  timeout: "30s"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Agent
//
//	[core]
//	url = "https://core.example.com"
//	api_key = "${HOSTLINK_API_KEY}"
//
//	[agent]
//	name = "collector"
//	capabilities = ["health", "logs"]
//
//	[intervals]
//	reconnect = "30s"
//	heartbeat = "60s"
//	metrics = "30s"
//	retry = "5s"
//
//	[commands]
//	enabled = true
//	timeout = "300s"
//	retention = "60s"
//	max_file_size = 1048576
//	denied_paths = ["/srv/secrets"]
//
//	[logging]
//	level = "info"
//	file = "/var/log/hostlink-agent.log"
//
// HOSTLINK_CORE_URL, HOSTLINK_API_KEY, HOSTLINK_AGENT_NAME and
// HOSTLINK_LOG_LEVEL override the matching agent file values.
package config
