// Package config provides centralized configuration management for the
// tracking service through environment variables with sensible defaults.
//
// # Overview
//
// The config package loads application configuration from environment
// variables, providing a single source of truth for:
//   - MQTT broker connection and TLS settings
//   - Scene routing (scene_id, scene_name, thing_type)
//   - Tracker cadence and backpressure (chunk interval, max lag, queue
//     capacity, drain timeout, schema validation)
//   - Observability stack endpoints (Jaeger/OTLP, Prometheus)
//   - Service metadata (name, version, environment, log level)
//
// All configuration values have sensible defaults, so the service can run
// against a local unauthenticated broker without any environment variable
// configuration.
//
// # Quick Start
//
//	cfg := config.Load()
//	if err := cfg.Validate(); err != nil {
//	    log.Fatalf("invalid configuration: %v", err)
//	}
//	fmt.Printf("MQTT broker: %s\n", cfg.MQTTAddress())
//
// # Configuration Fields
//
// **MQTT Broker**:
//   - TRACKER_MQTT_HOST: broker hostname (default: "localhost")
//   - TRACKER_MQTT_PORT: broker port (default: 1883)
//   - TRACKER_MQTT_INSECURE: skip TLS entirely (default: true)
//   - TRACKER_MQTT_CA_CERT_PATH, TRACKER_MQTT_CLIENT_CERT_PATH,
//     TRACKER_MQTT_CLIENT_KEY_PATH: mutual TLS material (default: unset)
//   - TRACKER_MQTT_VERIFY_SERVER: verify broker certificate (default: true)
//   - TRACKER_MQTT_MAX_RECONNECT_DELAY_S: exponential backoff cap in seconds
//     (default: 30)
//
// **Scene routing**:
//   - TRACKER_SCENE_ID, TRACKER_SCENE_NAME, TRACKER_THING_TYPE
//
// **Tracker cadence and backpressure**:
//   - TRACKER_CHUNK_INTERVAL_MS: scheduler tick period (default: 67, ~15 Hz)
//   - TRACKER_MAX_LAG_MS: buffer lag cutoff before a batch is dropped with
//     fell_behind (default: 1000)
//   - TRACKER_WORKER_QUEUE_CAPACITY: per-scope chunk queue depth (default: 2)
//   - TRACKER_DRAIN_TIMEOUT_MS: shutdown grace period (default: 2000)
//   - TRACKER_SCHEMA_VALIDATION: validate decoded/encoded payloads against
//     the wire schema (default: false)
//   - TRACKER_HEALTHCHECK_PORT: /healthz, /readyz, /metrics port (default: 8080)
//
// **Observability Stack**:
//   - JAEGER_ENDPOINT: OTLP gRPC endpoint (default: "127.0.0.1:4317")
//   - PROMETHEUS_PORT: Prometheus port (default: "9090")
//   - SERVICE_NAME, SERVICE_VERSION, ENVIRONMENT
//   - TRACKER_LOG_LEVEL: DEBUG, INFO, WARN, ERROR (default: "INFO")
//
// # Configuration Precedence
//
//  1. Environment variables (if set)
//  2. Default values (if not set)
//
// # Best Practices
//
// **Use Load() once per process**:
//
//	cfg := config.Load()
//	// pass cfg to components that need it; never call Load() again
//
// **Don't mutate AppConfig**:
//
//	// AppConfig is a read-only snapshot of the environment at startup
//	cfg := config.Load()
//	// do not modify cfg fields after loading
//
// **Validate before wiring the pipeline**:
//
//	if err := cfg.Validate(); err != nil {
//	    log.Fatalf("config error: %v", err)
//	}
//
// # Thread Safety
//
// AppConfig is safe to read from multiple goroutines once loaded. Do not
// modify AppConfig fields after calling Load().
package config
