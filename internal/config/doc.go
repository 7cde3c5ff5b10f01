/*
Package config loads zstore configuration from compiled-in defaults, a YAML
file and ZSTORE_* environment variables, in that order of precedence.

	cfg := config.NewDefault()
	if path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

Example file:

	global:
	  log_level: INFO
	  log_format: json
	  driver: emulator
	devices:
	  - name: m1
	    transport: tcp
	    address: 192.168.1.121
	    service_id: "4420"
	    namespace_id: 1
	  - name: m2
	    transport: tcp
	    address: 192.168.1.121
	    service_id: "5520"
	    namespace_id: 1
	    geometry:
	      first_zone_lba: 0x5780267
	session:
	  queue_depth: 32
	  operation_timeout: 5s
	  buffer_budget: 256MiB
	cursor:
	  path: ../current_zone
	  s3:
	    enabled: false
	    bucket: zstore-state
	    key: cursors/current_zone
	mirror:
	  replicas: 2
	  verify_reads: true
	workload:
	  appends: 5
	  prefix: test_zstore1
	  append_blocks: 1
	monitoring:
	  metrics:
	    enabled: true
	    address: ":9464"
	    path: /metrics

Environment variables:

	ZSTORE_LOG_LEVEL, ZSTORE_LOG_FILE, ZSTORE_LOG_FORMAT
	ZSTORE_QUEUE_DEPTH, ZSTORE_OPERATION_TIMEOUT, ZSTORE_BUFFER_BUDGET
	ZSTORE_CURSOR_PATH, ZSTORE_CURSOR_BUCKET, ZSTORE_REPLICAS
	ZSTORE_APPENDS, ZSTORE_METRICS_ADDRESS

Validation failures carry the CONFIG_VALIDATION code; unreadable files
CONFIG_LOAD.
*/
package config
