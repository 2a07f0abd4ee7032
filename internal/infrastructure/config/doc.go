// Package config handles loading and validating homegate configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with HOMEGATE_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Broker passwords, InfluxDB tokens and Redis passwords should be supplied
// through the environment rather than committed to the config file.
//
// Usage:
//
//	cfg, err := config.Load("configs/homegate.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.MQTT.Broker.Host)
package config
