// Package config handles loading and validating the vdcd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with VDCD_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Credentials (MQTT password, InfluxDB token) belong in the environment
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("/etc/vdcd/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Buses.DALI.Connection)
package config
