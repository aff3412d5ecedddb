// Package config handles loading and validating Gray Logic bridge configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// A single file serves all four transports; bridge.transport (or
// GRAYLOGIC_BRIDGE_TRANSPORT) picks the one this process runs, and only that
// transport's section is validated.
//
// Security Considerations:
//   - Broker credentials and tokens should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/bridge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Bridge.Transport)
package config
