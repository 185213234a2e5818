// Package config handles loading and validating HWM Core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with HWM_* environment variables
//   - Validation of required fields
//   - Default value handling
//
// Device and pipeline declarations live in a separate stations file
// (station.devices_file) and are loaded by the station package, not here.
//
// Security Considerations:
//   - Sensitive values (passwords, tokens) should be set via environment variables
//   - Operator passwords are stored as Argon2id hashes, never plaintext
//   - The JWT secret must be at least 32 characters
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.Station.Name)
package config
