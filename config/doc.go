// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files and SHELLBOX_* environment variables. It
// covers the transport, the runtime backend, the fixed resource policy for
// session environments, idle eviction, logging and metrics.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Runtime backend: %s\n", cfg.Sandbox.Backend)
package config
