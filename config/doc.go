// Package config loads captureflow's configuration.
//
// A Config is assembled once at startup from three layers:
//
//  1. built-in defaults (Default)
//  2. zero or more JSON or YAML files, chosen by extension, merged in order
//     so that only the keys a file mentions override earlier values
//  3. environment variables named CAPTUREFLOW_<SECTION>_<FIELD>, for example
//     CAPTUREFLOW_QUEUE_URL, CAPTUREFLOW_WAITER_DEADLINE=90s or
//     CAPTUREFLOW_EXTRACTION_ARGS=-q,--flows
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/captureflow/config.yaml")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// Durations accept Go duration strings ("200ms", "5s") everywhere.
// Validate reports all problems at once, wrapped in errors.ErrInvalidConfig.
// The resulting *Config is treated as immutable and passed explicitly to
// every component.
package config
