// Package config defines the application's configuration surface and the
// viper-based loader that populates it from environment variables (with a
// CONVEYOR_ prefix) layered over an optional YAML file. Loaded values are
// validated with struct tags before use.
package config
