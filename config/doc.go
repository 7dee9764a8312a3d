// Package config loads agentmesh configuration with precedence
// defaults, then YAML file, then environment variables, and supports
// watching the file for validated runtime reloads.
package config
