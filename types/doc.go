// Package types defines shared primitives used across the agentmesh engine:
// the unified error taxonomy and context.Context key helpers.
package types
