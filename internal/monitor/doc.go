// Package monitor defines the domain types and collaborator interfaces shared
// by the session engine, the registry, the event bus and the workers.
package monitor
