// Package storage provides the schedule store backends.
//
// It currently supports:
//   - "sqlite": durable store (notifications + settings tables)
//   - "memory": in-process store, lost on exit
package storage
