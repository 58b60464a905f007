// Package lookup defines the domain types shared by the register lookup
// engine: jobs and their protocol, results, the error taxonomy, and the small
// interfaces (stores, queue, clock, strategies) that the engine is built from.
package lookup
