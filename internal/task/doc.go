// Package task defines the schedulable unit of work and its supporting
// types: statuses, schedule types, priorities, execution results, query
// filters and the shared scheduler error taxonomy.
//
// Everything here is plain data. Behavior (persistence, due-ness, execution)
// lives in the sibling packages; they all consume these types.
package task
