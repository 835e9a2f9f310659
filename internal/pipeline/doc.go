// Package pipeline defines the core types and ports shared across the
// discovery service: runs, work items, job postings, the store and fetcher
// interfaces, and the error taxonomy. Concrete implementations live in
// sibling packages.
package pipeline
