// Package types defines the record kinds and their static field schema, the
// Record value exchanged between the sync core and the data service, the
// RemoteService contract, and the standard error types for Almanac.
//
// The schema is a fixed contract shared with the data service: field names,
// value types, enumerated value sets and required-ness per kind. Validation
// works on normalized field values with type switches; no reflection is
// involved outside DecodeRecord.
package types
