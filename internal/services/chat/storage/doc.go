// Package storage defines the durable conversation and message contracts used
// by the chat service.
package storage
