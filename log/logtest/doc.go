/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package logtest provides a log.FieldLogger that keeps every written record in memory,
// so tests can assert on what was logged.
package logtest
