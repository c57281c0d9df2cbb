// Package session holds the reliability knobs shared by the controller and
// agent loops: timeouts, frame limits and reconnect backoff.
package session
