package main

import "errors"

// Failure categories surfaced by the playback session. The controller
// recovers from all of them; only an unloadable station list at startup is
// fatal to the process.
var (
	// ErrAuthUnavailable means the upstream auth handshake exhausted its
	// retries. No authenticated stream can be resolved right now.
	ErrAuthUnavailable = errors.New("auth unavailable")

	// ErrStationUnresolvable means the stream lookup failed for a station
	// without a fixed URL.
	ErrStationUnresolvable = errors.New("station unresolvable")

	// ErrStationNotFound means the upstream declared the station unknown,
	// typically because it is outside the service region.
	ErrStationNotFound = errors.New("station not found")

	// ErrMetadataUnavailable means a now-playing or program poll failed.
	// Never escalated past the display fallback.
	ErrMetadataUnavailable = errors.New("metadata unavailable")

	// ErrPersistence means the state file could not be read or written.
	// The session degrades to in-memory defaults.
	ErrPersistence = errors.New("persistence error")

	// ErrPlaybackBackend means the external player failed to start or
	// stopped unexpectedly.
	ErrPlaybackBackend = errors.New("playback backend error")
)
