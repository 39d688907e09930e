package models

import "errors"

var (
	// ErrNotConnected is returned by hub invokes attempted while the
	// realtime connection is not established.
	ErrNotConnected = errors.New("hub is not connected")

	// ErrEmptyMessage rejects sends with a blank body.
	ErrEmptyMessage = errors.New("message text is empty")

	// ErrNoConversation rejects operations without a selected conversation.
	ErrNoConversation = errors.New("no conversation selected")

	// ErrNotFound signals a missing local storage entry.
	ErrNotFound = errors.New("not found")
)
