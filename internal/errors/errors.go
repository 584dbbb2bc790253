package errors

import "errors"

// Client errors.
var (
	ErrInvalidCredentials   = errors.New("invalid email or password")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// Sync errors.
var (
	ErrEmptyMessage         = errors.New("message content is empty")
	ErrLoadInProgress       = errors.New("page load already in progress")
	ErrNoActiveConversation = errors.New("no active conversation")
)
