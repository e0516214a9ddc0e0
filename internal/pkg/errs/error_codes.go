/*
Package errs provides custom error types and application-level error code constants.

The codes identify business and system errors both inside the chat server and on the wire, where
clients map them back to their own error kinds.
*/
package errs

// 1xxx: General Request Handling Errors
const (
	// ErrInvalidParams indicates that request parameter validation failed.
	ErrInvalidParams = 1001

	// ErrUnsupportedMediaType indicates that the request header Content-Type is not supported.
	ErrUnsupportedMediaType = 1002

	// ErrInvalidJSONFormat indicates that the request body JSON format is incorrect.
	ErrInvalidJSONFormat = 1003

	// ErrExtraContentInBody indicates that the request body contained extra content after valid JSON data.
	ErrExtraContentInBody = 1004

	// ErrRequestEntityTooLarge indicates that the request body size exceeded the server limit.
	ErrRequestEntityTooLarge = 1006

	// ErrRateLimitExceeded indicates that the request rate has exceeded the set limit.
	ErrRateLimitExceeded = 1007

	// ErrInvalidAPIKey indicates a missing or wrong anonymous API key.
	ErrInvalidAPIKey = 1008
)

// 2xxx: Room, Message and Profile Errors
const (
	// ErrRoomInvalid indicates a malformed room name.
	ErrRoomInvalid = 2101

	// ErrMessageEmpty indicates that the message text was blank after trimming.
	ErrMessageEmpty = 2201

	// ErrMessageContentTooLong indicates that the message text exceeded the maximum length.
	ErrMessageContentTooLong = 2202

	// ErrAvatarTypeInvalid indicates an unsupported avatar image type.
	ErrAvatarTypeInvalid = 2301

	// ErrAvatarTooLarge indicates that the avatar image exceeded the maximum size.
	ErrAvatarTooLarge = 2302
)

// 3xxx: User, Session, and Security Errors
const (
	// ErrPowChallengeRequired indicates the client must complete a Proof-of-Work challenge first.
	ErrPowChallengeRequired = 3001

	// ErrPowChallengeInvalid indicates that the PoW proof provided by the client is invalid.
	ErrPowChallengeInvalid = 3002

	// ErrSessionKicked indicates that the realtime connection was replaced or closed by the server.
	ErrSessionKicked = 3004

	// ErrInvalidEmail indicates a malformed email address.
	ErrInvalidEmail = 3101

	// ErrInvalidPassword indicates a password outside the accepted rules.
	ErrInvalidPassword = 3102

	// ErrInvalidDisplayName indicates a display name outside the accepted rules.
	ErrInvalidDisplayName = 3103

	// ErrUserAlreadyExists indicates the email is already registered.
	ErrUserAlreadyExists = 3104

	// ErrInvalidCredentials indicates a wrong email/password pair.
	ErrInvalidCredentials = 3105

	// ErrMagicLinkInvalid indicates an unknown, used or expired magic link.
	ErrMagicLinkInvalid = 3106

	// ErrProviderNotEnabled indicates an OAuth provider that is not configured on this server.
	ErrProviderNotEnabled = 3107

	// ErrProviderExchangeFailed indicates that the OAuth provider rejected the code exchange.
	ErrProviderExchangeFailed = 3108

	// ErrEmailNotConfirmed indicates a password login before the sign-up link was opened.
	ErrEmailNotConfirmed = 3109

	// ErrUnauthorized indicates a missing or invalid session.
	ErrUnauthorized = 3201
)

// 5xxx: Internal System Errors
const (
	// ErrUnknown represents an unclassified, general server internal error.
	ErrUnknown = 5000

	// ErrFileStorageFailed indicates an object storage failure.
	ErrFileStorageFailed = 5001

	// ErrStorageNotConfigured indicates that avatar storage is disabled on this server.
	ErrStorageNotConfigured = 5002

	// ErrDatabaseUnavailable indicates that the database did not answer the health check.
	ErrDatabaseUnavailable = 5003
)
