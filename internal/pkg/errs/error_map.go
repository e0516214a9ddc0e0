/*
Package errs provides custom error types and application-level error code constants.

This file maps every error code to its CustomError template.
*/
package errs

import "net/http"

// errorMap stores the CustomError template for every application error code.
var errorMap = map[int]CustomError{
	// 1xxx: General Request Handling Errors
	ErrInvalidParams:         {Code: ErrInvalidParams, Message: "Invalid request parameters.", Status: http.StatusBadRequest},
	ErrUnsupportedMediaType:  {Code: ErrUnsupportedMediaType, Message: "Unsupported request format.", Status: http.StatusUnsupportedMediaType},
	ErrInvalidJSONFormat:     {Code: ErrInvalidJSONFormat, Message: "Unsupported request format.", Status: http.StatusBadRequest},
	ErrExtraContentInBody:    {Code: ErrExtraContentInBody, Message: "Request contains unexpected data.", Status: http.StatusBadRequest},
	ErrRequestEntityTooLarge: {Code: ErrRequestEntityTooLarge, Message: "Request size is too large.", Status: http.StatusRequestEntityTooLarge},
	ErrRateLimitExceeded:     {Code: ErrRateLimitExceeded, Message: "Too many requests. Please try again later.", Status: http.StatusTooManyRequests},
	ErrInvalidAPIKey:         {Code: ErrInvalidAPIKey, Message: "Invalid API key.", Status: http.StatusUnauthorized},

	// 2xxx: Room, Message and Profile Errors
	ErrRoomInvalid:           {Code: ErrRoomInvalid, Message: "Invalid room.", Status: http.StatusBadRequest},
	ErrMessageEmpty:          {Code: ErrMessageEmpty, Message: "Message cannot be empty.", Status: http.StatusBadRequest},
	ErrMessageContentTooLong: {Code: ErrMessageContentTooLong, Message: "Message must be at most %d characters.", Status: http.StatusBadRequest},
	ErrAvatarTypeInvalid:     {Code: ErrAvatarTypeInvalid, Message: "Unsupported image type.", Status: http.StatusBadRequest},
	ErrAvatarTooLarge:        {Code: ErrAvatarTooLarge, Message: "Image must be at most %d MB.", Status: http.StatusRequestEntityTooLarge},

	// 3xxx: User, Session, and Security Errors
	ErrPowChallengeRequired:   {Code: ErrPowChallengeRequired, Message: "Verification required. Please try again.", Status: http.StatusForbidden},
	ErrPowChallengeInvalid:    {Code: ErrPowChallengeInvalid, Message: "Verification failed. Please try again.", Status: http.StatusForbidden},
	ErrSessionKicked:          {Code: ErrSessionKicked, Message: "Your realtime connection was closed."},
	ErrInvalidEmail:           {Code: ErrInvalidEmail, Message: "Please enter a valid email address.", Status: http.StatusBadRequest},
	ErrInvalidPassword:        {Code: ErrInvalidPassword, Message: "Password must be 6-128 characters and contain a letter and a number.", Status: http.StatusBadRequest},
	ErrInvalidDisplayName:     {Code: ErrInvalidDisplayName, Message: "Display name must be 2-50 letters, numbers, spaces or basic punctuation.", Status: http.StatusBadRequest},
	ErrUserAlreadyExists:      {Code: ErrUserAlreadyExists, Message: "User already registered.", Status: http.StatusConflict},
	ErrInvalidCredentials:     {Code: ErrInvalidCredentials, Message: "Invalid login credentials.", Status: http.StatusBadRequest},
	ErrMagicLinkInvalid:       {Code: ErrMagicLinkInvalid, Message: "Email link is invalid or has expired.", Status: http.StatusUnauthorized},
	ErrProviderNotEnabled:     {Code: ErrProviderNotEnabled, Message: "Unsupported provider: provider is not enabled.", Status: http.StatusBadRequest},
	ErrProviderExchangeFailed: {Code: ErrProviderExchangeFailed, Message: "Unable to exchange external code.", Status: http.StatusBadGateway},
	ErrEmailNotConfirmed:      {Code: ErrEmailNotConfirmed, Message: "Email not confirmed.", Status: http.StatusBadRequest},
	ErrUnauthorized:           {Code: ErrUnauthorized, Message: "Please sign in to continue.", Status: http.StatusUnauthorized},

	// 5xxx: Internal System Errors
	ErrUnknown:              {Code: ErrUnknown, Message: "Something went wrong. Please try again.", Status: http.StatusInternalServerError},
	ErrFileStorageFailed:    {Code: ErrFileStorageFailed, Message: "File upload failed. Please try again.", Status: http.StatusBadGateway},
	ErrStorageNotConfigured: {Code: ErrStorageNotConfigured, Message: "Avatar storage is not available.", Status: http.StatusServiceUnavailable},
	ErrDatabaseUnavailable:  {Code: ErrDatabaseUnavailable, Message: "Database is not available.", Status: http.StatusServiceUnavailable},
}
