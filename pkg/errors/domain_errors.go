package errors

var (
	// Domain errors are detected locally and rejected before any remote call.
	ErrEmptyMessage     = Validation("message text cannot be empty")
	ErrInvalidUsername  = Validation("username must be 3-32 chars, lowercase letters, numbers and underscores only")
	ErrInvalidDisplay   = Validation("display name cannot be empty")
	ErrSelfRequest      = Validation("cannot send a chat request to yourself")
	ErrForbidden        = Forbidden("only the original sender may do that")
	ErrNotRecipient     = Forbidden("only the recipient may respond to a request")
	ErrUserNotFound     = NotFound("user not found")
	ErrMessageNotFound  = NotFound("message not found")
	ErrRequestNotFound  = NotFound("chat request not found")
	ErrChatNotFound     = NotFound("conversation not found")
	ErrUsernameTaken    = Conflict("username is already taken")
	ErrDuplicateRequest = Conflict("a pending request to that user already exists")
	ErrAlreadyBlocked   = Conflict("the recipient has blocked you")
	ErrRequestResolved  = Conflict("request has already been responded to")
)

func ErrSendFailed(cause error) error {
	return Wrap(CodeTransport, "failed to send message", cause)
}

func ErrWatchDropped(topicKey string, cause error) error {
	return Wrap(CodeSubscription, "live watch dropped: "+topicKey, cause)
}
