// Package errors defines sentinel errors for all RPCs. Return these
// unwrapped — wrapping changes the gRPC code on the wire.
package errors

import "github.com/heroiclabs/nakama-common/runtime"

// gRPC status codes.
const (
	CodeInternal     = 13 // codes.Internal
	CodeInvalidArg   = 3  // codes.InvalidArgument
	CodeForbidden    = 7  // codes.PermissionDenied
	CodeUnauthn      = 16 // codes.Unauthenticated
	CodeNotFound     = 5  // codes.NotFound
	CodeFailedPrecon = 9  // codes.FailedPrecondition
)

// Unified error definitions.
var (
	// Internal errors (code 13)
	ErrInternalError        = runtime.NewError("internal server error", CodeInternal)
	ErrMarshal              = runtime.NewError("cannot marshal type", CodeInternal)
	ErrUnmarshal            = runtime.NewError("cannot unmarshal type", CodeInternal)
	ErrCouldNotReadStorage  = runtime.NewError("could not read storage", CodeInternal)
	ErrCouldNotWriteStorage = runtime.NewError("could not write storage", CodeInternal)
	ErrCouldNotGetAccount   = runtime.NewError("could not get user account", CodeInternal)
	ErrCouldNotUpdateWallet = runtime.NewError("could not update wallet", CodeInternal)
	ErrSchedulerUnavailable = runtime.NewError("scheduler unavailable", CodeInternal)
	ErrTransactionFailed    = runtime.NewError("transaction failed", CodeInternal)
	ErrPrepareFailed        = runtime.NewError("prepare failed", CodeInternal)

	// Unauthenticated (code 16)
	ErrNoUserIDFound = runtime.NewError("no user ID in context", CodeUnauthn)
	ErrNoSession     = runtime.NewError("no active session", CodeUnauthn)

	// Forbidden errors (code 7)
	ErrNotAuthorizedWorker = runtime.NewError("caller is not an authorized worker", CodeForbidden)
	ErrNotRaidLeader       = runtime.NewError("caller is not the raid leader", CodeForbidden)
	ErrNotInRaid           = runtime.NewError("caller is not a member of this raid", CodeForbidden)

	// Invalid argument errors (code 3)
	ErrInvalidInput      = runtime.NewError("invalid request", CodeInvalidArg)
	ErrInvalidGrade      = runtime.NewError("invalid grade", CodeInvalidArg)
	ErrInvalidRoomCode   = runtime.NewError("invalid room code", CodeInvalidArg)
	ErrInvalidBossLevel  = runtime.NewError("invalid boss level", CodeInvalidArg)
	ErrAnswerOutOfRange  = runtime.NewError("answer out of range", CodeInvalidArg)
	ErrDuplicateAnswer   = runtime.NewError("problem already answered", CodeInvalidArg)

	// Not found (code 5)
	ErrPlayerNotFound  = runtime.NewError("player not found", CodeNotFound)
	ErrRaidNotFound    = runtime.NewError("raid not found", CodeNotFound)
	ErrProblemNotFound = runtime.NewError("problem not found", CodeNotFound)
	ErrEventNotFound   = runtime.NewError("outbox event not found", CodeNotFound)

	// Failed precondition (code 9)
	ErrRaidNotWaiting     = runtime.NewError("raid is not in the waiting room", CodeFailedPrecon)
	ErrRaidNotInProgress  = runtime.NewError("raid is not in progress", CodeFailedPrecon)
	ErrRaidNotCompleted   = runtime.NewError("raid is not completed", CodeFailedPrecon)
	ErrRaidNotPaused      = runtime.NewError("raid is not paused", CodeFailedPrecon)
	ErrNotAllReady        = runtime.NewError("not all players are ready", CodeFailedPrecon)
	ErrBossAlreadyDefeated = runtime.NewError("boss already defeated", CodeFailedPrecon)
	ErrLootAlreadyOpened  = runtime.NewError("loot chest already opened", CodeFailedPrecon)
	ErrAlreadyInRaid      = runtime.NewError("player is already in a raid", CodeFailedPrecon)
)
