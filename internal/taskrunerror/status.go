package taskrunerror

import (
	"fmt"

	"github.com/SirClappington/runengine/internal/domain"
)

type outcome int

const (
	outcomeUnset outcome = iota
	outcomeCanceled
	outcomeTimedOut
	outcomeStalled
	outcomeCrashed
	outcomeSystemFailure
)

type codeRule struct {
	outcome   outcome
	retryable bool
}

var codeRules = [...]codeRule{
	CouldNotFindExecutor:                  {outcomeSystemFailure, false},
	CouldNotFindTask:                      {outcomeSystemFailure, false},
	CouldNotImportTask:                    {outcomeSystemFailure, false},
	ConfiguredIncorrectly:                 {outcomeSystemFailure, false},
	TaskAlreadyRunning:                    {outcomeSystemFailure, false},
	TaskExecutionFailed:                   {outcomeSystemFailure, true},
	TaskExecutionAborted:                  {outcomeSystemFailure, false},
	TaskProcessExitedWithNonZeroCode:      {outcomeCrashed, true},
	TaskProcessSigkillTimeout:             {outcomeSystemFailure, false},
	TaskProcessSigsegv:                    {outcomeCrashed, true},
	TaskProcessSigterm:                    {outcomeCrashed, true},
	TaskProcessOOMKilled:                  {outcomeCrashed, true},
	TaskProcessMaybeOOMKilled:             {outcomeCrashed, true},
	TaskRunCancelled:                      {outcomeCanceled, false},
	TaskInputError:                        {outcomeSystemFailure, false},
	TaskOutputError:                       {outcomeSystemFailure, false},
	TaskMiddlewareError:                   {outcomeSystemFailure, true},
	HandleErrorError:                      {outcomeCrashed, false},
	GracefulExitTimeout:                   {outcomeSystemFailure, true},
	TaskRunHeartbeatTimeout:               {outcomeSystemFailure, true},
	TaskRunCrashed:                        {outcomeCrashed, true},
	MaxDurationExceeded:                   {outcomeTimedOut, false},
	DiskSpaceExceeded:                     {outcomeCrashed, false},
	PodEvicted:                            {outcomeSystemFailure, true},
	PodUnknownError:                       {outcomeSystemFailure, true},
	OutdatedSDKVersion:                    {outcomeCrashed, false},
	TaskDidConcurrentWait:                 {outcomeSystemFailure, false},
	RecursiveWaitDeadlock:                 {outcomeSystemFailure, false},
	TaskHasNoExecutionSnapshot:            {outcomeSystemFailure, false},
	TaskDequeuedInvalidState:              {outcomeSystemFailure, false},
	TaskDequeuedQueueNotFound:             {outcomeSystemFailure, false},
	TaskRunDequeuedMaxRetries:             {outcomeSystemFailure, false},
	TaskRunStalledExecuting:               {outcomeStalled, true},
	TaskRunStalledExecutingWithWaitpoints: {outcomeStalled, true},
}

var _ [numCodes]codeRule = codeRules

func init() {
	for c := Code(0); c < numCodes; c++ {
		if codeRules[c].outcome == outcomeUnset {
			panic(fmt.Sprintf("taskrunerror: %s has no run status mapping", c))
		}
	}
}

// RunStatusFromError maps a failed attempt to the run's final status.
func RunStatusFromError(e Error, envType domain.EnvironmentType) domain.RunStatus {
	ie, ok := e.(InternalError)
	if !ok {
		return domain.RunCompletedWithErrors
	}
	if !ie.Code.Valid() {
		return domain.RunSystemFailure
	}
	switch o := codeRules[ie.Code].outcome; o {
	case outcomeCanceled:
		return domain.RunCanceled
	case outcomeTimedOut:
		return domain.RunTimedOut
	case outcomeStalled:
		// dev runs stall whenever the CLI goes away; they aren't billed or retried
		if envType == domain.EnvDevelopment {
			return domain.RunCanceled
		}
		return domain.RunCompletedWithErrors
	case outcomeCrashed:
		return domain.RunCrashed
	case outcomeSystemFailure:
		return domain.RunSystemFailure
	default:
		panic(fmt.Sprintf("taskrunerror: unhandled outcome %d", o))
	}
}

// IsRetryable reports whether an attempt that failed with e may be retried
// if attempts remain. User errors are always retryable.
func IsRetryable(e Error) bool {
	switch v := e.(type) {
	case BuiltInError, CustomError, StringError:
		return true
	case InternalError:
		return v.Code.Valid() && codeRules[v.Code].retryable
	case nil:
		return false
	default:
		panic(fmt.Sprintf("taskrunerror: unhandled error variant %T", e))
	}
}
