package taskrunerror

import "fmt"

// Code enumerates INTERNAL_ERROR codes. numCodes must stay last. Every table
// keyed by Code is asserted to have exactly numCodes entries, so a code added
// at the end without a table entry fails to compile, and one added in the
// middle without an entry panics at init.
type Code int

const (
	CouldNotFindExecutor Code = iota
	CouldNotFindTask
	CouldNotImportTask
	ConfiguredIncorrectly
	TaskAlreadyRunning
	TaskExecutionFailed
	TaskExecutionAborted
	TaskProcessExitedWithNonZeroCode
	TaskProcessSigkillTimeout
	TaskProcessSigsegv
	TaskProcessSigterm
	TaskProcessOOMKilled
	TaskProcessMaybeOOMKilled
	TaskRunCancelled
	TaskInputError
	TaskOutputError
	TaskMiddlewareError
	HandleErrorError
	GracefulExitTimeout
	TaskRunHeartbeatTimeout
	TaskRunCrashed
	MaxDurationExceeded
	DiskSpaceExceeded
	PodEvicted
	PodUnknownError
	OutdatedSDKVersion
	TaskDidConcurrentWait
	RecursiveWaitDeadlock
	TaskHasNoExecutionSnapshot
	TaskDequeuedInvalidState
	TaskDequeuedQueueNotFound
	TaskRunDequeuedMaxRetries
	TaskRunStalledExecuting
	TaskRunStalledExecutingWithWaitpoints

	numCodes
)

var codeNames = [...]string{
	CouldNotFindExecutor:                  "COULD_NOT_FIND_EXECUTOR",
	CouldNotFindTask:                      "COULD_NOT_FIND_TASK",
	CouldNotImportTask:                    "COULD_NOT_IMPORT_TASK",
	ConfiguredIncorrectly:                 "CONFIGURED_INCORRECTLY",
	TaskAlreadyRunning:                    "TASK_ALREADY_RUNNING",
	TaskExecutionFailed:                   "TASK_EXECUTION_FAILED",
	TaskExecutionAborted:                  "TASK_EXECUTION_ABORTED",
	TaskProcessExitedWithNonZeroCode:      "TASK_PROCESS_EXITED_WITH_NON_ZERO_CODE",
	TaskProcessSigkillTimeout:             "TASK_PROCESS_SIGKILL_TIMEOUT",
	TaskProcessSigsegv:                    "TASK_PROCESS_SIGSEGV",
	TaskProcessSigterm:                    "TASK_PROCESS_SIGTERM",
	TaskProcessOOMKilled:                  "TASK_PROCESS_OOM_KILLED",
	TaskProcessMaybeOOMKilled:             "TASK_PROCESS_MAYBE_OOM_KILLED",
	TaskRunCancelled:                      "TASK_RUN_CANCELLED",
	TaskInputError:                        "TASK_INPUT_ERROR",
	TaskOutputError:                       "TASK_OUTPUT_ERROR",
	TaskMiddlewareError:                   "TASK_MIDDLEWARE_ERROR",
	HandleErrorError:                      "HANDLE_ERROR_ERROR",
	GracefulExitTimeout:                   "GRACEFUL_EXIT_TIMEOUT",
	TaskRunHeartbeatTimeout:               "TASK_RUN_HEARTBEAT_TIMEOUT",
	TaskRunCrashed:                        "TASK_RUN_CRASHED",
	MaxDurationExceeded:                   "MAX_DURATION_EXCEEDED",
	DiskSpaceExceeded:                     "DISK_SPACE_EXCEEDED",
	PodEvicted:                            "POD_EVICTED",
	PodUnknownError:                       "POD_UNKNOWN_ERROR",
	OutdatedSDKVersion:                    "OUTDATED_SDK_VERSION",
	TaskDidConcurrentWait:                 "TASK_DID_CONCURRENT_WAIT",
	RecursiveWaitDeadlock:                 "RECURSIVE_WAIT_DEADLOCK",
	TaskHasNoExecutionSnapshot:            "TASK_HAS_N0_EXECUTION_SNAPSHOT",
	TaskDequeuedInvalidState:              "TASK_DEQUEUED_INVALID_STATE",
	TaskDequeuedQueueNotFound:             "TASK_DEQUEUED_QUEUE_NOT_FOUND",
	TaskRunDequeuedMaxRetries:             "TASK_RUN_DEQUEUED_MAX_RETRIES",
	TaskRunStalledExecuting:               "TASK_RUN_STALLED_EXECUTING",
	TaskRunStalledExecutingWithWaitpoints: "TASK_RUN_STALLED_EXECUTING_WITH_WAITPOINTS",
}

var _ [numCodes]string = codeNames

var codesByName = make(map[string]Code, numCodes)

func init() {
	for c := Code(0); c < numCodes; c++ {
		name := codeNames[c]
		if name == "" {
			panic(fmt.Sprintf("taskrunerror: code %d has no name", c))
		}
		codesByName[name] = c
	}
}

// Codes returns every defined code in declaration order.
func Codes() []Code {
	out := make([]Code, 0, numCodes)
	for c := Code(0); c < numCodes; c++ {
		out = append(out, c)
	}
	return out
}

func (c Code) Valid() bool { return c >= 0 && c < numCodes }

func (c Code) String() string {
	if !c.Valid() {
		return fmt.Sprintf("Code(%d)", int(c))
	}
	return codeNames[c]
}

func ParseCode(s string) (Code, error) {
	c, ok := codesByName[s]
	if !ok {
		return 0, fmt.Errorf("unknown internal error code %q", s)
	}
	return c, nil
}

func (c Code) MarshalText() ([]byte, error) {
	if !c.Valid() {
		return nil, fmt.Errorf("invalid internal error code %d", int(c))
	}
	return []byte(codeNames[c]), nil
}

func (c *Code) UnmarshalText(b []byte) error {
	parsed, err := ParseCode(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
