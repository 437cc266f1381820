// Package types holds the data model and error taxonomy shared by every
// local-scheduler component: agents, instances, bundles, resource units, and
// the wire-level request/response shapes exchanged with agents and upstream.
package types

import "fmt"

// Code is one of the orthogonal error kinds a local-scheduler operation can
// fail with. Codes are not exceptions; they're classification tags attached
// to an error so callers can decide whether to retry.
type Code int

const (
	CodeOK Code = iota
	CodeParameterError
	CodeNotFound
	CodeInnerCommunication
	CodeMetaStoragePutError
	CodeMetaStorageGetError
	CodeMetaStorageDeleteError
	CodeRecoverable
	CodeAgentEvicted
	CodeLocalSchedulerAbnormal
	CodeResourceNotEnough
	CodeUserFunctionFatal
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "OK"
	case CodeParameterError:
		return "ParameterError"
	case CodeNotFound:
		return "NotFound"
	case CodeInnerCommunication:
		return "InnerCommunication"
	case CodeMetaStoragePutError:
		return "MetaStoragePutError"
	case CodeMetaStorageGetError:
		return "MetaStorageGetError"
	case CodeMetaStorageDeleteError:
		return "MetaStorageDeleteError"
	case CodeRecoverable:
		return "Recoverable"
	case CodeAgentEvicted:
		return "AgentEvicted"
	case CodeLocalSchedulerAbnormal:
		return "LocalSchedulerAbnormal"
	case CodeResourceNotEnough:
		return "ResourceNotEnough"
	case CodeUserFunctionFatal:
		return "UserFunctionFatal"
	default:
		return "Unknown"
	}
}

// Status is a (code, message) pair, the Go rendering of spec §7's error
// taxonomy. It implements error so it can be returned and wrapped normally,
// and carries a Code so callers can classify without string matching.
type Status struct {
	Code Code
	Msg  string
}

func OK(msg string) *Status { return &Status{Code: CodeOK, Msg: msg} }

func NewStatus(code Code, format string, args ...interface{}) *Status {
	return &Status{Code: code, Msg: fmt.Sprintf(format, args...)}
}

func (s *Status) Error() string {
	if s == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", s.Code, s.Msg)
}

func (s *Status) IsOK() bool { return s == nil || s.Code == CodeOK }

// Is lets errors.Is(err, target) match on Code, not pointer identity.
func (s *Status) Is(target error) bool {
	t, ok := target.(*Status)
	if !ok {
		return false
	}
	return s.Code == t.Code
}

// Recoverable classes, used by RescheduleAfterJudgeRecoverable (spec §4.3).
const (
	FailureHeartbeatLoss = "heartbeat-loss"
	FailureRuntimeMgr    = "runtime-manager-transient"
	FailureUserFunction  = "user-function-fatal"
	FailureNoSuchFunc    = "no-such-function"
	FailureDependency    = "dependency-unready"
)

// IsRecoverableFailure classifies a failure reason the way
// RescheduleAfterJudgeRecoverable does (spec §4.3): heartbeat loss and
// transient runtime-manager errors are retried, user code and missing
// functions are not.
func IsRecoverableFailure(reason string) bool {
	switch reason {
	case FailureHeartbeatLoss, FailureRuntimeMgr:
		return true
	default:
		return false
	}
}

// ClassifyDeployFailure maps a deploy_instance error into one of the
// failure reasons above, so callers don't have to hardcode a reason
// independent of what actually went wrong. A *Status carrying CodeNotFound
// means the agent doesn't recognize the function reference at all;
// CodeUserFunctionFatal means the agent tried and the function itself
// failed (bad image, crash on start); anything else is treated as a
// transient runtime-manager problem worth retrying.
func ClassifyDeployFailure(err error) string {
	st, ok := err.(*Status)
	if !ok {
		return FailureRuntimeMgr
	}
	switch st.Code {
	case CodeNotFound:
		return FailureNoSuchFunc
	case CodeUserFunctionFatal:
		return FailureUserFunction
	default:
		return FailureRuntimeMgr
	}
}
