// Package types defines the status vocabulary shared by the persistence
// layer, the workflow engine and the agents. Statuses are stored as text;
// transitions are owned by the agents, this package only answers questions
// about them (terminal-ness, mapping from external states).
package types

// RequestStatus tracks a request through its lifecycle.
type RequestStatus string

const (
	RequestNew          RequestStatus = "new"
	RequestExtend       RequestStatus = "extend"
	RequestTransforming RequestStatus = "transforming"
	RequestFinished     RequestStatus = "finished"
	RequestSubFinished  RequestStatus = "subfinished"
	RequestFailed       RequestStatus = "failed"
	RequestExpired      RequestStatus = "expired"
	RequestCancelled    RequestStatus = "cancelled"
	RequestSuspended    RequestStatus = "suspended"
	RequestToCancel     RequestStatus = "tocancel"
	RequestCancelling   RequestStatus = "cancelling"
	RequestToSuspend    RequestStatus = "tosuspend"
	RequestSuspending   RequestStatus = "suspending"
	RequestToResume     RequestStatus = "toresume"
	RequestResuming     RequestStatus = "resuming"
	RequestToExpire     RequestStatus = "toexpire"
	RequestToFinish     RequestStatus = "tofinish"
	RequestToForceFinish RequestStatus = "toforcefinish"
)

// IsTerminal reports whether the status is final for a request.
func (s RequestStatus) IsTerminal() bool {
	switch s {
	case RequestFinished, RequestSubFinished, RequestFailed,
		RequestExpired, RequestCancelled, RequestSuspended:
		return true
	}
	return false
}

// TransformStatus tracks a transform through its lifecycle.
type TransformStatus string

const (
	TransformNew          TransformStatus = "new"
	TransformExtend       TransformStatus = "extend"
	TransformReady        TransformStatus = "ready"
	TransformTransforming TransformStatus = "transforming"
	TransformFinished     TransformStatus = "finished"
	TransformSubFinished  TransformStatus = "subfinished"
	TransformFailed       TransformStatus = "failed"
	TransformCancelled    TransformStatus = "cancelled"
	TransformSuspended    TransformStatus = "suspended"
	TransformToCancel     TransformStatus = "tocancel"
	TransformCancelling   TransformStatus = "cancelling"
	TransformToSuspend    TransformStatus = "tosuspend"
	TransformSuspending   TransformStatus = "suspending"
	TransformToResume     TransformStatus = "toresume"
	TransformResuming     TransformStatus = "resuming"
)

func (s TransformStatus) IsTerminal() bool {
	switch s {
	case TransformFinished, TransformSubFinished, TransformFailed,
		TransformCancelled, TransformSuspended:
		return true
	}
	return false
}

// ProcessingStatus tracks an attempt to execute a transform externally.
type ProcessingStatus string

const (
	ProcessingNew         ProcessingStatus = "new"
	ProcessingSubmitting  ProcessingStatus = "submitting"
	ProcessingSubmitted   ProcessingStatus = "submitted"
	ProcessingRunning     ProcessingStatus = "running"
	ProcessingFinished    ProcessingStatus = "finished"
	ProcessingSubFinished ProcessingStatus = "subfinished"
	ProcessingFailed      ProcessingStatus = "failed"
	ProcessingCancelled   ProcessingStatus = "cancelled"
	ProcessingSuspended   ProcessingStatus = "suspended"
	ProcessingResuming    ProcessingStatus = "resuming"
	ProcessingExpired     ProcessingStatus = "expired"
)

func (s ProcessingStatus) IsTerminal() bool {
	switch s {
	case ProcessingFinished, ProcessingSubFinished, ProcessingFailed,
		ProcessingCancelled, ProcessingSuspended, ProcessingExpired:
		return true
	}
	return false
}

// CollectionStatus tracks a dataset bound to a transform.
type CollectionStatus string

const (
	CollectionNew        CollectionStatus = "new"
	CollectionOpen       CollectionStatus = "open"
	CollectionProcessing CollectionStatus = "processing"
	CollectionClosed     CollectionStatus = "closed"
	CollectionFailed     CollectionStatus = "failed"
)

// CollectionType classifies the external shape of a collection.
type CollectionType string

const (
	CollectionTypeDataset       CollectionType = "dataset"
	CollectionTypeContainer     CollectionType = "container"
	CollectionTypeFile          CollectionType = "file"
	CollectionTypePseudoDataset CollectionType = "pseudo_dataset"
)

// CollectionRelationType distinguishes input, output and log collections.
type CollectionRelationType string

const (
	CollectionRelationInput  CollectionRelationType = "input"
	CollectionRelationOutput CollectionRelationType = "output"
	CollectionRelationLog    CollectionRelationType = "log"
)

// ContentStatus tracks a file-level row.
type ContentStatus string

const (
	ContentNew         ContentStatus = "new"
	ContentProcessing  ContentStatus = "processing"
	ContentAvailable   ContentStatus = "available"
	ContentFailed      ContentStatus = "failed"
	ContentFinalFailed ContentStatus = "finalfailed"
	ContentLost        ContentStatus = "lost"
	ContentMissing     ContentStatus = "missing"
	ContentMapped      ContentStatus = "mapped"
	ContentDeleted     ContentStatus = "deleted"
)

// IsTerminal reports whether the status ends a content's life.
func (s ContentStatus) IsTerminal() bool {
	switch s {
	case ContentAvailable, ContentFailed, ContentFinalFailed,
		ContentLost, ContentMissing, ContentDeleted:
		return true
	}
	return false
}

// Propagates reports whether a substatus change must be copied to
// dependent contents.
func (s ContentStatus) Propagates() bool {
	switch s {
	case ContentAvailable, ContentMissing, ContentFailed,
		ContentFinalFailed, ContentLost:
		return true
	}
	return false
}

// ContentType describes the granularity of a content row.
type ContentType string

const (
	ContentTypeFile          ContentType = "file"
	ContentTypeEvent         ContentType = "event"
	ContentTypePseudoContent ContentType = "pseudo_content"
)

// ContentRelationType positions a content inside an input/output map.
type ContentRelationType string

const (
	ContentRelationInput           ContentRelationType = "input"
	ContentRelationOutput          ContentRelationType = "output"
	ContentRelationLog             ContentRelationType = "log"
	ContentRelationInputDependency ContentRelationType = "input_dependency"
)

// Locking is the row-level claim marker used by every agent-visible table.
type Locking string

const (
	LockIdle    Locking = "idle"
	LockLocking Locking = "locking"
)

// TransformType classifies what kind of work a transform carries.
type TransformType string

const (
	TransformTypeWorkflow      TransformType = "workflow"
	TransformTypeProcessing    TransformType = "processing"
	TransformTypeHyperParamOpt TransformType = "hyperparameteropt"
)

// MessageType labels outbound notifications.
type MessageType string

const (
	MessageTypeRequestStatus    MessageType = "request_status"
	MessageTypeTransformStatus  MessageType = "transform_status"
	MessageTypeProcessingStatus MessageType = "processing_status"
	MessageTypeFileStatus       MessageType = "file_status"
	MessageTypeHealthHeartbeat  MessageType = "health_heartbeat"
)

// MessageStatus only ever progresses New -> Delivered -> Archived.
type MessageStatus string

const (
	MessageNew       MessageStatus = "new"
	MessageDelivered MessageStatus = "delivered"
	MessageArchived  MessageStatus = "archived"
)

// MessageSource identifies the agent that produced a message.
type MessageSource string

const (
	SourceClerk       MessageSource = "clerk"
	SourceTransformer MessageSource = "transformer"
	SourceCarrier     MessageSource = "carrier"
	SourceConductor   MessageSource = "conductor"
	SourceRest        MessageSource = "rest"
)

// MessageDestination identifies the intended consumer of a message.
type MessageDestination string

const (
	DestinationOutside MessageDestination = "outside"
	DestinationClerk   MessageDestination = "clerk"
	DestinationCarrier MessageDestination = "carrier"
)

// CommandType enumerates inbound control operations.
type CommandType string

const (
	CommandToCancel      CommandType = "tocancel"
	CommandToSuspend     CommandType = "tosuspend"
	CommandToResume      CommandType = "toresume"
	CommandToExpire      CommandType = "toexpire"
	CommandToFinish      CommandType = "tofinish"
	CommandToForceFinish CommandType = "toforcefinish"
)

// CommandStatus tracks consumption of a command row.
type CommandStatus string

const (
	CommandNew       CommandStatus = "new"
	CommandProcessed CommandStatus = "processed"
	CommandFailed    CommandStatus = "failed"
)

// ReturnCode is the result convention for event handlers.
type ReturnCode int

const (
	ReturnOk     ReturnCode = 0
	ReturnLocked ReturnCode = 1
	ReturnFailed ReturnCode = 2
)

func (c ReturnCode) String() string {
	switch c {
	case ReturnOk:
		return "ok"
	case ReturnLocked:
		return "locked"
	default:
		return "failed"
	}
}
