package domain

import "strings"

// OperationID identifies one logical flow guarded by a circuit breaker and retry state.
// It must be unique per flow; two flows sharing an id share breaker state.
type OperationID string

// Kind returns the operation family, the part before the first dot ("push.ep-1" -> "push").
func (id OperationID) Kind() string {
	if i := strings.IndexByte(string(id), '.'); i > 0 {
		return string(id[:i])
	}
	return string(id)
}

func (id OperationID) String() string {
	return string(id)
}

// Well-known operation ids.
const (
	OpPersistNotification OperationID = "notification.persist"
	OpHydrateDedup        OperationID = "capacity.hydrate"
	OpLoadResources       OperationID = "capacity.load"
	OpReconcile           OperationID = "capacity.reconcile"
	OpSubscribeFeed       OperationID = "capacity.subscribe"
)

// PushOperation returns the operation id for sends to one endpoint.
func PushOperation(endpointID string) OperationID {
	return OperationID("push." + endpointID)
}

// PersistOperation returns the id of one record write. Writes share the
// OpPersistNotification breaker but keep separate retry state.
func PersistOperation(recordID string) OperationID {
	return OperationID(string(OpPersistNotification) + "." + recordID)
}

// RecheckOperation returns the id under which recheck failures of a resource are reported.
func RecheckOperation(id ResourceID) OperationID {
	return OperationID("capacity.recheck." + string(id))
}
