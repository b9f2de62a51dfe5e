package models

// EventTopic enumerates the fixed set of message topics the service emits.
type EventTopic string

// Emitted topics.
const (
	TopicPlanCreate            EventTopic = "PLAN_CREATE"
	TopicPlanUpdate            EventTopic = "PLAN_UPDATE"
	TopicPlanDelete            EventTopic = "PLAN_DELETE"
	TopicEnrolmentUpdate       EventTopic = "ENROLMENT_UPDATE"
	TopicEnrolmentDelete       EventTopic = "ENROLMENT_DELETE"
	TopicGroupAssignCreate     EventTopic = "GROUP_ASSIGN_CREATE"
	TopicGroupAssignDelete     EventTopic = "GROUP_ASSIGN_DELETE"
	TopicDoEnrolmentPlanCreate EventTopic = "DO_ENROLMENT_PLAN_CREATE"
	TopicRODelete              EventTopic = "RO_DELETE"
)

// Event actions carried in the message context.
const (
	EventActionAssigned       = "assigned"
	EventActionReassigned     = "reassigned"
	EventActionAutoReassigned = "auto-reassigned"
	EventActionCompleted      = "completed"
	EventActionUpdate         = "update"
	EventActionDelete         = "delete"
)

// EventContext carries the triggering action and actor for downstream systems.
type EventContext struct {
	Action   string `json:"action"`
	ActorID  string `json:"actor_id,omitempty"`
	PortalID string `json:"portal_id,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	Notify   *bool  `json:"notify,omitempty"`
}

// EventMessage is one structured message per affected entity per logical
// operation. Before/After carry the field diff for status, pass, result and
// due date at minimum; Embedded carries the superseded entity snapshot on
// creation events that replace an earlier record.
type EventMessage struct {
	Topic    EventTopic             `json:"topic"`
	EntityID string                 `json:"entity_id"`
	Before   map[string]interface{} `json:"before,omitempty"`
	After    map[string]interface{} `json:"after,omitempty"`
	Context  EventContext           `json:"_context"`
	Embedded map[string]interface{} `json:"embedded,omitempty"`
}
