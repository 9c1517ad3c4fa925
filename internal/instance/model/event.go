package model

import "time"

// LifecycleEventType names an instance lifecycle transition.
type LifecycleEventType string

const (
	EventLaunched      LifecycleEventType = "instance.launched"
	EventReclaimed     LifecycleEventType = "instance.reclaimed"
	EventOrphanRemoved LifecycleEventType = "instance.orphan_removed"
)

// LifecycleEvent is published when an instance is created or removed.
type LifecycleEvent struct {
	Type         LifecycleEventType `json:"type"`
	PrincipalID  string             `json:"principal_id,omitempty"`
	ChallengeID  string             `json:"challenge_id,omitempty"`
	ContainerRef string             `json:"container_ref"`
	HostPort     int                `json:"host_port,omitempty"`
	Reason       string             `json:"reason,omitempty"`
	OccurredAt   time.Time          `json:"occurred_at"`
}
