package model

import (
	"strconv"
	"time"
)

// InstanceRecord binds one principal's attempt at one challenge to a running container.
// (PrincipalID, ChallengeID) and HostPort are each unique across live records.
type InstanceRecord struct {
	PrincipalID  string    `json:"principal_id"`
	ChallengeID  string    `json:"challenge_id"`
	ContainerRef string    `json:"container_ref"`
	HostPort     int       `json:"host_port"`
	CreatedAt    time.Time `json:"created_at"`
}

// Key returns the registry key of the record.
func (r *InstanceRecord) Key() InstanceKey {
	return InstanceKey{PrincipalID: r.PrincipalID, ChallengeID: r.ChallengeID}
}

// InstanceKey is the logical key of an instance.
type InstanceKey struct {
	PrincipalID string
	ChallengeID string
}

// String encodes the key for lock and coalescing names.
// Both parts are quoted so distinct keys never share a string.
func (k InstanceKey) String() string {
	return strconv.Quote(k.PrincipalID) + ":" + strconv.Quote(k.ChallengeID)
}

// RoutePath returns "/instance/{port}/".
func RoutePath(hostPort int) string {
	return "/instance/" + strconv.Itoa(hostPort) + "/"
}
