package model

import "strings"

// ChallengeSpec describes how to start a challenge's backend.
// An empty ImageReference means the challenge has no instance.
type ChallengeSpec struct {
	ChallengeID    string `json:"challenge_id" yaml:"id"`
	ImageReference string `json:"image_reference" yaml:"image"`
	InternalPort   int    `json:"internal_port" yaml:"port"`
}

// Instantiable reports whether a container can be started for the challenge.
func (s ChallengeSpec) Instantiable() bool {
	return strings.TrimSpace(s.ImageReference) != "" && s.InternalPort > 0
}
