// Package domain contains core domain types for the Careline communication hub.
package domain

import (
	"fmt"
	"strings"
)

// Role is the declared account type of a connected party.
type Role string

const (
	// RoleDoctor identifies a clinician account.
	RoleDoctor Role = "doctor"
	// RolePatient identifies a patient account.
	RolePatient Role = "patient"
)

// ParseRole normalizes a role string.
func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleDoctor:
		return RoleDoctor, nil
	case RolePatient:
		return RolePatient, nil
	default:
		return "", fmt.Errorf("unknown role %q", s)
	}
}

// Identity is a verified user as admitted by the identity collaborator.
type Identity struct {
	UserID      string `json:"user_id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
}

// Name returns the display name, falling back to the user ID.
func (i Identity) Name() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}
	return i.UserID
}
