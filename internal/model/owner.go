package model

import (
	"fmt"
	"strings"
)

// OwnerKind distinguishes signed-in users from anonymous guests.
type OwnerKind string

const (
	// OwnerUser is the partition of an authenticated user.
	OwnerUser OwnerKind = "user"
	// OwnerGuest is the partition of an anonymous device install.
	OwnerGuest OwnerKind = "guest"
)

// OwnerKey identifies the partition that owns cached rows and queue entries.
//
// Format: "user:<userId>" or "guest:<guestId>".
type OwnerKey string

// UserOwner returns the owner key for a signed-in user.
func UserOwner(userID string) OwnerKey {
	return OwnerKey(string(OwnerUser) + ":" + userID)
}

// GuestOwner returns the owner key for a guest install.
func GuestOwner(guestID string) OwnerKey {
	return OwnerKey(string(OwnerGuest) + ":" + guestID)
}

// ParseOwnerKey validates s and returns it as an OwnerKey.
func ParseOwnerKey(s string) (OwnerKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return "", fmt.Errorf("invalid owner key %q: expected <kind>:<id>", s)
	}
	switch OwnerKind(kind) {
	case OwnerUser, OwnerGuest:
		return OwnerKey(s), nil
	default:
		return "", fmt.Errorf("invalid owner key %q: unknown kind %q", s, kind)
	}
}

// Kind returns the partition kind, or "" for a malformed key.
func (k OwnerKey) Kind() OwnerKind {
	kind, _, ok := strings.Cut(string(k), ":")
	if !ok {
		return ""
	}
	return OwnerKind(kind)
}

// ID returns the user or guest identifier part of the key.
func (k OwnerKey) ID() string {
	_, id, _ := strings.Cut(string(k), ":")
	return id
}

// IsGuest reports whether the key belongs to a guest partition.
func (k OwnerKey) IsGuest() bool { return k.Kind() == OwnerGuest }

func (k OwnerKey) String() string { return string(k) }
