// Package model provides the domain types shared by every routinesync component.
//
// This package contains value types and pure helpers only. All other internal
// packages import model; model imports nothing internal, which keeps it the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Calendar dates are civil dates (Date), never instants
//   - Completion instants are always UTC
//   - Every cached row belongs to exactly one OwnerKey partition
//   - Errors that cross a component boundary are *Error with a Kind
package model
