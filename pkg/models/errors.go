package models

import "errors"

// Common errors for directory and policy operations.
var (
	// Directory errors
	ErrEntryNotFound   = errors.New("directory entry not found")
	ErrEntryExists     = errors.New("directory entry already exists")
	ErrEntryNotLeaf    = errors.New("directory entry has children")
	ErrInvalidDN       = errors.New("invalid distinguished name")
	ErrNoNamingContext = errors.New("default naming context is not configured")

	// User errors
	ErrUserNotFound       = errors.New("user not found")
	ErrDuplicateUser      = errors.New("user already exists")
	ErrInvalidCredentials = errors.New("invalid credentials")

	// Group errors
	ErrGroupNotFound = errors.New("group not found")
	ErrGroupCycle    = errors.New("group membership would form a cycle")

	// Attribute errors
	ErrAttributeExists   = errors.New("attribute value already exists")
	ErrAttributeNotFound = errors.New("attribute not found")

	// Setting errors
	ErrSettingNotFound = errors.New("setting not found")

	// Policy errors
	ErrPolicyNotFound  = errors.New("network policy not found")
	ErrDuplicatePolicy = errors.New("network policy already exists")
	ErrNoPolicyMatch   = errors.New("no network policy matches the peer address")
)
