// Package model defines the persisted entities of the usage-tracking engine.
package model

import (
	"time"
)

// CloudType discriminates cloud-specific payloads on shared entities.
type CloudType string

const (
	CloudAWS   CloudType = "aws"
	CloudAzure CloudType = "azure"
)

// EventType classifies a power-state event.
type EventType string

const (
	EventPowerOn         EventType = "power_on"
	EventPowerOff        EventType = "power_off"
	EventAttributeChange EventType = "attribute_change"
)

// Account is an enrolled customer cloud account.
//
// Disabling an account stops ingest but keeps its records; deleting it
// cascades to instances, events, and runs but never to machine images.
type Account struct {
	ID             string
	CloudType      CloudType
	CloudAccountID string
	User           string
	// RoleARN holds the cross-account role for AWS accounts and the
	// subscription ID for Azure accounts.
	RoleARN   string
	CreatedAt time.Time
	EnabledAt *time.Time
	Enabled   bool
	// TimeZone overrides the engine default for concurrency roll-ups.
	TimeZone string
}

// Instance is a customer VM tracked under an account.
type Instance struct {
	ID              string
	AccountID       string
	CloudType       CloudType
	CloudInstanceID string
	Region          string
	// ImageID is the best-known image binding. Empty means unbound; once
	// bound it is only changed by an explicit re-discovery.
	ImageID string
}

// InstanceEvent is one observed power-state transition.
type InstanceEvent struct {
	InstanceID string
	AccountID  string
	OccurredAt time.Time
	// Seq breaks occurred_at ties by insertion order.
	Seq          int64
	Type         EventType
	InstanceType string
	Subnet       string
	ImageID      string
}

// Run is a derived maximal interval during which an instance was powered on.
// End == nil marks the open run; at most one exists per instance and it is
// chronologically last.
type Run struct {
	InstanceID   string
	Start        time.Time
	End          *time.Time
	ImageID      string
	InstanceType string
	VCPU         int32
	MemoryMiB    int64
}

// Active reports whether the run covers instant t.
func (r Run) Active(t time.Time) bool {
	if t.Before(r.Start) {
		return false
	}
	return r.End == nil || t.Before(*r.End)
}

// InstanceTypeDefinition is the compute capacity of one instance type.
type InstanceTypeDefinition struct {
	CloudType    CloudType
	InstanceType string
	VCPU         int32
	MemoryMiB    int64
}

// UsageMax is the daily maximum for one product category.
type UsageMax struct {
	MaxVCPU      int64
	MaxMemoryMiB int64
	MaxInstances int64
}

// ConcurrentUsage is the daily concurrent-usage record for one user.
// Date is the calendar day in the user's effective timezone, formatted
// 2006-01-02.
type ConcurrentUsage struct {
	User      string
	Date      string
	RHEL      UsageMax
	OpenShift UsageMax
}
