package model

import (
	"encoding/json"
	"strings"
	"time"
)

// ImageStatus is the inspection lifecycle state of a machine image.
// Transitions form a strict DAG; inspected, error, and unavailable are
// terminal and never rewritten.
type ImageStatus string

const (
	StatusPending     ImageStatus = "pending"
	StatusPreparing   ImageStatus = "preparing"
	StatusInspecting  ImageStatus = "inspecting"
	StatusInspected   ImageStatus = "inspected"
	StatusError       ImageStatus = "error"
	StatusUnavailable ImageStatus = "unavailable"
)

// Terminal reports whether s admits no further transitions.
func (s ImageStatus) Terminal() bool {
	switch s {
	case StatusInspected, StatusError, StatusUnavailable:
		return true
	}
	return false
}

// Platform marks images whose OS rules out RHEL content.
type Platform string

const (
	PlatformNone    Platform = "none"
	PlatformWindows Platform = "windows"
)

// MachineImage is a deduplicated machine image referenced by instances.
// Images are shared across accounts and are never cascade-deleted.
type MachineImage struct {
	CloudType    CloudType
	CloudImageID string
	Name         string
	// OwnerCloudAccountID is the cloud account that owns the image, used
	// to gate marketplace / cloud-access classification.
	OwnerCloudAccountID string
	Region              string
	Platform            Platform
	Status              ImageStatus
	// InspectionJSON holds the inspection worker's verdict verbatim.
	InspectionJSON string
	Attempts       int

	RHELDetectedByTag   bool
	RHELChallenged      bool
	OpenShiftDetected   bool
	OpenShiftChallenged bool
	Encrypted           bool
	Marketplace         bool
	CloudAccess         bool

	// OpenShiftTagAt is the occurred_at of the latest applied tag event;
	// only chronologically newer tag observations may change the flag.
	OpenShiftTagAt *time.Time

	DiscoveredAt time.Time
}

// InspectionFindings is the verdict payload written back by the external
// inspection worker.
type InspectionFindings struct {
	RHELEnabledReposFound   bool `json:"rhel_enabled_repos_found"`
	RHELProductCertsFound   bool `json:"rhel_product_certs_found"`
	RHELReleaseFilesFound   bool `json:"rhel_release_files_found"`
	RHELSignedPackagesFound bool `json:"rhel_signed_packages_found"`
}

// Findings parses InspectionJSON. A missing or malformed payload reads as
// no findings.
func (m MachineImage) Findings() InspectionFindings {
	var f InspectionFindings
	if m.InspectionJSON != "" {
		_ = json.Unmarshal([]byte(m.InspectionJSON), &f)
	}
	return f
}

// RHELDetected reports whether any positive RHEL signal is present,
// before challenges are applied.
func (m MachineImage) RHELDetected() bool {
	f := m.Findings()
	return f.RHELEnabledReposFound ||
		f.RHELProductCertsFound ||
		f.RHELReleaseFilesFound ||
		f.RHELSignedPackagesFound ||
		m.RHELDetectedByTag ||
		m.CloudAccess
}

// RHEL is the billable RHEL verdict: detection XOR challenge.
func (m MachineImage) RHEL() bool {
	return m.RHELDetected() != m.RHELChallenged
}

// OpenShift is the billable OpenShift verdict: detection XOR challenge.
func (m MachineImage) OpenShift() bool {
	return m.OpenShiftDetected != m.OpenShiftChallenged
}

// ImageClassifier computes marketplace / cloud-access membership from the
// configured name tokens and owner account set.
type ImageClassifier struct {
	MarketplaceTokens []string
	CloudAccessTokens []string
	// OwnerAccounts gates both classifications: only images owned by one
	// of these accounts can classify.
	OwnerAccounts map[string]bool
}

// Classify returns (marketplace, cloudAccess) for an image name and owner.
// Token matching is case-insensitive.
func (c ImageClassifier) Classify(name, ownerAccountID string) (bool, bool) {
	if name == "" || !c.OwnerAccounts[ownerAccountID] {
		return false, false
	}
	lower := strings.ToLower(name)
	return containsAny(lower, c.MarketplaceTokens), containsAny(lower, c.CloudAccessTokens)
}

func containsAny(s string, tokens []string) bool {
	for _, tok := range tokens {
		if tok != "" && strings.Contains(s, strings.ToLower(tok)) {
			return true
		}
	}
	return false
}
