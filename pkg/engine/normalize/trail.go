// Package normalize turns raw audit-log records and describe snapshots
// into canonical instance events.
package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/engine/registry"
	"github.com/meterwise/cloudmeter/pkg/model"
)

// eventNameMap maps recognized CloudTrail event names to event types.
var eventNameMap = map[string]model.EventType{
	"RunInstances":                        model.EventPowerOn,
	"StartInstance":                       model.EventPowerOn,
	"StartInstances":                      model.EventPowerOn,
	"StopInstances":                       model.EventPowerOff,
	"TerminateInstances":                  model.EventPowerOff,
	"TerminateInstance":                   model.EventPowerOff,
	"TerminateInstanceInAutoScalingGroup": model.EventPowerOff,
	"ModifyInstanceAttribute":             model.EventAttributeChange,
}

const (
	ec2EventSource = "ec2.amazonaws.com"
	createTags     = "CreateTags"
	deleteTags     = "DeleteTags"
)

// RawEvent is a power-state observation before account resolution and
// backfill.
type RawEvent struct {
	OccurredAt   time.Time
	AccountID    string // cloud-native account id
	Region       string
	InstanceID   string // cloud-native instance id
	Type         model.EventType
	InstanceType string
	ImageID      string
	Subnet       string
}

type trailLog struct {
	Records []trailRecord `json:"Records"`
}

type trailRecord struct {
	EventSource  string    `json:"eventSource"`
	EventName    string    `json:"eventName"`
	EventTime    time.Time `json:"eventTime"`
	AwsRegion    string    `json:"awsRegion"`
	ErrorCode    string    `json:"errorCode"`
	UserIdentity struct {
		AccountID string `json:"accountId"`
	} `json:"userIdentity"`
	RequestParameters struct {
		InstanceID   string `json:"instanceId"`
		InstanceType *struct {
			Value string `json:"value"`
		} `json:"instanceType"`
		ResourcesSet struct {
			Items []struct {
				ResourceID string `json:"resourceId"`
			} `json:"items"`
		} `json:"resourcesSet"`
		TagSet struct {
			Items []struct {
				Key string `json:"key"`
			} `json:"items"`
		} `json:"tagSet"`
	} `json:"requestParameters"`
	ResponseElements struct {
		InstancesSet struct {
			Items []struct {
				InstanceID   string `json:"instanceId"`
				ImageID      string `json:"imageId"`
				InstanceType string `json:"instanceType"`
				SubnetID     string `json:"subnetId"`
			} `json:"items"`
		} `json:"instancesSet"`
	} `json:"responseElements"`
}

// ParseTrailLog parses one audit-log object into power events and AMI tag
// deltas. Unparseable payloads wrap ErrCorruptPayload so the message is
// left unacked and eventually dead-letters.
func ParseTrailLog(data []byte) ([]RawEvent, []registry.TagDelta, error) {
	var logFile trailLog
	if err := json.Unmarshal(data, &logFile); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", errs.ErrCorruptPayload, err)
	}
	var (
		events []RawEvent
		tags   []registry.TagDelta
	)
	for _, rec := range logFile.Records {
		if rec.EventSource != ec2EventSource || rec.ErrorCode != "" {
			continue
		}
		switch rec.EventName {
		case createTags, deleteTags:
			tags = append(tags, parseTagRecord(rec)...)
		default:
			events = append(events, parseInstanceRecord(rec)...)
		}
	}
	return events, tags, nil
}

func parseInstanceRecord(rec trailRecord) []RawEvent {
	eventType, ok := eventNameMap[rec.EventName]
	if !ok {
		return nil
	}
	base := RawEvent{
		OccurredAt: rec.EventTime,
		AccountID:  rec.UserIdentity.AccountID,
		Region:     rec.AwsRegion,
		Type:       eventType,
	}

	if eventType == model.EventAttributeChange {
		// Only type modifications matter; records without the new type are
		// discarded.
		if rec.RequestParameters.InstanceType == nil || rec.RequestParameters.InstanceType.Value == "" {
			return nil
		}
		ev := base
		ev.InstanceID = rec.RequestParameters.InstanceID
		ev.InstanceType = rec.RequestParameters.InstanceType.Value
		if ev.InstanceID == "" {
			return nil
		}
		return []RawEvent{ev}
	}

	var out []RawEvent
	seen := make(map[string]bool)
	for _, item := range rec.ResponseElements.InstancesSet.Items {
		if item.InstanceID == "" || seen[item.InstanceID] {
			continue
		}
		seen[item.InstanceID] = true
		ev := base
		ev.InstanceID = item.InstanceID
		ev.ImageID = item.ImageID
		ev.InstanceType = item.InstanceType
		ev.Subnet = item.SubnetID
		out = append(out, ev)
	}
	return out
}

func parseTagRecord(rec trailRecord) []registry.TagDelta {
	present := rec.EventName == createTags
	var imageIDs []string
	for _, res := range rec.RequestParameters.ResourcesSet.Items {
		if len(res.ResourceID) > 4 && res.ResourceID[:4] == "ami-" {
			imageIDs = append(imageIDs, res.ResourceID)
		}
	}
	var out []registry.TagDelta
	for _, id := range imageIDs {
		for _, tag := range rec.RequestParameters.TagSet.Items {
			out = append(out, registry.TagDelta{
				CloudType:    model.CloudAWS,
				CloudImageID: id,
				Key:          tag.Key,
				Present:      present,
				OccurredAt:   rec.EventTime,
			})
		}
	}
	return out
}
