package normalize

import (
	"errors"
	"testing"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/model"
)

const sampleTrailLog = `{
  "Records": [
    {
      "eventSource": "ec2.amazonaws.com",
      "eventName": "RunInstances",
      "eventTime": "2024-03-02T10:00:00Z",
      "awsRegion": "us-east-1",
      "userIdentity": {"accountId": "123456789012"},
      "responseElements": {
        "instancesSet": {
          "items": [
            {"instanceId": "i-aaa", "imageId": "ami-1", "instanceType": "t3.medium", "subnetId": "subnet-1"},
            {"instanceId": "i-bbb", "imageId": "ami-1", "instanceType": "t3.medium", "subnetId": "subnet-1"}
          ]
        }
      }
    },
    {
      "eventSource": "ec2.amazonaws.com",
      "eventName": "StopInstances",
      "eventTime": "2024-03-02T18:00:00Z",
      "awsRegion": "us-east-1",
      "userIdentity": {"accountId": "123456789012"},
      "responseElements": {
        "instancesSet": {"items": [{"instanceId": "i-aaa"}]}
      }
    },
    {
      "eventSource": "ec2.amazonaws.com",
      "eventName": "ModifyInstanceAttribute",
      "eventTime": "2024-03-02T12:00:00Z",
      "awsRegion": "us-east-1",
      "userIdentity": {"accountId": "123456789012"},
      "requestParameters": {
        "instanceId": "i-bbb",
        "instanceType": {"value": "m5.large"}
      }
    },
    {
      "eventSource": "ec2.amazonaws.com",
      "eventName": "StartInstances",
      "eventTime": "2024-03-02T13:00:00Z",
      "awsRegion": "us-east-1",
      "errorCode": "Client.UnauthorizedOperation",
      "userIdentity": {"accountId": "123456789012"},
      "responseElements": {
        "instancesSet": {"items": [{"instanceId": "i-ccc"}]}
      }
    },
    {
      "eventSource": "s3.amazonaws.com",
      "eventName": "CreateBucket",
      "eventTime": "2024-03-02T13:30:00Z",
      "awsRegion": "us-east-1",
      "userIdentity": {"accountId": "123456789012"}
    },
    {
      "eventSource": "ec2.amazonaws.com",
      "eventName": "CreateTags",
      "eventTime": "2024-03-02T14:00:00Z",
      "awsRegion": "us-east-1",
      "userIdentity": {"accountId": "123456789012"},
      "requestParameters": {
        "resourcesSet": {"items": [{"resourceId": "ami-9"}, {"resourceId": "i-aaa"}]},
        "tagSet": {"items": [{"key": "openshift"}]}
      }
    }
  ]
}`

func TestParseTrailLog(t *testing.T) {
	events, tags, err := ParseTrailLog([]byte(sampleTrailLog))
	if err != nil {
		t.Fatalf("ParseTrailLog failed: %v", err)
	}

	// RunInstances yields one power_on per instance; the errored
	// StartInstances and the non-EC2 record are filtered out.
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}
	byType := map[model.EventType]int{}
	for _, ev := range events {
		byType[ev.Type]++
	}
	if byType[model.EventPowerOn] != 2 || byType[model.EventPowerOff] != 1 || byType[model.EventAttributeChange] != 1 {
		t.Errorf("event type counts wrong: %v", byType)
	}

	for _, ev := range events {
		if ev.Type == model.EventAttributeChange {
			if ev.InstanceID != "i-bbb" || ev.InstanceType != "m5.large" {
				t.Errorf("attribute change: got %+v", ev)
			}
		}
		if ev.Type == model.EventPowerOn && ev.ImageID != "ami-1" {
			t.Errorf("power_on missing image: %+v", ev)
		}
	}

	// Tag events consider only ami- resources.
	if len(tags) != 1 {
		t.Fatalf("expected 1 tag delta, got %d: %+v", len(tags), tags)
	}
	if tags[0].CloudImageID != "ami-9" || tags[0].Key != "openshift" || !tags[0].Present {
		t.Errorf("tag delta: got %+v", tags[0])
	}
}

func TestParseTrailLogAttributeChangeWithoutTypeDiscarded(t *testing.T) {
	payload := `{"Records":[{
		"eventSource": "ec2.amazonaws.com",
		"eventName": "ModifyInstanceAttribute",
		"eventTime": "2024-03-02T12:00:00Z",
		"awsRegion": "us-east-1",
		"userIdentity": {"accountId": "123456789012"},
		"requestParameters": {"instanceId": "i-bbb", "disableApiTermination": {"value": true}}
	}]}`
	events, _, err := ParseTrailLog([]byte(payload))
	if err != nil {
		t.Fatalf("ParseTrailLog failed: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("attribute change without instanceType must be discarded, got %+v", events)
	}
}

func TestParseTrailLogCorruptPayload(t *testing.T) {
	_, _, err := ParseTrailLog([]byte("not json at all"))
	if !errors.Is(err, errs.ErrCorruptPayload) {
		t.Fatalf("expected ErrCorruptPayload, got %v", err)
	}
}

func TestParseTrailLogDeleteTags(t *testing.T) {
	payload := `{"Records":[{
		"eventSource": "ec2.amazonaws.com",
		"eventName": "DeleteTags",
		"eventTime": "2024-03-03T09:00:00Z",
		"awsRegion": "eu-west-1",
		"userIdentity": {"accountId": "123456789012"},
		"requestParameters": {
			"resourcesSet": {"items": [{"resourceId": "ami-5"}]},
			"tagSet": {"items": [{"key": "openshift"}]}
		}
	}]}`
	_, tags, err := ParseTrailLog([]byte(payload))
	if err != nil {
		t.Fatalf("ParseTrailLog failed: %v", err)
	}
	if len(tags) != 1 || tags[0].Present {
		t.Fatalf("expected absent tag delta, got %+v", tags)
	}
}
