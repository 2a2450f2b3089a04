package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/meterwise/cloudmeter/pkg/engine/errs"
	"github.com/meterwise/cloudmeter/pkg/model"
)

// DynamoAPI is the subset of the DynamoDB client the store needs.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Dynamo is the production Store on a single pk/sk DynamoDB table.
//
// Key layout:
//
//	ACCOUNT#<id>            A                account row
//	IMAGE#<cloud>:<id>      A                image row
//	INSTANCE#<cloud>:<id>   A                instance row
//	EVENTS#<instance_id>    <nanos>#<hash>   one event per row
//	RUNS#<instance_id>      <nanos>          one run per row, keyed by start
//	USAGE#<user>            <date>           daily usage row
//	LOCK#<instance_id>      A                short-lived mutex row
//	SEQ                     A                event sequence counter
type Dynamo struct {
	Client DynamoAPI
	Table  string
	// LockTTL bounds how long a crashed worker can hold an instance lock.
	LockTTL time.Duration
	now     func() time.Time
}

// NewDynamo builds a store over an existing table.
func NewDynamo(client DynamoAPI, table string) *Dynamo {
	return &Dynamo{
		Client:  client,
		Table:   table,
		LockTTL: 5 * time.Minute,
		now:     time.Now,
	}
}

const sortMeta = "A"

func s(v string) *types.AttributeValueMemberS { return &types.AttributeValueMemberS{Value: v} }
func n(v int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)}
}
func b(v bool) *types.AttributeValueMemberBOOL { return &types.AttributeValueMemberBOOL{Value: v} }

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"pk": s(pk), "sk": s(sk)}
}

func getS(item map[string]types.AttributeValue, name string) string {
	if av, ok := item[name].(*types.AttributeValueMemberS); ok {
		return av.Value
	}
	return ""
}

func getN(item map[string]types.AttributeValue, name string) int64 {
	if av, ok := item[name].(*types.AttributeValueMemberN); ok {
		v, _ := strconv.ParseInt(av.Value, 10, 64)
		return v
	}
	return 0
}

func getB(item map[string]types.AttributeValue, name string) bool {
	if av, ok := item[name].(*types.AttributeValueMemberBOOL); ok {
		return av.Value
	}
	return false
}

func getT(item map[string]types.AttributeValue, name string) time.Time {
	raw := getS(item, name)
	if raw == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, raw)
	return t
}

func putT(item map[string]types.AttributeValue, name string, t time.Time) {
	if !t.IsZero() {
		item[name] = s(t.UTC().Format(time.RFC3339Nano))
	}
}

func classify(err error) error {
	var cond *types.ConditionalCheckFailedException
	if errors.As(err, &cond) {
		return ErrConditionFailed
	}
	return errs.ClassifyAWS(err)
}

// Accounts.

func accountPK(id string) string { return "ACCOUNT#" + id }

func (d *Dynamo) PutAccount(ctx context.Context, a model.Account) error {
	if a.ID == "" {
		a.ID = string(a.CloudType) + ":" + a.CloudAccountID
	}
	item := map[string]types.AttributeValue{
		"pk":               s(accountPK(a.ID)),
		"sk":               s(sortMeta),
		"id":               s(a.ID),
		"cloud_type":       s(string(a.CloudType)),
		"cloud_account_id": s(a.CloudAccountID),
		"user":             s(a.User),
		"role_arn":         s(a.RoleARN),
		"enabled":          b(a.Enabled),
		"time_zone":        s(a.TimeZone),
	}
	putT(item, "created_at", a.CreatedAt)
	if a.EnabledAt != nil {
		putT(item, "enabled_at", *a.EnabledAt)
	}
	_, err := d.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.Table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("put account %s: %w", a.ID, classify(err))
	}
	return nil
}

func decodeAccount(item map[string]types.AttributeValue) model.Account {
	a := model.Account{
		ID:             getS(item, "id"),
		CloudType:      model.CloudType(getS(item, "cloud_type")),
		CloudAccountID: getS(item, "cloud_account_id"),
		User:           getS(item, "user"),
		RoleARN:        getS(item, "role_arn"),
		CreatedAt:      getT(item, "created_at"),
		Enabled:        getB(item, "enabled"),
		TimeZone:       getS(item, "time_zone"),
	}
	if t := getT(item, "enabled_at"); !t.IsZero() {
		a.EnabledAt = &t
	}
	return a
}

func (d *Dynamo) GetAccount(ctx context.Context, cloud model.CloudType, cloudAccountID string) (model.Account, error) {
	// Account ids are composed from (cloud, cloud account id), so the
	// natural-key lookup is a direct get.
	return d.GetAccountByID(ctx, string(cloud)+":"+cloudAccountID)
}

func (d *Dynamo) GetAccountByID(ctx context.Context, id string) (model.Account, error) {
	out, err := d.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.Table),
		Key:       key(accountPK(id), sortMeta),
	})
	if err != nil {
		return model.Account{}, fmt.Errorf("get account %s: %w", id, classify(err))
	}
	if out.Item == nil {
		return model.Account{}, ErrNotFound
	}
	return decodeAccount(out.Item), nil
}

func (d *Dynamo) ListAccounts(ctx context.Context) ([]model.Account, error) {
	items, err := d.scanPrefix(ctx, "ACCOUNT#")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	out := make([]model.Account, 0, len(items))
	for _, item := range items {
		out = append(out, decodeAccount(item))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (d *Dynamo) DeleteAccount(ctx context.Context, id string) error {
	if _, err := d.GetAccountByID(ctx, id); err != nil {
		return err
	}
	instances, err := d.ListInstancesByAccount(ctx, id)
	if err != nil {
		return err
	}
	// Cascade: instances own events own runs. Images survive.
	for _, inst := range instances {
		if err := d.deletePartition(ctx, "EVENTS#"+inst.ID); err != nil {
			return fmt.Errorf("delete events of %s: %w", inst.ID, err)
		}
		if err := d.deletePartition(ctx, "RUNS#"+inst.ID); err != nil {
			return fmt.Errorf("delete runs of %s: %w", inst.ID, err)
		}
		if _, err := d.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(d.Table),
			Key:       key("INSTANCE#"+inst.ID, sortMeta),
		}); err != nil {
			return fmt.Errorf("delete instance %s: %w", inst.ID, classify(err))
		}
	}
	if _, err := d.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(d.Table),
		Key:       key(accountPK(id), sortMeta),
	}); err != nil {
		return fmt.Errorf("delete account %s: %w", id, classify(err))
	}
	return nil
}

// Images.

func imagePK(cloud model.CloudType, id string) string {
	return "IMAGE#" + string(cloud) + ":" + id
}

func encodeImage(img model.MachineImage) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"pk":                   s(imagePK(img.CloudType, img.CloudImageID)),
		"sk":                   s(sortMeta),
		"cloud_type":           s(string(img.CloudType)),
		"cloud_image_id":       s(img.CloudImageID),
		"name":                 s(img.Name),
		"owner_account_id":     s(img.OwnerCloudAccountID),
		"region":               s(img.Region),
		"platform":             s(string(img.Platform)),
		"status":               s(string(img.Status)),
		"inspection_json":      s(img.InspectionJSON),
		"attempts":             n(int64(img.Attempts)),
		"rhel_detected_by_tag": b(img.RHELDetectedByTag),
		"rhel_challenged":      b(img.RHELChallenged),
		"openshift_detected":   b(img.OpenShiftDetected),
		"openshift_challenged": b(img.OpenShiftChallenged),
		"encrypted":            b(img.Encrypted),
		"marketplace":          b(img.Marketplace),
		"cloud_access":         b(img.CloudAccess),
	}
	putT(item, "discovered_at", img.DiscoveredAt)
	if img.OpenShiftTagAt != nil {
		putT(item, "openshift_tag_at", *img.OpenShiftTagAt)
	}
	return item
}

func decodeImage(item map[string]types.AttributeValue) model.MachineImage {
	img := model.MachineImage{
		CloudType:           model.CloudType(getS(item, "cloud_type")),
		CloudImageID:        getS(item, "cloud_image_id"),
		Name:                getS(item, "name"),
		OwnerCloudAccountID: getS(item, "owner_account_id"),
		Region:              getS(item, "region"),
		Platform:            model.Platform(getS(item, "platform")),
		Status:              model.ImageStatus(getS(item, "status")),
		InspectionJSON:      getS(item, "inspection_json"),
		Attempts:            int(getN(item, "attempts")),
		RHELDetectedByTag:   getB(item, "rhel_detected_by_tag"),
		RHELChallenged:      getB(item, "rhel_challenged"),
		OpenShiftDetected:   getB(item, "openshift_detected"),
		OpenShiftChallenged: getB(item, "openshift_challenged"),
		Encrypted:           getB(item, "encrypted"),
		Marketplace:         getB(item, "marketplace"),
		CloudAccess:         getB(item, "cloud_access"),
		DiscoveredAt:        getT(item, "discovered_at"),
	}
	if t := getT(item, "openshift_tag_at"); !t.IsZero() {
		img.OpenShiftTagAt = &t
	}
	return img
}

func (d *Dynamo) UpsertImage(ctx context.Context, img model.MachineImage) (model.MachineImage, bool, error) {
	if img.Status == "" {
		img.Status = model.StatusPending
	}
	_, err := d.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.Table),
		Item:                encodeImage(img),
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err == nil {
		return img, true, nil
	}
	if !errors.Is(classify(err), ErrConditionFailed) {
		return model.MachineImage{}, false, fmt.Errorf("upsert image %s: %w", img.CloudImageID, classify(err))
	}
	existing, err := d.GetImage(ctx, img.CloudType, img.CloudImageID)
	if err != nil {
		return model.MachineImage{}, false, err
	}
	return existing, false, nil
}

func (d *Dynamo) GetImage(ctx context.Context, cloud model.CloudType, cloudImageID string) (model.MachineImage, error) {
	out, err := d.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.Table),
		Key:       key(imagePK(cloud, cloudImageID), sortMeta),
	})
	if err != nil {
		return model.MachineImage{}, fmt.Errorf("get image %s: %w", cloudImageID, classify(err))
	}
	if out.Item == nil {
		return model.MachineImage{}, ErrNotFound
	}
	return decodeImage(out.Item), nil
}

func (d *Dynamo) UpdateImage(ctx context.Context, img model.MachineImage) error {
	existing, err := d.GetImage(ctx, img.CloudType, img.CloudImageID)
	if err != nil {
		return err
	}
	// Status only moves through UpdateImageStatus.
	img.Status = existing.Status
	_, err = d.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.Table),
		Item:                encodeImage(img),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if errors.Is(classify(err), ErrConditionFailed) {
			return ErrNotFound
		}
		return fmt.Errorf("update image %s: %w", img.CloudImageID, classify(err))
	}
	return nil
}

func (d *Dynamo) UpdateImageStatus(ctx context.Context, cloud model.CloudType, cloudImageID string, expected, target model.ImageStatus) error {
	_, err := d.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(d.Table),
		Key:                 key(imagePK(cloud, cloudImageID), sortMeta),
		UpdateExpression:    aws.String("SET #st = :target"),
		ConditionExpression: aws.String("attribute_exists(pk) AND #st = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":target":   s(string(target)),
			":expected": s(string(expected)),
		},
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (d *Dynamo) ListImagesByStatus(ctx context.Context, status model.ImageStatus) ([]model.MachineImage, error) {
	paginator := dynamodb.NewScanPaginator(d.Client, &dynamodb.ScanInput{
		TableName:        aws.String(d.Table),
		FilterExpression: aws.String("begins_with(pk, :prefix) AND #st = :status"),
		ExpressionAttributeNames: map[string]string{
			"#st": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": s("IMAGE#"),
			":status": s(string(status)),
		},
	})
	var out []model.MachineImage
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list images by status: %w", classify(err))
		}
		for _, item := range page.Items {
			out = append(out, decodeImage(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CloudImageID < out[j].CloudImageID })
	return out, nil
}

// Instances.

func instancePK(cloud model.CloudType, cloudInstanceID string) string {
	return "INSTANCE#" + string(cloud) + ":" + cloudInstanceID
}

func decodeInstance(item map[string]types.AttributeValue) model.Instance {
	return model.Instance{
		ID:              getS(item, "id"),
		AccountID:       getS(item, "account_id"),
		CloudType:       model.CloudType(getS(item, "cloud_type")),
		CloudInstanceID: getS(item, "cloud_instance_id"),
		Region:          getS(item, "region"),
		ImageID:         getS(item, "image_id"),
	}
}

func (d *Dynamo) UpsertInstance(ctx context.Context, inst model.Instance) (model.Instance, error) {
	if inst.ID == "" {
		inst.ID = string(inst.CloudType) + ":" + inst.CloudInstanceID
	}
	item := map[string]types.AttributeValue{
		"pk":                s(instancePK(inst.CloudType, inst.CloudInstanceID)),
		"sk":                s(sortMeta),
		"id":                s(inst.ID),
		"account_id":        s(inst.AccountID),
		"cloud_type":        s(string(inst.CloudType)),
		"cloud_instance_id": s(inst.CloudInstanceID),
		"region":            s(inst.Region),
		"image_id":          s(inst.ImageID),
	}
	_, err := d.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(d.Table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(pk)"),
	})
	if err == nil {
		return inst, nil
	}
	if !errors.Is(classify(err), ErrConditionFailed) {
		return model.Instance{}, fmt.Errorf("upsert instance %s: %w", inst.ID, classify(err))
	}

	existing, err := d.GetInstance(ctx, inst.CloudType, inst.CloudInstanceID)
	if err != nil {
		return model.Instance{}, err
	}
	// Fill an empty image binding; never overwrite a bound one, later
	// events may carry stale data.
	changed := false
	if existing.ImageID == "" && inst.ImageID != "" {
		existing.ImageID = inst.ImageID
		changed = true
	}
	if existing.Region == "" && inst.Region != "" {
		existing.Region = inst.Region
		changed = true
	}
	if !changed {
		return existing, nil
	}
	_, err = d.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.Table),
		Key:              key(instancePK(inst.CloudType, inst.CloudInstanceID), sortMeta),
		UpdateExpression: aws.String("SET image_id = :image, #rg = :region"),
		ExpressionAttributeNames: map[string]string{
			"#rg": "region",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":image":  s(existing.ImageID),
			":region": s(existing.Region),
		},
	})
	if err != nil {
		return model.Instance{}, fmt.Errorf("bind instance %s: %w", inst.ID, classify(err))
	}
	return existing, nil
}

func (d *Dynamo) GetInstance(ctx context.Context, cloud model.CloudType, cloudInstanceID string) (model.Instance, error) {
	out, err := d.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.Table),
		Key:       key(instancePK(cloud, cloudInstanceID), sortMeta),
	})
	if err != nil {
		return model.Instance{}, fmt.Errorf("get instance %s: %w", cloudInstanceID, classify(err))
	}
	if out.Item == nil {
		return model.Instance{}, ErrNotFound
	}
	return decodeInstance(out.Item), nil
}

func (d *Dynamo) ListInstancesByAccount(ctx context.Context, accountID string) ([]model.Instance, error) {
	paginator := dynamodb.NewScanPaginator(d.Client, &dynamodb.ScanInput{
		TableName:        aws.String(d.Table),
		FilterExpression: aws.String("begins_with(pk, :prefix) AND account_id = :account"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix":  s("INSTANCE#"),
			":account": s(accountID),
		},
	})
	var out []model.Instance
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list instances of %s: %w", accountID, classify(err))
		}
		for _, item := range page.Items {
			out = append(out, decodeInstance(item))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Events.

func eventSK(occurredAt time.Time, ev model.InstanceEvent) string {
	sum := sha256.Sum256([]byte(string(ev.Type) + "\x00" + ev.InstanceType + "\x00" + ev.ImageID))
	return fmt.Sprintf("%020d#%s", occurredAt.UnixNano(), hex.EncodeToString(sum[:8]))
}

func decodeEvent(item map[string]types.AttributeValue) model.InstanceEvent {
	return model.InstanceEvent{
		InstanceID:   getS(item, "instance_id"),
		AccountID:    getS(item, "account_id"),
		OccurredAt:   getT(item, "occurred_at"),
		Seq:          getN(item, "seq"),
		Type:         model.EventType(getS(item, "type")),
		InstanceType: getS(item, "instance_type"),
		Subnet:       getS(item, "subnet"),
		ImageID:      getS(item, "image_id"),
	}
}

// nextSeq draws insertion-order sequence numbers from an atomic counter.
func (d *Dynamo) nextSeq(ctx context.Context) (int64, error) {
	out, err := d.Client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(d.Table),
		Key:              key("SEQ", sortMeta),
		UpdateExpression: aws.String("ADD seq :one"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one": n(1),
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("advance sequence: %w", classify(err))
	}
	return getN(out.Attributes, "seq"), nil
}

func (d *Dynamo) AppendEvents(ctx context.Context, events []model.InstanceEvent) error {
	for _, ev := range events {
		seq, err := d.nextSeq(ctx)
		if err != nil {
			return err
		}
		item := map[string]types.AttributeValue{
			"pk":            s("EVENTS#" + ev.InstanceID),
			"sk":            s(eventSK(ev.OccurredAt, ev)),
			"instance_id":   s(ev.InstanceID),
			"account_id":    s(ev.AccountID),
			"seq":           n(seq),
			"type":          s(string(ev.Type)),
			"instance_type": s(ev.InstanceType),
			"subnet":        s(ev.Subnet),
			"image_id":      s(ev.ImageID),
		}
		putT(item, "occurred_at", ev.OccurredAt)
		_, err = d.Client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.Table),
			Item:      item,
			// The sort key encodes (instant, content), so a redelivered
			// duplicate lands on the same item and is dropped here.
			ConditionExpression: aws.String("attribute_not_exists(pk)"),
		})
		if err != nil && !errors.Is(classify(err), ErrConditionFailed) {
			return fmt.Errorf("append event for %s: %w", ev.InstanceID, classify(err))
		}
	}
	return nil
}

func (d *Dynamo) ListEventsSince(ctx context.Context, instanceID string, since time.Time) ([]model.InstanceEvent, error) {
	paginator := dynamodb.NewQueryPaginator(d.Client, &dynamodb.QueryInput{
		TableName:              aws.String(d.Table),
		KeyConditionExpression: aws.String("pk = :pk AND sk >= :since"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":    s("EVENTS#" + instanceID),
			":since": s(fmt.Sprintf("%020d", since.UnixNano())),
		},
	})
	var out []model.InstanceEvent
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list events of %s: %w", instanceID, classify(err))
		}
		for _, item := range page.Items {
			out = append(out, decodeEvent(item))
		}
	}
	// The sort key orders same-instant events by content hash; re-sort by
	// insertion order.
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].OccurredAt.Equal(out[j].OccurredAt) {
			return out[i].OccurredAt.Before(out[j].OccurredAt)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (d *Dynamo) LatestEventBefore(ctx context.Context, instanceID string, t time.Time) (model.InstanceEvent, error) {
	out, err := d.Client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(d.Table),
		KeyConditionExpression: aws.String("pk = :pk AND sk < :before"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     s("EVENTS#" + instanceID),
			":before": s(fmt.Sprintf("%020d", t.UnixNano())),
		},
		ScanIndexForward: aws.Bool(false),
		// Same-instant events share the nanosecond prefix; a small page
		// is enough to find the highest insertion order among them.
		Limit: aws.Int32(16),
	})
	if err != nil {
		return model.InstanceEvent{}, fmt.Errorf("latest event of %s: %w", instanceID, classify(err))
	}
	if len(out.Items) == 0 {
		return model.InstanceEvent{}, ErrNotFound
	}
	best := decodeEvent(out.Items[0])
	for _, item := range out.Items[1:] {
		ev := decodeEvent(item)
		if ev.OccurredAt.After(best.OccurredAt) ||
			(ev.OccurredAt.Equal(best.OccurredAt) && ev.Seq > best.Seq) {
			best = ev
		}
	}
	return best, nil
}

// Runs.

func runSK(start time.Time) string {
	return fmt.Sprintf("%020d", start.UnixNano())
}

func encodeRun(run model.Run) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"pk":            s("RUNS#" + run.InstanceID),
		"sk":            s(runSK(run.Start)),
		"instance_id":   s(run.InstanceID),
		"image_id":      s(run.ImageID),
		"instance_type": s(run.InstanceType),
		"vcpu":          n(int64(run.VCPU)),
		"memory_mib":    n(run.MemoryMiB),
	}
	putT(item, "start_time", run.Start)
	if run.End != nil {
		putT(item, "end_time", *run.End)
	}
	return item
}

func decodeRun(item map[string]types.AttributeValue) model.Run {
	run := model.Run{
		InstanceID:   getS(item, "instance_id"),
		Start:        getT(item, "start_time"),
		ImageID:      getS(item, "image_id"),
		InstanceType: getS(item, "instance_type"),
		VCPU:         int32(getN(item, "vcpu")),
		MemoryMiB:    getN(item, "memory_mib"),
	}
	if t := getT(item, "end_time"); !t.IsZero() {
		run.End = &t
	}
	return run
}

func (d *Dynamo) ListRuns(ctx context.Context, instanceID string) ([]model.Run, error) {
	paginator := dynamodb.NewQueryPaginator(d.Client, &dynamodb.QueryInput{
		TableName:              aws.String(d.Table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": s("RUNS#" + instanceID),
		},
	})
	var out []model.Run
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list runs of %s: %w", instanceID, classify(err))
		}
		for _, item := range page.Items {
			out = append(out, decodeRun(item))
		}
	}
	return out, nil
}

func (d *Dynamo) ListRunsOverlapping(ctx context.Context, user string, from, to time.Time) ([]model.Run, error) {
	accounts, err := d.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Run
	for _, account := range accounts {
		if account.User != user {
			continue
		}
		instances, err := d.ListInstancesByAccount(ctx, account.ID)
		if err != nil {
			return nil, err
		}
		for _, inst := range instances {
			runs, err := d.ListRuns(ctx, inst.ID)
			if err != nil {
				return nil, err
			}
			for _, r := range runs {
				if r.Start.Before(to) && (r.End == nil || r.End.After(from)) {
					out = append(out, r)
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (d *Dynamo) ReplaceRunsFrom(ctx context.Context, instanceID string, watermark time.Time, replacement []model.Run) error {
	existing, err := d.ListRuns(ctx, instanceID)
	if err != nil {
		return err
	}
	var writes []types.TransactWriteItem
	for _, run := range existing {
		if run.Start.Before(watermark) {
			continue
		}
		writes = append(writes, types.TransactWriteItem{
			Delete: &types.Delete{
				TableName: aws.String(d.Table),
				Key:       key("RUNS#"+instanceID, runSK(run.Start)),
			},
		})
	}
	puts := make(map[string]bool)
	for _, run := range replacement {
		sk := runSK(run.Start)
		puts[sk] = true
		writes = append(writes, types.TransactWriteItem{
			Put: &types.Put{
				TableName: aws.String(d.Table),
				Item:      encodeRun(run),
			},
		})
	}
	// A delete and a put on the same key cannot share a transaction;
	// the put alone already replaces the item.
	compact := writes[:0]
	for _, w := range writes {
		if w.Delete != nil && puts[getS(w.Delete.Key, "sk")] {
			continue
		}
		compact = append(compact, w)
	}
	writes = compact
	if len(writes) == 0 {
		return nil
	}
	// One transaction covers the common case; oversized replacements fall
	// back to chunked transactions under the instance lock.
	const maxTransact = 100
	for start := 0; start < len(writes); start += maxTransact {
		chunk := writes[start:min(start+maxTransact, len(writes))]
		if _, err := d.Client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
			TransactItems: chunk,
		}); err != nil {
			return fmt.Errorf("replace runs of %s: %w", instanceID, classify(err))
		}
	}
	return nil
}

func (d *Dynamo) LockInstance(ctx context.Context, instanceID string) (func(), error) {
	lockKey := key("LOCK#"+instanceID, sortMeta)
	for {
		now := d.now().UTC()
		_, err := d.Client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(d.Table),
			Item: map[string]types.AttributeValue{
				"pk":         lockKey["pk"],
				"sk":         lockKey["sk"],
				"expires_at": n(now.Add(d.LockTTL).Unix()),
			},
			// Free, or left behind by a crashed worker.
			ConditionExpression: aws.String("attribute_not_exists(pk) OR expires_at < :now"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": n(now.Unix()),
			},
		})
		if err == nil {
			break
		}
		if !errors.Is(classify(err), ErrConditionFailed) {
			return nil, fmt.Errorf("lock instance %s: %w", instanceID, classify(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return func() {
		_, _ = d.Client.DeleteItem(context.Background(), &dynamodb.DeleteItemInput{
			TableName: aws.String(d.Table),
			Key:       lockKey,
		})
	}, nil
}

// Concurrent usage.

func (d *Dynamo) UpsertConcurrentUsage(ctx context.Context, usage model.ConcurrentUsage) error {
	item := map[string]types.AttributeValue{
		"pk":            s("USAGE#" + usage.User),
		"sk":            s(usage.Date),
		"user":          s(usage.User),
		"date":          s(usage.Date),
		"rhel_vcpu":     n(usage.RHEL.MaxVCPU),
		"rhel_memory":   n(usage.RHEL.MaxMemoryMiB),
		"rhel_count":    n(usage.RHEL.MaxInstances),
		"ocp_vcpu":      n(usage.OpenShift.MaxVCPU),
		"ocp_memory":    n(usage.OpenShift.MaxMemoryMiB),
		"ocp_count":     n(usage.OpenShift.MaxInstances),
	}
	_, err := d.Client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.Table),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("upsert usage %s/%s: %w", usage.User, usage.Date, classify(err))
	}
	return nil
}

func (d *Dynamo) GetConcurrentUsage(ctx context.Context, user, date string) (model.ConcurrentUsage, error) {
	out, err := d.Client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(d.Table),
		Key:       key("USAGE#"+user, date),
	})
	if err != nil {
		return model.ConcurrentUsage{}, fmt.Errorf("get usage %s/%s: %w", user, date, classify(err))
	}
	if out.Item == nil {
		return model.ConcurrentUsage{}, ErrNotFound
	}
	return model.ConcurrentUsage{
		User: getS(out.Item, "user"),
		Date: getS(out.Item, "date"),
		RHEL: model.UsageMax{
			MaxVCPU:      getN(out.Item, "rhel_vcpu"),
			MaxMemoryMiB: getN(out.Item, "rhel_memory"),
			MaxInstances: getN(out.Item, "rhel_count"),
		},
		OpenShift: model.UsageMax{
			MaxVCPU:      getN(out.Item, "ocp_vcpu"),
			MaxMemoryMiB: getN(out.Item, "ocp_memory"),
			MaxInstances: getN(out.Item, "ocp_count"),
		},
	}, nil
}

// scanPrefix collects every row whose partition key carries the prefix.
func (d *Dynamo) scanPrefix(ctx context.Context, prefix string) ([]map[string]types.AttributeValue, error) {
	paginator := dynamodb.NewScanPaginator(d.Client, &dynamodb.ScanInput{
		TableName:        aws.String(d.Table),
		FilterExpression: aws.String("begins_with(pk, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":prefix": s(prefix),
		},
	})
	var out []map[string]types.AttributeValue
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify(err)
		}
		out = append(out, page.Items...)
	}
	return out, nil
}

// deletePartition removes every row in one partition.
func (d *Dynamo) deletePartition(ctx context.Context, pk string) error {
	paginator := dynamodb.NewQueryPaginator(d.Client, &dynamodb.QueryInput{
		TableName:              aws.String(d.Table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ProjectionExpression:   aws.String("pk, sk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": s(pk),
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return classify(err)
		}
		for _, item := range page.Items {
			if _, err := d.Client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(d.Table),
				Key:       key(getS(item, "pk"), getS(item, "sk")),
			}); err != nil {
				return classify(err)
			}
		}
	}
	return nil
}
