package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	awscloud "github.com/meterwise/cloudmeter/pkg/cloud/aws"
	azurecloud "github.com/meterwise/cloudmeter/pkg/cloud/azure"
	"github.com/meterwise/cloudmeter/pkg/engine/normalize"
	"github.com/meterwise/cloudmeter/pkg/model"
	"github.com/meterwise/cloudmeter/pkg/queue"
	"github.com/meterwise/cloudmeter/pkg/store"
)

// buildRealPipeline wires DynamoDB, SQS, and the cloud adapters.
func buildRealPipeline(ctx context.Context, e *Engine) error {
	awsClient, err := awscloud.NewClient(ctx, e.cfg.Region)
	if err != nil {
		return fmt.Errorf("aws session: %w", err)
	}
	identity, err := awsClient.VerifyIdentity(ctx)
	if err != nil {
		return fmt.Errorf("verify engine identity: %w", err)
	}
	e.Log.Info("connected to aws", "engine_account", identity, "region", e.cfg.Region)

	if e.Store == nil {
		e.Store = store.NewDynamo(dynamodb.NewFromConfig(awsClient.Config), e.cfg.Store.Table)
	}

	sqsClient := sqs.NewFromConfig(awsClient.Config)
	rb := e.cfg.Queues.ReceiveBatch
	e.Events = queue.NewSQS(sqsClient, e.cfg.Queues.EventsURL, rb)
	e.Inspect = queue.NewSQS(sqsClient, e.cfg.Queues.InspectURL, rb)
	e.Verdicts = queue.NewSQS(sqsClient, e.cfg.Queues.VerdictsURL, rb)
	e.Logs = queue.NewSQS(sqsClient, e.cfg.Queues.LogsURL, rb)

	awsDescriber := awscloud.NewDescriber(awsClient)
	e.describer = describerMux{
		aws:   awsDescriber,
		azure: azurecloud.Describer{},
	}
	e.launcher = awscloud.NewLauncher(awsClient,
		e.cfg.Inspector.ScanHostAMI, e.cfg.Inspector.ScanHostType,
		e.cfg.Inspector.SubnetID, e.cfg.Region)

	fetcher := awscloud.NewLogFetcher(awsClient)
	e.fetchLog = fetcher.Fetch

	e.Accounts = &Accounts{
		Verifier: awsClient,
		Regions:  awsDescriber,
		Trails: awscloud.NewTrailManager(awsClient, e.cfg.Trail.Name, e.cfg.Region,
			e.Log.With("component", "trail")),
	}

	ec2Client := ec2.NewFromConfig(awsClient.Config)
	e.refreshTypes = func(ctx context.Context) error {
		return e.Types.Refresh(ctx, ec2Client, e.Log)
	}

	snapshotter, err := azurecloud.NewSnapshotter()
	if err != nil {
		// Azure enrollment is optional; AWS-only deployments run without it.
		e.Log.Warn("azure snapshotter unavailable", "error", err)
		return nil
	}
	e.snapshot = func(ctx context.Context, account model.Account) error {
		vms, err := snapshotter.Snapshot(ctx, account)
		if err != nil {
			return err
		}
		return e.Normalizer.HandleSnapshot(ctx, account, vms, time.Now().UTC())
	}
	return nil
}

// describerMux routes describe calls by the account's cloud.
type describerMux struct {
	aws   normalize.CloudDescriber
	azure normalize.CloudDescriber
}

func (m describerMux) pick(account model.Account) normalize.CloudDescriber {
	if account.CloudType == model.CloudAzure {
		return m.azure
	}
	return m.aws
}

func (m describerMux) DescribeInstance(ctx context.Context, account model.Account, region, instanceID string) (normalize.DescribedInstance, error) {
	return m.pick(account).DescribeInstance(ctx, account, region, instanceID)
}

func (m describerMux) DescribeImage(ctx context.Context, account model.Account, region, imageID string) (normalize.DescribedImage, error) {
	return m.pick(account).DescribeImage(ctx, account, region, imageID)
}
